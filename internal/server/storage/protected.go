package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/iudanet/storagerelay/internal/crypto"
	"github.com/iudanet/storagerelay/internal/models"
)

// Protected оборачивает ThingStore и прозрачно шифрует содержимое blob'ов
// симметричным protector'ом. Ключи и время изменения хранятся как есть.
type Protected struct {
	ThingStore
	protector crypto.Protector
}

// NewProtected возвращает store без изменений, если protector не задан
func NewProtected(store ThingStore, protector crypto.Protector) ThingStore {
	if protector == nil {
		return store
	}
	return &Protected{ThingStore: store, protector: protector}
}

// Store шифрует данные перед записью
func (p *Protected) Store(ctx context.Context, namespace, id string, data []byte, modifiedOn time.Time) error {
	sealed, err := p.protector.Protect(data)
	if err != nil {
		return fmt.Errorf("failed to protect thing: %w", err)
	}
	return p.ThingStore.Store(ctx, namespace, id, sealed, modifiedOn)
}

// GetCopy расшифровывает данные после чтения
func (p *Protected) GetCopy(ctx context.Context, namespace, id string) (*models.Thing, error) {
	thing, err := p.ThingStore.GetCopy(ctx, namespace, id)
	if err != nil {
		return nil, err
	}

	data, err := p.protector.Unprotect(thing.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unprotect thing: %w", err)
	}
	thing.Data = data

	return thing, nil
}
