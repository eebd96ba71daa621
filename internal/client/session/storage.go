package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iudanet/storagerelay/internal/crypto"
	"github.com/iudanet/storagerelay/internal/models"
	"github.com/iudanet/storagerelay/pkg/api"
)

// Storage - открытый storage. Данные шифруются ключом storage и
// подписываются ключом app, ответы проверяются ключом storage.
type Storage struct {
	session *Session
	id      string

	mu        sync.Mutex
	token     string
	publicKey *crypto.PublicKey
}

// ID returns storage id as requested by the app
func (st *Storage) ID() string {
	return st.id
}

func (st *Storage) credentials() (string, *crypto.PublicKey) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.token, st.publicKey
}

// reopen получает новый storage token (сервер мог вытеснить storage)
func (st *Storage) reopen(ctx context.Context) error {
	token, publicKey, err := st.session.open(ctx, st.id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.token = token
	st.publicKey = publicKey
	st.mu.Unlock()
	return nil
}

// call выполняет операцию и один раз повторяет ее после reopen,
// если сервер не узнал storage token
func (st *Storage) call(ctx context.Context, op func(token string, publicKey *crypto.PublicKey) (string, error)) (string, *crypto.PublicKey, error) {
	token, publicKey := st.credentials()
	payload, err := op(token, publicKey)
	if !errors.Is(err, api.ErrIncorrectStorageToken) {
		return payload, publicKey, err
	}

	st.session.logger.Debug("storage token rejected, opening again", "storage", st.id)
	if err := st.reopen(ctx); err != nil {
		return "", nil, err
	}

	token, publicKey = st.credentials()
	payload, err = op(token, publicKey)
	return payload, publicKey, err
}

// Store сохраняет данные thing с логическим временем изменения modifiedOn
func (st *Storage) Store(ctx context.Context, id string, data []byte, modifiedOn time.Time) error {
	keys := st.session.appKeys
	_, _, err := st.call(ctx, func(token string, publicKey *crypto.PublicKey) (string, error) {
		ciphertext, err := publicKey.Encrypt(api.FormatTimestamp(modifiedOn) + api.Separator + string(data))
		if err != nil {
			return "", fmt.Errorf("failed to encrypt thing: %w", err)
		}
		return st.session.transport.Store(ctx, token, id, keys.Sign(ciphertext)+api.Separator+ciphertext)
	})
	if err != nil {
		return fmt.Errorf("failed to store %q: %w", id, err)
	}
	return nil
}

// Exists проверяет наличие thing
func (st *Storage) Exists(ctx context.Context, id string) (bool, error) {
	payload, _, err := st.call(ctx, func(token string, _ *crypto.PublicKey) (string, error) {
		return st.session.transport.Exists(ctx, token, id)
	})
	if err != nil {
		return false, fmt.Errorf("failed to check %q: %w", id, err)
	}

	switch payload {
	case api.Yes:
		return true, nil
	case api.No:
		return false, nil
	default:
		return false, fmt.Errorf("%w: unexpected exists answer %q", api.ErrMalformedResponse, payload)
	}
}

// ModifiedOn возвращает логическое время изменения thing
func (st *Storage) ModifiedOn(ctx context.Context, id string) (time.Time, error) {
	payload, _, err := st.call(ctx, func(token string, _ *crypto.PublicKey) (string, error) {
		return st.session.transport.GetModifiedOn(ctx, token, id)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get modification time of %q: %w", id, err)
	}
	return api.ParseTimestamp(payload)
}

// Get возвращает копию thing
func (st *Storage) Get(ctx context.Context, id string) (*models.Thing, error) {
	payload, publicKey, err := st.call(ctx, func(token string, _ *crypto.PublicKey) (string, error) {
		return st.session.transport.GetCopy(ctx, token, id)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", id, err)
	}

	plaintext, err := unseal(publicKey, st.session.appKeys, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", id, err)
	}

	rawModifiedOn, data, err := api.SplitPair(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", id, err)
	}
	modifiedOn, err := api.ParseTimestamp(rawModifiedOn)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", id, err)
	}

	return &models.Thing{
		ModifiedOn: modifiedOn,
		Namespace:  st.id,
		ID:         id,
		Data:       []byte(data),
	}, nil
}

// Discard удаляет thing. Удаление отсутствующего thing успешно.
func (st *Storage) Discard(ctx context.Context, id string) error {
	_, _, err := st.call(ctx, func(token string, _ *crypto.PublicKey) (string, error) {
		return st.session.transport.Discard(ctx, token, id)
	})
	if err != nil {
		return fmt.Errorf("failed to discard %q: %w", id, err)
	}
	return nil
}

// Find возвращает идентификаторы things, подходящих под регулярное выражение.
// Пустой pattern выбирает все.
func (st *Storage) Find(ctx context.Context, pattern string) ([]string, error) {
	payload, publicKey, err := st.call(ctx, func(token string, _ *crypto.PublicKey) (string, error) {
		return st.session.transport.FindIDs(ctx, token, pattern)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find ids: %w", err)
	}

	plaintext, err := unseal(publicKey, st.session.appKeys, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to read found ids: %w", err)
	}
	return api.SplitIDs(plaintext), nil
}
