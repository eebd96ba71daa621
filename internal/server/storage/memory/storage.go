// Package memory provides an in-process ThingStore. Data lives only as long as
// the process; used in tests and for throwaway deployments.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iudanet/storagerelay/internal/models"
	"github.com/iudanet/storagerelay/internal/server/storage"
)

type entry struct {
	modifiedOn time.Time
	data       []byte
}

// Storage represents in-memory storage implementation
type Storage struct {
	namespaces map[string]map[string]entry
	mu         sync.RWMutex
	closed     bool
}

// New creates empty in-memory storage
func New() *Storage {
	return &Storage{namespaces: make(map[string]map[string]entry)}
}

// Store creates or replaces thing data
func (s *Storage) Store(ctx context.Context, namespace, id string, data []byte, modifiedOn time.Time) error {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	things, ok := s.namespaces[namespace]
	if !ok {
		things = make(map[string]entry)
		s.namespaces[namespace] = things
	}
	// Копируем, чтобы вызывающий не мог изменить сохраненные данные
	things[id] = entry{data: append([]byte{}, data...), modifiedOn: modifiedOn}

	return nil
}

func (s *Storage) get(namespace, id string) (entry, error) {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return entry{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return entry{}, storage.ErrStoreClosed
	}

	e, ok := s.namespaces[namespace][id]
	if !ok {
		return entry{}, storage.ErrThingNotFound
	}
	return e, nil
}

// Exists reports whether thing is present
func (s *Storage) Exists(ctx context.Context, namespace, id string) (bool, error) {
	_, err := s.get(namespace, id)
	if errors.Is(err, storage.ErrThingNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetModifiedOn returns logical modification time
func (s *Storage) GetModifiedOn(ctx context.Context, namespace, id string) (time.Time, error) {
	e, err := s.get(namespace, id)
	if err != nil {
		return time.Time{}, err
	}
	return e.modifiedOn, nil
}

// GetCopy returns a copy of thing data
func (s *Storage) GetCopy(ctx context.Context, namespace, id string) (*models.Thing, error) {
	e, err := s.get(namespace, id)
	if err != nil {
		return nil, err
	}
	return &models.Thing{
		Namespace:  namespace,
		ID:         id,
		Data:       append([]byte{}, e.data...),
		ModifiedOn: e.modifiedOn,
	}, nil
}

// Discard removes thing
func (s *Storage) Discard(ctx context.Context, namespace, id string) error {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	if things, ok := s.namespaces[namespace]; ok {
		delete(things, id)
		if len(things) == 0 {
			delete(s.namespaces, namespace)
		}
	}
	return nil
}

// FindIDs returns ids in namespace matching pattern
func (s *Storage) FindIDs(ctx context.Context, namespace, pattern string) ([]string, error) {
	if err := storage.ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	re, err := storage.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	ids := make([]string, 0, len(s.namespaces[namespace]))
	for id := range s.namespaces[namespace] {
		ids = append(ids, id)
	}
	return storage.FilterIDs(ids, re), nil
}

// DiscardAll removes namespace prefix with all nested namespaces
func (s *Storage) DiscardAll(ctx context.Context, prefix string) error {
	if err := storage.ValidateNamespace(prefix); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	for ns := range s.namespaces {
		if storage.InNamespace(ns, prefix) {
			delete(s.namespaces, ns)
		}
	}
	return nil
}

// FindAllIDs recursively enumerates namespaces and things under prefix
func (s *Storage) FindAllIDs(ctx context.Context, prefix, pattern string) ([]models.FoundID, error) {
	re, err := storage.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, storage.ErrStoreClosed
	}
	keys := make([]storage.Key, 0)
	for ns, things := range s.namespaces {
		if !storage.InNamespace(ns, prefix) {
			continue
		}
		for id := range things {
			keys = append(keys, storage.Key{Namespace: ns, ID: id})
		}
	}
	s.mu.RUnlock()

	return storage.BuildFoundIDs(prefix, re, keys), nil
}

// Close marks storage closed; every later call fails with ErrStoreClosed
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns number of stored things, for tests and stats
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, things := range s.namespaces {
		n += len(things)
	}
	return n
}
