package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/storagerelay/internal/client/storage"
)

var stateKey = []byte("current")

// update и view проверяют, что storage не закрыт, и находят bucket состояния
func (s *Storage) update(fn func(bucket *bbolt.Bucket) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketState)
		if bucket == nil {
			return fmt.Errorf("state bucket not found")
		}
		return fn(bucket)
	})
}

func (s *Storage) view(fn func(bucket *bbolt.Bucket) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketState)
		if bucket == nil {
			return fmt.Errorf("state bucket not found")
		}
		return fn(bucket)
	})
}

func putState(bucket *bbolt.Bucket, state *storage.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := bucket.Put(stateKey, data); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

func readState(bucket *bbolt.Bucket) (*storage.State, error) {
	data := bucket.Get(stateKey)
	if data == nil {
		return nil, storage.ErrStateNotFound
	}

	state := &storage.State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, nil
}

// SaveState stores client state
func (s *Storage) SaveState(ctx context.Context, state *storage.State) error {
	return s.update(func(bucket *bbolt.Bucket) error {
		return putState(bucket, state)
	})
}

// GetState retrieves stored client state
func (s *Storage) GetState(ctx context.Context) (*storage.State, error) {
	var state *storage.State
	err := s.view(func(bucket *bbolt.Bucket) error {
		var err error
		state, err = readState(bucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// DeleteState removes client state
func (s *Storage) DeleteState(ctx context.Context) error {
	return s.update(func(bucket *bbolt.Bucket) error {
		if bucket.Get(stateKey) == nil {
			return storage.ErrStateNotFound
		}
		if err := bucket.Delete(stateKey); err != nil {
			return fmt.Errorf("failed to delete state: %w", err)
		}
		return nil
	})
}

// SaveAppToken заменяет app token в одной транзакции с чтением состояния
func (s *Storage) SaveAppToken(ctx context.Context, token string) error {
	return s.update(func(bucket *bbolt.Bucket) error {
		state, err := readState(bucket)
		if err != nil {
			return err
		}
		state.AppToken = token
		return putState(bucket, state)
	})
}
