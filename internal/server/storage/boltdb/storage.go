// Package boltdb stores things in a single bbolt file. Every namespace segment is a
// nested bucket under the root bucket; things are keys in the innermost bucket.
package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/storagerelay/internal/models"
	"github.com/iudanet/storagerelay/internal/server/storage"
)

var bucketThings = []byte("things")

// timestampSize - префикс значения: modifiedOn в Unix наносекундах (big endian)
const timestampSize = 8

// Storage represents BoltDB storage implementation
type Storage struct {
	db *bbolt.DB
}

// New creates a new BoltDB storage instance
// dbPath is the path to the BoltDB database file
func New(ctx context.Context, dbPath string) (*Storage, error) {
	// Открываем BoltDB
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	storage := &Storage{db: db}

	// Инициализируем buckets
	if err := storage.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return storage, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// initBuckets создает корневой bucket если он не существует
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketThings); err != nil {
			return fmt.Errorf("failed to create things bucket: %w", err)
		}
		return nil
	})
}

func segments(namespace string) []string {
	return strings.Split(namespace, storage.NamespaceSeparator)
}

// lookupBucket возвращает bucket пространства имен или nil
func lookupBucket(tx *bbolt.Tx, namespace string) *bbolt.Bucket {
	b := tx.Bucket(bucketThings)
	if b == nil || namespace == "" {
		return b
	}
	for _, seg := range segments(namespace) {
		b = b.Bucket([]byte(seg))
		if b == nil {
			return nil
		}
	}
	return b
}

// createBucket создает все промежуточные buckets пространства имен
func createBucket(tx *bbolt.Tx, namespace string) (*bbolt.Bucket, error) {
	b := tx.Bucket(bucketThings)
	if b == nil {
		return nil, fmt.Errorf("things bucket not found")
	}
	for _, seg := range segments(namespace) {
		next, err := b.CreateBucketIfNotExists([]byte(seg))
		if err != nil {
			return nil, fmt.Errorf("failed to create namespace bucket %q: %w", seg, err)
		}
		b = next
	}
	return b, nil
}

func encodeValue(data []byte, modifiedOn time.Time) []byte {
	v := make([]byte, timestampSize+len(data))
	binary.BigEndian.PutUint64(v[:timestampSize], uint64(modifiedOn.UnixNano()))
	copy(v[timestampSize:], data)
	return v
}

func decodeValue(v []byte) ([]byte, time.Time, error) {
	if len(v) < timestampSize {
		return nil, time.Time{}, fmt.Errorf("corrupted thing value: %d bytes", len(v))
	}
	modifiedOn := time.Unix(0, int64(binary.BigEndian.Uint64(v[:timestampSize])))
	// Значение валидно только внутри транзакции - копируем
	data := append([]byte{}, v[timestampSize:]...)
	return data, modifiedOn, nil
}

// Store creates or replaces thing data
func (s *Storage) Store(ctx context.Context, namespace, id string, data []byte, modifiedOn time.Time) error {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := createBucket(tx, namespace)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), encodeValue(data, modifiedOn)); err != nil {
			return fmt.Errorf("failed to store thing: %w", err)
		}
		return nil
	})
}

// get читает значение thing внутри read-only транзакции
func (s *Storage) get(namespace, id string) (*models.Thing, error) {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return nil, err
	}

	var thing *models.Thing
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := lookupBucket(tx, namespace)
		if b == nil {
			return storage.ErrThingNotFound
		}

		// Get возвращает nil и для вложенного bucket
		v := b.Get([]byte(id))
		if v == nil {
			return storage.ErrThingNotFound
		}

		data, modifiedOn, err := decodeValue(v)
		if err != nil {
			return err
		}
		thing = &models.Thing{Namespace: namespace, ID: id, Data: data, ModifiedOn: modifiedOn}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return thing, nil
}

// Exists reports whether thing is present
func (s *Storage) Exists(ctx context.Context, namespace, id string) (bool, error) {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return false, err
	}

	var exists bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := lookupBucket(tx, namespace); b != nil {
			exists = b.Get([]byte(id)) != nil
		}
		return nil
	})
	return exists, err
}

// GetModifiedOn returns logical modification time
func (s *Storage) GetModifiedOn(ctx context.Context, namespace, id string) (time.Time, error) {
	thing, err := s.get(namespace, id)
	if err != nil {
		return time.Time{}, err
	}
	return thing.ModifiedOn, nil
}

// GetCopy returns thing data together with modification time
func (s *Storage) GetCopy(ctx context.Context, namespace, id string) (*models.Thing, error) {
	return s.get(namespace, id)
}

// Discard removes thing
func (s *Storage) Discard(ctx context.Context, namespace, id string) error {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := lookupBucket(tx, namespace)
		if b == nil || b.Get([]byte(id)) == nil {
			return nil
		}
		if err := b.Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to discard thing: %w", err)
		}
		return nil
	})
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

	ids := make([]string, 0)
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := lookupBucket(tx, namespace)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			// v == nil - вложенный bucket
			if v != nil {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list namespace: %w", err)
	}

	return storage.FilterIDs(ids, re), nil
}

// DiscardAll removes namespace bucket with all nested buckets
func (s *Storage) DiscardAll(ctx context.Context, prefix string) error {
	if err := storage.ValidateNamespace(prefix); err != nil {
		return err
	}

	segs := segments(prefix)
	parentNS := strings.Join(segs[:len(segs)-1], storage.NamespaceSeparator)
	name := []byte(segs[len(segs)-1])

	return s.db.Update(func(tx *bbolt.Tx) error {
		parent := lookupBucket(tx, parentNS)
		if parent == nil || parent.Bucket(name) == nil {
			return nil
		}
		if err := parent.DeleteBucket(name); err != nil {
			return fmt.Errorf("failed to discard namespace: %w", err)
		}
		return nil
	})
}

// FindAllIDs walks nested buckets under prefix
func (s *Storage) FindAllIDs(ctx context.Context, prefix, pattern string) ([]models.FoundID, error) {
	re, err := storage.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	keys := make([]storage.Key, 0)
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := lookupBucket(tx, prefix)
		if b == nil {
			return nil
		}
		return walk(b, prefix, &keys)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk namespace: %w", err)
	}

	return storage.BuildFoundIDs(prefix, re, keys), nil
}

func walk(b *bbolt.Bucket, namespace string, keys *[]storage.Key) error {
	return b.ForEach(func(k, v []byte) error {
		if v != nil {
			*keys = append(*keys, storage.Key{Namespace: namespace, ID: string(k)})
			return nil
		}

		child := string(k)
		if namespace != "" {
			child = namespace + storage.NamespaceSeparator + child
		}
		*keys = append(*keys, storage.Key{Namespace: child})
		return walk(b.Bucket(k), child, keys)
	})
}
