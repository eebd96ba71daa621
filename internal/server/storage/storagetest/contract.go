// Package storagetest holds the behaviour every ThingStore backend must share.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/storagerelay/internal/models"
	"github.com/iudanet/storagerelay/internal/server/storage"
)

// Factory creates a fresh empty store for one subtest
type Factory func(t *testing.T) storage.ThingStore

// Timestamp returns a fixed time with whole-second precision so that backends
// with coarse timestamp storage (file mtime) round-trip it exactly.
func Timestamp(offset time.Duration) time.Time {
	return time.Unix(1714564800, 0).Add(offset)
}

// PreciseTimestamp returns a fixed time carrying nanoseconds
func PreciseTimestamp() time.Time {
	return time.Unix(1714564800, 123456789)
}

type options struct {
	coarseTimestamps bool
}

// Option tunes the contract for a backend
type Option func(*options)

// CoarseTimestamps skips checks that need ModifiedOn to round-trip with
// nanosecond precision. Only for backends that keep the time in file mtime.
func CoarseTimestamps() Option {
	return func(o *options) { o.coarseTimestamps = true }
}

// Run executes the shared contract against stores produced by newStore
func Run(t *testing.T, newStore Factory, opts ...Option) {
	t.Helper()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	t.Run("store and get copy", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		modifiedOn := Timestamp(0)
		require.NoError(t, s.Store(ctx, "repo/inventory", "thing1", []byte("hello"), modifiedOn))

		thing, err := s.GetCopy(ctx, "repo/inventory", "thing1")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), thing.Data)
		assert.True(t, modifiedOn.Equal(thing.ModifiedOn), "expected %v, got %v", modifiedOn, thing.ModifiedOn)
		assert.Equal(t, "thing1", thing.ID)
		assert.Equal(t, "repo/inventory", thing.Namespace)
	})

	t.Run("store replaces data and time", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Store(ctx, "repo/st", "k", []byte("v1"), Timestamp(0)))
		require.NoError(t, s.Store(ctx, "repo/st", "k", []byte("v2"), Timestamp(time.Hour)))

		thing, err := s.GetCopy(ctx, "repo/st", "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), thing.Data)
		assert.True(t, Timestamp(time.Hour).Equal(thing.ModifiedOn))
	})

	t.Run("empty data", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Store(ctx, "repo/st", "empty", []byte{}, Timestamp(0)))
		thing, err := s.GetCopy(ctx, "repo/st", "empty")
		require.NoError(t, err)
		assert.Empty(t, thing.Data)
	})

	t.Run("exists", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		ok, err := s.Exists(ctx, "repo/st", "k")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Store(ctx, "repo/st", "k", []byte("v"), Timestamp(0)))

		ok, err = s.Exists(ctx, "repo/st", "k")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("get modified on", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.GetModifiedOn(ctx, "repo/st", "k")
		assert.ErrorIs(t, err, storage.ErrThingNotFound)

		require.NoError(t, s.Store(ctx, "repo/st", "k", []byte("v"), Timestamp(42*time.Second)))

		modifiedOn, err := s.GetModifiedOn(ctx, "repo/st", "k")
		require.NoError(t, err)
		assert.True(t, Timestamp(42*time.Second).Equal(modifiedOn))
	})

	t.Run("nanosecond modified on", func(t *testing.T) {
		if o.coarseTimestamps {
			t.Skip("backend keeps modification time with filesystem precision")
		}
		ctx := context.Background()
		s := newStore(t)

		modifiedOn := PreciseTimestamp()
		require.NoError(t, s.Store(ctx, "repo/st", "k", []byte("v"), modifiedOn))

		got, err := s.GetModifiedOn(ctx, "repo/st", "k")
		require.NoError(t, err)
		assert.Equal(t, modifiedOn.UnixNano(), got.UnixNano())

		thing, err := s.GetCopy(ctx, "repo/st", "k")
		require.NoError(t, err)
		assert.Equal(t, modifiedOn.UnixNano(), thing.ModifiedOn.UnixNano())

		// перезапись отличается только наносекундами
		later := modifiedOn.Add(time.Nanosecond)
		require.NoError(t, s.Store(ctx, "repo/st", "k", []byte("v2"), later))
		got, err = s.GetModifiedOn(ctx, "repo/st", "k")
		require.NoError(t, err)
		assert.Equal(t, later.UnixNano(), got.UnixNano())
	})

	t.Run("get copy of missing thing", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.GetCopy(ctx, "repo/st", "missing")
		assert.ErrorIs(t, err, storage.ErrThingNotFound)
	})

	t.Run("discard", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Store(ctx, "repo/st", "k", []byte("v"), Timestamp(0)))
		require.NoError(t, s.Discard(ctx, "repo/st", "k"))

		ok, err := s.Exists(ctx, "repo/st", "k")
		require.NoError(t, err)
		assert.False(t, ok)

		// Повторное удаление не является ошибкой
		assert.NoError(t, s.Discard(ctx, "repo/st", "k"))
	})

	t.Run("find ids", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for _, id := range []string{"apple", "apricot", "banana"} {
			require.NoError(t, s.Store(ctx, "repo/st", id, []byte(id), Timestamp(0)))
		}
		// Соседнее пространство не должно попадать в результат
		require.NoError(t, s.Store(ctx, "repo/other", "avocado", []byte("x"), Timestamp(0)))

		ids, err := s.FindIDs(ctx, "repo/st", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"apple", "apricot", "banana"}, ids)

		ids, err = s.FindIDs(ctx, "repo/st", "^ap")
		require.NoError(t, err)
		assert.Equal(t, []string{"apple", "apricot"}, ids)

		ids, err = s.FindIDs(ctx, "repo/st", "zzz")
		require.NoError(t, err)
		assert.Empty(t, ids)

		require.NoError(t, s.Discard(ctx, "repo/st", "apple"))
		ids, err = s.FindIDs(ctx, "repo/st", "^ap")
		require.NoError(t, err)
		assert.Equal(t, []string{"apricot"}, ids)

		_, err = s.FindIDs(ctx, "repo/st", "([")
		assert.ErrorIs(t, err, storage.ErrInvalidPattern)
	})

	t.Run("find ids in missing namespace", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		ids, err := s.FindIDs(ctx, "nobody/here", "")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("find ids in invalid namespace", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for _, namespace := range []string{"", "repo/../etc", "repo//st"} {
			_, err := s.FindIDs(ctx, namespace, "")
			assert.ErrorIs(t, err, storage.ErrInvalidKey, "namespace %q", namespace)
		}
	})

	t.Run("discard all", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Store(ctx, "repo", "record", []byte("r"), Timestamp(0)))
		require.NoError(t, s.Store(ctx, "repo/a", "k1", []byte("1"), Timestamp(0)))
		require.NoError(t, s.Store(ctx, "repo/b", "k2", []byte("2"), Timestamp(0)))
		require.NoError(t, s.Store(ctx, "repo2/a", "k3", []byte("3"), Timestamp(0)))

		require.NoError(t, s.DiscardAll(ctx, "repo"))

		for _, k := range []storage.Key{{Namespace: "repo", ID: "record"}, {Namespace: "repo/a", ID: "k1"}, {Namespace: "repo/b", ID: "k2"}} {
			ok, err := s.Exists(ctx, k.Namespace, k.ID)
			require.NoError(t, err)
			assert.False(t, ok, "%s/%s должен быть удален", k.Namespace, k.ID)
		}

		// repo2 не является вложенным в repo
		ok, err := s.Exists(ctx, "repo2/a", "k3")
		require.NoError(t, err)
		assert.True(t, ok)

		assert.NoError(t, s.DiscardAll(ctx, "missing"))
	})

	t.Run("find all ids", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Store(ctx, "repo/inventory", "item1", []byte("1"), Timestamp(0)))
		require.NoError(t, s.Store(ctx, "repo/inventory", "other", []byte("2"), Timestamp(0)))
		require.NoError(t, s.Store(ctx, "repo/settings", "theme", []byte("3"), Timestamp(0)))
		require.NoError(t, s.Store(ctx, "elsewhere/x", "item9", []byte("4"), Timestamp(0)))

		found, err := s.FindAllIDs(ctx, "repo", "")
		require.NoError(t, err)
		assert.Equal(t, []models.FoundID{
			{Type: models.FoundStorage, Namespace: "repo", ID: "inventory"},
			{Type: models.FoundStorage, Namespace: "repo", ID: "settings"},
			{Type: models.FoundThing, Namespace: "repo/inventory", ID: "item1"},
			{Type: models.FoundThing, Namespace: "repo/inventory", ID: "other"},
			{Type: models.FoundThing, Namespace: "repo/settings", ID: "theme"},
		}, found)

		found, err = s.FindAllIDs(ctx, "repo", "^item")
		require.NoError(t, err)
		assert.Equal(t, []models.FoundID{
			{Type: models.FoundStorage, Namespace: "repo", ID: "inventory"},
			{Type: models.FoundThing, Namespace: "repo/inventory", ID: "item1"},
		}, found)

		found, err = s.FindAllIDs(ctx, "repo", "^settings$")
		require.NoError(t, err)
		assert.Equal(t, []models.FoundID{
			{Type: models.FoundStorage, Namespace: "repo", ID: "settings"},
		}, found)
	})

	t.Run("invalid keys", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		assert.ErrorIs(t, s.Store(ctx, "", "k", []byte("v"), Timestamp(0)), storage.ErrInvalidKey)
		assert.ErrorIs(t, s.Store(ctx, "repo/st", "", []byte("v"), Timestamp(0)), storage.ErrInvalidKey)
		assert.ErrorIs(t, s.Store(ctx, "repo/../etc", "k", []byte("v"), Timestamp(0)), storage.ErrInvalidKey)
	})

	t.Run("concurrent writes to one thing", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				data := []byte(fmt.Sprintf("value-%d", i))
				assert.NoError(t, s.Store(ctx, "repo/st", "shared", data, Timestamp(time.Duration(i)*time.Second)))
				_, _ = s.GetCopy(ctx, "repo/st", "shared")
			}(i)
		}
		wg.Wait()

		thing, err := s.GetCopy(ctx, "repo/st", "shared")
		require.NoError(t, err)
		assert.Regexp(t, `^value-\d$`, string(thing.Data))
	})
}
