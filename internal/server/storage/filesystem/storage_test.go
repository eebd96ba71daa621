package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/storagerelay/internal/models"
	"github.com/iudanet/storagerelay/internal/server/storage"
	"github.com/iudanet/storagerelay/internal/server/storage/storagetest"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStorage_Contract(t *testing.T) {
	// mtime не везде хранит наносекунды
	storagetest.Run(t, func(t *testing.T) storage.ThingStore {
		return setupTestStorage(t)
	}, storagetest.CoarseTimestamps())
}

func TestStorage_Layout(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	modifiedOn := storagetest.Timestamp(0)
	require.NoError(t, s.Store(ctx, "repo1/inventory", "thing1", []byte("hello"), modifiedOn))

	// Каталог repository, подкаталог storage, файл thing
	path := filepath.Join(s.Root(), "repo1", "inventory", "thing1")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, modifiedOn.Equal(info.ModTime()), "mtime файла хранит ModifiedOn")
}

func TestStorage_EmptyNamespaceListed(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "repo", "empty"), dirPerm))
	require.NoError(t, s.Store(ctx, "repo/full", "k", []byte("v"), storagetest.Timestamp(0)))

	found, err := s.FindAllIDs(ctx, "repo", "")
	require.NoError(t, err)
	assert.Equal(t, []models.FoundID{
		{Type: models.FoundStorage, Namespace: "repo", ID: "empty"},
		{Type: models.FoundStorage, Namespace: "repo", ID: "full"},
		{Type: models.FoundThing, Namespace: "repo/full", ID: "k"},
	}, found)
}

func TestStorage_FindAllIDs_MissingPrefix(t *testing.T) {
	s := setupTestStorage(t)

	found, err := s.FindAllIDs(context.Background(), "nothing", "")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestStorage_DirectoryIsNotThing(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	require.NoError(t, s.Store(ctx, "repo/st/nested", "k", []byte("v"), storagetest.Timestamp(0)))

	// "nested" - каталог, а не thing
	ok, err := s.Exists(ctx, "repo/st", "nested")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetCopy(ctx, "repo/st", "nested")
	assert.ErrorIs(t, err, storage.ErrThingNotFound)

	ids, err := s.FindIDs(ctx, "repo/st", "")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
