package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/iudanet/storagerelay/internal/crypto"
	"github.com/iudanet/storagerelay/internal/server/storage"
)

// accessed хранит AccessedOn как Unix наносекунды: обновляется на горячем пути без блокировок
type accessed struct {
	nanos atomic.Int64
}

func (a *accessed) touch(now time.Time) {
	a.nanos.Store(now.UnixNano())
}

func (a *accessed) accessedOn() time.Time {
	return time.Unix(0, a.nanos.Load())
}

// idle reports whether object was not dereferenced for longer than lifetime
func (a *accessed) idle(now time.Time, lifetime time.Duration) bool {
	return now.Sub(a.accessedOn()) > lifetime
}

// repositoryEntry - загруженный в память repository (trust root)
type repositoryEntry struct {
	accessed
	createdAt time.Time
	keys      *crypto.KeyPair
	id        string
	name      string

	// inflight держат на чтение операции с things, пока обращаются к store.
	// RemoveRepository берет его на запись перед очисткой данных.
	inflight sync.RWMutex
	removed  atomic.Bool
}

// appEntry - зарегистрированный экземпляр приложения
type appEntry struct {
	accessed
	repository *repositoryEntry
	publicKey  *crypto.PublicKey
	token      string
	// publicKeyText - ключ в текстовой форме, по нему ищутся дубликаты
	publicKeyText string
}

// storageEntry - открытый storage со своей сессионной парой ключей
type storageEntry struct {
	accessed
	app   *appEntry
	keys  *crypto.KeyPair
	token string
	id    string
}

// namespace - префикс данных storage в backing store: RepositoryID/StorageID
func (s *storageEntry) namespace() string {
	return storage.Namespace(s.app.repository.id, s.id)
}
