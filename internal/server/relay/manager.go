// Package relay implements the trust chain Repository → App → Storage → Thing.
//
// Manager keeps three concurrent registries (repositories by id, apps by token,
// storages by token), executes the handshake steps and thing operations, and
// evicts idle objects. Protocol operations never return Go errors: every result
// is an obfuscated "OK[,payload]" or "ERROR,<code>,<message>" envelope.
package relay

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/iudanet/storagerelay/internal/crypto"
	"github.com/iudanet/storagerelay/internal/obfuscator"
	"github.com/iudanet/storagerelay/internal/server/storage"
	"github.com/iudanet/storagerelay/pkg/api"
)

// DefaultObjectLifetime - время простоя, после которого объект вытесняется из памяти
const DefaultObjectLifetime = 12 * time.Hour

// DefaultServerID - пространство имен записей repository по умолчанию
const DefaultServerID = "f406bd73571d4e11a0221d457b8589cc"

// Options configures Manager
type Options struct {
	Store      storage.ThingStore
	Serializer Serializer
	Logger     *slog.Logger
	// Now - источник времени, подменяется в тестах
	Now func() time.Time
	// ServerID - пространство имен, в котором хранятся записи repository
	ServerID       string
	ObjectLifetime time.Duration
	// SignRegistration подписывает app token ключом repository
	SignRegistration bool
}

// Manager is the orchestration core of the relay
type Manager struct {
	store      storage.ThingStore
	serializer Serializer
	logger     *slog.Logger
	now        func() time.Time

	repositories sync.Map // map[string]*repositoryEntry
	apps         sync.Map // map[string]*appEntry
	storages     sync.Map // map[string]*storageEntry

	// loads объединяет параллельные загрузки одного repository
	loads singleflight.Group

	// gcMu сериализует проходы GC и вставки в реестры.
	// Под ним не бывает обращений к backing store.
	gcMu sync.Mutex

	// removing - id repositories, которые сейчас удаляются: их нельзя загрузить заново
	removing sync.Map

	serverID         string
	lifetime         time.Duration
	signRegistration bool
}

// New creates Manager. Store and Serializer are mandatory.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, ErrMissingStore
	}
	if opts.Serializer == nil {
		return nil, ErrMissingSerializer
	}

	m := &Manager{
		store:            opts.Store,
		serializer:       opts.Serializer,
		logger:           opts.Logger,
		now:              opts.Now,
		serverID:         opts.ServerID,
		lifetime:         opts.ObjectLifetime,
		signRegistration: opts.SignRegistration,
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.serverID == "" {
		m.serverID = DefaultServerID
	}
	if m.lifetime <= 0 {
		m.lifetime = DefaultObjectLifetime
	}

	return m, nil
}

// ServerID returns namespace of repository records
func (m *Manager) ServerID() string {
	return m.serverID
}

// operation выполняет тело протокольной операции и превращает результат в
// обфусцированный конверт. Ошибки и паники не выходят за пределы Manager.
func (m *Manager) operation(op string, fallback api.ErrorCode, credential string, body func() (string, error)) (response string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("relay operation panicked",
				"op", op,
				"code", int(fallback),
				"credential", crypto.Fingerprint(credential),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			response = obfuscator.Obfuscate(api.FormatError(fallback, "internal error"))
		}
	}()

	envelope, err := body()
	if err != nil {
		code := codeFor(err, fallback)
		m.logger.Warn("relay operation failed",
			"op", op,
			"code", int(code),
			"credential", crypto.Fingerprint(credential),
			"error", err,
		)
		envelope = api.FormatError(code, err.Error())
	}

	return obfuscator.Obfuscate(envelope)
}
