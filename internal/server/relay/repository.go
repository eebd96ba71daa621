package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/storagerelay/internal/crypto"
	"github.com/iudanet/storagerelay/internal/models"
	"github.com/iudanet/storagerelay/internal/obfuscator"
	"github.com/iudanet/storagerelay/internal/server/storage"
)

// listConcurrency - сколько записей repository читается параллельно в ListRepositories
const listConcurrency = 8

// RepositoryInfo - публичные сведения о repository для администратора
type RepositoryInfo struct {
	CreatedAt  time.Time
	AccessedOn time.Time
	ID         string
	Name       string
	PublicKey  string
}

func (r *repositoryEntry) info() *RepositoryInfo {
	return &RepositoryInfo{
		CreatedAt:  r.createdAt,
		AccessedOn: r.accessedOn(),
		ID:         r.id,
		Name:       r.name,
		PublicKey:  r.keys.Public(),
	}
}

// newRepositoryID возвращает UUID без дефисов (безопасен как сегмент пути)
func newRepositoryID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRepository creates tenant with a fresh long-lived key pair and persists it.
// Its id and public key are handed to application developers out of band.
func (m *Manager) NewRepository(ctx context.Context, name string) (*RepositoryInfo, error) {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	now := m.now()
	repo := &repositoryEntry{
		createdAt: now,
		keys:      keys,
		id:        newRepositoryID(),
		name:      strings.TrimSpace(name),
	}
	repo.touch(now)

	if err := m.saveRepository(ctx, repo); err != nil {
		return nil, err
	}

	// В реестр только после успешной записи
	m.gcMu.Lock()
	m.collectGarbage()
	m.repositories.Store(repo.id, repo)
	m.gcMu.Unlock()

	m.logger.Info("repository created", "repository", repo.id, "name", repo.name)
	return repo.info(), nil
}

// saveRepository сохраняет запись repository: JSON → обфускация,
// приватный ключ обфусцирован дополнительно внутри записи
func (m *Manager) saveRepository(ctx context.Context, repo *repositoryEntry) error {
	record := &models.RepositoryRecord{
		CreatedAt:  repo.createdAt,
		AccessedOn: repo.accessedOn(),
		ID:         repo.id,
		Name:       repo.name,
		PublicKey:  repo.keys.Public(),
		PrivateKey: obfuscator.Obfuscate(repo.keys.Private()),
	}

	data, err := m.serializer.Marshal(record)
	if err != nil {
		return err
	}

	blob := []byte(obfuscator.Obfuscate(string(data)))
	if err := m.store.Store(ctx, m.serverID, repo.id, blob, repo.createdAt); err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}
	return nil
}

// readRepository читает и расшифровывает запись из backing store
func (m *Manager) readRepository(ctx context.Context, id string) (*repositoryEntry, error) {
	thing, err := m.store.GetCopy(ctx, m.serverID, id)
	if err != nil {
		if errors.Is(err, storage.ErrThingNotFound) || errors.Is(err, storage.ErrInvalidKey) {
			return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, id)
		}
		return nil, fmt.Errorf("failed to read repository: %w", err)
	}

	data, err := obfuscator.Deobfuscate(string(thing.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode repository: %w", err)
	}

	record, err := m.serializer.Unmarshal([]byte(data))
	if err != nil {
		return nil, err
	}

	private, err := obfuscator.Deobfuscate(record.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode repository key: %w", err)
	}

	keys, err := crypto.ParseKeyPair(private)
	if err != nil {
		return nil, fmt.Errorf("failed to restore repository key: %w", err)
	}

	return &repositoryEntry{
		createdAt: record.CreatedAt,
		keys:      keys,
		id:        record.ID,
		name:      record.Name,
	}, nil
}

// repository возвращает repository из реестра или лениво загружает его.
// Параллельные загрузки одного id объединяются.
func (m *Manager) repository(ctx context.Context, id string) (*repositoryEntry, error) {
	if v, ok := m.repositories.Load(id); ok {
		repo := v.(*repositoryEntry)
		repo.touch(m.now())
		return repo, nil
	}

	v, err, _ := m.loads.Do(id, func() (any, error) {
		if v, ok := m.repositories.Load(id); ok {
			return v, nil
		}

		repo, err := m.readRepository(ctx, id)
		if err != nil {
			return nil, err
		}

		m.gcMu.Lock()
		defer m.gcMu.Unlock()

		// запись прочитана до того, как RemoveRepository убрал repository из реестра
		if _, ok := m.removing.Load(id); ok {
			return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, id)
		}

		repo.touch(m.now())
		actual, _ := m.repositories.LoadOrStore(id, repo)
		m.logger.Debug("repository loaded", "repository", id)
		return actual, nil
	})
	if err != nil {
		return nil, err
	}

	repo := v.(*repositoryEntry)
	repo.touch(m.now())
	return repo, nil
}

// GetRepository returns repository details, loading it when needed
func (m *Manager) GetRepository(ctx context.Context, id string) (*RepositoryInfo, error) {
	repo, err := m.repository(ctx, id)
	if err != nil {
		return nil, err
	}
	return repo.info(), nil
}

// ListRepositories returns all persisted repositories sorted by id
func (m *Manager) ListRepositories(ctx context.Context) ([]*RepositoryInfo, error) {
	ids, err := m.store.FindIDs(ctx, m.serverID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}

	result := make([]*RepositoryInfo, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			repo, err := m.repository(gctx, id)
			if err != nil {
				return err
			}
			result[i] = repo.info()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

// RemoveRepository deletes repository record together with all namespace data
// and drops its apps and storages from memory.
//
// Objects leave the registries first, so no new operation can reach the
// repository while its data is discarded.
func (m *Manager) RemoveRepository(ctx context.Context, id string) error {
	if _, err := m.repository(ctx, id); err != nil {
		return err
	}

	detached := m.detachRepository(id)
	defer m.removing.Delete(id)

	// Дожидаемся операций с things, начатых до удаления из реестров.
	// После removed новые операции отклоняются.
	for _, repo := range detached {
		repo.inflight.Lock()
		repo.removed.Store(true)
		repo.inflight.Unlock()
	}

	if err := m.store.DiscardAll(ctx, id); err != nil {
		return fmt.Errorf("failed to discard repository data: %w", err)
	}
	if err := m.store.Discard(ctx, m.serverID, id); err != nil {
		return fmt.Errorf("failed to discard repository record: %w", err)
	}

	m.logger.Info("repository removed", "repository", id)
	return nil
}

// detachRepository убирает repository и зависимые объекты из реестров и
// возвращает все экземпляры repository, на которые они ссылались.
// Порядок тот же, что и у GC: storages, apps, repository.
func (m *Manager) detachRepository(id string) []*repositoryEntry {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()

	m.removing.Store(id, struct{}{})

	seen := make(map[*repositoryEntry]bool)
	m.storages.Range(func(key, value any) bool {
		if repo := value.(*storageEntry).app.repository; repo.id == id {
			seen[repo] = true
			m.storages.Delete(key)
		}
		return true
	})
	m.apps.Range(func(key, value any) bool {
		if repo := value.(*appEntry).repository; repo.id == id {
			seen[repo] = true
			m.apps.Delete(key)
		}
		return true
	})
	if v, ok := m.repositories.LoadAndDelete(id); ok {
		seen[v.(*repositoryEntry)] = true
	}

	detached := make([]*repositoryEntry, 0, len(seen))
	for repo := range seen {
		detached = append(detached, repo)
	}
	return detached
}

// FindRepositoryIDs recursively lists storages and things of repository
func (m *Manager) FindRepositoryIDs(ctx context.Context, id, pattern string) ([]models.FoundID, error) {
	if _, err := m.repository(ctx, id); err != nil {
		return nil, err
	}

	found, err := m.store.FindAllIDs(ctx, id, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to find ids: %w", err)
	}
	return found, nil
}
