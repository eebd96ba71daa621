package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/storagerelay/internal/models"
	"github.com/iudanet/storagerelay/internal/server/storage"
	"github.com/iudanet/storagerelay/pkg/api"
)

const waitTimeout = 2 * time.Second

// gate останавливает вызов store, пока тест его не отпустит
type gate struct {
	entered     chan struct{}
	release     chan struct{}
	enterOnce   sync.Once
	releaseOnce sync.Once
}

func newGate(t *testing.T) *gate {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	t.Cleanup(g.open)
	return g
}

func (g *gate) wait() {
	g.enterOnce.Do(func() { close(g.entered) })
	<-g.release
}

func (g *gate) open() {
	g.releaseOnce.Do(func() { close(g.release) })
}

func (g *gate) awaitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(waitTimeout):
		t.Fatal("store call was not reached")
	}
}

// slowStore задерживает GetCopy и Store для одного (namespace, id)
type slowStore struct {
	storage.ThingStore
	gate      *gate
	namespace string
	id        string
}

func (s *slowStore) GetCopy(ctx context.Context, namespace, id string) (*models.Thing, error) {
	if namespace == s.namespace && id == s.id {
		s.gate.wait()
	}
	return s.ThingStore.GetCopy(ctx, namespace, id)
}

func (s *slowStore) Store(ctx context.Context, namespace, id string, data []byte, modifiedOn time.Time) error {
	if namespace == s.namespace && id == s.id {
		s.gate.wait()
	}
	return s.ThingStore.Store(ctx, namespace, id, data, modifiedOn)
}

// discardHookStore вызывает hook перед очисткой namespace
type discardHookStore struct {
	storage.ThingStore
	beforeDiscardAll func()
}

func (s *discardHookStore) DiscardAll(ctx context.Context, prefix string) error {
	if s.beforeDiscardAll != nil {
		s.beforeDiscardAll()
	}
	return s.ThingStore.DiscardAll(ctx, prefix)
}

// receive ждет значение из канала не дольше waitTimeout
func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("%s blocked behind unrelated store call", what)
	}
	var zero T
	return zero
}

func TestManager_SlowRepositoryLoad(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	slowRepo := env.newRepository(t)
	fastRepo := env.newRepository(t)
	slowBody := newTestApp(t, slowRepo).registrationBody(t)
	fastBody := newTestApp(t, fastRepo).registrationBody(t)

	// Новый Manager с пустыми реестрами: repositories загружаются лениво,
	// чтение slowRepo зависает в store
	g := newGate(t)
	m, err := New(Options{
		Store:          &slowStore{ThingStore: env.store, gate: g, namespace: env.m.ServerID(), id: slowRepo.ID},
		Serializer:     JSONSerializer{},
		Now:            env.clock.Now,
		ObjectLifetime: testLifetime,
	})
	require.NoError(t, err)

	slow := make(chan string, 1)
	go func() { slow <- m.RegisterApp(ctx, slowRepo.ID, slowBody) }()
	g.awaitEntered(t)

	registered := make(chan string, 1)
	go func() { registered <- m.RegisterApp(ctx, fastRepo.ID, fastBody) }()
	appToken, err := decode(t, receive(t, registered, "RegisterApp"))
	require.NoError(t, err)

	opened := make(chan string, 1)
	go func() { opened <- m.OpenStorage(ctx, appToken, "inventory") }()
	_, err = decode(t, receive(t, opened, "OpenStorage"))
	require.NoError(t, err)

	created := make(chan error, 1)
	go func() {
		_, err := m.NewRepository(ctx, "other")
		created <- err
	}()
	require.NoError(t, receive(t, created, "NewRepository"))

	g.open()
	token, err := decode(t, receive(t, slow, "RegisterApp of slow repository"))
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, Stats{Repositories: 3, Apps: 2, Storages: 1}, m.Stats())
}

func TestRemoveRepository_ConcurrentStore(t *testing.T) {
	ctx := context.Background()

	t.Run("store issued while data is discarded", func(t *testing.T) {
		env := newTestEnv(t)
		app, storageToken, storagePublic := openedStorage(t, env)
		body := app.storeBody(t, storagePublic, time.Unix(5, 0), "late")

		var late string
		env.m.store = &discardHookStore{
			ThingStore: env.store,
			beforeDiscardAll: func() {
				late = env.m.StoreThing(ctx, storageToken, "late", body)
			},
		}

		require.NoError(t, env.m.RemoveRepository(ctx, app.repoID))

		_, err := decode(t, late)
		assert.ErrorIs(t, err, api.ErrIncorrectStorageToken)

		found, err := env.store.FindAllIDs(ctx, app.repoID, "")
		require.NoError(t, err)
		assert.Empty(t, found)
		assert.Equal(t, Stats{}, env.m.Stats())
	})

	t.Run("store in flight finishes before discard", func(t *testing.T) {
		env := newTestEnv(t)
		app, storageToken, storagePublic := openedStorage(t, env)
		body := app.storeBody(t, storagePublic, time.Unix(5, 0), "v")

		g := newGate(t)
		env.m.store = &slowStore{ThingStore: env.store, gate: g, namespace: app.repoID + "/inventory", id: "slow"}

		stored := make(chan string, 1)
		go func() { stored <- env.m.StoreThing(ctx, storageToken, "slow", body) }()
		g.awaitEntered(t)

		removed := make(chan error, 1)
		go func() { removed <- env.m.RemoveRepository(ctx, app.repoID) }()

		// очистка ждет незавершенную запись
		assert.Never(t, func() bool { return len(removed) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

		g.open()
		_, err := decode(t, receive(t, stored, "StoreThing"))
		require.NoError(t, err)
		require.NoError(t, receive(t, removed, "RemoveRepository"))

		found, err := env.store.FindAllIDs(ctx, app.repoID, "")
		require.NoError(t, err)
		assert.Empty(t, found)

		_, err = decode(t, env.m.StoreThing(ctx, storageToken, "again", body))
		assert.ErrorIs(t, err, api.ErrIncorrectStorageToken)
	})
}
