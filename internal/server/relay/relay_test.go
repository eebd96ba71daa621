package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/storagerelay/internal/crypto"
	"github.com/iudanet/storagerelay/internal/models"
	"github.com/iudanet/storagerelay/internal/obfuscator"
	"github.com/iudanet/storagerelay/internal/server/storage"
	"github.com/iudanet/storagerelay/internal/server/storage/memory"
	"github.com/iudanet/storagerelay/pkg/api"
)

const testLifetime = time.Minute

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	m     *Manager
	store storage.ThingStore
	clock *fakeClock
}

func newTestEnv(t *testing.T, configure ...func(*Options)) *testEnv {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1714564800, 0)}
	store := memory.New()

	opts := Options{
		Store:          store,
		Serializer:     JSONSerializer{},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:            clock.Now,
		ObjectLifetime: testLifetime,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	m, err := New(opts)
	require.NoError(t, err)

	return &testEnv{m: m, store: store, clock: clock}
}

// decode снимает обфускацию и разбирает конверт
func decode(t *testing.T, response string) (string, error) {
	t.Helper()
	envelope, err := obfuscator.Deobfuscate(response)
	require.NoError(t, err)
	return api.ParseResponse(envelope)
}

// testApp - клиентская сторона протокола для тестов
type testApp struct {
	keys       *crypto.KeyPair
	repoPublic *crypto.PublicKey
	repoID     string
}

func newTestApp(t *testing.T, repo *RepositoryInfo) *testApp {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	repoPublic, err := crypto.ParsePublicKey(repo.PublicKey)
	require.NoError(t, err)
	return &testApp{keys: keys, repoPublic: repoPublic, repoID: repo.ID}
}

func (a *testApp) registrationBody(t *testing.T) string {
	t.Helper()
	encrypted, err := a.repoPublic.Encrypt(a.keys.Public())
	require.NoError(t, err)
	return obfuscator.Obfuscate(encrypted)
}

func (a *testApp) register(t *testing.T, m *Manager) string {
	t.Helper()
	token, err := decode(t, m.RegisterApp(context.Background(), a.repoID, a.registrationBody(t)))
	require.NoError(t, err)
	require.NotEmpty(t, token)
	return token
}

// open возвращает storage token и публичный ключ storage
func (a *testApp) open(t *testing.T, m *Manager, appToken, storageID string) (string, *crypto.PublicKey) {
	t.Helper()
	payload, err := decode(t, m.OpenStorage(context.Background(), appToken, storageID))
	require.NoError(t, err)

	signature, ciphertext, err := api.SplitPair(payload)
	require.NoError(t, err)
	require.NoError(t, a.repoPublic.Verify(ciphertext, signature), "payload должен быть подписан ключом repository")

	plaintext, err := a.keys.Decrypt(ciphertext)
	require.NoError(t, err)

	token, publicText, err := api.SplitPair(plaintext)
	require.NoError(t, err)
	storagePublic, err := crypto.ParsePublicKey(publicText)
	require.NoError(t, err)

	return token, storagePublic
}

func (a *testApp) storeBody(t *testing.T, storagePublic *crypto.PublicKey, modifiedOn time.Time, data string) string {
	t.Helper()
	ciphertext, err := storagePublic.Encrypt(api.FormatTimestamp(modifiedOn) + api.Separator + data)
	require.NoError(t, err)
	return obfuscator.Obfuscate(a.keys.Sign(ciphertext) + api.Separator + ciphertext)
}

// unseal проверяет подпись storage и расшифровывает ответ ключом приложения
func (a *testApp) unseal(t *testing.T, storagePublic *crypto.PublicKey, payload string) string {
	t.Helper()
	signature, ciphertext, err := api.SplitPair(payload)
	require.NoError(t, err)
	require.NoError(t, storagePublic.Verify(ciphertext, signature), "ответ должен быть подписан ключом storage")
	plaintext, err := a.keys.Decrypt(ciphertext)
	require.NoError(t, err)
	return plaintext
}

func (e *testEnv) newRepository(t *testing.T) *RepositoryInfo {
	t.Helper()
	repo, err := e.m.NewRepository(context.Background(), "test")
	require.NoError(t, err)
	return repo
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr error
	}{
		{name: "missing store", opts: Options{Serializer: JSONSerializer{}}, wantErr: ErrMissingStore},
		{name: "missing serializer", opts: Options{Store: memory.New()}, wantErr: ErrMissingSerializer},
		{name: "defaults", opts: Options{Store: memory.New(), Serializer: JSONSerializer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.opts)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, m)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultServerID, m.ServerID())
			assert.Equal(t, DefaultObjectLifetime, m.lifetime)
		})
	}
}

func TestScenario_StoreAndGetCopy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	repo := env.newRepository(t)
	app := newTestApp(t, repo)
	appToken := app.register(t, env.m)

	storageToken, storagePublic := app.open(t, env.m, appToken, "inventory")
	require.NotEmpty(t, storageToken)

	t0 := time.Unix(1714564800, 123456789)
	_, err := decode(t, env.m.StoreThing(ctx, storageToken, "thing1", app.storeBody(t, storagePublic, t0, "hello")))
	require.NoError(t, err)

	payload, err := decode(t, env.m.GetThingCopy(ctx, storageToken, "thing1"))
	require.NoError(t, err)

	rawModifiedOn, data, err := api.SplitPair(app.unseal(t, storagePublic, payload))
	require.NoError(t, err)
	assert.Equal(t, "hello", data)

	modifiedOn, err := api.ParseTimestamp(rawModifiedOn)
	require.NoError(t, err)
	assert.True(t, t0.Equal(modifiedOn), "timestamp должен совпадать точно")

	// Данные лежат в пространстве RepositoryID/StorageID
	thing, err := env.store.GetCopy(ctx, repo.ID+"/inventory", "thing1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), thing.Data)
}

func TestRegisterApp(t *testing.T) {
	ctx := context.Background()

	t.Run("same key returns same token", func(t *testing.T) {
		env := newTestEnv(t)
		app := newTestApp(t, env.newRepository(t))

		first := app.register(t, env.m)
		second := app.register(t, env.m)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, env.m.Stats().Apps)
	})

	t.Run("different keys get different tokens", func(t *testing.T) {
		env := newTestEnv(t)
		repo := env.newRepository(t)

		first := newTestApp(t, repo).register(t, env.m)
		second := newTestApp(t, repo).register(t, env.m)
		assert.NotEqual(t, first, second)
	})

	t.Run("concurrent registration of one key", func(t *testing.T) {
		env := newTestEnv(t)
		app := newTestApp(t, env.newRepository(t))
		body := app.registrationBody(t)

		tokens := make([]string, 8)
		var wg sync.WaitGroup
		for i := range tokens {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				envelope, err := obfuscator.Deobfuscate(env.m.RegisterApp(ctx, app.repoID, body))
				if assert.NoError(t, err) {
					tokens[i], _ = api.ParseResponse(envelope)
				}
			}(i)
		}
		wg.Wait()

		for _, token := range tokens {
			assert.Equal(t, tokens[0], token)
		}
		assert.Equal(t, 1, env.m.Stats().Apps)
	})

	t.Run("json quoted body", func(t *testing.T) {
		env := newTestEnv(t)
		app := newTestApp(t, env.newRepository(t))

		quoted, err := json.Marshal(app.registrationBody(t))
		require.NoError(t, err)

		token, err := decode(t, env.m.RegisterApp(ctx, app.repoID, string(quoted)))
		require.NoError(t, err)
		assert.Equal(t, app.register(t, env.m), token)
	})

	t.Run("signed registration", func(t *testing.T) {
		env := newTestEnv(t, func(o *Options) { o.SignRegistration = true })
		app := newTestApp(t, env.newRepository(t))

		payload, err := decode(t, env.m.RegisterApp(ctx, app.repoID, app.registrationBody(t)))
		require.NoError(t, err)

		signature, token, err := api.SplitPair(payload)
		require.NoError(t, err)
		assert.NoError(t, app.repoPublic.Verify(token, signature))
	})

	t.Run("unknown repository", func(t *testing.T) {
		env := newTestEnv(t)
		app := newTestApp(t, env.newRepository(t))

		_, err := decode(t, env.m.RegisterApp(ctx, "0000", app.registrationBody(t)))
		assert.ErrorIs(t, err, api.ErrRepositoryDoesNotExist)

		_, err = decode(t, env.m.RegisterApp(ctx, "../etc", app.registrationBody(t)))
		assert.ErrorIs(t, err, api.ErrRepositoryDoesNotExist)
	})

	t.Run("garbage body", func(t *testing.T) {
		env := newTestEnv(t)
		repo := env.newRepository(t)

		for _, body := range []string{"", "!!!", obfuscator.Obfuscate("not encrypted")} {
			_, err := decode(t, env.m.RegisterApp(ctx, repo.ID, body))
			assert.ErrorIs(t, err, api.ErrAppRegistrationFailed, "body %q", body)
		}
	})

	t.Run("key encrypted for other repository", func(t *testing.T) {
		env := newTestEnv(t)
		repo := env.newRepository(t)
		other := newTestApp(t, env.newRepository(t))

		_, err := decode(t, env.m.RegisterApp(ctx, repo.ID, other.registrationBody(t)))
		assert.ErrorIs(t, err, api.ErrAppRegistrationFailed)
	})
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("same storage returns same token", func(t *testing.T) {
		env := newTestEnv(t)
		app := newTestApp(t, env.newRepository(t))
		appToken := app.register(t, env.m)

		first, firstKey := app.open(t, env.m, appToken, "inventory")
		second, secondKey := app.open(t, env.m, appToken, "inventory")
		assert.Equal(t, first, second)
		assert.Equal(t, firstKey.String(), secondKey.String())

		other, _ := app.open(t, env.m, appToken, "settings")
		assert.NotEqual(t, first, other)
		assert.Equal(t, 2, env.m.Stats().Storages)
	})

	t.Run("incorrect app token", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := decode(t, env.m.OpenStorage(ctx, "no-such-token", "inventory"))
		assert.ErrorIs(t, err, api.ErrIncorrectAppToken)
	})

	t.Run("invalid storage id", func(t *testing.T) {
		env := newTestEnv(t)
		app := newTestApp(t, env.newRepository(t))
		appToken := app.register(t, env.m)

		for _, id := range []string{"", "  ", "..", "."} {
			_, err := decode(t, env.m.OpenStorage(ctx, appToken, id))
			assert.ErrorIs(t, err, api.ErrOpenStorageFailed, "id %q", id)
		}
	})

	t.Run("storage id is sanitized", func(t *testing.T) {
		env := newTestEnv(t)
		repo := env.newRepository(t)
		app := newTestApp(t, repo)
		appToken := app.register(t, env.m)

		storageToken, storagePublic := app.open(t, env.m, appToken, "a/b:c")
		_, err := decode(t, env.m.StoreThing(ctx, storageToken, "k", app.storeBody(t, storagePublic, time.Unix(1, 0), "v")))
		require.NoError(t, err)

		ok, err := env.store.Exists(ctx, repo.ID+"/a-b-c", "k")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

// openedStorage готовит repository, app и storage "inventory"
func openedStorage(t *testing.T, env *testEnv) (*testApp, string, *crypto.PublicKey) {
	t.Helper()
	app := newTestApp(t, env.newRepository(t))
	appToken := app.register(t, env.m)
	storageToken, storagePublic := app.open(t, env.m, appToken, "inventory")
	return app, storageToken, storagePublic
}

func TestThingOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("exists before and after store", func(t *testing.T) {
		env := newTestEnv(t)
		app, token, storagePublic := openedStorage(t, env)

		answer, err := decode(t, env.m.ThingExists(ctx, token, "k"))
		require.NoError(t, err)
		assert.Equal(t, api.No, answer)

		_, err = decode(t, env.m.StoreThing(ctx, token, "k", app.storeBody(t, storagePublic, time.Unix(10, 0), "v")))
		require.NoError(t, err)

		answer, err = decode(t, env.m.ThingExists(ctx, token, "k"))
		require.NoError(t, err)
		assert.Equal(t, api.Yes, answer)
	})

	t.Run("get modified on", func(t *testing.T) {
		env := newTestEnv(t)
		app, token, storagePublic := openedStorage(t, env)
		modifiedOn := time.Unix(1714564800, 42)

		_, err := decode(t, env.m.GetThingModifiedOn(ctx, token, "k"))
		assert.ErrorIs(t, err, api.ErrThingNotFound)

		_, err = decode(t, env.m.StoreThing(ctx, token, "k", app.storeBody(t, storagePublic, modifiedOn, "v")))
		require.NoError(t, err)

		payload, err := decode(t, env.m.GetThingModifiedOn(ctx, token, "k"))
		require.NoError(t, err)
		assert.Equal(t, "1714564800000000042", payload)
	})

	t.Run("get copy of missing thing", func(t *testing.T) {
		env := newTestEnv(t)
		_, token, _ := openedStorage(t, env)

		_, err := decode(t, env.m.GetThingCopy(ctx, token, "missing"))
		assert.ErrorIs(t, err, api.ErrThingNotFound)
	})

	t.Run("data with separators round-trips", func(t *testing.T) {
		env := newTestEnv(t)
		app, token, storagePublic := openedStorage(t, env)

		data := "a,b|c,,d\n"
		_, err := decode(t, env.m.StoreThing(ctx, token, "k", app.storeBody(t, storagePublic, time.Unix(5, 0), data)))
		require.NoError(t, err)

		payload, err := decode(t, env.m.GetThingCopy(ctx, token, "k"))
		require.NoError(t, err)
		_, got, err := api.SplitPair(app.unseal(t, storagePublic, payload))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("discard", func(t *testing.T) {
		env := newTestEnv(t)
		app, token, storagePublic := openedStorage(t, env)

		_, err := decode(t, env.m.StoreThing(ctx, token, "k", app.storeBody(t, storagePublic, time.Unix(5, 0), "v")))
		require.NoError(t, err)

		_, err = decode(t, env.m.DiscardThing(ctx, token, "k"))
		require.NoError(t, err)

		_, err = decode(t, env.m.GetThingCopy(ctx, token, "k"))
		assert.ErrorIs(t, err, api.ErrThingNotFound)

		_, err = decode(t, env.m.DiscardThing(ctx, token, "k"))
		assert.NoError(t, err)
	})

	t.Run("find ids", func(t *testing.T) {
		env := newTestEnv(t)
		app, token, storagePublic := openedStorage(t, env)

		// пустой результат тоже подписан storage
		payload, err := decode(t, env.m.FindThingIDs(ctx, token, ""))
		require.NoError(t, err)
		require.NotEmpty(t, payload)
		assert.Empty(t, api.SplitIDs(app.unseal(t, storagePublic, payload)))

		for _, id := range []string{"apple", "apricot", "banana"} {
			_, err := decode(t, env.m.StoreThing(ctx, token, id, app.storeBody(t, storagePublic, time.Unix(5, 0), id)))
			require.NoError(t, err)
		}

		tests := []struct {
			pattern string
			want    []string
		}{
			{pattern: "", want: []string{"apple", "apricot", "banana"}},
			{pattern: " ", want: []string{"apple", "apricot", "banana"}},
			{pattern: "^ap", want: []string{"apple", "apricot"}},
			{pattern: "an", want: []string{"banana"}},
		}
		for _, tt := range tests {
			payload, err := decode(t, env.m.FindThingIDs(ctx, token, tt.pattern))
			require.NoError(t, err)
			assert.Equal(t, tt.want, api.SplitIDs(app.unseal(t, storagePublic, payload)), "pattern %q", tt.pattern)
		}

		_, err = decode(t, env.m.DiscardThing(ctx, token, "apple"))
		require.NoError(t, err)
		payload, err = decode(t, env.m.FindThingIDs(ctx, token, "^ap"))
		require.NoError(t, err)
		assert.Equal(t, []string{"apricot"}, api.SplitIDs(app.unseal(t, storagePublic, payload)))

		_, err = decode(t, env.m.FindThingIDs(ctx, token, "(["))
		assert.ErrorIs(t, err, api.ErrThingOperationFailed)
	})

	t.Run("thing id is sanitized", func(t *testing.T) {
		env := newTestEnv(t)
		app, token, storagePublic := openedStorage(t, env)

		_, err := decode(t, env.m.StoreThing(ctx, token, "dir/file?", app.storeBody(t, storagePublic, time.Unix(5, 0), "v")))
		require.NoError(t, err)

		answer, err := decode(t, env.m.ThingExists(ctx, token, "dir-file-"))
		require.NoError(t, err)
		assert.Equal(t, api.Yes, answer)
	})

	t.Run("incorrect storage token", func(t *testing.T) {
		env := newTestEnv(t)

		responses := []string{
			env.m.StoreThing(ctx, "nope", "k", ""),
			env.m.ThingExists(ctx, "nope", "k"),
			env.m.GetThingModifiedOn(ctx, "nope", "k"),
			env.m.GetThingCopy(ctx, "nope", "k"),
			env.m.DiscardThing(ctx, "nope", "k"),
			env.m.FindThingIDs(ctx, "nope", ""),
		}
		for _, response := range responses {
			_, err := decode(t, response)
			assert.ErrorIs(t, err, api.ErrIncorrectStorageToken)
		}
	})

	t.Run("empty thing id", func(t *testing.T) {
		env := newTestEnv(t)
		_, token, _ := openedStorage(t, env)

		_, err := decode(t, env.m.ThingExists(ctx, token, " "))
		assert.ErrorIs(t, err, api.ErrThingOperationFailed)
	})
}

func TestStoreThing_Integrity(t *testing.T) {
	ctx := context.Background()

	t.Run("tampered ciphertext", func(t *testing.T) {
		env := newTestEnv(t)
		app, token, storagePublic := openedStorage(t, env)

		body, err := obfuscator.Deobfuscate(app.storeBody(t, storagePublic, time.Unix(5, 0), "v"))
		require.NoError(t, err)
		signature, ciphertext, err := api.SplitPair(body)
		require.NoError(t, err)

		// меняем один символ ciphertext
		flipped := []byte(ciphertext)
		if flipped[0] == 'A' {
			flipped[0] = 'B'
		} else {
			flipped[0] = 'A'
		}
		tampered := obfuscator.Obfuscate(signature + api.Separator + string(flipped))

		_, err = decode(t, env.m.StoreThing(ctx, token, "k", tampered))
		assert.ErrorIs(t, err, api.ErrSignatureVerificationFailed)

		answer, err := decode(t, env.m.ThingExists(ctx, token, "k"))
		require.NoError(t, err)
		assert.Equal(t, api.No, answer, "отклоненная запись не должна сохраняться")
	})

	t.Run("signed by foreign key", func(t *testing.T) {
		env := newTestEnv(t)
		_, token, storagePublic := openedStorage(t, env)

		stranger, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		ciphertext, err := storagePublic.Encrypt("5,v")
		require.NoError(t, err)
		body := obfuscator.Obfuscate(stranger.Sign(ciphertext) + api.Separator + ciphertext)

		_, err = decode(t, env.m.StoreThing(ctx, token, "k", body))
		assert.ErrorIs(t, err, api.ErrSignatureVerificationFailed)
	})

	t.Run("malformed payload", func(t *testing.T) {
		env := newTestEnv(t)
		app, token, storagePublic := openedStorage(t, env)

		ciphertext, err := storagePublic.Encrypt("no-timestamp")
		require.NoError(t, err)
		body := obfuscator.Obfuscate(app.keys.Sign(ciphertext) + api.Separator + ciphertext)

		_, err = decode(t, env.m.StoreThing(ctx, token, "k", body))
		assert.ErrorIs(t, err, api.ErrThingOperationFailed)

		_, err = decode(t, env.m.StoreThing(ctx, token, "k", obfuscator.Obfuscate("no-comma")))
		assert.ErrorIs(t, err, api.ErrThingOperationFailed)
	})
}

func TestGarbageCollection(t *testing.T) {
	ctx := context.Background()

	t.Run("idle objects evicted, data survives", func(t *testing.T) {
		env := newTestEnv(t)
		repo := env.newRepository(t)
		app := newTestApp(t, repo)
		appToken := app.register(t, env.m)
		storageToken, storagePublic := app.open(t, env.m, appToken, "inventory")

		_, err := decode(t, env.m.StoreThing(ctx, storageToken, "k", app.storeBody(t, storagePublic, time.Unix(5, 0), "v")))
		require.NoError(t, err)

		env.clock.Advance(testLifetime + time.Second)

		// Любая мутирующая операция запускает GC
		newTestApp(t, env.newRepository(t))

		assert.Equal(t, Stats{Repositories: 1}, env.m.Stats(), "остается только новый repository")

		_, err = decode(t, env.m.ThingExists(ctx, storageToken, "k"))
		assert.ErrorIs(t, err, api.ErrIncorrectStorageToken)
		_, err = decode(t, env.m.OpenStorage(ctx, appToken, "inventory"))
		assert.ErrorIs(t, err, api.ErrIncorrectAppToken)

		newAppToken := app.register(t, env.m)
		assert.NotEqual(t, appToken, newAppToken)

		newStorageToken, newStoragePublic := app.open(t, env.m, newAppToken, "inventory")
		assert.NotEqual(t, storageToken, newStorageToken)
		assert.NotEqual(t, storagePublic.String(), newStoragePublic.String())

		payload, err := decode(t, env.m.GetThingCopy(ctx, newStorageToken, "k"))
		require.NoError(t, err)
		_, data, err := api.SplitPair(app.unseal(t, newStoragePublic, payload))
		require.NoError(t, err)
		assert.Equal(t, "v", data)
	})

	t.Run("live storage keeps app and repository", func(t *testing.T) {
		env := newTestEnv(t)
		_, storageToken, _ := openedStorage(t, env)

		env.clock.Advance(testLifetime / 2)
		_, err := decode(t, env.m.ThingExists(ctx, storageToken, "k"))
		require.NoError(t, err)
		env.clock.Advance(testLifetime/2 + time.Second)

		// app и repository простаивают дольше lifetime, но на них ссылается живой storage
		evicted := env.m.CollectGarbage()
		assert.Equal(t, Evicted{}, evicted)
		assert.Equal(t, Stats{Repositories: 1, Apps: 1, Storages: 1}, env.m.Stats())

		env.clock.Advance(testLifetime)
		evicted = env.m.CollectGarbage()
		assert.Equal(t, Evicted{Repositories: 1, Apps: 1, Storages: 1}, evicted)
	})

	t.Run("active objects are kept", func(t *testing.T) {
		env := newTestEnv(t)
		openedStorage(t, env)

		env.clock.Advance(testLifetime - time.Second)
		assert.Equal(t, Evicted{}, env.m.CollectGarbage())
	})

	t.Run("sweeper", func(t *testing.T) {
		env := newTestEnv(t)
		openedStorage(t, env)
		env.clock.Advance(2 * testLifetime)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			env.m.RunSweeper(ctx, 5*time.Millisecond)
			close(done)
		}()

		assert.Eventually(t, func() bool {
			return env.m.Stats() == Stats{}
		}, time.Second, 5*time.Millisecond)

		cancel()
		<-done
	})

	t.Run("sweeper disabled", func(t *testing.T) {
		env := newTestEnv(t)
		// возвращается сразу
		env.m.RunSweeper(context.Background(), 0)
	})
}

func TestRepositories(t *testing.T) {
	ctx := context.Background()

	t.Run("persisted and reloaded", func(t *testing.T) {
		env := newTestEnv(t)
		repo := env.newRepository(t)

		// Новый Manager над тем же store - как после перезапуска
		restarted, err := New(Options{Store: env.store, Serializer: JSONSerializer{}, Now: env.clock.Now})
		require.NoError(t, err)

		loaded, err := restarted.GetRepository(ctx, repo.ID)
		require.NoError(t, err)
		assert.Equal(t, repo.PublicKey, loaded.PublicKey)
		assert.Equal(t, "test", loaded.Name)

		app := newTestApp(t, loaded)
		app.register(t, restarted)
	})

	t.Run("private key is not stored in the clear", func(t *testing.T) {
		env := newTestEnv(t)
		repo := env.newRepository(t)

		thing, err := env.store.GetCopy(ctx, env.m.ServerID(), repo.ID)
		require.NoError(t, err)

		v, ok := env.m.repositories.Load(repo.ID)
		require.True(t, ok)
		private := v.(*repositoryEntry).keys.Private()

		assert.NotContains(t, string(thing.Data), private)
		assert.NotContains(t, string(thing.Data), "private_key")
	})

	t.Run("unknown repository", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.m.GetRepository(ctx, "missing")
		assert.ErrorIs(t, err, ErrRepositoryNotFound)
		assert.ErrorIs(t, env.m.RemoveRepository(ctx, "missing"), ErrRepositoryNotFound)
		_, err = env.m.FindRepositoryIDs(ctx, "missing", "")
		assert.ErrorIs(t, err, ErrRepositoryNotFound)
	})

	t.Run("list", func(t *testing.T) {
		env := newTestEnv(t)

		want := make(map[string]bool)
		for i := 0; i < 3; i++ {
			repo, err := env.m.NewRepository(ctx, fmt.Sprintf("repo-%d", i))
			require.NoError(t, err)
			want[repo.ID] = true
		}

		list, err := env.m.ListRepositories(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		for _, info := range list {
			assert.True(t, want[info.ID])
			assert.True(t, strings.HasPrefix(info.Name, "repo-"))
		}
	})

	t.Run("find ids", func(t *testing.T) {
		env := newTestEnv(t)
		repo := env.newRepository(t)
		app := newTestApp(t, repo)
		appToken := app.register(t, env.m)

		for _, name := range []string{"inventory", "settings"} {
			token, storagePublic := app.open(t, env.m, appToken, name)
			_, err := decode(t, env.m.StoreThing(ctx, token, "item-"+name, app.storeBody(t, storagePublic, time.Unix(5, 0), "v")))
			require.NoError(t, err)
		}

		found, err := env.m.FindRepositoryIDs(ctx, repo.ID, "inventory")
		require.NoError(t, err)
		assert.Equal(t, []models.FoundID{
			{Type: models.FoundStorage, Namespace: repo.ID, ID: "inventory"},
			{Type: models.FoundThing, Namespace: repo.ID + "/inventory", ID: "item-inventory"},
		}, found)
	})

	t.Run("remove", func(t *testing.T) {
		env := newTestEnv(t)
		app, storageToken, storagePublic := openedStorage(t, env)
		keep := env.newRepository(t)

		_, err := decode(t, env.m.StoreThing(ctx, storageToken, "k", app.storeBody(t, storagePublic, time.Unix(5, 0), "v")))
		require.NoError(t, err)

		require.NoError(t, env.m.RemoveRepository(ctx, app.repoID))

		assert.Equal(t, Stats{Repositories: 1}, env.m.Stats())

		_, err = env.m.GetRepository(ctx, app.repoID)
		assert.ErrorIs(t, err, ErrRepositoryNotFound)

		found, err := env.store.FindAllIDs(ctx, app.repoID, "")
		require.NoError(t, err)
		assert.Empty(t, found)

		_, err = env.m.GetRepository(ctx, keep.ID)
		assert.NoError(t, err)
	})
}

// panicStore падает на любом чтении
type panicStore struct {
	storage.ThingStore
}

func (panicStore) Exists(context.Context, string, string) (bool, error) {
	panic("backend exploded")
}

func TestOperation_RecoversPanic(t *testing.T) {
	env := newTestEnv(t)
	_, token, _ := openedStorage(t, env)
	env.m.store = panicStore{ThingStore: env.store}

	_, err := decode(t, env.m.ThingExists(context.Background(), token, "k"))
	assert.ErrorIs(t, err, api.ErrThingOperationFailed)
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want api.ErrorCode
	}{
		{err: fmt.Errorf("wrap: %w", ErrRepositoryNotFound), want: api.CodeRepositoryDoesNotExist},
		{err: ErrUnknownAppToken, want: api.CodeIncorrectAppToken},
		{err: ErrUnknownStorageToken, want: api.CodeIncorrectStorageToken},
		{err: storage.ErrThingNotFound, want: api.CodeThingNotFound},
		{err: crypto.ErrInvalidSignature, want: api.CodeSignatureVerificationFailed},
		{err: ErrMalformedPayload, want: api.CodeOpenStorageFailed},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, codeFor(tt.err, api.CodeOpenStorageFailed))
		})
	}
}
