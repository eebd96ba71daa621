package cli

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/iudanet/storagerelay/internal/client/api"
	"github.com/iudanet/storagerelay/internal/client/iocli"
	"github.com/iudanet/storagerelay/internal/client/session"
	"github.com/iudanet/storagerelay/internal/client/storage"
	"github.com/iudanet/storagerelay/internal/crypto"
)

// PassphraseEnv - переменная окружения с passphrase локального ключа app
const PassphraseEnv = "STORAGERELAY_PASSPHRASE"

// DefaultServerURL используется, если сервер не задан ни флагом, ни в состоянии
const DefaultServerURL = "http://localhost:8080"

// ErrNotInitialized - клиент еще не выполнил init
var ErrNotInitialized = errors.New("client is not initialized. Please run 'storagerelay-client init <repositoryId> <repositoryPublicKey>' first")

// Passphrases - источники passphrase помимо переменной окружения
type Passphrases struct {
	FromFile string
	FromArgs string
}

// Cli выполняет команды клиента
type Cli struct {
	io          iocli.IO
	state       storage.StateStorage
	logger      *slog.Logger
	now         func() time.Time
	passphrases Passphrases
	serverURL   string
}

// New создает CLI. serverURL может быть пустым: тогда используется
// сервер, сохраненный при init.
func New(io iocli.IO, state storage.StateStorage, logger *slog.Logger, serverURL string, passphrases Passphrases) *Cli {
	return &Cli{
		io:          io,
		state:       state,
		logger:      logger,
		now:         time.Now,
		passphrases: passphrases,
		serverURL:   strings.TrimSpace(serverURL),
	}
}

// server выбирает адрес: флаг, затем сохраненное состояние, затем значение по умолчанию
func (c *Cli) server(state *storage.State) string {
	switch {
	case c.serverURL != "":
		return c.serverURL
	case state != nil && state.ServerURL != "":
		return state.ServerURL
	default:
		return DefaultServerURL
	}
}

// getPassphrase retrieves passphrase from various sources with priority:
// 1. Environment variable STORAGERELAY_PASSPHRASE
// 2. File specified in FromFile
// 3. Command-line parameter FromArgs
// 4. Interactive prompt (fallback)
func (c *Cli) getPassphrase() (string, error) {
	// Priority 1: Environment variable
	if envPassphrase := os.Getenv(PassphraseEnv); envPassphrase != "" {
		return envPassphrase, nil
	}

	// Priority 2: File
	if c.passphrases.FromFile != "" {
		content, err := os.ReadFile(c.passphrases.FromFile)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase file: %w", err)
		}
		// Убираем trailing newline/whitespace
		passphrase := strings.TrimSpace(string(content))
		if passphrase == "" {
			return "", fmt.Errorf("passphrase file is empty")
		}
		return passphrase, nil
	}

	// Priority 3: CLI parameter
	if c.passphrases.FromArgs != "" {
		return c.passphrases.FromArgs, nil
	}

	// Priority 4: Interactive prompt (fallback)
	passphrase, err := c.io.ReadPassword("Passphrase: ")
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if passphrase == "" {
		return "", fmt.Errorf("passphrase cannot be empty")
	}
	return passphrase, nil
}

// sealAppKey шифрует приватный ключ app ключом, выведенным из passphrase.
// Соль привязана к repository id.
func sealAppKey(keys *crypto.KeyPair, passphrase, repositoryID string) (string, error) {
	protector, err := crypto.NewProtectorFromPassphrase(passphrase, repositoryID)
	if err != nil {
		return "", err
	}
	sealed, err := protector.Protect([]byte(keys.Private()))
	if err != nil {
		return "", fmt.Errorf("failed to seal app key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func openAppKey(state *storage.State, passphrase string) (*crypto.KeyPair, error) {
	sealed, err := base64.StdEncoding.DecodeString(state.SealedAppKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode app key: %w", err)
	}

	protector, err := crypto.NewProtectorFromPassphrase(passphrase, state.RepositoryID)
	if err != nil {
		return nil, err
	}
	private, err := protector.Unprotect(sealed)
	if err != nil {
		return nil, fmt.Errorf("wrong passphrase or corrupted state: %w", err)
	}
	return crypto.ParseKeyPair(string(private))
}

// loadState возвращает ErrNotInitialized вместо storage.ErrStateNotFound
func (c *Cli) loadState(ctx context.Context) (*storage.State, error) {
	state, err := c.state.GetState(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrStateNotFound) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return state, nil
}

// openSession восстанавливает Session из локального состояния.
// Новый app token после перерегистрации сохраняется сразу.
func (c *Cli) openSession(ctx context.Context) (*session.Session, error) {
	state, err := c.loadState(ctx)
	if err != nil {
		return nil, err
	}

	passphrase, err := c.getPassphrase()
	if err != nil {
		return nil, err
	}

	appKeys, err := openAppKey(state, passphrase)
	if err != nil {
		return nil, err
	}

	repositoryKey, err := crypto.ParsePublicKey(state.RepositoryPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse repository key: %w", err)
	}

	return session.New(session.Options{
		Transport:     api.NewClient(c.server(state)),
		RepositoryID:  state.RepositoryID,
		RepositoryKey: repositoryKey,
		AppKeys:       appKeys,
		AppToken:      state.AppToken,
		Logger:        c.logger,
		OnRegister:    c.state.SaveAppToken,
	})
}

// openStorage - общий вход команд, работающих с things
func (c *Cli) openStorage(ctx context.Context, storageID string) (*session.Storage, error) {
	s, err := c.openSession(ctx)
	if err != nil {
		return nil, err
	}
	return s.Open(ctx, storageID)
}

func (c *Cli) PrintUsage() {
	c.io.Println("storagerelay client")
	c.io.Println()
	c.io.Println("Usage:")
	c.io.Println("  storagerelay-client [OPTIONS] COMMAND")
	c.io.Println()
	c.io.Println("Options:")
	c.io.Println("  --version                    Show version information")
	c.io.Println("  --server URL                 Server URL (default: saved by init, then " + DefaultServerURL + ")")
	c.io.Println("  --db PATH                    Path to local state database (default: storagerelay-client.db)")
	c.io.Println("  --passphrase VALUE           Passphrase of the local app key (not recommended)")
	c.io.Println("  --passphrase-file PATH       Path to file containing the passphrase")
	c.io.Println()
	c.io.Println("Passphrase Priority (highest to lowest):")
	c.io.Println("  1. " + PassphraseEnv + " environment variable")
	c.io.Println("  2. --passphrase-file (file path)")
	c.io.Println("  3. --passphrase (command line)")
	c.io.Println("  4. Interactive prompt (fallback)")
	c.io.Println()
	c.io.Println("Commands:")
	c.io.Println("  init <repositoryId> <repositoryPublicKey>  Create app key and register in repository")
	c.io.Println("  status                                     Show local state and server health")
	c.io.Println("  put <storage> <id> <data>                  Store thing")
	c.io.Println("  get <storage> <id>                         Show thing data")
	c.io.Println("  exists <storage> <id>                      Check that thing exists")
	c.io.Println("  modified <storage> <id>                    Show thing modification time")
	c.io.Println("  delete <storage> <id>                      Discard thing")
	c.io.Println("  find <storage> [pattern]                   List thing ids matching regular expression")
	c.io.Println("  reset                                      Remove local state")
	c.io.Println()
	c.io.Println("Examples:")
	c.io.Println("  storagerelay-client --server https://relay.example.com init 0f8e2b0c... MCowBQYDK2Vw...")
	c.io.Println("  export " + PassphraseEnv + "='my passphrase'")
	c.io.Println("  storagerelay-client put settings theme dark")
	c.io.Println("  storagerelay-client find settings '^the'")
}
