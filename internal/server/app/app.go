// Package app собирает сервер: backing store, protector, Manager, HTTP
// маршруты с middleware, фоновую сборку мусора и graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iudanet/storagerelay/internal/crypto"
	"github.com/iudanet/storagerelay/internal/keystore"
	"github.com/iudanet/storagerelay/internal/server/config"
	"github.com/iudanet/storagerelay/internal/server/handlers"
	"github.com/iudanet/storagerelay/internal/server/jwt"
	"github.com/iudanet/storagerelay/internal/server/middleware"
	"github.com/iudanet/storagerelay/internal/server/relay"
	"github.com/iudanet/storagerelay/internal/server/storage"
	"github.com/iudanet/storagerelay/internal/server/storage/boltdb"
	"github.com/iudanet/storagerelay/internal/server/storage/filesystem"
	"github.com/iudanet/storagerelay/internal/server/storage/memory"
	"github.com/iudanet/storagerelay/internal/server/storage/s3store"
	"github.com/iudanet/storagerelay/internal/server/storage/sqlstore"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second

	// admin token выдается за общий секрет, перебор ограничиваем отдельно
	adminTokenRate = 10
)

// openKeystore подменяется в тестах
var openKeystore = func() (*keystore.Keystore, error) {
	return keystore.Open()
}

// App - собранный сервер
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   storage.ThingStore
	manager *relay.Manager
	handler http.Handler
}

// NewLogger создает slog.Logger по настройкам LogLevel и LogFormat
func NewLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// New открывает backing store и собирает Manager и HTTP маршруты
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (*App, error) {
	base, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	protector, err := newProtector(cfg)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	store := storage.NewProtected(base, protector)

	manager, err := relay.New(relay.Options{
		Store:            store,
		Serializer:       relay.JSONSerializer{},
		Logger:           logger.With("component", "relay"),
		ServerID:         cfg.ServerID,
		ObjectLifetime:   cfg.ObjectLifetime,
		SignRegistration: cfg.SignRegistration,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create relay manager: %w", err)
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		manager: manager,
	}
	a.handler = a.routes(version)

	logger.Info("relay assembled",
		"backend", cfg.Backend,
		"server_id", cfg.ServerID,
		"protected", protector != nil,
		"admin_api", cfg.AdminEnabled(),
		"sign_registration", cfg.SignRegistration,
	)
	return a, nil
}

// OpenStore открывает backing store, выбранный cfg.Backend
func OpenStore(ctx context.Context, cfg *config.Config) (storage.ThingStore, error) {
	var (
		store storage.ThingStore
		err   error
	)

	switch cfg.Backend {
	case config.BackendFilesystem:
		store, err = filesystem.New(ctx, cfg.DataDir)
	case config.BackendSQLite:
		store, err = sqlstore.NewSQLite(ctx, cfg.DatabaseDSN)
	case config.BackendPostgres:
		store, err = sqlstore.NewPostgres(ctx, cfg.DatabaseDSN)
	case config.BackendBolt:
		store, err = boltdb.New(ctx, cfg.BoltPath)
	case config.BackendS3:
		store, err = s3store.New(ctx, s3store.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    cfg.S3Prefix,
		})
	case config.BackendMemory:
		store = memory.New()
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Backend, err)
	}
	return store, nil
}

// newProtector возвращает nil, если шифрование at rest не настроено
func newProtector(cfg *config.Config) (crypto.Protector, error) {
	passphrase := cfg.ProtectorPassphrase

	if cfg.ProtectorFromKeyring {
		ks, err := openKeystore()
		if err != nil {
			return nil, err
		}
		passphrase, err = ks.ProtectorPassphrase(cfg.ServerID)
		if err != nil {
			return nil, fmt.Errorf("failed to read protector passphrase: %w", err)
		}
	}

	if passphrase == "" {
		return nil, nil
	}

	protector, err := crypto.NewProtectorFromPassphrase(passphrase, cfg.ServerID)
	if err != nil {
		return nil, fmt.Errorf("failed to create protector: %w", err)
	}
	return protector, nil
}

// routes строит mux и цепочку middleware:
// recovery → logging → rate limit → mux (admin маршруты дополнительно за auth)
func (a *App) routes(version string) http.Handler {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(a.logger, version)
	mux.HandleFunc("GET /api/health", health.Health)

	handlers.NewStorageHandler(a.logger, a.manager).Routes(mux)

	if a.cfg.AdminEnabled() {
		tokens := jwt.NewService(a.cfg.AdminSecret, a.cfg.AdminTokenTTL)
		protect := middleware.AuthMiddleware(a.logger, tokens)
		handlers.NewAdminHandler(a.logger, a.manager, tokens).Routes(mux, protect)
	}

	limits := []middleware.PathRateLimit{
		{Prefix: "/api/admin/token", Rate: adminTokenRate, Window: a.cfg.RateWindow},
	}

	var handler http.Handler = mux
	handler = middleware.RateLimitByPathMiddleware(limits, a.cfg.RateLimit, a.cfg.RateWindow, a.logger)(handler)
	handler = middleware.LoggingWithSkip(a.logger, []string{"/api/health"})(handler)
	handler = middleware.RecoveryMiddleware(a.logger)(handler)

	return handler
}

// Handler returns assembled HTTP handler
func (a *App) Handler() http.Handler {
	return a.handler
}

// Manager returns relay manager
func (a *App) Manager() *relay.Manager {
	return a.manager
}

// Run слушает cfg.ListenAddr до отмены ctx
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		_ = a.Close()
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve обслуживает ln и запускает фоновую сборку мусора. При отмене ctx
// сервер завершает активные запросы, затем закрывается backing store.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelError),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("server started", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.manager.RunSweeper(ctx, a.cfg.GCInterval)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if closeErr := a.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	return err
}

// Close закрывает backing store
func (a *App) Close() error {
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
