// Package sqlstore keeps things in a single relational table. Two dialects are
// supported: SQLite (modernc.org/sqlite, pure Go) and PostgreSQL (pgx stdlib driver).
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var embedMigrations embed.FS

// Dialect выбирает драйвер, SQL диалект goose и каталог миграций
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driver() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) gooseDialect() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

func (d Dialect) migrationsDir() string {
	return "migrations/" + string(d)
}

// goose хранит dialect и base FS глобально
var gooseMu sync.Mutex

// Storage represents SQL storage implementation
type Storage struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLite opens SQLite database file.
// Use ":memory:" for in-memory database (useful for testing)
func NewSQLite(ctx context.Context, dbPath string) (*Storage, error) {
	return New(ctx, DialectSQLite, dbPath)
}

// NewPostgres opens PostgreSQL database by DSN
func NewPostgres(ctx context.Context, dsn string) (*Storage, error) {
	return New(ctx, DialectPostgres, dsn)
}

// New creates a new SQL storage instance and applies migrations
func New(ctx context.Context, dialect Dialect, dsn string) (*Storage, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	// Открываем соединение с БД
	db, err := sql.Open(dialect.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Проверяем соединение
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dialect == DialectSQLite {
		if err := configureSQLite(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	storage := &Storage{db: db, dialect: dialect}

	// Запускаем миграции
	if err := storage.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return storage, nil
}

func configureSQLite(ctx context.Context, db *sql.DB) error {
	// SQLite с WAL mode может поддерживать несколько читателей, но только одного писателя
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for testing purposes
func (s *Storage) DB() *sql.DB {
	return s.db
}

// runMigrations выполняет миграции из embedded FS
func (s *Storage) runMigrations(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(s.dialect.gooseDialect()); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, s.db, s.dialect.migrationsDir()); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}

	return nil
}

// rebind переводит плейсхолдеры '?' в '$N' для PostgreSQL
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Storage) q(query string) string {
	return rebind(s.dialect, query)
}
