// Package config собирает настройки сервера: значения по умолчанию,
// затем необязательный JSON файл, затем флаги командной строки.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iudanet/storagerelay/internal/server/relay"
)

// Поддерживаемые backing stores
const (
	BackendFilesystem = "filesystem"
	BackendSQLite     = "sqlite"
	BackendPostgres   = "postgres"
	BackendBolt       = "bolt"
	BackendS3         = "s3"
	BackendMemory     = "memory"
)

// Config holds runtime settings of the relay server.
type Config struct {
	ListenAddr  string
	ServerID    string
	Backend     string
	DataDir     string
	DatabaseDSN string
	BoltPath    string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Prefix    string

	// ProtectorPassphrase включает шифрование данных at rest
	ProtectorPassphrase  string
	AdminSecret          string
	LogLevel             string
	LogFormat            string
	ObjectLifetime       time.Duration
	GCInterval           time.Duration
	AdminTokenTTL        time.Duration
	RateWindow           time.Duration
	RateLimit            int
	ProtectorFromKeyring bool
	SignRegistration     bool
}

// LoadDefaults заполняет Config значениями для локального запуска
func (c *Config) LoadDefaults() {
	c.ListenAddr = ":8080"
	c.ServerID = relay.DefaultServerID
	c.Backend = BackendFilesystem
	c.DataDir = "./data"
	c.DatabaseDSN = "storagerelay.db"
	c.BoltPath = "storagerelay.bolt"
	c.S3Bucket = "relay"
	c.S3Region = "us-east-1"
	c.S3Endpoint = "http://127.0.0.1:9000"
	c.S3AccessKey = "admin"
	c.S3SecretKey = "secretpassword"
	c.S3Prefix = ""
	c.ObjectLifetime = relay.DefaultObjectLifetime
	c.GCInterval = 0
	c.ProtectorPassphrase = ""
	c.ProtectorFromKeyring = false
	c.SignRegistration = false
	c.AdminSecret = ""
	c.AdminTokenTTL = 15 * time.Minute
	c.RateLimit = 600
	c.RateWindow = time.Minute
	c.LogLevel = "info"
	c.LogFormat = "text"
}

// Load строит Config: defaults, затем JSON из -c/-config, затем явно
// заданные флаги. args - аргументы без имени программы.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	fs, configPath := newFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if *configPath != "" {
		if err := loadJSON(cfg, *configPath, explicitFlags(fs)); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendFilesystem, BackendSQLite, BackendPostgres, BackendBolt, BackendS3, BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.ServerID == "" {
		return fmt.Errorf("server id must not be empty")
	}
	if c.ObjectLifetime <= 0 {
		return fmt.Errorf("object lifetime must be positive, got %s", c.ObjectLifetime)
	}
	if c.GCInterval < 0 {
		return fmt.Errorf("gc interval must not be negative, got %s", c.GCInterval)
	}
	if c.RateLimit <= 0 || c.RateWindow <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d per %s", c.RateLimit, c.RateWindow)
	}
	if c.ProtectorPassphrase != "" && c.ProtectorFromKeyring {
		return fmt.Errorf("protector passphrase and protector keyring are mutually exclusive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// SlogLevel переводит LogLevel в slog.Level
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("unknown log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// AdminEnabled - admin API поднимается только с заданным секретом
func (c *Config) AdminEnabled() bool {
	return c.AdminSecret != ""
}
