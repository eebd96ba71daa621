package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Duration принимает в JSON строку Go duration ("15m") или целое число наносекунд
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

// JSONConfig - DTO файла конфигурации. Указатели отличают отсутствующее
// поле от нулевого значения: отсутствующие поля не трогают defaults.
type JSONConfig struct {
	ListenAddr           *string   `json:"listen_addr"`
	ServerID             *string   `json:"server_id"`
	Backend              *string   `json:"backend"`
	DataDir              *string   `json:"data_dir"`
	DatabaseDSN          *string   `json:"database_dsn"`
	BoltPath             *string   `json:"bolt_path"`
	S3Bucket             *string   `json:"s3_bucket"`
	S3Region             *string   `json:"s3_region"`
	S3Endpoint           *string   `json:"s3_endpoint"`
	S3AccessKey          *string   `json:"s3_access_key"`
	S3SecretKey          *string   `json:"s3_secret_key"`
	S3Prefix             *string   `json:"s3_prefix"`
	ObjectLifetime       *Duration `json:"object_lifetime"`
	GCInterval           *Duration `json:"gc_interval"`
	ProtectorPassphrase  *string   `json:"protector_passphrase"`
	ProtectorFromKeyring *bool     `json:"protector_from_keyring"`
	SignRegistration     *bool     `json:"sign_registration"`
	AdminSecret          *string   `json:"admin_secret"`
	AdminTokenTTL        *Duration `json:"admin_token_ttl"`
	RateLimit            *int      `json:"rate_limit"`
	RateWindow           *Duration `json:"rate_window"`
	LogLevel             *string   `json:"log_level"`
	LogFormat            *string   `json:"log_format"`
}

// loadJSON накладывает значения из файла на cfg. Поля, чей флаг задан
// в командной строке (explicit), не меняются.
func loadJSON(cfg *Config, path string, explicit map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var jc JSONConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	jc.apply(cfg, explicit)
	return nil
}

func (jc *JSONConfig) apply(cfg *Config, explicit map[string]bool) {
	str := func(flagName string, src *string, dst *string) {
		if src != nil && !explicit[flagName] {
			*dst = *src
		}
	}
	dur := func(flagName string, src *Duration, dst *time.Duration) {
		if src != nil && !explicit[flagName] {
			*dst = time.Duration(*src)
		}
	}
	boolean := func(flagName string, src *bool, dst *bool) {
		if src != nil && !explicit[flagName] {
			*dst = *src
		}
	}

	str("a", jc.ListenAddr, &cfg.ListenAddr)
	str("i", jc.ServerID, &cfg.ServerID)
	str("b", jc.Backend, &cfg.Backend)
	str("dir", jc.DataDir, &cfg.DataDir)
	str("d", jc.DatabaseDSN, &cfg.DatabaseDSN)
	str("bolt", jc.BoltPath, &cfg.BoltPath)
	str("s3-bucket", jc.S3Bucket, &cfg.S3Bucket)
	str("s3-region", jc.S3Region, &cfg.S3Region)
	str("s3-endpoint", jc.S3Endpoint, &cfg.S3Endpoint)
	str("s3-access-key", jc.S3AccessKey, &cfg.S3AccessKey)
	str("s3-secret-key", jc.S3SecretKey, &cfg.S3SecretKey)
	str("s3-prefix", jc.S3Prefix, &cfg.S3Prefix)
	dur("lifetime", jc.ObjectLifetime, &cfg.ObjectLifetime)
	dur("gc", jc.GCInterval, &cfg.GCInterval)
	str("protector", jc.ProtectorPassphrase, &cfg.ProtectorPassphrase)
	boolean("protector-keyring", jc.ProtectorFromKeyring, &cfg.ProtectorFromKeyring)
	boolean("sign-registration", jc.SignRegistration, &cfg.SignRegistration)
	str("admin-secret", jc.AdminSecret, &cfg.AdminSecret)
	dur("admin-ttl", jc.AdminTokenTTL, &cfg.AdminTokenTTL)
	if jc.RateLimit != nil && !explicit["rate"] {
		cfg.RateLimit = *jc.RateLimit
	}
	dur("rate-window", jc.RateWindow, &cfg.RateWindow)
	str("log-level", jc.LogLevel, &cfg.LogLevel)
	str("log-format", jc.LogFormat, &cfg.LogFormat)
}
