package config

import "flag"

// newFlagSet описывает флаги сервера поверх уже заполненного cfg: значение
// по умолчанию каждого флага равно текущему значению поля.
//
//	-c, -config          JSON файл конфигурации
//	-a                   адрес HTTP сервера
//	-i                   server id (namespace записей repositories)
//	-b                   backend: filesystem|sqlite|postgres|bolt|s3|memory
//	-dir                 каталог filesystem backend
//	-d                   DSN sqlite/postgres
//	-bolt                файл bbolt
//	-s3-*                настройки S3
//	-lifetime            время жизни объектов в реестрах
//	-gc                  период фоновой сборки мусора (0 - только при мутациях)
//	-protector           passphrase шифрования at rest
//	-protector-keyring   взять passphrase из keyring ОС
//	-sign-registration   подписывать app token при регистрации
//	-admin-secret        секрет admin API (пусто - API выключен)
//	-admin-ttl           время жизни admin token
//	-rate, -rate-window  лимит запросов с одного адреса
//	-log-level, -log-format
func newFlagSet(cfg *Config) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("storagerelay-server", flag.ContinueOnError)

	configPath := new(string)
	fs.StringVar(configPath, "c", "", "path to JSON config file")
	fs.StringVar(configPath, "config", "", "path to JSON config file")

	fs.StringVar(&cfg.ListenAddr, "a", cfg.ListenAddr, "address and port to run server")
	fs.StringVar(&cfg.ServerID, "i", cfg.ServerID, "server id")
	fs.StringVar(&cfg.Backend, "b", cfg.Backend, "backing store: filesystem|sqlite|postgres|bolt|s3|memory")
	fs.StringVar(&cfg.DataDir, "dir", cfg.DataDir, "filesystem backend directory")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "database DSN")
	fs.StringVar(&cfg.BoltPath, "bolt", cfg.BoltPath, "bbolt database file")

	fs.StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "S3 bucket")
	fs.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", cfg.S3Endpoint, "S3 endpoint")
	fs.StringVar(&cfg.S3AccessKey, "s3-access-key", cfg.S3AccessKey, "S3 access key")
	fs.StringVar(&cfg.S3SecretKey, "s3-secret-key", cfg.S3SecretKey, "S3 secret key")
	fs.StringVar(&cfg.S3Prefix, "s3-prefix", cfg.S3Prefix, "S3 object key prefix")

	fs.DurationVar(&cfg.ObjectLifetime, "lifetime", cfg.ObjectLifetime, "idle lifetime of repositories, apps and storages")
	fs.DurationVar(&cfg.GCInterval, "gc", cfg.GCInterval, "background garbage collection interval, 0 disables")

	fs.StringVar(&cfg.ProtectorPassphrase, "protector", cfg.ProtectorPassphrase, "passphrase for at-rest encryption")
	fs.BoolVar(&cfg.ProtectorFromKeyring, "protector-keyring", cfg.ProtectorFromKeyring, "read at-rest passphrase from OS keyring")
	fs.BoolVar(&cfg.SignRegistration, "sign-registration", cfg.SignRegistration, "sign app token on registration")

	fs.StringVar(&cfg.AdminSecret, "admin-secret", cfg.AdminSecret, "admin API secret, empty disables admin API")
	fs.DurationVar(&cfg.AdminTokenTTL, "admin-ttl", cfg.AdminTokenTTL, "admin token lifetime")

	fs.IntVar(&cfg.RateLimit, "rate", cfg.RateLimit, "requests per rate window per client")
	fs.DurationVar(&cfg.RateWindow, "rate-window", cfg.RateWindow, "rate limit window")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text|json")

	return fs, configPath
}

// explicitFlags - имена флагов, реально заданных в командной строке
func explicitFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}
