package crypto

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Параметры Argon2id для ключа at-rest шифрования
const (
	// Argon2Time - количество итераций (time cost)
	Argon2Time = 1
	// Argon2Memory - объем памяти в KB (64MB = 64*1024 KB)
	Argon2Memory = 64 * 1024
	// Argon2Threads - количество параллельных потоков
	Argon2Threads = 4
	// Argon2KeyLen - длина выходного ключа в байтах
	Argon2KeyLen = 32
	// SaltSize - размер соли в байтах
	SaltSize = 32
)

// DeriveProtectorKey выводит ключ AES-256 из passphrase.
// Соль детерминирована и привязана к ServerID: один и тот же сервер
// всегда получает тот же ключ и может прочитать ранее записанные данные.
func DeriveProtectorKey(passphrase, serverID string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if serverID == "" {
		return nil, fmt.Errorf("server id cannot be empty")
	}

	salt := ServerSalt(serverID)
	key := argon2.IDKey([]byte(passphrase), salt, Argon2Time, Argon2Memory, Argon2Threads, Argon2KeyLen)

	return key, nil
}

// NewProtectorFromPassphrase выводит ключ и создает AESProtector
func NewProtectorFromPassphrase(passphrase, serverID string) (*AESProtector, error) {
	key, err := DeriveProtectorKey(passphrase, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive protector key: %w", err)
	}
	return NewAESProtector(key)
}
