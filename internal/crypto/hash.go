package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// ServerSalt возвращает соль для argon2, детерминированно полученную из server id
func ServerSalt(serverID string) []byte {
	sum := sha256.Sum256([]byte("storagerelay/protector/" + serverID))
	return sum[:SaltSize]
}

// Fingerprint возвращает короткий отпечаток значения (первые 12 hex символов SHA256).
// Используется в логах вместо токенов и ключей.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:12]
}
