package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	// NonceSize - размер nonce для AES-GCM (12 bytes стандартный размер)
	NonceSize = 12
	// KeySize - размер ключа AES-256
	KeySize = 32
)

// Protector шифрует содержимое blob'ов перед записью в хранилище и
// расшифровывает при чтении. Не связан с асимметричной криптографией сессий.
type Protector interface {
	Protect(plaintext []byte) ([]byte, error)
	Unprotect(sealed []byte) ([]byte, error)
}

// AESProtector реализует Protector на AES-256-GCM.
// Формат результата: nonce (12 bytes) + ciphertext + auth_tag (16 bytes)
type AESProtector struct {
	aead cipher.AEAD
}

// NewAESProtector создает protector с 32-байтным ключом
func NewAESProtector(key []byte) (*AESProtector, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	// Создаем AES cipher block
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Создаем GCM mode
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESProtector{aead: aesGCM}, nil
}

// Protect шифрует данные. Пустой blob допустим: результат содержит только nonce и tag.
func (p *AESProtector) Protect(plaintext []byte) ([]byte, error) {
	// Генерируем случайный nonce
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+p.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// GCM автоматически добавляет authentication tag в конец
	return p.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Unprotect расшифровывает данные, зашифрованные Protect
func (p *AESProtector) Unprotect(sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize+p.aead.Overhead() {
		return nil, fmt.Errorf("encrypted data too short")
	}

	// Извлекаем nonce из первых 12 bytes
	nonce := sealed[:NonceSize]
	ciphertext := sealed[NonceSize:]

	// Дешифруем и проверяем authentication tag
	plaintext, err := p.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: authentication failed or corrupted data: %w", err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}

	return plaintext, nil
}
