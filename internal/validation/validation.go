package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxRepositoryNameLen максимальная длина имени repository в символах
	MaxRepositoryNameLen = 64
	// MinPassphraseLen минимальная длина новой passphrase
	MinPassphraseLen = 8
)

// ValidateRepositoryName проверяет имя repository.
// Имя - произвольная подпись для администратора: любые печатные символы,
// 1-64 символа после обрезки пробелов.
func ValidateRepositoryName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("repository name cannot be empty")
	}

	if utf8.RuneCountInString(name) > MaxRepositoryNameLen {
		return fmt.Errorf("repository name must not exceed %d characters", MaxRepositoryNameLen)
	}

	for _, r := range name {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("repository name can only contain printable characters")
		}
	}

	return nil
}

// ValidatePassphrase проверяет новую passphrase (ключ app клиента,
// шифрование at rest сервера). Минимум 8 символов.
func ValidatePassphrase(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase cannot be empty")
	}

	if utf8.RuneCountInString(passphrase) < MinPassphraseLen {
		return fmt.Errorf("passphrase must be at least %d characters long", MinPassphraseLen)
	}

	return nil
}
