package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// TokenSize - количество случайных байт в токене
const TokenSize = 32

// GenerateToken создает случайный непредсказуемый токен сессии.
// Base64 URL без padding: безопасен в URL и не содержит запятых.
func GenerateToken() (string, error) {
	tokenBytes := make([]byte, TokenSize)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tokenBytes), nil
}
