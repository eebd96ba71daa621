// Package jwt issues and validates bearer tokens of the admin API.
package jwt

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// Issuer - значение claim iss
	Issuer = "storagerelay"
	// AdminSubject - единственный субъект, которому выдаются токены
	AdminSubject = "admin"
)

// ErrInvalidSecret returned when admin secret does not match
var ErrInvalidSecret = errors.New("invalid admin secret")

// Claims represents JWT claims of admin token
type Claims struct {
	jwt.RegisteredClaims
}

// Service provides JWT token generation and validation
type Service struct {
	now    func() time.Time
	secret []byte
	ttl    time.Duration
}

// NewService creates a new JWT service.
// secret is shared with administrators and signs tokens (HS256).
func NewService(secret string, ttl time.Duration) *Service {
	return &Service{
		now:    time.Now,
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// CheckSecret сравнивает секрет за постоянное время
func (s *Service) CheckSecret(secret string) error {
	if len(s.secret) == 0 || subtle.ConstantTimeCompare(s.secret, []byte(secret)) != 1 {
		return ErrInvalidSecret
	}
	return nil
}

// GenerateAdminToken creates a new admin access token.
// Returns token and its lifetime in seconds.
func (s *Service) GenerateAdminToken() (string, int64, error) {
	now := s.now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   AdminSubject,
			Issuer:    Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, int64(s.ttl.Seconds()), nil
}

// ValidateToken валидирует и парсит admin token
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		// Проверяем что используется правильный алгоритм подписи
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithSubject(AdminSubject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}
