package storage

import (
	"context"
)

//go:generate moq -out state_mock.go . StateStorage

// StateStorage хранит локальное состояние клиента: с каким repository он
// работает, ключи app и последний полученный app token.
type StateStorage interface {
	// SaveState перезаписывает состояние целиком
	SaveState(ctx context.Context, state *State) error

	// GetState returns ErrStateNotFound before the first SaveState
	GetState(ctx context.Context) (*State, error)

	// DeleteState удаляет состояние; ErrStateNotFound, если его нет
	DeleteState(ctx context.Context) error

	// SaveAppToken обновляет только app token (после перерегистрации)
	SaveAppToken(ctx context.Context, token string) error
}

// State - локальное состояние клиента.
// SealedAppKey - приватный ключ app, зашифрованный ключом из passphrase
// пользователя (base64); остальные поля не секретны.
type State struct {
	ServerURL           string `json:"server_url"`
	RepositoryID        string `json:"repository_id"`
	RepositoryPublicKey string `json:"repository_public_key"`
	SealedAppKey        string `json:"sealed_app_key"`
	AppToken            string `json:"app_token"`
	CreatedAt           int64  `json:"created_at"`
}
