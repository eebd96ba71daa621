package api

import "time"

// ErrorResponse представляет ответ с ошибкой (admin API)
type ErrorResponse struct {
	Error   string `json:"error"`             // описание ошибки
	Message string `json:"message,omitempty"` // дополнительное сообщение
}

// TokenRequest представляет запрос admin token в обмен на общий секрет
type TokenRequest struct {
	Secret string `json:"secret"`
}

// TokenResponse представляет выданный admin token
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"` // секунды
}

// NewRepositoryRequest представляет запрос на создание repository
type NewRepositoryRequest struct {
	Name string `json:"name"`
}

// RepositoryResponse описывает repository. PublicKey и ID передаются
// разработчику клиентского приложения для встраивания.
type RepositoryResponse struct {
	CreatedAt  time.Time `json:"created_at"`
	AccessedOn time.Time `json:"accessed_on"`
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	PublicKey  string    `json:"public_key"`
}

// RepositoryListResponse представляет список repositories
type RepositoryListResponse struct {
	Repositories []RepositoryResponse `json:"repositories"`
}

// FoundIDResponse - элемент рекурсивного поиска по пространству repository
type FoundIDResponse struct {
	Type      string `json:"type"` // storage | thing
	Namespace string `json:"namespace"`
	ID        string `json:"id"`
}

// FoundIDsResponse представляет результат поиска
type FoundIDsResponse struct {
	IDs []FoundIDResponse `json:"ids"`
}

// HealthResponse представляет ответ health check
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// StatsResponse - размеры реестров в памяти
type StatsResponse struct {
	Repositories int `json:"repositories"`
	Apps         int `json:"apps"`
	Storages     int `json:"storages"`
}
