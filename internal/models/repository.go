package models

import "time"

// RepositoryRecord - сериализуемая форма repository, хранимая в backing store
// под ключом (ServerID, ID). PrivateKey хранится обфусцированным.
type RepositoryRecord struct {
	CreatedAt  time.Time `json:"created_at"`  // время создания
	AccessedOn time.Time `json:"accessed_on"` // последнее обращение на момент сохранения
	ID         string    `json:"id"`          // стабильный идентификатор (UUID без дефисов)
	Name       string    `json:"name"`        // человекочитаемое имя
	PublicKey  string    `json:"public_key"`  // публичный ключ, передается разработчику приложения
	PrivateKey string    `json:"private_key"` // обфусцированный приватный ключ
}
