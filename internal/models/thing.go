package models

import "time"

// Thing - blob в пространстве имен storage вместе с логическим временем изменения.
type Thing struct {
	ModifiedOn time.Time `json:"modified_on"`
	Namespace  string    `json:"namespace"` // RepositoryID/StorageID
	ID         string    `json:"id"`
	Data       []byte    `json:"data"`
}

// FoundIDType различает элементы рекурсивного поиска
type FoundIDType string

const (
	// FoundStorage - вложенное пространство имен (storage)
	FoundStorage FoundIDType = "storage"
	// FoundThing - thing внутри пространства имен
	FoundThing FoundIDType = "thing"
)

// FoundID - элемент результата FindAllIDs.
// Namespace - родительское пространство имен, ID - имя storage или thing в нем.
type FoundID struct {
	Type      FoundIDType `json:"type"`
	Namespace string      `json:"namespace"`
	ID        string      `json:"id"`
}
