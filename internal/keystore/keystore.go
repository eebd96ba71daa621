// Package keystore хранит секреты сервера (passphrase шифрования at rest)
// в keyring операционной системы.
package keystore

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// ServiceName - имя сервиса в keyring ОС
const ServiceName = "storagerelay"

// ErrNotFound returned when the keyring has no item for the key
var ErrNotFound = errors.New("secret not found in keyring")

// Keystore - обертка над keyring.Keyring с ключами, привязанными к server id
type Keystore struct {
	ring keyring.Keyring
}

// Open открывает keyring ОС. Пустой список backends - все доступные.
func Open(backends ...keyring.BackendType) (*Keystore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              ServiceName,
		AllowedBackends:          backends,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return New(ring), nil
}

// New оборачивает готовый keyring (в тестах keyring.NewArrayKeyring)
func New(ring keyring.Keyring) *Keystore {
	return &Keystore{ring: ring}
}

func protectorKey(serverID string) string {
	return "protector/" + serverID
}

// ProtectorPassphrase читает passphrase шифрования at rest сервера serverID
func (k *Keystore) ProtectorPassphrase(serverID string) (string, error) {
	item, err := k.ring.Get(protectorKey(serverID))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, protectorKey(serverID))
		}
		return "", fmt.Errorf("failed to get protector passphrase: %w", err)
	}
	if len(item.Data) == 0 {
		return "", fmt.Errorf("%w: %s is empty", ErrNotFound, protectorKey(serverID))
	}
	return string(item.Data), nil
}

// SetProtectorPassphrase сохраняет passphrase для serverID
func (k *Keystore) SetProtectorPassphrase(serverID, passphrase string) error {
	if passphrase == "" {
		return errors.New("passphrase must not be empty")
	}

	err := k.ring.Set(keyring.Item{
		Key:         protectorKey(serverID),
		Data:        []byte(passphrase),
		Label:       "storagerelay protector",
		Description: "at-rest encryption passphrase for server " + serverID,
	})
	if err != nil {
		return fmt.Errorf("failed to store protector passphrase: %w", err)
	}
	return nil
}

// RemoveProtectorPassphrase удаляет passphrase. Отсутствие записи не ошибка.
func (k *Keystore) RemoveProtectorPassphrase(serverID string) error {
	err := k.ring.Remove(protectorKey(serverID))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("failed to remove protector passphrase: %w", err)
	}
	return nil
}
