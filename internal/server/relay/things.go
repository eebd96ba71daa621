package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/iudanet/storagerelay/internal/server/storage"
	"github.com/iudanet/storagerelay/pkg/api"
)

// storageByToken разыменовывает storage token
func (m *Manager) storageByToken(token string) (*storageEntry, error) {
	v, ok := m.storages.Load(token)
	if !ok {
		return nil, ErrUnknownStorageToken
	}
	st := v.(*storageEntry)
	st.touch(m.now())
	return st, nil
}

// withStorage выполняет body, пока repository storage не может быть очищен.
// Storage удаляемого repository считается неизвестным.
func (m *Manager) withStorage(token string, body func(st *storageEntry) (string, error)) (string, error) {
	st, err := m.storageByToken(token)
	if err != nil {
		return "", err
	}

	repo := st.app.repository
	repo.inflight.RLock()
	defer repo.inflight.RUnlock()

	if repo.removed.Load() {
		return "", ErrUnknownStorageToken
	}
	return body(st)
}

func thingID(id string) (string, error) {
	sanitized := storage.SanitizeID(strings.TrimSpace(id))
	if sanitized == "" || sanitized == "." || sanitized == ".." {
		return "", fmt.Errorf("%w: thing id %q", ErrInvalidID, id)
	}
	return sanitized, nil
}

// thingOperation - общий шаблон операций с things: storage token → storage, id → sanitized id
func (m *Manager) thingOperation(op, storageToken, id string, body func(st *storageEntry, id string) (string, error)) string {
	return m.operation(op, api.CodeThingOperationFailed, storageToken, func() (string, error) {
		return m.withStorage(storageToken, func(st *storageEntry) (string, error) {
			sanitized, err := thingID(id)
			if err != nil {
				return "", err
			}
			return body(st, sanitized)
		})
	})
}

// sealForApp шифрует данные для приложения и подписывает ключом storage
func sealForApp(st *storageEntry, plaintext string) (string, error) {
	ciphertext, err := st.app.publicKey.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return api.FormatOK(st.keys.Sign(ciphertext), ciphertext), nil
}

// openFromApp проверяет подпись приложения и расшифровывает ключом storage
func openFromApp(st *storageEntry, payload string) (string, error) {
	signature, ciphertext, err := api.SplitPair(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if err := st.app.publicKey.Verify(ciphertext, signature); err != nil {
		return "", err
	}

	plaintext, err := st.keys.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plaintext, nil
}

// StoreThing stores thing sent by app.
// body is obfuscated "<signature>,<ciphertext>" where ciphertext seals "<modifiedOn>,<data>".
func (m *Manager) StoreThing(ctx context.Context, storageToken, id, body string) string {
	return m.thingOperation("store", storageToken, id, func(st *storageEntry, id string) (string, error) {
		payload, err := decodeBody(body)
		if err != nil {
			return "", err
		}

		plaintext, err := openFromApp(st, payload)
		if err != nil {
			return "", err
		}

		rawModifiedOn, data, err := api.SplitPair(plaintext)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}

		modifiedOn, err := api.ParseTimestamp(rawModifiedOn)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}

		if err := m.store.Store(ctx, st.namespace(), id, []byte(data), modifiedOn); err != nil {
			return "", err
		}
		return api.FormatOK(), nil
	})
}

// ThingExists answers OK,YES or OK,NO
func (m *Manager) ThingExists(ctx context.Context, storageToken, id string) string {
	return m.thingOperation("exists", storageToken, id, func(st *storageEntry, id string) (string, error) {
		exists, err := m.store.Exists(ctx, st.namespace(), id)
		if err != nil {
			return "", err
		}
		if exists {
			return api.FormatOK(api.Yes), nil
		}
		return api.FormatOK(api.No), nil
	})
}

// GetThingModifiedOn answers OK,<unix nanoseconds>
func (m *Manager) GetThingModifiedOn(ctx context.Context, storageToken, id string) string {
	return m.thingOperation("getmodifiedon", storageToken, id, func(st *storageEntry, id string) (string, error) {
		modifiedOn, err := m.store.GetModifiedOn(ctx, st.namespace(), id)
		if err != nil {
			return "", err
		}
		return api.FormatOK(api.FormatTimestamp(modifiedOn)), nil
	})
}

// GetThingCopy answers OK,<signature>,<ciphertext> where ciphertext seals "<modifiedOn>,<data>"
func (m *Manager) GetThingCopy(ctx context.Context, storageToken, id string) string {
	return m.thingOperation("getacopy", storageToken, id, func(st *storageEntry, id string) (string, error) {
		thing, err := m.store.GetCopy(ctx, st.namespace(), id)
		if err != nil {
			return "", err
		}
		return sealForApp(st, api.FormatTimestamp(thing.ModifiedOn)+api.Separator+string(thing.Data))
	})
}

// DiscardThing removes thing; removing missing thing succeeds
func (m *Manager) DiscardThing(ctx context.Context, storageToken, id string) string {
	return m.thingOperation("discard", storageToken, id, func(st *storageEntry, id string) (string, error) {
		if err := m.store.Discard(ctx, st.namespace(), id); err != nil {
			return "", err
		}
		return api.FormatOK(), nil
	})
}

// FindThingIDs answers OK,<signature>,<ciphertext> sealing "id|id|...".
// An empty result is sealed too, so "nothing found" cannot be forged on the way.
// Empty pattern (or blanks) matches every id.
func (m *Manager) FindThingIDs(ctx context.Context, storageToken, pattern string) string {
	return m.operation("findids", api.CodeThingOperationFailed, storageToken, func() (string, error) {
		return m.withStorage(storageToken, func(st *storageEntry) (string, error) {
			ids, err := m.store.FindIDs(ctx, st.namespace(), pattern)
			if err != nil {
				return "", err
			}
			return sealForApp(st, api.JoinIDs(ids))
		})
	})
}
