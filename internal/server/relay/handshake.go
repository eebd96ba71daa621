package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iudanet/storagerelay/internal/crypto"
	"github.com/iudanet/storagerelay/internal/obfuscator"
	"github.com/iudanet/storagerelay/internal/server/storage"
	"github.com/iudanet/storagerelay/pkg/api"
)

// decodeBody снимает обфускацию с тела запроса.
// Тело может прийти как JSON строка (в кавычках) - такие клиенты тоже поддерживаются.
func decodeBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, `"`) {
		var unquoted string
		if err := json.Unmarshal([]byte(body), &unquoted); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		body = unquoted
	}

	plain, err := obfuscator.Deobfuscate(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return plain, nil
}

// RegisterApp registers app public key under repository and returns app token.
//
// body is the obfuscated app public key encrypted with the repository public key.
// Registering the same key twice returns the existing token.
func (m *Manager) RegisterApp(ctx context.Context, repositoryID, body string) string {
	return m.operation("registerapp", api.CodeAppRegistrationFailed, repositoryID, func() (string, error) {
		m.CollectGarbage()

		// Загрузка записи идет без gcMu: медленный store задерживает только этот запрос
		repo, err := m.repository(ctx, repositoryID)
		if err != nil {
			return "", err
		}

		encrypted, err := decodeBody(body)
		if err != nil {
			return "", err
		}

		publicKeyText, err := repo.keys.Decrypt(encrypted)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt app key: %w", err)
		}

		publicKey, err := crypto.ParsePublicKey(publicKeyText)
		if err != nil {
			return "", fmt.Errorf("failed to parse app key: %w", err)
		}

		token, err := crypto.GenerateToken()
		if err != nil {
			return "", err
		}

		app, created, err := m.addApp(repo, &appEntry{
			publicKey:     publicKey,
			token:         token,
			publicKeyText: publicKeyText,
		})
		if err != nil {
			return "", err
		}
		if created {
			m.logger.Info("app registered",
				"repository", app.repository.id,
				"app", crypto.Fingerprint(app.token),
			)
		}

		if m.signRegistration {
			return api.FormatOK(app.repository.keys.Sign(app.token), app.token), nil
		}
		return api.FormatOK(app.token), nil
	})
}

// addApp вставляет candidate в реестр или возвращает уже зарегистрированное
// приложение с тем же ключом
func (m *Manager) addApp(repo *repositoryEntry, candidate *appEntry) (*appEntry, bool, error) {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()

	// repo мог быть вытеснен или удален, пока ключ расшифровывался
	v, ok := m.repositories.Load(repo.id)
	if !ok || v.(*repositoryEntry).removed.Load() {
		return nil, false, fmt.Errorf("%w: %s", ErrRepositoryNotFound, repo.id)
	}
	repo = v.(*repositoryEntry)

	if app := m.findApp(repo.id, candidate.publicKeyText); app != nil {
		return app, false, nil
	}

	candidate.repository = repo
	candidate.touch(m.now())
	m.apps.Store(candidate.token, candidate)
	return candidate, true, nil
}

// findApp ищет уже зарегистрированное приложение (линейный просмотр реестра)
func (m *Manager) findApp(repositoryID, publicKeyText string) *appEntry {
	var found *appEntry
	m.apps.Range(func(_, value any) bool {
		app := value.(*appEntry)
		if app.repository.id == repositoryID && app.publicKeyText == publicKeyText {
			found = app
			return false
		}
		return true
	})
	if found != nil {
		found.touch(m.now())
	}
	return found
}

// app разыменовывает app token
func (m *Manager) app(token string) (*appEntry, error) {
	v, ok := m.apps.Load(token)
	if !ok {
		return nil, ErrUnknownAppToken
	}
	app := v.(*appEntry)
	app.touch(m.now())
	return app, nil
}

// OpenStorage opens (or reopens) named storage for app.
//
// Payload "<storageToken>,<storagePublicKey>" is encrypted with the app public key
// and signed with the repository private key: OK,<signature>,<ciphertext>.
func (m *Manager) OpenStorage(ctx context.Context, appToken, storageID string) string {
	return m.operation("open", api.CodeOpenStorageFailed, appToken, func() (string, error) {
		m.CollectGarbage()

		app, err := m.app(appToken)
		if err != nil {
			return "", err
		}

		id := storage.SanitizeID(strings.TrimSpace(storageID))
		if id == "" || id == "." || id == ".." {
			return "", fmt.Errorf("%w: storage id %q", ErrInvalidID, storageID)
		}

		st, err := m.openedStorage(app, id)
		if err != nil {
			return "", err
		}
		if st == nil {
			// Ключи создаются вне gcMu, вставка повторяет поиск дубликата
			keys, err := crypto.GenerateKeyPair()
			if err != nil {
				return "", err
			}

			token, err := crypto.GenerateToken()
			if err != nil {
				return "", err
			}

			var created bool
			st, created, err = m.addStorage(&storageEntry{app: app, keys: keys, token: token, id: id})
			if err != nil {
				return "", err
			}
			if created {
				m.logger.Info("storage opened",
					"repository", app.repository.id,
					"storage", id,
					"app", crypto.Fingerprint(app.token),
				)
			}
		}

		ciphertext, err := app.publicKey.Encrypt(st.token + api.Separator + st.keys.Public())
		if err != nil {
			return "", err
		}

		return api.FormatOK(app.repository.keys.Sign(ciphertext), ciphertext), nil
	})
}

// appAlive проверяется под gcMu: app еще в реестре и его repository не удаляется
func (m *Manager) appAlive(app *appEntry) bool {
	v, ok := m.apps.Load(app.token)
	return ok && v.(*appEntry) == app && !app.repository.removed.Load()
}

// openedStorage возвращает уже открытый storage приложения или nil
func (m *Manager) openedStorage(app *appEntry, id string) (*storageEntry, error) {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()

	if !m.appAlive(app) {
		return nil, ErrUnknownAppToken
	}
	return m.findStorage(app, id), nil
}

// addStorage вставляет candidate, если storage с тем же id еще не открыт
func (m *Manager) addStorage(candidate *storageEntry) (*storageEntry, bool, error) {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()

	if !m.appAlive(candidate.app) {
		return nil, false, ErrUnknownAppToken
	}
	if st := m.findStorage(candidate.app, candidate.id); st != nil {
		return st, false, nil
	}

	candidate.touch(m.now())
	m.storages.Store(candidate.token, candidate)
	return candidate, true, nil
}

// findStorage ищет уже открытый storage приложения
func (m *Manager) findStorage(app *appEntry, id string) *storageEntry {
	var found *storageEntry
	m.storages.Range(func(_, value any) bool {
		st := value.(*storageEntry)
		if st.app == app && st.id == id {
			found = st
			return false
		}
		return true
	})
	if found != nil {
		found.touch(m.now())
	}
	return found
}
