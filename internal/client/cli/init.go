package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/storagerelay/internal/client/api"
	"github.com/iudanet/storagerelay/internal/client/session"
	"github.com/iudanet/storagerelay/internal/client/storage"
	"github.com/iudanet/storagerelay/internal/crypto"
	"github.com/iudanet/storagerelay/internal/validation"
)

// runInit создает пару ключей app, регистрирует ее в repository и
// сохраняет состояние. Приватный ключ хранится только зашифрованным.
func (c *Cli) runInit(ctx context.Context, args []string) error {
	if err := needArgs(args, 2, 2, "init <repositoryId> <repositoryPublicKey>"); err != nil {
		return err
	}
	repositoryID, repositoryPublicKey := args[0], args[1]

	if _, err := c.state.GetState(ctx); err == nil {
		return fmt.Errorf("client is already initialized. Run 'storagerelay-client reset' first")
	} else if !errors.Is(err, storage.ErrStateNotFound) {
		return fmt.Errorf("failed to load state: %w", err)
	}

	repositoryKey, err := crypto.ParsePublicKey(repositoryPublicKey)
	if err != nil {
		return fmt.Errorf("invalid repository public key: %w", err)
	}

	passphrase, err := c.getPassphrase()
	if err != nil {
		return err
	}
	if err := validation.ValidatePassphrase(passphrase); err != nil {
		return err
	}

	appKeys, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	sealed, err := sealAppKey(appKeys, passphrase, repositoryID)
	if err != nil {
		return err
	}

	serverURL := c.server(nil)
	s, err := session.New(session.Options{
		Transport:     api.NewClient(serverURL),
		RepositoryID:  repositoryID,
		RepositoryKey: repositoryKey,
		AppKeys:       appKeys,
		Logger:        c.logger,
	})
	if err != nil {
		return err
	}

	// Регистрируемся до сохранения: неверный repository не оставляет состояния
	appToken, err := s.Register(ctx)
	if err != nil {
		return err
	}

	state := &storage.State{
		ServerURL:           serverURL,
		RepositoryID:        repositoryID,
		RepositoryPublicKey: repositoryKey.String(),
		SealedAppKey:        sealed,
		AppToken:            appToken,
		CreatedAt:           c.now().Unix(),
	}
	if err := c.state.SaveState(ctx, state); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	c.io.Println("✓ App registered")
	c.io.Printf("Server:     %s\n", serverURL)
	c.io.Printf("Repository: %s\n", repositoryID)
	c.io.Printf("App:        %s\n", crypto.Fingerprint(appToken))
	return nil
}

// runStatus показывает локальное состояние; passphrase не нужна
func (c *Cli) runStatus(ctx context.Context) error {
	c.io.Println("=== Client Status ===")
	c.io.Println()

	state, err := c.state.GetState(ctx)
	if errors.Is(err, storage.ErrStateNotFound) {
		c.io.Println("Status: Not initialized")
		c.io.Println()
		c.io.Println("Run 'storagerelay-client init <repositoryId> <repositoryPublicKey>' to register.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	serverURL := c.server(state)
	c.io.Println("Status: Initialized")
	c.io.Printf("Server:     %s\n", serverURL)
	c.io.Printf("Repository: %s\n", state.RepositoryID)
	c.io.Printf("App:        %s\n", crypto.Fingerprint(state.AppToken))
	c.io.Printf("Created:    %s\n", time.Unix(state.CreatedAt, 0).Format(time.RFC3339))

	health, err := api.NewClient(serverURL).Health(ctx)
	if err != nil {
		// Не прерываем выполнение: сервер может быть временно недоступен
		c.io.Printf("Health:     unreachable (%v)\n", err)
		return nil
	}
	c.io.Printf("Health:     %s, version %s\n", health.Status, health.Version)
	return nil
}

// runReset удаляет локальное состояние. На сервере app вытеснится сам по простою.
func (c *Cli) runReset(ctx context.Context) error {
	if err := c.state.DeleteState(ctx); err != nil {
		if errors.Is(err, storage.ErrStateNotFound) {
			return ErrNotInitialized
		}
		return fmt.Errorf("failed to delete state: %w", err)
	}
	c.io.Println("✓ Local state removed")
	return nil
}
