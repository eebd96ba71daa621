// Package session реализует клиентскую сторону протокола:
// регистрацию app в repository, открытие storage и операции с things.
//
// Каждый ответ сервера проверяется по цепочке подписей: ответ open подписан
// ключом repository, ответы с данными подписаны ключом storage. Сессионные
// объекты на сервере живут только в памяти и вытесняются при простое,
// поэтому Session один раз перерегистрируется или переоткрывает storage,
// получив IncorrectAppToken или IncorrectStorageToken.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/iudanet/storagerelay/internal/crypto"
	"github.com/iudanet/storagerelay/pkg/api"
)

//go:generate moq -out transport_mock.go . Transport

// Transport - протокольные вызовы сервера. Реализуется *api.Client из internal/client/api.
type Transport interface {
	RegisterApp(ctx context.Context, repositoryID, encryptedPublicKey string) (string, error)
	Open(ctx context.Context, appToken, storageID string) (string, error)
	Store(ctx context.Context, storageToken, thingID, body string) (string, error)
	Exists(ctx context.Context, storageToken, thingID string) (string, error)
	GetModifiedOn(ctx context.Context, storageToken, thingID string) (string, error)
	GetCopy(ctx context.Context, storageToken, thingID string) (string, error)
	Discard(ctx context.Context, storageToken, thingID string) (string, error)
	FindIDs(ctx context.Context, storageToken, pattern string) (string, error)
}

var (
	// ErrMissingTransport возвращается New без Transport
	ErrMissingTransport = errors.New("transport is required")

	// ErrMissingKeys возвращается New без ключа repository или пары ключей app
	ErrMissingKeys = errors.New("repository public key and app key pair are required")

	// ErrEmptyToken - сервер вернул пустой токен
	ErrEmptyToken = errors.New("server returned empty token")
)

// Options configures Session
type Options struct {
	Transport     Transport
	RepositoryKey *crypto.PublicKey
	AppKeys       *crypto.KeyPair
	Logger        *slog.Logger
	// OnRegister вызывается с новым app token после каждой регистрации
	// (клиент сохраняет его в локальном состоянии)
	OnRegister func(ctx context.Context, appToken string) error
	// RepositoryID и RepositoryKey выдаются администратором сервера
	RepositoryID string
	// AppToken - ранее полученный токен; пустой означает, что нужна регистрация
	AppToken string
}

// Session - зарегистрированное (или готовое к регистрации) приложение
type Session struct {
	transport     Transport
	repositoryKey *crypto.PublicKey
	appKeys       *crypto.KeyPair
	logger        *slog.Logger
	onRegister    func(ctx context.Context, appToken string) error
	repositoryID  string

	mu       sync.Mutex
	appToken string
}

// New creates Session. Registration happens lazily on first Open or explicitly via Register.
func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, ErrMissingTransport
	}
	if opts.RepositoryKey == nil || opts.AppKeys == nil {
		return nil, ErrMissingKeys
	}
	if strings.TrimSpace(opts.RepositoryID) == "" {
		return nil, fmt.Errorf("repository id cannot be empty")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		transport:     opts.Transport,
		repositoryKey: opts.RepositoryKey,
		appKeys:       opts.AppKeys,
		logger:        logger,
		onRegister:    opts.OnRegister,
		repositoryID:  opts.RepositoryID,
		appToken:      opts.AppToken,
	}, nil
}

// AppToken returns current app token (empty before registration)
func (s *Session) AppToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appToken
}

// Register отправляет публичный ключ app, зашифрованный ключом repository,
// и запоминает полученный app token. Повторная регистрация того же ключа
// возвращает тот же токен, пока сервер держит app в памяти.
func (s *Session) Register(ctx context.Context) (string, error) {
	encrypted, err := s.repositoryKey.Encrypt(s.appKeys.Public())
	if err != nil {
		return "", fmt.Errorf("failed to encrypt app key: %w", err)
	}

	payload, err := s.transport.RegisterApp(ctx, s.repositoryID, encrypted)
	if err != nil {
		return "", fmt.Errorf("registration failed: %w", err)
	}

	token, err := s.registrationToken(payload)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.appToken = token
	s.mu.Unlock()

	if s.onRegister != nil {
		if err := s.onRegister(ctx, token); err != nil {
			return "", fmt.Errorf("failed to save app token: %w", err)
		}
	}

	s.logger.Debug("app registered", "repository", s.repositoryID, "app", crypto.Fingerprint(token))
	return token, nil
}

// registrationToken принимает "<token>" или подписанный "<signature>,<token>"
func (s *Session) registrationToken(payload string) (string, error) {
	token := payload
	if signature, signed, ok := strings.Cut(payload, api.Separator); ok {
		if err := s.repositoryKey.Verify(signed, signature); err != nil {
			return "", fmt.Errorf("failed to verify app token: %w", err)
		}
		token = signed
	}

	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// ensureToken регистрирует app, если токена еще нет
func (s *Session) ensureToken(ctx context.Context) (string, error) {
	if token := s.AppToken(); token != "" {
		return token, nil
	}
	return s.Register(ctx)
}

// Open открывает storage. Если сервер забыл app (IncorrectAppToken),
// Session один раз перерегистрируется и повторяет запрос.
func (s *Session) Open(ctx context.Context, storageID string) (*Storage, error) {
	token, publicKey, err := s.open(ctx, storageID)
	if err != nil {
		return nil, err
	}

	return &Storage{
		session:   s,
		id:        storageID,
		token:     token,
		publicKey: publicKey,
	}, nil
}

func (s *Session) open(ctx context.Context, storageID string) (string, *crypto.PublicKey, error) {
	appToken, err := s.ensureToken(ctx)
	if err != nil {
		return "", nil, err
	}

	payload, err := s.transport.Open(ctx, appToken, storageID)
	if errors.Is(err, api.ErrIncorrectAppToken) {
		s.logger.Debug("app token rejected, registering again", "repository", s.repositoryID)
		if appToken, err = s.Register(ctx); err != nil {
			return "", nil, err
		}
		payload, err = s.transport.Open(ctx, appToken, storageID)
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to open storage %q: %w", storageID, err)
	}

	plaintext, err := unseal(s.repositoryKey, s.appKeys, payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read open response: %w", err)
	}

	token, publicText, err := api.SplitPair(plaintext)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read open response: %w", err)
	}
	if token == "" {
		return "", nil, ErrEmptyToken
	}

	publicKey, err := crypto.ParsePublicKey(publicText)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse storage key: %w", err)
	}

	return token, publicKey, nil
}

// unseal проверяет подпись signer над ciphertext и расшифровывает его ключами app
func unseal(signer *crypto.PublicKey, keys *crypto.KeyPair, payload string) (string, error) {
	signature, ciphertext, err := api.SplitPair(payload)
	if err != nil {
		return "", err
	}

	if err := signer.Verify(ciphertext, signature); err != nil {
		return "", err
	}

	plaintext, err := keys.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return plaintext, nil
}
