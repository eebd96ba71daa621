package relay

import (
	"errors"

	"github.com/iudanet/storagerelay/internal/crypto"
	"github.com/iudanet/storagerelay/internal/server/storage"
	"github.com/iudanet/storagerelay/pkg/api"
)

var (
	// ErrMissingStore - Manager нельзя создать без backing store
	ErrMissingStore = errors.New("relay: thing store is required")

	// ErrMissingSerializer - Manager нельзя создать без сериализатора repository
	ErrMissingSerializer = errors.New("relay: repository serializer is required")

	// ErrRepositoryNotFound indicates that repository record does not exist
	ErrRepositoryNotFound = errors.New("repository does not exist")

	// ErrUnknownAppToken indicates that no registered app has the token
	ErrUnknownAppToken = errors.New("incorrect app token")

	// ErrUnknownStorageToken indicates that no open storage has the token
	ErrUnknownStorageToken = errors.New("incorrect storage token")

	// ErrInvalidID indicates that storage or thing id is empty after sanitizing
	ErrInvalidID = errors.New("invalid id")

	// ErrMalformedPayload indicates that request body does not have the expected fields
	ErrMalformedPayload = errors.New("malformed payload")
)

// codeFor выбирает код протокола для ошибки операции.
// Ошибки, не имеющие собственного кода, получают код операции по умолчанию.
func codeFor(err error, fallback api.ErrorCode) api.ErrorCode {
	switch {
	case errors.Is(err, ErrRepositoryNotFound):
		return api.CodeRepositoryDoesNotExist
	case errors.Is(err, ErrUnknownAppToken):
		return api.CodeIncorrectAppToken
	case errors.Is(err, ErrUnknownStorageToken):
		return api.CodeIncorrectStorageToken
	case errors.Is(err, storage.ErrThingNotFound):
		return api.CodeThingNotFound
	case errors.Is(err, crypto.ErrInvalidSignature):
		return api.CodeSignatureVerificationFailed
	default:
		return fallback
	}
}
