package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	boxKeySize = 32
	// publicKeySize - ed25519 public (32) + X25519 public (32)
	publicKeySize = ed25519.PublicKeySize + boxKeySize
	// privateKeySize - ed25519 seed (32) + X25519 private (32)
	privateKeySize = ed25519.SeedSize + boxKeySize
)

var (
	// ErrInvalidSignature indicates that signature does not match data and public key
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidKey indicates that key string cannot be parsed
	ErrInvalidKey = errors.New("invalid key")

	// ErrDecryptionFailed indicates that sealed box cannot be opened with the key pair
	ErrDecryptionFailed = errors.New("decryption failed")
)

// PublicKey - публичная половина пары: проверка подписи и шифрование для владельца пары.
type PublicKey struct {
	sign ed25519.PublicKey
	box  [boxKeySize]byte
}

// KeyPair объединяет ключ подписи ed25519 и ключ шифрования X25519 (nacl/box).
// Текстовая форма обеих половин - стандартный Base64.
type KeyPair struct {
	PublicKey
	signPriv ed25519.PrivateKey
	boxPriv  [boxKeySize]byte
}

// GenerateKeyPair создает новую случайную пару ключей
func GenerateKeyPair() (*KeyPair, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	boxPub, boxPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate box key: %w", err)
	}

	return &KeyPair{
		PublicKey: PublicKey{sign: signPub, box: *boxPub},
		signPriv:  signPriv,
		boxPriv:   *boxPriv,
	}, nil
}

// ParseKeyPair восстанавливает пару из строки, полученной через KeyPair.Private
func ParseKeyPair(private string) (*KeyPair, error) {
	raw, err := base64.StdEncoding.DecodeString(private)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode base64: %v", ErrInvalidKey, err)
	}
	if len(raw) != privateKeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes, got %d", ErrInvalidKey, privateKeySize, len(raw))
	}

	signPriv := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])

	kp := &KeyPair{signPriv: signPriv}
	copy(kp.boxPriv[:], raw[ed25519.SeedSize:])

	// Публичный ключ X25519 вычисляем из приватного
	boxPub, err := curve25519.X25519(kp.boxPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(kp.box[:], boxPub)
	kp.sign = signPriv.Public().(ed25519.PublicKey)

	return kp, nil
}

// ParsePublicKey разбирает строку, полученную через PublicKey.String
func ParsePublicKey(public string) (*PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(public)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode base64: %v", ErrInvalidKey, err)
	}
	if len(raw) != publicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidKey, publicKeySize, len(raw))
	}

	pk := &PublicKey{sign: ed25519.PublicKey(append([]byte{}, raw[:ed25519.PublicKeySize]...))}
	copy(pk.box[:], raw[ed25519.PublicKeySize:])

	return pk, nil
}

// String возвращает текстовую форму публичного ключа
func (k *PublicKey) String() string {
	raw := make([]byte, 0, publicKeySize)
	raw = append(raw, k.sign...)
	raw = append(raw, k.box[:]...)
	return base64.StdEncoding.EncodeToString(raw)
}

// Encrypt шифрует данные для владельца пары (anonymous sealed box).
// Результат - Base64, не содержит запятых и безопасен для протокольных разделителей.
func (k *PublicKey) Encrypt(plaintext string) (string, error) {
	sealed, err := box.SealAnonymous(nil, []byte(plaintext), &k.box, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to seal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Verify проверяет ed25519 подпись над строкой data
func (k *PublicKey) Verify(data, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: failed to decode base64: %v", ErrInvalidSignature, err)
	}
	if !ed25519.Verify(k.sign, []byte(data), sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Public возвращает текстовую форму публичной половины
func (kp *KeyPair) Public() string {
	return kp.PublicKey.String()
}

// Private возвращает текстовую форму приватной половины.
// Содержит все необходимое для ParseKeyPair.
func (kp *KeyPair) Private() string {
	raw := make([]byte, 0, privateKeySize)
	raw = append(raw, kp.signPriv.Seed()...)
	raw = append(raw, kp.boxPriv[:]...)
	return base64.StdEncoding.EncodeToString(raw)
}

// Decrypt открывает sealed box, созданный PublicKey.Encrypt
func (kp *KeyPair) Decrypt(ciphertext string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: failed to decode base64: %v", ErrDecryptionFailed, err)
	}

	plaintext, ok := box.OpenAnonymous(nil, sealed, &kp.box, &kp.boxPriv)
	if !ok {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// Sign подписывает строку data и возвращает подпись в Base64
func (kp *KeyPair) Sign(data string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(kp.signPriv, []byte(data)))
}
