// Package obfuscator implements the outer envelope applied to every wire payload.
//
// The transform is reversible and keyless: it hides tokens and error codes from
// casual inspection of traffic and logs, nothing more. It provides no
// confidentiality or integrity. Security of the protocol rests entirely on the
// sealed-box encryption and signatures of internal/crypto.
package obfuscator

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrMalformed is returned when input is not a valid obfuscated string
var ErrMalformed = errors.New("malformed obfuscated data")

var mask = []byte("pbX-storage-relay/v1")

// Obfuscate encodes s into the wire form
func Obfuscate(s string) string {
	return base64.RawURLEncoding.EncodeToString(apply([]byte(s)))
}

// Deobfuscate reverses Obfuscate
func Deobfuscate(s string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return string(apply(raw)), nil
}

// apply xors data with a rolling mask; position feeds into the mask byte so
// repeated plaintext bytes do not produce repeated output bytes.
func apply(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ mask[i%len(mask)] ^ byte(i*31)
	}
	return out
}
