// Package crypto generates and verifies channel ownership keys.
//
// An ownership key is a high-entropy opaque token issued once when a channel
// is created. Only an argon2id hash of the key is retained; the clear key is
// transmitted to the creator and never stored.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	keyBytes  = 32
	saltBytes = 16

	// argon2id parameters, matching the library's recommended defaults
	// for interactive use.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// GenerateKey generates a random ownership key (32 bytes, hex encoded).
func GenerateKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("crypto: generate key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashKey hashes a clear key with argon2id under a fresh random salt.
// The result is "salt:hash" in hex, suitable for VerifyKey.
func HashKey(key string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum), nil
}

// VerifyKey reports whether key matches the stored "salt:hash" value.
// Comparison is constant-time.
func VerifyKey(key, stored string) bool {
	saltHex, sumHex, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(sumHex)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// SecretsEqual compares two clear-text secrets in constant time. Used for
// the operator password check.
func SecretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
