package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize = 16
	hashSize = 32
)

// HashPassword derives a PBKDF2-HMAC-SHA256 hash. salt is base64; when empty
// a random 16-byte salt is generated. Both outputs are base64.
func HashPassword(password, salt string, iterations int) (hash, usedSalt string, err error) {
	var saltBytes []byte
	if salt == "" {
		saltBytes = make([]byte, saltSize)
		if _, err := rand.Read(saltBytes); err != nil {
			return "", "", fmt.Errorf("generating salt: %w", err)
		}
	} else {
		saltBytes, err = base64.StdEncoding.DecodeString(salt)
		if err != nil {
			return "", "", fmt.Errorf("decoding salt: %w", err)
		}
	}
	if iterations <= 0 {
		iterations = defaultIterations
	}
	dk := pbkdf2.Key([]byte(password), saltBytes, iterations, hashSize, sha256.New)
	return base64.StdEncoding.EncodeToString(dk), base64.StdEncoding.EncodeToString(saltBytes), nil
}

// VerifyPassword recomputes the hash and compares in constant time.
func VerifyPassword(password, hash, salt string, iterations int) bool {
	if hash == "" || salt == "" {
		return false
	}
	got, _, err := HashPassword(password, salt, iterations)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(hash)) == 1
}

// SecureToken returns n bytes from the OS CSPRNG as unpadded URL-safe base64.
func SecureToken(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("token length must be positive, got %d", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
