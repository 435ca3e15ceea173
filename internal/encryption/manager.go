// Package encryption provides symmetric and asymmetric encryption, password
// hashing and secure token generation for the gateway. Key material is
// loaded from, or created in, an owner-only keys directory.
package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/oktsec/warden/internal/secerr"
)

const (
	defaultRSABits    = 2048
	defaultIterations = 310_000
)

// Manager owns the gateway's key material. It is safe for concurrent use.
type Manager struct {
	keysDir    string
	aead       cipher.AEAD
	rsaKey     *rsa.PrivateKey
	rsaBits    int
	iterations int
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRSABits sets the size of a newly generated RSA key.
func WithRSABits(bits int) Option {
	return func(m *Manager) { m.rsaBits = bits }
}

// WithPBKDF2Iterations sets the PBKDF2 work factor.
func WithPBKDF2Iterations(n int) Option {
	return func(m *Manager) { m.iterations = n }
}

// WithLogger sets the logger used for key lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager loads the key files in keysDir, creating any that are missing.
// A key file that exists but cannot be parsed is a fatal error.
func NewManager(keysDir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		keysDir:    keysDir,
		rsaBits:    defaultRSABits,
		iterations: defaultIterations,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}

	master, err := m.loadOrCreateMasterKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(master)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	m.aead = aead

	rsaKey, err := m.loadOrCreateRSAKey()
	if err != nil {
		return nil, err
	}
	m.rsaKey = rsaKey
	return m, nil
}

// EncryptData seals plaintext with XChaCha20-Poly1305 under the master key
// and returns base64(nonce || ciphertext).
func (m *Manager) EncryptData(plaintext []byte) (string, error) {
	nonce := make([]byte, m.aead.NonceSize(), m.aead.NonceSize()+len(plaintext)+m.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptData reverses EncryptData. Tampered or malformed input returns an
// error matching secerr.ErrIntegrity.
func (m *Manager) DecryptData(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, secerr.Integrity("ciphertext is not valid base64")
	}
	if len(raw) < m.aead.NonceSize()+m.aead.Overhead() {
		return nil, secerr.Integrity("ciphertext too short")
	}
	nonce, sealed := raw[:m.aead.NonceSize()], raw[m.aead.NonceSize():]
	plain, err := m.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, secerr.Integrity("authentication failed")
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

// EncryptWithRSA encrypts a short payload with RSA-OAEP (SHA-256) under the
// gateway public key.
func (m *Manager) EncryptWithRSA(plaintext []byte) ([]byte, error) {
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &m.rsaKey.PublicKey, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa encrypt: %w", err)
	}
	return out, nil
}

// DecryptWithRSA decrypts an RSA-OAEP ciphertext.
func (m *Manager) DecryptWithRSA(ciphertext []byte) ([]byte, error) {
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, m.rsaKey, ciphertext, nil)
	if err != nil {
		return nil, secerr.Integrity("rsa decryption failed")
	}
	return out, nil
}

// HashPassword derives a PBKDF2-SHA256 hash using the manager's work factor.
func (m *Manager) HashPassword(password, salt string) (hash, usedSalt string, err error) {
	return HashPassword(password, salt, m.iterations)
}

// VerifyPassword checks password against a hash from HashPassword.
func (m *Manager) VerifyPassword(password, hash, salt string) bool {
	return VerifyPassword(password, hash, salt, m.iterations)
}

// GenerateSecureToken returns n random bytes encoded as unpadded URL-safe base64.
func (m *Manager) GenerateSecureToken(n int) (string, error) {
	return SecureToken(n)
}

// RSAPrivateKey returns the gateway signing key.
func (m *Manager) RSAPrivateKey() *rsa.PrivateKey { return m.rsaKey }

// Status describes the loaded key material.
type Status struct {
	Symmetric      string `json:"symmetric"`
	Asymmetric     string `json:"asymmetric"`
	PasswordHash   string `json:"password_hash"`
	KeysDir        string `json:"keys_dir"`
	RSAKeyBits     int    `json:"rsa_key_bits"`
	KeyFingerprint string `json:"key_fingerprint"`
}

// Status reports algorithm names and key locations. It never exposes key bytes.
func (m *Manager) Status() Status {
	return Status{
		Symmetric:      "XChaCha20-Poly1305",
		Asymmetric:     "RSA-OAEP-SHA256",
		PasswordHash:   fmt.Sprintf("PBKDF2-HMAC-SHA256 (%d iterations)", m.iterations),
		KeysDir:        m.keysDir,
		RSAKeyBits:     m.rsaKey.N.BitLen(),
		KeyFingerprint: Fingerprint(&m.rsaKey.PublicKey),
	}
}
