package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/oktsec/warden/internal/safefile"
)

// Key file names inside the keys directory.
const (
	MasterKeyFile  = "master.key"
	PrivateKeyFile = "rsa_private.pem"
	PublicKeyFile  = "rsa_public.pem"

	masterKeyPEM  = "WARDEN MASTER KEY"
	privateKeyPEM = "RSA PRIVATE KEY"
	publicKeyPEM  = "RSA PUBLIC KEY"

	maxKeyFileSize = 64 * 1024
)

func (m *Manager) loadOrCreateMasterKey() ([]byte, error) {
	path := filepath.Join(m.keysDir, MasterKeyFile)
	block, err := readPEM(path, masterKeyPEM)
	switch {
	case err == nil:
		if len(block) != 32 {
			return nil, fmt.Errorf("master key %s: expected 32 bytes, got %d", path, len(block))
		}
		return block, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	if err := safefile.EnsurePrivateDir(m.keysDir); err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	if err := safefile.WritePrivate(path, pem.EncodeToMemory(&pem.Block{Type: masterKeyPEM, Bytes: key})); err != nil {
		return nil, fmt.Errorf("writing master key: %w", err)
	}
	m.logger.Info("generated master key", "path", path)
	return key, nil
}

func (m *Manager) loadOrCreateRSAKey() (*rsa.PrivateKey, error) {
	privPath := filepath.Join(m.keysDir, PrivateKeyFile)
	pubPath := filepath.Join(m.keysDir, PublicKeyFile)

	der, err := readPEM(privPath, privateKeyPEM)
	switch {
	case err == nil:
		key, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", privPath, err)
		}
		if _, err := os.Lstat(pubPath); errors.Is(err, fs.ErrNotExist) {
			if err := writePublicKey(pubPath, &key.PublicKey); err != nil {
				return nil, err
			}
		}
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	if err := safefile.EnsurePrivateDir(m.keysDir); err != nil {
		return nil, err
	}
	key, err := rsa.GenerateKey(rand.Reader, m.rsaBits)
	if err != nil {
		return nil, fmt.Errorf("generating rsa key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEM, Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := safefile.WritePrivate(privPath, privPEM); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	if err := writePublicKey(pubPath, &key.PublicKey); err != nil {
		return nil, err
	}
	m.logger.Info("generated rsa keypair", "path", privPath, "bits", m.rsaBits)
	return key, nil
}

func writePublicKey(path string, pub *rsa.PublicKey) error {
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: publicKeyPEM, Bytes: x509.MarshalPKCS1PublicKey(pub)})
	if err := safefile.WriteFileAtomic(path, pubPEM, 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// readPEM returns the payload of the single PEM block in path. A missing
// file yields an error matching fs.ErrNotExist; anything else unreadable is
// reported as corrupt.
func readPEM(path, wantType string) ([]byte, error) {
	data, err := safefile.ReadFileMax(path, maxKeyFileSize)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("corrupt key file %s: no PEM block", path)
	}
	if block.Type != wantType {
		return nil, fmt.Errorf("corrupt key file %s: unexpected block %q", path, block.Type)
	}
	return block.Bytes, nil
}

// LoadPublicKey reads the gateway public key from keysDir.
func LoadPublicKey(keysDir string) (*rsa.PublicKey, error) {
	path := filepath.Join(keysDir, PublicKeyFile)
	der, err := readPEM(path, publicKeyPEM)
	if err != nil {
		return nil, err
	}
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return pub, nil
}

// Fingerprint returns the SHA-256 hex fingerprint of a public key.
func Fingerprint(pub *rsa.PublicKey) string {
	h := sha256.Sum256(x509.MarshalPKCS1PublicKey(pub))
	return hex.EncodeToString(h[:])
}
