// Package vault provides the secret-encryption boundary used for tenant
// credentials. Plaintext credentials are sealed with a key derived from a
// per-machine secret and only opened transiently to build transport clients.
package vault

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	keySize    = 32
	nonceSize  = 24
	secretSize = 32
	saltSize   = 16
)

// Vault seals and opens credential material. Its unavailability (an
// unreadable machine secret) must be treated as a hard registration failure
// by callers.
type Vault struct {
	key [keySize]byte
}

// Open loads or creates the machine secret under dir and derives the
// sealing key. The secret file is created 0600 on first use.
func Open(dir string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("vault unavailable: %w", err)
	}

	secretPath := filepath.Join(dir, "machine.secret")
	raw, err := os.ReadFile(secretPath)
	if os.IsNotExist(err) {
		raw = make([]byte, secretSize+saltSize)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("vault unavailable: %w", err)
		}
		if err := os.WriteFile(secretPath, raw, 0600); err != nil {
			return nil, fmt.Errorf("vault unavailable: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("vault unavailable: %w", err)
	}
	if len(raw) != secretSize+saltSize {
		return nil, fmt.Errorf("vault unavailable: machine secret is corrupt")
	}

	derived, err := scrypt.Key(raw[:secretSize], raw[secretSize:], 1<<15, 8, 1, keySize)
	if err != nil {
		return nil, fmt.Errorf("vault unavailable: %w", err)
	}

	v := &Vault{}
	copy(v.key[:], derived)
	return v, nil
}

// Encrypt seals plaintext into opaque bytes (nonce-prefixed).
func (v *Vault) Encrypt(plaintext string) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &v.key)
	return sealed, nil
}

// Decrypt opens opaque bytes produced by Encrypt.
func (v *Vault) Decrypt(sealed []byte) (string, error) {
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("decrypt: ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	opened, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.key)
	if !ok {
		return "", fmt.Errorf("decrypt: authentication failed")
	}
	return string(opened), nil
}
