package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// MasterKeyEnv overrides the key file when set to 64 hex characters.
const MasterKeyEnv = "SMARTSEARCH_MASTER_KEY"

const keySize = 32

var (
	ErrInvalidKey         = errors.New("master key must be 32 bytes")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Keyring seals and opens metadata blobs with AES-256-GCM.
type Keyring struct {
	aead cipher.AEAD
}

// NewKeyring builds a keyring from a raw 32-byte key.
func NewKeyring(key []byte) (*Keyring, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Keyring{aead: gcm}, nil
}

// LoadKeyring resolves the master key from the environment, then keyPath,
// and generates and saves a new one when neither holds a valid key.
// generated reports whether a new key was written.
func LoadKeyring(keyPath string) (kr *Keyring, generated bool, err error) {
	if envKey := os.Getenv(MasterKeyEnv); envKey != "" {
		if key, err := hex.DecodeString(strings.TrimSpace(envKey)); err == nil && len(key) == keySize {
			kr, err := NewKeyring(key)
			return kr, false, err
		}
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		if key, err := hex.DecodeString(strings.TrimSpace(string(data))); err == nil && len(key) == keySize {
			kr, err := NewKeyring(key)
			return kr, false, err
		}
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to read key file: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, false, fmt.Errorf("failed to generate random key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, false, fmt.Errorf("failed to save master key to %s: %w", keyPath, err)
	}
	kr, err = NewKeyring(key)
	return kr, true, err
}

// Encrypt returns nonce + ciphertext.
func (k *Keyring) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return k.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt.
func (k *Keyring) Decrypt(data []byte) ([]byte, error) {
	nonceSize := k.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return k.aead.Open(nil, nonce, ciphertext, nil)
}
