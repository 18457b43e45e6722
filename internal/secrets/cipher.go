// Package secrets provides the narrow encrypt/decrypt capability used to
// protect stored account tokens. The key is derived from a passphrase with
// argon2id; ciphertexts are AES-GCM with a random nonce prefix.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/torboard/torboard/internal/database"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
	nonceLen     = 12
)

var ErrNotConfigured = errors.New("encryption passphrase not configured")

// Encryptor encrypts credential material.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
}

// Decryptor decrypts credential material. The poller depends only on this.
type Decryptor interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Cipher holds a derived key. It satisfies both Encryptor and Decryptor.
type Cipher struct {
	key []byte
}

// NewCipher derives a key from the passphrase and salt.
func NewCipher(passphrase string, salt []byte) *Cipher {
	return &Cipher{
		key: argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen),
	}
}

// Open loads the encryption salt from the settings table, creating and
// persisting one on first use, and returns a ready Cipher.
func Open(db *database.DB, passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, ErrNotConfigured
	}

	var salt []byte
	saltStr, err := db.GetSetting(database.SettingEncryptionSalt)
	if err != nil {
		salt = make([]byte, saltLen)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		if err := db.SetSetting(database.SettingEncryptionSalt, base64.StdEncoding.EncodeToString(salt)); err != nil {
			return nil, fmt.Errorf("store salt: %w", err)
		}
	} else {
		salt, err = base64.StdEncoding.DecodeString(saltStr)
		if err != nil {
			return nil, fmt.Errorf("decode stored salt: %w", err)
		}
	}

	return NewCipher(passphrase, salt), nil
}

func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceLen {
		return nil, fmt.Errorf("ciphertext too short")
	}
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, ciphertext[:nonceLen], ciphertext[nonceLen:], nil)
}

func (c *Cipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
