// Package crypto seals snapshot archives with a passphrase.
// Uses AES-256-GCM with an Argon2id derived key.
//
// Sealed layout: magic (8) | salt (16) | nonce (12) | ciphertext+tag.
// The passphrase is never stored; it must be supplied again to open.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"golang.org/x/crypto/argon2"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
)

const (
	// MinPassphraseLength is the shortest accepted passphrase.
	MinPassphraseLength = 8

	saltLength = 16
	keyLength  = 32

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var magic = []byte("OSYNCSE1")

// ValidatePassphrase checks a passphrase before sealing.
func ValidatePassphrase(passphrase string) error {
	if len(passphrase) < MinPassphraseLength {
		return errs.Newf(errs.ErrValidation, "passphrase must be at least %d characters", MinPassphraseLength)
	}
	return nil
}

// IsSealed reports whether data starts with the sealed header.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}

// Seal encrypts plaintext with a key derived from passphrase.
func Seal(plaintext []byte, passphrase string) ([]byte, error) {
	if err := ValidatePassphrase(passphrase); err != nil {
		return nil, err
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errs.Wrap(errs.ErrCryptoFailed, "generate salt", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errs.Wrap(errs.ErrCryptoFailed, "generate nonce", err)
	}

	out := make([]byte, 0, len(magic)+saltLength+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, magic), nil
}

// Open decrypts data produced by Seal. A wrong passphrase and tampered data
// are indistinguishable and both yield CRYPTO_FAILED.
func Open(data []byte, passphrase string) ([]byte, error) {
	if !IsSealed(data) {
		return nil, errs.New(errs.ErrCorruptedArchive, "data is not sealed")
	}
	if passphrase == "" {
		return nil, errs.New(errs.ErrCryptoFailed, "passphrase required")
	}
	rest := data[len(magic):]
	if len(rest) < saltLength {
		return nil, errs.New(errs.ErrCorruptedArchive, "sealed data truncated")
	}
	salt, rest := rest[:saltLength], rest[saltLength:]

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, errs.New(errs.ErrCorruptedArchive, "sealed data truncated")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, magic)
	if err != nil {
		return nil, errs.Wrap(errs.ErrCryptoFailed, "wrong passphrase or tampered data", err)
	}
	return plaintext, nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLength)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.ErrCryptoFailed, "create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.ErrCryptoFailed, "create GCM", err)
	}
	return gcm, nil
}
