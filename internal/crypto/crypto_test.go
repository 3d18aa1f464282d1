package crypto

import (
	"bytes"
	"testing"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
)

func TestSealOpen_roundtrip(t *testing.T) {
	plaintext := []byte(`{"documents":[{"id":"doc-1"}]}`)

	sealed, err := Seal(plaintext, "correct horse")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !IsSealed(sealed) {
		t.Error("IsSealed() = false for sealed data")
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("sealed data contains the plaintext")
	}

	opened, err := Open(sealed, "correct horse")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

func TestSeal_randomized(t *testing.T) {
	a, _ := Seal([]byte("same"), "passphrase-1")
	b, _ := Seal([]byte("same"), "passphrase-1")
	if bytes.Equal(a, b) {
		t.Error("Seal() twice produced identical output, want random salt and nonce")
	}
}

func TestSeal_shortPassphrase(t *testing.T) {
	if _, err := Seal([]byte("x"), "short"); !errs.Is(err, errs.ErrValidation) {
		t.Errorf("Seal() error = %v, want VALIDATION_ERROR", err)
	}
}

func TestOpen_failures(t *testing.T) {
	sealed, err := Seal([]byte("secret terms"), "passphrase-1")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff

	tests := []struct {
		name       string
		data       []byte
		passphrase string
		want       errs.ErrorCode
	}{
		{"wrong passphrase", sealed, "passphrase-2", errs.ErrCryptoFailed},
		{"tampered", tampered, "passphrase-1", errs.ErrCryptoFailed},
		{"missing passphrase", sealed, "", errs.ErrCryptoFailed},
		{"not sealed", []byte("plain gzip bytes"), "passphrase-1", errs.ErrCorruptedArchive},
		{"truncated", sealed[:len(magic)+4], "passphrase-1", errs.ErrCorruptedArchive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(tt.data, tt.passphrase); !errs.Is(err, tt.want) {
				t.Errorf("Open() error = %v, want %s", err, tt.want)
			}
		})
	}
}
