package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	identityKeyPEMType = "X25519 PRIVATE KEY"
	x25519KeySize      = 32
)

// ErrInvalidKeyFile is returned when the identity key file exists but cannot be used.
var ErrInvalidKeyFile = errors.New("crypto: invalid identity key file")

var x25519Curve = ecdh.X25519()

// EnsureX25519PrivateKey returns the identity key stored at path. A missing file
// yields a freshly generated key that is persisted before returning; a corrupt
// file is an error and is never overwritten.
func EnsureX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	key, err := LoadX25519PrivateKey(path)
	switch {
	case err == nil:
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	if key, err = GenerateX25519PrivateKey(); err != nil {
		return nil, err
	}
	if err := SaveX25519PrivateKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateX25519PrivateKey creates a new X25519 private key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	key, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return key, nil
}

// LoadX25519PrivateKey reads a PEM encoded identity key.
func LoadX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity key: %w", err)
	}
	key, err := decodeIdentityKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

func decodeIdentityKey(raw []byte) (*ecdh.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	switch {
	case block == nil:
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKeyFile)
	case block.Type != identityKeyPEMType:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKeyFile, block.Type)
	case len(block.Bytes) != x25519KeySize:
		return nil, fmt.Errorf("%w: key is %d bytes", ErrInvalidKeyFile, len(block.Bytes))
	}
	key, err := x25519Curve.NewPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFile, err)
	}
	return key, nil
}

// SaveX25519PrivateKey writes the identity key owner-readable only. The file is
// staged next to path and renamed into place so readers never see a partial key.
func SaveX25519PrivateKey(path string, key *ecdh.PrivateKey) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".identity-*.pem")
	if err != nil {
		return fmt.Errorf("stage identity key: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	encoded := pem.EncodeToMemory(&pem.Block{Type: identityKeyPEMType, Bytes: key.Bytes()})
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("stage identity key: %w", err)
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("write identity key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write identity key: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("install identity key: %w", err)
	}
	return nil
}

// EncodePublicKey returns the wire form of an X25519 public key.
func EncodePublicKey(key *ecdh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key.Bytes())
}

// ParsePublicKey decodes the wire form of an X25519 public key.
func ParsePublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode X25519 public key: %w", err)
	}
	if len(raw) != x25519KeySize {
		return nil, fmt.Errorf("invalid X25519 public key size %d", len(raw))
	}
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}
