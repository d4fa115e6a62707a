package crypto

import (
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// SharedSecretSize is the length of a derived per-peer secret.
const SharedSecretSize = 32

const sharedSecretInfo = "devicelink-peer-secret-v1"

// Identity is this device's stable identifier and key material.
// Only UUID and PublicKey are ever sent to peers.
type Identity struct {
	UUID       string
	PublicKey  string
	PrivateKey *ecdh.PrivateKey
}

// LoadIdentity loads (or creates) the X25519 key at keyPath and binds it to deviceID.
func LoadIdentity(deviceID, keyPath string) (Identity, error) {
	if strings.TrimSpace(deviceID) == "" {
		return Identity{}, errors.New("device ID is required")
	}
	privateKey, err := EnsureX25519PrivateKey(keyPath)
	if err != nil {
		return Identity{}, err
	}
	return NewIdentity(deviceID, privateKey), nil
}

// NewIdentity builds an Identity from an existing private key.
func NewIdentity(deviceID string, privateKey *ecdh.PrivateKey) Identity {
	return Identity{
		UUID:       deviceID,
		PublicKey:  EncodePublicKey(privateKey.PublicKey()),
		PrivateKey: privateKey,
	}
}

// DeriveSharedSecret computes the per-peer secret from the local private key
// and the peer's encoded public key. Both sides get identical bytes because the
// X25519 result is symmetric and the uuid pair is sorted before use as HKDF info.
func DeriveSharedSecret(local Identity, peerUUID, peerPublicKey string) ([]byte, error) {
	if local.PrivateKey == nil {
		return nil, errors.New("local private key is required")
	}
	publicKey, err := ParsePublicKey(peerPublicKey)
	if err != nil {
		return nil, err
	}

	shared, err := local.PrivateKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}

	first, second := local.UUID, peerUUID
	if second < first {
		first, second = second, first
	}
	info := sharedSecretInfo + "|" + first + "|" + second

	secret := make([]byte, SharedSecretSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(info)), secret); err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	return secret, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of an encoded public key.
func KeyFingerprint(publicKey string) string {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		raw = []byte(publicKey)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
