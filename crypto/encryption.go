package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const aes256KeySize = 32

// ErrDecrypt is returned for any ciphertext that does not open under the key.
var ErrDecrypt = errors.New("crypto: decryption failed")

// Encrypt encrypts plaintext with AES-256-GCM and returns ciphertext and IV.
func Encrypt(sessionKey, plaintext []byte) (ciphertext, iv []byte, err error) {
	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, iv, plaintext, nil)
	return ciphertext, iv, nil
}

// Decrypt decrypts AES-256-GCM ciphertext using the provided IV.
func Decrypt(sessionKey, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("ciphertext is required")
	}

	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(iv), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}

// SealString encrypts plaintext and packs nonce||ciphertext as standard base64,
// which never contains the ':' field separator.
func SealString(sessionKey, plaintext []byte) (string, error) {
	ciphertext, iv, err := Encrypt(sessionKey, plaintext)
	if err != nil {
		return "", err
	}
	packed := make([]byte, 0, len(iv)+len(ciphertext))
	packed = append(packed, iv...)
	packed = append(packed, ciphertext...)
	return base64.StdEncoding.EncodeToString(packed), nil
}

// OpenString reverses SealString. Every failure maps to ErrDecrypt.
func OpenString(sessionKey []byte, sealed string) ([]byte, error) {
	packed, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrDecrypt
	}
	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(packed) <= aead.NonceSize() {
		return nil, ErrDecrypt
	}
	plaintext, err := aead.Open(nil, packed[:aead.NonceSize()], packed[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) != aes256KeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), aes256KeySize)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
