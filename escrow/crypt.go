package escrow

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// seal encrypts the plaintext with AES-256-GCM. The cipher key is derived
// from the master secret via SHA-256; the random nonce is prepended to the
// ciphertext and the whole blob is base64-encoded for storage.
func seal(masterSecret string, plaintext []byte) (string, error) {
	aead, err := newAEAD(masterSecret)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("escrow: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// open reverses seal. Tampered or truncated blobs fail authentication.
func open(masterSecret, encoded string) ([]byte, error) {
	aead, err := newAEAD(masterSecret)
	if err != nil {
		return nil, err
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("escrow: decode ciphertext: %w", err)
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("escrow: ciphertext too short")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("escrow: decrypt: %w", err)
	}
	return plaintext, nil
}

func newAEAD(masterSecret string) (cipher.AEAD, error) {
	if masterSecret == "" {
		return nil, ErrKeyUnavailable
	}
	key := sha256.Sum256([]byte(masterSecret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("escrow: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("escrow: init gcm: %w", err)
	}
	return aead, nil
}
