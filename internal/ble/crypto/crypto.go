// Package crypto provides the cryptographic primitives for the vehicle BLE
// link: HKDF-SHA256 session key derivation from the application secret and
// the per-device key, and AES-256-GCM encryption with separate IV and tag
// fields.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// NonceSize is the length of the challenge nonce issued by the vehicle.
const NonceSize = 16

// KeySize is the AES-256 session key length.
const KeySize = 32

// NewNonce returns a random challenge nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("ble/crypto: random nonce: %w", err)
	}
	return nonce, nil
}

// DeriveSessionKey derives the 32-byte AES key for one session.
// HKDF(ikm = secretKey || 0x00 || bleKey, salt = nonce, info = "vehicle-ble:" + operatorCode).
func DeriveSessionKey(secretKey, bleKey, operatorCode string, nonce []byte) ([]byte, error) {
	if secretKey == "" || bleKey == "" {
		return nil, errors.New("ble/crypto: secret key and device key must not be empty")
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("ble/crypto: nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}

	ikm := make([]byte, 0, len(secretKey)+len(bleKey)+1)
	ikm = append(ikm, secretKey...)
	ikm = append(ikm, 0x00)
	ikm = append(ikm, bleKey...)

	r := hkdf.New(sha256.New, ikm, nonce, []byte("vehicle-ble:"+operatorCode))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext with AES-256-GCM, returning iv (12 bytes),
// ciphertext, and tag (16 bytes) separately, as the DataPacket carries them
// in separate fields.
func Encrypt(key, plaintext []byte) (iv, ciphertext, tag []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}

	iv = make([]byte, aead.NonceSize()) // 12 bytes
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("ble/crypto: random IV: %w", err)
	}

	// Go's GCM Seal appends the tag to the ciphertext
	sealed := aead.Seal(nil, iv, plaintext, nil)

	tagSize := aead.Overhead() // 16
	ciphertext = sealed[:len(sealed)-tagSize]
	tag = sealed[len(sealed)-tagSize:]

	return iv, ciphertext, tag, nil
}

// Decrypt decrypts ciphertext with AES-256-GCM using separate iv, ciphertext, and tag.
func Decrypt(key, iv, ciphertext, tag []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("ble/crypto: iv must be %d bytes, got %d", aead.NonceSize(), len(iv))
	}

	// Reassemble ciphertext || tag without touching the caller's slice.
	sealed := make([]byte, len(ciphertext)+len(tag))
	copy(sealed, ciphertext)
	copy(sealed[len(ciphertext):], tag)
	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new GCM: %w", err)
	}
	return aead, nil
}
