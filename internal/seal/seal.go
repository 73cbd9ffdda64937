// Package seal encrypts the home-network credential handed to a filter
// during pairing. Both ends derive a ChaCha20-Poly1305 key from an X25519
// exchange, salted with the pairing session id, so a captured credentials
// frame is useless outside its session.
package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const info = "ionlink credentials v1"

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// GenerateKey creates a fresh X25519 key pair.
func GenerateKey() (*KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

func (k *KeyPair) key(peer []byte, sessionID string) ([]byte, error) {
	shared, err := curve25519.X25519(k.Private, peer)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, []byte(sessionID), []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext for peer. The session id is bound in as
// additional data.
func (k *KeyPair) Seal(peer []byte, sessionID string, plaintext []byte) (nonce, sealed []byte, err error) {
	key, err := k.key(peer, sessionID)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, []byte(sessionID)), nil
}

// Open decrypts a credential sealed by peer for this key pair.
func (k *KeyPair) Open(peer []byte, sessionID string, nonce, sealed []byte) ([]byte, error) {
	key, err := k.key(peer, sessionID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce is %d bytes, want %d", len(nonce), aead.NonceSize())
	}
	plain, err := aead.Open(nil, nonce, sealed, []byte(sessionID))
	if err != nil {
		return nil, fmt.Errorf("open credential: %w", err)
	}
	return plain, nil
}
