// Package inft holds the primitives behind agent publication: canonical
// metadata, at-rest encryption, platform signatures and object storage.
package inft

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

var (
	ErrMissingEncryptionKey = errors.New("missing encryption key")
	ErrCiphertextTooShort   = errors.New("ciphertext too short")
)

// CanonicalJSON renders v as RFC 8785 JSON so hashes and signatures do not
// depend on field order or whitespace.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsoncanonicalizer.Transform(raw)
}

// MetadataHash is the 0x-prefixed SHA-256 of canonical metadata bytes.
func MetadataHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return "0x" + hex.EncodeToString(sum[:])
}

func newGCM(key string) (cipher.AEAD, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingEncryptionKey
	}
	k := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from the
// platform secret. Output layout: nonce || ciphertext.
func Encrypt(key string, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize(), gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func Decrypt(key string, blob []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	return gcm.Open(nil, blob[:gcm.NonceSize()], blob[gcm.NonceSize():], nil)
}

func Sign(privateKey ed25519.PrivateKey, msg []byte) (string, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid ed25519 private key length: %d", len(privateKey))
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(privateKey, msg)), nil
}

func Verify(publicKey ed25519.PublicKey, msg []byte, sigB64 string) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid ed25519 public key length: %d", len(publicKey))
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigB64))
	if err != nil {
		return false, err
	}
	return ed25519.Verify(publicKey, msg, sig), nil
}

// decodeKey accepts base64 with an optional "ed25519:" prefix.
func decodeKey(s string, size int) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty key")
	}
	if strings.HasPrefix(strings.ToLower(s), "ed25519:") {
		s = strings.TrimSpace(s[len("ed25519:"):])
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("invalid ed25519 key length: %d", len(b))
	}
	return b, nil
}

func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := decodeKey(s, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(b), nil
}

func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := decodeKey(s, ed25519.PrivateKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(b), nil
}

// EncodePublicKey renders a key the way ParsePublicKey reads it.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return "ed25519:" + base64.StdEncoding.EncodeToString(pub)
}

func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
