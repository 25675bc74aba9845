// Package keys issues the bearer API keys handed out by the admin endpoint
// and derives the hashes stored in user_api_keys.
package keys

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Prefix marks every issued key so it can be told apart from a session JWT
// without a store lookup.
const Prefix = "amk_"

const secretBytes = 32

// NewAPIKey returns Prefix followed by 32 random bytes in unpadded base64url.
func NewAPIKey() (string, error) {
	var b [secretBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// IsAPIKey reports whether token has the issued key shape. It does not say
// the key exists.
func IsAPIKey(token string) bool {
	secret, ok := strings.CutPrefix(token, Prefix)
	if !ok {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(secret)
	return err == nil && len(raw) == secretBytes
}

// HashAPIKey is the value stored for a key: HMAC-SHA256 keyed by the pepper.
func HashAPIKey(pepper, apiKey string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(apiKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// Hint keeps the prefix and the first characters of the secret, for logs.
func Hint(apiKey string) string {
	if !IsAPIKey(apiKey) {
		return "invalid"
	}
	return apiKey[:len(Prefix)+4] + "..."
}
