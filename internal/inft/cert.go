package inft

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const AlgEd25519 = "ed25519"

var (
	ErrCertExpired      = errors.New("cert expired")
	ErrUnknownKey       = errors.New("unknown key_id")
	ErrInvalidSignature = errors.New("signature verification failed")
)

// Cert is the platform attestation attached to a published record. The
// signature covers the canonical JSON of the record without its cert.
type Cert struct {
	Issuer    string `json:"issuer"`
	KeyID     string `json:"key_id"`
	IssuedAt  string `json:"issued_at"`
	ExpiresAt string `json:"expires_at"`
	Alg       string `json:"alg"`
	Signature string `json:"signature"`
}

func (c Cert) ValidateBasic() error {
	switch {
	case c.Issuer == "":
		return errors.New("missing issuer")
	case c.KeyID == "":
		return errors.New("missing key_id")
	case c.Alg == "":
		return errors.New("missing alg")
	case c.IssuedAt == "" || c.ExpiresAt == "":
		return errors.New("missing issued_at/expires_at")
	case c.Signature == "":
		return errors.New("missing signature")
	}
	if _, err := time.Parse(time.RFC3339, c.IssuedAt); err != nil {
		return fmt.Errorf("invalid issued_at: %w", err)
	}
	if _, err := time.Parse(time.RFC3339, c.ExpiresAt); err != nil {
		return fmt.Errorf("invalid expires_at: %w", err)
	}
	if _, err := base64.StdEncoding.DecodeString(c.Signature); err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	return nil
}

// Signer issues certs with the platform key.
type Signer struct {
	Issuer string
	KeyID  string
	Key    ed25519.PrivateKey
	TTL    time.Duration
}

// Certify signs the canonical form of record. A zero TTL issues a cert valid
// for ten years.
func (s Signer) Certify(record any, now time.Time) (Cert, error) {
	if len(s.Key) != ed25519.PrivateKeySize {
		return Cert{}, errors.New("signer has no private key")
	}
	canonical, err := CanonicalJSON(record)
	if err != nil {
		return Cert{}, fmt.Errorf("canonicalize record: %w", err)
	}
	sig, err := Sign(s.Key, canonical)
	if err != nil {
		return Cert{}, err
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 10 * 365 * 24 * time.Hour
	}
	now = now.UTC()
	return Cert{
		Issuer:    s.Issuer,
		KeyID:     s.KeyID,
		IssuedAt:  now.Format(time.RFC3339),
		ExpiresAt: now.Add(ttl).Format(time.RFC3339),
		Alg:       AlgEd25519,
		Signature: sig,
	}, nil
}

// PublicKeys returns the keyset that verifies this signer's certs.
func (s Signer) PublicKeys() Keyset {
	if len(s.Key) != ed25519.PrivateKeySize {
		return Keyset{Keys: []PublicKey{}}
	}
	pub := s.Key.Public().(ed25519.PublicKey)
	return Keyset{Keys: []PublicKey{{
		KeyID:     s.KeyID,
		Alg:       AlgEd25519,
		PublicKey: base64.StdEncoding.EncodeToString(pub),
	}}}
}

type PublicKey struct {
	KeyID     string `json:"key_id"`
	Alg       string `json:"alg"`
	PublicKey string `json:"public_key"`
}

// Keyset is the document served at /v1/platform/signing-keys.
type Keyset struct {
	Keys []PublicKey `json:"keys"`
}

func (ks Keyset) lookup(keyID string) (ed25519.PublicKey, error) {
	for _, k := range ks.Keys {
		if strings.TrimSpace(k.KeyID) == keyID {
			return ParsePublicKey(k.PublicKey)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
}

// Verify checks c against the canonical form of record.
func (ks Keyset) Verify(record any, c Cert, now time.Time) error {
	if err := c.ValidateBasic(); err != nil {
		return err
	}
	exp, _ := time.Parse(time.RFC3339, c.ExpiresAt)
	if now.After(exp) {
		return ErrCertExpired
	}
	pub, err := ks.lookup(c.KeyID)
	if err != nil {
		return err
	}
	canonical, err := CanonicalJSON(record)
	if err != nil {
		return fmt.Errorf("canonicalize record: %w", err)
	}
	ok, err := Verify(pub, canonical, c.Signature)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyDocument checks a JSON object carrying its own "cert" field.
func (ks Keyset) VerifyDocument(raw []byte, now time.Time) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	certRaw, ok := obj["cert"]
	if !ok || string(certRaw) == "null" {
		return errors.New("missing cert")
	}
	var c Cert
	if err := json.Unmarshal(certRaw, &c); err != nil {
		return fmt.Errorf("invalid cert shape: %w", err)
	}
	delete(obj, "cert")
	return ks.Verify(obj, c, now)
}
