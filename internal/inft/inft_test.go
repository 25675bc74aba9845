package inft

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	AgentID      int64  `json:"agent_id"`
	MetadataHash string `json:"metadata_hash"`
}

func testSigner(t *testing.T) Signer {
	t.Helper()
	_, priv, err := GenerateKeypair()
	require.NoError(t, err)
	return Signer{Issuer: "agentmarket", KeyID: "k1", Key: priv, TTL: time.Hour}
}

func TestCanonicalJSONIgnoresFieldOrder(t *testing.T) {
	a, err := CanonicalJSON(json.RawMessage(`{"b": 1, "a": [true, null]}`))
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]any{"a": []any{true, nil}, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[true,null],"b":1}`, string(a))
	assert.Equal(t, a, b)
	assert.Equal(t, MetadataHash(a), MetadataHash(b))
}

func TestEncryptRoundTrip(t *testing.T) {
	blob, err := Encrypt("secret", []byte("hello"))
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "hello")

	plain, err := Decrypt("secret", blob)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))

	_, err = Decrypt("other", blob)
	assert.Error(t, err)

	_, err = Decrypt("secret", blob[:4])
	assert.ErrorIs(t, err, ErrCiphertextTooShort)

	_, err = Encrypt(" ", []byte("x"))
	assert.ErrorIs(t, err, ErrMissingEncryptionKey)
}

func TestCertifyAndVerify(t *testing.T) {
	s := testSigner(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := record{AgentID: 7, MetadataHash: "0xabc"}

	c, err := s.Certify(rec, now)
	require.NoError(t, err)
	assert.Equal(t, AlgEd25519, c.Alg)
	assert.Equal(t, "2026-01-02T04:04:05Z", c.ExpiresAt)

	ks := s.PublicKeys()
	require.Len(t, ks.Keys, 1)
	require.NoError(t, ks.Verify(rec, c, now.Add(time.Minute)))

	assert.ErrorIs(t, ks.Verify(rec, c, now.Add(2*time.Hour)), ErrCertExpired)
	assert.ErrorIs(t, ks.Verify(record{AgentID: 8, MetadataHash: "0xabc"}, c, now), ErrInvalidSignature)

	c.KeyID = "k2"
	assert.ErrorIs(t, ks.Verify(rec, c, now), ErrUnknownKey)
}

func TestVerifyDocument(t *testing.T) {
	s := testSigner(t)
	now := time.Now()
	rec := record{AgentID: 7, MetadataHash: "0xabc"}
	c, err := s.Certify(rec, now)
	require.NoError(t, err)

	doc, err := json.Marshal(struct {
		record
		Cert Cert `json:"cert"`
	}{rec, c})
	require.NoError(t, err)
	require.NoError(t, s.PublicKeys().VerifyDocument(doc, now))

	tampered := []byte(`{"agent_id":8,"metadata_hash":"0xabc","cert":` + mustJSON(t, c) + `}`)
	assert.ErrorIs(t, s.PublicKeys().VerifyDocument(tampered, now), ErrInvalidSignature)

	assert.Error(t, s.PublicKeys().VerifyDocument([]byte(`{"agent_id":7}`), now))
}

func TestSignerWithoutKey(t *testing.T) {
	var s Signer
	_, err := s.Certify(record{}, time.Now())
	assert.Error(t, err)
	assert.Empty(t, s.PublicKeys().Keys)
	assert.NotNil(t, s.PublicKeys().Keys)
}

func TestParseKeys(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)

	got, err := ParsePublicKey(EncodePublicKey(pub))
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	_, err = ParsePrivateKey(EncodePublicKey(pub))
	assert.Error(t, err)
	_, err = ParsePublicKey("")
	assert.Error(t, err)

	sig, err := Sign(priv, []byte("m"))
	require.NoError(t, err)
	ok, err := Verify(pub, []byte("m"), sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir(), "base")

	require.NoError(t, s.Put(ctx, "agents/1/metadata.enc", "application/octet-stream", []byte("one")))
	require.NoError(t, s.Put(ctx, "agents/2/metadata.enc", "application/octet-stream", []byte("two")))
	require.NoError(t, s.Put(ctx, "inference-logs/x.jsonl", "application/x-ndjson", []byte("{}\n")))

	b, err := s.Get(ctx, "agents/2/metadata.enc")
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))

	keys, err := s.List(ctx, "agents/", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"agents/1/metadata.enc", "agents/2/metadata.enc"}, keys)

	ok, err := s.Exists(ctx, "agents/3/metadata.enc")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, "agents/3/metadata.enc")
	assert.True(t, errors.Is(err, ErrObjectNotFound))

	assert.Error(t, s.Put(ctx, "../escape", "", []byte("x")))
	assert.Equal(t, "local://base/agents/1/metadata.enc", s.URI("agents/1/metadata.enc"))
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "a/b", JoinKey("/a/", "/b"))
	assert.Equal(t, "b", JoinKey("", "b"))
	assert.Equal(t, "a", JoinKey("a", ""))
}

func TestBuildReadPolicy(t *testing.T) {
	raw, err := BuildReadPolicy("bkt", []string{"p/agents/1/", "/p/agents/1/", "p/logs/*"})
	require.NoError(t, err)

	var doc struct {
		Statement []policyStatement `json:"Statement"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	require.Len(t, doc.Statement, 2)
	assert.Equal(t, []string{"p/agents/1/", "p/agents/1/*", "p/logs/*"}, doc.Statement[0].Condition["StringLike"]["oss:Prefix"])
	assert.Equal(t, []string{"acs:oss:*:*:bkt/p/agents/1/*", "acs:oss:*:*:bkt/p/logs/*"}, doc.Statement[1].Resource)

	_, err = BuildReadPolicy("", []string{"x"})
	assert.Error(t, err)
	_, err = BuildReadPolicy("bkt", []string{" "})
	assert.Error(t, err)
}

func TestLocalSTS(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := localSTS{cfg: StoreConfig{Bucket: "bkt", BasePrefix: "/base/", STSDurationSeconds: 600}, now: func() time.Time { return fixed }}

	creds, err := s.AssumeRole(context.Background(), "session", "{}", 0)
	require.NoError(t, err)
	assert.Equal(t, "2026-05-01T00:10:00Z", creds.Expiration)
	assert.Equal(t, "base", creds.BasePrefix)
	assert.NotEmpty(t, creds.SecurityToken)

	_, err = NewSTSAssumer(StoreConfig{Provider: "aliyun"})
	assert.Error(t, err)
	_, err = NewSTSAssumer(StoreConfig{Provider: "ftp"})
	assert.Error(t, err)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
