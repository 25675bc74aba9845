package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIComplete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hello back"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(srv.URL+"/v1/", "sk-test", 0)
	res, err := c.Complete(context.Background(), Request{
		Model:      "gpt-4o-mini",
		Messages:   []Message{{Role: "user", Content: "hello"}},
		Parameters: json.RawMessage(`{"temperature":0.2,"max_tokens":64,"style":"terse"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Content: "hello back", ChatID: "chatcmpl-1"}, res)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.2, *got.Temperature, 1e-9)
	require.NotNil(t, got.MaxTokens)
	assert.Equal(t, 64, *got.MaxTokens)
	assert.Nil(t, got.TopP)
}

func TestOpenAIErrors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"error payload", http.StatusOK, `{"error":{"message":"context length exceeded"}}`, "context length exceeded"},
		{"non-2xx with message", http.StatusTooManyRequests, `{"error":{"message":"rate limited"}}`, "rate limited"},
		{"non-2xx without body", http.StatusBadGateway, ``, "provider returned status 502"},
		{"no choices", http.StatusOK, `{"id":"x","choices":[]}`, "provider returned no choices"},
		{"malformed", http.StatusOK, `not json`, "provider returned malformed response"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewOpenAI(srv.URL, "", 0).Complete(context.Background(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}})
			var pe *Error
			require.True(t, errors.As(err, &pe), "got %v", err)
			assert.Equal(t, tc.status, pe.StatusCode)
			assert.Equal(t, tc.message, ErrorMessage(err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "inference timed out", ErrorMessage(context.DeadlineExceeded))
	assert.Equal(t, "inference failed", ErrorMessage(errors.New("dial tcp: refused")))
	assert.Equal(t, "inference failed", (&Error{}).Error())
}

type recorder struct {
	name   string
	models []string
}

func (r *recorder) Complete(_ context.Context, req Request) (Result, error) {
	r.models = append(r.models, req.Model)
	return Result{Content: r.name}, nil
}

func TestParseCatalogRouting(t *testing.T) {
	fallback := &recorder{name: "fallback"}
	c, err := ParseCatalog([]byte(`
providers:
  - name: local
    kind: static
    models: [llama-3-8b, " mistral-7b "]
    model: llama-3-8b-instruct
`), fallback)
	require.NoError(t, err)

	res, err := c.Complete(context.Background(), Request{Model: "mistral-7b", Messages: []Message{{Role: "user", Content: "hey"}}})
	require.NoError(t, err)
	assert.Equal(t, "[llama-3-8b-instruct] hey", res.Content)
	assert.Contains(t, res.ChatID, "static-")

	res, err = c.Complete(context.Background(), Request{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Content)
	assert.Equal(t, []string{"gpt-4o"}, fallback.models)
}

func TestWithModelPinsUpstreamModel(t *testing.T) {
	rec := &recorder{name: "upstream"}
	c := NewCatalog(WithModel(rec, " gpt-4o-mini "))

	_, err := c.Complete(context.Background(), Request{Model: "llama-3-8b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o-mini"}, rec.models)

	assert.Equal(t, Provider(rec), WithModel(rec, ""))
}

func TestParseCatalogDefault(t *testing.T) {
	c, err := ParseCatalog([]byte(`
default: dev
providers:
  - name: dev
    kind: static
`), nil)
	require.NoError(t, err)
	res, err := c.Complete(context.Background(), Request{Model: "anything", Messages: []Message{{Role: "user", Content: "q"}}})
	require.NoError(t, err)
	assert.Equal(t, "[anything] q", res.Content)
}

func TestParseCatalogRejects(t *testing.T) {
	cases := map[string]string{
		"duplicate model": `
providers:
  - {kind: static, models: [a]}
  - {kind: static, models: [a]}
`,
		"undefined default": `
default: nope
providers:
  - {name: dev, kind: static}
`,
		"missing base url": `
providers:
  - {kind: openai, models: [a]}
`,
		"unknown kind": `
providers:
  - {kind: grpc}
`,
		"bad yaml": `providers: [`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(src), nil)
			assert.Error(t, err)
		})
	}
}

func TestCatalogWithoutDefault(t *testing.T) {
	c, err := ParseCatalog([]byte(`providers: []`), nil)
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), Request{Model: "x"})
	assert.Equal(t, `no provider serves model "x"`, ErrorMessage(err))
}

func TestStaticHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Static{}.Complete(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}
