package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"agentmarket/internal/inft"
	"agentmarket/internal/market"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	maxBodyBytes      = 64 << 10
	maxInferenceBytes = 1 << 20
)

type server struct {
	svc        *market.Services
	pepper     string
	adminToken string
	sessions   *Sessions
	keyset     inft.Keyset
	schemas    schemas
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logError(context.Background(), "writeJSON encode failed", err)
	}
}

// readJSONLimited reads at most maxBytes, checks the body against sch and
// decodes it into dst. An empty body is read as {}. On failure it has
// already written the response.
func readJSONLimited(w http.ResponseWriter, r *http.Request, sch *jsonschema.Schema, dst any, maxBytes int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	if sch != nil {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return false
		}
		if err := sch.Validate(doc); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": schemaMessage(err)})
			return false
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// pathID parses a positive integer URL parameter. It writes 400 and reports
// false otherwise.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id := parseID(r, name)
	if id == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// parseID returns 0 unless the URL parameter is a positive integer.
func parseID(r *http.Request, name string) int64 {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func queryInt64(r *http.Request, name string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get(name)), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeError maps a market error to its status. Store and invariant
// failures are logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		ve *market.ValidationError
		pe *market.ProviderError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error()})
	case errors.Is(err, market.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"})
	case errors.Is(err, market.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
	case errors.Is(err, market.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not authorized to use this agent"})
	case errors.Is(err, market.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, market.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already exists"})
	case errors.As(err, &pe):
		logError(r.Context(), op+" provider failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": pe.Error()})
	case errors.Is(err, market.ErrUnavailable):
		logError(r.Context(), op+" unavailable", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "not available on this server"})
	default:
		logError(r.Context(), op+" failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": op + " failed"})
	}
}
