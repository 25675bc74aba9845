package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"agentmarket/internal/keys"
	"agentmarket/internal/market"
)

type ctxKey string

const ctxUserID ctxKey = "user_id"

var errNoCredentials = errors.New("missing bearer token")

// authenticate resolves the bearer token to a user. Tokens carrying the
// issued API key prefix are looked up by hash; anything else must be a
// session JWT, and is rejected outright when sessions are disabled.
func (s server) authenticate(r *http.Request) (market.User, error) {
	token := bearerToken(r)
	if token == "" {
		return market.User{}, errNoCredentials
	}
	if keys.IsAPIKey(token) {
		u, err := s.svc.Store.UserByAPIKeyHash(r.Context(), keys.HashAPIKey(s.pepper, token))
		if errors.Is(err, market.ErrNotFound) {
			return market.User{}, market.ErrUnauthenticated
		}
		return u, err
	}
	if s.sessions == nil {
		return market.User{}, market.ErrUnauthenticated
	}
	id, err := s.sessions.Verify(token)
	if err != nil {
		return market.User{}, market.ErrUnauthenticated
	}
	u, err := s.svc.Store.GetUser(r.Context(), id)
	if errors.Is(err, market.ErrNotFound) {
		return market.User{}, market.ErrUnauthenticated
	}
	return u, err
}

func (s server) userAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := s.authenticate(r)
		switch {
		case errors.Is(err, errNoCredentials):
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		case errors.Is(err, market.ErrUnauthenticated):
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		case err != nil:
			logError(r.Context(), "user auth lookup failed", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "auth lookup failed"})
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, u.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// optionalAuthMiddleware attaches the user when the token is valid and
// otherwise lets the request through anonymously.
func (s server) optionalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := s.authenticate(r)
		if err != nil {
			if !errors.Is(err, errNoCredentials) && !errors.Is(err, market.ErrUnauthenticated) {
				logError(r.Context(), "optional auth lookup failed", err)
			}
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, u.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminAuthMiddleware accepts the configured admin token or an admin user.
func (s server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		if s.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		u, err := s.authenticate(r)
		if errors.Is(err, market.ErrUnauthenticated) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		if err != nil {
			logError(r.Context(), "admin auth lookup failed", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "auth lookup failed"})
			return
		}
		if !u.IsAdmin {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, u.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFromCtx(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ctxUserID).(int64)
	return id, ok && id > 0
}
