package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"agentmarket/internal/keys"
	"agentmarket/internal/market"
)

func profileResponse(u market.User) map[string]any {
	return map[string]any{
		"user_id":       u.ID,
		"email":         u.Email,
		"walletAddress": u.WalletAddress,
		"displayName":   u.DisplayName,
		"bio":           u.Bio,
		"isAdmin":       u.IsAdmin,
	}
}

func (s server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	u, err := s.svc.Profiles.Get(ctx, userID)
	if err != nil {
		writeError(w, r, "get user", err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse(u))
}

type updateProfileRequest struct {
	Email         *string `json:"email"`
	WalletAddress *string `json:"walletAddress"`
	DisplayName   *string `json:"displayName"`
	Bio           *string `json:"bio"`
}

// handleUpdateMe applies a partial profile update; omitted fields keep
// their stored value.
func (s server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req updateProfileRequest
	if !readJSONLimited(w, r, s.schemas.updateProfile, &req, maxBodyBytes) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	u, err := s.svc.Profiles.Update(ctx, userID, market.UserPatch{
		Email:         req.Email,
		WalletAddress: req.WalletAddress,
		DisplayName:   req.DisplayName,
		Bio:           req.Bio,
	})
	if err != nil {
		writeError(w, r, "update user", err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse(u))
}

// handleCreateSession trades the bearer credential for a short-lived JWT.
func (s server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if s.sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sessions are disabled"})
		return
	}
	token, exp, err := s.sessions.Issue(userID)
	if err != nil {
		logError(r.Context(), "issue session failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "issue session failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": exp.Format(time.RFC3339),
	})
}

type createUserRequest struct {
	Email         string `json:"email"`
	WalletAddress string `json:"walletAddress"`
	IsAdmin       bool   `json:"isAdmin"`
}

func (s server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !readJSONLimited(w, r, s.schemas.createUser, &req, maxBodyBytes) {
		return
	}

	apiKey, err := keys.NewAPIKey()
	if err != nil {
		logError(r.Context(), "generate api key failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "generate api key failed"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id, err := s.svc.Store.CreateUser(ctx, market.User{
		Email:         strings.TrimSpace(req.Email),
		WalletAddress: strings.TrimSpace(req.WalletAddress),
		IsAdmin:       req.IsAdmin,
	}, keys.HashAPIKey(s.pepper, apiKey))
	if err != nil {
		writeError(w, r, "create user", err)
		return
	}
	logger(ctx).InfoContext(ctx, "api key issued", "user_id", id, "key", keys.Hint(apiKey))
	writeJSON(w, http.StatusCreated, map[string]any{"user_id": id, "api_key": apiKey})
}
