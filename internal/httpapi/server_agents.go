package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"agentmarket/internal/market"
)

type createAgentRequest struct {
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Type             string          `json:"type"`
	Price            string          `json:"price"`
	ThumbnailURL     string          `json:"thumbnailUrl"`
	Status           string          `json:"status"`
	IsPublic         *bool           `json:"isPublic"`
	BaseModel        string          `json:"baseModel"`
	Parameters       json.RawMessage `json:"parameters"`
	Capabilities     []string        `json:"capabilities"`
	VerificationMode string          `json:"verificationMode"`
}

func (s server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q := r.URL.Query()
	agents, err := s.svc.Registry.List(ctx, market.ListFilter{
		CreatorID: queryInt64(r, "creatorId"),
		Type:      q.Get("type"),
		Status:    q.Get("status"),
		Limit:     clampInt(queryInt(r, "limit", 10), 1, 100),
		Offset:    clampInt(queryInt(r, "offset", 0), 0, 1_000_000),
	})
	if err != nil {
		writeError(w, r, "list agents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathID(w, r, "agentID")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	agent, err := s.svc.Registry.Get(ctx, agentID)
	if err != nil {
		writeError(w, r, "get agent", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent})
}

func (s server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req createAgentRequest
	if !readJSONLimited(w, r, s.schemas.createAgent, &req, maxBodyBytes) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	draft := market.AgentDraft{
		CreatorID:    userID,
		Title:        req.Title,
		Description:  req.Description,
		Type:         req.Type,
		ThumbnailURL: req.ThumbnailURL,
		Price:        req.Price,
		Status:       market.AgentStatus(req.Status),
		IsPublic:     true,
		Metadata: market.AgentMetadata{
			BaseModel:        req.BaseModel,
			Parameters:       req.Parameters,
			Capabilities:     req.Capabilities,
			VerificationMode: req.VerificationMode,
		},
	}
	if req.IsPublic != nil {
		draft.IsPublic = *req.IsPublic
	}
	id, err := s.svc.Registry.Create(ctx, draft)
	if err != nil {
		writeError(w, r, "create agent", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// handleGetAuthorization never fails: anything short of a usable grant for
// the signed-in user reads as not authorized.
func (s server) handleGetAuthorization(w http.ResponseWriter, r *http.Request) {
	denied := map[string]bool{"isAuthorized": false}

	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, denied)
		return
	}
	if asked := queryInt64(r, "userId"); asked != 0 && asked != userID {
		writeJSON(w, http.StatusOK, denied)
		return
	}
	agentID := parseID(r, "agentID")
	if agentID == 0 {
		writeJSON(w, http.StatusOK, denied)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	authorized, err := s.svc.Ledger.IsAuthorized(ctx, agentID, userID)
	if err != nil {
		logError(ctx, "authorization check failed", err)
		writeJSON(w, http.StatusOK, denied)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isAuthorized": authorized})
}

// handleGetGrant shows the caller's own grant for the agent.
func (s server) handleGetGrant(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	agentID, ok := pathID(w, r, "agentID")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	st, err := s.svc.Ledger.Status(ctx, agentID, userID)
	if err != nil {
		writeError(w, r, "get grant", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s server) handleListAuthorizedAgents(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	agents, err := s.svc.Registry.AuthorizedAgents(ctx, userID)
	if err != nil {
		writeError(w, r, "list authorized agents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}
