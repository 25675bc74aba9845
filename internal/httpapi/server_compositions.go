package httpapi

import (
	"context"
	"net/http"
	"time"

	"agentmarket/internal/market"
)

type compositionRequest struct {
	Title       string                        `json:"title"`
	Description string                        `json:"description"`
	Composition []market.CompositionComponent `json:"composition"`
}

func (s server) handleCreateComposition(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req compositionRequest
	if !readJSONLimited(w, r, s.schemas.composition, &req, maxBodyBytes) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	c, err := s.svc.Composer.Compose(ctx, market.ComposeRequest{
		CreatorID:   userID,
		Title:       req.Title,
		Description: req.Description,
		Components:  req.Composition,
	})
	if err != nil {
		writeError(w, r, "create composition", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          c.ID,
		"title":       c.Title,
		"description": c.Description,
		"components":  c.Components,
		"message":     "composition created",
	})
}

func (s server) handleListCompositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	out, err := s.svc.Composer.List(ctx, userID)
	if err != nil {
		writeError(w, r, "list compositions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"compositions": out})
}
