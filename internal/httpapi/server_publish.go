package httpapi

import (
	"context"
	"net/http"
	"time"

	"agentmarket/internal/inft"
)

// handlePublishAgent returns the certified document as signed, so clients
// can hand it to agentverify unchanged.
func (s server) handlePublishAgent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	agentID, ok := pathID(w, r, "agentID")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	doc, err := s.svc.Publisher.Publish(ctx, agentID, userID)
	if err != nil {
		writeError(w, r, "publish agent", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s server) handleGetAgentMetadata(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	agentID, ok := pathID(w, r, "agentID")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	meta, err := s.svc.Publisher.Metadata(ctx, agentID, userID)
	if err != nil {
		writeError(w, r, "get agent metadata", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, meta)
}

func (s server) handleAgentMetadataCredentials(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	agentID, ok := pathID(w, r, "agentID")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	creds, err := s.svc.Publisher.ReadCredentials(ctx, agentID, userID)
	if err != nil {
		writeError(w, r, "issue read credentials", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, creds)
}

func (s server) handleListPlatformSigningKeys(w http.ResponseWriter, r *http.Request) {
	ks := s.keyset
	if ks.Keys == nil {
		ks.Keys = []inft.PublicKey{}
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, ks)
}
