package httpapi

import (
	"context"
	"net/http"
	"time"

	"agentmarket/internal/market"
)

type purchaseRequest struct {
	TxHash string `json:"txHash"`
}

type purchaseResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	TransactionID int64  `json:"transactionId,omitempty"`
	TxHash        string `json:"txHash,omitempty"`
}

func (s server) handlePurchaseAgent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	agentID, ok := pathID(w, r, "agentID")
	if !ok {
		return
	}
	var req purchaseRequest
	if !readJSONLimited(w, r, s.schemas.purchase, &req, maxBodyBytes) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, err := s.svc.Purchases.Purchase(ctx, market.PurchaseRequest{
		AgentID: agentID,
		BuyerID: userID,
		TxHash:  req.TxHash,
	})
	if err != nil {
		writeError(w, r, "purchase", err)
		return
	}
	if res.AlreadyAuthorized {
		writeJSON(w, http.StatusOK, purchaseResponse{Success: true, Message: "already authorized"})
		return
	}
	writeJSON(w, http.StatusOK, purchaseResponse{
		Success:       true,
		Message:       "purchase completed",
		TransactionID: res.TransactionID,
		TxHash:        res.TxHash,
	})
}

func (s server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	txs, err := s.svc.Purchases.Transactions(ctx, userID, queryInt(r, "limit", 20), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, r, "list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

type inferenceRequest struct {
	Messages []market.Message `json:"messages"`
}

func (s server) handleAgentInference(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	agentID, ok := pathID(w, r, "agentID")
	if !ok {
		return
	}
	// Authorization is checked before the body is read.
	authorized, err := s.svc.Ledger.IsAuthorized(r.Context(), agentID, userID)
	if err != nil {
		writeError(w, r, "inference", err)
		return
	}
	if !authorized {
		writeError(w, r, "inference", market.ErrForbidden)
		return
	}
	var req inferenceRequest
	if !readJSONLimited(w, r, s.schemas.inference, &req, maxInferenceBytes) {
		return
	}

	res, err := s.svc.Inference.Invoke(r.Context(), market.InvokeRequest{
		AgentID:  agentID,
		UserID:   userID,
		Messages: req.Messages,
	})
	if err != nil {
		writeError(w, r, "inference", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
