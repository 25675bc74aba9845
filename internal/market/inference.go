package market

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"agentmarket/internal/provider"
)

const maxMessages = 100

var messageRoles = map[string]struct{}{
	"system":    {},
	"user":      {},
	"assistant": {},
}

type InvokeRequest struct {
	AgentID  int64
	UserID   int64
	Messages []Message
}

type InvokeResult struct {
	Content string `json:"content"`
	ChatID  string `json:"chatId"`
}

// InferenceGate runs an agent for a user holding a usable grant. Each
// successful call consumes exactly one use; failed calls consume none.
type InferenceGate struct {
	registry *Registry
	ledger   *Ledger
	store    Store
	provider provider.Provider
	opts     Options
	log      *slog.Logger
	metrics  instruments
}

func NewInferenceGate(registry *Registry, ledger *Ledger, store Store, p provider.Provider, opts Options) *InferenceGate {
	opts = opts.withDefaults()
	return &InferenceGate{
		registry: registry,
		ledger:   ledger,
		store:    store,
		provider: p,
		opts:     opts,
		log:      opts.Logger.With("component", "inference"),
		metrics:  newInstruments(),
	}
}

func (g *InferenceGate) Invoke(ctx context.Context, req InvokeRequest) (res InvokeResult, err error) {
	ctx, span := startSpan(ctx, "market.Invoke", req.AgentID, req.UserID)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if req.UserID <= 0 {
		return InvokeResult{}, ErrUnauthenticated
	}
	ok, err := g.ledger.IsAuthorized(ctx, req.AgentID, req.UserID)
	if err != nil {
		return InvokeResult{}, err
	}
	if !ok {
		g.metrics.add(ctx, g.metrics.denials, attribute.String("op", "inference"))
		return InvokeResult{}, ErrForbidden
	}
	if err := validateMessages(req.Messages); err != nil {
		return InvokeResult{}, err
	}

	agent, err := g.registry.Get(ctx, req.AgentID)
	if err != nil {
		return InvokeResult{}, err
	}

	// Reserve before calling out so concurrent callers cannot overdraw the
	// grant between the check above and the provider answer.
	reserved, err := g.ledger.Reserve(ctx, agent.ID, req.UserID)
	if err != nil {
		return InvokeResult{}, err
	}
	if !reserved {
		g.metrics.add(ctx, g.metrics.denials, attribute.String("op", "inference"))
		return InvokeResult{}, ErrForbidden
	}

	input, err := json.Marshal(req.Messages)
	if err != nil {
		// Unreachable for plain string messages; give the use back anyway.
		g.release(ctx, agent.ID, req.UserID)
		return InvokeResult{}, invalid("messages", "not serializable")
	}

	start := g.opts.Now()
	out, callErr := g.provider.Complete(ctx, provider.Request{
		Model:      agent.Metadata.BaseModel,
		Messages:   req.Messages,
		Parameters: agent.Metadata.Parameters,
	})
	elapsed := g.opts.Now().Sub(start)

	entry := InferenceLog{
		AgentID:      agent.ID,
		UserID:       req.UserID,
		Input:        string(input),
		ProcessingMS: elapsed.Milliseconds(),
		CreatedAt:    g.opts.Now().UTC(),
	}

	if callErr != nil {
		g.release(ctx, agent.ID, req.UserID)
		msg := provider.ErrorMessage(callErr)
		entry.Status = InferenceFailed
		entry.Error = msg
		g.appendLog(ctx, entry)
		g.metrics.add(ctx, g.metrics.inferences, attribute.String("status", InferenceFailed))
		g.log.WarnContext(ctx, "inference failed",
			"agent_id", agent.ID,
			"user_id", req.UserID,
			"model", agent.Metadata.BaseModel,
			"err", callErr,
		)
		return InvokeResult{}, &ProviderError{Message: msg, Err: callErr}
	}

	entry.Status = InferenceSuccess
	entry.Output = out.Content
	entry.ChatID = out.ChatID
	g.appendLog(ctx, entry)
	g.metrics.add(ctx, g.metrics.inferences, attribute.String("status", InferenceSuccess))
	span.SetAttributes(attribute.Int64("inference.processing_ms", entry.ProcessingMS))
	g.log.InfoContext(ctx, "inference completed",
		"agent_id", agent.ID,
		"user_id", req.UserID,
		"chat_id", out.ChatID,
		"processing_ms", entry.ProcessingMS,
	)
	return InvokeResult{Content: out.Content, ChatID: out.ChatID}, nil
}

// release and appendLog run after the provider answered; they must not be
// cut short by a client that already went away.
func (g *InferenceGate) release(ctx context.Context, agentID, userID int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.ledger.Release(ctx, agentID, userID); err != nil {
		g.log.ErrorContext(ctx, "release usage", "agent_id", agentID, "user_id", userID, "err", err)
	}
}

func (g *InferenceGate) appendLog(ctx context.Context, l InferenceLog) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := g.store.AppendInferenceLog(ctx, l); err != nil {
		g.log.ErrorContext(ctx, "append inference log", "agent_id", l.AgentID, "user_id", l.UserID, "status", l.Status, "err", err)
	}
}

func validateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return invalid("messages", "required")
	}
	if len(msgs) > maxMessages {
		return invalid("messages", "too many messages")
	}
	for _, m := range msgs {
		if _, ok := messageRoles[m.Role]; !ok {
			return invalid("messages", "role must be system, user or assistant")
		}
		if strings.TrimSpace(m.Content) == "" {
			return invalid("messages", "content is required")
		}
	}
	return nil
}
