// Package provider reaches external inference services on behalf of the
// inference gate. Each call is a single attempt; callers decide what a
// failure means for the user's usage budget.
package provider

import (
	"context"
	"encoding/json"
	"errors"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model      string
	Messages   []Message
	Parameters json.RawMessage
}

type Result struct {
	Content string
	ChatID  string
}

// Provider completes a chat conversation.
type Provider interface {
	Complete(ctx context.Context, req Request) (Result, error)
}

// Error is a non-success answer from the remote service. Message is safe to
// show to the end user.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "inference failed"
	}
	return e.Message
}

// ErrorMessage extracts the user-facing message of err.
func ErrorMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "inference timed out"
	}
	return "inference failed"
}
