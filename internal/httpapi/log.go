package httpapi

import (
	"context"
	"log/slog"

	"github.com/go-chi/chi/v5/middleware"
)

func logger(ctx context.Context) *slog.Logger {
	l := slog.Default().With("component", "httpapi")
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		return l.With("req_id", reqID)
	}
	return l
}

func logError(ctx context.Context, msg string, err error) {
	if err == nil {
		return
	}
	logger(ctx).ErrorContext(ctx, msg, "err", err)
}

func logMsg(ctx context.Context, msg string, args ...any) {
	logger(ctx).WarnContext(ctx, msg, args...)
}
