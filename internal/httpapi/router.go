package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(d Deps) http.Handler {
	sch, err := compileSchemas()
	if err != nil {
		// The schemas are constants; this only fails on a bad edit.
		panic("httpapi: " + err.Error())
	}

	var lim limiter = newIPRateLimiter(d.RateLimitPerMinute)
	if d.Redis != nil {
		lim = newRedisRateLimiter(d.Redis, d.RateLimitPerMinute)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(serverErrorLoggerMiddleware)
	r.Use(newCORSPolicy(d.CORSOrigins).middleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(rateLimitMiddleware(lim))
	r.Use(middleware.Heartbeat("/healthz"))

	s := server{
		svc:        d.Services,
		pepper:     d.Pepper,
		adminToken: d.AdminToken,
		sessions:   d.Sessions,
		keyset:     d.Keyset,
		schemas:    sch,
	}

	r.Route("/v1", func(r chi.Router) {
		// Public
		r.Get("/agents", s.handleListAgents)
		r.Get("/agents/{agentID}", s.handleGetAgent)
		r.Get("/platform/signing-keys", s.handleListPlatformSigningKeys)

		r.With(s.optionalAuthMiddleware).Get("/agents/{agentID}/authorization", s.handleGetAuthorization)

		// User
		r.Group(func(r chi.Router) {
			r.Use(s.userAuthMiddleware)
			r.Get("/me", s.handleGetMe)
			r.Put("/me", s.handleUpdateMe)
			r.Get("/me/transactions", s.handleListTransactions)
			r.Post("/auth/session", s.handleCreateSession)

			r.Post("/agents", s.handleCreateAgent)
			r.Get("/agents/authorized", s.handleListAuthorizedAgents)
			r.Post("/agents/{agentID}/purchase", s.handlePurchaseAgent)
			r.Post("/agents/{agentID}/inference", s.handleAgentInference)
			r.Get("/agents/{agentID}/grant", s.handleGetGrant)

			r.Post("/agents/{agentID}/publish", s.handlePublishAgent)
			r.Get("/agents/{agentID}/metadata", s.handleGetAgentMetadata)
			r.Post("/agents/{agentID}/metadata/credentials", s.handleAgentMetadataCredentials)

			r.Get("/agents/compositions", s.handleListCompositions)
			r.Post("/agents/compositions", s.handleCreateComposition)
		})

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(s.adminAuthMiddleware)
			r.Post("/admin/users", s.handleAdminCreateUser)
		})
	})

	return r
}
