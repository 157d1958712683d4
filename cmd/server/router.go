package main

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/enrich-api/internal/api"
	apiMiddleware "github.com/phrazzld/enrich-api/internal/api/middleware"
	"github.com/phrazzld/enrich-api/internal/service/auth"
	"github.com/phrazzld/enrich-api/internal/service/dispatch"
)

type routerDeps struct {
	logger         *slog.Logger
	jwtService     auth.JWTService
	batchHandler   *api.BatchHandler
	webhookHandler *api.WebhookHandler
}

// setupRouter creates and configures the application router with all routes and middleware.
func setupRouter(deps routerDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware(deps.logger))

	authMiddleware := apiMiddleware.NewAuthMiddleware(deps.jwtService)

	// The backend authenticates with the shared webhook secret, not a token.
	r.Post(dispatch.WebhookPath, deps.webhookHandler.BatchComplete)

	r.Route("/api/batches", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)
		r.Post("/", deps.batchHandler.SubmitBatch)
		r.Get("/", deps.batchHandler.ListBatches)
		r.Get("/{id}", deps.batchHandler.GetBatch)
		r.Post("/{id}/cancel", deps.batchHandler.CancelBatch)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			deps.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
