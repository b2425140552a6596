// Package gatewayhttp is the HTTP transport for the gateway: it decodes
// chat-completion requests, drives internal/pipeline, and exposes the
// feedback/health endpoints from §6.
package gatewayhttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelbridge/gateway/internal/auth"
	"github.com/modelbridge/gateway/internal/feedback"
	"github.com/modelbridge/gateway/internal/health"
	"github.com/modelbridge/gateway/internal/pipeline"
)

// Deps collects the dependencies the HTTP surface needs. Feedback may be
// nil, which disables the feedback endpoints; the pipeline's feedback
// recording step is switched separately by pipeline.Deps.Feedback.
type Deps struct {
	Auth     *auth.Service
	Pipeline *pipeline.Pipeline
	Health   *health.Manager
	Feedback feedback.Store
}

// Server holds the wired dependencies behind the chi router built by New.
type Server struct {
	deps Deps
}

// New builds the full HTTP handler: middleware, the chat-completions route,
// /health, and (when Feedback is configured) the feedback endpoints.
func New(deps Deps) http.Handler {
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(recovery)
	r.Use(requestID)
	r.Use(logging)

	r.Get("/health", s.handleHealth)

	// No authenticate middleware here: the pipeline itself extracts and
	// validates the bearer token as part of its ordered steps (§4.10),
	// specifically after parsing the body, so a malformed request is never
	// reported as an auth failure even when the key is also bad.
	r.Post("/v1/chat/completions", s.handleChatCompletions)

	if deps.Feedback != nil {
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/v1/feedback", s.handlePostFeedback)
			r.Get("/v1/my-annotations", s.handleMyAnnotations)
		})
	}

	return r
}
