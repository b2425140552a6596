package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/modelbridge/gateway/internal/core"
)

// HTTPProber probes a backend with a GET to its dialect's liveness path:
// /v1/models for openai-chat, /api/tags for ollama.
type HTTPProber struct {
	// Clients holds one *http.Client per backend, keyed by id, so a probe
	// reuses the same auth transport (plain, GCP OAuth, AWS SigV4) and
	// connection pool as that backend's own request-forwarding client.
	Clients map[core.BackendId]*http.Client
}

// NewHTTPProber builds a prober over the given per-backend clients, so DNS
// caching, connection pooling, and auth transports set up for request
// forwarding are reused for health checks too.
func NewHTTPProber(clients map[core.BackendId]*http.Client) *HTTPProber {
	return &HTTPProber{Clients: clients}
}

func livenessPath(spec core.BackendSpec) string {
	switch spec {
	case core.BackendSpecOllama:
		return "/api/tags"
	default:
		return "/v1/models"
	}
}

func (p *HTTPProber) clientFor(id core.BackendId) *http.Client {
	if c := p.Clients[id]; c != nil {
		return c
	}
	return http.DefaultClient
}

func (p *HTTPProber) Probe(ctx context.Context, backend core.BackendInfo, timeout time.Duration) (core.LatencyMs, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := backend.BaseURL + livenessPath(backend.Spec)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	if backend.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+backend.APIKey)
	}

	start := time.Now()
	resp, err := p.clientFor(backend.ID).Do(req)
	if err != nil {
		return 0, &core.BackendConnectionError{Backend: backend.ID, Cause: err}
	}
	defer resp.Body.Close()
	elapsed := core.LatencyMs(time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("probe %s: unexpected status %d", backend.ID, resp.StatusCode)
	}
	return elapsed, nil
}
