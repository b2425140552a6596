package gatewayhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelbridge/gateway/internal/affinity"
	"github.com/modelbridge/gateway/internal/auth"
	"github.com/modelbridge/gateway/internal/core"
	"github.com/modelbridge/gateway/internal/dialect"
	"github.com/modelbridge/gateway/internal/dialect/openaichat"
	"github.com/modelbridge/gateway/internal/feedback/sqlite"
	"github.com/modelbridge/gateway/internal/health"
	"github.com/modelbridge/gateway/internal/pipeline"
	"github.com/modelbridge/gateway/internal/ratelimit"
)

type fakeProber struct{}

func (fakeProber) Probe(ctx context.Context, backend core.BackendInfo, timeout time.Duration) (core.LatencyMs, error) {
	return 10, nil
}

func newTestServer(t *testing.T, backendURL string, withFeedback bool) http.Handler {
	t.Helper()
	h, _ := newTestServerWithStore(t, backendURL, withFeedback)
	return h
}

// newTestServerWithStore also returns the feedback store (nil unless
// withFeedback), so a test can seed turns for annotations to reference.
func newTestServerWithStore(t *testing.T, backendURL string, withFeedback bool) (http.Handler, *sqlite.Store) {
	t.Helper()
	key := core.NewAPIKey("mb-sk-test")
	client := core.ClientInfo{
		ID:            "client-1",
		AllowedModels: core.AllowedModels{All: true},
		RateLimit:     core.RateLimit{RequestsPerMinute: 1000},
	}
	authSvc := auth.NewService([]core.ClientInfo{client}, []core.APIKey{key})

	backend := core.BackendInfo{
		ID: "b1", Spec: core.BackendSpecOpenAIChat, Models: []core.ModelId{"gpt-4o"},
		MaxConcurrent: 10, BaseURL: backendURL,
	}
	hm := health.NewManager([]core.BackendInfo{backend}, fakeProber{}, health.DefaultConfig())
	hm.Seed(backend.ID, core.BackendHealthy)

	var fb *sqlite.Store
	if withFeedback {
		var err error
		fb, err = sqlite.New(t.TempDir() + "/feedback.db")
		if err != nil {
			t.Fatalf("open feedback store: %v", err)
		}
		t.Cleanup(func() { fb.Close() })
		if err := fb.RecordCLA(context.Background(), client.ID, ""); err != nil {
			t.Fatalf("record cla: %v", err)
		}
	}

	pl := pipeline.New(pipeline.Deps{
		Auth:     authSvc,
		Limiters: ratelimit.NewRegistry(),
		Quota:    ratelimit.NewQuotaTracker(),
		Affinity: affinity.New(100),
		Health:   hm,
		Backends: []core.BackendInfo{backend},
		Inbound:  dialect.NewInboundRegistry(openaichat.NewInbound()),
		Outbound: dialect.NewOutboundRegistry(openaichat.NewOutbound()),
		Clients:  map[core.BackendId]*http.Client{backend.ID: http.DefaultClient},
	})

	deps := Deps{Auth: authSvc, Pipeline: pl, Health: hm}
	if withFeedback {
		deps.Feedback = fb
	}
	return New(deps), fb
}

func TestChatCompletionsHappyPath(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "resp-1", "model": "gpt-4o",
			"choices": []map[string]any{{"index": 0, "message": map[string]string{"role": "assistant", "content": "hi"}, "finish_reason": "stop"}},
			"usage":   map[string]int{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
	defer backendSrv.Close()

	h := newTestServer(t, backendSrv.URL, false)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer mb-sk-test")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"content":"hi"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestChatCompletionsInvalidKey(t *testing.T) {
	h := newTestServer(t, "http://unused", false)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Type != "authentication_error" {
		t.Fatalf("unexpected error type: %s", body.Error.Type)
	}
}

func TestHealthReportsOkWhenBackendHealthy(t *testing.T) {
	h := newTestServer(t, "http://unused", false)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestPostFeedbackDisabledReturnsNotFound(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backendSrv.Close()

	// withFeedback=false still wires a nil Feedback store, so the route
	// isn't registered at all -- this exercises the "feedback disabled"
	// path returning 404 from the router rather than the feedback handler.
	h := newTestServer(t, backendSrv.URL, false)
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer mb-sk-test")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when feedback is disabled, got %d", w.Code)
	}
}

func TestPostFeedbackAndListMyAnnotations(t *testing.T) {
	h, fb := newTestServerWithStore(t, "http://unused", true)

	// annotations.turn_id references turns, so the annotated turn must exist.
	ctx := context.Background()
	if err := fb.RecordExchange(ctx, "conv-1", "client-1", "gpt-4o", "hi", "hello"); err != nil {
		t.Fatalf("record exchange: %v", err)
	}
	turns, err := fb.ListTurns(ctx, "conv-1")
	if err != nil || len(turns) == 0 {
		t.Fatalf("list turns: %v (got %d)", err, len(turns))
	}

	postReq := httptest.NewRequest(http.MethodPost, "/v1/feedback",
		strings.NewReader(`{"turn_id":"`+turns[len(turns)-1].ID+`","verdict":"refused","expected_response":"be nicer"}`))
	postReq.Header.Set("Authorization", "Bearer mb-sk-test")
	postW := httptest.NewRecorder()
	h.ServeHTTP(postW, postReq)

	if postW.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", postW.Code, postW.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/my-annotations", nil)
	listReq.Header.Set("Authorization", "Bearer mb-sk-test")
	listW := httptest.NewRecorder()
	h.ServeHTTP(listW, listReq)

	if listW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", listW.Code, listW.Body.String())
	}
	if !strings.Contains(listW.Body.String(), `"refused"`) {
		t.Fatalf("expected listed annotation in body: %s", listW.Body.String())
	}
}

func TestChatCompletionsStreamHappyPath(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(`data: {"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"hi"},"finish_reason":null}]}` + "\n\n"))
		_, _ = w.Write([]byte(`data: {"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer backendSrv.Close()

	h := newTestServer(t, backendSrv.URL, false)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	req.Header.Set("Authorization", "Bearer mb-sk-test")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"content":"hi"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "[DONE]") {
		t.Fatalf("expected done sentinel in body: %s", w.Body.String())
	}
}

// TestChatCompletionsStreamInvalidKeyReturnsStatusNotSSEError asserts that a
// streaming request failing in the prelude (here, an invalid API key) gets
// the same non-2xx JSON error envelope as the buffered path, not an
// implicit 200 with the error carried in-band as an SSE data event.
func TestChatCompletionsStreamInvalidKeyReturnsStatusNotSSEError(t *testing.T) {
	h := newTestServer(t, "http://unused", false)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); strings.Contains(ct, "text/event-stream") {
		t.Fatalf("expected a JSON error response, got SSE content-type %q", ct)
	}
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (body: %s)", err, w.Body.String())
	}
	if body.Error.Type != "authentication_error" {
		t.Fatalf("unexpected error type: %s", body.Error.Type)
	}
}

// TestChatCompletionsStreamNon2xxBackendReturnsStatusNotSSEError asserts the
// same for a non-2xx backend response: it must surface as a normal HTTP
// error status, not an in-band SSE error under an implicit 200.
func TestChatCompletionsStreamNon2xxBackendReturnsStatusNotSSEError(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited upstream"}`))
	}))
	defer backendSrv.Close()

	h := newTestServer(t, backendSrv.URL, false)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	req.Header.Set("Authorization", "Bearer mb-sk-test")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code == http.StatusOK {
		t.Fatalf("expected a non-2xx status, got 200: %s", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); strings.Contains(ct, "text/event-stream") {
		t.Fatalf("expected a JSON error response, got SSE content-type %q", ct)
	}
}
