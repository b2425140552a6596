// Package pipeline wires auth, rate limiting, quota tracking, cache
// affinity, routing, health and the dialect adapters into the two request
// paths the gateway serves: buffered (§4.10) and streaming (§4.11).
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/modelbridge/gateway/internal/affinity"
	"github.com/modelbridge/gateway/internal/auth"
	"github.com/modelbridge/gateway/internal/core"
	"github.com/modelbridge/gateway/internal/dialect"
	"github.com/modelbridge/gateway/internal/health"
	"github.com/modelbridge/gateway/internal/ratelimit"
	"github.com/modelbridge/gateway/internal/routing"
	"github.com/modelbridge/gateway/internal/sse"
)

// FeedbackRecorder records the two turns (user, assistant) of a completed
// buffered exchange. Implemented by internal/feedback; nil disables
// recording entirely.
type FeedbackRecorder interface {
	RecordExchange(ctx context.Context, conversationID string, client core.ClientId, model core.ModelId, userContent, assistantContent string) error
}

// Deps collects every component the pipeline orchestrates. All fields are
// required except Strategy, PrefixDepth, DisableCacheAffinity and Feedback.
type Deps struct {
	Auth     *auth.Service
	Limiters *ratelimit.Registry
	Quota    *ratelimit.QuotaTracker
	Affinity *affinity.Map
	Health   *health.Manager
	Backends []core.BackendInfo
	Inbound  *dialect.InboundRegistry
	Outbound *dialect.OutboundRegistry
	// Clients holds one *http.Client per backend, keyed by id, so each
	// backend's own auth transport (plain, GCP OAuth, AWS SigV4) and HTTP
	// version preference is used for that backend's own traffic rather
	// than an arbitrary shared client.
	Clients  map[core.BackendId]*http.Client
	Feedback FeedbackRecorder

	Strategy             routing.Strategy
	PrefixDepth          int
	DisableCacheAffinity bool
}

// Pipeline is the orchestrator shared by the buffered and streaming
// handlers. It holds no per-request state beyond the round-robin counter.
type Pipeline struct {
	deps         Deps
	backendsByID map[core.BackendId]core.BackendInfo
	round        atomic.Uint64
}

// New builds a Pipeline over deps, indexing backends by id for lookup after
// routing picks one.
func New(deps Deps) *Pipeline {
	if deps.PrefixDepth == 0 {
		deps.PrefixDepth = 3
	}
	byID := make(map[core.BackendId]core.BackendInfo, len(deps.Backends))
	for _, b := range deps.Backends {
		byID[b.ID] = b
	}
	return &Pipeline{deps: deps, backendsByID: byID}
}

// clientFor returns the backend's own configured client, falling back to
// http.DefaultClient only if the caller forgot to wire one — every backend
// built from config via cmd/gateway always has an entry.
func (p *Pipeline) clientFor(id core.BackendId) *http.Client {
	if c := p.deps.Clients[id]; c != nil {
		return c
	}
	return http.DefaultClient
}

// Request is one inbound chat-completion call. ConversationID, when set,
// identifies the feedback conversation the two recorded turns belong to
// (§4.10 step 16); the HTTP surface is responsible for reading
// X-Conversation-Id and generating one when absent or invalid.
type Request struct {
	RequestID      core.RequestId
	ConversationID string
	APIKey         core.APIKey
	Dialect        string
	Body           []byte
}

// resolved is the shared prelude both HandleBuffered and HandleStream run:
// parse, auth, permission, rate limit, quota check, affinity lookup,
// routing, and backend resolution.
type resolved struct {
	client     *core.ClientInfo
	creq       core.CanonicalRequest
	inbound    dialect.InboundAdapter
	outbound   dialect.OutboundAdapter
	backend    core.BackendInfo
	prefixHash core.PrefixHash
	hasPrefix  bool
	period     core.YearMonth
}

// prelude parses the request before authenticating it: a malformed body is
// always a plain invalid_request_error, never conflated with an auth
// failure, matching §4.10's ordering tie-break.
func (p *Pipeline) prelude(req Request) (resolved, error) {
	inbound, ok := p.deps.Inbound.Get(req.Dialect)
	if !ok {
		return resolved{}, &core.ParseRequestError{Reason: fmt.Sprintf("unsupported dialect %q", req.Dialect)}
	}

	creq, err := inbound.ParseRequest(req.Body)
	if err != nil {
		return resolved{}, err
	}

	client, err := p.deps.Auth.Validate(req.APIKey)
	if err != nil {
		return resolved{}, err
	}
	creq.Metadata.RequestID = req.RequestID
	creq.Metadata.ClientID = client.ID

	if err := auth.CheckModelPermission(client, creq.Model); err != nil {
		return resolved{}, err
	}

	now := time.Now().UTC()

	limiter := p.deps.Limiters.GetOrCreate(client.ID, client.RateLimit.RequestsPerMinute)
	if err := limiter.Check(uint64(now.UnixMilli())); err != nil {
		return resolved{}, err
	}

	period := core.NewYearMonth(uint16(now.Year()), uint8(now.Month()))
	if err := p.deps.Quota.Check(client.ID, creq.Metadata.EstimatedInputTokens, client.Quota, period); err != nil {
		return resolved{}, err
	}

	var hint *core.BackendId
	var prefixHash core.PrefixHash
	hasPrefix := !p.deps.DisableCacheAffinity
	if hasPrefix {
		prefixHash = affinity.ComputePrefixHash(creq.Messages, p.deps.PrefixDepth)
		creq.Metadata.PrefixHash = &prefixHash
		if backendID, ok := p.deps.Affinity.Get(creq.Model, prefixHash); ok {
			hint = &backendID
		}
	}

	backendID, err := routing.SelectBackend(p.deps.Health.Snapshot(), creq.Model, p.deps.Strategy, p.round.Add(1), hint)
	if err != nil {
		return resolved{}, err
	}
	backend, ok := p.backendsByID[backendID]
	if !ok {
		return resolved{}, &core.NoHealthyBackendError{Model: creq.Model}
	}

	outbound, ok := p.deps.Outbound.Get(backend.Spec)
	if !ok {
		return resolved{}, fmt.Errorf("no outbound adapter registered for backend spec %q", backend.Spec)
	}

	return resolved{
		client:     client,
		creq:       creq,
		inbound:    inbound,
		outbound:   outbound,
		backend:    backend,
		prefixHash: prefixHash,
		hasPrefix:  hasPrefix,
		period:     period,
	}, nil
}

func (p *Pipeline) buildBackendRequest(ctx context.Context, r resolved, stream bool) (*http.Request, error) {
	creq := r.creq
	creq.Stream = stream
	body, err := r.outbound.BuildRequestBody(creq)
	if err != nil {
		return nil, err
	}
	url := r.backend.BaseURL + r.outbound.InferencePath()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &core.BackendConnectionError{Backend: r.backend.ID, Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	switch r.backend.AuthType {
	case core.AuthTypeAPIKey:
		httpReq.Header.Set("Authorization", "Bearer "+r.backend.APIKey)
	}
	for k, v := range r.outbound.ExtraHeaders(r.backend) {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// HandleBuffered implements §4.10: parse, authenticate, route, forward, and
// return the formatted response body in one round trip.
func (p *Pipeline) HandleBuffered(ctx context.Context, req Request) ([]byte, error) {
	r, err := p.prelude(req)
	if err != nil {
		return nil, err
	}

	p.deps.Health.MarkRequestStarted(r.backend.ID)
	defer p.deps.Health.MarkRequestCompleted(r.backend.ID)

	httpReq, err := p.buildBackendRequest(ctx, r, false)
	if err != nil {
		return nil, err
	}
	resp, err := p.clientFor(r.backend.ID).Do(httpReq)
	if err != nil {
		p.deps.Health.RecordOutcome(r.backend.ID, err)
		return nil, &core.BackendConnectionError{Backend: r.backend.ID, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		p.deps.Health.RecordOutcome(r.backend.ID, err)
		return nil, &core.BackendConnectionError{Backend: r.backend.ID, Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := &core.BackendHTTPStatusError{Backend: r.backend.ID, Status: resp.StatusCode, Body: string(body)}
		p.deps.Health.RecordOutcome(r.backend.ID, statusErr)
		return nil, statusErr
	}
	p.deps.Health.RecordOutcome(r.backend.ID, nil)

	cresp, err := r.outbound.ParseResponse(body)
	if err != nil {
		return nil, err
	}

	p.deps.Quota.Record(r.client.ID, cresp.Usage.TotalTokens, r.period)
	if r.hasPrefix {
		p.deps.Affinity.Record(r.creq.Model, r.prefixHash, r.backend.ID)
	}

	if p.deps.Feedback != nil {
		p.recordFeedback(ctx, req, r, cresp)
	}

	return r.inbound.FormatResponse(cresp)
}

// recordFeedback stores the last user message and the assistant's reply as
// two turns of the request's conversation. Failures are logged and dropped
// per §7 — feedback recording never surfaces an error to the chat caller.
func (p *Pipeline) recordFeedback(ctx context.Context, req Request, r resolved, cresp core.CanonicalResponse) {
	userContent := lastUserMessageText(r.creq.Messages)
	assistantContent := firstAssistantChoiceText(cresp)
	if userContent == "" || assistantContent == "" {
		return
	}
	if err := p.deps.Feedback.RecordExchange(ctx, req.ConversationID, r.client.ID, r.creq.Model, userContent, assistantContent); err != nil {
		slog.Warn("feedback recording failed", "error", err, "conversation_id", req.ConversationID)
	}
}

func lastUserMessageText(messages []core.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == core.RoleUser {
			return flattenContent(messages[i].Content)
		}
	}
	return ""
}

func firstAssistantChoiceText(resp core.CanonicalResponse) string {
	for _, c := range resp.Choices {
		if c.Message.Role == core.RoleAssistant {
			return flattenContent(c.Message.Content)
		}
	}
	return ""
}

func flattenContent(c core.MessageContent) string {
	if !c.IsParts {
		return c.Text
	}
	text := ""
	for _, part := range c.Parts {
		if part.Type == core.ContentText {
			text += part.Text
		}
	}
	return text
}

// StreamSink receives formatted SSE payloads. Write is called once per
// event (the adapter's formatted chunk text, without "data: " framing or
// trailing newlines — the caller owns wire framing); Flush is called after
// every Write so the transport pushes bytes immediately.
type StreamSink interface {
	Write(event string) error
	Flush()
}

// StreamConnection is a prelude-resolved request with its backend response
// already connected and status-checked, ready for StreamBody. Every error
// that can occur before one of these exists (see ConnectStream) happens
// before any byte reaches the client; every error that can occur once one
// exists (see StreamBody) happens only after the caller has started writing
// SSE bytes to the client.
type StreamConnection struct {
	r    resolved
	resp *http.Response
}

// ConnectStream implements the pre-streaming portion of §4.11: the shared
// prelude, backend request construction, and the initial connect plus
// status check. Because nothing has been written to the client yet, the
// caller should map any error here through the same non-2xx status path
// HandleBuffered's errors take (§4.11 step 12: "If non-2xx, return the
// buffered error path").
func (p *Pipeline) ConnectStream(ctx context.Context, req Request) (*StreamConnection, error) {
	r, err := p.prelude(req)
	if err != nil {
		return nil, err
	}

	p.deps.Health.MarkRequestStarted(r.backend.ID)

	httpReq, err := p.buildBackendRequest(ctx, r, true)
	if err != nil {
		p.deps.Health.MarkRequestCompleted(r.backend.ID)
		return nil, err
	}
	resp, err := p.clientFor(r.backend.ID).Do(httpReq)
	if err != nil {
		p.deps.Health.RecordOutcome(r.backend.ID, err)
		p.deps.Health.MarkRequestCompleted(r.backend.ID)
		return nil, &core.BackendConnectionError{Backend: r.backend.ID, Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		statusErr := &core.BackendHTTPStatusError{Backend: r.backend.ID, Status: resp.StatusCode, Body: string(body)}
		p.deps.Health.RecordOutcome(r.backend.ID, statusErr)
		p.deps.Health.MarkRequestCompleted(r.backend.ID)
		return nil, statusErr
	}
	p.deps.Health.RecordOutcome(r.backend.ID, nil)

	return &StreamConnection{r: r, resp: resp}, nil
}

// StreamBody implements the streaming portion of §4.11: the already
// connected backend response is read as a line stream and each line is
// translated and pushed through sink as it arrives, rather than buffered in
// full. Any error returned here occurs after the caller has begun writing
// SSE bytes, so it cannot be remapped to a status code and must be
// surfaced in-band. Streaming never records quota usage (backends may not
// report final token counts mid-stream) and never records feedback turns —
// both are §4.10-only steps per the spec.
func (p *Pipeline) StreamBody(ctx context.Context, conn *StreamConnection, sink StreamSink) error {
	r := conn.r
	defer p.deps.Health.MarkRequestCompleted(r.backend.ID)
	defer conn.resp.Body.Close()

	reassembler := sse.New(conn.resp.Body)
	for {
		line, ok := reassembler.Next()
		if !ok {
			break
		}

		chunk, ok, err := r.outbound.ParseStreamLine(line.Payload)
		if err != nil {
			// Malformed upstream chunks are not fatal; skip and keep reading.
			slog.Debug("dropping unparseable stream chunk", "backend", r.backend.ID, "error", err)
			continue
		}
		if !ok {
			break // backend's own done sentinel
		}

		formatted, ok, err := r.inbound.FormatStreamChunk(chunk)
		if err != nil {
			slog.Debug("dropping unformattable stream chunk", "backend", r.backend.ID, "error", err)
			continue
		}
		if ok {
			if err := sink.Write(formatted); err != nil {
				return err
			}
			sink.Flush()
		}
		if chunk.HasFinish() {
			break
		}
	}

	if ctx.Err() != nil {
		// Client disconnected: stop without the done sentinel.
		return ctx.Err()
	}

	if err := sink.Write(r.inbound.DoneSentinel()); err != nil {
		return err
	}
	sink.Flush()

	if r.hasPrefix {
		p.deps.Affinity.Record(r.creq.Model, r.prefixHash, r.backend.ID)
	}
	return nil
}

// HandleStream implements §4.11 end to end: connect, then stream the body.
// Callers that need to map pre-connection errors to a distinct HTTP status
// from mid-stream errors (the HTTP surface does, per ConnectStream's and
// StreamBody's doc comments) should call those two methods directly instead.
func (p *Pipeline) HandleStream(ctx context.Context, req Request, sink StreamSink) error {
	conn, err := p.ConnectStream(ctx, req)
	if err != nil {
		return err
	}
	return p.StreamBody(ctx, conn, sink)
}
