package gatewayhttp

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/modelbridge/gateway/internal/core"
	"github.com/modelbridge/gateway/internal/pipeline"
)

const maxBodyBytes = 16 << 20

// conversationID resolves X-Conversation-Id per §9: used verbatim when it
// parses as a UUID, otherwise a fresh one is generated.
func conversationID(r *http.Request) string {
	if id := r.Header.Get("X-Conversation-Id"); id != "" {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	return uuid.Must(uuid.NewV7()).String()
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, &core.ParseRequestError{Reason: "failed to read request body"})
		return
	}

	// Only "Authorization: Bearer <key>" is read here; X-Api-Key is honored
	// on the feedback endpoints alone. An absent/malformed key surfaces as
	// InvalidApiKey from the pipeline itself.
	var key core.APIKey
	if h := r.Header.Get("Authorization"); len(h) > len("Bearer ") && h[:len("Bearer ")] == "Bearer " {
		key = core.NewAPIKey(h[len("Bearer "):])
	}

	req := pipeline.Request{
		RequestID:      requestIDFromContext(r.Context()),
		ConversationID: conversationID(r),
		APIKey:         key,
		Dialect:        "openai-chat",
		Body:           body,
	}

	if isStreamingRequest(body) {
		s.handleChatCompletionsStream(w, r, req)
		return
	}

	out, err := s.deps.Pipeline.HandleBuffered(r.Context(), req)
	if err != nil {
		writeErrorWithRetryAfter(w, err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// isStreamingRequest peeks the raw body for "stream":true without a full
// unmarshal, since the dialect's own parse happens later inside the
// pipeline and duplicating it here would cost a second full decode.
func isStreamingRequest(body []byte) bool {
	return jsonBoolTrue(body, `"stream"`)
}

func jsonBoolTrue(body []byte, key string) bool {
	idx := indexOf(body, key)
	if idx < 0 {
		return false
	}
	rest := body[idx+len(key):]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case ' ', '\t', '\n', '\r', ':':
			continue
		case 't':
			return true
		default:
			return false
		}
	}
	return false
}

func indexOf(haystack []byte, needle string) int {
	n := len(needle)
	for i := 0; i+n <= len(haystack); i++ {
		if string(haystack[i:i+n]) == needle {
			return i
		}
	}
	return -1
}

var (
	sseDataPrefix = []byte("data: ")
	sseNewline    = []byte("\n\n")
)

type httpStreamSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *httpStreamSink) Write(event string) error {
	if _, err := s.w.Write(sseDataPrefix); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte(event)); err != nil {
		return err
	}
	_, err := s.w.Write(sseNewline)
	return err
}

func (s *httpStreamSink) Flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *Server) handleChatCompletionsStream(w http.ResponseWriter, r *http.Request, req pipeline.Request) {
	// ConnectStream covers the prelude (auth, rate limit, quota, routing)
	// plus the backend connect and status check, none of which has written
	// anything to w yet, so these errors take the same buffered error path
	// as a non-streaming request (§4.11 step 12).
	conn, err := s.deps.Pipeline.ConnectStream(r.Context(), req)
	if err != nil {
		writeErrorWithRetryAfter(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	sink := &httpStreamSink{w: w, flusher: flusher}

	// Only StreamBody's errors happen after bytes are already on the wire,
	// so only these legitimately have to stay in-band as an SSE error event.
	if err := s.deps.Pipeline.StreamBody(r.Context(), conn, sink); err != nil {
		if r.Context().Err() != nil {
			return // client disconnected; nothing left to write
		}
		status, kind := errorStatusAndKind(err)
		_ = sink.Write(`{"error":{"message":"` + jsonEscape(err.Error()) + `","type":"` + kind + `","code":` + strconv.Itoa(status) + `}}`)
		sink.Flush()
	}
}

func jsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			out = append(out, '\\', s[i])
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

// writeErrorWithRetryAfter writes the standard error envelope, additionally
// setting Retry-After when the error carries a retry hint.
func writeErrorWithRetryAfter(w http.ResponseWriter, err error) {
	var rl *core.RateLimitedError
	if errors.As(err, &rl) {
		seconds := rl.RetryAfterMs/1000 + 1
		w.Header().Set("Retry-After", strconv.FormatUint(seconds, 10))
	}
	writeError(w, err)
}
