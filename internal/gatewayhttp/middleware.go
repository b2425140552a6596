package gatewayhttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/modelbridge/gateway/internal/core"
)

type requestIDKey struct{}

// requestIDFromContext returns the request id stashed by the requestID
// middleware, or "" if absent (e.g. in a unit test that bypasses it).
func requestIDFromContext(ctx context.Context) core.RequestId {
	if id, ok := ctx.Value(requestIDKey{}).(core.RequestId); ok {
		return id
	}
	return ""
}

const requestIDHeader = "X-Request-Id"

// requestID assigns a UUIDv7 request id to every call, honoring a
// client-supplied header only when it parses as a UUID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, core.RequestId(id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusWriter captures the status code written, so logging middleware can
// report it after the handler runs.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// logging emits one structured log line per request.
func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", string(requestIDFromContext(r.Context()))),
		)
	})
}

// recovery turns a panic into a 500 server_error instead of crashing the
// listener goroutine.
func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, newErrorBody("internal server error", "server_error", http.StatusInternalServerError))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// clientIdentityKey stashes the authenticated ClientInfo for handlers that
// run after the authenticate middleware.
type clientIdentityKey struct{}

func contextWithClient(ctx context.Context, c *core.ClientInfo) context.Context {
	return context.WithValue(ctx, clientIdentityKey{}, c)
}

func clientFromContext(ctx context.Context) *core.ClientInfo {
	c, _ := ctx.Value(clientIdentityKey{}).(*core.ClientInfo)
	return c
}

// bearerToken extracts the credential from "Authorization: Bearer <key>" or
// "X-Api-Key: <key>" (the latter accepted only where the spec allows it,
// i.e. the feedback endpoints).
func bearerToken(r *http.Request) (core.APIKey, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return core.NewAPIKey(auth[len(prefix):]), true
	}
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return core.NewAPIKey(key), true
	}
	return core.APIKey{}, false
}

// authenticate validates the bearer/api-key header and, on success, stashes
// the resolved ClientInfo in context for downstream handlers (used by the
// feedback endpoints, which authenticate outside the pipeline).
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r)
		if !ok {
			writeError(w, core.ErrInvalidAPIKey)
			return
		}
		client, err := s.deps.Auth.Validate(key)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := contextWithClient(r.Context(), client)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
