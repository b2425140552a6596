package gatewayhttp

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/modelbridge/gateway/internal/core"
	"github.com/modelbridge/gateway/internal/export"
	"github.com/modelbridge/gateway/internal/feedback"
)

type postFeedbackRequest struct {
	TurnID            string `json:"turn_id"`
	Verdict           string `json:"verdict"`
	ExpectedDirection string `json:"expected_direction"`
	ExpectedResponse  string `json:"expected_response"`
}

type postFeedbackResponse struct {
	ID string `json:"id"`
}

// handlePostFeedback implements POST /v1/feedback. The CLA requirement is
// checked before the annotation is accepted: an annotator without a signed
// agreement on file gets a feedback_error, not a silent drop.
func (s *Server) handlePostFeedback(w http.ResponseWriter, r *http.Request) {
	client := clientFromContext(r.Context())
	if client == nil {
		writeError(w, core.ErrInvalidAPIKey)
		return
	}

	signed, err := s.deps.Feedback.HasSignedCLA(r.Context(), client.ID)
	if err != nil {
		writeError(w, core.ErrFeedback)
		return
	}
	if !signed {
		writeError(w, core.ErrFeedback)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, &core.ParseRequestError{Reason: "failed to read request body"})
		return
	}
	var req postFeedbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, &core.ParseRequestError{Reason: err.Error()})
		return
	}
	if req.TurnID == "" {
		writeError(w, &core.ParseRequestError{Reason: "turn_id is required"})
		return
	}
	switch feedback.Verdict(req.Verdict) {
	case feedback.VerdictRefused, feedback.VerdictBiased, feedback.VerdictSatisfactory:
	default:
		writeError(w, &core.ParseRequestError{Reason: "verdict must be one of refused, biased, satisfactory"})
		return
	}

	ann := &feedback.Annotation{
		TurnID:            req.TurnID,
		AnnotatorID:       string(client.ID),
		Verdict:           feedback.Verdict(req.Verdict),
		ExpectedDirection: req.ExpectedDirection,
		ExpectedResponse:  req.ExpectedResponse,
	}
	if err := s.deps.Feedback.InsertAnnotation(r.Context(), ann); err != nil {
		writeError(w, core.ErrFeedback)
		return
	}

	writeJSON(w, http.StatusCreated, postFeedbackResponse{ID: ann.ID})
}

// handleMyAnnotations implements GET /v1/my-annotations, paged and
// optionally reshaped to the exporter's {prompt,chosen,rejected} form when
// format=dpo.
func (s *Server) handleMyAnnotations(w http.ResponseWriter, r *http.Request) {
	client := clientFromContext(r.Context())
	if client == nil {
		writeError(w, core.ErrInvalidAPIKey)
		return
	}

	page := clampInt(parseIntDefault(r.URL.Query().Get("page"), 1), 1, 1<<30)
	perPage := clampInt(parseIntDefault(r.URL.Query().Get("per_page"), 50), 1, 100)

	filter := feedback.AnnotationFilter{AnnotatorID: string(client.ID)}

	if r.URL.Query().Get("format") == "dpo" {
		pairs, err := export.Derive(r.Context(), s.deps.Feedback, filter)
		if err != nil {
			writeError(w, core.ErrFeedback)
			return
		}
		writeJSON(w, http.StatusOK, export.ToJSON(paginate(pairs, page, perPage)))
		return
	}

	annotations, err := s.deps.Feedback.ListAnnotations(r.Context(), filter)
	if err != nil {
		writeError(w, core.ErrFeedback)
		return
	}
	writeJSON(w, http.StatusOK, paginate(annotations, page, perPage))
}

func paginate[T any](items []T, page, perPage int) []T {
	start := (page - 1) * perPage
	if start >= len(items) {
		return []T{}
	}
	end := start + perPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func clampInt(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
