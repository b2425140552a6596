// Package feedback defines the conversation/turn/annotation model used to
// collect human feedback on gateway traffic (§4.12) and the Store
// interface its SQLite implementation satisfies.
package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/modelbridge/gateway/internal/core"
)

// Verdict is an annotator's judgment of one turn.
type Verdict string

const (
	VerdictSatisfactory Verdict = "satisfactory"
	VerdictRefused      Verdict = "refused"
	VerdictBiased       Verdict = "biased"
)

// Role mirrors core.Role for the two turn kinds feedback cares about.
type Role = core.Role

// Conversation groups the turns of one exchange (or sequence of exchanges)
// under a single client-supplied or generated id.
type Conversation struct {
	ID        string
	ClientID  core.ClientId
	ModelID   core.ModelId
	CreatedAt time.Time
}

// Turn is one message (user or assistant) within a conversation.
type Turn struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	TokenCount     uint64
	CreatedAt      time.Time
}

// Annotation is a human judgment attached to a turn.
type Annotation struct {
	ID               string
	TurnID           string
	AnnotatorID      string
	Verdict          Verdict
	ExpectedDirection string
	ExpectedResponse  string
	CreatedAt        time.Time
}

// ClaRecord tracks an annotator's signed contributor agreement. ClientID
// doubles as the annotator id: the gateway only accepts annotations from
// clients holding a valid API key, and CLA acceptance is recorded once per
// client (§4.12).
type ClaRecord struct {
	ClientID       core.ClientId
	SignedAt       time.Time
	GithubUsername string
}

// AnnotationFilter narrows ListAnnotations. Zero-value fields are
// unconstrained.
type AnnotationFilter struct {
	AnnotatorID string
	ModelID     core.ModelId
	Verdict     Verdict
	Since       *time.Time
	Until       *time.Time
}

// Store persists conversations, turns, annotations and CLA records. The
// SQLite implementation in internal/feedback/sqlite satisfies this.
type Store interface {
	// RecordExchange inserts a conversation (if it doesn't exist yet) and
	// appends a user turn followed by an assistant turn. This is the single
	// entry point the pipeline's buffered path calls after a successful
	// response (§4.10 step 16).
	RecordExchange(ctx context.Context, conversationID string, clientID core.ClientId, modelID core.ModelId, userContent, assistantContent string) error

	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversationsByClient(ctx context.Context, clientID core.ClientId, offset, limit int) ([]*Conversation, error)
	ListTurns(ctx context.Context, conversationID string) ([]*Turn, error)
	GetTurn(ctx context.Context, id string) (*Turn, error)

	InsertAnnotation(ctx context.Context, a *Annotation) error
	ListAnnotations(ctx context.Context, filter AnnotationFilter) ([]*Annotation, error)

	RecordCLA(ctx context.Context, clientID core.ClientId, githubUsername string) error
	HasSignedCLA(ctx context.Context, clientID core.ClientId) (bool, error)

	Close() error
}

// ErrNotFound is returned when a lookup by id finds nothing. It wraps
// core.ErrFeedback, so errors.Is(err, core.ErrFeedback) also holds; the
// HTTP surface's error-to-status switch checks ErrNotFound first and maps
// it to 404.
var ErrNotFound = fmt.Errorf("feedback record not found: %w", core.ErrFeedback)
