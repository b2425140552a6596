// Package export derives preference-training pairs from annotated
// conversation turns (§4.13): for every annotation carrying a usable
// correction, it pairs the rejected assistant reply against the
// annotator's preferred response, anchored to the user turn that prompted
// it.
package export

import (
	"context"
	"strings"

	"github.com/modelbridge/gateway/internal/core"
	"github.com/modelbridge/gateway/internal/feedback"
)

// Pair is one preference-training example.
type Pair struct {
	Prompt   string
	Chosen   string
	Rejected string
	Metadata Metadata
}

// Metadata carries the provenance of a pair, omitted from the plain JSON
// export but useful to callers working with Pair directly.
type Metadata struct {
	AnnotationID string
	TurnID       string
	AnnotatorID  string
	ConversationID string
	ModelID      core.ModelId
}

// jsonPair is the wire shape of the plain JSON export: prompt/chosen/
// rejected only, metadata dropped.
type jsonPair struct {
	Prompt   string `json:"prompt"`
	Chosen   string `json:"chosen"`
	Rejected string `json:"rejected"`
}

// Derive resolves filter-matching annotations into preference pairs. An
// annotation contributes a pair only if its verdict is refused or biased,
// its expected_response is non-empty once trimmed, its turn resolves to an
// assistant turn, that turn's conversation resolves, and a user turn
// strictly precedes it. Any missing link silently drops that annotation —
// this is a best-effort derivation, not a referential guarantee.
func Derive(ctx context.Context, store feedback.Store, filter feedback.AnnotationFilter) ([]Pair, error) {
	annotations, err := store.ListAnnotations(ctx, filter)
	if err != nil {
		return nil, err
	}

	var pairs []Pair
	for _, a := range annotations {
		pair, ok, err := derivePair(ctx, store, a)
		if err != nil {
			return nil, err
		}
		if ok {
			pairs = append(pairs, pair)
		}
	}
	return pairs, nil
}

func derivePair(ctx context.Context, store feedback.Store, a *feedback.Annotation) (Pair, bool, error) {
	if a.Verdict != feedback.VerdictRefused && a.Verdict != feedback.VerdictBiased {
		return Pair{}, false, nil
	}
	expected := strings.TrimSpace(a.ExpectedResponse)
	if expected == "" {
		return Pair{}, false, nil
	}

	assistantTurn, err := store.GetTurn(ctx, a.TurnID)
	if err != nil {
		if err == feedback.ErrNotFound {
			return Pair{}, false, nil
		}
		return Pair{}, false, err
	}
	if assistantTurn.Role != core.RoleAssistant {
		return Pair{}, false, nil
	}

	conv, err := store.GetConversation(ctx, assistantTurn.ConversationID)
	if err != nil {
		if err == feedback.ErrNotFound {
			return Pair{}, false, nil
		}
		return Pair{}, false, err
	}

	turns, err := store.ListTurns(ctx, conv.ID)
	if err != nil {
		return Pair{}, false, err
	}

	userTurn, ok := nearestPrecedingUser(turns, assistantTurn.ID)
	if !ok {
		return Pair{}, false, nil
	}

	return Pair{
		Prompt:   userTurn.Content,
		Chosen:   expected,
		Rejected: assistantTurn.Content,
		Metadata: Metadata{
			AnnotationID:   a.ID,
			TurnID:         assistantTurn.ID,
			AnnotatorID:    a.AnnotatorID,
			ConversationID: conv.ID,
			ModelID:        conv.ModelID,
		},
	}, true, nil
}

// nearestPrecedingUser walks turns (already in created_at ascending order)
// and returns the last user turn seen before the assistant turn matching
// targetID.
func nearestPrecedingUser(turns []*feedback.Turn, targetID string) (*feedback.Turn, bool) {
	var lastUser *feedback.Turn
	for _, t := range turns {
		if t.ID == targetID {
			break
		}
		if t.Role == core.RoleUser {
			lastUser = t
		}
	}
	if lastUser == nil {
		return nil, false
	}
	return lastUser, true
}

// ToJSON strips metadata for the plain JSON export operation (§4.13's
// "separate JSON-export operation").
func ToJSON(pairs []Pair) []jsonPair {
	out := make([]jsonPair, len(pairs))
	for i, p := range pairs {
		out[i] = jsonPair{Prompt: p.Prompt, Chosen: p.Chosen, Rejected: p.Rejected}
	}
	return out
}
