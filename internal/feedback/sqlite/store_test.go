package sqlite

import (
	"context"
	"testing"

	"github.com/modelbridge/gateway/internal/core"
	"github.com/modelbridge/gateway/internal/feedback"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB per test to avoid shared :memory: races.
	path := t.TempDir() + "/feedback.db"
	s, err := New(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordExchangeCreatesConversationAndTurns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordExchange(ctx, "conv-1", "client-1", "gpt-4o", "hello", "hi there"); err != nil {
		t.Fatalf("record exchange: %v", err)
	}

	conv, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.ClientID != core.ClientId("client-1") || conv.ModelID != core.ModelId("gpt-4o") {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	turns, err := s.ListTurns(ctx, "conv-1")
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != core.RoleUser || turns[0].Content != "hello" {
		t.Fatalf("unexpected first turn: %+v", turns[0])
	}
	if turns[1].Role != core.RoleAssistant || turns[1].Content != "hi there" {
		t.Fatalf("unexpected second turn: %+v", turns[1])
	}
}

func TestRecordExchangeReusesExistingConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordExchange(ctx, "conv-1", "client-1", "gpt-4o", "first", "reply-1"); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := s.RecordExchange(ctx, "conv-1", "client-1", "gpt-4o", "second", "reply-2"); err != nil {
		t.Fatalf("second record: %v", err)
	}

	turns, err := s.ListTurns(ctx, "conv-1")
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("expected 4 turns across two exchanges, got %d", len(turns))
	}
}

func TestInsertAndListAnnotations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordExchange(ctx, "conv-1", "client-1", "gpt-4o", "hello", "hi there"); err != nil {
		t.Fatalf("record exchange: %v", err)
	}
	turns, err := s.ListTurns(ctx, "conv-1")
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	assistantTurn := turns[1]

	ann := &feedback.Annotation{
		TurnID:           assistantTurn.ID,
		AnnotatorID:      "annotator-1",
		Verdict:          feedback.VerdictRefused,
		ExpectedResponse: "should have answered",
	}
	if err := s.InsertAnnotation(ctx, ann); err != nil {
		t.Fatalf("insert annotation: %v", err)
	}
	if ann.ID == "" {
		t.Fatal("expected annotation id to be assigned")
	}

	results, err := s.ListAnnotations(ctx, feedback.AnnotationFilter{AnnotatorID: "annotator-1"})
	if err != nil {
		t.Fatalf("list annotations: %v", err)
	}
	if len(results) != 1 || results[0].Verdict != feedback.VerdictRefused {
		t.Fatalf("unexpected annotations: %+v", results)
	}

	byModel, err := s.ListAnnotations(ctx, feedback.AnnotationFilter{ModelID: "gpt-4o"})
	if err != nil {
		t.Fatalf("list annotations by model: %v", err)
	}
	if len(byModel) != 1 {
		t.Fatalf("expected 1 annotation filtered by model, got %d", len(byModel))
	}

	none, err := s.ListAnnotations(ctx, feedback.AnnotationFilter{ModelID: "other-model"})
	if err != nil {
		t.Fatalf("list annotations by non-matching model: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected 0 annotations for unrelated model, got %d", len(none))
	}
}

func TestClaRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	signed, err := s.HasSignedCLA(ctx, "client-1")
	if err != nil {
		t.Fatalf("has signed cla: %v", err)
	}
	if signed {
		t.Fatal("expected no CLA signed yet")
	}

	if err := s.RecordCLA(ctx, "client-1", "octocat"); err != nil {
		t.Fatalf("record cla: %v", err)
	}

	signed, err = s.HasSignedCLA(ctx, "client-1")
	if err != nil {
		t.Fatalf("has signed cla: %v", err)
	}
	if !signed {
		t.Fatal("expected CLA to be signed")
	}
}
