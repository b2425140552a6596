package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/modelbridge/gateway/internal/core"
	"github.com/modelbridge/gateway/internal/feedback"
)

const timeLayout = time.RFC3339Nano

// RecordExchange inserts the conversation row on first use, then appends a
// user turn and an assistant turn, all within one transaction so a crash
// mid-write never leaves a conversation with only one side of the
// exchange.
func (s *Store) RecordExchange(ctx context.Context, conversationID string, clientID core.ClientId, modelID core.ModelId, userContent, assistantContent string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, client_id, model_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		conversationID, string(clientID), string(modelID), now.Format(timeLayout),
	)
	if err != nil {
		return err
	}

	if err := insertTurn(ctx, tx, conversationID, core.RoleUser, userContent, now); err != nil {
		return err
	}
	if err := insertTurn(ctx, tx, conversationID, core.RoleAssistant, assistantContent, now); err != nil {
		return err
	}

	return tx.Commit()
}

func insertTurn(ctx context.Context, tx *sql.Tx, conversationID string, role core.Role, content string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO turns (id, conversation_id, role, content, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.Must(uuid.NewV7()).String(), conversationID, string(role), content,
		estimateTokens(content), at.Format(timeLayout),
	)
	return err
}

// estimateTokens approximates a turn's token count as its byte length
// divided by four, plus one.
func estimateTokens(s string) uint64 {
	return uint64(len(s)/4) + 1
}

// GetConversation retrieves a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*feedback.Conversation, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, client_id, model_id, created_at FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversationsByClient lists a client's conversations, most recent first.
func (s *Store) ListConversationsByClient(ctx context.Context, clientID core.ClientId, offset, limit int) ([]*feedback.Conversation, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, client_id, model_id, created_at FROM conversations
		 WHERE client_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		string(clientID), limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*feedback.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListTurns returns a conversation's turns in chronological order.
func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]*feedback.Turn, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, token_count, created_at
		 FROM turns WHERE conversation_id = ? ORDER BY created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*feedback.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTurn retrieves a single turn by id.
func (s *Store) GetTurn(ctx context.Context, id string) (*feedback.Turn, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, token_count, created_at
		 FROM turns WHERE id = ?`, id)
	return scanTurn(row)
}

// InsertAnnotation attaches an annotator's judgment to a turn.
func (s *Store) InsertAnnotation(ctx context.Context, a *feedback.Annotation) error {
	if a.ID == "" {
		a.ID = uuid.Must(uuid.NewV7()).String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO annotations (id, turn_id, annotator_id, verdict, expected_direction, expected_response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TurnID, a.AnnotatorID, string(a.Verdict),
		nullStr(a.ExpectedDirection), nullStr(a.ExpectedResponse), a.CreatedAt.Format(timeLayout),
	)
	return err
}

// ListAnnotations lists annotations matching filter, most recent first.
func (s *Store) ListAnnotations(ctx context.Context, filter feedback.AnnotationFilter) ([]*feedback.Annotation, error) {
	query := `SELECT a.id, a.turn_id, a.annotator_id, a.verdict, a.expected_direction, a.expected_response, a.created_at
		FROM annotations a`
	var joins []string
	var where []string
	var args []any

	if filter.ModelID != "" {
		joins = append(joins, "JOIN turns t ON t.id = a.turn_id JOIN conversations c ON c.id = t.conversation_id")
		where = append(where, "c.model_id = ?")
		args = append(args, string(filter.ModelID))
	}
	if filter.AnnotatorID != "" {
		where = append(where, "a.annotator_id = ?")
		args = append(args, filter.AnnotatorID)
	}
	if filter.Verdict != "" {
		where = append(where, "a.verdict = ?")
		args = append(args, string(filter.Verdict))
	}
	if filter.Since != nil {
		where = append(where, "a.created_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	if filter.Until != nil {
		where = append(where, "a.created_at <= ?")
		args = append(args, filter.Until.UTC().Format(timeLayout))
	}

	for _, j := range joins {
		query += " " + j
	}
	if len(where) > 0 {
		query += " WHERE " + joinAnd(where)
	}
	query += " ORDER BY a.created_at DESC"

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*feedback.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordCLA upserts a client's CLA signature.
func (s *Store) RecordCLA(ctx context.Context, clientID core.ClientId, githubUsername string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cla_records (client_id, signed_at, github_username)
		 VALUES (?, ?, ?)
		 ON CONFLICT (client_id) DO UPDATE SET signed_at = excluded.signed_at, github_username = excluded.github_username`,
		string(clientID), time.Now().UTC().Format(timeLayout), nullStr(githubUsername),
	)
	return err
}

// HasSignedCLA reports whether clientID has a CLA record.
func (s *Store) HasSignedCLA(ctx context.Context, clientID core.ClientId) (bool, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cla_records WHERE client_id = ?`, string(clientID),
	).Scan(&n)
	return n > 0, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return feedback.ErrNotFound
	}
	return err
}

func scanConversation(row scanner) (*feedback.Conversation, error) {
	var c feedback.Conversation
	var clientID, modelID, createdAt string
	if err := row.Scan(&c.ID, &clientID, &modelID, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	c.ClientID = core.ClientId(clientID)
	c.ModelID = core.ModelId(modelID)
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = t
	return &c, nil
}

func scanTurn(row scanner) (*feedback.Turn, error) {
	var t feedback.Turn
	var role, createdAt string
	if err := row.Scan(&t.ID, &t.ConversationID, &role, &t.Content, &t.TokenCount, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	t.Role = core.Role(role)
	ts, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = ts
	return &t, nil
}

func scanAnnotation(row scanner) (*feedback.Annotation, error) {
	var a feedback.Annotation
	var verdict, createdAt string
	var expectedDirection, expectedResponse sql.NullString
	if err := row.Scan(&a.ID, &a.TurnID, &a.AnnotatorID, &verdict, &expectedDirection, &expectedResponse, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	a.Verdict = feedback.Verdict(verdict)
	a.ExpectedDirection = expectedDirection.String
	a.ExpectedResponse = expectedResponse.String
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = t
	return &a, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}
