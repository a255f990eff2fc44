package index

import (
	"context"
	"fmt"
	"time"

	"github.com/relaywork/workstate/internal/types"
)

// AddNote stores a note and writes the assigned id back into n.
func (s store) AddNote(ctx context.Context, n *types.Note) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	res, err := s.x.ExecContext(ctx,
		`INSERT INTO notes (record_id, body, actor, created_at, envelope_id) VALUES (?, ?, ?, ?, ?)`,
		n.RecordID, n.Body, n.Actor, timeToString(n.CreatedAt), n.EnvelopeID)
	if err != nil {
		return fmt.Errorf("failed to add note to %s: %w", n.RecordID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read note id: %w", err)
	}
	n.ID = id
	return nil
}

// NotesFor returns up to limit notes of a record, newest first.
func (s store) NotesFor(ctx context.Context, recordID string, limit int) ([]types.Note, error) {
	query := `SELECT id, record_id, body, actor, created_at, envelope_id FROM notes
		WHERE record_id = ? ORDER BY id DESC`
	args := []any{recordID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.x.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	var out []types.Note
	for rows.Next() {
		var n types.Note
		var created string
		if err := rows.Scan(&n.ID, &n.RecordID, &n.Body, &n.Actor, &created, &n.EnvelopeID); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		n.CreatedAt = parseTime(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// NotesByEnvelope returns the notes written by one envelope.
func (s store) NotesByEnvelope(ctx context.Context, envelopeID string) ([]types.Note, error) {
	rows, err := s.x.QueryContext(ctx, `SELECT id, record_id, body, actor, created_at, envelope_id
		FROM notes WHERE envelope_id = ? ORDER BY id`, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	var out []types.Note
	for rows.Next() {
		var n types.Note
		var created string
		if err := rows.Scan(&n.ID, &n.RecordID, &n.Body, &n.Actor, &created, &n.EnvelopeID); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		n.CreatedAt = parseTime(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// ReinsertNote puts back a note removed by RetractEnvelope.
func (s store) ReinsertNote(ctx context.Context, n types.Note) error {
	_, err := s.x.ExecContext(ctx,
		`INSERT INTO notes (id, record_id, body, actor, created_at, envelope_id) VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.RecordID, n.Body, n.Actor, timeToString(n.CreatedAt), n.EnvelopeID)
	if err != nil {
		return fmt.Errorf("failed to reinsert note %d: %w", n.ID, err)
	}
	return nil
}
