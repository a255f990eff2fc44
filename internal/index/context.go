package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaywork/workstate/internal/types"
)

// EpicBundle is the raw result of the aggregate epic query.
type EpicBundle struct {
	Epic    *types.WorkItemRecord
	Feature *types.WorkItemRecord // nil when the epic has no parent or it is missing
	Stories []*types.WorkItemRecord
	Audit   []types.AuditEntry // newest first
	Notes   []types.Note       // newest first

	// StoryCount is the number of child stories before the state filter
	StoryCount int
}

// BundleQuery parameterises EpicBundle.
type BundleQuery struct {
	EpicID     string
	States     []types.State // empty = all states; also scopes Audit and Notes
	AuditLimit int           // <= 0 = unbounded
	NotesLimit int
}

// epicBundleSQL answers a context request in one statement: the epic row,
// its feature, the filtered stories as a JSON array ordered by seq, and the
// newest audit entries and notes across the epic and the stories that pass
// the filter.
const epicBundleSQL = `
WITH scope AS (
	SELECT ?1 AS id
	UNION ALL
	SELECT id FROM stories
	WHERE parent_id = ?1
	  AND (json_array_length(?2) = 0 OR state IN (SELECT value FROM json_each(?2)))
)
SELECT
	e.id, e.key, e.title, e.state, COALESCE(e.parent_id, ''), e.file_path,
	COALESCE(e.commit_id, ''), e.seq, e.created_at, e.updated_at, e.metadata,
	COALESCE((
		SELECT json_object('id', f.id, 'key', f.key, 'title', f.title, 'state', f.state,
			'file_path', f.file_path, 'commit_id', COALESCE(f.commit_id, ''))
		FROM features f WHERE f.id = e.parent_id
	), ''),
	(SELECT COUNT(*) FROM stories WHERE parent_id = e.id),
	COALESCE((
		SELECT json_group_array(json_object('id', s.id, 'key', s.key, 'title', s.title,
			'state', s.state, 'file_path', s.file_path, 'commit_id', COALESCE(s.commit_id, ''),
			'seq', s.seq, 'created_at', s.created_at, 'updated_at', s.updated_at,
			'metadata', json(s.metadata)))
		FROM (
			SELECT * FROM stories
			WHERE parent_id = e.id
			  AND (json_array_length(?2) = 0 OR state IN (SELECT value FROM json_each(?2)))
			ORDER BY seq, id
		) s
	), '[]'),
	COALESCE((
		SELECT json_group_array(json_object('seq', a.seq, 'record_seq', a.record_seq,
			'record_id', a.record_id, 'prev_state', COALESCE(a.prev_state, ''),
			'new_state', a.new_state, 'commit_id', COALESCE(a.commit_id, ''), 'ts', a.ts,
			'actor', a.actor, 'operation', a.operation, 'envelope_id', a.envelope_id))
		FROM (
			SELECT * FROM audit_log WHERE record_id IN (SELECT id FROM scope)
			ORDER BY seq DESC LIMIT ?3
		) a
	), '[]'),
	COALESCE((
		SELECT json_group_array(json_object('id', n.id, 'record_id', n.record_id, 'body', n.body,
			'actor', n.actor, 'created_at', n.created_at, 'envelope_id', n.envelope_id))
		FROM (
			SELECT * FROM notes WHERE record_id IN (SELECT id FROM scope)
			ORDER BY id DESC LIMIT ?4
		) n
	), '[]')
FROM epics e
WHERE e.id = ?1`

type jsonRecord struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Title     string            `json:"title"`
	State     string            `json:"state"`
	FilePath  string            `json:"file_path"`
	CommitID  string            `json:"commit_id"`
	Seq       int               `json:"seq"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
	Metadata  map[string]string `json:"metadata"`
}

func (j jsonRecord) record(kind types.Kind, parent string) *types.WorkItemRecord {
	rec := &types.WorkItemRecord{
		ID: j.ID, Kind: kind, Key: j.Key, Title: j.Title, State: types.State(j.State),
		ParentID: parent, FilePath: j.FilePath, CommitID: j.CommitID, Seq: j.Seq,
		CreatedAt: parseTime(j.CreatedAt), UpdatedAt: parseTime(j.UpdatedAt),
	}
	if len(j.Metadata) > 0 {
		rec.Metadata = j.Metadata
	}
	return rec
}

type jsonAudit struct {
	Seq        int64  `json:"seq"`
	RecordSeq  int    `json:"record_seq"`
	RecordID   string `json:"record_id"`
	PrevState  string `json:"prev_state"`
	NewState   string `json:"new_state"`
	CommitID   string `json:"commit_id"`
	TS         string `json:"ts"`
	Actor      string `json:"actor"`
	Operation  string `json:"operation"`
	EnvelopeID string `json:"envelope_id"`
}

type jsonNote struct {
	ID         int64  `json:"id"`
	RecordID   string `json:"record_id"`
	Body       string `json:"body"`
	Actor      string `json:"actor"`
	CreatedAt  string `json:"created_at"`
	EnvelopeID string `json:"envelope_id"`
}

// EpicBundle runs the aggregate context query. It returns ErrNotFound when
// the epic does not exist.
func (s store) EpicBundle(ctx context.Context, q BundleQuery) (*EpicBundle, error) {
	states := make([]string, 0, len(q.States))
	for _, st := range q.States {
		states = append(states, string(st))
	}
	statesJSON, err := json.Marshal(states)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state filter: %w", err)
	}

	auditLimit, notesLimit := q.AuditLimit, q.NotesLimit
	if auditLimit <= 0 {
		auditLimit = -1
	}
	if notesLimit <= 0 {
		notesLimit = -1
	}

	var (
		feature, stories, audit, notes string
		storyCount                     int
	)
	row := s.x.QueryRowContext(ctx, epicBundleSQL, q.EpicID, string(statesJSON), auditLimit, notesLimit)
	epic, err := scanRecord(types.KindEpic, bundleRow{row: row, extra: []any{&feature, &storyCount, &stories, &audit, &notes}})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("epic %s: %w", q.EpicID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load context of %s: %w", q.EpicID, err)
	}

	b := &EpicBundle{Epic: epic, StoryCount: storyCount}

	if feature != "" {
		var jf jsonRecord
		if err := json.Unmarshal([]byte(feature), &jf); err != nil {
			return nil, fmt.Errorf("failed to decode feature: %w", err)
		}
		b.Feature = jf.record(types.KindFeature, "")
	}

	var js []jsonRecord
	if err := json.Unmarshal([]byte(stories), &js); err != nil {
		return nil, fmt.Errorf("failed to decode stories: %w", err)
	}
	for _, j := range js {
		b.Stories = append(b.Stories, j.record(types.KindStory, epic.ID))
	}

	var ja []jsonAudit
	if err := json.Unmarshal([]byte(audit), &ja); err != nil {
		return nil, fmt.Errorf("failed to decode audit entries: %w", err)
	}
	for _, a := range ja {
		b.Audit = append(b.Audit, types.AuditEntry{
			Seq: a.Seq, RecordSeq: a.RecordSeq, RecordID: a.RecordID,
			PrevState: types.State(a.PrevState), NewState: types.State(a.NewState),
			CommitID: a.CommitID, Timestamp: parseTime(a.TS), Actor: a.Actor,
			Operation: a.Operation, EnvelopeID: a.EnvelopeID,
		})
	}

	var jn []jsonNote
	if err := json.Unmarshal([]byte(notes), &jn); err != nil {
		return nil, fmt.Errorf("failed to decode notes: %w", err)
	}
	for _, n := range jn {
		b.Notes = append(b.Notes, types.Note{
			ID: n.ID, RecordID: n.RecordID, Body: n.Body, Actor: n.Actor,
			CreatedAt: parseTime(n.CreatedAt), EnvelopeID: n.EnvelopeID,
		})
	}

	return b, nil
}

// bundleRow lets scanRecord read the leading record columns while the
// aggregate columns land in extra.
type bundleRow struct {
	row   *sql.Row
	extra []any
}

func (b bundleRow) Scan(dest ...any) error {
	return b.row.Scan(append(dest, b.extra...)...)
}
