package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Whamp/pi-brain-sub000/internal/ids"
	"github.com/Whamp/pi-brain-sub000/internal/types"
)

// Child rows (decisions, tags, topics, lessons, quirks, tool errors, daemon
// decisions) are replaced wholesale on every node write. They exist to be
// queried; the JSON blob remains the content record.

func deleteChildren(ctx context.Context, tx *sql.Tx, nodeID string) error {
	for _, stmt := range []string{
		`DELETE FROM node_decisions WHERE node_id = ?`,
		`DELETE FROM node_tags WHERE node_id = ?`,
		`DELETE FROM node_topics WHERE node_id = ?`,
		`DELETE FROM lessons WHERE node_id = ?`, // lesson_tags cascade
		`DELETE FROM model_quirks WHERE node_id = ?`,
		`DELETE FROM tool_errors WHERE node_id = ?`,
		`DELETE FROM daemon_decisions WHERE node_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, nodeID); err != nil {
			return fmt.Errorf("failed to clear child rows: %w", err)
		}
	}
	return nil
}

func insertChildren(ctx context.Context, tx *sql.Tx, n *types.Node) error {
	for i, d := range n.Decisions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO node_decisions (node_id, position, decision) VALUES (?, ?, ?)`,
			n.ID, i, d); err != nil {
			return fmt.Errorf("failed to insert decision: %w", err)
		}
	}
	for _, tag := range n.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO node_tags (node_id, tag) VALUES (?, ?)`, n.ID, tag); err != nil {
			return fmt.Errorf("failed to insert tag: %w", err)
		}
	}
	for _, topic := range n.Topics {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO node_topics (node_id, topic) VALUES (?, ?)`, n.ID, topic); err != nil {
			return fmt.Errorf("failed to insert topic: %w", err)
		}
	}

	for _, l := range n.Lessons {
		if l.ID == "" {
			l.ID = ids.ChildID("les")
		}
		l.NodeID = n.ID
		if l.CreatedAt.IsZero() {
			l.CreatedAt = n.AnalyzedAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lessons (id, node_id, level, summary, detail, severity, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, l.ID, l.NodeID, string(l.Level), l.Summary, l.Detail, l.Severity, l.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert lesson: %w", err)
		}
		for _, tag := range l.Tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO lesson_tags (lesson_id, tag) VALUES (?, ?)`, l.ID, tag); err != nil {
				return fmt.Errorf("failed to insert lesson tag: %w", err)
			}
		}
	}

	for _, q := range n.ModelQuirks {
		if q.ID == "" {
			q.ID = ids.ChildID("mqk")
		}
		q.NodeID = n.ID
		if q.CreatedAt.IsZero() {
			q.CreatedAt = n.AnalyzedAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO model_quirks (id, node_id, model, summary, frequency, severity, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, q.ID, q.NodeID, q.Model, q.Summary, q.Frequency, q.Severity, q.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert model quirk: %w", err)
		}
	}

	for _, te := range n.ToolErrors {
		if te.ID == "" {
			te.ID = ids.ChildID("ter")
		}
		te.NodeID = n.ID
		if te.CreatedAt.IsZero() {
			te.CreatedAt = n.AnalyzedAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_errors (id, node_id, tool, error_type, model, summary, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, te.ID, te.NodeID, te.Tool, te.ErrorType, te.Model, te.Summary, te.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert tool error: %w", err)
		}
	}

	for _, dd := range n.DaemonDecisions {
		if dd.ID == "" {
			dd.ID = ids.ChildID("dmd")
		}
		dd.NodeID = n.ID
		if dd.CreatedAt.IsZero() {
			dd.CreatedAt = n.AnalyzedAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO daemon_decisions (id, node_id, kind, detail, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, dd.ID, dd.NodeID, dd.Kind, dd.Detail, dd.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert daemon decision: %w", err)
		}
	}

	return nil
}

// ListSessionNodes returns every node of one session file, in analysis
// order. Predecessor linking walks this.
func (s *Store) ListSessionNodes(ctx context.Context, sessionFile string) ([]*types.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT json_path FROM nodes WHERE session_file = ?
		ORDER BY COALESCE(started_at, analyzed_at) ASC, analyzed_at ASC
	`, sessionFile)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	var nodes []*types.Node
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		n, err := readNodeJSON(path)
		if err != nil {
			s.log.Warn("skipping unreadable node JSON", "path", path, "error", err)
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ListNodeIDsSince returns ids of nodes analyzed after the given time,
// oldest first. The scheduler's discovery pass walks this.
func (s *Store) ListNodeIDsSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM nodes WHERE analyzed_at > ? ORDER BY analyzed_at ASC`, since.UTC())
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListNodeIDsByStalePrompt returns nodes whose prompt version differs from
// the current one, bounded by limit, oldest analysis first. The reanalysis
// pass enqueues these.
func (s *Store) ListNodeIDsByStalePrompt(ctx context.Context, currentVersion string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM nodes WHERE prompt_version != ?
		ORDER BY analyzed_at ASC LIMIT ?
	`, currentVersion, limit)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// FindNodeIDsByPrefix resolves a (possibly truncated) node reference,
// ordered most recent analysis first so callers can apply the deterministic
// tie-break rule.
func (s *Store) FindNodeIDsByPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM nodes WHERE id LIKE ? || '%'
		ORDER BY analyzed_at DESC, id ASC
	`, prefix)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// FindCandidatesByTagsOrTopics returns nodes sharing at least one tag or
// topic with the given sets, excluding one id. Discovery uses this as the
// candidate pool for Jaccard scoring.
func (s *Store) FindCandidatesByTagsOrTopics(ctx context.Context, tags, topics []string, excludeID string) ([]*types.Node, error) {
	if len(tags) == 0 && len(topics) == 0 {
		return nil, nil
	}

	// Matching is case-insensitive; Jaccard scoring downstream lowercases
	// both sides, so the candidate pool must not shrink on tag casing.
	query := `
		SELECT DISTINCT n.json_path FROM nodes n
		LEFT JOIN node_tags t ON t.node_id = n.id
		LEFT JOIN node_topics p ON p.node_id = n.id
		WHERE n.id != ? AND (lower(t.tag) IN (` + placeholders(len(tags)) + `)
			OR lower(p.topic) IN (` + placeholders(len(topics)) + `))
	`
	args := []any{excludeID}
	for _, t := range tags {
		args = append(args, strings.ToLower(t))
	}
	for _, t := range topics {
		args = append(args, strings.ToLower(t))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	var nodes []*types.Node
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		n, err := readNodeJSON(path)
		if err != nil {
			s.log.Warn("skipping unreadable node JSON", "path", path, "error", err)
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ListLessonsSince returns lessons recorded after the given time.
func (s *Store) ListLessonsSince(ctx context.Context, since time.Time) ([]*types.Lesson, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, level, summary, detail, severity, created_at
		FROM lessons WHERE created_at > ? ORDER BY created_at ASC
	`, since.UTC())
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	var out []*types.Lesson
	for rows.Next() {
		l := &types.Lesson{}
		var level string
		if err := rows.Scan(&l.ID, &l.NodeID, &level, &l.Summary, &l.Detail, &l.Severity, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Level = types.LessonLevel(level)
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListToolErrorsSince returns tool errors recorded after the given time.
func (s *Store) ListToolErrorsSince(ctx context.Context, since time.Time) ([]*types.ToolError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, tool, error_type, model, summary, created_at
		FROM tool_errors WHERE created_at > ? ORDER BY created_at ASC
	`, since.UTC())
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	var out []*types.ToolError
	for rows.Next() {
		te := &types.ToolError{}
		if err := rows.Scan(&te.ID, &te.NodeID, &te.Tool, &te.ErrorType, &te.Model, &te.Summary, &te.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, te)
	}
	return out, rows.Err()
}

// ListModelQuirksSince returns model quirks recorded after the given time.
func (s *Store) ListModelQuirksSince(ctx context.Context, since time.Time) ([]*types.ModelQuirk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, model, summary, frequency, severity, created_at
		FROM model_quirks WHERE created_at > ? ORDER BY created_at ASC
	`, since.UTC())
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	var out []*types.ModelQuirk
	for rows.Next() {
		q := &types.ModelQuirk{}
		if err := rows.Scan(&q.ID, &q.NodeID, &q.Model, &q.Summary, &q.Frequency, &q.Severity, &q.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n == 0 {
		return "''" // never matches; keeps the IN () clause valid
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}
