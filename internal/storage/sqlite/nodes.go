package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Whamp/pi-brain-sub000/internal/errclass"
	"github.com/Whamp/pi-brain-sub000/internal/ids"
	"github.com/Whamp/pi-brain-sub000/internal/storage"
	"github.com/Whamp/pi-brain-sub000/internal/types"
)

// CreateNode inserts a brand-new node. The JSON blob is written first, then
// the relational row, child rows, and FTS entry in one transaction. A
// failure after the JSON write rolls back the relational state; the orphan
// file is tolerated and reclaimed by RebuildIndex.
func (s *Store) CreateNode(ctx context.Context, n *types.Node) error {
	if err := validateNode(n); err != nil {
		return err
	}
	if n.Version == 0 {
		n.Version = 1
	}

	jsonPath, err := s.writeNodeJSON(n)
	if err != nil {
		return errclass.Wrap(err, errclass.Transient, errclass.ReasonIO)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertNodeRow(ctx, tx, n, jsonPath); err != nil {
			return err
		}
		if err := insertChildren(ctx, tx, n); err != nil {
			return err
		}
		return updateFTS(ctx, tx, n)
	})
}

// UpsertNode is the idempotent write used by workers. Replaying a job with
// the same deterministic id and identical content leaves the store
// untouched and reports created=false.
func (s *Store) UpsertNode(ctx context.Context, n *types.Node) (*storage.UpsertResult, error) {
	if err := validateNode(n); err != nil {
		return nil, err
	}
	if n.Version == 0 {
		n.Version = 1
	}

	existing, existingPath, err := s.getNodeWithPath(ctx, n.ID)
	if err != nil && err != storage.ErrNotFound {
		return nil, err
	}

	if existing != nil {
		n.Version = existing.Version
		// Byte-compare against the stored blob: an identical replay is a
		// no-op, which keeps retries of completed jobs harmless.
		incoming, marshalErr := json.MarshalIndent(n, "", "  ")
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal node %s: %w", n.ID, marshalErr)
		}
		if stored, readErr := os.ReadFile(existingPath); readErr == nil && bytes.Equal(incoming, stored) {
			return &storage.UpsertResult{Node: existing, Created: false}, nil
		}

		jsonPath, writeErr := s.writeNodeJSON(n)
		if writeErr != nil {
			return nil, errclass.Wrap(writeErr, errclass.Transient, errclass.ReasonIO)
		}
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if err := replaceNodeRow(ctx, tx, n, jsonPath); err != nil {
				return err
			}
			if err := deleteChildren(ctx, tx, n.ID); err != nil {
				return err
			}
			if err := insertChildren(ctx, tx, n); err != nil {
				return err
			}
			return updateFTS(ctx, tx, n)
		})
		if err != nil {
			return nil, err
		}
		return &storage.UpsertResult{Node: n, Created: false}, nil
	}

	if err := s.CreateNode(ctx, n); err != nil {
		return nil, err
	}
	return &storage.UpsertResult{Node: n, Created: true}, nil
}

// UpdateNode writes a new version of an existing node: version increments,
// a fresh JSON file is written under the new (id, version) path, and the
// relational row is replaced. Prior versions accumulate in the new blob's
// previousVersions list.
func (s *Store) UpdateNode(ctx context.Context, n *types.Node) (*types.Node, error) {
	if err := validateNode(n); err != nil {
		return nil, err
	}

	current, err := s.GetNode(ctx, n.ID)
	if err != nil {
		return nil, err
	}

	n.Version = current.Version + 1
	n.PreviousVersions = append(append([]types.NodeVersionRef{}, current.PreviousVersions...), types.NodeVersionRef{
		Version:       current.Version,
		AnalyzedAt:    current.AnalyzedAt,
		PromptVersion: current.PromptVersion,
		Summary:       current.Summary,
	})

	jsonPath, err := s.writeNodeJSON(n)
	if err != nil {
		return nil, errclass.Wrap(err, errclass.Transient, errclass.ReasonIO)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		// Guard against a concurrent updater having bumped the version
		// between our read and this transaction.
		res, err := tx.ExecContext(ctx, `
			UPDATE nodes SET
				version = ?, started_at = ?, analyzed_at = ?, project = ?, computer = ?,
				node_type = ?, outcome = ?, model = ?, prompt_version = ?, summary = ?,
				tokens_used = ?, cost_usd = ?, duration_ms = ?, json_path = ?
			WHERE id = ? AND version = ?
		`, n.Version, nullTime(n.StartedAt), n.AnalyzedAt.UTC(), n.Project, n.Computer,
			string(n.Type), string(n.Outcome), n.Model, n.PromptVersion, n.Summary,
			n.TokensUsed, n.CostUSD, n.DurationMs, jsonPath,
			n.ID, current.Version)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errclass.NewTransient(errclass.ReasonIO,
				fmt.Sprintf("node %s version changed concurrently, retry update", n.ID))
		}
		if err := deleteChildren(ctx, tx, n.ID); err != nil {
			return err
		}
		if err := insertChildren(ctx, tx, n); err != nil {
			return err
		}
		return updateFTS(ctx, tx, n)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// GetNode returns the latest version of a node. The row locates the JSON
// blob, which is the authoritative content record and carries everything
// the child tables index.
func (s *Store) GetNode(ctx context.Context, id string) (*types.Node, error) {
	n, _, err := s.getNodeWithPath(ctx, id)
	return n, err
}

func (s *Store) getNodeWithPath(ctx context.Context, id string) (*types.Node, string, error) {
	var jsonPath string
	err := s.db.QueryRowContext(ctx, `SELECT json_path FROM nodes WHERE id = ?`, id).Scan(&jsonPath)
	if err == sql.ErrNoRows {
		return nil, "", storage.ErrNotFound
	}
	if err != nil {
		return nil, "", mapStorageError(err)
	}
	n, err := readNodeJSON(jsonPath)
	if err != nil {
		return nil, "", errclass.Wrap(err, errclass.Transient, errclass.ReasonIO)
	}
	return n, jsonPath, nil
}

// DeleteNode removes a node, its child rows and edges (by cascade), and its
// JSON version history. Admin tooling only.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	versions, err := s.listJSONVersions(id)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return storage.ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM nodes_fts WHERE node_id = ?`, id)
		return err
	})
	if err != nil {
		return err
	}

	for _, v := range versions {
		if path, findErr := s.findNodeJSON(id, v); findErr == nil {
			_ = os.Remove(path)
		}
	}
	return nil
}

// ListNodeVersions enumerates stored versions from the JSON side-store,
// which is the only place history lives.
func (s *Store) ListNodeVersions(ctx context.Context, id string) ([]int, error) {
	return s.listJSONVersions(id)
}

// ReadNodeVersion loads one historical version from the side-store.
func (s *Store) ReadNodeVersion(ctx context.Context, id string, version int) (*types.Node, error) {
	path, err := s.findNodeJSON(id, version)
	if err != nil {
		return nil, storage.ErrNotFound
	}
	return readNodeJSON(path)
}

// RebuildIndex re-derives relational rows and the FTS index from the JSON
// side-store, reclaiming orphan files left by interrupted writes. Returns
// the number of nodes indexed.
func (s *Store) RebuildIndex(ctx context.Context) (int, error) {
	latest, err := s.scanAllNodeJSON()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, n := range latest {
		jsonPath := s.nodeJSONPath(n)
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if err := replaceNodeRow(ctx, tx, n, jsonPath); err != nil {
				return err
			}
			if err := deleteChildren(ctx, tx, n.ID); err != nil {
				return err
			}
			if err := insertChildren(ctx, tx, n); err != nil {
				return err
			}
			return updateFTS(ctx, tx, n)
		})
		if err != nil {
			return count, fmt.Errorf("failed to rebuild node %s: %w", n.ID, err)
		}
		count++
	}
	return count, nil
}

func validateNode(n *types.Node) error {
	if len(n.ID) != ids.NodeIDLen {
		return errclass.NewPermanent(errclass.ReasonValidation,
			fmt.Sprintf("node id must be %d hex chars, got %q", ids.NodeIDLen, n.ID))
	}
	if err := n.Type.Validate(); err != nil {
		return errclass.NewPermanent(errclass.ReasonValidation, err.Error())
	}
	if err := n.Outcome.Validate(); err != nil {
		return errclass.NewPermanent(errclass.ReasonValidation, err.Error())
	}
	if n.SessionFile == "" || n.SegmentStart == "" || n.SegmentEnd == "" {
		return errclass.NewPermanent(errclass.ReasonValidation, "node missing segment coordinates")
	}
	if n.AnalyzedAt.IsZero() {
		return errclass.NewPermanent(errclass.ReasonValidation, "node missing analyzedAt")
	}
	return nil
}

func insertNodeRow(ctx context.Context, tx *sql.Tx, n *types.Node, jsonPath string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (
			id, version, session_file, segment_start, segment_end,
			started_at, analyzed_at, project, computer, node_type, outcome,
			model, prompt_version, summary, tokens_used, cost_usd, duration_ms, json_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Version, n.SessionFile, n.SegmentStart, n.SegmentEnd,
		nullTime(n.StartedAt), n.AnalyzedAt.UTC(), n.Project, n.Computer,
		string(n.Type), string(n.Outcome), n.Model, n.PromptVersion, n.Summary,
		n.TokensUsed, n.CostUSD, n.DurationMs, jsonPath)
	if err != nil {
		return fmt.Errorf("failed to insert node row: %w", err)
	}
	return nil
}

func replaceNodeRow(ctx context.Context, tx *sql.Tx, n *types.Node, jsonPath string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (
			id, version, session_file, segment_start, segment_end,
			started_at, analyzed_at, project, computer, node_type, outcome,
			model, prompt_version, summary, tokens_used, cost_usd, duration_ms, json_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			started_at = excluded.started_at,
			analyzed_at = excluded.analyzed_at,
			project = excluded.project,
			computer = excluded.computer,
			node_type = excluded.node_type,
			outcome = excluded.outcome,
			model = excluded.model,
			prompt_version = excluded.prompt_version,
			summary = excluded.summary,
			tokens_used = excluded.tokens_used,
			cost_usd = excluded.cost_usd,
			duration_ms = excluded.duration_ms,
			json_path = excluded.json_path
	`, n.ID, n.Version, n.SessionFile, n.SegmentStart, n.SegmentEnd,
		nullTime(n.StartedAt), n.AnalyzedAt.UTC(), n.Project, n.Computer,
		string(n.Type), string(n.Outcome), n.Model, n.PromptVersion, n.Summary,
		n.TokensUsed, n.CostUSD, n.DurationMs, jsonPath)
	if err != nil {
		return fmt.Errorf("failed to replace node row: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func updateFTS(ctx context.Context, tx *sql.Tx, n *types.Node) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes_fts WHERE node_id = ?`, n.ID); err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil // FTS migration skipped on this build
		}
		return fmt.Errorf("failed to clear FTS entry: %w", err)
	}

	var lessonText []string
	for _, l := range n.Lessons {
		lessonText = append(lessonText, l.Summary)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nodes_fts (node_id, summary, decisions, lessons, tags, topics)
		VALUES (?, ?, ?, ?, ?, ?)
	`, n.ID, n.Summary,
		strings.Join(n.Decisions, "\n"),
		strings.Join(lessonText, "\n"),
		strings.Join(n.Tags, " "),
		strings.Join(n.Topics, " "))
	if err != nil {
		return fmt.Errorf("failed to insert FTS entry: %w", err)
	}
	return nil
}
