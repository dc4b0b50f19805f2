package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Whamp/pi-brain-sub000/internal/ids"
	"github.com/Whamp/pi-brain-sub000/internal/storage"
	"github.com/Whamp/pi-brain-sub000/internal/types"
)

// CreateEdge inserts a directed typed edge. The (source, target, type)
// primary key enforces uniqueness; a repeat call is a no-op and reports
// created=false.
func (s *Store) CreateEdge(ctx context.Context, e *types.Edge) (bool, error) {
	if e.ID == "" {
		e.ID = ids.EdgeID()
	}
	if e.CreatedBy == "" {
		e.CreatedBy = types.EdgeByDaemon
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	meta := "{}"
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return false, fmt.Errorf("failed to marshal edge metadata: %w", err)
		}
		meta = string(raw)
	}

	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO edges (id, source, target, edge_type, metadata, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.Source, e.Target, string(e.Type), meta, string(e.CreatedBy), e.CreatedAt.UTC())
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = affected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// EdgeExists reports whether an edge with the exact triple exists. This is
// the gate every discovery pass checks before creating.
func (s *Store) EdgeExists(ctx context.Context, source, target string, edgeType types.EdgeType) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM edges WHERE source = ? AND target = ? AND edge_type = ?`,
		source, target, string(edgeType)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, mapStorageError(err)
	}
	return true, nil
}

// GetEdges returns the edges touching a node in the given direction.
func (s *Store) GetEdges(ctx context.Context, nodeID string, dir storage.Direction) ([]*types.Edge, error) {
	var query string
	var args []any
	switch dir {
	case storage.DirectionOut:
		query = `SELECT id, source, target, edge_type, metadata, created_by, created_at FROM edges WHERE source = ?`
		args = []any{nodeID}
	case storage.DirectionIn:
		query = `SELECT id, source, target, edge_type, metadata, created_by, created_at FROM edges WHERE target = ?`
		args = []any{nodeID}
	default:
		query = `SELECT id, source, target, edge_type, metadata, created_by, created_at FROM edges WHERE source = ? OR target = ?`
		args = []any{nodeID, nodeID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func scanEdges(rows *sql.Rows) ([]*types.Edge, error) {
	var out []*types.Edge
	for rows.Next() {
		e := &types.Edge{}
		var edgeType, createdBy, meta string
		if err := rows.Scan(&e.ID, &e.Source, &e.Target, &edgeType, &meta, &createdBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = types.EdgeType(edgeType)
		e.CreatedBy = types.EdgeCreator(createdBy)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse edge metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
