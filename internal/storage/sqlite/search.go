package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/Whamp/pi-brain-sub000/internal/storage"
)

// ftsColumns are the searchable fields, in FTS table column order
// (node_id occupies column 0).
var ftsColumns = []string{"summary", "decisions", "lessons", "tags", "topics"}

// SearchNodesAdvanced runs a full-text query with filters and pagination.
// Each hit carries its bm25 relevance and per-field snippet highlights.
func (s *Store) SearchNodesAdvanced(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT n.json_path, bm25(nodes_fts)`)
	for i := range ftsColumns {
		fmt.Fprintf(&sb, `, snippet(nodes_fts, %d, '<b>', '</b>', '...', 32)`, i+1)
	}
	sb.WriteString(`
		FROM nodes_fts
		JOIN nodes n ON n.id = nodes_fts.node_id
		WHERE nodes_fts MATCH ?`)
	args := []any{quoteFTSQuery(query)}

	if opts.Project != "" {
		sb.WriteString(` AND n.project = ?`)
		args = append(args, opts.Project)
	}
	if opts.Type != "" {
		sb.WriteString(` AND n.node_type = ?`)
		args = append(args, string(opts.Type))
	}
	if opts.Outcome != "" {
		sb.WriteString(` AND n.outcome = ?`)
		args = append(args, string(opts.Outcome))
	}
	if opts.Computer != "" {
		sb.WriteString(` AND n.computer = ?`)
		args = append(args, opts.Computer)
	}
	if !opts.Since.IsZero() {
		sb.WriteString(` AND n.analyzed_at >= ?`)
		args = append(args, opts.Since.UTC())
	}
	if !opts.Until.IsZero() {
		sb.WriteString(` AND n.analyzed_at <= ?`)
		args = append(args, opts.Until.UTC())
	}

	sb.WriteString(` ORDER BY bm25(nodes_fts) LIMIT ? OFFSET ?`)
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, nil // FTS migration skipped on this build
		}
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	var results []storage.SearchResult
	for rows.Next() {
		var path string
		var score float64
		snippets := make([]string, len(ftsColumns))
		dests := []any{&path, &score}
		for i := range snippets {
			dests = append(dests, &snippets[i])
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, err
		}

		node, err := readNodeJSON(path)
		if err != nil {
			s.log.Warn("skipping unreadable node JSON in search", "path", path, "error", err)
			continue
		}

		var highlights []string
		for i, snip := range snippets {
			if strings.Contains(snip, "<b>") {
				highlights = append(highlights, ftsColumns[i]+": "+snip)
			}
		}
		results = append(results, storage.SearchResult{
			Node: node,
			// bm25 is negative-is-better; flip so higher means more relevant.
			Score:      -score,
			Highlights: highlights,
		})
	}
	return results, rows.Err()
}

// quoteFTSQuery wraps each whitespace token in double quotes so user text
// with punctuation (paths, error strings) cannot be parsed as FTS syntax.
func quoteFTSQuery(q string) string {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return `""`
	}
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(fields, " ")
}
