package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Whamp/pi-brain-sub000/internal/ids"
	"github.com/Whamp/pi-brain-sub000/internal/storage"
	"github.com/Whamp/pi-brain-sub000/internal/types"
)

// Aggregation rows are upserted keyed on their content fingerprint so the
// scheduler passes can re-run safely.

// UpsertInsight inserts or refreshes an aggregated insight by fingerprint.
func (s *Store) UpsertInsight(ctx context.Context, in *types.AggregatedInsight) error {
	if in.ID == "" {
		in.ID = ids.ChildID("ins")
	}
	nodeIDs, err := json.Marshal(in.NodeIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal insight node ids: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO aggregated_insights (
				id, fingerprint, insight_type, model, summary, node_ids,
				support, confidence, prompt_included, prompt_version, first_seen, last_seen
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO UPDATE SET
				summary = excluded.summary,
				node_ids = excluded.node_ids,
				support = excluded.support,
				confidence = excluded.confidence,
				last_seen = excluded.last_seen
		`, in.ID, in.Fingerprint, in.InsightType, in.Model, in.Summary, string(nodeIDs),
			in.Support, in.Confidence, boolInt(in.PromptIncluded), in.PromptVersion,
			in.FirstSeen.UTC(), in.LastSeen.UTC())
		return err
	})
}

// GetInsightByFingerprint loads one insight or ErrNotFound.
func (s *Store) GetInsightByFingerprint(ctx context.Context, fingerprint string) (*types.AggregatedInsight, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, fingerprint, insight_type, model, summary, node_ids,
			support, confidence, prompt_included, prompt_version, first_seen, last_seen
		FROM aggregated_insights WHERE fingerprint = ?
	`, fingerprint)
	in, err := scanInsight(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, mapStorageError(err)
	}
	return in, nil
}

// ListInsights returns all aggregated insights, most recently seen first.
func (s *Store) ListInsights(ctx context.Context) ([]*types.AggregatedInsight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, insight_type, model, summary, node_ids,
			support, confidence, prompt_included, prompt_version, first_seen, last_seen
		FROM aggregated_insights ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	var out []*types.AggregatedInsight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanInsight(r rowScanner) (*types.AggregatedInsight, error) {
	in := &types.AggregatedInsight{}
	var nodeIDs string
	var promptIncluded int
	err := r.Scan(&in.ID, &in.Fingerprint, &in.InsightType, &in.Model, &in.Summary, &nodeIDs,
		&in.Support, &in.Confidence, &promptIncluded, &in.PromptVersion, &in.FirstSeen, &in.LastSeen)
	if err != nil {
		return nil, err
	}
	in.PromptIncluded = promptIncluded != 0
	if err := json.Unmarshal([]byte(nodeIDs), &in.NodeIDs); err != nil {
		return nil, fmt.Errorf("failed to parse insight node ids: %w", err)
	}
	return in, nil
}

// UpsertFailurePattern inserts or refreshes a failure pattern.
func (s *Store) UpsertFailurePattern(ctx context.Context, p *types.FailurePattern) error {
	if p.ID == "" {
		p.ID = ids.ChildID("flp")
	}
	nodeIDs, err := json.Marshal(p.NodeIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern node ids: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO failure_patterns (id, fingerprint, tool, error_type, model, occurrences, node_ids, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO UPDATE SET
				occurrences = excluded.occurrences,
				node_ids = excluded.node_ids,
				last_seen = excluded.last_seen
		`, p.ID, p.Fingerprint, p.Tool, p.ErrorType, p.Model, p.Occurrences, string(nodeIDs), p.LastSeen.UTC())
		return err
	})
}

// UpsertLessonPattern inserts or refreshes a lesson pattern.
func (s *Store) UpsertLessonPattern(ctx context.Context, p *types.LessonPattern) error {
	if p.ID == "" {
		p.ID = ids.ChildID("lsp")
	}
	nodeIDs, err := json.Marshal(p.NodeIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern node ids: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO lesson_patterns (id, fingerprint, level, summary, model, occurrences, node_ids, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO UPDATE SET
				occurrences = excluded.occurrences,
				node_ids = excluded.node_ids,
				last_seen = excluded.last_seen
		`, p.ID, p.Fingerprint, string(p.Level), p.Summary, p.Model, p.Occurrences, string(nodeIDs), p.LastSeen.UTC())
		return err
	})
}

// UpsertModelStats replaces the per-model counters.
func (s *Store) UpsertModelStats(ctx context.Context, st *types.ModelStats) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO model_stats (model, quirk_count, error_count, node_count, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(model) DO UPDATE SET
				quirk_count = excluded.quirk_count,
				error_count = excluded.error_count,
				node_count = excluded.node_count,
				updated_at = excluded.updated_at
		`, st.Model, st.QuirkCount, st.ErrorCount, st.NodeCount, st.UpdatedAt.UTC())
		return err
	})
}

// UpsertPromptEffectiveness records a measurement keyed by
// (insight, prompt version).
func (s *Store) UpsertPromptEffectiveness(ctx context.Context, pe *types.PromptEffectiveness) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO prompt_effectiveness (
				insight_id, prompt_version, before_count, after_count,
				before_sessions, after_sessions, improvement_pct, significant, measured_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(insight_id, prompt_version) DO UPDATE SET
				before_count = excluded.before_count,
				after_count = excluded.after_count,
				before_sessions = excluded.before_sessions,
				after_sessions = excluded.after_sessions,
				improvement_pct = excluded.improvement_pct,
				significant = excluded.significant,
				measured_at = excluded.measured_at
		`, pe.InsightID, pe.PromptVersion, pe.BeforeCount, pe.AfterCount,
			pe.BeforeSessions, pe.AfterSessions, pe.ImprovementPct, boolInt(pe.Significant), pe.MeasuredAt.UTC())
		return err
	})
}

// RecordAnalysisMetrics persists the daemon-metadata side record for a
// completed job.
func (s *Store) RecordAnalysisMetrics(ctx context.Context, m *types.AnalysisMetrics) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO analysis_metrics (job_id, node_id, duration_ms, tokens_used, cost_usd, prompt_version, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO UPDATE SET
				node_id = excluded.node_id,
				duration_ms = excluded.duration_ms,
				tokens_used = excluded.tokens_used,
				cost_usd = excluded.cost_usd,
				prompt_version = excluded.prompt_version,
				recorded_at = excluded.recorded_at
		`, m.JobID, m.NodeID, m.DurationMs, m.TokensUsed, m.CostUSD, m.PromptVersion, m.RecordedAt.UTC())
		return err
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
