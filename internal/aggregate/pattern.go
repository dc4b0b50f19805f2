// Package aggregate synthesizes higher-order records from individual node
// observations: recurring failure patterns, repeated lessons, per-model
// statistics, and clustered insights. Passes are deterministic given their
// inputs and keyed on content fingerprints, so re-runs are safe.
package aggregate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Whamp/pi-brain-sub000/internal/storage"
	"github.com/Whamp/pi-brain-sub000/internal/types"
)

// Options bound what qualifies as a pattern or insight.
type Options struct {
	MinOccurrences int
	MinSupport     int
	MinClusterSize int
}

// PatternAggregator groups failures and lessons by stable fingerprints.
type PatternAggregator struct {
	store storage.Store
	opts  Options
	log   *slog.Logger
}

// NewPatternAggregator creates the pass over the store.
func NewPatternAggregator(store storage.Store, opts Options, log *slog.Logger) *PatternAggregator {
	if opts.MinOccurrences <= 0 {
		opts.MinOccurrences = 3
	}
	return &PatternAggregator{store: store, opts: opts, log: log}
}

// Result summarizes one aggregation pass.
type Result struct {
	FailurePatterns int
	LessonPatterns  int
	ModelStats      int
	Insights        int
}

// Run aggregates observations recorded since the given time.
func (a *PatternAggregator) Run(ctx context.Context, since time.Time) (*Result, error) {
	res := &Result{}

	toolErrors, err := a.store.ListToolErrorsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool errors: %w", err)
	}
	lessons, err := a.store.ListLessonsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list lessons: %w", err)
	}
	quirks, err := a.store.ListModelQuirksSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list model quirks: %w", err)
	}

	n, err := a.aggregateFailures(ctx, toolErrors)
	if err != nil {
		return nil, err
	}
	res.FailurePatterns = n

	n, err = a.aggregateLessons(ctx, lessons)
	if err != nil {
		return nil, err
	}
	res.LessonPatterns = n

	n, err = a.aggregateModelStats(ctx, toolErrors, quirks)
	if err != nil {
		return nil, err
	}
	res.ModelStats = n

	a.log.Info("pattern aggregation complete",
		"failure_patterns", res.FailurePatterns,
		"lesson_patterns", res.LessonPatterns,
		"model_stats", res.ModelStats)
	return res, nil
}

// FailureFingerprint is the stable dedup key for a failure group.
func FailureFingerprint(tool, errorType, model string) string {
	return strings.Join([]string{"failure", tool, errorType, model}, "|")
}

func (a *PatternAggregator) aggregateFailures(ctx context.Context, toolErrors []*types.ToolError) (int, error) {
	type group struct {
		tool, errorType, model string
		nodeIDs                map[string]bool
		count                  int
		lastSeen               time.Time
	}
	groups := map[string]*group{}
	for _, te := range toolErrors {
		fp := FailureFingerprint(te.Tool, te.ErrorType, te.Model)
		g, ok := groups[fp]
		if !ok {
			g = &group{tool: te.Tool, errorType: te.ErrorType, model: te.Model, nodeIDs: map[string]bool{}}
			groups[fp] = g
		}
		g.count++
		g.nodeIDs[te.NodeID] = true
		if te.CreatedAt.After(g.lastSeen) {
			g.lastSeen = te.CreatedAt
		}
	}

	upserted := 0
	for fp, g := range groups {
		if g.count < a.opts.MinOccurrences {
			continue
		}
		err := a.store.UpsertFailurePattern(ctx, &types.FailurePattern{
			Fingerprint: fp,
			Tool:        g.tool,
			ErrorType:   g.errorType,
			Model:       g.model,
			Occurrences: g.count,
			NodeIDs:     sortedKeys(g.nodeIDs),
			LastSeen:    g.lastSeen,
		})
		if err != nil {
			return upserted, fmt.Errorf("failed to upsert failure pattern %s: %w", fp, err)
		}
		upserted++
	}
	return upserted, nil
}

// LessonFingerprint hashes a normalized lesson summary with its level.
func LessonFingerprint(level types.LessonLevel, summary string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(summary), " "))
	sum := sha256.Sum256([]byte(string(level) + "|" + norm))
	return "lesson|" + hex.EncodeToString(sum[:])[:16]
}

func (a *PatternAggregator) aggregateLessons(ctx context.Context, lessons []*types.Lesson) (int, error) {
	type group struct {
		level    types.LessonLevel
		summary  string
		nodeIDs  map[string]bool
		count    int
		lastSeen time.Time
	}
	groups := map[string]*group{}
	for _, l := range lessons {
		fp := LessonFingerprint(l.Level, l.Summary)
		g, ok := groups[fp]
		if !ok {
			g = &group{level: l.Level, summary: l.Summary, nodeIDs: map[string]bool{}}
			groups[fp] = g
		}
		g.count++
		g.nodeIDs[l.NodeID] = true
		if l.CreatedAt.After(g.lastSeen) {
			g.lastSeen = l.CreatedAt
		}
	}

	upserted := 0
	for fp, g := range groups {
		if g.count < a.opts.MinOccurrences {
			continue
		}
		err := a.store.UpsertLessonPattern(ctx, &types.LessonPattern{
			Fingerprint: fp,
			Level:       g.level,
			Summary:     g.summary,
			Occurrences: g.count,
			NodeIDs:     sortedKeys(g.nodeIDs),
			LastSeen:    g.lastSeen,
		})
		if err != nil {
			return upserted, fmt.Errorf("failed to upsert lesson pattern %s: %w", fp, err)
		}
		upserted++
	}
	return upserted, nil
}

func (a *PatternAggregator) aggregateModelStats(ctx context.Context, toolErrors []*types.ToolError, quirks []*types.ModelQuirk) (int, error) {
	type stats struct {
		quirkCount, errorCount int
		nodes                  map[string]bool
	}
	byModel := map[string]*stats{}
	get := func(model string) *stats {
		if model == "" {
			model = "unknown"
		}
		st, ok := byModel[model]
		if !ok {
			st = &stats{nodes: map[string]bool{}}
			byModel[model] = st
		}
		return st
	}

	for _, te := range toolErrors {
		st := get(te.Model)
		st.errorCount++
		st.nodes[te.NodeID] = true
	}
	for _, q := range quirks {
		st := get(q.Model)
		st.quirkCount++
		st.nodes[q.NodeID] = true
	}

	now := time.Now().UTC()
	upserted := 0
	for model, st := range byModel {
		err := a.store.UpsertModelStats(ctx, &types.ModelStats{
			Model:      model,
			QuirkCount: st.quirkCount,
			ErrorCount: st.errorCount,
			NodeCount:  len(st.nodes),
			UpdatedAt:  now,
		})
		if err != nil {
			return upserted, fmt.Errorf("failed to upsert model stats for %s: %w", model, err)
		}
		upserted++
	}
	return upserted, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
