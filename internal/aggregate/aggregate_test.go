package aggregate

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Whamp/pi-brain-sub000/internal/embedding"
	"github.com/Whamp/pi-brain-sub000/internal/ids"
	"github.com/Whamp/pi-brain-sub000/internal/storage"
	"github.com/Whamp/pi-brain-sub000/internal/storage/sqlite"
	"github.com/Whamp/pi-brain-sub000/internal/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := sqlite.New(context.Background(),
		filepath.Join(dir, "pi-brain.db"), filepath.Join(dir, "nodes"), log)
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedNode(t *testing.T, s storage.Store, segStart string, mutate func(*types.Node)) *types.Node {
	t.Helper()
	n := &types.Node{
		ID:           ids.NodeID("sess/agg.jsonl", segStart, segStart+"x"),
		SessionFile:  "sess/agg.jsonl",
		SegmentStart: segStart,
		SegmentEnd:   segStart + "x",
		AnalyzedAt:   time.Now().UTC().Add(-time.Hour),
		Type:         types.NodeTypeDebugging,
		Outcome:      types.OutcomeFailed,
		Model:        "gpt-5",
		Summary:      "debugging session",
	}
	if mutate != nil {
		mutate(n)
	}
	if err := s.CreateNode(context.Background(), n); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	return n
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFailurePatternAggregation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Three bash timeouts across three nodes, one unrelated error.
	for _, seg := range []string{"e1", "e2", "e3"} {
		seedNode(t, s, seg, func(n *types.Node) {
			n.ToolErrors = []*types.ToolError{{Tool: "bash", ErrorType: "timeout", Model: "gpt-5"}}
		})
	}
	seedNode(t, s, "e4", func(n *types.Node) {
		n.ToolErrors = []*types.ToolError{{Tool: "edit", ErrorType: "not_found", Model: "gpt-5"}}
	})

	agg := NewPatternAggregator(s, Options{MinOccurrences: 3}, discardLog())
	res, err := agg.Run(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FailurePatterns != 1 {
		t.Errorf("failure patterns: got %d, want 1 (edit error is below threshold)", res.FailurePatterns)
	}
	if res.ModelStats != 1 {
		t.Errorf("model stats: got %d, want 1", res.ModelStats)
	}

	// Re-running with the same inputs is a clean upsert, not a duplicate.
	res, err = agg.Run(ctx, time.Time{})
	if err != nil || res.FailurePatterns != 1 {
		t.Errorf("rerun: %+v, %v", res, err)
	}
}

func TestLessonPatternAggregation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// The same lesson text with varying whitespace must share a fingerprint.
	texts := []string{
		"check the busy timeout first",
		"check  the busy timeout first",
		"Check the busy timeout first",
	}
	for i, seg := range []string{"e1", "e2", "e3"} {
		text := texts[i]
		seedNode(t, s, seg, func(n *types.Node) {
			n.Lessons = []*types.Lesson{{Level: types.LessonTactical, Summary: text}}
		})
	}

	agg := NewPatternAggregator(s, Options{MinOccurrences: 3}, discardLog())
	res, err := agg.Run(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.LessonPatterns != 1 {
		t.Errorf("lesson patterns: got %d, want 1", res.LessonPatterns)
	}
}

func TestLessonFingerprintNormalization(t *testing.T) {
	a := LessonFingerprint(types.LessonTactical, "Check the  timeout")
	b := LessonFingerprint(types.LessonTactical, "check the timeout")
	if a != b {
		t.Errorf("fingerprints differ: %s vs %s", a, b)
	}
	if a == LessonFingerprint(types.LessonMeta, "check the timeout") {
		t.Error("level must be part of the fingerprint")
	}
}

func TestInsightAggregationTokenFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Three near-identical quirk reports for one model, plus an outlier.
	quirkTexts := []string{
		"model truncates long sed commands silently",
		"model truncates long sed commands without warning",
		"the model truncates long sed commands silently",
	}
	segs := []string{"e1", "e2", "e3"}
	for i := range segs {
		text := quirkTexts[i]
		seedNode(t, s, segs[i], func(n *types.Node) {
			n.ModelQuirks = []*types.ModelQuirk{{Model: "gpt-5", Summary: text, Severity: 0.8}}
		})
	}
	seedNode(t, s, "e4", func(n *types.Node) {
		n.ModelQuirks = []*types.ModelQuirk{{Model: "gpt-5", Summary: "prefers tabs over spaces", Severity: 0.2}}
	})

	agg := NewInsightAggregator(s, nil, Options{MinSupport: 3, MinClusterSize: 2}, discardLog())
	written, err := agg.Run(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if written != 1 {
		t.Fatalf("insights written: got %d, want 1", written)
	}

	insights, err := s.ListInsights(ctx)
	if err != nil || len(insights) != 1 {
		t.Fatalf("ListInsights: %d, %v", len(insights), err)
	}
	in := insights[0]
	if in.Support != 3 || in.Model != "gpt-5" || in.InsightType != "model_quirk" {
		t.Errorf("insight: %+v", in)
	}
	if in.Confidence <= 0 || in.Confidence > 1 {
		t.Errorf("confidence out of range: %f", in.Confidence)
	}
	if len(in.NodeIDs) != 3 {
		t.Errorf("node ids: %v", in.NodeIDs)
	}

	// Re-run: same fingerprint, firstSeen preserved, still one row.
	firstSeen := in.FirstSeen
	if _, err := agg.Run(ctx, time.Time{}); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	insights, _ = s.ListInsights(ctx)
	if len(insights) != 1 {
		t.Fatalf("rerun duplicated insights: %d", len(insights))
	}
	if !insights[0].FirstSeen.Equal(firstSeen) {
		t.Errorf("firstSeen changed across reruns: %v vs %v", insights[0].FirstSeen, firstSeen)
	}
}

func TestInsightAggregationWithEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, seg := range []string{"e1", "e2", "e3", "e4"} {
		seedNode(t, s, seg, func(n *types.Node) {
			n.ModelQuirks = []*types.ModelQuirk{{Model: "gpt-5", Summary: "identical quirk text", Severity: 0.7}}
		})
	}

	provider := embedding.NewMockProvider(32)
	agg := NewInsightAggregator(s, provider, Options{MinSupport: 3, MinClusterSize: 2}, discardLog())
	written, err := agg.Run(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Identical texts embed identically and must land in one cluster.
	if written != 1 {
		t.Errorf("insights: got %d, want 1", written)
	}
}

func TestConfidenceScore(t *testing.T) {
	now := time.Now()
	if got := confidenceScore(10, 1.0, now); got != 1 {
		t.Errorf("high support should clamp to 1, got %f", got)
	}
	recent := confidenceScore(1, 0.5, now)
	stale := confidenceScore(1, 0.5, now.Add(-90*24*time.Hour))
	if stale >= recent {
		t.Errorf("decay not applied: recent=%f stale=%f", recent, stale)
	}
	if recent < 0.49 || recent > 0.51 {
		t.Errorf("recent score: %f, want ~0.5", recent)
	}
}

func TestClusterByTokenOverlap(t *testing.T) {
	clusters := clusterByTokenOverlap([]string{
		"watcher race under heavy load",
		"watcher race under load",
		"config reload drops overrides",
	}, 0.5)
	if len(clusters) != 2 {
		t.Fatalf("clusters: %v", clusters)
	}
	if len(clusters[0]) != 2 || clusters[0][0] != 0 || clusters[0][1] != 1 {
		t.Errorf("first cluster: %v", clusters[0])
	}
}

func TestClusterVectorsGroupsIdentical(t *testing.T) {
	vecs := [][]float32{
		{1, 0, 0}, {1, 0, 0},
		{0, 1, 0}, {0, 1, 0},
	}
	clusters := clusterVectors(vecs, 2)
	if len(clusters) != 2 {
		t.Fatalf("clusters: %v", clusters)
	}
	for _, c := range clusters {
		if len(c) != 2 {
			t.Errorf("cluster sizes: %v", clusters)
		}
	}
}

func TestMeasurePromptEffectiveness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	adopted := time.Now().UTC().Add(-24 * time.Hour)

	// Six failures before adoption, one after.
	var nodeIDs []string
	for i, seg := range []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7"} {
		createdAt := adopted.Add(-time.Duration(i+1) * time.Hour)
		if i == 6 {
			createdAt = adopted.Add(time.Hour)
		}
		n := seedNode(t, s, seg, func(n *types.Node) {
			n.ToolErrors = []*types.ToolError{{
				Tool: "bash", ErrorType: "timeout", Model: "gpt-5", CreatedAt: createdAt,
			}}
		})
		nodeIDs = append(nodeIDs, n.ID)
	}

	in := &types.AggregatedInsight{
		ID: "ins_test", Fingerprint: "fp-test", InsightType: "failure_pattern",
		Model: "gpt-5", Summary: "bash timeouts", NodeIDs: nodeIDs,
		Support: 7, Confidence: 0.9,
		FirstSeen: adopted.Add(-7 * time.Hour), LastSeen: adopted.Add(time.Hour),
	}
	if err := s.UpsertInsight(ctx, in); err != nil {
		t.Fatalf("UpsertInsight: %v", err)
	}

	agg := NewInsightAggregator(s, nil, Options{MinSupport: 3, MinClusterSize: 2}, discardLog())
	if err := agg.MeasurePromptEffectiveness(ctx, in, "abc123def456", adopted); err != nil {
		t.Fatalf("MeasurePromptEffectiveness: %v", err)
	}
}

func TestMeasurePromptEffectivenessScopesModelAgnosticInsight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	adopted := time.Now().UTC().Add(-24 * time.Hour)

	// Two cluster failures before adoption.
	var nodeIDs []string
	for i, seg := range []string{"e1", "e2"} {
		n := seedNode(t, s, seg, func(n *types.Node) {
			n.ToolErrors = []*types.ToolError{{
				Tool: "bash", ErrorType: "timeout", Model: "gpt-5",
				CreatedAt: adopted.Add(-time.Duration(i+1) * time.Hour),
			}}
		})
		nodeIDs = append(nodeIDs, n.ID)
	}
	// Unrelated errors from other nodes and models, before and after.
	for i, seg := range []string{"x1", "x2", "x3"} {
		createdAt := adopted.Add(-time.Duration(i+1) * time.Hour)
		if i == 2 {
			createdAt = adopted.Add(time.Hour)
		}
		seedNode(t, s, seg, func(n *types.Node) {
			n.Model = "claude-opus"
			n.ToolErrors = []*types.ToolError{{
				Tool: "edit", ErrorType: "not_found", Model: "claude-opus", CreatedAt: createdAt,
			}}
		})
	}

	in := &types.AggregatedInsight{
		ID: "ins_agnostic", Fingerprint: "fp-agnostic", InsightType: "failure_pattern",
		Summary: "bash timeouts", NodeIDs: nodeIDs,
		Support: 2, Confidence: 0.7,
		FirstSeen: adopted.Add(-3 * time.Hour), LastSeen: adopted.Add(-time.Hour),
	}
	if err := s.UpsertInsight(ctx, in); err != nil {
		t.Fatalf("UpsertInsight: %v", err)
	}

	agg := NewInsightAggregator(s, nil, Options{MinSupport: 2, MinClusterSize: 2}, discardLog())
	if err := agg.MeasurePromptEffectiveness(ctx, in, "abc123def456", adopted); err != nil {
		t.Fatalf("MeasurePromptEffectiveness: %v", err)
	}

	// With no model on the insight, only the cluster's own errors count.
	db := s.(*sqlite.Store).UnderlyingDB()
	var before, after int
	err := db.QueryRowContext(ctx, `
		SELECT before_count, after_count FROM prompt_effectiveness
		WHERE insight_id = ?`, in.ID).Scan(&before, &after)
	if err != nil {
		t.Fatalf("reading measurement: %v", err)
	}
	if before != 2 || after != 0 {
		t.Errorf("counts: got before=%d after=%d, want before=2 after=0", before, after)
	}
}
