package discovery

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

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

func newDiscoverer(s storage.Store) *Discoverer {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, Options{JaccardThreshold: 0.3, LessonSimilarityThreshold: 0.6}, log)
}

func makeNode(t *testing.T, s storage.Store, segStart string, mutate func(*types.Node)) *types.Node {
	t.Helper()
	n := &types.Node{
		ID:           ids.NodeID("sess/disc.jsonl", segStart, segStart+"-end"),
		SessionFile:  "sess/disc.jsonl",
		SegmentStart: segStart,
		SegmentEnd:   segStart + "-end",
		AnalyzedAt:   time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
		Type:         types.NodeTypeCoding,
		Outcome:      types.OutcomeSuccess,
		Summary:      "worked on things",
	}
	if mutate != nil {
		mutate(n)
	}
	if err := s.CreateNode(context.Background(), n); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	return n
}

func TestTagOverlapDiscovery(t *testing.T) {
	s := newTestStore(t)
	d := newDiscoverer(s)
	ctx := context.Background()

	n1 := makeNode(t, s, "e1", func(n *types.Node) { n.Tags = []string{"db", "sqlite"} })
	n2 := makeNode(t, s, "e2", func(n *types.Node) { n.Tags = []string{"sqlite", "fts"} })
	makeNode(t, s, "e3", func(n *types.Node) { n.Tags = []string{"frontend"} })

	created, err := d.DiscoverForNode(ctx, n1)
	if err != nil {
		t.Fatalf("DiscoverForNode: %v", err)
	}
	if created != 1 {
		t.Fatalf("created: got %d, want 1", created)
	}

	edges, err := s.GetEdges(ctx, n1.ID, storage.DirectionOut)
	if err != nil {
		t.Fatalf("GetEdges: %v", err)
	}
	if len(edges) != 1 || edges[0].Target != n2.ID || edges[0].Type != types.EdgeRelatedTo {
		t.Fatalf("edges: %+v", edges)
	}
	sim, _ := edges[0].Metadata["similarity"].(float64)
	if math.Abs(sim-1.0/3.0) > 0.001 {
		t.Errorf("similarity: got %f, want ~0.333", sim)
	}
	if via, _ := edges[0].Metadata["via"].(string); via != "tags" {
		t.Errorf("via: %q", via)
	}

	// Re-running discovers nothing new.
	created, err = d.DiscoverForNode(ctx, n1)
	if err != nil || created != 0 {
		t.Errorf("rerun: created=%d, err=%v", created, err)
	}
}

func TestReferenceDiscovery(t *testing.T) {
	s := newTestStore(t)
	d := newDiscoverer(s)
	ctx := context.Background()

	target := makeNode(t, s, "e1", nil)
	n := makeNode(t, s, "e2", func(n *types.Node) {
		n.Summary = "follow-up to " + target.ID + "@v1 which fixed the watcher"
	})

	created, err := d.DiscoverForNode(ctx, n)
	if err != nil {
		t.Fatalf("DiscoverForNode: %v", err)
	}
	if created != 1 {
		t.Fatalf("created: got %d, want 1", created)
	}

	edges, err := s.GetEdges(ctx, n.ID, storage.DirectionOut)
	if err != nil {
		t.Fatalf("GetEdges: %v", err)
	}
	if len(edges) != 1 || edges[0].Type != types.EdgeReferences || edges[0].Target != target.ID {
		t.Fatalf("edges: %+v", edges)
	}
	if v, _ := edges[0].Metadata["version"].(float64); int(v) != 1 {
		t.Errorf("version metadata: %v", edges[0].Metadata["version"])
	}
}

func TestTruncatedReferenceResolvesMostRecent(t *testing.T) {
	s := newTestStore(t)
	d := newDiscoverer(s)
	ctx := context.Background()

	older := makeNode(t, s, "e1", nil)
	newer := makeNode(t, s, "e2", func(n *types.Node) {
		n.AnalyzedAt = n.AnalyzedAt.Add(time.Hour)
	})

	// An 8-char prefix of the newer node's id. If the two nodes happened to
	// share the prefix, the most recently analyzed one must win.
	ref := newer.ID[:8]
	n := makeNode(t, s, "e3", func(n *types.Node) {
		n.Summary = "see " + ref + " for context"
	})

	if _, err := d.DiscoverForNode(ctx, n); err != nil {
		t.Fatalf("DiscoverForNode: %v", err)
	}
	edges, err := s.GetEdges(ctx, n.ID, storage.DirectionOut)
	if err != nil {
		t.Fatalf("GetEdges: %v", err)
	}
	if len(edges) != 1 || edges[0].Target != newer.ID {
		t.Fatalf("edges: %+v (older=%s newer=%s)", edges, older.ID, newer.ID)
	}
}

func TestLessonReinforcement(t *testing.T) {
	s := newTestStore(t)
	d := newDiscoverer(s)
	ctx := context.Background()

	prior := makeNode(t, s, "e1", func(n *types.Node) {
		n.Lessons = []*types.Lesson{{
			Level: types.LessonTactical, Summary: "always pin the sqlite busy timeout before writes",
		}}
	})
	n := makeNode(t, s, "e2", func(n *types.Node) {
		n.Lessons = []*types.Lesson{{
			Level: types.LessonTactical, Summary: "always pin the sqlite busy timeout before write",
		}}
	})

	created, err := d.DiscoverForNode(ctx, n)
	if err != nil {
		t.Fatalf("DiscoverForNode: %v", err)
	}
	if created != 1 {
		t.Fatalf("created: got %d, want 1", created)
	}

	edges, err := s.GetEdges(ctx, n.ID, storage.DirectionOut)
	if err != nil {
		t.Fatalf("GetEdges: %v", err)
	}
	if len(edges) != 1 || edges[0].Type != types.EdgeReinforces || edges[0].Target != prior.ID {
		t.Fatalf("edges: %+v", edges)
	}
	if sim, _ := edges[0].Metadata["similarity"].(float64); sim < 0.6 {
		t.Errorf("similarity: %f", sim)
	}
}

func TestUnrelatedLessonsNotLinked(t *testing.T) {
	s := newTestStore(t)
	d := newDiscoverer(s)
	ctx := context.Background()

	makeNode(t, s, "e1", func(n *types.Node) {
		n.Lessons = []*types.Lesson{{Level: types.LessonMeta, Summary: "prefer smaller pull requests"}}
	})
	n := makeNode(t, s, "e2", func(n *types.Node) {
		n.Lessons = []*types.Lesson{{Level: types.LessonTactical, Summary: "cache the fts tokenizer state"}}
	})

	created, err := d.DiscoverForNode(ctx, n)
	if err != nil || created != 0 {
		t.Errorf("created=%d, err=%v", created, err)
	}
}

func TestJaccard(t *testing.T) {
	a := unionSet([]string{"db", "sqlite"})
	b := unionSet([]string{"sqlite", "fts"})
	if got := jaccard(a, b); math.Abs(got-1.0/3.0) > 1e-9 {
		t.Errorf("jaccard: %f", got)
	}
	if got := jaccard(a, a); got != 1 {
		t.Errorf("self jaccard: %f", got)
	}
	if got := jaccard(map[string]bool{}, map[string]bool{}); got != 0 {
		t.Errorf("empty jaccard: %f", got)
	}
}

func TestTrigrams(t *testing.T) {
	g := trigrams("abcd")
	if len(g) != 2 || !g["abc"] || !g["bcd"] {
		t.Errorf("trigrams: %v", g)
	}
	// Whitespace normalization folds runs to single spaces.
	if got, want := trigrams("a  b"), trigrams("a b"); len(got) != len(want) {
		t.Errorf("normalization: %v vs %v", got, want)
	}
	if g := trigrams("ab"); len(g) != 1 || !g["ab"] {
		t.Errorf("short string: %v", g)
	}
}
