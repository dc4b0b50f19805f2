package ids

import (
	"strings"
	"testing"
)

func TestNodeIDDeterministic(t *testing.T) {
	a := NodeID("sess/abc.jsonl", "e1", "e5")
	b := NodeID("sess/abc.jsonl", "e1", "e5")
	if a != b {
		t.Fatalf("same inputs produced different ids: %s vs %s", a, b)
	}
	if len(a) != NodeIDLen {
		t.Fatalf("expected %d hex chars, got %d (%s)", NodeIDLen, len(a), a)
	}
	for _, c := range a {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("non-hex char %q in id %s", c, a)
		}
	}
}

func TestNodeIDDelimiterCollision(t *testing.T) {
	// Moving the boundary between fields must change the id.
	a := NodeID("a:b", "c", "d")
	b := NodeID("a", "b:c", "d")
	if a == b {
		t.Fatalf("delimiter shuffle collided: %s", a)
	}
	c := NodeID("s", "ab", "c")
	d := NodeID("s", "a", "bc")
	if c == d {
		t.Fatalf("segment boundary shuffle collided: %s", c)
	}
}

func TestNodeIDDistinctSegments(t *testing.T) {
	seen := map[string]bool{}
	for _, seg := range [][2]string{{"e1", "e5"}, {"e1", "e6"}, {"e2", "e5"}} {
		id := NodeID("sess/x.jsonl", seg[0], seg[1])
		if seen[id] {
			t.Fatalf("duplicate id %s for segment %v", id, seg)
		}
		seen[id] = true
	}
}

func TestJobIDFormat(t *testing.T) {
	a := JobID()
	b := JobID()
	if a == b {
		t.Fatalf("two random job ids collided: %s", a)
	}
	if len(a) != NodeIDLen {
		t.Fatalf("job id length = %d, want %d", len(a), NodeIDLen)
	}
}

func TestEdgeAndChildIDPrefixes(t *testing.T) {
	if e := EdgeID(); !strings.HasPrefix(e, "edg_") {
		t.Errorf("edge id missing prefix: %s", e)
	}
	if l := ChildID("les"); !strings.HasPrefix(l, "les_") {
		t.Errorf("child id missing prefix: %s", l)
	}
}
