package watcher

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := New(Options{
		Dir:           dir,
		Globs:         []string{"*.jsonl"},
		PollInterval:  time.Second,
		IdleThreshold: 2 * time.Minute,
	}, log)
	return w, dir
}

func drain(w *Watcher) []Event {
	var out []Event
	for {
		select {
		case ev := <-w.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func writeSession(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing session file: %v", err)
	}
	return path
}

func TestNewFileEmitsSessionNew(t *testing.T) {
	w, dir := newTestWatcher(t)
	path := writeSession(t, dir, "a.jsonl", `{"id":"e1"}`+"\n")
	writeSession(t, dir, "ignored.txt", "not a session")

	w.scan(time.Now())

	events := drain(w)
	if len(events) != 1 || events[0].Kind != SessionNew || events[0].Path != path {
		t.Fatalf("events: %+v", events)
	}

	// Rescanning with nothing changed emits nothing.
	w.scan(time.Now())
	if events := drain(w); len(events) != 0 {
		t.Errorf("idle rescan emitted %+v", events)
	}
}

func TestGrowthThenQuietEmitsChanged(t *testing.T) {
	w, dir := newTestWatcher(t)
	path := writeSession(t, dir, "a.jsonl", `{"id":"e1"}`+"\n")

	now := time.Now()
	w.scan(now)
	drain(w) // session:new

	writeSession(t, dir, "a.jsonl", `{"id":"e1"}`+"\n"+`{"id":"e2"}`+"\n")
	w.scan(now.Add(time.Second))
	if events := drain(w); len(events) != 0 {
		t.Fatalf("growth should not be ready yet: %+v", events)
	}

	// Still growing: no event even past the threshold measured from first
	// activity, only from the last one.
	writeSession(t, dir, "a.jsonl", `{"id":"e1"}`+"\n"+`{"id":"e2"}`+"\n"+`{"id":"e3"}`+"\n")
	w.scan(now.Add(2 * time.Second))
	drain(w)

	w.scan(now.Add(2*time.Second + 3*time.Minute))
	events := drain(w)
	if len(events) != 1 || events[0].Kind != SessionChanged || events[0].Path != path {
		t.Fatalf("events: %+v", events)
	}

	// Changed fires once per growth burst.
	w.scan(now.Add(2*time.Second + 6*time.Minute))
	if events := drain(w); len(events) != 0 {
		t.Errorf("changed re-fired: %+v", events)
	}
}

func TestIdleWithUnprocessedEntries(t *testing.T) {
	w, dir := newTestWatcher(t)
	path := writeSession(t, dir, "a.jsonl", `{"id":"e1"}`+"\n")

	now := time.Now()
	w.scan(now)
	drain(w)

	// The glue has parsed the boundary but not analyzed through it.
	w.SetEndEntry(path, "e1")
	w.MarkProcessed(path, "")

	w.scan(now.Add(3 * time.Minute))
	events := drain(w)
	if len(events) != 1 || events[0].Kind != SessionIdle {
		t.Fatalf("events: %+v", events)
	}

	// Idle fires once until the processed boundary moves.
	w.scan(now.Add(6 * time.Minute))
	if events := drain(w); len(events) != 0 {
		t.Errorf("idle re-fired: %+v", events)
	}

	// Fully processed files never fire idle.
	w.MarkProcessed(path, "e1")
	w.scan(now.Add(9 * time.Minute))
	if events := drain(w); len(events) != 0 {
		t.Errorf("processed file fired idle: %+v", events)
	}
}

func TestRemovedFile(t *testing.T) {
	w, dir := newTestWatcher(t)
	path := writeSession(t, dir, "a.jsonl", `{"id":"e1"}`+"\n")

	w.scan(time.Now())
	drain(w)

	if err := os.Remove(path); err != nil {
		t.Fatalf("removing session: %v", err)
	}
	w.scan(time.Now())
	events := drain(w)
	if len(events) != 1 || events[0].Kind != SessionRemoved || events[0].Path != path {
		t.Fatalf("events: %+v", events)
	}
}

func TestFilesSnapshot(t *testing.T) {
	w, dir := newTestWatcher(t)
	path := writeSession(t, dir, "a.jsonl", `{"id":"e1"}`+"\n")

	w.scan(time.Now())
	w.SetEndEntry(path, "e7")

	files := w.Files()
	if len(files) != 1 {
		t.Fatalf("snapshot: got %d files", len(files))
	}
	if files[0].Path != path || files[0].EndEntryID != "e7" || files[0].Size == 0 {
		t.Errorf("snapshot: %+v", files[0])
	}
}
