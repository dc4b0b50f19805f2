package daemon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Whamp/pi-brain-sub000/internal/config"
	"github.com/Whamp/pi-brain-sub000/internal/errclass"
	"github.com/Whamp/pi-brain-sub000/internal/ids"
	"github.com/Whamp/pi-brain-sub000/internal/prompt"
	"github.com/Whamp/pi-brain-sub000/internal/queue"
	"github.com/Whamp/pi-brain-sub000/internal/storage"
	"github.com/Whamp/pi-brain-sub000/internal/storage/sqlite"
	"github.com/Whamp/pi-brain-sub000/internal/types"
	"github.com/Whamp/pi-brain-sub000/internal/watcher"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTracker(t *testing.T) (*sessionTracker, storage.Store, *queue.Queue) {
	t.Helper()
	dir := t.TempDir()
	log := discardLog()
	store, err := sqlite.New(context.Background(),
		filepath.Join(dir, "pi-brain.db"), filepath.Join(dir, "nodes"), log)
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	policy := errclass.RetryPolicy{BaseDelaySec: 60, MaxDelaySec: 3600, JitterRatio: 0, MaxRetries: 3}
	q := queue.New(store.UnderlyingDB(), policy, log)
	w := watcher.New(watcher.Options{Dir: dir, Globs: []string{"*.jsonl"}}, log)
	return newSessionTracker(store, q, w, log), store, q
}

func writeSession(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "session.jsonl")
	var content string
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing session: %v", err)
	}
	return path
}

func TestReadEntryIDs(t *testing.T) {
	dir := t.TempDir()
	path := writeSession(t, dir,
		`{"id":"e1","type":"user","content":"hi"}`,
		``,
		`not json at all`,
		`{"type":"meta"}`,
		`{"id":"e2","type":"assistant"}`,
	)
	got, err := readEntryIDs(path)
	if err != nil {
		t.Fatalf("readEntryIDs: %v", err)
	}
	if len(got) != 2 || got[0] != "e1" || got[1] != "e2" {
		t.Errorf("ids: %v", got)
	}
}

func TestIngestEnqueuesNewSegment(t *testing.T) {
	tr, _, q := newTracker(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := writeSession(t, dir,
		`{"id":"e1"}`, `{"id":"e2"}`, `{"id":"e3"}`,
	)

	if err := tr.ingest(ctx, path); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	st, err := q.GetStats(ctx)
	if err != nil || st.Pending != 1 {
		t.Fatalf("stats: %+v, %v", st, err)
	}

	job, err := q.ClaimNext(ctx, "t")
	if err != nil || job == nil {
		t.Fatalf("ClaimNext: %v, %v", job, err)
	}
	if job.Context.SegmentStart != "e1" || job.Context.SegmentEnd != "e3" {
		t.Errorf("segment: %+v", job.Context)
	}
	if job.Context.SessionFile != path {
		t.Errorf("session file: %q", job.Context.SessionFile)
	}
}

func TestIngestResumesAfterAppend(t *testing.T) {
	tr, _, q := newTracker(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := writeSession(t, dir, `{"id":"e1"}`, `{"id":"e2"}`)

	if err := tr.ingest(ctx, path); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	// Append two entries; only the new tail becomes a segment.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"id":"e3"}` + "\n" + `{"id":"e4"}` + "\n")
	f.Close()

	if err := tr.ingest(ctx, path); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	st, _ := q.GetStats(ctx)
	if st.Pending != 2 {
		t.Fatalf("pending: %d, want 2", st.Pending)
	}
	// Claim both; the second segment must start after the first ended.
	first, _ := q.ClaimNext(ctx, "t")
	second, _ := q.ClaimNext(ctx, "t")
	if second.Context.SegmentStart != "e3" || second.Context.SegmentEnd != "e4" {
		t.Errorf("second segment: %+v", second.Context)
	}
	if first.Context.SegmentEnd != "e2" {
		t.Errorf("first segment: %+v", first.Context)
	}
}

func TestIngestIdempotentWhenNothingNew(t *testing.T) {
	tr, _, q := newTracker(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := writeSession(t, dir, `{"id":"e1"}`, `{"id":"e2"}`)

	if err := tr.ingest(ctx, path); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := tr.ingest(ctx, path); err != nil {
		t.Fatalf("repeat ingest: %v", err)
	}
	st, _ := q.GetStats(ctx)
	if st.Pending != 1 {
		t.Errorf("pending: %d, want 1 (no new entries, nothing enqueued)", st.Pending)
	}
}

func TestProcessedThroughSeededFromStore(t *testing.T) {
	tr, store, q := newTracker(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := writeSession(t, dir, `{"id":"e1"}`, `{"id":"e2"}`, `{"id":"e3"}`)

	// A previous daemon already analyzed [e1, e2].
	n := &types.Node{
		ID:           ids.NodeID(path, "e1", "e2"),
		SessionFile:  path,
		SegmentStart: "e1", SegmentEnd: "e2",
		AnalyzedAt: time.Now().UTC(),
		Type:       types.NodeTypeCoding, Outcome: types.OutcomeSuccess,
		Summary: "earlier work",
	}
	if err := store.CreateNode(ctx, n); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	if err := tr.ingest(ctx, path); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	job, err := q.ClaimNext(ctx, "t")
	if err != nil || job == nil {
		t.Fatalf("ClaimNext: %v, %v", job, err)
	}
	if job.Context.SegmentStart != "e3" || job.Context.SegmentEnd != "e3" {
		t.Errorf("segment after restart: %+v", job.Context)
	}
}

func TestFirstUnprocessed(t *testing.T) {
	entries := []string{"e1", "e2", "e3"}
	if got := firstUnprocessed(entries, ""); got != "e1" {
		t.Errorf("empty through: %q", got)
	}
	if got := firstUnprocessed(entries, "e2"); got != "e3" {
		t.Errorf("mid through: %q", got)
	}
	if got := firstUnprocessed(entries, "e3"); got != "" {
		t.Errorf("caught up: %q", got)
	}
	// A through id missing from the file restarts from the top.
	if got := firstUnprocessed(entries, "gone"); got != "e1" {
		t.Errorf("unknown through: %q", got)
	}
}

func TestProjectOf(t *testing.T) {
	if got := projectOf("/home/u/.pi/sessions/pi-brain/s1.jsonl"); got != "pi-brain" {
		t.Errorf("projectOf: %q", got)
	}
}

func TestPIDLifecycle(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "pi-brain.pid")

	d := &Daemon{log: discardLog()}
	if err := d.acquirePID(pidPath); err != nil {
		t.Fatalf("acquirePID: %v", err)
	}

	pid, err := ReadPID(pidPath)
	if err != nil || pid != os.Getpid() {
		t.Errorf("ReadPID: %d, %v", pid, err)
	}
	if !Alive(pid) {
		t.Error("our own pid should be alive")
	}

	d.releasePID(pidPath)
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("pid file not removed")
	}
}

func TestStopWithoutDaemon(t *testing.T) {
	dir := t.TempDir()
	err := Stop(filepath.Join(dir, "pi-brain.pid"), time.Second)
	if err == nil {
		t.Fatal("expected error when no daemon is running")
	}
}

func TestAliveRejectsBogusPID(t *testing.T) {
	if Alive(0) || Alive(-1) {
		t.Error("non-positive pids are never alive")
	}
}

func TestReloadKeepsBootConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "custom.yaml")
	yaml := "data-dir: " + filepath.Join(dir, "data") + "\n" +
		"sessions-dir: " + filepath.Join(dir, "sessions") + "\n" +
		"daemon:\n  worker-count: 7\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.WorkerCount != 7 {
		t.Fatalf("boot worker count: got %d, want 7", cfg.Daemon.WorkerCount)
	}

	d := New(cfg, cfgPath, discardLog())
	d.prompts = prompt.NewManager(cfg.Prompt.Path, cfg.Prompt.HistoryDir)
	if err := d.prompts.Load(); err != nil {
		t.Fatalf("prompts.Load: %v", err)
	}

	// A HUP reload must re-read the same file the daemon booted with, not
	// fall back to env/default resolution.
	d.reload()
	if got := d.cfg.Load().Daemon.WorkerCount; got != 7 {
		t.Errorf("worker count after reload: got %d, want 7", got)
	}
}
