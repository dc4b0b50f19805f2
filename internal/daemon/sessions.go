package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Whamp/pi-brain-sub000/internal/queue"
	"github.com/Whamp/pi-brain-sub000/internal/storage"
	"github.com/Whamp/pi-brain-sub000/internal/types"
	"github.com/Whamp/pi-brain-sub000/internal/watcher"
)

// maxEntryLine bounds one session log line. Agent transcripts embed whole
// file contents, so lines get large.
const maxEntryLine = 10 * 1024 * 1024

// sessionTracker turns watcher events into analysis jobs. It remembers the
// last entry id enqueued per file, seeded from the store on first contact,
// so restarts pick up where the previous daemon stopped.
type sessionTracker struct {
	store   storage.Store
	queue   *queue.Queue
	watcher *watcher.Watcher
	log     *slog.Logger

	mu        sync.Mutex
	processed map[string]string // session path -> last enqueued entry id
}

func newSessionTracker(store storage.Store, q *queue.Queue, w *watcher.Watcher, log *slog.Logger) *sessionTracker {
	return &sessionTracker{
		store:     store,
		queue:     q,
		watcher:   w,
		log:       log,
		processed: map[string]string{},
	}
}

// Run consumes watcher events until ctx is canceled.
func (t *sessionTracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-t.watcher.Events():
			t.handle(ctx, ev)
		case err := <-t.watcher.Errors():
			t.log.Warn("watcher error", "error", err)
		}
	}
}

func (t *sessionTracker) handle(ctx context.Context, ev watcher.Event) {
	switch ev.Kind {
	case watcher.SessionRemoved:
		t.mu.Lock()
		delete(t.processed, ev.Path)
		t.mu.Unlock()
		t.log.Info("session removed", "path", ev.Path)
	case watcher.SessionNew, watcher.SessionChanged, watcher.SessionIdle:
		if err := t.ingest(ctx, ev.Path); err != nil {
			t.log.Error("failed to ingest session", "path", ev.Path, "error", err)
		}
	}
}

// ingest reads the session file's entry ids and enqueues one initial job
// covering everything past the last processed entry.
func (t *sessionTracker) ingest(ctx context.Context, path string) error {
	entryIDs, err := readEntryIDs(path)
	if err != nil {
		return err
	}
	if len(entryIDs) == 0 {
		return nil
	}
	last := entryIDs[len(entryIDs)-1]
	t.watcher.SetEndEntry(path, last)

	through, err := t.processedThrough(ctx, path)
	if err != nil {
		return err
	}
	start := firstUnprocessed(entryIDs, through)
	if start == "" {
		// Everything already analyzed or enqueued.
		t.watcher.MarkProcessed(path, last)
		return nil
	}

	_, created, err := t.queue.Enqueue(ctx, &types.Job{
		Type: types.JobInitial,
		Context: types.JobContext{
			SessionFile:  path,
			SegmentStart: start,
			SegmentEnd:   last,
			Project:      projectOf(path),
		},
	})
	if err != nil {
		return err
	}
	if created {
		t.log.Info("enqueued segment", "path", path, "start", start, "end", last)
	}

	t.mu.Lock()
	t.processed[path] = last
	t.mu.Unlock()
	t.watcher.MarkProcessed(path, last)
	return nil
}

// processedThrough returns the last entry id already handled for a file.
// On first contact it consults the store, so an already-analyzed session is
// not re-enqueued after a restart.
func (t *sessionTracker) processedThrough(ctx context.Context, path string) (string, error) {
	t.mu.Lock()
	through, ok := t.processed[path]
	t.mu.Unlock()
	if ok {
		return through, nil
	}

	nodes, err := t.store.ListSessionNodes(ctx, path)
	if err != nil {
		return "", err
	}
	if len(nodes) > 0 {
		through = nodes[len(nodes)-1].SegmentEnd
	}
	t.mu.Lock()
	t.processed[path] = through
	t.mu.Unlock()
	return through, nil
}

// firstUnprocessed picks the first entry id after `through`. An unknown
// `through` (truncated or rewritten file) restarts from the beginning; the
// deterministic node id makes the resulting re-analysis idempotent.
func firstUnprocessed(entryIDs []string, through string) string {
	if through == "" {
		return entryIDs[0]
	}
	for i, id := range entryIDs {
		if id == through {
			if i+1 < len(entryIDs) {
				return entryIDs[i+1]
			}
			return ""
		}
	}
	return entryIDs[0]
}

// sessionEntry is the only slice of the log schema the daemon reads.
type sessionEntry struct {
	ID string `json:"id"`
}

// readEntryIDs scans a JSONL session file and returns the entry ids in
// order. Lines that are not JSON or carry no id are skipped; session
// content is otherwise opaque to the daemon.
func readEntryIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxEntryLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e sessionEntry
		if err := json.Unmarshal(line, &e); err != nil || e.ID == "" {
			continue
		}
		ids = append(ids, e.ID)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// projectOf derives a project name from the session file's parent
// directory.
func projectOf(path string) string {
	dir := filepath.Base(filepath.Dir(path))
	if dir == "." || dir == string(filepath.Separator) {
		return ""
	}
	return dir
}
