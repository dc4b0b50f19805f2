// Package watcher monitors session directories for append-only log files
// and emits typed readiness events. It boundary-detects only; parsing
// session contents into segments is the daemon glue's job.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventKind names the readiness transitions a session file can make.
type EventKind string

const (
	SessionNew     EventKind = "session:new"
	SessionChanged EventKind = "session:changed"
	SessionIdle    EventKind = "session:idle"
	SessionRemoved EventKind = "session:removed"
)

// Event is one typed watcher notification.
type Event struct {
	Kind EventKind
	Path string
}

// fileState tracks what the watcher knows about one session file.
type fileState struct {
	path           string
	size           int64
	lastModified   time.Time
	firstSeenAt    time.Time
	lastActivityAt time.Time

	// endEntryID and processedThrough are maintained by the daemon glue via
	// MarkProcessed; the watcher compares them to decide idle readiness.
	endEntryID       string
	processedThrough string

	growing     bool // size changed since last ready event
	idleEmitted bool
}

// Options configure a Watcher.
type Options struct {
	Dir           string
	Globs         []string
	PollInterval  time.Duration
	IdleThreshold time.Duration
}

// Watcher emits session readiness events for files under one directory.
type Watcher struct {
	opts Options
	log  *slog.Logger

	events chan Event
	errs   chan error
	ready  chan struct{}

	mu    sync.Mutex
	files map[string]*fileState

	fsWatcher *fsnotify.Watcher
}

// New creates a watcher; Run starts it.
func New(opts Options, log *slog.Logger) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = 2 * time.Minute
	}
	if len(opts.Globs) == 0 {
		opts.Globs = []string{"*.jsonl"}
	}
	return &Watcher{
		opts:   opts,
		log:    log,
		events: make(chan Event, 64),
		errs:   make(chan error, 8),
		ready:  make(chan struct{}),
		files:  map[string]*fileState{},
	}
}

// Events returns the typed event stream.
func (w *Watcher) Events() <-chan Event { return w.events }

// Errors returns recoverable watcher errors. The watcher keeps running
// after emitting one.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Ready is closed once the initial directory scan has completed.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// MarkProcessed records how far a session file has been analyzed. The glue
// calls this after enqueuing work so idle detection stops re-firing.
func (w *Watcher) MarkProcessed(path, throughEntryID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.files[path]; ok {
		st.processedThrough = throughEntryID
		st.idleEmitted = false
	}
}

// SetEndEntry records the last entry id currently present in a file, as
// determined by the glue's boundary parse.
func (w *Watcher) SetEndEntry(path, endEntryID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.files[path]; ok {
		st.endEntryID = endEntryID
	}
}

// Run watches until ctx is canceled. Filesystem notifications shorten the
// reaction time when available; the poll ticker is the correctness
// backstop and the only source of idle detection.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, falling back to polling only", "error", err)
	} else {
		w.fsWatcher = fw
		defer fw.Close()
		if err := fw.Add(w.opts.Dir); err != nil {
			w.log.Warn("failed to watch sessions dir, polling only", "dir", w.opts.Dir, "error", err)
		}
	}

	// Initial scan discovers pre-existing files before Ready fires.
	w.scan(time.Now())
	close(w.ready)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if w.fsWatcher != nil {
		fsEvents = w.fsWatcher.Events
		fsErrors = w.fsWatcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.scan(time.Now())
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if w.matches(ev.Name) {
				w.touch(ev, time.Now())
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			w.emitError(err)
		}
	}
}

func (w *Watcher) matches(path string) bool {
	base := filepath.Base(path)
	for _, glob := range w.opts.Globs {
		if ok, _ := filepath.Match(glob, base); ok {
			return true
		}
	}
	return false
}

// touch folds one filesystem notification into state. Size changes are
// recorded immediately; readiness still waits for the idle threshold, which
// the poll loop enforces.
func (w *Watcher) touch(ev fsnotify.Event, now time.Time) {
	if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
		w.mu.Lock()
		_, known := w.files[ev.Name]
		delete(w.files, ev.Name)
		w.mu.Unlock()
		if known {
			w.emit(Event{Kind: SessionRemoved, Path: ev.Name})
		}
		return
	}
	w.scanFile(ev.Name, now)
}

// scan stats every matching file and advances readiness state.
func (w *Watcher) scan(now time.Time) {
	seen := map[string]bool{}
	for _, glob := range w.opts.Globs {
		paths, err := filepath.Glob(filepath.Join(w.opts.Dir, glob))
		if err != nil {
			w.emitError(err)
			continue
		}
		for _, p := range paths {
			seen[p] = true
			w.scanFile(p, now)
		}
	}

	// Anything tracked but no longer on disk was removed.
	w.mu.Lock()
	var removed []string
	for path := range w.files {
		if !seen[path] {
			removed = append(removed, path)
			delete(w.files, path)
		}
	}
	w.mu.Unlock()
	for _, path := range removed {
		w.emit(Event{Kind: SessionRemoved, Path: path})
	}
}

func (w *Watcher) scanFile(path string, now time.Time) {
	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.emitError(err)
		}
		return
	}

	w.mu.Lock()
	st, known := w.files[path]
	if !known {
		w.files[path] = &fileState{
			path:           path,
			size:           info.Size(),
			lastModified:   info.ModTime(),
			firstSeenAt:    now,
			lastActivityAt: now,
		}
		w.mu.Unlock()
		w.emit(Event{Kind: SessionNew, Path: path})
		return
	}

	var out *Event
	if info.Size() != st.size {
		st.size = info.Size()
		st.lastModified = info.ModTime()
		st.lastActivityAt = now
		st.growing = true
		st.idleEmitted = false
	} else if now.Sub(st.lastActivityAt) >= w.opts.IdleThreshold {
		if st.growing {
			// Grew and then went quiet for the threshold: ready.
			st.growing = false
			out = &Event{Kind: SessionChanged, Path: path}
		} else if !st.idleEmitted && st.endEntryID != "" && st.endEntryID != st.processedThrough {
			// Long-idle with unanalyzed entries past the processed boundary.
			st.idleEmitted = true
			out = &Event{Kind: SessionIdle, Path: path}
		}
	}
	w.mu.Unlock()

	if out != nil {
		w.emit(*out)
	}
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.log.Warn("dropping watcher event, subscriber is behind", "kind", ev.Kind, "path", ev.Path)
	}
}

func (w *Watcher) emitError(err error) {
	select {
	case w.errs <- err:
	default:
	}
}

// Snapshot returns a copy of the tracked per-file state, for the status
// surface.
type Snapshot struct {
	Path             string    `json:"path"`
	Size             int64     `json:"size"`
	LastModified     time.Time `json:"lastModified"`
	FirstSeenAt      time.Time `json:"firstSeenAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
	EndEntryID       string    `json:"endEntryId,omitempty"`
	ProcessedThrough string    `json:"processedThrough,omitempty"`
}

// Files lists the tracked session files.
func (w *Watcher) Files() []Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Snapshot, 0, len(w.files))
	for _, st := range w.files {
		out = append(out, Snapshot{
			Path:             st.path,
			Size:             st.size,
			LastModified:     st.lastModified,
			FirstSeenAt:      st.firstSeenAt,
			LastActivityAt:   st.lastActivityAt,
			EndEntryID:       st.endEntryID,
			ProcessedThrough: st.processedThrough,
		})
	}
	return out
}
