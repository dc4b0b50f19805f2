// Package daemon is the supervisor: it owns the PID file, the store, the
// worker pool, the watcher, and the scheduler, and wires session events
// into analysis jobs. One daemon runs per data directory.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Whamp/pi-brain-sub000/internal/aggregate"
	"github.com/Whamp/pi-brain-sub000/internal/analyzer"
	"github.com/Whamp/pi-brain-sub000/internal/config"
	"github.com/Whamp/pi-brain-sub000/internal/discovery"
	"github.com/Whamp/pi-brain-sub000/internal/embedding"
	"github.com/Whamp/pi-brain-sub000/internal/prompt"
	"github.com/Whamp/pi-brain-sub000/internal/queue"
	"github.com/Whamp/pi-brain-sub000/internal/scheduler"
	"github.com/Whamp/pi-brain-sub000/internal/storage"
	"github.com/Whamp/pi-brain-sub000/internal/storage/sqlite"
	"github.com/Whamp/pi-brain-sub000/internal/watcher"
	"github.com/Whamp/pi-brain-sub000/internal/worker"
)

// Daemon supervises every long-running component.
type Daemon struct {
	cfg        atomic.Pointer[config.Config]
	configPath string
	log        *slog.Logger
	lock       *flock.Flock

	store    storage.Store
	queue    *queue.Queue
	watcher  *watcher.Watcher
	prompts  *prompt.Manager
	sched    *scheduler.Scheduler
	sessions *sessionTracker

	workers  []*worker.Worker
	workerWG sync.WaitGroup
}

// New creates a daemon around a loaded configuration. configPath is the
// explicit config file the daemon booted with ("" when resolved from env
// or defaults); reloads re-read the same source.
func New(cfg *config.Config, configPath string, log *slog.Logger) *Daemon {
	d := &Daemon{configPath: configPath, log: log}
	d.cfg.Store(cfg)
	return d
}

// NewLogger builds the daemon's slog logger: rotated file plus stderr when
// attached to a terminal.
func NewLogger(logPath string, alsoStderr bool) *slog.Logger {
	rotated := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    20, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	var w io.Writer = rotated
	if alsoStderr {
		w = io.MultiWriter(rotated, os.Stderr)
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

// Run starts everything and blocks until ctx is canceled or a component
// fails fatally.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.cfg.Load()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := d.acquirePID(cfg.PIDPath()); err != nil {
		return err
	}
	defer d.releasePID(cfg.PIDPath())

	store, err := sqlite.New(ctx, cfg.DatabasePath(), cfg.NodesDir(), d.log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.store = store
	defer store.Close()

	d.queue = queue.New(store.UnderlyingDB(), cfg.Retry, d.log)
	if _, err := d.queue.ResetOrphaned(ctx); err != nil {
		return err
	}

	d.prompts = prompt.NewManager(cfg.Prompt.Path, cfg.Prompt.HistoryDir)
	if err := d.prompts.Load(); err != nil {
		return fmt.Errorf("failed to load analysis prompt: %w", err)
	}

	provider, err := embedding.New(embedding.Config{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return fmt.Errorf("failed to build embedding provider: %w", err)
	}

	disc := discovery.New(store, discovery.Options{
		JaccardThreshold:          cfg.Discovery.JaccardThreshold,
		LessonSimilarityThreshold: cfg.Discovery.LessonSimilarityThreshold,
	}, d.log)

	patterns := aggregate.NewPatternAggregator(store, aggregate.Options{
		MinOccurrences: cfg.Aggregation.MinOccurrences,
	}, d.log)
	insights := aggregate.NewInsightAggregator(store, provider, aggregate.Options{
		MinSupport:     cfg.Aggregation.MinSupport,
		MinClusterSize: cfg.Aggregation.MinClusterSize,
	}, d.log)
	if cfg.Aggregation.LabelerEnabled {
		labeler, err := aggregate.NewLabeler(cfg.Aggregation.LabelerAPIKey)
		if err != nil {
			return fmt.Errorf("failed to build insight labeler: %w", err)
		}
		insights.SetLabeler(labeler)
	}

	d.sched, err = scheduler.New(store, d.queue, d.prompts, patterns, insights,
		cfg.Scheduler.Jobs, cfg.Discovery.RescanAll, d.log)
	if err != nil {
		return err
	}

	d.watcher = watcher.New(watcher.Options{
		Dir:           cfg.SessionsDir,
		Globs:         cfg.Watcher.Globs,
		PollInterval:  cfg.Daemon.PollInterval,
		IdleThreshold: cfg.Watcher.IdleThreshold,
	}, d.log)

	d.sessions = newSessionTracker(d.store, d.queue, d.watcher, d.log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return d.watcher.Run(gctx) })
	g.Go(func() error { return d.sessions.Run(gctx) })

	runner := analyzer.NewRunner(analyzer.Options{
		Binary:         cfg.Analyzer.Binary,
		Timeout:        cfg.Analyzer.Timeout,
		RequiredSkills: cfg.Analyzer.RequiredSkills,
		OptionalSkills: cfg.Analyzer.OptionalSkills,
	}, d.log)
	for i := 0; i < cfg.Daemon.WorkerCount; i++ {
		name := fmt.Sprintf("worker-%d", i)
		w := worker.New(name, store, d.queue, runner, d.prompts, disc, cfg.Daemon.PollInterval, d.log)
		d.workers = append(d.workers, w)
		d.workerWG.Add(1)
		g.Go(func() error {
			defer d.workerWG.Done()
			return w.Run(gctx)
		})
	}

	if err := d.sched.Start(gctx); err != nil {
		cancel()
		return err
	}

	g.Go(func() error { return d.handleSignals(gctx, cancel) })

	d.log.Info("daemon started",
		"pid", os.Getpid(),
		"data_dir", cfg.DataDir,
		"sessions_dir", cfg.SessionsDir,
		"workers", cfg.Daemon.WorkerCount)

	err = g.Wait()
	d.sched.Stop(cfg.Daemon.ShutdownTimeout)
	if err != nil && err != context.Canceled {
		return err
	}
	d.log.Info("daemon stopped")
	return nil
}

// handleSignals cancels the run context on TERM/INT and reloads prompt and
// configuration on HUP.
func (d *Daemon) handleSignals(ctx context.Context, cancel context.CancelFunc) error {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				d.reload()
			default:
				d.log.Info("shutdown signal received", "signal", sig.String())
				d.shutdown(cancel)
				return context.Canceled
			}
		}
	}
}

// shutdown drains the worker pool: workers stop claiming and get a grace
// window to finish their current jobs before the hard cancel kills any
// analyzer subprocess still running. Interrupted jobs are reset to pending
// on the next boot.
func (d *Daemon) shutdown(cancel context.CancelFunc) {
	for _, w := range d.workers {
		w.Drain()
	}
	done := make(chan struct{})
	go func() {
		d.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.cfg.Load().Daemon.ShutdownTimeout):
		d.log.Warn("shutdown grace expired, aborting in-flight jobs")
	}
	cancel()
}

// reload re-reads the config file and the analysis prompt. Components that
// snapshot configuration at start keep their old values until restart; the
// prompt version takes effect on the next analysis.
func (d *Daemon) reload() {
	fresh, err := config.Load(d.configPath)
	if err != nil {
		d.log.Error("reload: failed to re-read config, keeping previous", "error", err)
	} else {
		d.cfg.Store(fresh)
	}
	oldVersion := d.prompts.CurrentVersion()
	if err := d.prompts.Load(); err != nil {
		d.log.Error("reload: failed to re-read prompt", "error", err)
		return
	}
	if v := d.prompts.CurrentVersion(); v != oldVersion {
		d.log.Info("prompt updated", "old_version", oldVersion, "new_version", v)
	}
	d.log.Info("reload complete")
}

// acquirePID takes the exclusive daemon lock and records our PID. A held
// lock means another daemon is live on this data dir.
func (d *Daemon) acquirePID(path string) error {
	d.lock = flock.New(path + ".lock")
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock pid file: %w", err)
	}
	if !ok {
		pid, _ := ReadPID(path)
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		d.lock.Unlock()
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

func (d *Daemon) releasePID(path string) {
	os.Remove(path)
	if d.lock != nil {
		d.lock.Unlock()
		os.Remove(d.lock.Path())
	}
}

// ReadPID reads the daemon PID file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

// Alive reports whether a process with the given PID exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Stop signals a running daemon to shut down gracefully and waits for its
// PID file to disappear.
func Stop(pidPath string, timeout time.Duration) error {
	pid, err := ReadPID(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("daemon not running (no pid file at %s)", pidPath)
		}
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		if _, err := os.Stat(pidPath); os.IsNotExist(err) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not exit within %s", pid, timeout)
}
