// Package scheduler runs the daemon's periodic passes on cron schedules:
// reanalysis of stale nodes, connection discovery sweeps, pattern
// aggregation, and insight clustering. Queue-backed passes only enqueue;
// the worker pool does the heavy lifting.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Whamp/pi-brain-sub000/internal/aggregate"
	"github.com/Whamp/pi-brain-sub000/internal/config"
	"github.com/Whamp/pi-brain-sub000/internal/prompt"
	"github.com/Whamp/pi-brain-sub000/internal/queue"
	"github.com/Whamp/pi-brain-sub000/internal/storage"
	"github.com/Whamp/pi-brain-sub000/internal/types"
)

// Job names. These are the keys of scheduler.jobs in the config file.
const (
	JobReanalysis          = "reanalysis"
	JobConnectionDiscovery = "connection_discovery"
	JobPatternAggregation  = "pattern_aggregation"
	JobClustering          = "clustering"
)

// reanalysisBatchLimit caps how many stale nodes one pass enqueues, so a
// prompt change does not flood the queue all at once.
const reanalysisBatchLimit = 50

// promptMeasureWindow is how long an insight must have been in the prompt
// before effectiveness is measured.
const promptMeasureWindow = 7 * 24 * time.Hour

// RunResult records one completed pass for the status surface.
type RunResult struct {
	Job            string    `json:"job"`
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    time.Time `json:"completedAt"`
	ItemsProcessed int       `json:"itemsProcessed"`
	Errors         []string  `json:"errors,omitempty"`
}

// Scheduler owns the cron runner and the pass implementations.
type Scheduler struct {
	store    storage.Store
	queue    *queue.Queue
	prompts  *prompt.Manager
	patterns *aggregate.PatternAggregator
	insights *aggregate.InsightAggregator
	jobs     map[string]config.CronJobConfig
	rescan   bool
	log      *slog.Logger

	cron *cron.Cron

	mu       sync.Mutex
	running  map[string]bool
	lastRuns map[string]*RunResult
	lastScan map[string]time.Time
}

// New builds a scheduler, rejecting any enabled job with an invalid cron
// expression. Call Start to begin; passes also run on demand via RunNow.
func New(store storage.Store, q *queue.Queue, prompts *prompt.Manager,
	patterns *aggregate.PatternAggregator, insights *aggregate.InsightAggregator,
	jobs map[string]config.CronJobConfig, rescanAll bool, log *slog.Logger) (*Scheduler, error) {
	for name, jc := range jobs {
		if jc.Enabled && !ValidCron(jc.Cron) {
			return nil, fmt.Errorf("invalid cron expression for job %s: %q", name, jc.Cron)
		}
	}
	return &Scheduler{
		store:    store,
		queue:    q,
		prompts:  prompts,
		patterns: patterns,
		insights: insights,
		jobs:     jobs,
		rescan:   rescanAll,
		log:      log,
		running:  map[string]bool{},
		lastRuns: map[string]*RunResult{},
		lastScan: map[string]time.Time{},
	}, nil
}

// ValidCron reports whether expr parses as a standard 5-field expression.
func ValidCron(expr string) bool {
	_, err := cron.ParseStandard(expr)
	return err == nil
}

// NextRuns returns the next n firing times of a cron expression after from.
func NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cron %q: %w", expr, err)
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		out = append(out, t)
	}
	return out, nil
}

// Start registers the enabled jobs and starts the cron runner. ctx bounds
// every pass the runner fires.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	for name, jc := range s.jobs {
		if !jc.Enabled {
			s.log.Info("scheduler job disabled", "job", name)
			continue
		}
		name := name
		_, err := s.cron.AddFunc(jc.Cron, func() { s.RunNow(ctx, name) })
		if err != nil {
			return fmt.Errorf("failed to schedule job %s: %w", name, err)
		}
		s.log.Info("scheduled job", "job", name, "cron", jc.Cron)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for in-flight passes to drain, up
// to the given timeout.
func (s *Scheduler) Stop(timeout time.Duration) {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn("scheduler drain timed out")
	}
}

// RunNow executes one named pass immediately. A pass already running is
// skipped, never stacked.
func (s *Scheduler) RunNow(ctx context.Context, name string) *RunResult {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		s.log.Warn("skipping pass, previous run still in progress", "job", name)
		return nil
	}
	s.running[name] = true
	since := s.lastScan[name]
	s.mu.Unlock()

	res := &RunResult{Job: name, StartedAt: time.Now().UTC()}
	var n int
	var err error
	switch name {
	case JobReanalysis:
		n, err = s.runReanalysis(ctx)
	case JobConnectionDiscovery:
		n, err = s.runConnectionDiscovery(ctx, since)
	case JobPatternAggregation:
		n, err = s.runPatternAggregation(ctx, since)
	case JobClustering:
		n, err = s.insights.Run(ctx, since)
	default:
		err = fmt.Errorf("unknown scheduler job %q", name)
	}
	res.ItemsProcessed = n
	res.CompletedAt = time.Now().UTC()
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		s.log.Error("scheduler pass failed", "job", name, "error", err)
	} else {
		s.log.Info("scheduler pass complete",
			"job", name, "items", n, "duration", res.CompletedAt.Sub(res.StartedAt))
	}

	s.mu.Lock()
	s.running[name] = false
	s.lastRuns[name] = res
	if err == nil {
		s.lastScan[name] = res.StartedAt
	}
	s.mu.Unlock()
	return res
}

// LastRun returns the most recent result for a named pass, or nil.
func (s *Scheduler) LastRun(name string) *RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRuns[name]
}

// runReanalysis enqueues reanalysis jobs for nodes analyzed under an older
// prompt version, in batches.
func (s *Scheduler) runReanalysis(ctx context.Context) (int, error) {
	current := s.prompts.CurrentVersion()
	if current == "" {
		return 0, fmt.Errorf("no prompt loaded")
	}
	staleIDs, err := s.store.ListNodeIDsByStalePrompt(ctx, current, reanalysisBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale nodes: %w", err)
	}

	jobs := make([]*types.Job, 0, len(staleIDs))
	for _, id := range staleIDs {
		n, err := s.store.GetNode(ctx, id)
		if err != nil {
			s.log.Warn("stale node vanished before reanalysis", "node", id, "error", err)
			continue
		}
		jobs = append(jobs, &types.Job{
			Type: types.JobReanalysis,
			Context: types.JobContext{
				SessionFile:    n.SessionFile,
				SegmentStart:   n.SegmentStart,
				SegmentEnd:     n.SegmentEnd,
				NodeID:         n.ID,
				Project:        n.Project,
				ReanalysisHint: fmt.Sprintf("prompt updated from %s to %s", n.PromptVersion, current),
			},
		})
	}
	return s.queue.EnqueueMany(ctx, jobs)
}

// runConnectionDiscovery enqueues discovery jobs for nodes analyzed since
// the last sweep, or for every node when rescan-all is set.
func (s *Scheduler) runConnectionDiscovery(ctx context.Context, since time.Time) (int, error) {
	if s.rescan {
		since = time.Time{}
	}
	ids, err := s.store.ListNodeIDsSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to list nodes for discovery: %w", err)
	}

	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		n, err := s.store.GetNode(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, &types.Job{
			Type: types.JobConnectionDiscovery,
			Context: types.JobContext{
				SessionFile:  n.SessionFile,
				SegmentStart: n.SegmentStart,
				SegmentEnd:   n.SegmentEnd,
				NodeID:       n.ID,
			},
		})
	}
	return s.queue.EnqueueMany(ctx, jobs)
}

// runPatternAggregation runs the pattern pass, then measures prompt
// effectiveness for insights that have been in the prompt long enough.
func (s *Scheduler) runPatternAggregation(ctx context.Context, since time.Time) (int, error) {
	res, err := s.patterns.Run(ctx, since)
	if err != nil {
		return 0, err
	}
	items := res.FailurePatterns + res.LessonPatterns + res.ModelStats

	insights, err := s.store.ListInsights(ctx)
	if err != nil {
		return items, fmt.Errorf("failed to list insights: %w", err)
	}
	for _, in := range insights {
		if !in.PromptIncluded || in.PromptVersion == "" {
			continue
		}
		// FirstSeen under the included version is the best adoption proxy
		// the store keeps.
		if time.Since(in.FirstSeen) < promptMeasureWindow {
			continue
		}
		if err := s.insights.MeasurePromptEffectiveness(ctx, in, in.PromptVersion, in.FirstSeen); err != nil {
			s.log.Warn("effectiveness measurement failed", "insight", in.ID, "error", err)
			continue
		}
		items++
	}
	return items, nil
}
