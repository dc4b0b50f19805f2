// Package worker runs the analysis pipeline: claim a job, invoke the
// analyzer, persist the node, link structural edges, discover semantic
// edges, and record metrics. N workers run this loop concurrently.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/Whamp/pi-brain-sub000/internal/analyzer"
	"github.com/Whamp/pi-brain-sub000/internal/discovery"
	"github.com/Whamp/pi-brain-sub000/internal/prompt"
	"github.com/Whamp/pi-brain-sub000/internal/queue"
	"github.com/Whamp/pi-brain-sub000/internal/storage"
	"github.com/Whamp/pi-brain-sub000/internal/types"
)

// Worker is one member of the pool. Each worker is sequential internally.
type Worker struct {
	name         string
	store        storage.Store
	queue        *queue.Queue
	runner       *analyzer.Runner
	prompts      *prompt.Manager
	discoverer   *discovery.Discoverer
	pollInterval time.Duration
	computer     string
	log          *slog.Logger

	draining atomic.Bool
}

// New creates one worker.
func New(name string, store storage.Store, q *queue.Queue, runner *analyzer.Runner,
	prompts *prompt.Manager, disc *discovery.Discoverer, pollInterval time.Duration, log *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	hostname, _ := os.Hostname()
	return &Worker{
		name:         name,
		store:        store,
		queue:        q,
		runner:       runner,
		prompts:      prompts,
		discoverer:   disc,
		pollInterval: pollInterval,
		computer:     hostname,
		log:          log.With("worker", name),
	}
}

// Drain tells the worker to finish its current job and stop claiming new
// ones. The run loop exits within one poll interval.
func (w *Worker) Drain() { w.draining.Store(true) }

// Run polls for work until ctx is canceled or Drain is called. The queue's
// wake channel cuts the latency between enqueue and claim; the ticker is
// the backstop.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		// Work through everything runnable before sleeping.
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if w.draining.Load() {
				return nil
			}
			job, err := w.queue.ClaimNext(ctx, w.name)
			if err != nil {
				w.log.Error("failed to claim job", "error", err)
				break
			}
			if job == nil {
				break
			}
			w.runJob(ctx, job)
		}

		if w.draining.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.queue.Wake():
		}
	}
}

// runJob executes one claimed job and transitions it out of running. Job
// errors never propagate to the supervisor.
func (w *Worker) runJob(ctx context.Context, job *types.Job) {
	w.log.Info("processing job", "job", job.ID, "type", job.Type, "retry", job.RetryCount)

	err := w.process(ctx, job)
	if err == nil {
		if cErr := w.queue.Complete(ctx, job.ID); cErr != nil {
			w.log.Error("failed to mark job completed", "job", job.ID, "error", cErr)
		}
		return
	}

	if ctx.Err() != nil {
		// Shutdown mid-job: leave the claim for ResetOrphaned on next boot.
		w.log.Warn("job interrupted by shutdown", "job", job.ID)
		return
	}
	if _, fErr := w.queue.Fail(ctx, job, err); fErr != nil {
		w.log.Error("failed to record job failure", "job", job.ID, "error", fErr)
	}
}

func (w *Worker) process(ctx context.Context, job *types.Job) error {
	switch job.Type {
	case types.JobInitial:
		return w.processAnalysis(ctx, job, false)
	case types.JobReanalysis:
		return w.processAnalysis(ctx, job, true)
	case types.JobConnectionDiscovery:
		return w.processDiscovery(ctx, job)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// processAnalysis is the full pipeline for initial and reanalysis jobs.
func (w *Worker) processAnalysis(ctx context.Context, job *types.Job, reanalysis bool) error {
	if err := w.runner.ValidateEnvironment(); err != nil {
		return err
	}

	promptText := w.prompts.Render(job.Context.SessionFile, job.Context.SegmentStart, job.Context.SegmentEnd)
	if reanalysis && job.Context.ReanalysisHint != "" {
		promptText += "\n\nReanalysis note: " + job.Context.ReanalysisHint
	}
	promptVersion := w.prompts.CurrentVersion()

	res, err := w.runner.Invoke(ctx, analyzer.Invocation{
		Prompt:       promptText,
		SessionFile:  job.Context.SessionFile,
		SegmentStart: job.Context.SegmentStart,
		SegmentEnd:   job.Context.SegmentEnd,
	})
	if err != nil {
		return err
	}

	node := analyzer.ToNode(res.Output, analyzer.NodeContext{
		SessionFile:   job.Context.SessionFile,
		SegmentStart:  job.Context.SegmentStart,
		SegmentEnd:    job.Context.SegmentEnd,
		Project:       job.Context.Project,
		Computer:      w.computer,
		PromptVersion: promptVersion,
		DurationMs:    res.DurationMs,
	})

	if reanalysis {
		// Reanalysis bumps the version; a first-time reanalysis of a
		// missing node degrades to a create.
		if _, err := w.store.GetNode(ctx, node.ID); err == nil {
			if _, err := w.store.UpdateNode(ctx, node); err != nil {
				return err
			}
		} else if errors.Is(err, storage.ErrNotFound) {
			if err := w.store.CreateNode(ctx, node); err != nil {
				return err
			}
		} else {
			return err
		}
	} else {
		if _, err := w.store.UpsertNode(ctx, node); err != nil {
			return err
		}
	}

	if err := w.linkNodeToPredecessors(ctx, node); err != nil {
		return err
	}
	if _, err := w.discoverer.DiscoverForNode(ctx, node); err != nil {
		return err
	}

	if err := w.store.RecordAnalysisMetrics(ctx, &types.AnalysisMetrics{
		JobID:         job.ID,
		NodeID:        node.ID,
		DurationMs:    res.DurationMs,
		TokensUsed:    res.TokensUsed,
		CostUSD:       res.CostUSD,
		PromptVersion: promptVersion,
		RecordedAt:    time.Now().UTC(),
	}); err != nil {
		w.log.Warn("failed to record analysis metrics", "job", job.ID, "error", err)
	}

	w.log.Info("analyzed segment",
		"node", node.ID, "version", node.Version, "type", node.Type,
		"outcome", node.Outcome, "duration_ms", res.DurationMs)
	return nil
}

// processDiscovery re-runs connection discovery for one existing node.
func (w *Worker) processDiscovery(ctx context.Context, job *types.Job) error {
	node, err := w.store.GetNode(ctx, job.Context.NodeID)
	if err != nil {
		return err
	}
	created, err := w.discoverer.DiscoverForNode(ctx, node)
	if err != nil {
		return err
	}
	w.log.Info("discovery job done", "node", node.ID, "edges_created", created)
	return nil
}

// linkNodeToPredecessors creates structural edges inside a session:
// prev_in_session to the immediately preceding segment, fork_of between
// segments sharing a start boundary. Idempotent via the edge triple key.
func (w *Worker) linkNodeToPredecessors(ctx context.Context, n *types.Node) error {
	siblings, err := w.store.ListSessionNodes(ctx, n.SessionFile)
	if err != nil {
		return err
	}

	var prev *types.Node
	for _, s := range siblings {
		if s.ID == n.ID {
			break
		}
		prev = s
	}
	if prev != nil {
		if _, err := w.store.CreateEdge(ctx, &types.Edge{
			Source: n.ID, Target: prev.ID, Type: types.EdgePrevInSession,
			CreatedBy: types.EdgeByBoundary,
		}); err != nil {
			return fmt.Errorf("failed to link predecessor: %w", err)
		}
	}

	for _, s := range siblings {
		if s.ID == n.ID || s.SegmentStart != n.SegmentStart {
			continue
		}
		if _, err := w.store.CreateEdge(ctx, &types.Edge{
			Source: n.ID, Target: s.ID, Type: types.EdgeForkOf,
			CreatedBy: types.EdgeByBoundary,
		}); err != nil {
			return fmt.Errorf("failed to link fork: %w", err)
		}
	}
	return nil
}
