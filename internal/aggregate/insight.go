package aggregate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/Whamp/pi-brain-sub000/internal/embedding"
	"github.com/Whamp/pi-brain-sub000/internal/storage"
	"github.com/Whamp/pi-brain-sub000/internal/types"
)

// InsightAggregator clusters similar observations per (model, insightType)
// into aggregated_insights rows. With an embedding provider it clusters in
// vector space; without one it falls back to token overlap.
type InsightAggregator struct {
	store    storage.Store
	provider embedding.Provider // may be nil
	labeler  *Labeler           // may be nil
	opts     Options
	log      *slog.Logger
}

// NewInsightAggregator creates the clustering pass. provider may be nil.
func NewInsightAggregator(store storage.Store, provider embedding.Provider, opts Options, log *slog.Logger) *InsightAggregator {
	if opts.MinSupport <= 0 {
		opts.MinSupport = 3
	}
	if opts.MinClusterSize <= 0 {
		opts.MinClusterSize = 2
	}
	return &InsightAggregator{store: store, provider: provider, opts: opts, log: log}
}

// SetLabeler enables LLM cluster labeling. Fingerprints stay derived from
// the representative member text, so labeling never breaks idempotency.
func (a *InsightAggregator) SetLabeler(l *Labeler) { a.labeler = l }

// Run clusters observations recorded since the given time and upserts the
// qualifying clusters. Returns how many insights were written.
func (a *InsightAggregator) Run(ctx context.Context, since time.Time) (int, error) {
	lessons, err := a.store.ListLessonsSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to list lessons: %w", err)
	}
	quirks, err := a.store.ListModelQuirksSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to list model quirks: %w", err)
	}

	// Observations are grouped by (model, insightType); lessons have no
	// model of their own.
	groups := map[[2]string][]observation{}
	for _, l := range lessons {
		key := [2]string{"", "lesson_" + string(l.Level)}
		groups[key] = append(groups[key], observation{
			text: l.Summary, nodeID: l.NodeID, severity: defaultSeverity(l.Severity), seenAt: l.CreatedAt.Unix(),
		})
	}
	for _, q := range quirks {
		key := [2]string{q.Model, "model_quirk"}
		groups[key] = append(groups[key], observation{
			text: q.Summary, nodeID: q.NodeID, severity: defaultSeverity(q.Severity), seenAt: q.CreatedAt.Unix(),
		})
	}

	written := 0
	for key, obs := range groups {
		n, err := a.clusterGroup(ctx, key[0], key[1], obs)
		if err != nil {
			return written, err
		}
		written += n
	}
	a.log.Info("insight aggregation complete", "insights", written)
	return written, nil
}

func defaultSeverity(s float64) float64 {
	if s <= 0 {
		return 0.5
	}
	if s > 1 {
		return 1
	}
	return s
}

func (a *InsightAggregator) clusterGroup(ctx context.Context, model, insightType string, obs []observation) (int, error) {
	if len(obs) < a.opts.MinSupport {
		return 0, nil
	}

	var clusters [][]int
	if a.provider != nil {
		texts := make([]string, len(obs))
		for i, o := range obs {
			texts[i] = o.text
		}
		vecs, err := a.provider.Embed(ctx, texts)
		if err != nil {
			a.log.Warn("embedding failed, falling back to token clustering", "error", err)
			clusters = clusterByTokenOverlap(texts, 0.5)
		} else {
			clusters = clusterVectors(vecs, a.opts.MinClusterSize)
		}
	} else {
		texts := make([]string, len(obs))
		for i, o := range obs {
			texts[i] = o.text
		}
		clusters = clusterByTokenOverlap(texts, 0.5)
	}

	written := 0
	for _, members := range clusters {
		if len(members) < a.opts.MinClusterSize || len(members) < a.opts.MinSupport {
			continue
		}

		nodeIDs := map[string]bool{}
		var severitySum float64
		var latest int64
		for _, i := range members {
			nodeIDs[obs[i].nodeID] = true
			severitySum += obs[i].severity
			if obs[i].seenAt > latest {
				latest = obs[i].seenAt
			}
		}
		support := len(members)
		meanSeverity := severitySum / float64(support)
		lastSeen := time.Unix(latest, 0).UTC()
		confidence := confidenceScore(support, meanSeverity, lastSeen)

		rep := representative(obs, members)
		fp := insightFingerprint(model, insightType, rep)

		summary := rep
		if a.labeler != nil {
			texts := make([]string, 0, len(members))
			for _, i := range members {
				texts = append(texts, obs[i].text)
			}
			if labeled, err := a.labeler.Label(ctx, insightType, model, texts); err != nil {
				a.log.Warn("cluster labeling failed, keeping representative text", "error", err)
			} else if labeled != "" {
				summary = labeled
			}
		}

		// first_seen survives re-runs via the existing row.
		firstSeen := lastSeen
		if existing, err := a.store.GetInsightByFingerprint(ctx, fp); err == nil {
			firstSeen = existing.FirstSeen
		}

		err := a.store.UpsertInsight(ctx, &types.AggregatedInsight{
			Fingerprint: fp,
			InsightType: insightType,
			Model:       model,
			Summary:     summary,
			NodeIDs:     sortedKeys(nodeIDs),
			Support:     support,
			Confidence:  confidence,
			FirstSeen:   firstSeen,
			LastSeen:    lastSeen,
		})
		if err != nil {
			return written, fmt.Errorf("failed to upsert insight %s: %w", fp, err)
		}
		written++
	}
	return written, nil
}

// confidenceScore is support * mean(severity) * recency_decay, squashed
// into [0, 1]. Decay halves roughly every 30 days.
func confidenceScore(support int, meanSeverity float64, lastSeen time.Time) float64 {
	age := time.Since(lastSeen)
	decay := math.Exp(-age.Hours() / (24 * 30) * math.Ln2)
	raw := float64(support) * meanSeverity * decay
	if raw > 1 {
		return 1
	}
	if raw < 0 {
		return 0
	}
	return raw
}

// representative picks the cluster's summary text: the member whose tokens
// overlap the most with the rest, ties broken by order.
func representative(obs []observation, members []int) string {
	if len(members) == 1 {
		return obs[members[0]].text
	}
	best, bestScore := members[0], -1.0
	for _, i := range members {
		score := 0.0
		si := tokenSet(obs[i].text)
		for _, j := range members {
			if i == j {
				continue
			}
			score += tokenJaccard(si, tokenSet(obs[j].text))
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return obs[best].text
}

func insightFingerprint(model, insightType, summary string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(summary), " "))
	sum := sha256.Sum256([]byte(model + "|" + insightType + "|" + norm))
	return "insight|" + hex.EncodeToString(sum[:])[:16]
}

// MeasurePromptEffectiveness compares how often an insight's failure mode
// recurred before and after a prompt version began including it, and
// records the measurement. Counts come from tool errors on nodes analyzed
// under each regime.
func (a *InsightAggregator) MeasurePromptEffectiveness(ctx context.Context, in *types.AggregatedInsight, promptVersion string, adoptedAt time.Time) error {
	all, err := a.store.ListToolErrorsSince(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to list tool errors: %w", err)
	}

	inCluster := map[string]bool{}
	for _, id := range in.NodeIDs {
		inCluster[id] = true
	}

	var beforeCount, afterCount int
	beforeSessions := map[string]bool{}
	afterSessions := map[string]bool{}
	for _, te := range all {
		if !inCluster[te.NodeID] {
			// Outside the cluster only errors from the insight's model
			// count; a model-agnostic insight measures its cluster alone.
			if in.Model == "" || te.Model != in.Model {
				continue
			}
		}
		if te.CreatedAt.Before(adoptedAt) {
			beforeCount++
			beforeSessions[te.NodeID] = true
		} else {
			afterCount++
			afterSessions[te.NodeID] = true
		}
	}

	improvement := 0.0
	if beforeCount > 0 {
		improvement = (float64(beforeCount) - float64(afterCount)) / float64(beforeCount) * 100
	}
	// Crude significance gate: enough data on both sides and a real drop.
	significant := beforeCount >= 5 && len(afterSessions) >= 3 && improvement > 20

	return a.store.UpsertPromptEffectiveness(ctx, &types.PromptEffectiveness{
		InsightID:      in.ID,
		PromptVersion:  promptVersion,
		BeforeCount:    beforeCount,
		AfterCount:     afterCount,
		BeforeSessions: len(beforeSessions),
		AfterSessions:  len(afterSessions),
		ImprovementPct: improvement,
		Significant:    significant,
		MeasuredAt:     time.Now().UTC(),
	})
}
