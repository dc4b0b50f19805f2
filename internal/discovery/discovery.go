// Package discovery creates semantic edges between nodes without invoking
// an LLM: tag/topic overlap, explicit node references, and near-duplicate
// lesson reinforcement.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Whamp/pi-brain-sub000/internal/storage"
	"github.com/Whamp/pi-brain-sub000/internal/types"
)

// Options hold the similarity thresholds.
type Options struct {
	JaccardThreshold          float64
	LessonSimilarityThreshold float64
}

// Discoverer finds and persists semantic edges for one node at a time.
type Discoverer struct {
	store storage.Store
	opts  Options
	log   *slog.Logger
}

// New creates a discoverer over the store.
func New(store storage.Store, opts Options, log *slog.Logger) *Discoverer {
	if opts.JaccardThreshold <= 0 {
		opts.JaccardThreshold = 0.3
	}
	if opts.LessonSimilarityThreshold <= 0 {
		opts.LessonSimilarityThreshold = 0.6
	}
	return &Discoverer{store: store, opts: opts, log: log}
}

// DiscoverForNode runs all three passes for a node and returns how many
// edges were newly created. Every creation is gated on edgeExists, so
// re-running is free of duplicates.
func (d *Discoverer) DiscoverForNode(ctx context.Context, n *types.Node) (int, error) {
	created := 0

	c, err := d.discoverTagOverlap(ctx, n)
	if err != nil {
		return created, err
	}
	created += c

	c, err = d.discoverReferences(ctx, n)
	if err != nil {
		return created, err
	}
	created += c

	c, err = d.discoverLessonReinforcement(ctx, n)
	if err != nil {
		return created, err
	}
	created += c

	if created > 0 {
		d.log.Info("discovered edges", "node", n.ID, "created", created)
	}
	return created, nil
}

// discoverTagOverlap links nodes whose tag/topic sets overlap enough.
func (d *Discoverer) discoverTagOverlap(ctx context.Context, n *types.Node) (int, error) {
	own := unionSet(n.Tags, n.Topics)
	if len(own) == 0 {
		return 0, nil
	}

	candidates, err := d.store.FindCandidatesByTagsOrTopics(ctx, n.Tags, n.Topics, n.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load overlap candidates: %w", err)
	}

	created := 0
	for _, c := range candidates {
		sim := jaccard(own, unionSet(c.Tags, c.Topics))
		if sim < d.opts.JaccardThreshold {
			continue
		}
		ok, err := d.createEdgeIfAbsent(ctx, &types.Edge{
			Source: n.ID, Target: c.ID, Type: types.EdgeRelatedTo,
			Metadata: map[string]any{"similarity": sim, "via": "tags"},
		})
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// nodeRefPattern matches explicit node references: 8 to 16 hex chars with
// an optional @v<version> suffix, bounded so ordinary words never match.
var nodeRefPattern = regexp.MustCompile(`\b([0-9a-f]{8,16})(?:@v(\d+))?\b`)

// discoverReferences scans the node's text for node-id references and links
// each resolved target. A truncated reference matching several nodes
// resolves to the most recently analyzed one; equal timestamps break ties
// by lexically smallest id.
func (d *Discoverer) discoverReferences(ctx context.Context, n *types.Node) (int, error) {
	var texts []string
	texts = append(texts, n.Summary)
	texts = append(texts, n.Decisions...)
	for _, l := range n.Lessons {
		texts = append(texts, l.Summary, l.Detail)
	}

	seen := map[string]bool{}
	created := 0
	for _, text := range texts {
		for _, m := range nodeRefPattern.FindAllStringSubmatch(text, -1) {
			ref := m[1]
			if seen[ref] {
				continue
			}
			seen[ref] = true

			matches, err := d.store.FindNodeIDsByPrefix(ctx, ref)
			if err != nil {
				return created, fmt.Errorf("failed to resolve reference %q: %w", ref, err)
			}
			if len(matches) == 0 {
				continue
			}
			target := matches[0]
			if target == n.ID {
				continue
			}

			meta := map[string]any{"ref": ref}
			if m[2] != "" {
				if v, err := strconv.Atoi(m[2]); err == nil {
					meta["version"] = v
				}
			}
			ok, err := d.createEdgeIfAbsent(ctx, &types.Edge{
				Source: n.ID, Target: target, Type: types.EdgeReferences, Metadata: meta,
			})
			if err != nil {
				return created, err
			}
			if ok {
				created++
			}
		}
	}
	return created, nil
}

// discoverLessonReinforcement links nodes whose lessons restate each other.
func (d *Discoverer) discoverLessonReinforcement(ctx context.Context, n *types.Node) (int, error) {
	if len(n.Lessons) == 0 {
		return 0, nil
	}

	all, err := d.store.ListLessonsSince(ctx, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("failed to list lessons: %w", err)
	}

	created := 0
	linked := map[string]bool{}
	for _, own := range n.Lessons {
		ownGrams := trigrams(own.Summary)
		if len(ownGrams) == 0 {
			continue
		}
		for _, other := range all {
			if other.NodeID == n.ID || linked[other.NodeID] {
				continue
			}
			sim := jaccard(ownGrams, trigrams(other.Summary))
			if sim < d.opts.LessonSimilarityThreshold {
				continue
			}
			ok, err := d.createEdgeIfAbsent(ctx, &types.Edge{
				Source: n.ID, Target: other.NodeID, Type: types.EdgeReinforces,
				Metadata: map[string]any{"lessonId": other.ID, "similarity": sim},
			})
			if err != nil {
				return created, err
			}
			if ok {
				created++
				linked[other.NodeID] = true
			}
		}
	}
	return created, nil
}

func (d *Discoverer) createEdgeIfAbsent(ctx context.Context, e *types.Edge) (bool, error) {
	exists, err := d.store.EdgeExists(ctx, e.Source, e.Target, e.Type)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	return d.store.CreateEdge(ctx, e)
}

// unionSet folds string slices into a lowercased set.
func unionSet(slices ...[]string) map[string]bool {
	set := map[string]bool{}
	for _, s := range slices {
		for _, v := range s {
			v = strings.ToLower(strings.TrimSpace(v))
			if v != "" {
				set[v] = true
			}
		}
	}
	return set
}

// jaccard is |a ∩ b| / |a ∪ b| over two sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// trigrams returns the set of character trigrams of a normalized string.
func trigrams(s string) map[string]bool {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	out := map[string]bool{}
	runes := []rune(s)
	if len(runes) < 3 {
		if len(runes) > 0 {
			out[string(runes)] = true
		}
		return out
	}
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = true
	}
	return out
}
