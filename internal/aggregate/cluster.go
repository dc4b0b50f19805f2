package aggregate

import (
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/Whamp/pi-brain-sub000/internal/embedding"
)

// observation is one clusterable item: a lesson or quirk summary with its
// provenance.
type observation struct {
	text     string
	nodeID   string
	severity float64
	seenAt   int64 // unix seconds
}

// clusterVectors groups embedded observations with k-means++ seeding. k is
// derived from the corpus size and the minimum cluster size; singleton
// clusters below minClusterSize are dropped as noise by the caller.
func clusterVectors(vecs [][]float32, minClusterSize int) [][]int {
	n := len(vecs)
	if n == 0 {
		return nil
	}
	k := n / max(minClusterSize, 1)
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}

	// Deterministic seeding keeps re-runs stable for identical input.
	rng := rand.New(rand.NewSource(1))

	// k-means++ initialization.
	centroids := make([][]float32, 0, k)
	centroids = append(centroids, vecs[rng.Intn(n)])
	for len(centroids) < k {
		dists := make([]float64, n)
		total := 0.0
		for i, v := range vecs {
			best := math.Inf(1)
			for _, c := range centroids {
				if d := 1 - embedding.CosineSimilarity(v, c); d < best {
					best = d
				}
			}
			dists[i] = best * best
			total += dists[i]
		}
		if total == 0 {
			break
		}
		pick := rng.Float64() * total
		idx := 0
		for i, d := range dists {
			pick -= d
			if pick <= 0 {
				idx = i
				break
			}
		}
		centroids = append(centroids, vecs[idx])
	}
	k = len(centroids)

	assign := make([]int, n)
	for iter := 0; iter < 20; iter++ {
		changed := false
		for i, v := range vecs {
			best, bestSim := 0, -2.0
			for ci, c := range centroids {
				if sim := embedding.CosineSimilarity(v, c); sim > bestSim {
					best, bestSim = ci, sim
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		// Recompute centroids as member means.
		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, len(vecs[0]))
		}
		for i, v := range vecs {
			c := assign[i]
			counts[c]++
			for j, x := range v {
				sums[c][j] += float64(x)
			}
		}
		for ci := range centroids {
			if counts[ci] == 0 {
				continue
			}
			mean := make([]float32, len(sums[ci]))
			for j, s := range sums[ci] {
				mean[j] = float32(s / float64(counts[ci]))
			}
			centroids[ci] = mean
		}
	}

	groups := make(map[int][]int)
	for i, c := range assign {
		groups[c] = append(groups[c], i)
	}
	out := make([][]int, 0, len(groups))
	for _, members := range groups {
		sort.Ints(members)
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// clusterByTokenOverlap is the no-embedding fallback: greedy single-link
// grouping on token Jaccard similarity.
func clusterByTokenOverlap(texts []string, threshold float64) [][]int {
	tokenSets := make([]map[string]bool, len(texts))
	for i, t := range texts {
		tokenSets[i] = tokenSet(t)
	}

	var clusters [][]int
	for i := range texts {
		placed := false
		for ci, members := range clusters {
			for _, m := range members {
				if tokenJaccard(tokenSets[i], tokenSets[m]) >= threshold {
					clusters[ci] = append(clusters[ci], i)
					placed = true
					break
				}
			}
			if placed {
				break
			}
		}
		if !placed {
			clusters = append(clusters, []int{i})
		}
	}
	return clusters
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?()[]{}\"'")
		if len(tok) > 2 {
			out[tok] = true
		}
	}
	return out
}

func tokenJaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
