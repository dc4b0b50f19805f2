// Package storage defines the interface to the pi-brain store: the SQLite
// index plus the JSON side-store that together hold the knowledge graph.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Whamp/pi-brain-sub000/internal/types"
)

// ErrNotFound is returned when a node, edge, or record does not exist.
var ErrNotFound = errors.New("not found")

// SearchOptions filters and paginates full-text search.
type SearchOptions struct {
	Project   string
	Type      types.NodeType
	Outcome   types.Outcome
	Computer  string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// SearchResult is one full-text hit with its relevance score and per-field
// snippet highlights.
type SearchResult struct {
	Node       *types.Node
	Score      float64
	Highlights []string
}

// Direction selects which edges a traversal follows.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// TraverseOptions bounds a graph traversal.
type TraverseOptions struct {
	Direction Direction
	MaxDepth  int // clamped to 5
	EdgeTypes []types.EdgeType
}

// TraversalEdge is an edge reached during traversal, annotated with the
// direction it was crossed in.
type TraversalEdge struct {
	Edge      *types.Edge
	Direction Direction
}

// Traversal is the result of a bounded BFS from one node.
type Traversal struct {
	Nodes []*types.Node
	Edges []TraversalEdge
}

// UpsertResult reports whether an upsert inserted a new row.
type UpsertResult struct {
	Node    *types.Node
	Created bool
}

// Store is the storage engine contract. One implementation exists (SQLite +
// JSON side-store); the interface keeps workers and aggregators testable
// against the same surface the daemon uses.
type Store interface {
	// Nodes
	CreateNode(ctx context.Context, n *types.Node) error
	UpsertNode(ctx context.Context, n *types.Node) (*UpsertResult, error)
	UpdateNode(ctx context.Context, n *types.Node) (*types.Node, error)
	GetNode(ctx context.Context, id string) (*types.Node, error)
	DeleteNode(ctx context.Context, id string) error
	ListNodeVersions(ctx context.Context, id string) ([]int, error)
	ReadNodeVersion(ctx context.Context, id string, version int) (*types.Node, error)
	RebuildIndex(ctx context.Context) (int, error)

	// Queries used by the scheduler and discovery
	ListSessionNodes(ctx context.Context, sessionFile string) ([]*types.Node, error)
	ListNodeIDsSince(ctx context.Context, since time.Time) ([]string, error)
	ListNodeIDsByStalePrompt(ctx context.Context, currentVersion string, limit int) ([]string, error)
	FindNodeIDsByPrefix(ctx context.Context, prefix string) ([]string, error)
	FindCandidatesByTagsOrTopics(ctx context.Context, tags, topics []string, excludeID string) ([]*types.Node, error)
	ListLessonsSince(ctx context.Context, since time.Time) ([]*types.Lesson, error)
	ListToolErrorsSince(ctx context.Context, since time.Time) ([]*types.ToolError, error)
	ListModelQuirksSince(ctx context.Context, since time.Time) ([]*types.ModelQuirk, error)

	// Full-text search
	SearchNodesAdvanced(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)

	// Edges and traversal
	CreateEdge(ctx context.Context, e *types.Edge) (bool, error)
	EdgeExists(ctx context.Context, source, target string, edgeType types.EdgeType) (bool, error)
	GetEdges(ctx context.Context, nodeID string, dir Direction) ([]*types.Edge, error)
	GetConnectedNodes(ctx context.Context, id string, opts TraverseOptions) (*Traversal, error)
	FindPath(ctx context.Context, from, to string, maxDepth int) ([]*types.Edge, error)

	// Aggregation rows
	UpsertInsight(ctx context.Context, in *types.AggregatedInsight) error
	GetInsightByFingerprint(ctx context.Context, fingerprint string) (*types.AggregatedInsight, error)
	ListInsights(ctx context.Context) ([]*types.AggregatedInsight, error)
	UpsertFailurePattern(ctx context.Context, p *types.FailurePattern) error
	UpsertLessonPattern(ctx context.Context, p *types.LessonPattern) error
	UpsertModelStats(ctx context.Context, s *types.ModelStats) error
	UpsertPromptEffectiveness(ctx context.Context, pe *types.PromptEffectiveness) error

	// Daemon metadata
	RecordAnalysisMetrics(ctx context.Context, m *types.AnalysisMetrics) error

	// Lifecycle
	Close() error
	Path() string

	// UnderlyingDB exposes the shared connection for the job queue, which
	// keeps its table in the same database.
	UnderlyingDB() *sql.DB
}
