// Package types defines the entities shared across the pi-brain daemon:
// nodes, their child observations, edges, jobs, and aggregation records.
package types

import (
	"fmt"
	"time"
)

// NodeType classifies what kind of work a session segment captured.
type NodeType string

const (
	NodeTypeCoding        NodeType = "coding"
	NodeTypeDebugging     NodeType = "debugging"
	NodeTypeResearch      NodeType = "research"
	NodeTypeRefactoring   NodeType = "refactoring"
	NodeTypeConfiguration NodeType = "configuration"
	NodeTypePlanning      NodeType = "planning"
	NodeTypeOther         NodeType = "other"
)

// ValidNodeTypes lists every accepted node type.
var ValidNodeTypes = []NodeType{
	NodeTypeCoding, NodeTypeDebugging, NodeTypeResearch,
	NodeTypeRefactoring, NodeTypeConfiguration, NodeTypePlanning, NodeTypeOther,
}

// Validate returns an error if t is not a known node type.
func (t NodeType) Validate() error {
	for _, v := range ValidNodeTypes {
		if t == v {
			return nil
		}
	}
	return fmt.Errorf("invalid node type: %q", string(t))
}

// Outcome records how a segment ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
	OutcomeAbandoned Outcome = "abandoned"
)

// ValidOutcomes lists every accepted outcome.
var ValidOutcomes = []Outcome{OutcomeSuccess, OutcomePartial, OutcomeFailed, OutcomeAbandoned}

// Validate returns an error if o is not a known outcome.
func (o Outcome) Validate() error {
	for _, v := range ValidOutcomes {
		if o == v {
			return nil
		}
	}
	return fmt.Errorf("invalid outcome: %q", string(o))
}

// Node is one analyzed semantic segment of a session log. The relational row
// always reflects the latest version; historical versions live only in the
// JSON side-store.
type Node struct {
	ID           string    `json:"id"` // 16 hex chars, deterministic
	Version      int       `json:"version"`
	SessionFile  string    `json:"sessionFile"`
	SegmentStart string    `json:"segmentStart"` // first entry id of the segment
	SegmentEnd   string    `json:"segmentEnd"`   // last entry id of the segment
	StartedAt    time.Time `json:"startedAt"`
	AnalyzedAt   time.Time `json:"analyzedAt"`
	Project      string    `json:"project,omitempty"`
	Computer     string    `json:"computer,omitempty"`
	Type         NodeType  `json:"type"`
	Outcome      Outcome   `json:"outcome"`
	Model        string    `json:"model,omitempty"`
	PromptVersion string   `json:"promptVersion,omitempty"`

	Summary   string   `json:"summary"`
	Decisions []string `json:"decisions,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Topics    []string `json:"topics,omitempty"`

	Lessons         []*Lesson         `json:"lessons,omitempty"`
	ModelQuirks     []*ModelQuirk     `json:"modelQuirks,omitempty"`
	ToolErrors      []*ToolError      `json:"toolErrors,omitempty"`
	DaemonDecisions []*DaemonDecision `json:"daemonDecisions,omitempty"`

	TokensUsed int     `json:"tokensUsed,omitempty"`
	CostUSD    float64 `json:"costUsd,omitempty"`
	DurationMs int64   `json:"durationMs,omitempty"`

	// PreviousVersions carries forward prior versions of this node inside
	// the latest JSON blob so history survives row replacement.
	PreviousVersions []NodeVersionRef `json:"previousVersions,omitempty"`
}

// NodeVersionRef is a compact pointer to an earlier version of a node.
type NodeVersionRef struct {
	Version    int       `json:"version"`
	AnalyzedAt time.Time `json:"analyzedAt"`
	PromptVersion string `json:"promptVersion,omitempty"`
	Summary    string    `json:"summary,omitempty"`
}

// LessonLevel grades how broadly a lesson applies.
type LessonLevel string

const (
	LessonTactical   LessonLevel = "tactical"
	LessonStrategic  LessonLevel = "strategic"
	LessonMeta       LessonLevel = "meta"
)

// Lesson is a free-form observation learned during a segment.
type Lesson struct {
	ID        string      `json:"id"`
	NodeID    string      `json:"nodeId"`
	Level     LessonLevel `json:"level"`
	Summary   string      `json:"summary"`
	Detail    string      `json:"detail,omitempty"`
	Tags      []string    `json:"tags,omitempty"`
	Severity  float64     `json:"severity,omitempty"` // 0..1
	CreatedAt time.Time   `json:"createdAt"`
}

// ModelQuirk records model-specific behavior worth remembering.
type ModelQuirk struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"nodeId"`
	Model     string    `json:"model"`
	Summary   string    `json:"summary"`
	Frequency int       `json:"frequency,omitempty"`
	Severity  float64   `json:"severity,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ToolError records a tool invocation failure observed in a segment.
type ToolError struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"nodeId"`
	Tool      string    `json:"tool"`
	ErrorType string    `json:"errorType"`
	Model     string    `json:"model,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// DaemonDecision records a decision the daemon itself made about a segment.
type DaemonDecision struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"nodeId"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// EdgeType names the relation an edge expresses.
type EdgeType string

const (
	EdgeRelatedTo     EdgeType = "related_to"
	EdgeReferences    EdgeType = "references"
	EdgeReinforces    EdgeType = "reinforces"
	EdgePrevInSession EdgeType = "prev_in_session"
	EdgeForkOf        EdgeType = "fork_of"
)

// EdgeCreator identifies what created an edge.
type EdgeCreator string

const (
	EdgeByBoundary EdgeCreator = "boundary"
	EdgeByDaemon   EdgeCreator = "daemon"
	EdgeByUser     EdgeCreator = "user"
)

// Edge is a directed typed link between two nodes. At most one edge exists
// per (Source, Target, Type) triple.
type Edge struct {
	ID        string            `json:"id"` // edg_<hex>
	Source    string            `json:"source"`
	Target    string            `json:"target"`
	Type      EdgeType          `json:"type"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	CreatedBy EdgeCreator       `json:"createdBy"`
	CreatedAt time.Time         `json:"createdAt"`
}

// JobType names the kind of work a queued job performs.
type JobType string

const (
	JobInitial             JobType = "initial"
	JobReanalysis          JobType = "reanalysis"
	JobConnectionDiscovery JobType = "connection_discovery"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Priority orders jobs in the queue; lower runs earlier.
type Priority int

const (
	PriorityInitial             Priority = 10
	PriorityReanalysis          Priority = 20
	PriorityConnectionDiscovery Priority = 30
	PriorityBackfill            Priority = 40
)

// JobContext is the payload a job carries: which segment to analyze and
// with what hints.
type JobContext struct {
	SessionFile  string `json:"sessionFile"`
	SegmentStart string `json:"segmentStart"`
	SegmentEnd   string `json:"segmentEnd"`
	NodeID       string `json:"nodeId,omitempty"`       // set for reanalysis/discovery
	ReanalysisHint string `json:"reanalysisHint,omitempty"`
	Project      string `json:"project,omitempty"`
}

// Job is one queued unit of work.
type Job struct {
	ID          string     `json:"id"` // 16 hex chars, random
	Type        JobType    `json:"type"`
	Status      JobStatus  `json:"status"`
	Priority    Priority   `json:"priority"`
	Context     JobContext `json:"context"`
	RetryCount  int        `json:"retryCount"`
	MaxRetries  int        `json:"maxRetries"`
	QueuedAt    time.Time  `json:"queuedAt"`
	AvailableAt time.Time  `json:"availableAt"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
	ClaimedBy   string     `json:"claimedBy,omitempty"` // worker name; non-empty while running
	LastError   string     `json:"lastError,omitempty"`
}

// AggregatedInsight is a higher-order pattern synthesized across nodes.
type AggregatedInsight struct {
	ID            string    `json:"id"`
	Fingerprint   string    `json:"fingerprint"` // stable dedup key
	InsightType   string    `json:"insightType"`
	Model         string    `json:"model,omitempty"`
	Summary       string    `json:"summary"`
	NodeIDs       []string  `json:"nodeIds"`
	Support       int       `json:"support"`
	Confidence    float64   `json:"confidence"` // 0..1
	PromptIncluded bool     `json:"promptIncluded"`
	PromptVersion string    `json:"promptVersion,omitempty"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
}

// FailurePattern groups recurring tool failures by (tool, errorType, model).
type FailurePattern struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Tool        string    `json:"tool"`
	ErrorType   string    `json:"errorType"`
	Model       string    `json:"model,omitempty"`
	Occurrences int       `json:"occurrences"`
	NodeIDs     []string  `json:"nodeIds"`
	LastSeen    time.Time `json:"lastSeen"`
}

// LessonPattern groups near-duplicate lessons by content fingerprint.
type LessonPattern struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Level       LessonLevel `json:"level"`
	Summary     string    `json:"summary"`
	Model       string    `json:"model,omitempty"`
	Occurrences int       `json:"occurrences"`
	NodeIDs     []string  `json:"nodeIds"`
	LastSeen    time.Time `json:"lastSeen"`
}

// ModelStats accumulates per-model counters from quirks and tool errors.
type ModelStats struct {
	Model       string    `json:"model"`
	QuirkCount  int       `json:"quirkCount"`
	ErrorCount  int       `json:"errorCount"`
	NodeCount   int       `json:"nodeCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// PromptEffectiveness measures whether including an insight in the prompt
// changed outcomes.
type PromptEffectiveness struct {
	InsightID      string    `json:"insightId"`
	PromptVersion  string    `json:"promptVersion"`
	BeforeCount    int       `json:"beforeCount"`
	AfterCount     int       `json:"afterCount"`
	BeforeSessions int       `json:"beforeSessions"`
	AfterSessions  int       `json:"afterSessions"`
	ImprovementPct float64   `json:"improvementPct"`
	Significant    bool      `json:"significant"`
	MeasuredAt     time.Time `json:"measuredAt"`
}

// AnalysisMetrics is the daemon-metadata side record written when a job
// completes.
type AnalysisMetrics struct {
	JobID         string    `json:"jobId"`
	NodeID        string    `json:"nodeId"`
	DurationMs    int64     `json:"durationMs"`
	TokensUsed    int       `json:"tokensUsed"`
	CostUSD       float64   `json:"costUsd"`
	PromptVersion string    `json:"promptVersion"`
	RecordedAt    time.Time `json:"recordedAt"`
}
