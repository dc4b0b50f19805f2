package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Whamp/pi-brain-sub000/internal/ids"
	"github.com/Whamp/pi-brain-sub000/internal/types"
)

// AgentOutput is the JSON object the analyzer must print on stdout.
type AgentOutput struct {
	Summary        string                     `json:"summary"`
	Type           string                     `json:"type"`
	Outcome        string                     `json:"outcome"`
	Decisions      []string                   `json:"decisions"`
	LessonsByLevel map[string][]LessonOutput  `json:"lessonsByLevel"`
	ModelQuirks    []QuirkOutput              `json:"modelQuirks,omitempty"`
	ToolErrors     []ToolErrorOutput          `json:"toolErrors,omitempty"`
	Tags           []string                   `json:"tags,omitempty"`
	Topics         []string                   `json:"topics,omitempty"`
	Model          string                     `json:"model,omitempty"`
	TokensUsed     int                        `json:"tokensUsed,omitempty"`
	CostUSD        float64                    `json:"costUsd,omitempty"`
	StartedAt      time.Time                  `json:"startedAt,omitempty"`
}

// LessonOutput is one lesson as the analyzer reports it.
type LessonOutput struct {
	Summary  string   `json:"summary"`
	Detail   string   `json:"detail,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Severity float64  `json:"severity,omitempty"`
}

// QuirkOutput is one model quirk as the analyzer reports it.
type QuirkOutput struct {
	Model     string  `json:"model,omitempty"`
	Summary   string  `json:"summary"`
	Frequency int     `json:"frequency,omitempty"`
	Severity  float64 `json:"severity,omitempty"`
}

// ToolErrorOutput is one tool failure as the analyzer reports it.
type ToolErrorOutput struct {
	Tool      string `json:"tool"`
	ErrorType string `json:"errorType"`
	Model     string `json:"model,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

var validLessonLevels = map[string]types.LessonLevel{
	"tactical":  types.LessonTactical,
	"strategic": types.LessonStrategic,
	"meta":      types.LessonMeta,
}

// Validate performs structural validation on the parsed output.
func (o *AgentOutput) Validate() error {
	if strings.TrimSpace(o.Summary) == "" {
		return fmt.Errorf("missing required field: summary")
	}
	if err := types.NodeType(o.Type).Validate(); err != nil {
		return err
	}
	if err := types.Outcome(o.Outcome).Validate(); err != nil {
		return err
	}
	if o.Decisions == nil {
		return fmt.Errorf("missing required field: decisions")
	}
	if o.LessonsByLevel == nil {
		return fmt.Errorf("missing required field: lessonsByLevel")
	}
	for level, lessons := range o.LessonsByLevel {
		if _, ok := validLessonLevels[level]; !ok {
			return fmt.Errorf("invalid lesson level: %q", level)
		}
		for i, l := range lessons {
			if strings.TrimSpace(l.Summary) == "" {
				return fmt.Errorf("lesson %s[%d] missing summary", level, i)
			}
			if l.Severity < 0 || l.Severity > 1 {
				return fmt.Errorf("lesson %s[%d] severity %v out of range", level, i, l.Severity)
			}
		}
	}
	for i, te := range o.ToolErrors {
		if te.Tool == "" || te.ErrorType == "" {
			return fmt.Errorf("toolErrors[%d] missing tool or errorType", i)
		}
	}
	return nil
}

// ParseOutput extracts one JSON object from analyzer stdout. Raw JSON,
// fenced code blocks, and JSON embedded in surrounding prose are all
// accepted; the first bracket-balanced object wins.
func ParseOutput(stdout string) (*AgentOutput, error) {
	candidates := []string{strings.TrimSpace(stdout)}
	if fenced := extractFenced(stdout); fenced != "" {
		candidates = append(candidates, fenced)
	}
	if balanced := extractBalanced(stdout); balanced != "" {
		candidates = append(candidates, balanced)
	}

	var lastErr error
	for _, c := range candidates {
		if c == "" || !strings.HasPrefix(c, "{") {
			continue
		}
		var out AgentOutput
		if err := json.Unmarshal([]byte(c), &out); err != nil {
			lastErr = err
			continue
		}
		return &out, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no JSON object found in analyzer output")
	}
	return nil, lastErr
}

// extractFenced returns the body of the first ```-fenced block, stripping
// an optional language tag.
func extractFenced(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line (```json etc).
		if tag := strings.TrimSpace(rest[:nl]); tag == "" || !strings.ContainsAny(tag, "{}") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// extractBalanced returns the first brace-balanced object in s, tracking
// strings and escapes so braces inside values do not miscount.
func extractBalanced(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// NodeContext carries everything about a job that the analyzer output does
// not know: segment coordinates, environment metadata, and bookkeeping.
type NodeContext struct {
	SessionFile   string
	SegmentStart  string
	SegmentEnd    string
	Project       string
	Computer      string
	PromptVersion string
	AnalyzedAt    time.Time
	DurationMs    int64
}

// ToNode folds analyzer output and job context into a full node with its
// deterministic id.
func ToNode(o *AgentOutput, nc NodeContext) *types.Node {
	analyzedAt := nc.AnalyzedAt
	if analyzedAt.IsZero() {
		analyzedAt = time.Now().UTC()
	}

	n := &types.Node{
		ID:            ids.NodeID(nc.SessionFile, nc.SegmentStart, nc.SegmentEnd),
		Version:       1,
		SessionFile:   nc.SessionFile,
		SegmentStart:  nc.SegmentStart,
		SegmentEnd:    nc.SegmentEnd,
		StartedAt:     o.StartedAt,
		AnalyzedAt:    analyzedAt,
		Project:       nc.Project,
		Computer:      nc.Computer,
		Type:          types.NodeType(o.Type),
		Outcome:       types.Outcome(o.Outcome),
		Model:         o.Model,
		PromptVersion: nc.PromptVersion,
		Summary:       o.Summary,
		Decisions:     o.Decisions,
		Tags:          o.Tags,
		Topics:        o.Topics,
		TokensUsed:    o.TokensUsed,
		CostUSD:       o.CostUSD,
		DurationMs:    nc.DurationMs,
	}

	for _, level := range []string{"tactical", "strategic", "meta"} {
		for _, l := range o.LessonsByLevel[level] {
			n.Lessons = append(n.Lessons, &types.Lesson{
				Level:    validLessonLevels[level],
				Summary:  l.Summary,
				Detail:   l.Detail,
				Tags:     l.Tags,
				Severity: l.Severity,
			})
		}
	}
	for _, q := range o.ModelQuirks {
		model := q.Model
		if model == "" {
			model = o.Model
		}
		n.ModelQuirks = append(n.ModelQuirks, &types.ModelQuirk{
			Model: model, Summary: q.Summary, Frequency: q.Frequency, Severity: q.Severity,
		})
	}
	for _, te := range o.ToolErrors {
		model := te.Model
		if model == "" {
			model = o.Model
		}
		n.ToolErrors = append(n.ToolErrors, &types.ToolError{
			Tool: te.Tool, ErrorType: te.ErrorType, Model: model, Summary: te.Summary,
		})
	}
	return n
}
