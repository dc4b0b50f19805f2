package analyzer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/Whamp/pi-brain-sub000/internal/errclass"
	"github.com/Whamp/pi-brain-sub000/internal/ids"
	"github.com/Whamp/pi-brain-sub000/internal/types"
)

const validOutput = `{
	"summary": "did X",
	"type": "coding",
	"outcome": "success",
	"decisions": [],
	"lessonsByLevel": {"tactical": []}
}`

func TestParseOutputRawJSON(t *testing.T) {
	out, err := ParseOutput(validOutput)
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if out.Summary != "did X" || out.Type != "coding" {
		t.Errorf("parsed: %+v", out)
	}
}

func TestParseOutputFenced(t *testing.T) {
	stdout := "Here is the analysis:\n```json\n" + validOutput + "\n```\nDone."
	out, err := ParseOutput(stdout)
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if out.Summary != "did X" {
		t.Errorf("parsed: %+v", out)
	}
}

func TestParseOutputEmbedded(t *testing.T) {
	out, err := ParseOutput("preamble " + validOutput + " trailing words")
	if err != nil {
		t.Fatalf("ParseOutput embedded: %v", err)
	}
	if out.Outcome != "success" {
		t.Errorf("parsed: %+v", out)
	}
}

func TestParseOutputBracesInsideStrings(t *testing.T) {
	stdout := `noise {"summary":"used {braces} and \"quotes\"","type":"other","outcome":"partial","decisions":["a"],"lessonsByLevel":{"meta":[]}} noise`
	out, err := ParseOutput(stdout)
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if out.Summary != `used {braces} and "quotes"` {
		t.Errorf("summary: %q", out.Summary)
	}
}

func TestParseOutputNotJSON(t *testing.T) {
	if _, err := ParseOutput("not json at all"); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidateSchema(t *testing.T) {
	base := func() *AgentOutput {
		return &AgentOutput{
			Summary: "s", Type: "coding", Outcome: "success",
			Decisions:      []string{},
			LessonsByLevel: map[string][]LessonOutput{"tactical": {}},
		}
	}

	if err := base().Validate(); err != nil {
		t.Errorf("valid output rejected: %v", err)
	}

	o := base()
	o.Summary = "  "
	if err := o.Validate(); err == nil {
		t.Error("blank summary accepted")
	}

	o = base()
	o.Type = "vibes"
	if err := o.Validate(); err == nil {
		t.Error("invalid type accepted")
	}

	o = base()
	o.Outcome = "sorta"
	if err := o.Validate(); err == nil {
		t.Error("invalid outcome accepted")
	}

	o = base()
	o.Decisions = nil
	if err := o.Validate(); err == nil {
		t.Error("nil decisions accepted")
	}

	o = base()
	o.LessonsByLevel = map[string][]LessonOutput{"vibes": {}}
	if err := o.Validate(); err == nil {
		t.Error("invalid lesson level accepted")
	}

	o = base()
	o.LessonsByLevel["tactical"] = []LessonOutput{{Summary: "l", Severity: 1.5}}
	if err := o.Validate(); err == nil {
		t.Error("out-of-range severity accepted")
	}

	o = base()
	o.ToolErrors = []ToolErrorOutput{{Tool: "bash"}}
	if err := o.Validate(); err == nil {
		t.Error("tool error without errorType accepted")
	}
}

func TestToNode(t *testing.T) {
	out, err := ParseOutput(validOutput)
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	out.LessonsByLevel["strategic"] = []LessonOutput{{Summary: "plan before coding", Severity: 0.5}}
	out.Model = "gpt-5"
	out.ToolErrors = []ToolErrorOutput{{Tool: "bash", ErrorType: "timeout"}}

	nc := NodeContext{
		SessionFile:   "sess/abc.jsonl",
		SegmentStart:  "e1",
		SegmentEnd:    "e5",
		Project:       "pi-brain",
		PromptVersion: "abc123def456",
	}
	n := ToNode(out, nc)

	if n.ID != ids.NodeID("sess/abc.jsonl", "e1", "e5") {
		t.Errorf("node id not deterministic: %s", n.ID)
	}
	if n.Version != 1 || n.Type != types.NodeTypeCoding || n.Outcome != types.OutcomeSuccess {
		t.Errorf("node: %+v", n)
	}
	if len(n.Lessons) != 1 || n.Lessons[0].Level != types.LessonStrategic {
		t.Errorf("lessons: %+v", n.Lessons)
	}
	// Tool errors inherit the session model when unset.
	if len(n.ToolErrors) != 1 || n.ToolErrors[0].Model != "gpt-5" {
		t.Errorf("tool errors: %+v", n.ToolErrors)
	}
	if n.AnalyzedAt.IsZero() {
		t.Error("analyzedAt not defaulted")
	}
}

// writeScript installs a shell script to act as the analyzer binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script analyzer stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-analyze")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

func newRunner(t *testing.T, binary string, timeout time.Duration) *Runner {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(Options{Binary: binary, Timeout: timeout}, log)
}

func invocation() Invocation {
	return Invocation{
		Prompt:       "analyze",
		SessionFile:  "sess/abc.jsonl",
		SegmentStart: "e1",
		SegmentEnd:   "e5",
	}
}

func TestInvokeSuccess(t *testing.T) {
	bin := writeScript(t, `cat > /dev/null; echo '`+validOutput+`'`)
	r := newRunner(t, bin, 10*time.Second)

	res, err := r.Invoke(context.Background(), invocation())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Output == nil || res.Output.Summary != "did X" {
		t.Errorf("result: %+v", res)
	}
	if res.DurationMs < 0 {
		t.Errorf("duration: %d", res.DurationMs)
	}
}

func TestInvokeRateLimit(t *testing.T) {
	bin := writeScript(t, `cat > /dev/null; echo "rate limit exceeded" >&2; exit 1`)
	r := newRunner(t, bin, 10*time.Second)

	_, err := r.Invoke(context.Background(), invocation())
	if err == nil {
		t.Fatal("expected error")
	}
	cat, reason := errclass.Classify(err)
	if cat != errclass.Transient || reason != errclass.ReasonRateLimit {
		t.Errorf("classification: %s/%s", cat, reason)
	}
}

func TestInvokeNonZeroExit(t *testing.T) {
	bin := writeScript(t, `cat > /dev/null; echo "boom" >&2; exit 3`)
	r := newRunner(t, bin, 10*time.Second)

	res, err := r.Invoke(context.Background(), invocation())
	if err == nil {
		t.Fatal("expected error")
	}
	cat, reason := errclass.Classify(err)
	if cat != errclass.Transient || reason != errclass.ReasonAnalyzerFailed {
		t.Errorf("classification: %s/%s", cat, reason)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code: %d", res.ExitCode)
	}
}

func TestInvokeUnparseableOutput(t *testing.T) {
	bin := writeScript(t, `cat > /dev/null; echo "not json at all"`)
	r := newRunner(t, bin, 10*time.Second)

	res, err := r.Invoke(context.Background(), invocation())
	if err == nil {
		t.Fatal("expected error")
	}
	cat, reason := errclass.Classify(err)
	if cat != errclass.Permanent || reason != errclass.ReasonValidation {
		t.Errorf("classification: %s/%s", cat, reason)
	}
	if res.ParseErr == nil {
		t.Error("ParseErr not set")
	}
}

func TestInvokeSchemaFailure(t *testing.T) {
	bin := writeScript(t, `cat > /dev/null; echo '{"summary":"x"}'`)
	r := newRunner(t, bin, 10*time.Second)

	res, err := r.Invoke(context.Background(), invocation())
	if err == nil {
		t.Fatal("expected error")
	}
	cat, reason := errclass.Classify(err)
	if cat != errclass.Permanent || reason != errclass.ReasonSchema {
		t.Errorf("classification: %s/%s", cat, reason)
	}
	if res.SchemaErr == nil {
		t.Error("SchemaErr not set")
	}
}

func TestInvokeTimeout(t *testing.T) {
	bin := writeScript(t, `sleep 5`)
	r := newRunner(t, bin, 200*time.Millisecond)

	_, err := r.Invoke(context.Background(), invocation())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	cat, reason := errclass.Classify(err)
	if cat != errclass.Transient || reason != errclass.ReasonTimeout {
		t.Errorf("classification: %s/%s", cat, reason)
	}
}

func TestValidateEnvironment(t *testing.T) {
	r := newRunner(t, "definitely-not-a-real-binary-xyz", time.Second)
	err := r.ValidateEnvironment()
	if err == nil {
		t.Fatal("expected environment error")
	}
	cat, reason := errclass.Classify(err)
	if cat != errclass.Permanent || reason != errclass.ReasonEnvironment {
		t.Errorf("classification: %s/%s", cat, reason)
	}
}
