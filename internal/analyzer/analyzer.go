// Package analyzer invokes the external analysis subprocess and turns its
// stdout into a validated node payload. The analyzer binary receives the
// prompt on stdin and must print exactly one JSON object.
package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/Whamp/pi-brain-sub000/internal/errclass"
)

// Options configure the subprocess invocation.
type Options struct {
	Binary         string
	Timeout        time.Duration
	RequiredSkills []string
	OptionalSkills []string
}

// Invocation is one analyzer call: the rendered prompt plus the segment
// coordinates passed as arguments per the subprocess contract.
type Invocation struct {
	Prompt       string
	SessionFile  string
	SegmentStart string
	SegmentEnd   string
}

// Result is the outcome of one invocation, as a closed set of variants the
// worker dispatches on.
type Result struct {
	Output     *AgentOutput // set only on success
	ParseErr   error        // stdout was not parseable JSON
	SchemaErr  error        // JSON parsed but failed structural validation
	ExitCode   int
	Stderr     string
	DurationMs int64
	TokensUsed int
	CostUSD    float64
}

// Runner spawns the analyzer binary.
type Runner struct {
	opts Options
	log  *slog.Logger
}

// NewRunner creates a runner; ValidateEnvironment should be called before
// the first job.
func NewRunner(opts Options, log *slog.Logger) *Runner {
	return &Runner{opts: opts, log: log}
}

// ValidateEnvironment confirms the analyzer binary is on PATH. A missing
// binary is a permanent environment error: retrying cannot help.
func (r *Runner) ValidateEnvironment() error {
	if _, err := exec.LookPath(r.opts.Binary); err != nil {
		return errclass.NewPermanent(errclass.ReasonEnvironment,
			fmt.Sprintf("analyzer binary %q not found", r.opts.Binary))
	}
	return nil
}

// Invoke runs the analyzer once. Errors of the invocation itself (timeout,
// non-zero exit) come back as classified errors; parse and schema problems
// come back inside the Result so the caller can distinguish them.
func (r *Runner) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"--session", inv.SessionFile,
		"--start", inv.SegmentStart,
		"--end", inv.SegmentEnd,
	}
	if len(r.opts.RequiredSkills) > 0 || len(r.opts.OptionalSkills) > 0 {
		skills := append(append([]string{}, r.opts.RequiredSkills...), r.opts.OptionalSkills...)
		args = append(args, "--skills", strings.Join(skills, ","))
	}

	cmd := exec.CommandContext(runCtx, r.opts.Binary, args...)
	cmd.Stdin = strings.NewReader(inv.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	res := &Result{
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return res, errclass.NewTransient(errclass.ReasonTimeout,
			fmt.Sprintf("analyzer timed out after %s", timeout))
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		lower := strings.ToLower(res.Stderr)
		if strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") {
			return res, errclass.NewTransient(errclass.ReasonRateLimit,
				"analyzer hit provider rate limit: "+firstLine(res.Stderr))
		}
		return res, errclass.NewTransient(errclass.ReasonAnalyzerFailed,
			fmt.Sprintf("analyzer exited %d: %s", res.ExitCode, firstLine(res.Stderr)))
	}

	output, parseErr := ParseOutput(stdout.String())
	if parseErr != nil {
		res.ParseErr = parseErr
		return res, errclass.NewPermanent(errclass.ReasonValidation,
			"validation: unparseable analyzer output: "+parseErr.Error())
	}
	if schemaErr := output.Validate(); schemaErr != nil {
		res.SchemaErr = schemaErr
		return res, errclass.NewPermanent(errclass.ReasonSchema,
			"validation: schema: "+schemaErr.Error())
	}

	res.Output = output
	res.TokensUsed = output.TokensUsed
	res.CostUSD = output.CostUSD
	return res, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
