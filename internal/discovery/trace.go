// SPDX-License-Identifier: MPL-2.0

package discovery

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"

	"github.com/rbexe/rbexe/pkg/fspath"
)

const (
	reportBegin = "--- rbexe probe report begin ---"
	reportEnd   = "--- rbexe probe report end ---"
)

//go:embed probe.rb
var probeScript string

type (
	// Runner runs the Ruby interpreter with extra arguments and returns its
	// standard output.
	Runner interface {
		Run(ctx context.Context, args []string) ([]byte, error)
	}

	// ExecRunner runs a local interpreter with os/exec.
	ExecRunner struct {
		// Argv is the interpreter command, e.g. ["ruby"] or ["bundle", "exec", "ruby"].
		Argv []string
		// Env is appended to the current environment.
		Env []string
		// Dir is the working directory. Empty means the current one.
		Dir string
	}

	// TraceResolver runs the script under the real interpreter and reports
	// what it loaded. Gem resolution is left to the interpreter, so
	// Request.GemDirs is not used.
	TraceResolver struct {
		Runner Runner
		// Logger receives per-feature debug output. Nil discards it.
		Logger *log.Logger
	}

	probeReport struct {
		Features []probeFeature `json:"features"`
		LoadPath []string       `json:"load_path"`
		GemSpecs []string       `json:"gem_specs"`
		Warnings []string       `json:"warnings"`
	}

	probeFeature struct {
		Name string  `json:"name"`
		Path *string `json:"path"`
	}

	// RunError is returned by ExecRunner when the interpreter exits non-zero.
	RunError struct {
		Code   int
		Stderr string
	}
)

// Error implements the error interface.
func (e *RunError) Error() string {
	msg := fmt.Sprintf("interpreter exited with status %d", e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Unwrap returns ErrProbeFailed for errors.Is compatibility.
func (e *RunError) Unwrap() error { return ErrProbeFailed }

// ProbeScript returns the embedded probe source.
func ProbeScript() string { return probeScript }

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, args []string) ([]byte, error) {
	if len(r.Argv) == 0 {
		return nil, fmt.Errorf("%w: no interpreter command configured", ErrProbeFailed)
	}
	cmd := exec.CommandContext(ctx, r.Argv[0], append(slices.Clone(r.Argv[1:]), args...)...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &RunError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
	return stdout.Bytes(), nil
}

// NewTraceResolver creates a TraceResolver running the probe through runner.
func NewTraceResolver(runner Runner, logger *log.Logger) *TraceResolver {
	return &TraceResolver{Runner: runner, Logger: logger}
}

// ProbeArgs returns the interpreter arguments that run the probe against req.
func ProbeArgs(req Request) []string {
	args := make([]string, 0, 2*len(req.LoadPath)+5)
	for _, dir := range req.LoadPath {
		args = append(args, "-I", dir)
	}
	autoload := "0"
	if req.ForceAutoload {
		autoload = "1"
	}
	return append(args, "-e", probeScript, "--", autoload, req.Entry)
}

// Resolve runs the probe and interprets its report. A probe that exits
// non-zero after printing a complete report is accepted; the script's own
// failure is then logged and the report used as is.
func (r *TraceResolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	if r.Runner == nil {
		return nil, fmt.Errorf("%w: no runner configured", ErrProbeFailed)
	}

	out, runErr := r.Runner.Run(ctx, ProbeArgs(req))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	rep, err := parseReport(out)
	if err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrProbeFailed, runErr)
		}
		return nil, err
	}
	if runErr != nil {
		r.logger().Warn("script exited with an error during dependency check", "err", runErr)
	}

	return r.interpret(rep), nil
}

func (r *TraceResolver) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.New(io.Discard)
}

func (r *TraceResolver) interpret(rep *probeReport) *Result {
	res := &Result{}
	set := NewFeatureSet()

	for _, f := range rep.Features {
		if f.Path == nil || *f.Path == "" {
			res.Diagnostics = append(res.Diagnostics, NewDiagnosticWithPath(SeverityWarning, CodeFeatureNotFound,
				fmt.Sprintf("couldn't find %s", f.Name), f.Name))
			continue
		}
		feat := Feature{Name: featureName(rep.LoadPath, f.Name, *f.Path), Path: *f.Path}
		if set.Add(feat) {
			r.logger().Debug("feature", "name", feat.Name, "path", feat.Path)
		}
	}
	res.Features = set.Features()

	for _, w := range rep.Warnings {
		res.Diagnostics = append(res.Diagnostics, NewDiagnostic(SeverityWarning, CodeAutoloadFailed, w))
	}
	res.GemSpecs = lo.Uniq(lo.Compact(rep.GemSpecs))
	return res
}

// featureName names a loaded file relative to the load-path entry it lives
// in. Features outside every entry keep their reported name. Paths reported
// by the interpreter always use '/', so package path is used here.
func featureName(loadPath []string, name, resolved string) string {
	for _, dir := range loadPath {
		if rel, ok := slashUnder(dir, resolved); ok && rel != "." {
			return rel
		}
	}
	return name
}

func slashUnder(root, p string) (string, bool) {
	if !strings.Contains(root, "\\") && !strings.Contains(p, "\\") && path.IsAbs(root) {
		root, p = path.Clean(root), path.Clean(p)
		if p == root {
			return ".", true
		}
		if strings.HasPrefix(p, strings.TrimSuffix(root, "/")+"/") {
			return strings.TrimPrefix(p, strings.TrimSuffix(root, "/")+"/"), true
		}
		return "", false
	}
	return fspath.Under(root, p)
}

// parseReport extracts the JSON report between the last pair of markers.
func parseReport(out []byte) (*probeReport, error) {
	start := bytes.LastIndex(out, []byte(reportBegin))
	if start < 0 {
		return nil, ErrNoReport
	}
	body := out[start+len(reportBegin):]
	end := bytes.Index(body, []byte(reportEnd))
	if end < 0 {
		return nil, fmt.Errorf("%w: report end marker missing", ErrNoReport)
	}

	var rep probeReport
	if err := json.Unmarshal(bytes.TrimSpace(body[:end]), &rep); err != nil {
		return nil, fmt.Errorf("%w: decode report: %w", ErrNoReport, err)
	}
	return &rep, nil
}
