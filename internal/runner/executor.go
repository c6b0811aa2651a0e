package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/loomrun/loom/internal/graph"
)

// Failure reasons with stable spellings; they surface directly in run
// state and CLI output.
const (
	ReasonTimeout         = "timeout"
	ReasonCommandNotFound = "command not found"
)

// Invocation tells an executor where to run and where to leave logs.
type Invocation struct {
	RunRoot string
	LogDir  string
	Timeout time.Duration
	Env     map[string]string
}

// Result is returned for every invocation, success or failure. Stdout
// and Stderr hold the captured bytes; LogPaths are run-root-relative
// paths of the archived log files.
type Result struct {
	Success  bool
	ExitCode int
	Reason   string
	Stdout   string
	Stderr   string
	LogPaths []string
}

// Executor runs one command invocation synchronously.
type Executor interface {
	Execute(ctx context.Context, spec graph.ExecutorSpec, inv Invocation) (Result, error)
}

// LocalCommandExecutor runs local_command steps via os/exec, capturing
// stdout, stderr, and the exit code, and honoring a hard timeout.
type LocalCommandExecutor struct{}

// Execute runs the command with the invocation's timeout. A timeout is
// a failure with reason "timeout", not an error; errors are reserved
// for problems writing logs.
func (LocalCommandExecutor) Execute(ctx context.Context, spec graph.ExecutorSpec, inv Invocation) (Result, error) {
	if len(spec.Command) == 0 {
		return Result{Reason: "empty command"}, nil
	}

	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = inv.RunRoot
	if spec.Dir != "" {
		cmd.Dir = filepath.Join(inv.RunRoot, spec.Dir)
	}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range inv.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	res := Result{
		Success: runErr == nil,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	switch {
	case runErr == nil:
	case runCtx.Err() == context.DeadlineExceeded:
		res.Reason = ReasonTimeout
		res.ExitCode = -1
	case errors.Is(runErr, exec.ErrNotFound):
		res.Reason = ReasonCommandNotFound
		res.ExitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Reason = fmt.Sprintf("exit status %d", res.ExitCode)
		} else {
			res.ExitCode = -1
			res.Reason = runErr.Error()
		}
	}

	logPaths, err := writeInvocationLogs(inv, spec, res)
	if err != nil {
		return res, err
	}
	res.LogPaths = logPaths
	return res, nil
}

// writeInvocationLogs archives stdout.txt, stderr.txt, and a structured
// executor.json under the invocation's log directory. Logs are audit
// output, not kernel state, so plain writes suffice.
func writeInvocationLogs(inv Invocation, spec graph.ExecutorSpec, res Result) ([]string, error) {
	if err := os.MkdirAll(inv.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	summary := map[string]any{
		"command":   spec.Command,
		"success":   res.Success,
		"exit_code": res.ExitCode,
	}
	if res.Reason != "" {
		summary["reason"] = res.Reason
	}
	summaryBytes, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode executor summary: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{"stdout.txt", []byte(res.Stdout)},
		{"stderr.txt", []byte(res.Stderr)},
		{"executor.json", summaryBytes},
	}
	var rels []string
	for _, f := range files {
		path := filepath.Join(inv.LogDir, f.name)
		if err := os.WriteFile(path, f.data, 0o644); err != nil {
			return nil, fmt.Errorf("write log %s: %w", f.name, err)
		}
		rel, relErr := filepath.Rel(inv.RunRoot, path)
		if relErr != nil {
			return nil, relErr
		}
		rels = append(rels, filepath.ToSlash(rel))
	}
	return rels, nil
}
