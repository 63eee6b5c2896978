// Package runner executes external programs. Every component that shells out
// depends on the Runner interface so it can be exercised with a Fake.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner runs a command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExitError is returned when a process ran but exited non-zero.
type ExitError struct {
	Command string
	Result  Result
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s exited with status %d", e.Command, e.Result.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.Result.ExitCode, msg)
}

// CommandLine renders a command for logs.
func CommandLine(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

// CommandRunner runs processes on the host.
type CommandRunner struct{}

func NewCommandRunner() *CommandRunner { return &CommandRunner{} }

func (r *CommandRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	line := CommandLine(name, args...)
	slog.Info("exec_start", "command", line)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		slog.Warn("exec_cancelled", "command", line, "error", ctxErr)
		return res, ctxErr
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			slog.Error("exec_failed", "command", line, "exit_code", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
			return res, &ExitError{Command: line, Result: res}
		}
		slog.Error("exec_error", "command", line, "error", err)
		return res, fmt.Errorf("failed to run %s: %w", name, err)
	}

	slog.Info("exec_complete", "command", line)
	return res, nil
}
