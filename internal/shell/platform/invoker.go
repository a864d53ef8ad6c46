// Package platform adapts the deployment platform's two outward faces - its
// deploy CLI and its control-plane API - into classified, resilience-ready
// calls, and composes them into the per-phase deployer the orchestrator
// drives.
package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/shipway/internal/core/fault"
)

// =============================================================================
// Invoker
// =============================================================================

// InvokeResult is the captured outcome of one CLI invocation.
type InvokeResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Invoker runs the platform's deploy CLI. Implementations must classify
// failures: a non-zero exit is transient unless stderr proves the command
// can never succeed as given.
type Invoker interface {
	Invoke(ctx context.Context, command string, args []string, env map[string]string) (*InvokeResult, error)
}

// permanentStderr lists stderr fragments that mark a failed invocation as
// non-retryable: re-running the identical command cannot succeed.
var permanentStderr = []string{
	"syntax error",
	"parse error",
	"validation failed",
	"invalid configuration",
	"unknown command",
	"unknown flag",
	"authentication failed",
	"unauthorized",
	"forbidden",
}

// =============================================================================
// Exec Invoker
// =============================================================================

// ExecInvoker shells out to the deploy CLI binary.
type ExecInvoker struct {
	binary  string
	workDir string
	logger  *slog.Logger
}

// NewExecInvoker creates an invoker for the given CLI binary. workDir may
// be empty to inherit the process working directory.
func NewExecInvoker(binary, workDir string, logger *slog.Logger) *ExecInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecInvoker{
		binary:  binary,
		workDir: workDir,
		logger:  logger.With("component", "invoker"),
	}
}

// Invoke runs `<binary> <command> <args...>` under ctx, capturing stdout and
// stderr. The result is returned even on failure so callers can surface the
// CLI's own diagnostics.
func (i *ExecInvoker) Invoke(ctx context.Context, command string, args []string, env map[string]string) (*InvokeResult, error) {
	op := "cli:" + command
	start := time.Now()

	cmd := exec.CommandContext(ctx, i.binary, append([]string{command}, args...)...)
	cmd.Dir = i.workDir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &InvokeResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	elapsed := time.Since(start)
	if err == nil {
		i.logger.Debug("cli command succeeded",
			"command", command,
			"elapsed", elapsed)
		invokeTotal.WithLabelValues(command, "success").Inc()
		return result, nil
	}

	invokeTotal.WithLabelValues(command, "failure").Inc()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		detail := strings.TrimSpace(result.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(result.Stdout)
		}
		failure := fmt.Errorf("%s %s: exit %d: %s", filepath.Base(i.binary), command, result.ExitCode, detail)

		i.logger.Warn("cli command failed",
			"command", command,
			"exit_code", result.ExitCode,
			"elapsed", elapsed,
			"stderr", detail)

		if stderrIsPermanent(result.Stderr) {
			return result, fault.Permanent(op, failure)
		}
		return result, fault.Transient(op, failure)
	}

	// The command never ran: a missing binary is permanent, anything else
	// (fork/pipe trouble) is worth retrying.
	result.ExitCode = -1
	i.logger.Error("cli command did not start",
		"binary", i.binary,
		"command", command,
		"error", err)
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return result, fault.Permanent(op, fmt.Errorf("start %s: %w", i.binary, err))
	}
	return result, fault.Transient(op, fmt.Errorf("start %s: %w", i.binary, err))
}

// stderrIsPermanent reports whether stderr matches any known non-retryable
// failure fragment. Matching is case-insensitive.
func stderrIsPermanent(stderr string) bool {
	lowered := strings.ToLower(stderr)
	for _, fragment := range permanentStderr {
		if strings.Contains(lowered, fragment) {
			return true
		}
	}
	return false
}
