package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ===================
// Command Execution Utilities
// ===================

// ExecError is returned by ExecContext when the command fails.
// It keeps both output streams so callers can classify the failure.
type ExecError struct {
	Name   string
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *ExecError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	if msg == "" {
		return fmt.Sprintf("%s %s: %v", e.Name, firstArg(e.Args), e.Err)
	}
	return fmt.Sprintf("%s %s: %v: %s", e.Name, firstArg(e.Args), e.Err, msg)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Output returns stdout and stderr joined, for substring classification.
func (e *ExecError) Output() string {
	return e.Stdout + "\n" + e.Stderr
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// ExecContext executes a VCS command with timeout and context support.
// env entries are appended to the current process environment.
// A command killed by the deadline yields an error matching ErrTimeout.
//
// Example:
//
//	output, err := ExecContext(ctx, 30*time.Second, repoRoot, nil, "git", "status", "--porcelain")
func ExecContext(ctx context.Context, timeout time.Duration, workDir string, env []string, name string, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrTimeout, time.Since(start).Round(time.Millisecond), err)
		}
		return stdout.Bytes(), &ExecError{
			Name:   name,
			Args:   args,
			Stdout: stdout.String(),
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return stdout.Bytes(), nil
}

// ExecLines executes a command and returns the output as lines.
// Empty lines are filtered out.
func ExecLines(ctx context.Context, timeout time.Duration, workDir string, env []string, name string, args ...string) ([]string, error) {
	output, err := ExecContext(ctx, timeout, workDir, env, name, args...)
	if err != nil {
		return nil, err
	}

	return ParseLines(output), nil
}

// ===================
// Output Parsing Utilities
// ===================

// ParseLines splits command output into non-empty lines.
func ParseLines(output []byte) []string {
	if len(output) == 0 {
		return nil
	}

	lines := strings.Split(string(output), "\n")
	result := make([]string, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			result = append(result, line)
		}
	}

	return result
}

// TrimOutput returns output as a string with surrounding whitespace removed.
func TrimOutput(output []byte) string {
	return strings.TrimSpace(string(output))
}

// FirstWord returns the first whitespace-separated field of output.
func FirstWord(output []byte) string {
	fields := strings.Fields(string(output))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// OutputContains reports whether a failed command's output mentions any of
// the given markers. Matching is case-insensitive.
func OutputContains(err error, markers ...string) bool {
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		return false
	}
	out := strings.ToLower(execErr.Output())
	for _, m := range markers {
		if strings.Contains(out, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// ===================
// Error Utilities
// ===================

// IsExitError reports whether err came from a command that ran and exited non-zero.
func IsExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// GetExitCode returns the exit code carried by err, 0 for nil,
// and -1 when err is not an exit error.
func GetExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
