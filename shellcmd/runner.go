package shellcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Error describes a failed shell command. Command and Stderr never contain the password.
type Error struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("shell command failed with exit code %d: %s", e.ExitCode, e.Command)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += "\nStderr: " + stderr
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Runner executes command strings through /bin/sh.
type Runner struct {
	Shell   string
	Timeout time.Duration
	Dir     string
	Env     []string
	Logger  *slog.Logger
}

// NewRunner returns a Runner with the given timeout; zero means no timeout.
func NewRunner(timeout time.Duration, logger *slog.Logger) *Runner {
	return &Runner{Shell: "sh", Timeout: timeout, Logger: logger}
}

// Run executes command and waits for it. password is redacted from logs and errors.
func (r *Runner) Run(ctx context.Context, command, password string) error {
	if strings.TrimSpace(command) == "" {
		return errors.New("command is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}

	display := Redact(command, password)
	if r.Logger != nil {
		r.Logger.Info("running shell command", "command", display)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	if err == nil {
		if r.Logger != nil {
			r.Logger.Debug("shell command finished", "duration", time.Since(start), "stdout_bytes", stdout.Len())
		}
		return nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}

	shellErr := &Error{
		Command:  display,
		ExitCode: exitCode,
		Stderr:   Redact(stderr.String(), password),
		Err:      err,
	}
	if r.Logger != nil {
		r.Logger.Error("shell command failed", "command", display, "exit_code", exitCode, "stderr", shellErr.Stderr)
	}
	return shellErr
}
