// Package command runs proxy lifecycle commands (systemctl, haproxy -c) and
// maps their output to a service status.
package command

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"mvdan.cc/sh/v3/shell"
)

const defaultTimeout = 30 * time.Second

// Executor runs one command line and returns its trimmed stdout.
type Executor interface {
	Run(ctx context.Context, line string) (string, error)
}

// ExitError is a command that ran and failed.
type ExitError struct {
	Line   string
	Code   int
	Stdout string
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	return "command failed: " + e.Detail()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Detail is the most useful captured text: stderr, then stdout, then the cause.
func (e *ExitError) Detail() string {
	if s := strings.TrimSpace(e.Stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		return s
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

// Local executes commands on this host. The line is split with shell quoting
// rules but never handed to a shell.
type Local struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

var _ Executor = (*Local)(nil)

func NewLocal(timeout time.Duration, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{Timeout: timeout, Logger: logger}
}

func (l *Local) Run(ctx context.Context, line string) (string, error) {
	argv, err := shell.Fields(line, nil)
	if err != nil {
		return "", errors.Wrapf(err, "parse command %q", line)
	}
	if len(argv) == 0 {
		return "", errors.Newf("empty command")
	}

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	out := strings.TrimSpace(stdout.String())
	if err == nil {
		l.Logger.Debug("command succeeded",
			zap.String("command", line),
			zap.Duration("elapsed", time.Since(start)))
		return out, nil
	}

	if errors.Is(err, exec.ErrNotFound) {
		l.Logger.Error("command not found", zap.String("command", argv[0]))
		return "", errors.Wrapf(err, "command %q not found, is it in PATH?", argv[0])
	}
	ee := &ExitError{Line: line, Code: -1, Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
	var xe *exec.ExitError
	if errors.As(err, &xe) {
		ee.Code = xe.ExitCode()
	}
	l.Logger.Error("command failed",
		zap.String("command", line),
		zap.Int("exit_code", ee.Code),
		zap.String("stderr", strings.TrimSpace(ee.Stderr)),
		zap.Error(err))
	return out, ee
}
