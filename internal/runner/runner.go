// Package runner spawns a connector process and streams its stdout to a
// per-line callback. Consumption is a blocking read loop: it suspends
// when no line is available and never buffers the whole output, so a
// run killed midway still yields every line read up to that point.
package runner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// LineFunc receives one stdout line, without its trailing newline. The
// byte slice is only valid for the duration of the call.
type LineFunc func(line []byte)

// Options configures one command run.
type Options struct {
	// Env entries are appended to the parent environment; this is how
	// the orchestrator points the child at the active interceptor.
	Env []string

	// Tee mirrors the child's stdout to the harness's own stdout in
	// addition to the callback. Stderr always passes through.
	Tee bool

	// MaxLineBytes caps a single line; longer lines are dropped the
	// same way malformed lines are. Zero means 16 MiB.
	MaxLineBytes int

	Logger *slog.Logger
}

// Result is the outcome of one completed (or terminated) run.
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Run executes argv, invoking onLine for every stdout line until the
// stream closes, then waits for the process and returns its exit code.
// Context cancellation kills the process; lines already read are not
// lost.
func Run(ctx context.Context, argv []string, onLine LineFunc, opts Options) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty argv")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxLine := opts.MaxLineBytes
	if maxLine <= 0 {
		maxLine = 16 * 1024 * 1024
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, err
	}
	logger.Info("process started",
		slog.String("command", argv[0]),
		slog.Int("pid", cmd.Process.Pid))

	var reader io.Reader = stdout
	if opts.Tee {
		reader = io.TeeReader(stdout, os.Stdout)
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		onLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		// A torn or oversized final read must not abort collection.
		logger.Warn("output stream ended abnormally", slog.String("error", err.Error()))
	}

	waitErr := cmd.Wait()
	result := Result{Duration: time.Since(start)}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			return result, waitErr
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}

	logger.Info("process exited",
		slog.String("command", argv[0]),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", result.Duration))
	return result, nil
}
