package runner

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunStreamsLinesInOrder(t *testing.T) {
	var lines []string
	result, err := Run(context.Background(),
		[]string{"sh", "-c", `printf 'one\ntwo\nthree\n'`},
		func(line []byte) { lines = append(lines, string(line)) },
		Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestRunCapturesExitCode(t *testing.T) {
	result, err := Run(context.Background(),
		[]string{"sh", "-c", "exit 3"},
		func([]byte) {}, Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
}

func TestRunInjectsEnv(t *testing.T) {
	var lines []string
	_, err := Run(context.Background(),
		[]string{"sh", "-c", `printf '%s\n' "$HTTP_PROXY"`},
		func(line []byte) { lines = append(lines, string(line)) },
		Options{Env: []string{"HTTP_PROXY=http://127.0.0.1:7777"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0] != "http://127.0.0.1:7777" {
		t.Errorf("child saw HTTP_PROXY = %v", lines)
	}
}

func TestRunCancellationKeepsProcessedLines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lines []string
	_, err := Run(ctx,
		[]string{"sh", "-c", `printf 'early\n'; sleep 30`},
		func(line []byte) {
			lines = append(lines, string(line))
			cancel()
		},
		Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if len(lines) != 1 || lines[0] != "early" {
		t.Errorf("lines before cancellation = %v, want [early]", lines)
	}
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Run(context.Background(),
		[]string{"/nonexistent/definitely-not-a-binary"},
		func([]byte) {}, Options{})
	if err == nil {
		t.Fatal("Run() error = nil, want start failure")
	}
}

func TestRunEmptyArgv(t *testing.T) {
	if _, err := Run(context.Background(), nil, func([]byte) {}, Options{}); err == nil {
		t.Fatal("Run() error = nil, want error")
	}
}

func TestRunDoesNotBlockOnSilentChild(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = Run(context.Background(),
			[]string{"sh", "-c", "exit 0"},
			func([]byte) {}, Options{})
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run() hung on a child with no output")
	}
}
