package execx_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pipewright/pipewright/pkg/execx"
)

func TestRun_CapturesOutput(t *testing.T) {
	runner := execx.NewRunner()

	res, err := runner.Run(context.Background(), &execx.Command{
		Name: "sh",
		Args: []string{"-c", "echo hello; echo world >&2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Output, "hello") || !strings.Contains(res.Output, "world") {
		t.Errorf("expected combined stdout and stderr, got %q", res.Output)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	runner := execx.NewRunner()

	res, err := runner.Run(context.Background(), &execx.Command{
		Name: "sh",
		Args: []string{"-c", "exit 42"},
	})
	if err == nil {
		t.Fatal("expected an error for non-zero exit")
	}

	var exitErr *execx.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T", err)
	}
	if exitErr.Code != 42 {
		t.Errorf("expected code 42, got %d", exitErr.Code)
	}
	if res == nil || res.ExitCode != 42 {
		t.Error("expected result to carry the exit code")
	}
}

func TestRun_MissingCommand(t *testing.T) {
	runner := execx.NewRunner()

	_, err := runner.Run(context.Background(), &execx.Command{
		Name: "pipewright-no-such-tool",
	})
	if err == nil {
		t.Fatal("expected an error for a missing command")
	}
	var exitErr *execx.ExitError
	if errors.As(err, &exitErr) {
		t.Error("a command that never ran should not produce an ExitError")
	}
}

func TestRun_EnvAndDir(t *testing.T) {
	runner := execx.NewRunner()
	dir := t.TempDir()

	res, err := runner.Run(context.Background(), &execx.Command{
		Name: "sh",
		Args: []string{"-c", "echo $PIPEWRIGHT_TEST_VAR; pwd"},
		Dir:  dir,
		Env:  []string{"PIPEWRIGHT_TEST_VAR=marker"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Output, "marker") {
		t.Errorf("expected env var in output, got %q", res.Output)
	}
	if !strings.Contains(res.Output, dir) {
		t.Errorf("expected working dir %s in output, got %q", dir, res.Output)
	}
}

func TestRun_Tee(t *testing.T) {
	runner := execx.NewRunner()
	var tee bytes.Buffer

	res, err := runner.Run(context.Background(), &execx.Command{
		Name: "sh",
		Args: []string{"-c", "echo streamed"},
		Tee:  &tee,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tee.String() != res.Output {
		t.Errorf("tee %q should match captured output %q", tee.String(), res.Output)
	}
}

func TestExitCode(t *testing.T) {
	wrapped := errors.New("wrapped")
	tests := []struct {
		name     string
		err      error
		fallback int
		want     int
	}{
		{"nil-like plain error", wrapped, 1, 1},
		{"exit error", &execx.ExitError{Name: "meson", Code: 3}, 1, 3},
		{"wrapped exit error", &wrapError{&execx.ExitError{Name: "git", Code: 128}}, 1, 128},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := execx.ExitCode(tt.err, tt.fallback); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

type wrapError struct{ inner error }

func (w *wrapError) Error() string { return "outer: " + w.inner.Error() }
func (w *wrapError) Unwrap() error { return w.inner }
