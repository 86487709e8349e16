// Package execx runs the external tools the pipeline orchestrates.
//
// Every pipeline stage blocks on exactly one external invocation at a time;
// this package owns the mechanics: environment overlay, working directory,
// combined output capture, and exit-status extraction.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Command describes a single external invocation
type Command struct {
	Name string
	Args []string
	Dir  string

	// Env entries are appended on top of the inherited environment.
	Env []string

	// Stdin, if set, is fed to the process.
	Stdin io.Reader

	// Tee, if set, receives the combined output as it is produced in
	// addition to the captured buffer.
	Tee io.Writer
}

// Result is the observed outcome of a finished invocation
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// ExitError reports a command that ran to completion with non-zero status.
// The underlying tool's code is preserved so callers can propagate it
// verbatim.
type ExitError struct {
	Name string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Name, e.Code)
}

// Runner abstracts command execution so stages can be tested against fakes
type Runner interface {
	Run(ctx context.Context, cmd *Command) (*Result, error)
}

// OSRunner executes commands on the host
type OSRunner struct{}

// NewRunner creates the default host runner
func NewRunner() *OSRunner {
	return &OSRunner{}
}

// Run executes the command and waits for it to exit. A non-zero exit status
// is returned as a *ExitError alongside the captured Result; any other error
// means the command could not be run at all.
func (r *OSRunner) Run(ctx context.Context, cmd *Command) (*Result, error) {
	start := time.Now()

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	var buf bytes.Buffer
	var out io.Writer = &buf
	if cmd.Tee != nil {
		out = io.MultiWriter(&buf, cmd.Tee)
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Name, err)
	}

	// Both streams feed the same combined writer; the mutex keeps
	// interleaving at write granularity.
	var writeMu sync.Mutex
	var g errgroup.Group
	g.Go(func() error { return drain(out, stdout, &writeMu) })
	g.Go(func() error { return drain(out, stderr, &writeMu) })
	copyErr := g.Wait()

	waitErr := c.Wait()
	result := &Result{
		Output:   buf.String(),
		Duration: time.Since(start),
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, &ExitError{Name: cmd.Name, Code: result.ExitCode}
		}
		return result, fmt.Errorf("%s: %w", cmd.Name, waitErr)
	}
	if copyErr != nil {
		return result, fmt.Errorf("%s output: %w", cmd.Name, copyErr)
	}

	return result, nil
}

// drain copies a stream into the shared combined writer
func drain(dst io.Writer, src io.Reader, mu *sync.Mutex) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			mu.Lock()
			_, werr := dst.Write(buf[:n])
			mu.Unlock()
			if werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ExitCode extracts the underlying tool exit code from an error chain,
// or fallback when the chain carries none.
func ExitCode(err error, fallback int) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return fallback
}
