// Package source materializes the working tree the pipeline builds from
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pipewright/pipewright/pkg/execx"
	"github.com/pipewright/pipewright/pkg/logger"
	"github.com/pipewright/pipewright/pkg/types"
)

// ErrSource indicates the working tree could not be materialized: the
// remote was unreachable, the revision does not exist, or the patch set
// did not apply cleanly.
var ErrSource = errors.New("source acquisition failed")

// Acquirer clones a repository at a pinned revision and applies the local
// patch set on top of it
type Acquirer struct {
	runner execx.Runner
	log    logger.Logger
}

// NewAcquirer creates a source acquirer
func NewAcquirer(runner execx.Runner, log logger.Logger) *Acquirer {
	return &Acquirer{
		runner: runner,
		log:    log.WithStage(string(types.StageSource)),
	}
}

// Acquire checks out cfg.Repository at cfg.Revision into dest and applies
// cfg.PatchFile. dest must not already contain a checkout; the working tree
// is never mutated again after patching completes.
func (a *Acquirer) Acquire(ctx context.Context, cfg types.SourceConfig, dest string) (*types.WorkingTree, error) {
	if cfg.Repository == "" {
		return nil, fmt.Errorf("%w: no repository configured", ErrSource)
	}
	if cfg.Revision == "" {
		return nil, fmt.Errorf("%w: no revision pinned", ErrSource)
	}

	if entries, err := os.ReadDir(dest); err == nil && len(entries) > 0 {
		return nil, fmt.Errorf("%w: destination %s is not empty", ErrSource, dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSource, err)
	}

	a.log.Info("Cloning repository",
		logger.WithField("repository", cfg.Repository),
		logger.WithField("revision", cfg.Revision))

	if res, err := a.runner.Run(ctx, &execx.Command{
		Name: "git",
		Args: []string{"clone", "--", cfg.Repository, dest},
	}); err != nil {
		a.log.Error("Clone failed", logger.WithField("output", tail(resOutput(res))))
		return nil, fmt.Errorf("%w: clone: %w", ErrSource, err)
	}

	if res, err := a.runner.Run(ctx, &execx.Command{
		Name: "git",
		Args: []string{"-C", dest, "checkout", "--detach", cfg.Revision},
	}); err != nil {
		a.log.Error("Checkout failed", logger.WithField("output", tail(resOutput(res))))
		return nil, fmt.Errorf("%w: checkout %s: %w", ErrSource, cfg.Revision, err)
	}

	rev := cfg.Revision
	if res, err := a.runner.Run(ctx, &execx.Command{
		Name: "git",
		Args: []string{"-C", dest, "rev-parse", "HEAD"},
	}); err == nil {
		rev = strings.TrimSpace(res.Output)
	}

	tree := &types.WorkingTree{Root: dest, Revision: rev}

	if cfg.PatchFile != "" {
		if err := a.applyPatch(ctx, dest, cfg.PatchFile); err != nil {
			return nil, err
		}
		tree.PatchApplied = true
	}

	a.log.Success("Working tree ready", logger.WithField("revision", rev))
	return tree, nil
}

// applyPatch applies the patch forward-only with default fuzz tolerance
func (a *Acquirer) applyPatch(ctx context.Context, dest, patchFile string) error {
	abs, err := filepath.Abs(patchFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSource, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("%w: patch file: %v", ErrSource, err)
	}

	a.log.Info("Applying patch", logger.WithField("patch", filepath.Base(abs)))

	res, err := a.runner.Run(ctx, &execx.Command{
		Name: "patch",
		Args: []string{"--forward", "--strip=1", "--directory", dest, "--input", abs},
	})
	if err != nil {
		a.log.Error("Patch did not apply", logger.WithField("output", tail(resOutput(res))))
		return fmt.Errorf("%w: patch: %w", ErrSource, err)
	}
	return nil
}

func resOutput(res *execx.Result) string {
	if res == nil {
		return ""
	}
	return res.Output
}

// tail trims long tool output to the last few lines for diagnostics
func tail(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) <= 10 {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-10:], "\n")
}
