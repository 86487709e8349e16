// Package buildsys drives the meta-build tool through its configure,
// compile, test, and install steps
package buildsys

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pipewright/pipewright/pkg/execx"
	"github.com/pipewright/pipewright/pkg/logger"
	"github.com/pipewright/pipewright/pkg/types"
)

var (
	// ErrConfiguration indicates the configuration step was rejected:
	// missing system dependency, unsupported option combination, or a
	// non-empty build directory. Non-retryable.
	ErrConfiguration = errors.New("build configuration failed")

	// ErrCompile indicates the compile step exited non-zero
	ErrCompile = errors.New("compile failed")

	// ErrTransient marks a compile failure that looked like a transient
	// network problem (private dependency fetch) rather than a source
	// defect. Callers may decide to re-run the whole pipeline.
	ErrTransient = errors.New("transient failure")

	// ErrVerification indicates the test suite reported failures
	ErrVerification = errors.New("verification failed")
)

// transientMarkers are output fragments that identify a failed dependency
// fetch rather than a compile defect
var transientMarkers = []string{
	"Could not resolve host",
	"Connection refused",
	"Connection timed out",
	"Connection reset by peer",
	"Failed to connect to",
	"Temporary failure in name resolution",
	"early EOF",
	"spurious network error",
}

// Driver abstracts the meta-build tool so pipeline tests can fake it
type Driver interface {
	Configure(ctx context.Context, tree *types.WorkingTree, buildDir string, opts types.BuildOptions) (*types.BuildTree, error)
	Compile(ctx context.Context, build *types.BuildTree, env []string) error
	Test(ctx context.Context, build *types.BuildTree, policy types.TimeoutPolicy) error
	Install(ctx context.Context, build *types.BuildTree, destDir string) error
}

// Meson drives a meson/ninja project
type Meson struct {
	runner  execx.Runner
	log     logger.Logger
	program string
}

// NewMeson creates a meson driver
func NewMeson(runner execx.Runner, log logger.Logger) *Meson {
	return &Meson{
		runner:  runner,
		log:     log,
		program: "meson",
	}
}

// configureArgs maps the pipeline's option set onto meson setup flags
func configureArgs(buildDir, sourceDir string, opts types.BuildOptions) []string {
	args := []string{
		"setup",
		buildDir,
		sourceDir,
		"--prefix", opts.Prefix,
		"--buildtype", string(opts.BuildType),
	}
	if opts.LibDir != "" {
		args = append(args, "--libdir", opts.LibDir)
	}
	if opts.SbinDir != "" {
		args = append(args, "--sbindir", opts.SbinDir)
	}
	if opts.WrapMode == types.WrapModeNoDownload || opts.Offline {
		// Offline builds forbid subproject downloads regardless of the
		// configured wrap mode.
		args = append(args, "--wrap-mode", "nodownload")
	}
	args = append(args,
		"-Db_lto="+strconv.FormatBool(opts.LTO),
		"-Db_pie="+strconv.FormatBool(opts.PIE),
	)
	return args
}

// Configure runs the configuration step against a fresh build directory.
// Re-invocation against a non-empty directory is rejected rather than left
// to the tool's undefined behavior.
func (m *Meson) Configure(ctx context.Context, tree *types.WorkingTree, buildDir string, opts types.BuildOptions) (*types.BuildTree, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if entries, err := os.ReadDir(buildDir); err == nil && len(entries) > 0 {
		return nil, fmt.Errorf("%w: build directory %s is not empty", ErrConfiguration, buildDir)
	}

	stageLog := m.log.WithStage(string(types.StageConfigure))
	stageLog.Info("Configuring build",
		logger.WithField("buildtype", opts.BuildType),
		logger.WithField("prefix", opts.Prefix))

	cmd := &execx.Command{
		Name: m.program,
		Args: configureArgs(buildDir, tree.Root, opts),
	}

	if res, err := m.runner.Run(ctx, cmd); err != nil {
		stageLog.Error("Configuration rejected", logger.WithField("output", lastLines(res)))
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	stageLog.Success("Build configured")
	return &types.BuildTree{
		Root:      buildDir,
		SourceDir: tree.Root,
		Options:   opts,
	}, nil
}

// Compile runs the compile step. env carries the key-agent session for the
// private dependency fetch; it is injected per invocation, never read from
// ambient process state.
func (m *Meson) Compile(ctx context.Context, build *types.BuildTree, env []string) error {
	stageLog := m.log.WithStage(string(types.StageCompile))
	stageLog.Info("Compiling")

	res, err := m.runner.Run(ctx, &execx.Command{
		Name: m.program,
		Args: []string{"compile", "-C", build.Root},
		Env:  env,
	})
	if err != nil {
		stageLog.Error("Compile failed", logger.WithField("output", lastLines(res)))
		if res != nil && looksTransient(res.Output) {
			return fmt.Errorf("%w: %w: %w", ErrCompile, ErrTransient, err)
		}
		return fmt.Errorf("%w: %w", ErrCompile, err)
	}

	build.Compiled = true
	stageLog.Success("Compile finished")
	return nil
}

// Test runs the test suite under the given timeout policy
func (m *Meson) Test(ctx context.Context, build *types.BuildTree, policy types.TimeoutPolicy) error {
	stageLog := m.log.WithStage(string(types.StageVerify))

	args := []string{"test", "-C", build.Root}
	if policy.Unbounded() {
		// Multiplier zero disables per-test timeout enforcement.
		args = append(args, "--timeout-multiplier", "0")
		stageLog.Info("Running test suite without per-test timeouts")
	} else {
		args = append(args, "--timeout-multiplier", strconv.Itoa(policy.Multiplier))
		stageLog.Info("Running test suite", logger.WithField("timeoutMultiplier", policy.Multiplier))
	}

	if res, err := m.runner.Run(ctx, &execx.Command{Name: m.program, Args: args}); err != nil {
		stageLog.Error("Test suite failed", logger.WithField("output", lastLines(res)))
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}

	build.Tested = true
	stageLog.Success("Test suite passed")
	return nil
}

// Install runs the install step against destDir as the alternate root
func (m *Meson) Install(ctx context.Context, build *types.BuildTree, destDir string) error {
	stageLog := m.log.WithStage(string(types.StageInstall))
	stageLog.Info("Installing", logger.WithField("destdir", destDir))

	if res, err := m.runner.Run(ctx, &execx.Command{
		Name: m.program,
		Args: []string{"install", "-C", build.Root, "--destdir", destDir},
	}); err != nil {
		stageLog.Error("Install step failed", logger.WithField("output", lastLines(res)))
		return err
	}
	return nil
}

// looksTransient reports whether tool output matches a known network
// failure signature
func looksTransient(output string) bool {
	for _, marker := range transientMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

func lastLines(res *execx.Result) string {
	if res == nil {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(res.Output), "\n")
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}
	return strings.Join(lines, "\n")
}
