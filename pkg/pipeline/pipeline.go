// Package pipeline sequences the packaging stages and owns their
// failure-propagation semantics.
//
// Control flow is strictly sequential and stage-gated: source acquisition,
// credential provisioning, build configuration, authenticated compilation,
// verification, staged installation. Any stage failure aborts the rest of
// the pipeline immediately; no stage is retried.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pipewright/pipewright/pkg/agent"
	"github.com/pipewright/pipewright/pkg/buildsys"
	"github.com/pipewright/pipewright/pkg/credentials"
	"github.com/pipewright/pipewright/pkg/execx"
	"github.com/pipewright/pipewright/pkg/install"
	"github.com/pipewright/pipewright/pkg/logger"
	"github.com/pipewright/pipewright/pkg/notifier"
	"github.com/pipewright/pipewright/pkg/source"
	"github.com/pipewright/pipewright/pkg/state"
	"github.com/pipewright/pipewright/pkg/types"
)

// SourceAcquirer materializes the working tree
type SourceAcquirer interface {
	Acquire(ctx context.Context, cfg types.SourceConfig, dest string) (*types.WorkingTree, error)
}

// CredentialProvisioner fetches and installs the ephemeral deploy key
type CredentialProvisioner interface {
	Provision(ctx context.Context, cfg types.CredentialConfig, token string) (*types.CredentialBundle, error)
	Discard() error
}

// PackageInstaller stages build outputs into the destination root
type PackageInstaller interface {
	Install(ctx context.Context, build *types.BuildTree, destDir, licenseFile, pkg string) (*types.StagingRoot, error)
}

// Notifier reports pipeline completion
type Notifier interface {
	NotifySuccess(pkg string, duration time.Duration)
	NotifyFailure(pkg, stage string)
}

// Runner drives the pipeline. Component fields are exported so callers and
// tests can substitute implementations; New wires the defaults.
type Runner struct {
	Config   *types.PipelineConfig
	WorkRoot string
	Log      logger.Logger

	States    *state.Manager
	Source    SourceAcquirer
	Creds     CredentialProvisioner
	Driver    buildsys.Driver
	Installer PackageInstaller
	Notify    Notifier

	// Exec runs the agent helper processes for the compile stage.
	Exec execx.Runner

	// SSHConfigPath, when non-empty, is injected into the compile
	// environment so host routing comes from the pipeline-owned file
	// rather than ambient ssh configuration.
	SSHConfigPath string
}

// New creates a pipeline runner with the default component wiring
func New(cfg *types.PipelineConfig, workRoot string, log logger.Logger) *Runner {
	runner := execx.NewRunner()
	states := state.NewManager(workRoot, log)
	store := credentials.NewFileStore(filepath.Join(states.Dir(), "credentials"))
	driver := buildsys.NewMeson(runner, log)

	return &Runner{
		Config:        cfg,
		WorkRoot:      workRoot,
		Log:           log,
		States:        states,
		Source:        source.NewAcquirer(runner, log),
		Creds:         credentials.NewProvisioner(credentials.NewHTTPTransport(), store, log),
		Driver:        driver,
		Installer:     install.NewInstaller(driver, log),
		Notify:        notifier.New(cfg.Notify.Enabled, log),
		Exec:          runner,
		SSHConfigPath: store.ConfigPath(),
	}
}

// SourceDir returns where the working tree is checked out
func (r *Runner) SourceDir() string {
	return filepath.Join(r.WorkRoot, "src")
}

// BuildDir returns the out-of-source build directory
func (r *Runner) BuildDir() string {
	return filepath.Join(r.WorkRoot, "build")
}

// Prepare runs source acquisition followed by credential provisioning
func (r *Runner) Prepare(ctx context.Context) error {
	st, err := r.States.Load()
	if err != nil {
		return err
	}

	if err := r.runStage(ctx, st, types.StageSource, func(ctx context.Context) error {
		tree, err := r.Source.Acquire(ctx, r.Config.Source, r.SourceDir())
		if err != nil {
			return err
		}
		st.WorkTree = tree
		return nil
	}); err != nil {
		return err
	}

	return r.runStage(ctx, st, types.StageCredentials, func(ctx context.Context) error {
		if r.Config.Credentials.Endpoint == "" {
			// Nothing to provision; the build has no private dependencies.
			r.Log.Debug("No credential endpoint configured, skipping provisioning")
			return nil
		}
		token := os.Getenv(r.Config.Credentials.TokenEnv)
		bundle, err := r.Creds.Provision(ctx, r.Config.Credentials, token)
		if err != nil {
			return err
		}
		st.Credential = bundle
		return nil
	})
}

// Build runs build configuration followed by authenticated compilation
func (r *Runner) Build(ctx context.Context) error {
	st, err := r.States.Load()
	if err != nil {
		return err
	}

	if err := r.runStage(ctx, st, types.StageConfigure, func(ctx context.Context) error {
		if st.WorkTree == nil {
			return fmt.Errorf("%w: no working tree recorded", ErrStageOrder)
		}
		build, err := r.Driver.Configure(ctx, st.WorkTree, r.BuildDir(), r.Config.Options)
		if err != nil {
			return err
		}
		st.BuildTree = build
		return nil
	}); err != nil {
		return err
	}

	return r.runStage(ctx, st, types.StageCompile, func(ctx context.Context) error {
		return r.compile(ctx, st)
	})
}

// compile drives the compile step under a scoped key-agent session when a
// credential bundle was provisioned
func (r *Runner) compile(ctx context.Context, st *state.PipelineState) error {
	if st.Credential == nil {
		return r.Driver.Compile(ctx, st.BuildTree, nil)
	}

	return agent.WithSession(ctx, r.Exec, r.Log, st.Credential.KeyPath, func(env []string) error {
		if r.SSHConfigPath != "" {
			env = append(env, "GIT_SSH_COMMAND=ssh -F "+r.SSHConfigPath)
		}
		return r.Driver.Compile(ctx, st.BuildTree, env)
	})
}

// Check runs the test suite. When the verify stage is configured as
// optional, a failing suite is recorded but does not abort the pipeline.
func (r *Runner) Check(ctx context.Context) error {
	st, err := r.States.Load()
	if err != nil {
		return err
	}

	err = r.runStage(ctx, st, types.StageVerify, func(ctx context.Context) error {
		return r.Driver.Test(ctx, st.BuildTree, r.Config.TimeoutPolicy())
	})
	if err != nil && r.Config.Verify.Optional && errors.Is(err, buildsys.ErrVerification) {
		r.Log.Warn("Test suite failed but verification is configured as non-fatal")
		// Advance past the failed stage so packaging can proceed.
		st.Phase = types.PhaseVerified
		if serr := r.States.Save(st); serr != nil {
			return serr
		}
		return nil
	}
	return err
}

// Package runs the staged install. Terminal stage: on success the
// provisioned key material is discarded.
func (r *Runner) Package(ctx context.Context, destDir string) error {
	st, err := r.States.Load()
	if err != nil {
		return err
	}

	err = r.runStage(ctx, st, types.StageInstall, func(ctx context.Context) error {
		if st.BuildTree == nil || !st.BuildTree.Compiled {
			return fmt.Errorf("%w: no compiled build tree recorded", ErrStageOrder)
		}
		_, err := r.Installer.Install(ctx, st.BuildTree, destDir, r.Config.LicenseFile, r.Config.Package)
		return err
	})
	if err != nil {
		return err
	}

	if st.Credential != nil {
		if derr := r.Creds.Discard(); derr != nil {
			r.Log.Warn("Failed to discard provisioned key material")
		}
	}
	return nil
}

// Run executes the whole pipeline in one process. A positive timeout
// bounds the run as a whole without changing any stage contract.
func (r *Runner) Run(ctx context.Context, destDir string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := r.runAll(ctx, destDir)
	if err != nil {
		if st, lerr := r.States.Load(); lerr == nil {
			if failed := st.Result.Failed(); failed != nil {
				r.Notify.NotifyFailure(r.Config.Package, string(failed.Stage))
			}
		}
		return err
	}
	r.Notify.NotifySuccess(r.Config.Package, time.Since(start))
	return nil
}

func (r *Runner) runAll(ctx context.Context, destDir string) error {
	if err := r.Prepare(ctx); err != nil {
		return err
	}
	if err := r.Build(ctx); err != nil {
		return err
	}
	if err := r.Check(ctx); err != nil {
		return err
	}
	return r.Package(ctx, destDir)
}

// runStage guards, times, and records one stage, persisting state after it
func (r *Runner) runStage(ctx context.Context, st *state.PipelineState, stage types.Stage, fn func(context.Context) error) error {
	machine := NewMachine(st.Phase, r.Config.Verify.Optional)
	if err := machine.Ensure(stage); err != nil {
		return err
	}

	start := time.Now()
	err := fn(ctx)

	result := types.StageResult{
		Stage:    stage,
		Duration: time.Since(start),
	}
	if err != nil {
		result.ExitCode = execx.ExitCode(err, 1)
		result.Error = err.Error()
		st.LastError = err.Error()
	} else {
		machine.Advance(stage)
		st.Phase = machine.Phase()
		st.LastError = ""
	}
	st.Result.Record(result)

	if serr := r.States.Save(st); serr != nil && err == nil {
		return serr
	}
	return err
}

// IsTransient reports whether a pipeline failure looked like a transient
// network problem, in which case re-running the whole pipeline may succeed
func IsTransient(err error) bool {
	return errors.Is(err, buildsys.ErrTransient)
}
