// Package types provides core types and configurations for Pipewright
package types

import (
	"fmt"
	"time"
)

// Stage identifies one step of the packaging pipeline
type Stage string

const (
	StageSource      Stage = "source"
	StageCredentials Stage = "credentials"
	StageConfigure   Stage = "configure"
	StageCompile     Stage = "compile"
	StageVerify      Stage = "verify"
	StageInstall     Stage = "install"
)

// Stages lists all pipeline stages in execution order
var Stages = []Stage{
	StageSource,
	StageCredentials,
	StageConfigure,
	StageCompile,
	StageVerify,
	StageInstall,
}

// Phase represents the recorded progress of a pipeline run
type Phase string

const (
	PhaseEmpty       Phase = "empty"
	PhaseAcquired    Phase = "acquired"
	PhaseProvisioned Phase = "provisioned"
	PhaseConfigured  Phase = "configured"
	PhaseCompiled    Phase = "compiled"
	PhaseVerified    Phase = "verified"
	PhaseInstalled   Phase = "installed"
)

// BuildType represents meta-build optimization profiles
type BuildType string

const (
	BuildTypeDebug   BuildType = "debug"
	BuildTypeRelease BuildType = "release"
)

// WrapMode controls whether the meta-build tool may download subproject
// dependencies during configuration
type WrapMode string

const (
	WrapModeAllowDownload WrapMode = "allow-download"
	WrapModeNoDownload    WrapMode = "no-download"
)

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// BuildOptions is the option set passed through to the meta-build
// configuration step
type BuildOptions struct {
	Prefix    string    `json:"prefix" yaml:"prefix"`
	LibDir    string    `json:"libDir" yaml:"libDir"`
	SbinDir   string    `json:"sbinDir" yaml:"sbinDir"`
	BuildType BuildType `json:"buildType" yaml:"buildType"`
	WrapMode  WrapMode  `json:"wrapMode" yaml:"wrapMode"`
	LTO       bool      `json:"lto" yaml:"lto"`
	PIE       bool      `json:"pie" yaml:"pie"`
	Offline   bool      `json:"offline" yaml:"offline"`
}

// Validate checks option values that the meta-build tool would otherwise
// reject with an opaque diagnostic
func (o BuildOptions) Validate() error {
	switch o.BuildType {
	case BuildTypeDebug, BuildTypeRelease:
	case "":
		return fmt.Errorf("buildType is required")
	default:
		return fmt.Errorf("invalid buildType: %s", o.BuildType)
	}

	switch o.WrapMode {
	case WrapModeAllowDownload, WrapModeNoDownload, "":
	default:
		return fmt.Errorf("invalid wrapMode: %s", o.WrapMode)
	}

	if o.Prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	return nil
}

// TimeoutPolicy controls per-test timeout enforcement during verification.
// A multiplier of zero disables enforcement entirely.
type TimeoutPolicy struct {
	Multiplier int `json:"multiplier" yaml:"multiplier"`
}

// Unbounded reports whether per-test timeouts are disabled
func (p TimeoutPolicy) Unbounded() bool {
	return p.Multiplier <= 0
}

// WorkingTree is the checked-out, patched source directory
type WorkingTree struct {
	Root         string `json:"root"`
	Revision     string `json:"revision"`
	PatchApplied bool   `json:"patchApplied"`
}

// CredentialBundle is the ephemeral private key plus its host-routing
// configuration. The key is owned by the running pipeline and must not
// outlive it; none of these fields carry key bytes.
type CredentialBundle struct {
	KeyPath     string `json:"keyPath"`
	HostPattern string `json:"hostPattern"`
	User        string `json:"user"`
	Registered  bool   `json:"registered"`
}

// BuildTree is the out-of-source build directory
type BuildTree struct {
	Root      string       `json:"root"`
	SourceDir string       `json:"sourceDir"`
	Options   BuildOptions `json:"options"`
	Compiled  bool         `json:"compiled"`
	Tested    bool         `json:"tested"`
}

// StagingRoot is the destination filesystem root the package is staged into
type StagingRoot struct {
	Root      string   `json:"root"`
	Installed []string `json:"installed,omitempty"`
}

// StageResult records the outcome of a single pipeline stage
type StageResult struct {
	Stage    Stage         `json:"stage"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// PipelineResult is the ordered record of stage outcomes for one run.
// A failed entry is always the last one.
type PipelineResult struct {
	RunID   string        `json:"runId"`
	Started time.Time     `json:"started"`
	Stages  []StageResult `json:"stages"`
}

// Record appends a stage outcome
func (r *PipelineResult) Record(res StageResult) {
	r.Stages = append(r.Stages, res)
}

// Failed returns the failing stage result, if any
func (r *PipelineResult) Failed() *StageResult {
	if len(r.Stages) == 0 {
		return nil
	}
	last := &r.Stages[len(r.Stages)-1]
	if last.Error != "" || last.ExitCode != 0 {
		return last
	}
	return nil
}

// Duration is the total wall time across recorded stages
func (r *PipelineResult) Duration() time.Duration {
	var total time.Duration
	for _, s := range r.Stages {
		total += s.Duration
	}
	return total
}
