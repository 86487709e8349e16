package types

// SourceConfig pins the repository and patch set to build from
type SourceConfig struct {
	Repository string `json:"repository" yaml:"repository"`
	Revision   string `json:"revision" yaml:"revision"`
	PatchFile  string `json:"patchFile,omitempty" yaml:"patchFile,omitempty"`
}

// CredentialConfig describes where the ephemeral deploy key comes from and
// which host it routes to. The token itself is read from the named
// environment variable, never from the config file.
type CredentialConfig struct {
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	TokenEnv    string `json:"tokenEnv" yaml:"tokenEnv"`
	HostPattern string `json:"hostPattern" yaml:"hostPattern"`
	User        string `json:"user" yaml:"user"`
}

// VerifyConfig controls the test-suite stage
type VerifyConfig struct {
	TimeoutMultiplier int  `json:"timeoutMultiplier" yaml:"timeoutMultiplier"`
	Optional          bool `json:"optional" yaml:"optional"`
}

// NotifyConfig controls desktop notifications
type NotifyConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// PipelineConfig is the top-level configuration for a packaging run
type PipelineConfig struct {
	Version     string           `json:"version" yaml:"version"`
	Package     string           `json:"package" yaml:"package"`
	LicenseFile string           `json:"licenseFile,omitempty" yaml:"licenseFile,omitempty"`
	LogLevel    LogLevel         `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	Source      SourceConfig     `json:"source" yaml:"source"`
	Credentials CredentialConfig `json:"credentials" yaml:"credentials"`
	Options     BuildOptions     `json:"options" yaml:"options"`
	Verify      VerifyConfig     `json:"verify" yaml:"verify"`
	Notify      NotifyConfig     `json:"notify,omitempty" yaml:"notify,omitempty"`
}

// TimeoutPolicy derives the verifier policy from the config
func (c *PipelineConfig) TimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{Multiplier: c.Verify.TimeoutMultiplier}
}
