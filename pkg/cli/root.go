// Package cli provides the command-line interface for Pipewright
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pipewright/pipewright/pkg/config"
	"github.com/pipewright/pipewright/pkg/execx"
	"github.com/pipewright/pipewright/pkg/logger"
	"github.com/pipewright/pipewright/pkg/pipeline"
	"github.com/pipewright/pipewright/pkg/types"
)

var (
	cfgFile   string
	verbosity string
	version   string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pipewright",
	Short: "Staged build pipeline that turns a source checkout into a package",
	Long: `Pipewright drives an external project from pinned checkout to staged
package artifact: acquire and patch the source, provision the ephemeral
deploy key, configure and compile under an authenticated session, run the
test suite, and stage the result into a destination root.

The sub-commands form an ordered pipeline: prepare, build, check, package.
Each one refuses to run before its predecessor has completed.`,

	SilenceUsage:  true,
	SilenceErrors: true,

	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("pipewright v%s\n", version)
			return
		}
		cmd.Help()
	},
}

// Execute runs the CLI
func Execute(v string) error {
	version = v

	// Initialize the root command explicitly (avoiding init())
	initializeRootCommand()

	return rootCmd.Execute()
}

// initializeRootCommand sets up the root command and its flags.
// This replaces the init() function to make initialization explicit and testable.
func initializeRootCommand() {
	cobra.OnInitialize(initEnv)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <workroot>/pipewright.config.json)")
	rootCmd.PersistentFlags().StringVarP(&verbosity, "verbosity", "v", "info", "log level (debug, info, warn, error)")

	rootCmd.Flags().Bool("version", false, "Print version information and quit")

	// Add subcommands
	rootCmd.AddCommand(newPrepareCmd())
	rootCmd.AddCommand(newBuildCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newPackageCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func initEnv() {
	// PIPEWRIGHT_* environment variables carry the build option inputs.
	viper.SetEnvPrefix("PIPEWRIGHT")
	viper.AutomaticEnv()
}

// loadConfig reads and validates the pipeline configuration for a work root
func loadConfig(workRoot string) (*types.PipelineConfig, error) {
	path := cfgFile
	if path == "" {
		path = filepath.Join(workRoot, "pipewright.config.json")
		if _, err := os.Stat(path); err != nil {
			yamlPath := filepath.Join(workRoot, "pipewright.config.yaml")
			if _, err := os.Stat(yamlPath); err == nil {
				path = yamlPath
			}
		}
	}

	cfg, err := config.NewManager().LoadConfig(path)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides folds the PIPEWRIGHT_* environment inputs into the
// build options
func applyEnvOverrides(cfg *types.PipelineConfig) {
	if v := viper.GetString("prefix"); v != "" {
		cfg.Options.Prefix = v
	}
	if v := viper.GetString("libdir"); v != "" {
		cfg.Options.LibDir = v
	}
	if v := viper.GetString("sbindir"); v != "" {
		cfg.Options.SbinDir = v
	}
	if v := viper.GetString("buildtype"); v != "" {
		cfg.Options.BuildType = types.BuildType(v)
	}
	if viper.IsSet("lto") {
		cfg.Options.LTO = viper.GetBool("lto")
	}
	if viper.IsSet("pie") {
		cfg.Options.PIE = viper.GetBool("pie")
	}
	if viper.IsSet("offline") {
		cfg.Options.Offline = viper.GetBool("offline")
	}
}

// ExitCode maps a CLI error to the process exit status: the underlying
// tool's code when one is carried, 2 for an out-of-order sub-command, 1
// otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, pipeline.ErrStageOrder) {
		return 2
	}
	return execx.ExitCode(err, 1)
}

// Helper functions

var console = logger.NewConsoleLogger()

func printSuccess(message string) {
	console.Success(message)
}

func printError(message string) {
	console.Error(message)
}

func printInfo(message string) {
	console.Info(message)
}
