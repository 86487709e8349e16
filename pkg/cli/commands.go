package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/pkg/logger"
	"github.com/pipewright/pipewright/pkg/pipeline"
	"github.com/pipewright/pipewright/pkg/state"
	"github.com/pipewright/pipewright/pkg/types"
)

func newPrepareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prepare <workroot>",
		Short: "Acquire the source tree and provision credentials",
		Long:  `Clone the pinned revision, apply the patch set, then fetch and install the ephemeral deploy key.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := newRunner(args[0])
			if err != nil {
				return err
			}
			return report(runner.Prepare(cmd.Context()), "prepare")
		},
	}
}

func newBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build <workroot>",
		Short: "Configure the build and compile under an authenticated session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := newRunner(args[0])
			if err != nil {
				return err
			}
			err = runner.Build(cmd.Context())
			if err != nil && pipeline.IsTransient(err) {
				printError("Compile failure looked transient (network); re-running the pipeline may succeed")
			}
			return report(err, "build")
		},
	}
}

func newCheckCmd() *cobra.Command {
	var allowFailures bool

	cmd := &cobra.Command{
		Use:   "check <workroot>",
		Short: "Run the project's test suite",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := newRunner(args[0])
			if err != nil {
				return err
			}
			if allowFailures {
				runner.Config.Verify.Optional = true
			}
			return report(runner.Check(cmd.Context()), "check")
		},
		Args: cobra.ExactArgs(1),
	}

	cmd.Flags().BoolVar(&allowFailures, "allow-failures", false, "Record test failures without aborting the pipeline")
	return cmd
}

func newPackageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "package <workroot> <destdir>",
		Short: "Stage the build outputs and license into a destination root",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := newRunner(args[0])
			if err != nil {
				return err
			}
			destDir, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			return report(runner.Package(cmd.Context(), destDir), "package")
		},
	}
}

func newRunCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <workroot> <destdir>",
		Short: "Run the full pipeline in one invocation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := newRunner(args[0])
			if err != nil {
				return err
			}
			destDir, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			err = runner.Run(cmd.Context(), destDir, timeout)
			if err != nil && pipeline.IsTransient(err) {
				printError("Failure looked transient (network); re-running the pipeline may succeed")
			}
			return report(err, "run")
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall pipeline deadline (0 disables)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <workroot>",
		Short: "Show recorded pipeline progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(args[0])
		},
	}
}

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean <workroot>",
		Short: "Remove the working tree, build tree, state, and key material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(args[0])
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pipewright v%s\n", version)
		},
	}
}

// newRunner loads the config for a work root and wires a pipeline runner
func newRunner(workRoot string) (*pipeline.Runner, error) {
	abs, err := filepath.Abs(workRoot)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(abs)
	if err != nil {
		return nil, err
	}
	level := verbosity
	if cfg.LogLevel != "" {
		level = string(cfg.LogLevel)
	}
	log := logger.CreateLogger("", level)
	return pipeline.New(cfg, abs, log), nil
}

// report prints the outcome of a sub-command; the error still propagates so
// the process exits with the underlying tool's status
func report(err error, name string) error {
	if err != nil {
		printError(fmt.Sprintf("%s failed: %v", name, err))
		return err
	}
	printSuccess(name + " completed")
	return nil
}

func runStatus(workRoot string) error {
	abs, err := filepath.Abs(workRoot)
	if err != nil {
		return err
	}

	st, err := state.NewManager(abs, logger.CreateLogger("", verbosity)).Load()
	if err != nil {
		return err
	}

	printInfo(fmt.Sprintf("Pipeline phase: %s (run %s)", st.Phase, st.RunID()))
	if len(st.Result.Stages) == 0 {
		printInfo("No stages recorded yet")
		return nil
	}

	// Keep the latest outcome per stage; a re-run after optional
	// verification may record a stage twice.
	latest := make(map[types.Stage]types.StageResult)
	for _, res := range st.Result.Stages {
		latest[res.Stage] = res
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tEXIT\tDURATION\tERROR")
	for _, stage := range types.Stages {
		res, ok := latest[stage]
		if !ok {
			fmt.Fprintf(w, "%s\t-\t-\tpending\n", stage)
			continue
		}
		errText := res.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", res.Stage, res.ExitCode, res.Duration.Round(time.Millisecond), errText)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	printInfo(fmt.Sprintf("Total stage time: %s", st.Result.Duration().Round(time.Millisecond)))
	return nil
}

func runClean(workRoot string) error {
	abs, err := filepath.Abs(workRoot)
	if err != nil {
		return err
	}

	log := logger.CreateLogger("", verbosity)
	states := state.NewManager(abs, log)

	// The metadata dir holds the state file and any provisioned key
	// material; the src and build trees sit beside it.
	for _, dir := range []string{states.Dir(), filepath.Join(abs, "src"), filepath.Join(abs, "build")} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	printSuccess("Cleaned " + abs)
	return nil
}
