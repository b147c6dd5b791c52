// Command slurmflow submits pipeline specs to the cluster scheduler and runs
// their stages inside an allocation. The generated batch script calls back
// into `slurmflow exec` so stage ordering and fail-fast live in one place.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/popgenlabs/slurmflow/internal/batch"
	"github.com/popgenlabs/slurmflow/internal/domain"
	"github.com/popgenlabs/slurmflow/internal/pipeline"
	"github.com/popgenlabs/slurmflow/internal/scheduler"
	"github.com/popgenlabs/slurmflow/internal/specvalidator"
	"github.com/popgenlabs/slurmflow/internal/stage"
)

var rootCmd = &cobra.Command{
	Use:           "slurmflow",
	Short:         "Submit and run analysis pipelines on a Slurm cluster",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	submitDryRun     bool
	submitScriptOut  string
	execEnvOverride  string
	execReportURL    string
	execSubmissionID string
)

func init() {
	submitCmd.Flags().BoolVar(&submitDryRun, "dry-run", false, "print the batch script instead of submitting")
	submitCmd.Flags().StringVar(&submitScriptOut, "script-out", "", "write the batch script to this path before submitting")
	execCmd.Flags().StringVar(&execEnvOverride, "environment", "", "override the pipeline's software environment")
	execCmd.Flags().StringVar(&execReportURL, "report-url", "", "submission service base URL to report stage outcomes to")
	execCmd.Flags().StringVar(&execSubmissionID, "submission-id", "", "submission id the stage outcomes belong to")
	rootCmd.AddCommand(submitCmd, scriptCmd, execCmd, statusCmd, cancelCmd, uploadResultsCmd, convertCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(stage.ExitCode(err))
	}
}

func loadValidated(path string) (domain.JobSpec, error) {
	spec, err := pipeline.LoadFile(path)
	if err != nil {
		return domain.JobSpec{}, err
	}
	if err := specvalidator.ValidateJobSpec(spec); err != nil {
		var vErr *specvalidator.ValidationError
		if errors.As(err, &vErr) {
			for _, issue := range vErr.Issues {
				fmt.Fprintln(os.Stderr, "invalid pipeline:", issue)
			}
		}
		return domain.JobSpec{}, err
	}
	return spec, nil
}

var submitCmd = &cobra.Command{
	Use:   "submit [pipeline.yaml]",
	Short: "Validate a pipeline and submit it to the scheduler",
	Example: `
# Submit a pipeline
slurmflow submit pipelines/pannagram.yaml

# Inspect the generated script without submitting
slurmflow submit --dry-run pipelines/pannagram.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		specPath := args[0]
		spec, err := loadValidated(specPath)
		if err != nil {
			return err
		}

		selfExec, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		opts := batch.RenderOptions{SelfExec: selfExec, SpecPath: specPath}

		if submitDryRun {
			fmt.Fprint(cmd.OutOrStdout(), batch.Render(spec, opts))
			return nil
		}

		scriptPath := submitScriptOut
		if scriptPath == "" {
			tmp, err := os.CreateTemp("", "slurmflow-*.sbatch")
			if err != nil {
				return fmt.Errorf("create script file: %w", err)
			}
			scriptPath = tmp.Name()
			_ = tmp.Close()
		}
		if err := batch.WriteScript(scriptPath, spec, opts); err != nil {
			return err
		}

		sched := scheduler.NewSlurm()
		if err := sched.Available(); err != nil {
			return err
		}
		handle, err := sched.Submit(cmd.Context(), scriptPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "submitted job %d (%s)\n", handle.JobID, spec.Name)
		return nil
	},
}

var scriptCmd = &cobra.Command{
	Use:   "script [pipeline.yaml]",
	Short: "Render the batch script for a pipeline to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := loadValidated(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), batch.Render(spec, batch.RenderOptions{}))
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec [pipeline.yaml]",
	Short: "Run a pipeline's stages in order inside the current allocation",
	Long: `Runs every enabled stage of the pipeline sequentially, stopping at the
first failure. The process exits with the failing stage's exit code, so the
surrounding batch job reports the same status the stage did.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := loadValidated(args[0])
		if err != nil {
			return err
		}
		if execEnvOverride != "" {
			spec.Environment = execEnvOverride
		}
		if spec.WorkDir != "" {
			if err := os.Chdir(spec.WorkDir); err != nil {
				return fmt.Errorf("enter workdir: %w", err)
			}
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		runner := stage.NewRunner(logger)
		if execReportURL != "" && execSubmissionID != "" {
			runner.Recorder = &stage.HTTPRecorder{BaseURL: execReportURL, SubmissionID: execSubmissionID}
		}
		return runner.RunStages(cmd.Context(), spec)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Report the scheduler's view of a submitted job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("job id must be numeric: %q", args[0])
		}
		sched := scheduler.NewSlurm()
		obs, err := sched.Inspect(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		if obs.ExitCode != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "job %d: %s (%s, exit code %d)\n", jobID, obs.Status, obs.State, *obs.ExitCode)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %d: %s (%s)\n", jobID, obs.Status, obs.State)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a submitted job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("job id must be numeric: %q", args[0])
		}
		sched := scheduler.NewSlurm()
		if err := sched.Cancel(cmd.Context(), jobID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancelled job %d\n", jobID)
		return nil
	},
}
