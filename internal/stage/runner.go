// Package stage executes pipeline stages sequentially inside an allocation.
// Stage ordering, the fail-fast contract, and environment activation live
// here; log capture stays with the scheduler's stdout/stderr redirection.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/popgenlabs/slurmflow/internal/domain"
)

// ExecFunc runs one external command to completion. Injectable so tests can
// record invocations without spawning processes.
type ExecFunc func(ctx context.Context, command string, args []string, stdout, stderr io.Writer) error

func defaultExec(ctx context.Context, command string, args []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// StageExecutionError reports the first stage that exited non-zero. Remaining
// stages are never invoked.
type StageExecutionError struct {
	Index    int
	Stage    string
	ExitCode int
	Err      error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %d (%s) exited with code %d", e.Index+1, e.Stage, e.ExitCode)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Err
}

// EnvironmentError reports a failed runtime environment activation. No stage
// runs after it.
type EnvironmentError struct {
	Environment string
	Err         error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("environment %q activation failed: %v", e.Environment, e.Err)
}

func (e *EnvironmentError) Unwrap() error {
	return e.Err
}

// Result is one stage's recorded outcome.
type Result struct {
	StageName  string
	StageIndex int
	Status     string
	ExitCode   *int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Stage outcome statuses as recorded in the ledger.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
)

// Recorder receives per-stage outcomes as they happen. Recording is
// best-effort: a recorder failure never interrupts the run.
type Recorder interface {
	Record(ctx context.Context, result Result) error
}

type Runner struct {
	Logger   *slog.Logger
	Exec     ExecFunc
	CondaBin string
	Stdout   io.Writer
	Stderr   io.Writer
	Recorder Recorder
}

func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		Logger:   logger,
		Exec:     defaultExec,
		CondaBin: "conda",
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
}

// RunStages executes the spec's stages strictly in declared order. Disabled
// stages are skipped. The first non-zero exit aborts the remainder and is
// reported as a StageExecutionError carrying the stage index and exit code;
// there is no retry at this layer.
func (r *Runner) RunStages(ctx context.Context, spec domain.JobSpec) error {
	execFn := r.Exec
	if execFn == nil {
		execFn = defaultExec
	}
	stdout, stderr := r.Stdout, r.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	if spec.Environment != "" {
		if err := r.probeEnvironment(ctx, execFn, spec.Environment, stdout, stderr); err != nil {
			return &EnvironmentError{Environment: spec.Environment, Err: err}
		}
	}

	for i, stage := range spec.Stages {
		if !stage.Enabled {
			r.log("stage skipped", "index", i+1, "stage", stage.Name)
			r.record(ctx, Result{
				StageName:  stage.Name,
				StageIndex: i,
				Status:     ResultSkipped,
				StartedAt:  time.Now().UTC(),
			})
			continue
		}

		command, args := stage.Command, stage.Args
		if spec.Environment != "" {
			command, args = r.wrapInEnvironment(spec.Environment, stage)
		}

		r.log("stage starting", "index", i+1, "stage", stage.Name, "command", stage.Command)
		startedAt := time.Now().UTC()
		if err := execFn(ctx, command, args, stdout, stderr); err != nil {
			code := exitStatus(err)
			r.log("stage failed", "index", i+1, "stage", stage.Name, "exit_code", code)
			finishedAt := time.Now().UTC()
			r.record(ctx, Result{
				StageName:  stage.Name,
				StageIndex: i,
				Status:     ResultFailed,
				ExitCode:   &code,
				StartedAt:  startedAt,
				FinishedAt: &finishedAt,
			})
			return &StageExecutionError{Index: i, Stage: stage.Name, ExitCode: code, Err: err}
		}
		r.log("stage completed", "index", i+1, "stage", stage.Name)
		finishedAt := time.Now().UTC()
		r.record(ctx, Result{
			StageName:  stage.Name,
			StageIndex: i,
			Status:     ResultSucceeded,
			StartedAt:  startedAt,
			FinishedAt: &finishedAt,
		})
	}
	return nil
}

func (r *Runner) record(ctx context.Context, result Result) {
	if r.Recorder == nil {
		return
	}
	if err := r.Recorder.Record(ctx, result); err != nil {
		r.log("stage result not recorded", "stage", result.StageName, "error", err)
	}
}

// probeEnvironment verifies the named environment resolves before any stage
// runs, so activation failures surface as EnvironmentError rather than a
// confusing first-stage failure.
func (r *Runner) probeEnvironment(ctx context.Context, execFn ExecFunc, env string, stdout, stderr io.Writer) error {
	condaBin := r.CondaBin
	if condaBin == "" {
		condaBin = "conda"
	}
	return execFn(ctx, condaBin, []string{"run", "-n", env, "true"}, stdout, stderr)
}

func (r *Runner) wrapInEnvironment(env string, stage domain.Stage) (string, []string) {
	condaBin := r.CondaBin
	if condaBin == "" {
		condaBin = "conda"
	}
	args := append([]string{"run", "-n", env, stage.Command}, stage.Args...)
	return condaBin, args
}

func (r *Runner) log(msg string, args ...any) {
	if r.Logger == nil {
		return
	}
	r.Logger.Info(msg, args...)
}

// ExitCode maps a RunStages error to the process exit code contract: 0 on
// success, the failing stage's code on stage failure, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var serr *StageExecutionError
	if errors.As(err, &serr) && serr.ExitCode > 0 {
		return serr.ExitCode
	}
	return 1
}

func exitStatus(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return -1
}
