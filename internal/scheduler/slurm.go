package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/popgenlabs/slurmflow/internal/batch"
	"github.com/popgenlabs/slurmflow/internal/domain"
)

// CommandRunner executes a scheduler binary and returns its combined output.
// Injectable so tests never spawn processes.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type Slurm struct {
	sbatchBin  string
	sacctBin   string
	scancelBin string
	run        CommandRunner
}

type SlurmOption func(*Slurm)

func WithRunner(run CommandRunner) SlurmOption {
	return func(s *Slurm) {
		if run != nil {
			s.run = run
		}
	}
}

func NewSlurm(opts ...SlurmOption) *Slurm {
	s := &Slurm{
		sbatchBin:  "sbatch",
		sacctBin:   "sacct",
		scancelBin: "scancel",
		run:        defaultRunner,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Slurm) Kind() string {
	return "slurm"
}

// Available reports whether the submission binary is on PATH. Used by
// readiness checks.
func (s *Slurm) Available() error {
	if _, err := exec.LookPath(s.sbatchBin); err != nil {
		return fmt.Errorf("sbatch binary not found: %w", err)
	}
	return nil
}

func (s *Slurm) Submit(ctx context.Context, scriptPath string) (domain.JobHandle, error) {
	scriptPath = strings.TrimSpace(scriptPath)
	if scriptPath == "" {
		return domain.JobHandle{}, errors.New("script path is required")
	}

	out, err := s.run(ctx, s.sbatchBin, "--parsable", scriptPath)
	text := strings.TrimSpace(string(out))
	if err != nil {
		return domain.JobHandle{}, &SubmissionError{Output: text, Err: err}
	}

	id, err := batch.ParseJobID(text)
	if err != nil {
		return domain.JobHandle{}, &SubmissionError{Output: text, Err: err}
	}
	return domain.JobHandle{JobID: id, Raw: text}, nil
}

func (s *Slurm) Inspect(ctx context.Context, jobID int64) (Observation, error) {
	if jobID <= 0 {
		return Observation{}, errors.New("job id is required")
	}

	out, err := s.run(ctx, s.sacctBin,
		"-j", strconv.FormatInt(jobID, 10),
		"--format=State,ExitCode",
		"--noheader", "--parsable2", "-X")
	if err != nil {
		return Observation{}, fmt.Errorf("sacct failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	return parseSacct(string(out))
}

func (s *Slurm) Cancel(ctx context.Context, jobID int64) error {
	if jobID <= 0 {
		return errors.New("job id is required")
	}
	out, err := s.run(ctx, s.scancelBin, strconv.FormatInt(jobID, 10))
	if err != nil {
		return fmt.Errorf("scancel failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// parseSacct reads the first accounting line ("State|ExitCode"). An array job
// reports one line per task; any failed task fails the whole submission.
func parseSacct(out string) (Observation, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		// Accounting lags briefly behind submission.
		return Observation{State: "UNKNOWN", Status: domain.StatusSubmitted}, nil
	}

	obs := Observation{Status: domain.StatusSucceeded}
	sawRunning := false
	sawPending := false
	for _, line := range lines {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) < 2 {
			return Observation{}, fmt.Errorf("unrecognized sacct line %q", line)
		}
		state := strings.ToUpper(strings.TrimSpace(fields[0]))
		// "CANCELLED by 1234" is a valid sacct state.
		state, _, _ = strings.Cut(state, " ")
		obs.State = state

		switch state {
		case "PENDING", "REQUEUED", "RESIZING", "SUSPENDED":
			sawPending = true
		case "RUNNING", "COMPLETING":
			sawRunning = true
		case "COMPLETED":
		case "CANCELLED":
			obs.Status = domain.StatusCancelled
			return obs, nil
		case "FAILED", "TIMEOUT", "OUT_OF_MEMORY", "NODE_FAIL", "PREEMPTED", "DEADLINE", "BOOT_FAIL":
			code := parseExitCode(fields[1])
			obs.Status = domain.StatusFailed
			obs.ExitCode = &code
			obs.Reason = state
			return obs, nil
		default:
			return Observation{}, fmt.Errorf("unrecognized sacct state %q", state)
		}
	}

	if sawRunning {
		obs.Status = domain.StatusRunning
		return obs, nil
	}
	if sawPending {
		obs.Status = domain.StatusSubmitted
		return obs, nil
	}
	zero := 0
	obs.ExitCode = &zero
	return obs, nil
}

// parseExitCode reads sacct's "code:signal" pair.
func parseExitCode(field string) int {
	head, _, _ := strings.Cut(strings.TrimSpace(field), ":")
	code, err := strconv.Atoi(head)
	if err != nil {
		return -1
	}
	return code
}
