// Package scheduler wraps the cluster scheduler's submission surface. The
// queuing, accounting, and resource-allocation logic stays in the external
// scheduler; this package only submits, inspects, and cancels.
package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/popgenlabs/slurmflow/internal/domain"
)

// Scheduler is the submission surface used by the control plane and the CLI.
type Scheduler interface {
	Kind() string
	Submit(ctx context.Context, scriptPath string) (domain.JobHandle, error)
	Inspect(ctx context.Context, jobID int64) (Observation, error)
	Cancel(ctx context.Context, jobID int64) error
}

// Observation is a point-in-time view of a scheduler job.
type Observation struct {
	State    string
	Status   domain.SubmissionStatus
	ExitCode *int
	Reason   string
}

// SubmissionError reports a scheduler rejection. Submission failures are
// fatal; resubmission is the operator's decision, never automatic.
type SubmissionError struct {
	Output string
	Err    error
}

func (e *SubmissionError) Error() string {
	msg := strings.TrimSpace(e.Output)
	if msg == "" {
		return fmt.Sprintf("scheduler rejected submission: %v", e.Err)
	}
	return fmt.Sprintf("scheduler rejected submission: %v: %s", e.Err, msg)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
