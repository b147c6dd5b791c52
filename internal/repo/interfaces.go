package repo

import (
	"context"
	"errors"
	"time"

	"github.com/popgenlabs/slurmflow/internal/domain"
)

var ErrNotFound = errors.New("not found")

type SubmissionFilter struct {
	Status      domain.SubmissionStatus
	Partition   string
	SubmittedBy string
	Limit       int
}

// StageResult is one stage's recorded outcome within a submission.
type StageResult struct {
	SubmissionID string
	StageName    string
	StageIndex   int
	Status       string
	ExitCode     *int
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// SubmissionRepository manages the submission ledger. Submissions are
// immutable apart from status transitions.
type SubmissionRepository interface {
	Create(ctx context.Context, submission domain.Submission) error
	Get(ctx context.Context, submissionID string) (domain.Submission, error)
	List(ctx context.Context, filter SubmissionFilter) ([]domain.Submission, error)
	ListNonTerminal(ctx context.Context, limit int) ([]domain.Submission, error)
	UpdateStatus(ctx context.Context, submissionID string, status domain.SubmissionStatus, exitCode *int, message string, finishedAt *time.Time) error
}

// StageResultRepository records per-stage outcomes.
type StageResultRepository interface {
	Insert(ctx context.Context, result StageResult) error
	ListBySubmission(ctx context.Context, submissionID string) ([]StageResult, error)
}
