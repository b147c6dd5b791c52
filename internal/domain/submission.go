package domain

import "time"

// JobHandle is the opaque identity the scheduler assigns at submission time.
type JobHandle struct {
	JobID int64
	Raw   string
}

type SubmissionStatus string

const (
	StatusPending   SubmissionStatus = "pending"
	StatusSubmitted SubmissionStatus = "submitted"
	StatusRunning   SubmissionStatus = "running"
	StatusSucceeded SubmissionStatus = "succeeded"
	StatusFailed    SubmissionStatus = "failed"
	StatusCancelled SubmissionStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s SubmissionStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Submission is the ledger record for one submitted JobSpec.
type Submission struct {
	SubmissionID string
	Name         string
	Partition    string
	QOS          string
	ArrayRange   string
	JobID        int64
	Status       SubmissionStatus
	Spec         JobSpec
	SubmittedBy  string
	ExitCode     *int
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   *time.Time
}
