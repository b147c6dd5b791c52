package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/popgenlabs/slurmflow/internal/domain"
	"github.com/popgenlabs/slurmflow/internal/repo"
	"github.com/popgenlabs/slurmflow/internal/scheduler"
)

// submissionSyncer reconciles the ledger with the scheduler's view. Slurm
// does not push state, so we poll sacct for every non-terminal submission.
type submissionSyncer struct {
	logger      *slog.Logger
	submissions repo.SubmissionRepository
	sched       scheduler.Scheduler
	interval    time.Duration
	batch       int
}

func startSubmissionSyncer(ctx context.Context, logger *slog.Logger, submissions repo.SubmissionRepository, sched scheduler.Scheduler, interval time.Duration) {
	if submissions == nil || sched == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s := &submissionSyncer{
		logger:      logger,
		submissions: submissions,
		sched:       sched,
		interval:    interval,
		batch:       50,
	}

	go s.run(ctx)
}

func (s *submissionSyncer) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *submissionSyncer) syncOnce(ctx context.Context) {
	subs, err := s.submissions.ListNonTerminal(ctx, s.batch)
	if err != nil {
		s.log("sync query failed", "error", err)
		return
	}

	for _, sub := range subs {
		if sub.JobID <= 0 {
			continue
		}
		s.syncSubmission(ctx, sub)
	}
}

func (s *submissionSyncer) syncSubmission(ctx context.Context, sub domain.Submission) {
	obs, err := s.sched.Inspect(ctx, sub.JobID)
	if err != nil {
		s.log("inspect failed", "submission_id", sub.SubmissionID, "job_id", sub.JobID, "error", err)
		return
	}
	if obs.Status == sub.Status {
		return
	}

	var finishedAt *time.Time
	if obs.Status.Terminal() {
		now := time.Now().UTC()
		finishedAt = &now
	}

	if err := s.submissions.UpdateStatus(ctx, sub.SubmissionID, obs.Status, obs.ExitCode, obs.Reason, finishedAt); err != nil {
		s.log("ledger update failed", "submission_id", sub.SubmissionID, "status", string(obs.Status), "error", err)
		return
	}
	s.log("submission status updated",
		"submission_id", sub.SubmissionID,
		"job_id", sub.JobID,
		"from", string(sub.Status),
		"to", string(obs.Status),
		"state", obs.State,
	)
}

func (s *submissionSyncer) log(msg string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Info(msg, args...)
}
