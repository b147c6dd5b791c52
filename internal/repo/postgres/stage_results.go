package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/popgenlabs/slurmflow/internal/repo"
)

type StageResultStore struct {
	db DB
}

const (
	insertStageResultQuery = `INSERT INTO stage_results (
		submission_id,
		stage_name,
		stage_index,
		status,
		exit_code,
		started_at,
		finished_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (submission_id, stage_index) DO NOTHING`

	listStageResultsQuery = `SELECT submission_id, stage_name, stage_index, status, exit_code, started_at, finished_at
	 FROM stage_results
	 WHERE submission_id = $1
	 ORDER BY stage_index ASC`
)

func NewStageResultStore(db DB) *StageResultStore {
	if db == nil {
		return nil
	}
	return &StageResultStore{db: db}
}

func (s *StageResultStore) Insert(ctx context.Context, result repo.StageResult) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("stage result store not initialized")
	}
	submissionID := strings.TrimSpace(result.SubmissionID)
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	if strings.TrimSpace(result.StageName) == "" {
		return fmt.Errorf("stage name is required")
	}
	if result.StageIndex < 0 {
		return fmt.Errorf("stage index must be >= 0")
	}
	if strings.TrimSpace(result.Status) == "" {
		return fmt.Errorf("status is required")
	}

	_, err := s.db.ExecContext(ctx, insertStageResultQuery,
		submissionID,
		strings.TrimSpace(result.StageName),
		result.StageIndex,
		strings.TrimSpace(result.Status),
		nullInt(result.ExitCode),
		normalizeTime(result.StartedAt),
		nullTime(result.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert stage result: %w", err)
	}
	return nil
}

func (s *StageResultStore) ListBySubmission(ctx context.Context, submissionID string) ([]repo.StageResult, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("stage result store not initialized")
	}
	submissionID = strings.TrimSpace(submissionID)
	if submissionID == "" {
		return nil, fmt.Errorf("submission id is required")
	}

	rows, err := s.db.QueryContext(ctx, listStageResultsQuery, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list stage results: %w", err)
	}
	defer rows.Close()

	var out []repo.StageResult
	for rows.Next() {
		var (
			result   repo.StageResult
			exitCode sql.NullInt64
			finished sql.NullTime
		)
		if err := rows.Scan(
			&result.SubmissionID,
			&result.StageName,
			&result.StageIndex,
			&result.Status,
			&exitCode,
			&result.StartedAt,
			&finished,
		); err != nil {
			return nil, err
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			result.ExitCode = &code
		}
		if finished.Valid {
			t := finished.Time
			result.FinishedAt = &t
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
