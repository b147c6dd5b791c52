package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/popgenlabs/slurmflow/internal/domain"
	"github.com/popgenlabs/slurmflow/internal/repo"
)

type SubmissionStore struct {
	db DB
}

const (
	insertSubmissionQuery = `INSERT INTO submissions (
		submission_id,
		name,
		partition,
		qos,
		array_range,
		job_id,
		status,
		spec,
		submitted_by,
		exit_code,
		error_message,
		created_at,
		updated_at,
		finished_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	selectSubmissionQuery = `SELECT submission_id, name, partition, qos, array_range, job_id, status, spec, submitted_by, exit_code, error_message, created_at, updated_at, finished_at
	 FROM submissions
	 WHERE submission_id = $1`

	listNonTerminalQuery = `SELECT submission_id, name, partition, qos, array_range, job_id, status, spec, submitted_by, exit_code, error_message, created_at, updated_at, finished_at
	 FROM submissions
	 WHERE status NOT IN ('succeeded','failed','cancelled')
	 ORDER BY created_at ASC
	 LIMIT $1`

	updateSubmissionStatusQuery = `UPDATE submissions
	 SET status = $2, exit_code = $3, error_message = $4, finished_at = $5, updated_at = $6
	 WHERE submission_id = $1`
)

func NewSubmissionStore(db DB) *SubmissionStore {
	if db == nil {
		return nil
	}
	return &SubmissionStore{db: db}
}

func (s *SubmissionStore) Create(ctx context.Context, submission domain.Submission) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("submission store not initialized")
	}
	submissionID := strings.TrimSpace(submission.SubmissionID)
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	if strings.TrimSpace(submission.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(string(submission.Status)) == "" {
		return fmt.Errorf("status is required")
	}

	specJSON, err := encodeSpec(submission.Spec)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}

	createdAt := normalizeTime(submission.CreatedAt)
	updatedAt := normalizeTime(submission.UpdatedAt)

	_, err = s.db.ExecContext(ctx, insertSubmissionQuery,
		submissionID,
		strings.TrimSpace(submission.Name),
		strings.TrimSpace(submission.Partition),
		nullString(strings.TrimSpace(submission.QOS)),
		nullString(strings.TrimSpace(submission.ArrayRange)),
		submission.JobID,
		string(submission.Status),
		specJSON,
		strings.TrimSpace(submission.SubmittedBy),
		nullInt(submission.ExitCode),
		nullString(strings.TrimSpace(submission.ErrorMessage)),
		createdAt,
		updatedAt,
		nullTime(submission.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *SubmissionStore) Get(ctx context.Context, submissionID string) (domain.Submission, error) {
	if s == nil || s.db == nil {
		return domain.Submission{}, fmt.Errorf("submission store not initialized")
	}
	submissionID = strings.TrimSpace(submissionID)
	if submissionID == "" {
		return domain.Submission{}, fmt.Errorf("submission id is required")
	}

	row := s.db.QueryRowContext(ctx, selectSubmissionQuery, submissionID)
	out, err := scanSubmission(row)
	if err != nil {
		return domain.Submission{}, handleNotFound(err)
	}
	return out, nil
}

func (s *SubmissionStore) List(ctx context.Context, filter repo.SubmissionFilter) ([]domain.Submission, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("submission store not initialized")
	}

	query := `SELECT submission_id, name, partition, qos, array_range, job_id, status, spec, submitted_by, exit_code, error_message, created_at, updated_at, finished_at
	 FROM submissions`
	var conds []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Partition) != "" {
		args = append(args, strings.TrimSpace(filter.Partition))
		conds = append(conds, fmt.Sprintf("partition = $%d", len(args)))
	}
	if strings.TrimSpace(filter.SubmittedBy) != "" {
		args = append(args, strings.TrimSpace(filter.SubmittedBy))
		conds = append(conds, fmt.Sprintf("submitted_by = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	return scanSubmissions(rows)
}

func (s *SubmissionStore) ListNonTerminal(ctx context.Context, limit int) ([]domain.Submission, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("submission store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, listNonTerminalQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal submissions: %w", err)
	}
	defer rows.Close()

	return scanSubmissions(rows)
}

func (s *SubmissionStore) UpdateStatus(ctx context.Context, submissionID string, status domain.SubmissionStatus, exitCode *int, message string, finishedAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("submission store not initialized")
	}
	submissionID = strings.TrimSpace(submissionID)
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	if strings.TrimSpace(string(status)) == "" {
		return fmt.Errorf("status is required")
	}

	res, err := s.db.ExecContext(ctx, updateSubmissionStatusQuery,
		submissionID,
		string(status),
		nullInt(exitCode),
		nullString(strings.TrimSpace(message)),
		nullTime(finishedAt),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update submission status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (domain.Submission, error) {
	var (
		out       domain.Submission
		qos       sql.NullString
		array     sql.NullString
		specRaw   []byte
		exitCode  sql.NullInt64
		message   sql.NullString
		finished  sql.NullTime
		statusRaw string
	)
	err := row.Scan(
		&out.SubmissionID,
		&out.Name,
		&out.Partition,
		&qos,
		&array,
		&out.JobID,
		&statusRaw,
		&specRaw,
		&out.SubmittedBy,
		&exitCode,
		&message,
		&out.CreatedAt,
		&out.UpdatedAt,
		&finished,
	)
	if err != nil {
		return domain.Submission{}, err
	}

	out.Status = domain.SubmissionStatus(statusRaw)
	out.QOS = qos.String
	out.ArrayRange = array.String
	out.ErrorMessage = message.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		out.ExitCode = &code
	}
	if finished.Valid {
		t := finished.Time
		out.FinishedAt = &t
	}

	spec, err := decodeSpec(specRaw)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("decode spec: %w", err)
	}
	out.Spec = spec
	return out, nil
}

func scanSubmissions(rows *sql.Rows) ([]domain.Submission, error) {
	var out []domain.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
