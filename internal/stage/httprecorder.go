package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPRecorder posts stage outcomes to the submission service from inside
// the allocation. The batch script passes the service URL and submission id
// to `slurmflow exec`, which wires this recorder into the runner.
type HTTPRecorder struct {
	BaseURL      string
	SubmissionID string
	Client       *http.Client
}

type stageResultPayload struct {
	StageName  string     `json:"stage_name"`
	StageIndex int        `json:"stage_index"`
	Status     string     `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (r *HTTPRecorder) Record(ctx context.Context, result Result) error {
	baseURL := strings.TrimRight(strings.TrimSpace(r.BaseURL), "/")
	if baseURL == "" {
		return fmt.Errorf("base url is required")
	}
	submissionID := strings.TrimSpace(r.SubmissionID)
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}

	body, err := json.Marshal(stageResultPayload{
		StageName:  result.StageName,
		StageIndex: result.StageIndex,
		Status:     result.Status,
		ExitCode:   result.ExitCode,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal stage result: %w", err)
	}

	url := fmt.Sprintf("%s/submissions/%s/stages", baseURL, submissionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("record stage result: status %d", resp.StatusCode)
	}
	return nil
}
