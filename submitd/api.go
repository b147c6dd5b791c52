package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/popgenlabs/slurmflow/internal/batch"
	"github.com/popgenlabs/slurmflow/internal/domain"
	"github.com/popgenlabs/slurmflow/internal/pipeline"
	"github.com/popgenlabs/slurmflow/internal/platform/auditlog"
	"github.com/popgenlabs/slurmflow/internal/platform/auth"
	"github.com/popgenlabs/slurmflow/internal/platform/objectstore"
	"github.com/popgenlabs/slurmflow/internal/repo"
	"github.com/popgenlabs/slurmflow/internal/scheduler"
	"github.com/popgenlabs/slurmflow/internal/specvalidator"
	"github.com/popgenlabs/slurmflow/internal/stage"
	storage "github.com/popgenlabs/slurmflow/internal/storage/objectstore"
)

type submitAPI struct {
	logger       *slog.Logger
	db           *sql.DB
	submissions  repo.SubmissionRepository
	stageResults repo.StageResultRepository
	sched        scheduler.Scheduler
	store        storage.Store
	storeCfg     objectstore.Config

	scriptDir string
	execBin   string
	reportURL string
}

func newSubmitAPI(
	logger *slog.Logger,
	db *sql.DB,
	submissions repo.SubmissionRepository,
	stageResults repo.StageResultRepository,
	sched scheduler.Scheduler,
	store storage.Store,
	storeCfg objectstore.Config,
	scriptDir string,
	execBin string,
	reportURL string,
) *submitAPI {
	return &submitAPI{
		logger:       logger,
		db:           db,
		submissions:  submissions,
		stageResults: stageResults,
		sched:        sched,
		store:        store,
		storeCfg:     storeCfg,
		scriptDir:    strings.TrimSpace(scriptDir),
		execBin:      strings.TrimSpace(execBin),
		reportURL:    strings.TrimRight(strings.TrimSpace(reportURL), "/"),
	}
}

func (api *submitAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /submissions", api.handleCreateSubmission)
	mux.HandleFunc("GET /submissions", api.handleListSubmissions)
	mux.HandleFunc("GET /submissions/{submission_id}", api.handleGetSubmission)
	mux.HandleFunc("GET /submissions/{submission_id}/stages", api.handleListStageResults)
	mux.HandleFunc("POST /submissions/{submission_id}/stages", api.handleRecordStageResult)
	mux.HandleFunc("GET /submissions/{submission_id}/logs", api.handleGetSubmissionLogs)
	mux.HandleFunc("POST /submissions/{submission_id}/cancel", api.handleCancelSubmission)
}

type createSubmissionRequest struct {
	Pipeline string `json:"pipeline"`
}

type submissionResponse struct {
	SubmissionID string     `json:"submission_id"`
	Name         string     `json:"name"`
	Partition    string     `json:"partition"`
	QOS          string     `json:"qos,omitempty"`
	ArrayRange   string     `json:"array_range,omitempty"`
	JobID        int64      `json:"job_id"`
	Status       string     `json:"status"`
	SubmittedBy  string     `json:"submitted_by"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

func toSubmissionResponse(sub domain.Submission) submissionResponse {
	return submissionResponse{
		SubmissionID: sub.SubmissionID,
		Name:         sub.Name,
		Partition:    sub.Partition,
		QOS:          sub.QOS,
		ArrayRange:   sub.ArrayRange,
		JobID:        sub.JobID,
		Status:       string(sub.Status),
		SubmittedBy:  sub.SubmittedBy,
		ExitCode:     sub.ExitCode,
		ErrorMessage: sub.ErrorMessage,
		CreatedAt:    sub.CreatedAt,
		UpdatedAt:    sub.UpdatedAt,
		FinishedAt:   sub.FinishedAt,
	}
}

func (api *submitAPI) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	var req createSubmissionRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Pipeline) == "" {
		api.writeError(w, r, http.StatusBadRequest, "pipeline_required")
		return
	}

	spec, err := pipeline.ParseSpec([]byte(req.Pipeline))
	if err != nil {
		api.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid_pipeline",
			"detail":     err.Error(),
			"request_id": r.Header.Get("X-Request-Id"),
		})
		return
	}
	if err := specvalidator.ValidateJobSpec(spec); err != nil {
		var vErr *specvalidator.ValidationError
		if errors.As(err, &vErr) {
			api.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      "validation_failed",
				"issues":     vErr.Issues,
				"request_id": r.Header.Get("X-Request-Id"),
			})
			return
		}
		api.writeError(w, r, http.StatusUnprocessableEntity, "validation_failed")
		return
	}

	submissionID := uuid.NewString()
	specPath := filepath.Join(api.scriptDir, submissionID+".yaml")
	scriptPath := filepath.Join(api.scriptDir, submissionID+".sbatch")

	if err := os.WriteFile(specPath, []byte(req.Pipeline), 0o644); err != nil {
		api.logger.Error("write pipeline file failed", "path", specPath, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	opts := batch.RenderOptions{}
	if api.execBin != "" {
		opts.SelfExec = api.execBin
		opts.SpecPath = specPath
		if api.reportURL != "" {
			opts.ReportURL = api.reportURL
			opts.SubmissionID = submissionID
		}
	}
	if err := batch.WriteScript(scriptPath, spec, opts); err != nil {
		api.logger.Error("write batch script failed", "path", scriptPath, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	handle, err := api.sched.Submit(r.Context(), scriptPath)
	if err != nil {
		var subErr *scheduler.SubmissionError
		if errors.As(err, &subErr) {
			api.logger.Warn("scheduler rejected submission",
				"submission_id", submissionID,
				"output", strings.TrimSpace(subErr.Output),
			)
			api.writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":      "submission_rejected",
				"detail":     strings.TrimSpace(subErr.Output),
				"request_id": r.Header.Get("X-Request-Id"),
			})
			return
		}
		api.logger.Error("submit failed", "submission_id", submissionID, "error", err)
		api.writeError(w, r, http.StatusBadGateway, "submission_failed")
		return
	}

	now := time.Now().UTC()
	sub := domain.Submission{
		SubmissionID: submissionID,
		Name:         spec.Name,
		Partition:    spec.Partition,
		QOS:          spec.QOS,
		ArrayRange:   spec.ArrayRange,
		JobID:        handle.JobID,
		Status:       domain.StatusSubmitted,
		Spec:         spec,
		SubmittedBy:  identity.Subject,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := api.submissions.Create(r.Context(), sub); err != nil {
		api.logger.Error("ledger insert failed", "submission_id", submissionID, "job_id", handle.JobID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.audit(r, identity.Subject, "submission.create", submissionID, map[string]any{
		"job_id":    handle.JobID,
		"name":      spec.Name,
		"partition": spec.Partition,
	})

	api.writeJSON(w, http.StatusCreated, toSubmissionResponse(sub))
}

func (api *submitAPI) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	filter := repo.SubmissionFilter{
		Status:      domain.SubmissionStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Partition:   strings.TrimSpace(r.URL.Query().Get("partition")),
		SubmittedBy: strings.TrimSpace(r.URL.Query().Get("submitted_by")),
	}
	subs, err := api.submissions.List(r.Context(), filter)
	if err != nil {
		api.logger.Error("list submissions failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]submissionResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toSubmissionResponse(sub))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"submissions": out})
}

func (api *submitAPI) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	submissionID := strings.TrimSpace(r.PathValue("submission_id"))
	sub, err := api.submissions.Get(r.Context(), submissionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "submission_not_found")
			return
		}
		api.logger.Error("get submission failed", "submission_id", submissionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toSubmissionResponse(sub))
}

type stageResultResponse struct {
	StageName  string     `json:"stage_name"`
	StageIndex int        `json:"stage_index"`
	Status     string     `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (api *submitAPI) handleListStageResults(w http.ResponseWriter, r *http.Request) {
	submissionID := strings.TrimSpace(r.PathValue("submission_id"))
	if _, err := api.submissions.Get(r.Context(), submissionID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "submission_not_found")
			return
		}
		api.logger.Error("get submission failed", "submission_id", submissionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	results, err := api.stageResults.ListBySubmission(r.Context(), submissionID)
	if err != nil {
		api.logger.Error("list stage results failed", "submission_id", submissionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]stageResultResponse, 0, len(results))
	for _, result := range results {
		out = append(out, stageResultResponse{
			StageName:  result.StageName,
			StageIndex: result.StageIndex,
			Status:     result.Status,
			ExitCode:   result.ExitCode,
			StartedAt:  result.StartedAt,
			FinishedAt: result.FinishedAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"stages": out})
}

type recordStageResultRequest struct {
	StageName  string     `json:"stage_name"`
	StageIndex int        `json:"stage_index"`
	Status     string     `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// handleRecordStageResult ingests a per-stage outcome posted by `slurmflow
// exec` from inside the allocation.
func (api *submitAPI) handleRecordStageResult(w http.ResponseWriter, r *http.Request) {
	submissionID := strings.TrimSpace(r.PathValue("submission_id"))
	if _, err := api.submissions.Get(r.Context(), submissionID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "submission_not_found")
			return
		}
		api.logger.Error("get submission failed", "submission_id", submissionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	var req recordStageResultRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	switch req.Status {
	case stage.ResultSucceeded, stage.ResultFailed, stage.ResultSkipped:
	default:
		api.writeError(w, r, http.StatusUnprocessableEntity, "invalid_status")
		return
	}
	if strings.TrimSpace(req.StageName) == "" || req.StageIndex < 0 {
		api.writeError(w, r, http.StatusUnprocessableEntity, "invalid_stage")
		return
	}

	result := repo.StageResult{
		SubmissionID: submissionID,
		StageName:    req.StageName,
		StageIndex:   req.StageIndex,
		Status:       req.Status,
		ExitCode:     req.ExitCode,
		StartedAt:    req.StartedAt,
		FinishedAt:   req.FinishedAt,
	}
	if err := api.stageResults.Insert(r.Context(), result); err != nil {
		api.logger.Error("stage result insert failed", "submission_id", submissionID, "stage", req.StageName, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.writeJSON(w, http.StatusCreated, stageResultResponse{
		StageName:  result.StageName,
		StageIndex: result.StageIndex,
		Status:     result.Status,
		ExitCode:   result.ExitCode,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	})
}

type logLinkResponse struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// handleGetSubmissionLogs presigns download links for the scheduler logs
// staged into the logs bucket by `slurmflow upload-results --job-id`. Logs a
// task never produced are simply absent from the response.
func (api *submitAPI) handleGetSubmissionLogs(w http.ResponseWriter, r *http.Request) {
	submissionID := strings.TrimSpace(r.PathValue("submission_id"))
	sub, err := api.submissions.Get(r.Context(), submissionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "submission_not_found")
			return
		}
		api.logger.Error("get submission failed", "submission_id", submissionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if api.store == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "object_store_unavailable")
		return
	}

	paths, err := storage.ExpandLogPaths(sub.Spec, sub.JobID)
	if err != nil {
		api.logger.Error("log path expansion failed", "submission_id", submissionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	// Logs may be staged under the submission id or under the uploader's
	// default prefix, the pipeline name.
	links := make([]logLinkResponse, 0, len(paths))
	for _, p := range paths {
		for _, prefix := range []string{submissionID, sub.Spec.Name} {
			key := path.Join(prefix, filepath.Base(p))
			info, err := api.store.Stat(r.Context(), api.storeCfg.BucketLogs, key)
			if err != nil {
				continue
			}
			url, err := api.store.PresignGet(r.Context(), api.storeCfg.BucketLogs, key, 15*time.Minute)
			if err != nil {
				api.logger.Error("presign failed", "submission_id", submissionID, "key", key, "error", err)
				api.writeError(w, r, http.StatusInternalServerError, "internal_error")
				return
			}
			links = append(links, logLinkResponse{Key: key, Size: info.Size, URL: url})
			break
		}
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"logs": links})
}

func (api *submitAPI) handleCancelSubmission(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	submissionID := strings.TrimSpace(r.PathValue("submission_id"))
	sub, err := api.submissions.Get(r.Context(), submissionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "submission_not_found")
			return
		}
		api.logger.Error("get submission failed", "submission_id", submissionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if sub.Status.Terminal() {
		api.writeError(w, r, http.StatusConflict, "submission_terminal")
		return
	}

	if err := api.sched.Cancel(r.Context(), sub.JobID); err != nil {
		api.logger.Error("cancel failed", "submission_id", submissionID, "job_id", sub.JobID, "error", err)
		api.writeError(w, r, http.StatusBadGateway, "cancel_failed")
		return
	}

	now := time.Now().UTC()
	if err := api.submissions.UpdateStatus(r.Context(), submissionID, domain.StatusCancelled, nil, "cancelled by operator", &now); err != nil {
		api.logger.Error("ledger update failed", "submission_id", submissionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.audit(r, identity.Subject, "submission.cancel", submissionID, map[string]any{
		"job_id": sub.JobID,
	})

	sub.Status = domain.StatusCancelled
	sub.FinishedAt = &now
	sub.UpdatedAt = now
	api.writeJSON(w, http.StatusOK, toSubmissionResponse(sub))
}

func (api *submitAPI) audit(r *http.Request, actor, action, submissionID string, payload map[string]any) {
	if api.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	_, err := auditlog.Insert(ctx, api.db, auditlog.Event{
		Actor:        actor,
		Action:       action,
		ResourceType: "submission",
		ResourceID:   submissionID,
		RequestID:    r.Header.Get("X-Request-Id"),
		Payload:      payload,
	})
	if err != nil {
		api.logger.Error("audit insert failed", "action", action, "submission_id", submissionID, "error", err)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *submitAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *submitAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
