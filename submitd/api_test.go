package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/popgenlabs/slurmflow/internal/domain"
	"github.com/popgenlabs/slurmflow/internal/platform/auth"
	"github.com/popgenlabs/slurmflow/internal/platform/objectstore"
	"github.com/popgenlabs/slurmflow/internal/repo"
	"github.com/popgenlabs/slurmflow/internal/scheduler"
	storage "github.com/popgenlabs/slurmflow/internal/storage/objectstore"
)

func testStoreCfg() objectstore.Config {
	return objectstore.Config{
		Endpoint:      "localhost:9000",
		AccessKey:     "test",
		SecretKey:     "test",
		Region:        "us-east-1",
		BucketResults: "results",
		BucketLogs:    "job-logs",
	}
}

const testPipeline = `schema: slurmflow.pipeline.v1
name: diversity-run
resources:
  nodes: 1
  tasks: 1
  cpus_per_task: 8
  mem_per_cpu: 4G
  time_limit: 12h
  partition: long
logs:
  stdout: logs/diversity-%j.out
  stderr: logs/diversity-%j.err
stages:
  - name: stats
    command: pixy
    args: ["--stats", "pi"]
`

type fakeSubmissionRepo struct {
	created []domain.Submission
	byID    map[string]domain.Submission
	updates []string
}

func newFakeSubmissionRepo() *fakeSubmissionRepo {
	return &fakeSubmissionRepo{byID: map[string]domain.Submission{}}
}

func (f *fakeSubmissionRepo) Create(ctx context.Context, sub domain.Submission) error {
	f.created = append(f.created, sub)
	f.byID[sub.SubmissionID] = sub
	return nil
}

func (f *fakeSubmissionRepo) Get(ctx context.Context, id string) (domain.Submission, error) {
	sub, ok := f.byID[id]
	if !ok {
		return domain.Submission{}, repo.ErrNotFound
	}
	return sub, nil
}

func (f *fakeSubmissionRepo) List(ctx context.Context, filter repo.SubmissionFilter) ([]domain.Submission, error) {
	var out []domain.Submission
	for _, sub := range f.byID {
		if filter.Status != "" && sub.Status != filter.Status {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

func (f *fakeSubmissionRepo) ListNonTerminal(ctx context.Context, limit int) ([]domain.Submission, error) {
	var out []domain.Submission
	for _, sub := range f.byID {
		if !sub.Status.Terminal() {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *fakeSubmissionRepo) UpdateStatus(ctx context.Context, id string, status domain.SubmissionStatus, exitCode *int, message string, finishedAt *time.Time) error {
	sub, ok := f.byID[id]
	if !ok {
		return repo.ErrNotFound
	}
	sub.Status = status
	sub.ExitCode = exitCode
	sub.ErrorMessage = message
	sub.FinishedAt = finishedAt
	f.byID[id] = sub
	f.updates = append(f.updates, id+":"+string(status))
	return nil
}

type fakeStageResultRepo struct {
	results []repo.StageResult
}

func (f *fakeStageResultRepo) Insert(ctx context.Context, result repo.StageResult) error {
	f.results = append(f.results, result)
	return nil
}

func (f *fakeStageResultRepo) ListBySubmission(ctx context.Context, id string) ([]repo.StageResult, error) {
	return f.results, nil
}

type fakeScheduler struct {
	jobID      int64
	submitErr  error
	cancelled  []int64
	observed   map[int64]scheduler.Observation
	inspectErr error
}

func (f *fakeScheduler) Kind() string { return "slurm" }

func (f *fakeScheduler) Submit(ctx context.Context, scriptPath string) (domain.JobHandle, error) {
	if f.submitErr != nil {
		return domain.JobHandle{}, f.submitErr
	}
	return domain.JobHandle{JobID: f.jobID, Raw: "Submitted batch job 42"}, nil
}

func (f *fakeScheduler) Inspect(ctx context.Context, jobID int64) (scheduler.Observation, error) {
	if f.inspectErr != nil {
		return scheduler.Observation{}, f.inspectErr
	}
	return f.observed[jobID], nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, jobID int64) error {
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

// fakeLogStore serves presigned links for a fixed set of staged objects.
type fakeLogStore struct {
	objects map[string]int64
}

func (f *fakeLogStore) Put(_ context.Context, _, key string, _ io.Reader, size int64, _ string) error {
	if f.objects == nil {
		f.objects = map[string]int64{}
	}
	f.objects[key] = size
	return nil
}

func (f *fakeLogStore) Stat(_ context.Context, _, key string) (storage.ObjectInfo, error) {
	size, ok := f.objects[key]
	if !ok {
		return storage.ObjectInfo{}, os.ErrNotExist
	}
	return storage.ObjectInfo{Key: key, Size: size}, nil
}

func (f *fakeLogStore) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://minio.local/" + bucket + "/" + key, nil
}

func newTestAPI(t *testing.T, subs *fakeSubmissionRepo, stages *fakeStageResultRepo, sched scheduler.Scheduler) *submitAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return newSubmitAPI(logger, nil, subs, stages, sched, &fakeLogStore{}, testStoreCfg(), t.TempDir(), "", "")
}

func withIdentity(r *http.Request) *http.Request {
	identity := auth.Identity{Subject: "researcher", Roles: []string{"submitter"}}
	return r.WithContext(auth.ContextWithIdentity(r.Context(), identity))
}

func TestCreateSubmission(t *testing.T) {
	subs := newFakeSubmissionRepo()
	sched := &fakeScheduler{jobID: 42}
	api := newTestAPI(t, subs, &fakeStageResultRepo{}, sched)

	body, _ := json.Marshal(map[string]string{"pipeline": testPipeline})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/submissions", strings.NewReader(string(body))))
	rec := httptest.NewRecorder()
	api.handleCreateSubmission(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(subs.created) != 1 {
		t.Fatalf("expected 1 ledger insert, got %d", len(subs.created))
	}
	created := subs.created[0]
	if created.JobID != 42 {
		t.Fatalf("job id = %d, want 42", created.JobID)
	}
	if created.Status != domain.StatusSubmitted {
		t.Fatalf("status = %q, want submitted", created.Status)
	}
	if created.SubmittedBy != "researcher" {
		t.Fatalf("submitted_by = %q", created.SubmittedBy)
	}

	scriptPath := filepath.Join(api.scriptDir, created.SubmissionID+".sbatch")
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		t.Fatalf("script not written: %v", err)
	}
	if !strings.Contains(string(script), "#SBATCH --job-name=diversity-run") {
		t.Fatalf("script missing job name directive:\n%s", script)
	}

	var resp submissionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.SubmissionID != created.SubmissionID {
		t.Fatalf("response id %q != ledger id %q", resp.SubmissionID, created.SubmissionID)
	}
}

func TestCreateSubmissionValidationFailure(t *testing.T) {
	subs := newFakeSubmissionRepo()
	api := newTestAPI(t, subs, &fakeStageResultRepo{}, &fakeScheduler{jobID: 1})

	// cpus_per_task missing makes the spec invalid but still parseable.
	broken := strings.Replace(testPipeline, "  cpus_per_task: 8\n", "", 1)
	body, _ := json.Marshal(map[string]string{"pipeline": broken})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/submissions", strings.NewReader(string(body))))
	rec := httptest.NewRecorder()
	api.handleCreateSubmission(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Error  string   `json:"error"`
		Issues []string `json:"issues"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "validation_failed" || len(resp.Issues) == 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(subs.created) != 0 {
		t.Fatal("invalid spec must not reach the ledger")
	}
}

func TestCreateSubmissionSchedulerRejection(t *testing.T) {
	subs := newFakeSubmissionRepo()
	sched := &fakeScheduler{submitErr: &scheduler.SubmissionError{Output: "sbatch: error: invalid partition"}}
	api := newTestAPI(t, subs, &fakeStageResultRepo{}, sched)

	body, _ := json.Marshal(map[string]string{"pipeline": testPipeline})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/submissions", strings.NewReader(string(body))))
	rec := httptest.NewRecorder()
	api.handleCreateSubmission(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "submission_rejected") {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if len(subs.created) != 0 {
		t.Fatal("rejected submission must not reach the ledger")
	}
}

func TestCreateSubmissionBadJSON(t *testing.T) {
	api := newTestAPI(t, newFakeSubmissionRepo(), &fakeStageResultRepo{}, &fakeScheduler{})

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/submissions", strings.NewReader("{not json")))
	rec := httptest.NewRecorder()
	api.handleCreateSubmission(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetSubmissionNotFound(t *testing.T) {
	api := newTestAPI(t, newFakeSubmissionRepo(), &fakeStageResultRepo{}, &fakeScheduler{})

	req := httptest.NewRequest(http.MethodGet, "/submissions/missing", nil)
	req.SetPathValue("submission_id", "missing")
	rec := httptest.NewRecorder()
	api.handleGetSubmission(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateSubmissionRendersReportFlags(t *testing.T) {
	subs := newFakeSubmissionRepo()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	api := newSubmitAPI(logger, nil, subs, &fakeStageResultRepo{}, &fakeScheduler{jobID: 42},
		&fakeLogStore{}, testStoreCfg(), t.TempDir(), "/usr/local/bin/slurmflow", "http://head-node:8080/")

	body, _ := json.Marshal(map[string]string{"pipeline": testPipeline})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/submissions", strings.NewReader(string(body))))
	rec := httptest.NewRecorder()
	api.handleCreateSubmission(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	created := subs.created[0]
	script, err := os.ReadFile(filepath.Join(api.scriptDir, created.SubmissionID+".sbatch"))
	if err != nil {
		t.Fatalf("script not written: %v", err)
	}
	want := "--report-url http://head-node:8080 --submission-id " + created.SubmissionID
	if !strings.Contains(string(script), want) {
		t.Fatalf("script missing report flags:\n%s", script)
	}
}

func TestRecordStageResult(t *testing.T) {
	subs := newFakeSubmissionRepo()
	subs.byID["sub-1"] = domain.Submission{SubmissionID: "sub-1", JobID: 7, Status: domain.StatusRunning}
	stages := &fakeStageResultRepo{}
	api := newTestAPI(t, subs, stages, &fakeScheduler{})

	code := 3
	payload, _ := json.Marshal(recordStageResultRequest{
		StageName:  "stats",
		StageIndex: 0,
		Status:     "failed",
		ExitCode:   &code,
		StartedAt:  time.Now().UTC(),
	})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/submissions/sub-1/stages", strings.NewReader(string(payload))))
	req.SetPathValue("submission_id", "sub-1")
	rec := httptest.NewRecorder()
	api.handleRecordStageResult(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(stages.results) != 1 {
		t.Fatalf("expected 1 stored result, got %d", len(stages.results))
	}
	stored := stages.results[0]
	if stored.SubmissionID != "sub-1" || stored.StageName != "stats" || stored.Status != "failed" {
		t.Fatalf("stored = %+v", stored)
	}
	if stored.ExitCode == nil || *stored.ExitCode != 3 {
		t.Fatalf("stored exit code = %v, want 3", stored.ExitCode)
	}
}

func TestRecordStageResultUnknownSubmission(t *testing.T) {
	stages := &fakeStageResultRepo{}
	api := newTestAPI(t, newFakeSubmissionRepo(), stages, &fakeScheduler{})

	payload, _ := json.Marshal(recordStageResultRequest{StageName: "stats", Status: "succeeded", StartedAt: time.Now().UTC()})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/submissions/missing/stages", strings.NewReader(string(payload))))
	req.SetPathValue("submission_id", "missing")
	rec := httptest.NewRecorder()
	api.handleRecordStageResult(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(stages.results) != 0 {
		t.Fatal("result for unknown submission must not be stored")
	}
}

func TestRecordStageResultRejectsBadStatus(t *testing.T) {
	subs := newFakeSubmissionRepo()
	subs.byID["sub-1"] = domain.Submission{SubmissionID: "sub-1", Status: domain.StatusRunning}
	stages := &fakeStageResultRepo{}
	api := newTestAPI(t, subs, stages, &fakeScheduler{})

	payload, _ := json.Marshal(recordStageResultRequest{StageName: "stats", Status: "exploded", StartedAt: time.Now().UTC()})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/submissions/sub-1/stages", strings.NewReader(string(payload))))
	req.SetPathValue("submission_id", "sub-1")
	rec := httptest.NewRecorder()
	api.handleRecordStageResult(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(stages.results) != 0 {
		t.Fatal("invalid status must not be stored")
	}
}

func TestGetSubmissionLogs(t *testing.T) {
	subs := newFakeSubmissionRepo()
	subs.byID["sub-1"] = domain.Submission{
		SubmissionID: "sub-1",
		JobID:        7,
		Status:       domain.StatusSucceeded,
		Spec: domain.JobSpec{
			Name:       "diversity-run",
			StdoutPath: "logs/diversity-%j.out",
			StderrPath: "logs/diversity-%j.err",
		},
	}
	api := newTestAPI(t, subs, &fakeStageResultRepo{}, &fakeScheduler{})
	// Only stdout was staged; stderr stays absent from the listing.
	api.store = &fakeLogStore{objects: map[string]int64{"sub-1/diversity-7.out": 128}}

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/submissions/sub-1/logs", nil))
	req.SetPathValue("submission_id", "sub-1")
	rec := httptest.NewRecorder()
	api.handleGetSubmissionLogs(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Logs []logLinkResponse `json:"logs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Logs) != 1 {
		t.Fatalf("logs = %+v, want one entry", resp.Logs)
	}
	link := resp.Logs[0]
	if link.Key != "sub-1/diversity-7.out" || link.Size != 128 {
		t.Fatalf("link = %+v", link)
	}
	if !strings.Contains(link.URL, "job-logs/sub-1/diversity-7.out") {
		t.Fatalf("url = %q", link.URL)
	}
}

func TestGetSubmissionLogsFallsBackToNamePrefix(t *testing.T) {
	subs := newFakeSubmissionRepo()
	subs.byID["sub-1"] = domain.Submission{
		SubmissionID: "sub-1",
		JobID:        7,
		Status:       domain.StatusSucceeded,
		Spec: domain.JobSpec{
			Name:       "diversity-run",
			StdoutPath: "logs/diversity-%j.out",
		},
	}
	api := newTestAPI(t, subs, &fakeStageResultRepo{}, &fakeScheduler{})
	api.store = &fakeLogStore{objects: map[string]int64{"diversity-run/diversity-7.out": 64}}

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/submissions/sub-1/logs", nil))
	req.SetPathValue("submission_id", "sub-1")
	rec := httptest.NewRecorder()
	api.handleGetSubmissionLogs(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Logs []logLinkResponse `json:"logs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Logs) != 1 || resp.Logs[0].Key != "diversity-run/diversity-7.out" {
		t.Fatalf("logs = %+v", resp.Logs)
	}
}

func TestGetSubmissionLogsNotFound(t *testing.T) {
	api := newTestAPI(t, newFakeSubmissionRepo(), &fakeStageResultRepo{}, &fakeScheduler{})

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/submissions/missing/logs", nil))
	req.SetPathValue("submission_id", "missing")
	rec := httptest.NewRecorder()
	api.handleGetSubmissionLogs(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCancelSubmission(t *testing.T) {
	subs := newFakeSubmissionRepo()
	subs.byID["sub-1"] = domain.Submission{SubmissionID: "sub-1", JobID: 99, Status: domain.StatusRunning}
	sched := &fakeScheduler{}
	api := newTestAPI(t, subs, &fakeStageResultRepo{}, sched)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/submissions/sub-1/cancel", nil))
	req.SetPathValue("submission_id", "sub-1")
	rec := httptest.NewRecorder()
	api.handleCancelSubmission(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(sched.cancelled) != 1 || sched.cancelled[0] != 99 {
		t.Fatalf("cancelled = %v", sched.cancelled)
	}
	if subs.byID["sub-1"].Status != domain.StatusCancelled {
		t.Fatalf("ledger status = %q", subs.byID["sub-1"].Status)
	}
}

func TestCancelTerminalSubmissionConflicts(t *testing.T) {
	subs := newFakeSubmissionRepo()
	subs.byID["sub-1"] = domain.Submission{SubmissionID: "sub-1", JobID: 99, Status: domain.StatusSucceeded}
	sched := &fakeScheduler{}
	api := newTestAPI(t, subs, &fakeStageResultRepo{}, sched)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/submissions/sub-1/cancel", nil))
	req.SetPathValue("submission_id", "sub-1")
	rec := httptest.NewRecorder()
	api.handleCancelSubmission(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(sched.cancelled) != 0 {
		t.Fatal("terminal submission must not be cancelled at the scheduler")
	}
}

func TestSyncerUpdatesStatus(t *testing.T) {
	subs := newFakeSubmissionRepo()
	subs.byID["sub-1"] = domain.Submission{SubmissionID: "sub-1", JobID: 7, Status: domain.StatusSubmitted}
	code := 1
	sched := &fakeScheduler{observed: map[int64]scheduler.Observation{
		7: {State: "FAILED", Status: domain.StatusFailed, ExitCode: &code, Reason: "job failed with state FAILED"},
	}}

	s := &submissionSyncer{
		logger:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		submissions: subs,
		sched:       sched,
		interval:    time.Second,
		batch:       10,
	}
	s.syncOnce(context.Background())

	got := subs.byID["sub-1"]
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 1 {
		t.Fatalf("exit code = %v, want 1", got.ExitCode)
	}
	if got.FinishedAt == nil {
		t.Fatal("terminal status must set finished_at")
	}
}

func TestSyncerSkipsUnchangedStatus(t *testing.T) {
	subs := newFakeSubmissionRepo()
	subs.byID["sub-1"] = domain.Submission{SubmissionID: "sub-1", JobID: 7, Status: domain.StatusRunning}
	sched := &fakeScheduler{observed: map[int64]scheduler.Observation{
		7: {State: "RUNNING", Status: domain.StatusRunning},
	}}

	s := &submissionSyncer{submissions: subs, sched: sched, interval: time.Second, batch: 10}
	s.syncOnce(context.Background())

	if len(subs.updates) != 0 {
		t.Fatalf("unexpected ledger updates: %v", subs.updates)
	}
}
