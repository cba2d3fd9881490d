package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/config"
	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/resume"
	"github.com/JakeFAU/autoapply/internal/service"
)

func TestServer_Search(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.searchResult = service.SearchResult{
		Records:         []jobs.JobRecord{{ID: "j1", Title: "Go Engineer", Source: "adzuna"}},
		PerSourceErrors: map[string]error{"board": errors.New("source board: rate_limited")},
	}
	server := newTestServer(engine)

	body := `{"keywords":"golang","location":"remote","posted_within":"72h","sources":["adzuna","board"],"allow_placeholders":true}`
	rec := do(server, http.MethodPost, "/v1/search", body)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	require.Contains(t, resp.Errors["board"], "rate_limited")

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Equal(t, "golang", engine.lastQuery.Keywords)
	require.Equal(t, 72*time.Hour, engine.lastQuery.Filters.PostedWithin)
	require.Equal(t, []string{"adzuna", "board"}, engine.lastSources)
	require.True(t, engine.lastPlaceholders)
}

func TestServer_SearchValidation(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeEngine())
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{invalid"},
		{"empty query", `{}`},
		{"bad duration", `{"keywords":"go","posted_within":"soon"}`},
		{"unknown field", `{"keywords":"go","salary":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(server, http.MethodPost, "/v1/search", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestServer_SessionLifecycle(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	server := newTestServer(engine)

	rec := do(server, http.MethodPost, "/v1/sessions", `{"owner":"ada"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var sess jobs.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	require.Equal(t, "ada", sess.Owner)

	rec = do(server, http.MethodGet, "/v1/sessions/"+sess.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(server, http.MethodGet, "/v1/sessions/"+sess.ID+"/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"tasks"`)

	rec = do(server, http.MethodPost, "/v1/sessions/"+sess.ID+"/end", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), string(jobs.SessionCompleted))

	rec = do(server, http.MethodGet, "/v1/sessions/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(server, http.MethodPost, "/v1/sessions", `{"owner":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Apply(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	server := newTestServer(engine)

	engine.applyResult = service.ApplyResult{TaskID: "task-1", FinalState: jobs.TaskCompleted, EvidencePath: "memory://e/task-1/submitted.png"}
	rec := do(server, http.MethodPost, "/v1/applications", `{"job_id":"j1","resume_id":"r1","session_id":"s1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ApplyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "task-1", resp.TaskID)
	require.Equal(t, jobs.TaskCompleted, resp.FinalState)
	require.Empty(t, resp.Error)

	// A task that ran but needs review is still a successful request.
	engine.applyResult = service.ApplyResult{TaskID: "task-2", FinalState: jobs.TaskNeedsReview, Err: errors.New("captcha detected")}
	rec = do(server, http.MethodPost, "/v1/applications", `{"job_id":"j1","resume_id":"r1","session_id":"s1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "captcha detected")

	engine.applyResult = service.ApplyResult{Err: fmt.Errorf("session s9: %w", jobs.ErrSessionClosed)}
	rec = do(server, http.MethodPost, "/v1/applications", `{"job_id":"j1","resume_id":"r1","session_id":"s9"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(server, http.MethodPost, "/v1/applications", `{"job_id":"j1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Tasks(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.tasks["task-1"] = jobs.ApplicationTask{ID: "task-1", State: jobs.TaskFormFilled}
	engine.resumeResult = service.ApplyResult{TaskID: "task-1", FinalState: jobs.TaskCompleted}
	server := newTestServer(engine)

	rec := do(server, http.MethodGet, "/v1/tasks/task-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "form_filled")

	rec = do(server, http.MethodPost, "/v1/tasks/task-1/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "completed")

	rec = do(server, http.MethodGet, "/v1/tasks/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Jobs(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.jobs["j1"] = jobs.JobRecord{ID: "j1", Status: jobs.JobStatusNew}
	server := newTestServer(engine)

	rec := do(server, http.MethodGet, "/v1/jobs?status=new&source=adzuna", "")
	require.Equal(t, http.StatusOK, rec.Code)
	engine.mu.Lock()
	require.Equal(t, service.JobFilter{Status: jobs.JobStatusNew, Source: "adzuna"}, engine.lastFilter)
	engine.mu.Unlock()

	rec = do(server, http.MethodGet, "/v1/jobs?status=maybe", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(server, http.MethodPatch, "/v1/jobs/j1", `{"status":"reviewed","match_score":0.75}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var job jobs.JobRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, jobs.JobStatusReviewed, job.Status)
	require.Equal(t, 0.75, job.MatchScore)

	rec = do(server, http.MethodPatch, "/v1/jobs/j1", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(server, http.MethodPatch, "/v1/jobs/missing", `{"status":"rejected"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(server, http.MethodGet, "/v1/jobs/j1", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Resumes(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	server := newTestServer(engine)

	body := `{"id":"r1","owner":"ada","file_path":"/cv.pdf","contact":{"first_name":"Ada","last_name":"Lovelace","email":"ada@example.com"}}`
	rec := do(server, http.MethodPost, "/v1/resumes", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(server, http.MethodGet, "/v1/resumes/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ada@example.com")

	rec = do(server, http.MethodPost, "/v1/resumes", `{"id":"r2"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeEngine())
	require.Equal(t, http.StatusOK, do(server, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, do(server, http.MethodGet, "/readyz", "").Code)

	rec := do(server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	down := NewServer(newFakeEngine(), func(context.Context) error { return errors.New("store unreachable") }, testConfig(), zap.NewNop())
	rec = do(down, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "store unreachable")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(newFakeEngine(), nil, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := do(newTestServer(newFakeEngine()), http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	newTestServer(newFakeEngine()).Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

func testConfig() config.Config {
	return config.Config{Server: config.ServerConfig{Port: 8080, RequestTimeout: 5 * time.Second}}
}

func newTestServer(engine Engine) *Server {
	return NewServer(engine, nil, testConfig(), zap.NewNop())
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeEngine struct {
	mu sync.Mutex

	searchResult service.SearchResult
	applyResult  service.ApplyResult
	resumeResult service.ApplyResult
	sessions     map[string]jobs.Session
	tasks        map[string]jobs.ApplicationTask
	jobs         map[string]jobs.JobRecord
	resumes      map[string]jobs.Resume

	lastQuery        jobs.SearchQuery
	lastSources      []string
	lastPlaceholders bool
	lastFilter       service.JobFilter
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sessions: make(map[string]jobs.Session),
		tasks:    make(map[string]jobs.ApplicationTask),
		jobs:     make(map[string]jobs.JobRecord),
		resumes:  make(map[string]jobs.Resume),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, jobs.ErrNotFound)
}

func (f *fakeEngine) Search(_ context.Context, q jobs.SearchQuery, sources []string, allow bool) (service.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery, f.lastSources, f.lastPlaceholders = q, sources, allow
	return f.searchResult, nil
}

func (f *fakeEngine) StartSession(_ context.Context, owner string) (jobs.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := jobs.Session{ID: fmt.Sprintf("sess-%d", len(f.sessions)+1), Owner: owner, Status: jobs.SessionActive}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeEngine) GetSession(_ context.Context, id string) (jobs.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return jobs.Session{}, notFound("session", id)
	}
	return s, nil
}

func (f *fakeEngine) EndSession(_ context.Context, id string) (jobs.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return jobs.Session{}, notFound("session", id)
	}
	s.Status = jobs.SessionCompleted
	f.sessions[id] = s
	return s, nil
}

func (f *fakeEngine) ListTasks(context.Context, string) ([]jobs.ApplicationTask, error) {
	return []jobs.ApplicationTask{}, nil
}

func (f *fakeEngine) ApplyToJob(context.Context, string, string, string) service.ApplyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applyResult
}

func (f *fakeEngine) GetTask(_ context.Context, id string) (jobs.ApplicationTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return jobs.ApplicationTask{}, notFound("task", id)
	}
	return task, nil
}

func (f *fakeEngine) ResumeTask(context.Context, string) service.ApplyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumeResult
}

func (f *fakeEngine) GetJob(_ context.Context, id string) (jobs.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return jobs.JobRecord{}, notFound("job", id)
	}
	return job, nil
}

func (f *fakeEngine) ListJobs(_ context.Context, filter service.JobFilter) ([]jobs.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	out := make([]jobs.JobRecord, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeEngine) UpdateJobStatus(_ context.Context, id string, status jobs.JobStatus) (jobs.JobRecord, error) {
	return f.mutateJob(id, func(j *jobs.JobRecord) { j.Status = status })
}

func (f *fakeEngine) UpdateJobScore(_ context.Context, id string, score float64) (jobs.JobRecord, error) {
	return f.mutateJob(id, func(j *jobs.JobRecord) { j.MatchScore = jobs.ClampScore(score) })
}

func (f *fakeEngine) mutateJob(id string, fn func(*jobs.JobRecord)) (jobs.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return jobs.JobRecord{}, notFound("job", id)
	}
	fn(&job)
	f.jobs[id] = job
	return job, nil
}

func (f *fakeEngine) SaveResume(_ context.Context, r jobs.Resume) error {
	if err := resume.Validate(r); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes[r.ID] = r
	return nil
}

func (f *fakeEngine) GetResume(_ context.Context, id string) (jobs.Resume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resumes[id]
	if !ok {
		return jobs.Resume{}, notFound("resume", id)
	}
	return r, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
