package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/service"
)

type searchRequest struct {
	Keywords          string   `json:"keywords"`
	Location          string   `json:"location"`
	Offset            int      `json:"offset"`
	Limit             int      `json:"limit"`
	Remote            *bool    `json:"remote"`
	PostedWithin      string   `json:"posted_within"`
	Company           string   `json:"company"`
	ExcludeTerms      []string `json:"exclude_terms"`
	Sources           []string `json:"sources"`
	AllowPlaceholders bool     `json:"allow_placeholders"`
}

func (req searchRequest) query() (jobs.SearchQuery, error) {
	q := jobs.SearchQuery{
		Keywords: req.Keywords,
		Location: req.Location,
		Offset:   req.Offset,
		Limit:    req.Limit,
		Filters: jobs.Filters{
			Remote:       req.Remote,
			Company:      req.Company,
			ExcludeTerms: req.ExcludeTerms,
		},
	}
	if req.PostedWithin != "" {
		d, err := time.ParseDuration(req.PostedWithin)
		if err != nil || d < 0 {
			return q, badRequest("posted_within must be a positive duration like 72h")
		}
		q.Filters.PostedWithin = d
	}
	if strings.TrimSpace(q.Keywords) == "" && strings.TrimSpace(q.Location) == "" {
		return q, badRequest("keywords or location required")
	}
	return q, nil
}

// SearchResponse is the wire form of a search outcome.
type SearchResponse struct {
	Records          []jobs.JobRecord  `json:"records"`
	Errors           map[string]string `json:"errors,omitempty"`
	Placeholder      bool              `json:"placeholder"`
	PersistenceError string            `json:"persistence_error,omitempty"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	q, err := req.query()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.engine.Search(r.Context(), q, req.Sources, req.AllowPlaceholders)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewSearchResponse(res))
}

// NewSearchResponse flattens errors to strings.
func NewSearchResponse(res service.SearchResult) SearchResponse {
	out := SearchResponse{Records: res.Records, Placeholder: res.Placeholder}
	if out.Records == nil {
		out.Records = []jobs.JobRecord{}
	}
	if len(res.PerSourceErrors) > 0 {
		out.Errors = make(map[string]string, len(res.PerSourceErrors))
		for name, err := range res.PerSourceErrors {
			out.Errors[name] = err.Error()
		}
	}
	if res.PersistenceErr != nil {
		out.PersistenceError = res.PersistenceErr.Error()
	}
	return out
}

type sessionRequest struct {
	Owner string `json:"owner"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Owner) == "" {
		s.fail(w, r, badRequest("owner required"))
		return
	}
	sess, err := s.engine.StartSession(r.Context(), req.Owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.GetSession(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.EndSession(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if _, err := s.engine.GetSession(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	tasks, err := s.engine.ListTasks(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type applyRequest struct {
	JobID     string `json:"job_id"`
	ResumeID  string `json:"resume_id"`
	SessionID string `json:"session_id"`
}

// ApplyResponse is the wire form of an apply or resume outcome.
type ApplyResponse struct {
	TaskID       string         `json:"task_id"`
	FinalState   jobs.TaskState `json:"final_state"`
	EvidencePath string         `json:"evidence_path,omitempty"`
	Error        string         `json:"error,omitempty"`
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.JobID == "" || req.ResumeID == "" || req.SessionID == "" {
		s.fail(w, r, badRequest("job_id, resume_id and session_id required"))
		return
	}
	s.writeApplyResult(w, r, s.engine.ApplyToJob(r.Context(), req.JobID, req.ResumeID, req.SessionID))
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	s.writeApplyResult(w, r, s.engine.ResumeTask(r.Context(), chi.URLParam(r, "task_id")))
}

// writeApplyResult reports a task that ran as 200 even when it ended in
// failed or needs_review. Only requests that produced no task are errors.
func (s *Server) writeApplyResult(w http.ResponseWriter, r *http.Request, res service.ApplyResult) {
	if res.TaskID == "" && res.Err != nil {
		s.fail(w, r, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, NewApplyResponse(res))
}

// NewApplyResponse converts an ApplyResult for output.
func NewApplyResponse(res service.ApplyResult) ApplyResponse {
	out := ApplyResponse{TaskID: res.TaskID, FinalState: res.FinalState, EvidencePath: res.EvidencePath}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.GetTask(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := service.JobFilter{Source: r.URL.Query().Get("source")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := jobs.ParseJobStatus(raw)
		if !ok {
			s.fail(w, r, badRequest("unknown status %q", raw))
			return
		}
		filter.Status = status
	}
	list, err := s.engine.ListJobs(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type updateJobRequest struct {
	Status     *string  `json:"status"`
	MatchScore *float64 `json:"match_score"`
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	var req updateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Status == nil && req.MatchScore == nil {
		s.fail(w, r, badRequest("status or match_score required"))
		return
	}
	var status jobs.JobStatus
	if req.Status != nil {
		parsed, ok := jobs.ParseJobStatus(*req.Status)
		if !ok {
			s.fail(w, r, badRequest("unknown status %q", *req.Status))
			return
		}
		status = parsed
	}

	var (
		job jobs.JobRecord
		err error
	)
	if req.Status != nil {
		if job, err = s.engine.UpdateJobStatus(r.Context(), id, status); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if req.MatchScore != nil {
		if job, err = s.engine.UpdateJobScore(r.Context(), id, *req.MatchScore); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) saveResume(w http.ResponseWriter, r *http.Request) {
	var res jobs.Resume
	if err := decodeJSON(r, &res); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.engine.SaveResume(r.Context(), res); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) getResume(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.GetResume(r.Context(), chi.URLParam(r, "resume_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
