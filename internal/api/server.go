package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"leadflow/internal/batch"
	"leadflow/internal/domain"
	"leadflow/internal/metrics"
	"leadflow/internal/quota"
	"leadflow/internal/sequence"
	"leadflow/internal/store"
)

type Enrollments interface {
	EnrollLead(ctx context.Context, sequenceID, leadID, tenantID string, startAt *time.Time) (sequence.EnrollResult, error)
	UnenrollLead(ctx context.Context, sequenceID, leadID string) error
	GetEnrollment(ctx context.Context, id string) (domain.Enrollment, error)
	Sends(ctx context.Context, enrollmentID string) ([]domain.StepSend, error)
	ProcessDueEnrollments(ctx context.Context, limit int) (sequence.BatchProcessResult, error)
}

type Jobs interface {
	CreateJob(ctx context.Context, opts batch.CreateOptions) (batch.CreateResult, error)
	RunNextBatch(ctx context.Context, jobID string) (batch.BatchOutcome, error)
	GetJobStatus(ctx context.Context, jobID string) (batch.JobSnapshot, error)
	Results(ctx context.Context, jobID string) ([]domain.Result, error)
	CancelJob(ctx context.Context, jobID string) error
}

type Deps struct {
	Sequences   store.SequenceRepository
	Enrollments Enrollments
	Jobs        Jobs
	Ledger      quota.Ledger
	DailyCap    int
	// Metrics is shared with the executor and runner; nil serves zeros.
	Metrics *metrics.Counters
}

type Server struct {
	r    *chi.Mux
	deps Deps
}

func NewServer(deps Deps) http.Handler {
	return NewServerWithDebug(deps, false)
}

func NewServerWithDebug(deps Deps, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, deps: deps}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/sequences", s.listSequences)
		r.Get("/sequences/{id}", s.getSequence)
		r.Put("/sequences/{id}", s.putSequence)
		r.Post("/sequences/{id}/enrollments", s.enroll)
		r.Delete("/sequences/{id}/enrollments/{leadID}", s.unenroll)

		r.Get("/enrollments/{id}", s.getEnrollment)
		r.Get("/enrollments/{id}/sends", s.enrollmentSends)
		r.Post("/enrollments/process", s.processEnrollments)

		r.Post("/jobs", s.createJob)
		r.Get("/jobs/{id}", s.getJob)
		r.Get("/jobs/{id}/results", s.jobResults)
		r.Post("/jobs/{id}/run", s.runJob)
		r.Post("/jobs/{id}/cancel", s.cancelJob)

		r.Get("/quota/{tenantID}", s.getQuota)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

// requestLogger writes one zerolog line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).
			Dur("took", time.Since(start)).Str("request_id", middleware.GetReqID(r.Context())).Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "leadflow_up 1\n")
	if err := s.deps.Metrics.WriteText(w); err != nil {
		log.Debug().Err(err).Msg("write metrics")
	}
}

func (s *Server) listSequences(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant_id")
	if tenant == "" {
		http.Error(w, "tenant_id is required", 400)
		return
	}
	seqs, err := s.deps.Sequences.ListSequences(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	if seqs == nil {
		seqs = []domain.Sequence{}
	}
	writeJSON(w, 200, seqs)
}

func (s *Server) getSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := s.deps.Sequences.GetSequence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, seq)
}

func (s *Server) putSequence(w http.ResponseWriter, r *http.Request) {
	var seq domain.Sequence
	if err := json.NewDecoder(r.Body).Decode(&seq); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	seq.ID = chi.URLParam(r, "id")
	saved, err := s.deps.Sequences.PutSequence(r.Context(), seq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, saved)
}

type enrollReq struct {
	LeadID   string     `json:"lead_id"`
	TenantID string     `json:"tenant_id"`
	StartAt  *time.Time `json:"start_at"`
}

func (s *Server) enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.LeadID == "" {
		http.Error(w, "lead_id is required", 400)
		return
	}
	res, err := s.deps.Enrollments.EnrollLead(r.Context(), chi.URLParam(r, "id"), req.LeadID, req.TenantID, req.StartAt)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusCreated
	if !res.Created {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (s *Server) unenroll(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Enrollments.UnenrollLead(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "leadID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Enrollments.GetEnrollment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, e)
}

func (s *Server) enrollmentSends(w http.ResponseWriter, r *http.Request) {
	sends, err := s.deps.Enrollments.Sends(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sends == nil {
		sends = []domain.StepSend{}
	}
	writeJSON(w, 200, sends)
}

func (s *Server) processEnrollments(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	res, err := s.deps.Enrollments.ProcessDueEnrollments(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var opts batch.CreateOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	res, err := s.deps.Jobs.CreateJob(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Jobs.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, snap)
}

func (s *Server) jobResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.deps.Jobs.Results(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []domain.Result{}
	}
	writeJSON(w, 200, results)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Jobs.RunNextBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, out)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Jobs.CancelJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.deps.Jobs.GetJobStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, snap)
}

type quotaResp struct {
	TenantID  string `json:"tenant_id"`
	Day       string `json:"day"`
	Used      int    `json:"used"`
	Cap       int    `json:"cap"`
	Remaining int    `json:"remaining"`
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenantID")
	day := r.URL.Query().Get("day")
	if day == "" {
		day = quota.Day(time.Now())
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		http.Error(w, "day must be YYYY-MM-DD", 400)
		return
	}
	used, err := s.deps.Ledger.Usage(r.Context(), tenant, day)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, quotaResp{TenantID: tenant, Day: day, Used: used, Cap: s.deps.DailyCap, Remaining: quota.Remaining(s.deps.DailyCap, used)})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrJobBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSequenceInactive), errors.Is(err, domain.ErrInvalidSequence):
		return http.StatusUnprocessableEntity
	case errors.Is(err, batch.ErrInvalidJob):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
