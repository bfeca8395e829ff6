// Package server exposes the queue, gear registry and batch orchestrator
// over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mlattimore/gearqueue/internal/observability"
	"github.com/mlattimore/gearqueue/pkg/batch"
	"github.com/mlattimore/gearqueue/pkg/core"
	"github.com/mlattimore/gearqueue/pkg/queue"
)

// Server wires HTTP routes to the engine.
type Server struct {
	queue    *queue.Queue
	batches  *batch.Orchestrator
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	log      *zap.Logger
}

// New builds a Server. gatherer may be nil to disable the /metrics endpoint.
func New(q *queue.Queue, o *batch.Orchestrator, m *observability.Metrics, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{queue: q, batches: o, metrics: m, gatherer: gatherer, log: log}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/gears", func(r chi.Router) {
			r.Post("/", s.handleRegisterGear)
			r.Get("/", s.handleListGears)
			r.Get("/{name}", s.handleGetGear)
			r.Get("/{name}/{version}", s.handleGetGear)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleAddJob)
			r.Get("/", s.handleSearchJobs)
			r.Get("/stats", s.handleJobStats)
			r.Post("/next", s.handleNextJob)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/heartbeat", s.handleHeartbeat)
			r.Put("/{id}/state", s.handleTransition)
			r.Post("/{id}/retry", s.handleRetryJob)
		})

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.handleCreateBatch)
			r.Get("/{id}", s.handleGetBatch)
			r.Post("/{id}/run", s.handleRunBatch)
			r.Post("/{id}/cancel", s.handleCancelBatch)
		})

		r.Get("/keys/validate", s.handleValidateKey)
	})

	return r
}

func (s *Server) handleRegisterGear(w http.ResponseWriter, r *http.Request) {
	var gear core.Gear
	if err := decodeBody(r, &gear); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.queue.Registry().Register(r.Context(), &gear); err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"name":    gear.Name,
		"version": gear.Version,
	})
}

func (s *Server) handleListGears(w http.ResponseWriter, r *http.Request) {
	gears, err := s.queue.Registry().List(r.Context())
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gears)
}

func (s *Server) handleGetGear(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	version := chi.URLParam(r, "version")
	gear, err := s.queue.Registry().Get(r.Context(), name, version)
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gear)
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var spec queue.JobSpec
	if err := decodeBody(r, &spec); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.queue.Enqueue(r.Context(), spec)
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleNextJob claims the next runnable job for a poller. Tags come from
// the repeatable "tags" query parameter; no match yields a 204.
func (s *Server) handleNextJob(w http.ResponseWriter, r *http.Request) {
	tags := queryTags(r)
	job, err := s.queue.ClaimNext(r.Context(), tags...)
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.metrics != nil {
		s.metrics.Claims.Inc()
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Heartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeEngineErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionRequest struct {
	State         core.JobState  `json:"state"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Outputs       core.ConfigMap `json:"outputs,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.queue.Transition(r.Context(), chi.URLParam(r, "id"), req.State, core.JobUpdate{
		FailureReason: req.FailureReason,
		Outputs:       req.Outputs,
	})
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(req.State)).Inc()
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.queue.GetJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	force := r.URL.Query().Get("force") == "true"
	retry, err := s.queue.Retry(ctx, job, force)
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	if retry == nil {
		writeErr(w, http.StatusConflict, errors.New("job exhausted its attempts"))
		return
	}
	writeJSON(w, http.StatusCreated, retry)
}

func (s *Server) handleSearchJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var states []core.JobState
	for _, raw := range splitParams(q["states"]) {
		states = append(states, core.JobState(raw))
	}
	var containers []core.ContainerRef
	for _, raw := range splitParams(q["containers"]) {
		ctype, id, ok := strings.Cut(raw, "/")
		if !ok {
			writeErr(w, http.StatusBadRequest, errors.New("containers must be type/id pairs"))
			return
		}
		containers = append(containers, core.ContainerRef{Type: core.ContainerType(ctype), ID: id})
	}

	jobs, err := s.queue.Search(r.Context(), containers, states, splitParams(q["tags"]))
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var spec batch.Spec
	if err := decodeBody(r, &spec); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	b, err := s.batches.Create(r.Context(), spec)
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.batchResponse(r, b))
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.batchResponse(r, b))
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.batches.Run(r.Context(), id); err != nil {
		s.writeEngineErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.batches.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": cancelled})
}

// handleValidateKey checks a job credential supplied in the Authorization
// header and reports its owning user.
func (s *Server) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if key == "" {
		writeErr(w, http.StatusUnauthorized, errors.New("missing credential"))
		return
	}
	uid, err := s.queue.Credentials().Validate(r.Context(), key)
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uid": uid})
}

// batchResponse attaches the derived state to a batch document.
func (s *Server) batchResponse(r *http.Request, b *core.Batch) map[string]any {
	resp := map[string]any{
		"id":           b.ID,
		"gear_name":    b.GearName,
		"gear_version": b.GearVersion,
		"config":       b.Config,
		"origin":       b.Origin,
		"job_ids":      b.JobIDs,
		"ambiguous":    b.Ambiguous,
		"not_matched":  b.NotMatched,
		"created":      b.Created,
	}
	state, err := s.batches.State(r.Context(), b.ID)
	if err != nil {
		s.log.Warn("deriving batch state", zap.String("batch_id", b.ID), zap.Error(err))
	} else {
		resp["state"] = state
	}
	return resp
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// queryTags accepts both repeated tags params and comma-joined values.
func queryTags(r *http.Request) []string {
	return splitParams(r.URL.Query()["tags"])
}

func splitParams(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// writeEngineErr translates engine errors into HTTP status codes.
func (s *Server) writeEngineErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidCredential):
		writeErr(w, http.StatusUnauthorized, err)
	case core.IsNotFound(err):
		writeErr(w, http.StatusNotFound, err)
	case core.IsConflict(err):
		writeErr(w, http.StatusConflict, err)
	case core.IsClientError(err):
		writeErr(w, http.StatusBadRequest, err)
	default:
		s.log.Error("request failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
