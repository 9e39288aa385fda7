package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fleet-execution-manager/internal/admission"
	"fleet-execution-manager/internal/config"
	"fleet-execution-manager/internal/orchestrator"
	"fleet-execution-manager/internal/ratelimit"
	"fleet-execution-manager/internal/store"
	"fleet-execution-manager/internal/telemetry"
)

// Server wires HTTP handlers for the fleet execution API.
type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	orch    *orchestrator.Orchestrator
	queue   *admission.Queue
	limiter *ratelimit.Limiter
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, orch *orchestrator.Orchestrator, queue *admission.Queue, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		orch:    orch,
		queue:   queue,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "env": s.cfg.Env})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/batches", s.handleCreateBatch)
	r.Get("/batches/{id}", s.handleGetBatch)
	r.Post("/batches/{id}/cancel", s.handleCancelBatch)
	r.Get("/executions/{id}", s.handleGetExecution)
	r.Get("/queue", s.handleQueueStatus)
	r.Post("/queue/clear", s.handleQueueClear)
	return r
}

type createBatchRequest struct {
	Type           string         `json:"type"`
	Action         string         `json:"action"`
	Parameters     map[string]any `json:"parameters"`
	TargetNodeIDs  []string       `json:"target_node_ids"`
	TargetGroupIDs []string       `json:"target_group_ids"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	userID := userFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowUser(r.Context(), userID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	res, err := s.orch.CreateBatch(r.Context(), orchestrator.CreateBatchRequest{
		Type:           req.Type,
		Action:         req.Action,
		Parameters:     req.Parameters,
		TargetNodeIDs:  req.TargetNodeIDs,
		TargetGroupIDs: req.TargetGroupIDs,
	}, userID)
	if err != nil {
		var ve orchestrator.ValidationError
		switch {
		case errors.As(err, &ve):
			http.Error(w, ve.Error(), http.StatusBadRequest)
		case errors.Is(err, admission.ErrQueueFull):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			s.logger.Error("create batch failed", "user_id", userID, "error", err)
			http.Error(w, "create batch failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.orch.GetBatchStatus(r.Context(), id, r.URL.Query().Get("status"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.logger.Error("get batch failed", "batch_id", id, "error", err)
		http.Error(w, "get batch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.orch.CancelBatch(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.logger.Error("cancel batch failed", "batch_id", id, "error", err)
		http.Error(w, "cancel batch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": cancelled})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.orch.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.logger.Error("get execution failed", "execution_id", id, "error", err)
		http.Error(w, "get execution failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Status())
}

func (s *Server) handleQueueClear(w http.ResponseWriter, _ *http.Request) {
	cleared := s.queue.Clear()
	s.logger.Info("admission backlog cleared", "count", cleared)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func userFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
