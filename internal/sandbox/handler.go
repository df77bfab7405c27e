package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/flowgate/internal/execution"
)

// HandlerOptions configures the sandbox HTTP handler.
type HandlerOptions struct {
	MaxConcurrent int
	MaxBodyBytes  int64
	Logger        *zap.Logger
}

type executeResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Entrypoint string `json:"entrypoint"`
}

type handler struct {
	sb        Sandbox
	logger    *zap.Logger
	maxBody   int64
	capacity  int32
	load      atomic.Int32
	startTime time.Time
}

// NewHandler serves POST /execute and GET /health over sb.
func NewHandler(sb Sandbox, opts HandlerOptions) http.Handler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &handler{
		sb:        sb,
		logger:    opts.Logger,
		maxBody:   opts.MaxBodyBytes,
		capacity:  int32(opts.MaxConcurrent),
		startTime: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/execute", h.handleExecute)
	r.Get("/health", h.handleHealth)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	current := h.load.Add(1)
	defer h.load.Add(-1)
	if current > h.capacity {
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("at capacity (%d/%d concurrent executions)", current, h.capacity))
		return
	}

	var req struct {
		Files execution.FileSet `json:"files"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if err := req.Files.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := ResolveEntrypoint(req.Files, r.URL.Query().Get("entrypoint"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := h.logger.With(
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("entrypoint", entry),
	)
	log.Info("execute request", zap.Int("files", len(req.Files)), zap.Int("bytes", req.Files.Size()))

	res, err := h.sb.Run(r.Context(), RunOpts{Files: req.Files, Entrypoint: entry})
	if err != nil {
		if errors.Is(err, ErrNoEntrypoint) || errors.Is(err, execution.ErrInvalidFilename) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error("execution failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info("execute complete",
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration),
		zap.Int("stdout_len", len(res.Stdout)))

	writeJSON(w, http.StatusOK, executeResponse{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMs: res.Duration.Milliseconds(),
		TimedOut:   res.TimedOut,
		Entrypoint: entry,
	})
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"capacity":       h.capacity,
		"current_load":   h.load.Load(),
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}
