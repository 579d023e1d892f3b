// Package api exposes the HTTP interface for the price scraping service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pricehound/pricehound/internal/batch"
	"github.com/pricehound/pricehound/internal/browserpool"
	"github.com/pricehound/pricehound/internal/progress/sinks"
	"github.com/pricehound/pricehound/internal/retailer"
	"github.com/pricehound/pricehound/internal/scrape"
)

// PoolStats exposes the browser pool's live counters.
type PoolStats interface {
	Stats() browserpool.Stats
}

// BatchStarter launches and controls background batch runs. *batch.Processor
// satisfies it.
type BatchStarter interface {
	StartAsync(ctx context.Context, s scrape.Scraper, items []batch.Item, cbs batch.Callbacks) (uuid.UUID, error)
	Stop()
	Running() bool
}

// Server wires HTTP handlers to the pool, the batch processor, and the run
// snapshot store.
type Server struct {
	router   chi.Router
	logger   *zap.Logger
	pool     PoolStats
	batches  BatchStarter
	runs     *sinks.RunStore
	registry retailer.Registry
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	logger *zap.Logger,
	pool PoolStats,
	batches BatchStarter,
	runs *sinks.RunStore,
	registry retailer.Registry,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:   logger,
		pool:     pool,
		batches:  batches,
		runs:     runs,
		registry: registry,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/pool/stats", s.getPoolStats)
		r.Get("/retailers", s.listRetailers)
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.startBatch)
			r.Get("/", s.listBatches)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getBatch)
				r.Post("/stop", s.stopBatch)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		s.writeError(w, http.StatusServiceUnavailable, "pool not ready")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getPoolStats(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		s.writeError(w, http.StatusServiceUnavailable, "pool not ready")
		return
	}
	s.writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) listRetailers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"retailers": s.registry.Keys()})
}

type startBatchRequest struct {
	Retailer string   `json:"retailer"`
	GTINs    []string `json:"gtins"`
}

func (s *Server) startBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.GTINs) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one gtin required")
		return
	}
	scraper, err := s.registry.Lookup(req.Retailer)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	items := make([]batch.Item, 0, len(req.GTINs))
	for _, gtin := range req.GTINs {
		if !batch.ValidGTIN(gtin) {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid gtin %q", gtin))
			return
		}
		items = append(items, batch.Item{GTIN: gtin})
	}

	// The run outlives the request; it is bounded by Stop and shutdown.
	runID, err := s.batches.StartAsync(context.Background(), scraper, items, batch.Callbacks{})
	if err != nil {
		if errors.Is(err, batch.ErrAlreadyRunning) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID.String()})
}

func (s *Server) listBatches(w http.ResponseWriter, _ *http.Request) {
	if s.runs == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"runs": []any{}})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": s.runs.List()})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	if s.runs == nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	snap, ok := s.runs.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) stopBatch(w http.ResponseWriter, r *http.Request) {
	if !s.batches.Running() {
		s.writeError(w, http.StatusConflict, "no run in progress")
		return
	}
	s.batches.Stop()
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": chi.URLParam(r, "run_id"),
		"status": "stopping",
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
