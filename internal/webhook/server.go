// Package webhook exposes the HTTP front-end: a release-notification
// endpoint that feeds the ingest queue, a health check, and a
// prometheus metrics endpoint.
package webhook

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/xwell/qbit-loadbalancer/internal/registry"
)

// Enqueuer is the narrow capability the server needs from the ingest
// queue: add, never drain or inspect. Keeping the dependency this
// narrow avoids a cyclic import back to the balancer's orchestration
// package.
type Enqueuer interface {
	Enqueue(downloadURL, releaseName, category string) error
}

// ConnectedCounter reports how many instances are currently connected,
// for the health endpoint.
type ConnectedCounter interface {
	Snapshot() []registry.Snapshot
}

type Server struct {
	router chi.Router
	http   *http.Server
	log    zerolog.Logger
}

type releasePayload struct {
	ReleaseName string `json:"release_name"`
	DownloadURL string `json:"download_url"`
	Category    string `json:"category"`
	Indexer     string `json:"indexer"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type okResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type healthResponse struct {
	Status             string `json:"status"`
	Timestamp          string `json:"timestamp"`
	InstancesConnected int    `json:"instances_connected"`
}

func New(addr, path string, queue Enqueuer, registry ConnectedCounter, log zerolog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(zerologMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{log: log}

	r.Post(path, s.handleRelease(queue))
	r.Get("/health", s.handleHealth(registry))
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("webhook server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	return s.http.Close()
}

func (s *Server) handleRelease(queue Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload releasePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "No JSON data")
			return
		}

		if payload.ReleaseName == "" {
			writeError(w, http.StatusBadRequest, "release_name is required")
			return
		}
		if payload.DownloadURL == "" {
			writeError(w, http.StatusBadRequest, "download_url is required")
			return
		}

		category := payload.Category
		if category == "" {
			category = payload.Indexer
		}

		// Request ID is for log correlation only; it plays no part in
		// the ingest queue's dedup key.
		requestID := uuid.NewString()
		log := s.log.With().Str("request_id", requestID).Logger()

		if err := queue.Enqueue(payload.DownloadURL, payload.ReleaseName, category); err != nil {
			log.Error().Err(err).Msg("enqueue failed")
			writeError(w, http.StatusInternalServerError, "Failed to process torrent")
			return
		}

		log.Info().Str("release", payload.ReleaseName).Msg("release queued")
		writeJSON(w, http.StatusOK, okResponse{Status: "success", Message: "Torrent processed"})
	}
}

func (s *Server) handleHealth(reg ConnectedCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connected := 0
		if reg != nil {
			for _, snap := range reg.Snapshot() {
				if snap.Connected {
					connected++
				}
			}
		}
		writeJSON(w, http.StatusOK, healthResponse{
			Status:             "ok",
			Timestamp:          time.Now().UTC().Format(time.RFC3339),
			InstancesConnected: connected,
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func zerologMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("webhook request")
		})
	}
}
