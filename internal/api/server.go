// Package api exposes the run control and polling HTTP API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/anomaly"
	"github.com/sells-group/outreach-engine/internal/runstate"
	"github.com/sells-group/outreach-engine/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server serves the HTTP API.
type Server struct {
	store    store.Store
	runs     *runstate.Machine
	detector *anomaly.Detector
	log      *zap.Logger
}

// New creates a Server.
func New(s store.Store, runs *runstate.Machine, detector *anomaly.Detector) *Server {
	return &Server{
		store:    s,
		runs:     runs,
		detector: detector,
		log:      zap.L().With(zap.String("component", "api")),
	}
}

// Router builds the route tree. corsOrigins lists the allowed origins; an
// empty list allows any origin.
func (s *Server) Router(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.launchRun)
			r.Get("/", s.listRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Post("/pause", s.pauseRun)
				r.Post("/resume", s.resumeRun)
				r.Post("/cancel", s.cancelRun)
				r.Get("/events", s.listEvents)
				r.Get("/messages", s.listMessages)
				r.Get("/leads", s.listLeads)
				r.Get("/replies", s.listReplies)
				r.Get("/anomalies", s.listAnomalies)
				r.Get("/jobs", s.listJobs)
			})
		})
		r.Post("/anomalies/{anomalyID}/acknowledge", s.acknowledgeAnomaly)
		r.Post("/anomalies/{anomalyID}/resolve", s.resolveAnomaly)
	})

	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(began)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps err onto a status code. Unexpected errors are logged and
// reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case eris.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case eris.Is(err, runstate.ErrTerminal),
		eris.Is(err, runstate.ErrNotPaused),
		eris.Is(err, runstate.ErrInvalidTransition),
		eris.Is(err, runstate.ErrActiveRunExists),
		eris.Is(err, anomaly.ErrResolved):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body strictly. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return eris.Wrap(err, "api: decode body")
	}
	return nil
}

// page reads limit and offset query parameters.
func page(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, eris.Errorf("invalid limit %q", v)
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, eris.Errorf("invalid offset %q", v)
		}
	}
	return limit, offset, nil
}
