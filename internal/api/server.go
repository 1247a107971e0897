// Package api serves the read side of the association store over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/trap-cli/internal/assoc"
	"github.com/sells-group/trap-cli/internal/match"
	"github.com/sells-group/trap-cli/internal/metrics"
	"github.com/sells-group/trap-cli/internal/skymap"
	"github.com/sells-group/trap-cli/internal/store"
)

// defaultListLimit caps list endpoints when no limit is given.
const defaultListLimit = 1000

// Options configures the router.
type Options struct {
	// Params are the association defaults; query parameters override them.
	Params      match.Params
	CORSOrigins []string
	// MetricsPath mounts the Prometheus handler when Metrics is set.
	MetricsPath string
	Metrics     *metrics.AssocMetrics
}

// Server holds the handler dependencies.
type Server struct {
	store  store.Store
	engine *assoc.Engine
	opts   Options
}

// New creates a Server.
func New(st store.Store, engine *assoc.Engine, opts Options) *Server {
	return &Server{store: st, engine: engine, opts: opts}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)
	r.Get("/stats", s.stats)
	r.Get("/lightcurve/{xtrsrc}", s.lightcurve)
	r.Route("/datasets/{dataset}", func(r chi.Router) {
		r.Get("/runcat", s.listRunningSources)
		r.Get("/skymap", s.skymap)
	})
	r.Route("/runcat/{runcat}", func(r chi.Router) {
		r.Get("/", s.getRunningSource)
		r.Get("/matches", s.catalogMatches)
		r.Post("/associations", s.associateCatalogs)
	})

	if reg := s.opts.Metrics.Registry(); reg != nil {
		path := s.opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			ErrorHandling: promhttp.HTTPErrorOnError,
		}))
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps domain errors to status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, match.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// params reads radius (degrees) and deruiter overrides from the query.
func (s *Server) params(r *http.Request) (match.Params, error) {
	p := s.opts.Params
	q := r.URL.Query()
	if v := q.Get("radius"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, errors.New("radius must be a number")
		}
		p.Theta = f
	}
	if v := q.Get("deruiter"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, errors.New("deruiter must be a number")
		}
		p.DeRuiterR = f
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func limit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil && n > 0
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.RefreshStats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) lightcurve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "xtrsrc")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid detection id")
		return
	}
	pts, err := s.engine.Lightcurve(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pts)
}

func (s *Server) listRunningSources(w http.ResponseWriter, r *http.Request) {
	ds, ok := pathID(r, "dataset")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dataset id")
		return
	}
	n, ok := limit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	rcs, err := s.store.ListRunningSources(r.Context(), ds, n)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rcs)
}

func (s *Server) skymap(w http.ResponseWriter, r *http.Request) {
	ds, ok := pathID(r, "dataset")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dataset id")
		return
	}
	n, ok := limit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	rcs, err := s.store.ListRunningSources(r.Context(), ds, n)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	opts := skymap.Options{Ellipses: r.URL.Query().Get("ellipses") == "true"}
	w.Header().Set("Content-Type", "application/geo+json")
	json.NewEncoder(w).Encode(skymap.Build(rcs, opts)) //nolint:errcheck
}

func (s *Server) getRunningSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "runcat")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid running source id")
		return
	}
	rc, err := s.store.GetRunningSource(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (s *Server) catalogMatches(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "runcat")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid running source id")
		return
	}
	p, err := s.params(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	matches, err := s.engine.MatchNearestsInCatalogs(r.Context(), id, p)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if matches == nil {
		matches = []match.CatalogMatch{}
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) associateCatalogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "runcat")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid running source id")
		return
	}
	p, err := s.params(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	best, err := s.engine.AssociateCatalogs(r.Context(), id, p)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if best == nil {
		best = []match.CatalogMatch{}
	}
	writeJSON(w, http.StatusCreated, best)
}
