// Package relay serves the enrichment relay HTTP API: it authenticates
// callers, runs the event aggregation for each requested observable and
// renders the results as CTIM entities.
package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/gti-relay/internal/ctim"
	"github.com/lvonguyen/gti-relay/internal/enrichment"
	"github.com/lvonguyen/gti-relay/internal/gti"
	"github.com/lvonguyen/gti-relay/internal/observability"
)

const maxRequestBody = 1 << 20

// EventSource aggregates the events of one observable.
type EventSource interface {
	EventsForObservable(ctx context.Context, key string, obs gti.Observable, opts enrichment.Options) ([]*gti.Event, error)
}

// HealthChecker verifies an upstream credential.
type HealthChecker interface {
	HealthCheck(ctx context.Context, key string) error
}

// Authorizer extracts the caller's credential from a request.
type Authorizer interface {
	Authenticate(r *http.Request) (*Credential, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Auth            Authorizer
	Events          EventSource
	Health          HealthChecker
	Mapper          *ctim.Mapper
	ObservableTypes map[string]string
	Version         string

	Logger  *zap.Logger
	Metrics *observability.Metrics
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	// RateLimit wraps the credentialed routes when set.
	RateLimit func(http.Handler) http.Handler
	// RequestTimeout bounds each request. Zero disables it.
	RequestTimeout time.Duration
}

// Server implements the relay endpoints.
type Server struct {
	deps      Deps
	validator *observableValidator
	logger    *zap.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps) (*Server, error) {
	if deps.Auth == nil || deps.Events == nil || deps.Health == nil || deps.Mapper == nil {
		return nil, errors.New("relay: auth, events, health and mapper are required")
	}
	validator, err := newObservableValidator()
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{deps: deps, validator: validator, logger: logger}, nil
}

// Router returns the HTTP handler serving every relay route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	if s.deps.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.deps.RequestTimeout))
	}

	r.Get("/watchdog", s.handleWatchdog)
	r.Get("/version", s.handleVersion)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if s.deps.RateLimit != nil {
			r.Use(s.deps.RateLimit)
		}
		r.Post("/health", s.handleHealth)
		r.Post("/observe/observables", s.handleObserve)
		r.Post("/refer/observables", s.handleRefer)
		r.Post("/deliberate/observables", s.handleDeliberate)
	})

	return r
}

// instrument records request metrics and a debug access log line.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(started)

		s.deps.Metrics.ObserveRequest(r.Method, route, strconv.Itoa(status), elapsed)
		s.logger.Debug("Handled request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleWatchdog(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Health-Check") == "" {
		writeError(w, s.logger, fatal(CodeHealthCheckFailed, "Invalid Health Check."), nil)
		return
	}
	writeData(w, "test")
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"version": s.deps.Version})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if err := s.deps.Health.HealthCheck(r.Context(), cred.Key); err != nil {
		writeError(w, s.logger, fromUpstream(err), nil)
		return
	}
	writeData(w, map[string]string{"status": "ok"})
}

// handleObserve aggregates events per supported observable and maps them to
// CTIM. A fatal error stops the batch; entities built for earlier
// observables are returned alongside it.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	observables, ok := s.observables(w, r)
	if !ok {
		return
	}
	cred, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	opts := enrichment.Options{
		EntitiesLimit:     cred.EntitiesLimit,
		AllowTestAccounts: cred.AllowTestAccounts,
	}

	bundle := &ctim.Bundle{}
	for _, obs := range s.supported(observables) {
		events, err := s.deps.Events.EventsForObservable(r.Context(), cred.Key, obs, opts)
		if err != nil {
			var partial any
			if !bundle.Empty() {
				partial = bundle
			}
			writeError(w, s.logger.With(zap.String("observable_type", obs.Type)), fromUpstream(err), partial)
			return
		}
		s.deps.Mapper.AddEvents(bundle, events)
	}

	writeData(w, bundle)
}

func (s *Server) handleRefer(w http.ResponseWriter, r *http.Request) {
	observables, ok := s.observables(w, r)
	if !ok {
		return
	}

	refs := []ctim.Reference{}
	for _, obs := range observables {
		if ref, ok := s.deps.Mapper.Reference(obs); ok {
			refs = append(refs, ref)
		}
	}
	writeData(w, refs)
}

// handleDeliberate reports no verdicts: ThreatINSIGHT has none to offer.
func (s *Server) handleDeliberate(w http.ResponseWriter, _ *http.Request) {
	writeData(w, struct{}{})
}

func (s *Server) observables(w http.ResponseWriter, r *http.Request) ([]gti.Observable, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, s.logger, invalidPayload(map[string][]string{"_schema": {err.Error()}}), nil)
		return nil, false
	}
	observables, perr := s.validator.Parse(body)
	if perr != nil {
		writeError(w, s.logger, perr, nil)
		return nil, false
	}
	return observables, true
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*Credential, bool) {
	cred, err := s.deps.Auth.Authenticate(r)
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = authError(err.Error())
		}
		writeError(w, s.logger, e, nil)
		return nil, false
	}
	return cred, true
}

func (s *Server) supported(observables []gti.Observable) []gti.Observable {
	out := make([]gti.Observable, 0, len(observables))
	for _, obs := range observables {
		if _, ok := s.deps.ObservableTypes[obs.Type]; ok {
			out = append(out, obs)
		}
	}
	return out
}
