// Package websvc exposes the admission pipeline over HTTP: the hardened
// redirect endpoint and the diagnostic API.
package websvc

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/gorilla/mux"
	"github.com/linkgate/linkgate/internal/admission"
	"github.com/linkgate/linkgate/internal/geoip"
	"github.com/linkgate/linkgate/internal/headerscore"
	"github.com/linkgate/linkgate/internal/policy"
	"github.com/linkgate/linkgate/internal/ratelimit"
	"github.com/linkgate/linkgate/internal/stats"
)

// hdrVisitorIP carries the real visitor address when the service runs behind
// a trusted proxy.
const hdrVisitorIP = "X-Visitor-IP"

// readHeaderTimeout is the timeout for reading request headers.
const readHeaderTimeout = 60 * time.Second

// RateQuota is a fixed-window request budget.
type RateQuota struct {
	// Window is the counting window.
	Window time.Duration

	// Requests is the number of requests admitted per window.
	Requests int
}

// Config is the configuration for [New].
type Config struct {
	// Logger is used for request and error logging.  It must not be nil.
	Logger *slog.Logger

	// Policies resolves shortlink keys to policies.  It must not be nil.
	Policies policy.Provider

	// Pipeline is the admission check chain.  It must not be nil.
	Pipeline *admission.Pipeline

	// Resolver provides geo and ASN data for visitor addresses.  It must not
	// be nil.
	Resolver geoip.Resolver

	// Scorer scores request headers for the whoami endpoint.  It must not be
	// nil.
	Scorer *headerscore.Scorer

	// Limiter gates requests per visitor address.  It must not be nil.
	Limiter ratelimit.Limiter

	// Metrics collects decision counters.  It must not be nil.
	Metrics *stats.Metrics

	// ListenAddr is the TCP address to serve on.
	ListenAddr string

	// RedirectQuota is the budget for the redirect endpoint.
	RedirectQuota RateQuota

	// CheckQuota is the budget for the diagnostic check endpoint.
	CheckQuota RateQuota
}

// Service is the HTTP front of the gateway.
type Service struct {
	logger        *slog.Logger
	policies      policy.Provider
	pipeline      *admission.Pipeline
	resolver      geoip.Resolver
	scorer        *headerscore.Scorer
	limiter       ratelimit.Limiter
	metrics       *stats.Metrics
	srv           *http.Server
	redirectQuota RateQuota
	checkQuota    RateQuota
}

// New creates a web service.  c must be valid.
func New(c *Config) (s *Service) {
	s = &Service{
		logger:        c.Logger,
		policies:      c.Policies,
		pipeline:      c.Pipeline,
		resolver:      c.Resolver,
		scorer:        c.Scorer,
		limiter:       c.Limiter,
		metrics:       c.Metrics,
		redirectQuota: c.RedirectQuota,
		checkQuota:    c.CheckQuota,
	}

	r := mux.NewRouter()
	r.Use(s.recoverPanic, s.logRequest)
	r.HandleFunc("/e/{key}", s.handleRedirect).Methods(http.MethodGet)
	r.HandleFunc("/api/check/{key}", s.handleCheck).Methods(http.MethodGet)
	r.HandleFunc("/api/whoami/{ip}", s.handleWhoami).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              c.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Handler returns the service's root handler.
func (s *Service) Handler() (h http.Handler) {
	return s.srv.Handler
}

// Start binds the listener and begins serving in a background goroutine.  It
// returns once the listener is bound.
func (s *Service) Start(ctx context.Context) (err error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.Annotate(err, "binding %s: %w", s.srv.Addr)
	}

	s.logger.InfoContext(ctx, "listening", "addr", ln.Addr())

	go func() {
		defer slogutil.RecoverAndLog(ctx, s.logger)

		serveErr := s.srv.Serve(ln)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.ErrorContext(ctx, "serving", slogutil.KeyError, serveErr)
		}
	}()

	return nil
}

// Shutdown stops the server, waiting for in-flight requests to complete or
// ctx to expire.
func (s *Service) Shutdown(ctx context.Context) (err error) {
	return s.srv.Shutdown(ctx)
}

// recoverPanic is a middleware converting handler panics into plain 500
// responses.
func (s *Service) recoverPanic(next http.Handler) (h http.Handler) {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}

			s.logger.ErrorContext(
				r.Context(),
				"handler panic",
				"path", r.URL.Path,
				"value", v,
			)

			http.Error(
				w,
				http.StatusText(http.StatusInternalServerError),
				http.StatusInternalServerError,
			)
		}()

		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the response status for request logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader implements the [http.ResponseWriter] interface for
// *statusWriter.
func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// logRequest is a middleware logging one line per request.
func (s *Service) logRequest(next http.Handler) (h http.Handler) {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r)

		s.logger.DebugContext(
			r.Context(),
			"request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"elapsed", time.Since(start),
		)
	})
}
