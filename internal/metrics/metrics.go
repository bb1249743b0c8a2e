package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection Metrics
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imapd_active_connections",
		Help: "Number of active connections by listener",
	}, []string{"listener"})

	TotalConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapd_connections_total",
		Help: "Total number of accepted connections by listener",
	}, []string{"listener"})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imapd_session_duration_seconds",
		Help:    "Lifetime of client sessions",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~43m
	})

	// Command Metrics
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapd_commands_total",
		Help: "Total IMAP commands dispatched by name and outcome",
	}, []string{"command", "status"})

	ParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imapd_parse_errors_total",
		Help: "Total client lines rejected before a tag could be trusted",
	})

	// Authentication Metrics
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapd_auth_attempts_total",
		Help: "Total AUTHENTICATE attempts by result",
	}, []string{"result"})

	ThrottledHosts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imapd_auth_throttled_hosts",
		Help: "Hosts tracked by the AUTHENTICATE failure throttle, by state",
	}, []string{"state"})

	// Error Metrics
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapd_errors_total",
		Help: "Total errors by component",
	}, []string{"component", "type"})
)

// Auth results recorded by RecordAuth.
const (
	AuthSuccess     = "success"
	AuthFailure     = "failure"
	AuthUnsupported = "unsupported_mechanism"
	AuthBadArgs     = "bad_arguments"
	AuthThrottled   = "throttled"
)

// RecordCommand records one dispatched command and its response status
// (OK, NO, BAD, or "error" for internal faults).
func RecordCommand(command, status string) {
	Commands.WithLabelValues(command, status).Inc()
}

// RecordAuth records an authentication attempt
func RecordAuth(result string) {
	AuthAttempts.WithLabelValues(result).Inc()
}

// SetThrottledHosts publishes the failure throttle's tracked and blocked
// host counts.
func SetThrottledHosts(tracked, blocked int) {
	ThrottledHosts.WithLabelValues("tracked").Set(float64(tracked))
	ThrottledHosts.WithLabelValues("blocked").Set(float64(blocked))
}

// RecordConnection records a new connection
func RecordConnection(listener string) {
	ActiveConnections.WithLabelValues(listener).Inc()
	TotalConnections.WithLabelValues(listener).Inc()
}

// ReleaseConnection records a connection closing
func ReleaseConnection(listener string, lifetime time.Duration) {
	ActiveConnections.WithLabelValues(listener).Dec()
	SessionDuration.Observe(lifetime.Seconds())
}

// RecordParseError records a malformed client line
func RecordParseError() {
	ParseErrors.Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	Errors.WithLabelValues(component, errorType).Inc()
}

// Server exposes the default registry over HTTP.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a metrics server bound to addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the HTTP handler serving /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve accepts HTTP connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
