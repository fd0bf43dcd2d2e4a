package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Enforcement metrics
	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbudget_reconciliations_total",
			Help: "Total per-resource reconciliations by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbudget_reconcile_duration_seconds",
			Help:    "Duration of a full reconciliation pass",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"trigger"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbudget_restriction_transitions_total",
			Help: "Changes of the externally visible restriction flag",
		},
		[]string{"to"},
	)

	RestrictedResources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbudget_restricted_resources",
			Help: "Number of resources restricted after the last full pass",
		},
	)

	PolicyFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbudget_policy_fallbacks_total",
			Help: "Decisions made by the built-in rule after the policy evaluator failed",
		},
	)

	// Monitor metrics
	MonitorEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbudget_monitor_events_total",
			Help: "Usage monitor events by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	UsageMinutesRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbudget_usage_minutes_recorded_total",
			Help: "Total usage minutes recorded by the monitor",
		},
	)

	// Override metrics
	OverridesGranted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbudget_overrides_granted_total",
			Help: "Total overrides granted",
		},
	)

	OverridesDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbudget_overrides_denied_total",
			Help: "Override requests that did not result in a grant",
		},
		[]string{"reason"},
	)

	// Store metrics
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbudget_store_errors_total",
			Help: "Shared store operations that failed",
		},
		[]string{"component"},
	)

	// DNS sinkhole metrics
	DNSQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbudget_dns_queries_total",
			Help: "Total DNS queries received by the sinkhole",
		},
		[]string{"action", "query_type"},
	)

	DNSUpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbudget_dns_upstream_errors_total",
			Help: "DNS upstream query errors",
		},
		[]string{"upstream"},
	)

	// Event publishing
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbudget_events_published_total",
			Help: "Notifications published by subject and outcome",
		},
		[]string{"subject", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		ReconciliationsTotal,
		ReconcileDuration,
		TransitionsTotal,
		RestrictedResources,
		PolicyFallbacks,
		MonitorEventsTotal,
		UsageMinutesRecorded,
		OverridesGranted,
		OverridesDenied,
		StoreErrors,
		DNSQueriesTotal,
		DNSUpstreamErrors,
		EventsPublished,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
