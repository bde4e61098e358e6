package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talktime_sessions_started_total",
			Help: "Total voice practice sessions started",
		},
		[]string{"identity_kind"},
	)

	SessionsStopped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talktime_sessions_stopped_total",
			Help: "Total voice practice sessions stopped",
		},
		[]string{"reason"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "talktime_active_sessions",
			Help: "Number of currently active voice sessions",
		},
	)

	SessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talktime_session_duration_seconds",
			Help:    "Voice session duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 900},
		},
	)

	// Quota metrics
	QuotaEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talktime_quota_escalations_total",
			Help: "Quota escalations raised, by kind",
		},
		[]string{"kind"},
	)

	UsageMinutesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talktime_usage_minutes_consumed_total",
			Help: "Total free practice minutes consumed",
		},
		[]string{"identity_kind"},
	)

	// Failure metrics
	TokenIssueFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "talktime_token_issue_failures_total",
			Help: "Room token issuance failures",
		},
	)

	ConnectFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "talktime_voice_connect_failures_total",
			Help: "Voice transport connect failures",
		},
	)

	PersistenceFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talktime_persistence_fallbacks_total",
			Help: "Usage store failures degraded to in-memory records",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsStarted,
		SessionsStopped,
		ActiveSessions,
		SessionDuration,
		QuotaEscalations,
		UsageMinutesConsumed,
		TokenIssueFailures,
		ConnectFailures,
		PersistenceFallbacks,
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
