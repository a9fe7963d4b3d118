package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Service is the relay gateway: WebSocket signalling between players plus
// presence queries over HTTP.
type Service struct {
	config            Config
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	presenceHandler   *PresenceHandler
	presence          PresenceStore
	bus               Bus
	metrics           MetricsCollector
	gatherer          prometheus.Gatherer
	clock             clockwork.Clock
}

// Config holds configuration for the relay gateway
type Config struct {
	// InstanceID names this gateway on the bus. Generated when empty.
	InstanceID        string
	ConnectionConfig  ConnectionConfig
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	AllowedOrigins    []string
}

// DefaultConfig returns default configuration for the relay gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig:  DefaultConnectionConfig(),
		InactivityTimeout: 5 * time.Minute,
		SweepInterval:     time.Minute,
		AllowedOrigins:    []string{"*"},
	}
}

// Option configures a Service.
type Option func(*Service)

// WithPresence replaces the in-memory presence store.
func WithPresence(p PresenceStore) Option {
	return func(s *Service) {
		s.presence = p
	}
}

// WithBus connects the gateway to other instances.
func WithBus(b Bus) Option {
	return func(s *Service) {
		s.bus = b
	}
}

// WithMetrics records relay metrics and serves gatherer on /metrics.
func WithMetrics(m MetricsCollector, gatherer prometheus.Gatherer) Option {
	return func(s *Service) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithClock replaces the real clock, mostly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// NewService creates a new relay gateway service
func NewService(config Config, opts ...Option) *Service {
	if config.InstanceID == "" {
		config.InstanceID = uuid.New().String()[:8]
	}
	if config.InactivityTimeout <= 0 {
		config.InactivityTimeout = DefaultConfig().InactivityTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}

	s := &Service{
		config:   config,
		presence: NewMemoryPresence(),
		bus:      NopBus{},
		metrics:  NoOpMetricsCollector{},
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.connectionManager = NewConnectionManager(config.InstanceID, config.ConnectionConfig, s.presence, s.bus, s.metrics, s.clock)
	s.wsHandler = NewWebSocketHandler(s.connectionManager)
	s.presenceHandler = NewPresenceHandler(s)
	return s
}

// Start subscribes to the bus and sweeps inactive users until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	log.Info().
		Str("instance", s.config.InstanceID).
		Dur("inactivity_timeout", s.config.InactivityTimeout).
		Msg("starting relay gateway service")

	if err := s.bus.Subscribe(s.config.InstanceID, s.connectionManager.deliverRemote); err != nil {
		return fmt.Errorf("subscribe to bus: %w", err)
	}

	ticker := s.clock.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("instance", s.config.InstanceID).Msg("relay gateway service shutting down")
			return s.Stop()
		case <-ticker.Chan():
			if _, err := s.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("presence sweep failed")
			}
		}
	}
}

// Stop releases the bus
func (s *Service) Stop() error {
	if err := s.bus.Close(); err != nil {
		return fmt.Errorf("close bus: %w", err)
	}
	log.Info().Msg("relay gateway service stopped")
	return nil
}

// Sweep drops users not seen within the inactivity timeout.
func (s *Service) Sweep(ctx context.Context) ([]string, error) {
	start := s.clock.Now()
	removed, err := s.presence.Sweep(ctx, start.Add(-s.config.InactivityTimeout))
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSweep(len(removed), s.clock.Since(start))
	if len(removed) > 0 {
		log.Info().Strs("users", removed).Msg("dropped inactive users")
	}
	return removed, nil
}

func (s *Service) onlineUsers(ctx context.Context) ([]string, error) {
	if _, err := s.Sweep(ctx); err != nil {
		return nil, err
	}
	users, err := s.presence.Online(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.SetActiveUsers(len(users))
	return users, nil
}

// RegisterRoutes registers the WebSocket and presence HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.presenceHandler.RegisterPresenceRoutes(mux)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	log.Info().Msg("relay gateway routes registered")
}

// Handler returns every route wrapped with CORS and HTTP/2 cleartext support.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "relay_gateway"
	stats["status"] = "running"
	return stats
}
