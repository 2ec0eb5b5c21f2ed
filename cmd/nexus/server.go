package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/grafbase/nexus/api"
	"github.com/grafbase/nexus/config"
	"github.com/grafbase/nexus/internal/metrics"
	"github.com/grafbase/nexus/internal/server"
	"github.com/grafbase/nexus/llm"
	"github.com/grafbase/nexus/mcp"
	"github.com/grafbase/nexus/ratelimit"
)

// defaultMemoryStoreKeys bounds the in-process rate-limit store when no
// Redis backend is configured, per spec §9's "single-process deployments
// are expected to cap working-set size" guidance.
const defaultMemoryStoreKeys = 100_000

// Server owns the full Nexus process lifecycle: provider discovery, MCP
// federation, and the two listeners (public HTTP, metrics). Grounded on
// the teacher's cmd/agentflow/server.go Server, trimmed of the hot-reload
// manager and database wiring the teacher carries for its own config API
// and API-key store — neither has a SPEC_FULL.md analogue.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	router     *llm.Router
	federation *mcp.Federation
	limiter    *ratelimit.Limiter
	collector  *metrics.Collector

	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer wires the routing, federation, and rate-limit layers from cfg
// but does not yet open any listener or contact any upstream.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	specs, err := llm.BuildProviderSpecs(context.Background(), cfg.LLM.Providers, logger)
	if err != nil {
		return nil, fmt.Errorf("building provider specs: %w", err)
	}
	router := llm.NewRouter(specs, logger)

	store, err := buildRateLimitStore(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("building rate-limit store: %w", err)
	}
	collector := metrics.NewCollector("nexus")
	limiter := ratelimit.NewLimiter(store, collector)

	federation := mcp.NewFederation(limiter, logger)

	return &Server{
		cfg: cfg, logger: logger,
		router: router, federation: federation, limiter: limiter, collector: collector,
	}, nil
}

func buildRateLimitStore(cfg config.HTTPRateLimitConfig) (ratelimit.Store, error) {
	switch cfg.Backend {
	case "redis":
		if cfg.Redis == nil {
			return nil, fmt.Errorf("rate_limit.backend is redis but rate_limit.redis is unset")
		}
		return ratelimit.NewRedisStore(ratelimit.RedisStoreConfig{
			Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix, PoolSize: cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout, PoolWaitTimeout: cfg.Redis.PoolWaitTimeout,
			ConnMaxLifetime: cfg.Redis.ConnMaxLifetime, OpTimeout: cfg.Redis.OpTimeout,
		}), nil
	default:
		return ratelimit.NewMemoryStore(defaultMemoryStoreKeys), nil
	}
}

// Start performs spec §3's Lifecycle in order: discover upstream models,
// connect downstream MCP servers, then open the two listeners. Discovery
// failure is fatal (a misconfigured provider means Nexus cannot route
// anything); a downstream MCP server failing to connect is logged and
// skipped by mcp.Federation.Start itself, not fatal here.
func (s *Server) Start() error {
	ctx := context.Background()

	if err := s.router.DiscoverAll(ctx); err != nil {
		return fmt.Errorf("initial model discovery: %w", err)
	}
	s.router.StartBackgroundRefresh(ctx)

	s.federation.Start(ctx, s.cfg.MCP)

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("starting http server: %w", err)
	}
	if s.cfg.Server.MetricsListen != "" {
		if err := s.startMetricsServer(); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
	}

	s.logger.Info("nexus started",
		zap.String("listen", s.cfg.Server.Listen),
		zap.String("metrics_listen", s.cfg.Server.MetricsListen),
	)
	return nil
}

func (s *Server) startHTTPServer() error {
	handler := api.NewServer(s.cfg, s.router, s.federation, s.limiter, s.collector, s.logger)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            s.cfg.Server.Listen,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            s.cfg.Server.MetricsListen,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// WaitForShutdown blocks for SIGINT/SIGTERM (delegated to the HTTP
// manager, which owns the signal handling), then drains both listeners
// and closes every downstream MCP session.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

func (s *Server) Shutdown() {
	s.logger.Info("shutting down")

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(context.Background()); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	s.router.Stop()
	if err := s.federation.Close(); err != nil {
		s.logger.Error("mcp federation close error", zap.Error(err))
	}
}
