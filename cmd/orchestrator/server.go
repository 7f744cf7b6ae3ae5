package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/api/handlers"
	"github.com/deepresearch/orchestrator/config"
	"github.com/deepresearch/orchestrator/internal/metrics"
	"github.com/deepresearch/orchestrator/internal/server"
	"github.com/deepresearch/orchestrator/internal/telemetry"
	"github.com/deepresearch/orchestrator/lang"
	"github.com/deepresearch/orchestrator/llm"
	"github.com/deepresearch/orchestrator/llm/providers/local"
	"github.com/deepresearch/orchestrator/llm/providers/openaicompat"
	"github.com/deepresearch/orchestrator/progressbus"
	"github.com/deepresearch/orchestrator/scheduler"
	"github.com/deepresearch/orchestrator/search"
	"github.com/deepresearch/orchestrator/store"
	"github.com/deepresearch/orchestrator/workflow"
)

// defaultRateLimitRPS and defaultRateLimitBurst bound per-IP request rate on
// the HTTP surface. A research session involves a handful of calls
// (initiate, poll status, fetch report) rather than high-frequency
// polling, so these are generous rather than tuned.
const (
	defaultRateLimitRPS   = 20
	defaultRateLimitBurst = 40
)

// Server wires the session store, LLM Gateway, Search Gateway, Prompt
// Registry, Scheduler, Progress Bus, and workflow Engine into the external
// HTTP surface, and owns their lifecycle.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Providers

	store store.Store

	httpManager    *server.Manager
	metricsManager *server.Manager

	metricsCollector *metrics.Collector
}

// NewServer constructs a Server from cfg. It only records cfg, logger and
// the telemetry providers; Start builds the dependencies.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) (*Server, error) {
	return &Server{cfg: cfg, logger: logger, telemetry: otelProviders}, nil
}

// Start builds every dependency and starts both the HTTP and metrics
// listeners, non-blocking.
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("orchestrator", s.logger)

	st, err := openStore(s.cfg.Store, s.metricsCollector)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	s.store = st

	gateway := buildLLMGateway(s.cfg.LLM, s.logger, s.metricsCollector)
	searchGateway := buildSearchGateway(s.cfg.Search, s.logger, s.metricsCollector)

	registry, err := lang.NewRegistry(nil)
	if err != nil {
		return fmt.Errorf("build prompt registry: %w", err)
	}

	sched := scheduler.NewScheduler(
		scheduler.MaxConcurrency,
		time.Duration(s.cfg.Engine.SlotTimeoutMS)*time.Millisecond,
		s.logger,
		s.metricsCollector,
	)

	bus := progressbus.NewBus(s.cfg.Engine.ProgressBufferSize)

	engine := workflow.NewEngine(workflow.Dependencies{
		Store:             s.store,
		LLM:               gateway,
		Search:            searchGateway,
		Prompts:           registry,
		Scheduler:         sched,
		Bus:               bus,
		Logger:            s.logger,
		Model:             s.cfg.LLM.Model,
		ContentTruncation: s.cfg.Engine.ContentTruncation,
		Metrics:           s.metricsCollector,
	})

	if err := s.startHTTPServer(st, gateway, searchGateway, engine, bus); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.String("http_addr", s.cfg.Server.Addr),
		zap.String("metrics_addr", s.cfg.Server.MetricsAddr),
	)
	return nil
}

func (s *Server) startHTTPServer(st store.Store, gateway *llm.Gateway, searchGateway *search.Gateway, engine *workflow.Engine, bus *progressbus.Bus) error {
	mux := http.NewServeMux()

	researchHandler := handlers.NewResearchHandler(st, engine, s.logger)
	healthHandler := handlers.NewHealthHandler(gateway, searchGateway, s.logger)
	eventHandler := progressbus.NewHandler(bus, s.logger, func(r *http.Request) string {
		return r.PathValue("id")
	})

	mux.HandleFunc("/healthz", healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", healthHandler.HandleReady)

	mux.HandleFunc("POST /v1/sessions", researchHandler.HandleInitiate)
	mux.HandleFunc("GET /v1/sessions", researchHandler.HandleList)
	mux.HandleFunc("GET /v1/sessions/{id}", researchHandler.HandleStatus)
	mux.HandleFunc("GET /v1/sessions/{id}/report", researchHandler.HandleReport)
	mux.HandleFunc("DELETE /v1/sessions/{id}", researchHandler.HandleDelete)
	mux.HandleFunc("GET /v1/sessions/{id}/events", eventHandler.ServeHTTP)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.CORS.Origins),
		RateLimiter(context.Background(), defaultRateLimitRPS, defaultRateLimitBurst, s.logger),
		RequestID(),
		SecurityHeaders(),
	)

	serverConfig := server.Config{
		Addr:            s.cfg.Server.Addr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("http server started", zap.String("addr", s.cfg.Server.Addr))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            s.cfg.Server.MetricsAddr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("metrics server started", zap.String("addr", s.cfg.Server.MetricsAddr))
	return nil
}

// WaitForShutdown blocks until an OS signal arrives, then shuts down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the HTTP server, then the metrics server, then closes the
// session store and shuts down telemetry.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx := context.Background()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("http server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store shutdown error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}

// openStore dispatches on cfg.URL's scheme to the matching Store
// implementation: file:// for FileStore, postgres://|mysql://|sqlite:// for
// SQLStore, mongodb:// for MongoStore.
func openStore(cfg config.StoreConfig, collector *metrics.Collector) (store.Store, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse store.url: %w", err)
	}

	switch u.Scheme {
	case "file", "":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		return store.NewFileStore(path)
	case "postgres", "postgresql":
		return store.NewSQLStore(store.DialectPostgres, cfg.URL, collector)
	case "mysql":
		return store.NewSQLStore(store.DialectMySQL, cfg.URL, collector)
	case "sqlite":
		return store.NewSQLStore(store.DialectSQLite, strings.TrimPrefix(cfg.URL, "sqlite://"), collector)
	case "mongodb", "mongodb+srv":
		return store.NewMongoStore(context.Background(), cfg.URL, "orchestrator")
	default:
		return nil, fmt.Errorf("unsupported store.url scheme %q", u.Scheme)
	}
}

// buildLLMGateway wires the configured provider family into the LLM
// Gateway's fallback chain. ProviderHybrid chains the local endpoint ahead
// of the hosted OpenAI-compatible one, so a local outage falls back to the
// hosted endpoint. cfg.PerStageOverride is not read: every stage uses the
// same chain.
func buildLLMGateway(cfg config.LLMConfig, logger *zap.Logger, collector *metrics.Collector) *llm.Gateway {
	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	localProvider := func() llm.Provider {
		return local.New(local.Config{
			BaseURL: cfg.Endpoints["local"],
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		}, logger)
	}
	hostedProvider := func() llm.Provider {
		return openaicompat.New(openaicompat.Config{
			ProviderName: "openai-compatible",
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.Endpoints["openai-compatible"],
			DefaultModel: cfg.Model,
			Timeout:      timeout,
		}, logger)
	}

	var chain []llm.Provider
	switch cfg.Provider {
	case config.ProviderOpenAICompat:
		chain = []llm.Provider{hostedProvider()}
	case config.ProviderHybrid:
		chain = []llm.Provider{localProvider(), hostedProvider()}
	default:
		chain = []llm.Provider{localProvider()}
	}

	return llm.NewGateway(logger, chain, nil, llm.WithMetrics(collector))
}

// buildSearchGateway wires an HTTP search provider when both cfg.BaseURL
// and cfg.APIKey are set; otherwise the gateway runs with no provider,
// permanently degraded per the Search Gateway's contract.
func buildSearchGateway(cfg config.SearchConfig, logger *zap.Logger, collector *metrics.Collector) *search.Gateway {
	var provider search.Provider
	if cfg.BaseURL != "" && cfg.APIKey != "" {
		provider = search.NewHTTPProvider(search.HTTPProviderConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
		})
	}

	gatewayCfg := search.DefaultGatewayConfig()
	if cfg.MaxResults > 0 {
		gatewayCfg.MaxResults = cfg.MaxResults
	}
	gatewayCfg.RedisAddr = cfg.RedisAddr

	return search.NewGateway(provider, gatewayCfg, logger, search.WithMetrics(collector))
}
