// Package app wires the engine together: configuration, logging, tracing,
// storage, providers, the orchestrator and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/quorum/internal/circuitbreaker"
	"github.com/jordanhubbard/quorum/internal/consensus"
	"github.com/jordanhubbard/quorum/internal/events"
	"github.com/jordanhubbard/quorum/internal/health"
	"github.com/jordanhubbard/quorum/internal/httpapi"
	"github.com/jordanhubbard/quorum/internal/idempotency"
	"github.com/jordanhubbard/quorum/internal/logging"
	"github.com/jordanhubbard/quorum/internal/metrics"
	"github.com/jordanhubbard/quorum/internal/orchestrator"
	"github.com/jordanhubbard/quorum/internal/providers"
	"github.com/jordanhubbard/quorum/internal/providers/anthropic"
	"github.com/jordanhubbard/quorum/internal/providers/compat"
	"github.com/jordanhubbard/quorum/internal/providers/openai"
	"github.com/jordanhubbard/quorum/internal/ratelimit"
	"github.com/jordanhubbard/quorum/internal/stats"
	"github.com/jordanhubbard/quorum/internal/store"
	"github.com/jordanhubbard/quorum/internal/temporal"
	"github.com/jordanhubbard/quorum/internal/tools"
	"github.com/jordanhubbard/quorum/internal/tracing"
	"github.com/jordanhubbard/quorum/internal/vault"
	"github.com/jordanhubbard/quorum/internal/voting"
)

// Server bundles the running pieces for startup and graceful shutdown.
type Server struct {
	cfg    Config
	logger *slog.Logger

	store    store.Store
	bus      *events.Bus
	healthT  *health.Tracker
	prober   *health.Prober
	stats    *stats.Collector
	metrics  *metrics.Registry
	vault    *vault.Vault
	limiter  *ratelimit.Limiter
	temporal *temporal.Manager
	breaker  *circuitbreaker.Breaker

	Orchestrator *orchestrator.Orchestrator

	httpServer *http.Server
	traceStop  func(context.Context) error
}

// NewServer builds the full dependency graph from configuration.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	traceStop, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	st, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	bus := events.NewBus()
	m := metrics.New()
	collector := stats.NewCollector()
	healthT := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))

	v, err := vault.New(cfg.VaultEnabled)
	if err != nil {
		return nil, fmt.Errorf("vault init: %w", err)
	}
	if cfg.VaultEnabled && cfg.VaultPassword != "" {
		salt, data, err := st.LoadVaultBlob(ctx)
		if err != nil {
			return nil, fmt.Errorf("load vault blob: %w", err)
		}
		if salt != nil {
			v.SetSalt(salt)
		}
		if err := v.Unlock([]byte(cfg.VaultPassword)); err != nil {
			return nil, fmt.Errorf("vault unlock: %w", err)
		}
		if data != nil {
			if err := v.Import(data); err != nil {
				return nil, fmt.Errorf("vault import: %w", err)
			}
		}
	}

	adapters, probeTargets, err := buildAdapters(cfg, v)
	if err != nil {
		return nil, err
	}
	prober := health.NewProber(health.DefaultProberConfig(), healthT, probeTargets, logger)

	observer := func(ref string, usage providers.Usage, costUSD float64, latencyMs float64, callErr error) {
		status := "ok"
		if callErr != nil {
			status = "error"
		}
		m.ProviderCallsTotal.WithLabelValues(ref, status).Inc()
		m.ProviderLatency.WithLabelValues(ref).Observe(latencyMs)
		if costUSD > 0 {
			m.CostUSD.WithLabelValues(ref).Add(costUSD)
		}
		collector.Record(stats.Snapshot{
			ModelRef:     ref,
			LatencyMs:    latencyMs,
			CostUSD:      costUSD,
			Success:      callErr == nil,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		})
	}

	toolReg := tools.NewRegistry()

	orch := orchestrator.New(st, bus, toolReg, adapters, healthT, observer, orchestrator.Defaults{
		Protocol:  cfg.File.General.Protocol,
		MaxRounds: cfg.File.General.MaxRounds,
		Decompose: cfg.File.General.Decompose,
		Consensus: consensus.EngineConfig{
			Framings:             cfg.File.Consensus.ChallengeFramings,
			Panel:                cfg.File.Consensus.Panel,
			ProposerStrategy:     cfg.File.Consensus.ProposerStrategy,
			Proposer:             cfg.File.Consensus.Proposer,
			Challengers:          cfg.File.Consensus.Challengers,
			MinChallengers:       cfg.File.Consensus.MinChallengers,
			ConvergenceThreshold: cfg.File.Consensus.ConvergenceThreshold,
			SycophancyMarkers:    cfg.File.Consensus.SycophancyMarkers,
			ToolsEnabled:         cfg.File.Tools.Enabled,
			MaxToolRounds:        cfg.File.Tools.MaxRounds,
			MinSubtasks:          cfg.File.Decompose.MinSubtasks,
			MaxSubtasks:          cfg.File.Decompose.MaxSubtasks,
			SynthesisStrategy:    cfg.File.Decompose.Synthesis,
			ClassifyTaxonomy:     true,
		},
		Voting: voting.Config{
			Panel:       cfg.File.Consensus.Panel,
			Aggregation: cfg.File.Voting.Aggregation,
		},
		CostWarnUSD:        cfg.File.Cost.WarnThreshold,
		CostHardLimitUSD:   cfg.File.Cost.HardLimit,
		ContextTokenBudget: cfg.ContextTokenBudget,
	})

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		bus:          bus,
		healthT:      healthT,
		prober:       prober,
		stats:        collector,
		metrics:      m,
		vault:        v,
		Orchestrator: orch,
		traceStop:    traceStop,
	}

	if cfg.TemporalEnabled {
		mgr, err := temporal.New(temporal.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, &temporal.Activities{Orchestrator: orch})
		if err != nil {
			// Temporal is optional; the breaker keeps trying later.
			logger.Warn("temporal unavailable, running in-process only", slog.String("error", err.Error()))
			m.TemporalUp.Set(0)
		} else {
			s.temporal = mgr
			m.TemporalUp.Set(1)
			s.breaker = circuitbreaker.New(circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
				m.TemporalCircuitState.Set(float64(to))
				logger.Warn("temporal circuit state change",
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			}))
		}
	}

	s.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimitedTotal))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// buildAdapters constructs one adapter per configured provider. API keys come
// from the vault when it is unlocked, falling back to the configured env var.
func buildAdapters(cfg Config, v *vault.Vault) ([]providers.Adapter, []health.Probeable, error) {
	timeout := time.Duration(cfg.ProviderTimeoutSecs) * time.Second

	var adapters []providers.Adapter
	var probeables []health.Probeable
	for _, pc := range cfg.File.Providers {
		models := make([]providers.ModelInfo, len(pc.Models))
		for i, mc := range pc.Models {
			models[i] = providers.ModelInfo{
				Ref:              providers.ModelRef(pc.Name, mc.Name),
				Provider:         pc.Name,
				Name:             mc.Name,
				ContextTokens:    mc.ContextTokens,
				MaxOutputTokens:  mc.MaxOutputTokens,
				InputPerMTok:     mc.InputPerMTok,
				OutputPerMTok:    mc.OutputPerMTok,
				SupportsTools:    mc.SupportsTools,
				ProposerEligible: mc.ProposerEligible,
			}
		}

		apiKey := ""
		if v != nil && !v.IsLocked() {
			if k, err := v.Get(vault.ProviderKey(pc.Name)); err == nil {
				apiKey = k
			}
		}
		if apiKey == "" && pc.APIKeyEnv != "" {
			apiKey = os.Getenv(pc.APIKeyEnv)
		}

		var a providers.Adapter
		switch pc.Type {
		case "anthropic":
			a = anthropic.New(pc.Name, apiKey, pc.BaseURL, models, anthropic.WithTimeout(timeout))
		case "openai":
			a = openai.New(pc.Name, apiKey, pc.BaseURL, models, openai.WithTimeout(timeout))
		case "compat":
			opts := []compat.Option{compat.WithTimeout(timeout)}
			if len(pc.Endpoints) > 0 {
				opts = append(opts, compat.WithEndpoints(pc.Endpoints...))
			}
			a = compat.New(pc.Name, pc.BaseURL, models, opts...)
		default:
			return nil, nil, fmt.Errorf("provider %q: unknown type %q", pc.Name, pc.Type)
		}
		adapters = append(adapters, a)
		probeables = append(probeables, a)
	}
	if len(adapters) == 0 {
		return nil, nil, errors.New("no providers configured")
	}
	return adapters, probeables, nil
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(logging.RequestLogger(s.logger))
	r.Use(tracing.Middleware())

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", "X-Request-ID"},
	}))

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Orchestrator:     s.Orchestrator,
		Store:            s.store,
		Metrics:          s.metrics,
		Health:           s.healthT,
		EventBus:         s.bus,
		Stats:            s.stats,
		IdempotencyCache: idempotency.New(10*time.Minute, 1024),
		Temporal:         s.temporal,
		CircuitBreaker:   s.breaker,
		RateLimiter:      s.limiter,
	})
	return r
}

// Run starts the prober, the optional Temporal worker and the HTTP listener,
// blocking until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.prober.Start()
	if s.temporal != nil {
		if err := s.temporal.Start(); err != nil {
			return fmt.Errorf("temporal worker start: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", s.cfg.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	return s.Shutdown()
}

// Shutdown stops everything gracefully.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	s.prober.Stop()
	s.limiter.Stop()
	if s.temporal != nil {
		s.temporal.Stop()
	}
	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
