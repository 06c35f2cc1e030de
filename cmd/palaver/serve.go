package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/palaverhq/palaver/internal/access"
	"github.com/palaverhq/palaver/internal/agent"
	"github.com/palaverhq/palaver/internal/agent/providers"
	"github.com/palaverhq/palaver/internal/auth"
	"github.com/palaverhq/palaver/internal/config"
	"github.com/palaverhq/palaver/internal/gateway"
	"github.com/palaverhq/palaver/internal/infra"
	"github.com/palaverhq/palaver/internal/mediator"
	"github.com/palaverhq/palaver/internal/observability"
	"github.com/palaverhq/palaver/internal/orchestrator"
	"github.com/palaverhq/palaver/internal/protocol"
	"github.com/palaverhq/palaver/internal/ratelimit"
	"github.com/palaverhq/palaver/internal/storage"
	"github.com/palaverhq/palaver/pkg/models"
)

// buildServeCmd creates the "serve" command that starts the agent host.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Palaver agent host",
		Long: `Start the agent host with the configured storage backend, LLM
provider, and tool service. The WebSocket endpoint, health check, and
Prometheus metrics are served over HTTP.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  palaver serve

  # Start with custom config and debug logging
  palaver serve --config /etc/palaver/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "palaver.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe wires every component and runs until a shutdown signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	logger.Info("starting palaver",
		"version", version,
		"commit", commit,
		"config", configPath,
		"storage", cfg.Storage.Driver,
		"llm_provider", cfg.LLM.DefaultProvider,
	)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Endpoint:       tracingEndpoint(cfg),
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	stores, err := buildStores(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = stores.Close() }()

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	verifier := auth.NewVerifier(auth.VerifierConfig{
		JWKSURL:          cfg.Auth.JWKSURL,
		VerifyIssuer:     cfg.Auth.VerifyIssuer,
		ExpectedIssuer:   cfg.Auth.ExpectedIssuer,
		VerifyAudience:   cfg.Auth.VerifyAudience,
		ExpectedAudience: cfg.Auth.ExpectedAudience,
	}, logger)

	tokens := auth.NewTokenCache(auth.TokenCacheConfig{
		TokenURL:                cfg.Auth.TokenExchange.TokenURL,
		ClientID:                cfg.Auth.TokenExchange.ClientID,
		ClientSecret:            cfg.Auth.TokenExchange.ClientSecret,
		BufferSeconds:           cfg.Auth.TokenExchange.CacheBufferSeconds,
		BreakerFailureThreshold: cfg.Auth.TokenExchange.BreakerFailureThreshold,
		BreakerRecoveryTimeout:  cfg.Auth.TokenExchange.BreakerRecoveryTimeout(),
		OnBreakerEvent: func(ev infra.CircuitEvent) {
			metrics.SetBreakerState(ev.Name, breakerStateValue(ev.To))
		},
	}, logger)

	resolver := access.NewResolver(stores.Policies, access.ResolverConfig{
		CacheTTL: cfg.Access.CacheTTL(),
	}, logger)

	dispatcher := mediator.New(logger)
	if err := mediator.NewConversationHandlers(stores.Conversations, logger).Register(dispatcher); err != nil {
		return fmt.Errorf("failed to register command handlers: %w", err)
	}

	executor := agent.NewHTTPToolExecutor(agent.HTTPToolExecutorConfig{
		BaseURL: cfg.Tools.BaseURL,
		Timeout: cfg.Tools.Timeout(),
	})
	loop := agent.NewLoop(provider, agent.LoopConfig{
		MaxIterations:            cfg.Agent.MaxIterations,
		MaxToolCallsPerIteration: cfg.Agent.MaxToolCallsPerIteration,
		MaxWallTime:              cfg.Agent.Timeout(),
		MaxTokens:                cfg.Agent.MaxTokens,
		StopOnError:              cfg.Agent.StopOnError,
		MaxRetries:               cfg.Agent.MaxRetries,
	}, logger)

	manager := gateway.NewManager(gateway.ManagerConfig{
		PingInterval:   cfg.Gateway.PingInterval(),
		MaxMissedPongs: cfg.Gateway.MaxMissedPongs,
	}, logger)
	sender := gateway.NewSender(manager, gateway.SenderConfig{ChunkSize: cfg.Gateway.ChunkSize})

	router := gateway.NewRouter(func(conn *gateway.Connection, conversationID string, ep *protocol.ErrorPayload) {
		metrics.RecordError("router", ep.Code)
		_ = sender.SendError(conn.ID, conversationID, ep)
	}, logger)

	orch := orchestrator.New(orchestrator.Options{
		Dispatcher: dispatcher,
		Sender:     sender,
		Runner:     loop,
		Provider:   provider,
		Executor:   executor,
		Tools:      executor,
		Access:     resolver,
		Stores:     stores,
		Scorer:     orchestrator.NewScorer(provider, cfg.LLM.DefaultModel, logger),
		Timeline:   observability.NewTimeline(0),
		Config:     orchestrator.Config{DefaultModel: cfg.LLM.DefaultModel},
		Logger:     logger,
	})

	router.Use(messageMetricsMiddleware(metrics))
	router.Use(gateway.RateLimitMiddleware(ratelimit.NewLimiter(cfg.RateLimit)))
	router.Use(gateway.StateGuardMiddleware(orch.Registry()))
	orch.Register(router)

	wsServer := gateway.NewServer(gateway.DefaultServerConfig(), manager, router, sender,
		verifier, conversationLoader{stores.Conversations}, logger)
	wsServer.OnAccept(func(ctx context.Context, conn *gateway.Connection, claims *auth.Claims, conversationID string) {
		metrics.ConnectionOpened()
		ctx = observability.WithConnectionID(ctx, conn.ID)
		ctx = observability.WithUserID(ctx, claims.Subject)

		if cfg.Auth.TokenExchange.TokenURL != "" {
			token, err := tokens.ExchangeUserToken(ctx, claims.RawToken, cfg.Auth.TokenExchange.Audience)
			if err != nil {
				logger.WarnContext(ctx, "token exchange failed", "error", err)
				_ = sender.SendError(conn.ID, conversationID, protocol.UpstreamUnavailable("token exchange failed"))
			} else {
				conn.SetAccessToken(token.Value)
			}
		}

		if conversationID == "" {
			return
		}
		if err := orch.BindConnection(ctx, conn, conversationID, claims); err != nil {
			logger.WarnContext(ctx, "conversation bind failed",
				"conversation", conversationID, "error", err)
			ep := protocol.HandlerError("failed to bind conversation")
			if errors.Is(err, storage.ErrNotFound) {
				ep = &protocol.ErrorPayload{
					Category: protocol.CategoryBusiness,
					Code:     protocol.CodeMessageError,
					Message:  "conversation not found",
				}
			}
			_ = sender.SendError(conn.ID, conversationID, ep)
		}
	})
	manager.OnClose(func(conn *gateway.Connection) {
		metrics.ConnectionClosed()
		orch.Unbind(conn.ID)
	})

	mux := http.NewServeMux()
	wsServer.Register(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"version":     version,
			"connections": manager.Count(),
		})
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: cfg.Server.Addr(), Handler: mux}
	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr(), Handler: metricsMux}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("palaver started",
		"addr", cfg.Server.Addr(),
		"metrics_addr", cfg.Server.MetricsAddr(),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	manager.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}

// buildStores opens the configured storage backend.
func buildStores(cfg *config.Config) (storage.StoreSet, error) {
	if cfg.Storage.Driver == "memory" {
		set, _ := storage.NewMemoryStoreSet()
		return set, nil
	}
	return storage.NewSQLiteStoreSet(storage.SQLiteConfig{Path: cfg.Storage.Path})
}

// buildProvider selects the configured LLM provider.
func buildProvider(cfg *config.Config) (agent.Provider, error) {
	settings := cfg.LLM.Providers[cfg.LLM.DefaultProvider]
	switch cfg.LLM.DefaultProvider {
	case "openai":
		return providers.NewOpenAIProvider(settings.APIKey), nil
	case "anthropic":
		return providers.NewAnthropicProvider(settings.APIKey, settings.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.DefaultProvider)
	}
}

func tracingEndpoint(cfg *config.Config) string {
	if !cfg.Observability.TracingEnabled {
		return ""
	}
	return cfg.Observability.OTLPEndpoint
}

func breakerStateValue(state infra.CircuitState) float64 {
	switch state {
	case infra.CircuitOpen:
		return 1
	case infra.CircuitHalfOpen:
		return 2
	default:
		return 0
	}
}

// messageMetricsMiddleware counts routed messages and rate-limit refusals.
func messageMetricsMiddleware(metrics *observability.Metrics) gateway.Middleware {
	return func(ctx context.Context, conn *gateway.Connection, env *protocol.Envelope, next gateway.Handler) error {
		metrics.MessageReceived(string(env.Type))
		err := next(ctx, conn, env)
		var ep *protocol.ErrorPayload
		if errors.As(err, &ep) && ep.Code == protocol.CodeRateLimitExceeded {
			metrics.RateLimited(string(env.Type))
		}
		return err
	}
}

// conversationLoader adapts the conversation store to the gateway's
// resume lookup.
type conversationLoader struct {
	store storage.ConversationStore
}

func (l conversationLoader) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return l.store.Get(ctx, id)
}
