package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/avvvet/imagechat/internal/config"
	"github.com/avvvet/imagechat/internal/dispatch"
	"github.com/avvvet/imagechat/internal/handlers"
	"github.com/avvvet/imagechat/internal/llm"
	"github.com/avvvet/imagechat/internal/memory"
	"github.com/avvvet/imagechat/internal/storage"
	"github.com/avvvet/imagechat/internal/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume turns from NATS and answer them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(true)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("provider", cfg.LLMProvider).
		Str("model", cfg.ModelName).
		Str("sessions", cfg.SessionBackend).
		Str("nats_url", cfg.NatsURL).
		Str("subject", cfg.NatsRequestSubject).
		Int("retention_days", cfg.RetentionDays).
		Msg("starting imagechat")

	store, err := storage.New(cfg.DataDir,
		storage.WithLogger(log.With().Str("component", "storage").Logger()),
		storage.WithMaxMessages(cfg.MaxMessages),
	)
	if err != nil {
		return err
	}

	sessions, err := newSessions(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := sessions.Close(); err != nil {
			log.Warn().Err(err).Msg("closing session store")
		}
	}()

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}
	opts := []llm.Option{
		llm.WithWorkers(cfg.ModelWorkers),
		llm.WithAttemptTimeout(cfg.ModelTimeout),
		llm.WithRetryPolicy(llm.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			Delay:       cfg.RetryDelay,
			Retryable:   llm.IsRetryable,
		}),
		llm.WithLogger(log.With().Str("component", "llm").Logger()),
	}
	if cfg.SystemPrompt != "" {
		opts = append(opts, llm.WithSystemPrompt(cfg.SystemPrompt))
	}
	client := llm.NewClient(provider, opts...)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	handler := handlers.NewDialogHandler(store, sessions, client, handlers.Config{
		RetentionDays: cfg.RetentionDays,
		PruneInterval: cfg.PruneInterval,
		Admins:        cfg.AdminChatIDs,
		Location:      loc,
	}, log.With().Str("component", "handler").Logger())

	exec := dispatch.New(dispatch.Config{
		Shards:         cfg.DispatchShards,
		QueueSize:      cfg.DispatchQueueSize,
		EnqueueTimeout: cfg.DispatchEnqueueTimeout,
	}, log.With().Str("component", "dispatch").Logger())

	nt, err := transport.NewNATSTransport(cfg, handler, exec, log.With().Str("component", "transport").Logger())
	if err != nil {
		exec.Stop()
		return err
	}
	if err := nt.Start(); err != nil {
		exec.Stop()
		_ = nt.Close()
		return err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = startMetrics(cfg.MetricsAddr, log)
	}

	log.Info().Str("subject", cfg.NatsRequestSubject).Msg("imagechat is running")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// Stop intake, let queued turns reply, then drop the connection.
	nt.Stop()
	exec.Stop()
	_ = nt.Close()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}

	if n, err := sessions.Count(context.Background()); err == nil {
		log.Info().Int("sessions", n).Msg("final session count")
	}
	log.Info().Msg("imagechat stopped")
	return nil
}

func newSessions(cfg *config.Config, log zerolog.Logger) (*memory.Manager, error) {
	l := log.With().Str("component", "sessions").Logger()
	switch cfg.SessionBackend {
	case config.BackendRedis:
		// Keys outlive the idle window a little; freshness is checked on load.
		ttl := cfg.IdleTimeout() + time.Minute
		if cfg.IdleTimeout() <= 0 {
			ttl = 0
		}
		rs, err := memory.NewRedisStore(cfg.RedisURL, ttl)
		if err != nil {
			return nil, err
		}
		l.Info().Msg("redis session store connected")
		return memory.NewManager(rs, cfg.IdleTimeout(), memory.WithLogger(l)), nil
	default:
		return memory.NewManager(memory.NewMemoryStore(cfg.DispatchShards), cfg.IdleTimeout(), memory.WithLogger(l)), nil
	}
}

func newProvider(ctx context.Context, cfg *config.Config) (llm.Provider, error) {
	switch cfg.LLMProvider {
	case config.ProviderGoogleAI:
		return llm.NewGoogleAIProvider(ctx, cfg.GeminiAPIKey, cfg.ModelName)
	case config.ProviderOpenAI:
		return llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.ModelName)
	}
	return nil, errors.Errorf("unsupported LLM_PROVIDER: %s", cfg.LLMProvider)
}

func startMetrics(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
