// Package main is the entry point for the sync API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/internal/chat"
	"github.com/aseriousbiz/abbot-web-sub006/internal/config"
	"github.com/aseriousbiz/abbot-web-sub006/internal/handler"
	"github.com/aseriousbiz/abbot-web-sub006/internal/jobs"
	"github.com/aseriousbiz/abbot-web-sub006/internal/llm"
	"github.com/aseriousbiz/abbot-web-sub006/internal/lock"
	natsclient "github.com/aseriousbiz/abbot-web-sub006/internal/nats"
	"github.com/aseriousbiz/abbot-web-sub006/internal/richtext"
	"github.com/aseriousbiz/abbot-web-sub006/internal/service"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
	"github.com/aseriousbiz/abbot-web-sub006/internal/zendesk"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting sync server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "abbot-sync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	checks := map[string]handler.Check{}

	// Storage
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.DB().Close()
		if err := store.Migrate(pg.DB().DB); err != nil {
			return err
		}
		st = pg
		checks["postgres"] = pg.Ping
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}

	// Per-ticket lock
	var locker lock.Locker
	if cfg.RedisURL != "" {
		rl, err := lock.NewRedis(ctx, cfg.RedisURL, 2*cfg.SyncLockTimeout+time.Minute)
		if err != nil {
			return err
		}
		defer rl.Close()
		locker = rl
		checks["redis"] = rl.Ping
	} else {
		locker = lock.NewMemory()
	}

	// Event publishing and the job queue
	var (
		publisher service.EventPublisher
		events    handler.EventReader
		enqueuer  jobs.Enqueuer
		runJobs   func(ctx context.Context, d *jobs.Dispatcher) error
	)
	if cfg.NATSEnabled {
		nc, err := natsclient.Connect(ctx, natsclient.ConfigFrom(cfg, "abbot-sync"), log)
		if err != nil {
			return err
		}
		defer nc.Close()
		checks["nats"] = nc.Ping

		streams := natsclient.NewStreamManager(nc)
		if err := streams.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure event stream: %w", err)
		}
		publisher = streams
		events = streams

		queue := natsclient.NewJobQueue(nc, natsclient.JobQueueConfig{
			MaxDeliver: cfg.SyncMaxDeliver,
			RetryDelay: cfg.SyncRetryDelay,
		}, log)
		consumer, err := queue.EnsureStream(ctx)
		if err != nil {
			return err
		}
		enqueuer = queue
		runJobs = func(ctx context.Context, d *jobs.Dispatcher) error {
			return queue.Run(ctx, consumer, d, cfg.SyncWorkers)
		}
	} else {
		log.Warn("NATS disabled, running jobs in process")
		queue := jobs.NewMemoryQueue(1024, cfg.SyncMaxDeliver, cfg.SyncRetryDelay)
		enqueuer = queue
		runJobs = func(ctx context.Context, d *jobs.Dispatcher) error {
			queue.Run(ctx, d, cfg.SyncWorkers)
			return nil
		}
	}

	// Chat platform
	slackClient, err := chat.NewSlack(cfg.SlackBotToken, cfg.SlackUserCacheSize, log)
	if err != nil {
		return err
	}

	// Services
	converter := richtext.NewConverter()
	clients := &zendesk.RestClientFactory{UserAgent: cfg.ProductUserAgent}
	conversations := service.NewConversationService(st, publisher, log)
	resolver := zendesk.NewResolver(st, slackClient, cfg.FacadeEmailDomain, log)
	conversations.AddListener(zendesk.NewListener(st, clients, resolver, converter, log))

	importer := zendesk.NewImporter(st, clients, resolver, slackClient, conversations, locker, converter, zendesk.ImporterConfig{
		PageSize:    cfg.ZendeskPageSize,
		LockTimeout: cfg.SyncLockTimeout,
		UserAgent:   cfg.ProductUserAgent,
	}, log)
	dispatcher := jobs.NewDispatcher(log)
	importer.Register(dispatcher)

	linker := zendesk.NewLinker(st, clients, resolver, slackClient, converter, enqueuer, cfg.WebBaseURL, log)
	if summarizer := newSummarizer(cfg, log); summarizer != nil {
		linker.SetSummarizer(summarizer)
	}

	sweeper := service.NewOverdueSweeper(st, conversations, cfg.OverdueAfter, log)
	if err := sweeper.Start(cfg.OverdueSweepSchedule); err != nil {
		return err
	}
	defer sweeper.Stop()

	// Workers
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runJobs(ctx, dispatcher); err != nil {
			log.Error("job workers stopped", zap.Error(err))
			stop()
		}
	}()

	// HTTP
	handlers := handler.Handlers{
		Health:        handler.NewHealthHandler(checks),
		Conversations: handler.NewConversationHandler(conversations, st, log),
		Tickets:       handler.NewTicketHandler(conversations, st, linker, log),
		ZendeskHooks:  handler.NewZendeskWebhookHandler(st, enqueuer, log),
		SlackEvents:   handler.NewSlackEventsHandler(cfg.SlackSigningSecret, st, conversations, slackClient, log),
	}
	if events != nil {
		handlers.Events = handler.NewEventStreamHandler(conversations, events, log)
	}

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(handlers, handler.RouterConfig{
			JWTSecret:         cfg.JWTSecret,
			AllowedOrigins:    cfg.CORSAllowedOrigins,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
			Metrics:           promhttp.Handler(),
		}, log),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	wg.Wait()

	log.Info("server stopped")
	return nil
}

// newSummarizer returns nil when no LLM provider is configured.
func newSummarizer(cfg *config.Config, log *logger.Logger) *llm.Summarizer {
	provider := llm.Provider(cfg.DefaultLLM)
	keys := map[llm.Provider]string{
		llm.ProviderAnthropic: cfg.AnthropicAPIKey,
		llm.ProviderOpenAI:    cfg.OpenAIAPIKey,
	}
	if keys[provider] == "" {
		for p, key := range keys {
			if key != "" {
				provider = p
				break
			}
		}
	}
	if keys[provider] == "" {
		log.Info("no LLM key configured, ticket subjects use the conversation title")
		return nil
	}

	client, err := llm.NewClient(provider, llm.Options{APIKey: keys[provider]})
	if err != nil {
		log.Warn("failed to create LLM client, summaries disabled", zap.Error(err))
		return nil
	}
	return llm.NewSummarizer(client, log)
}
