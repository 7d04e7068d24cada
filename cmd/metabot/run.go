package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/srws-psg/meta-analysis-bot/internal/analysis"
	"github.com/srws-psg/meta-analysis-bot/internal/chat"
	"github.com/srws-psg/meta-analysis-bot/internal/config"
	"github.com/srws-psg/meta-analysis-bot/internal/dialog"
	"github.com/srws-psg/meta-analysis-bot/internal/dispatcher"
	"github.com/srws-psg/meta-analysis-bot/internal/extract"
	"github.com/srws-psg/meta-analysis-bot/internal/intake"
	"github.com/srws-psg/meta-analysis-bot/internal/jobs"
	"github.com/srws-psg/meta-analysis-bot/internal/store"
)

// jobRetention is how long finished jobs stay visible in the registry
// before the hourly cleanup removes them.
const jobRetention = 24 * time.Hour

func runBot(cmd *cobra.Command) error {
	// Missing .env is fine; the environment may be set by the platform.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("metabot: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("metabot: shutdown signal received")
		cancel()
	}()

	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		return err
	}
	contexts, err := store.NewContextStore(store.ContextStoreOpts{
		Backend:      backend,
		TTL:          cfg.ContextTTL,
		HistoryLimit: cfg.HistoryLimit,
	})
	if err != nil {
		return err
	}

	registry := jobs.NewRegistry(jobs.RegistryOpts{})
	defer registry.Close()

	extractor, err := extract.NewGemini(ctx, extract.GeminiOpts{
		APIKey: cfg.GeminiAPIKey,
		Model:  cfg.GeminiModel,
	})
	if err != nil {
		return err
	}

	client, err := chat.NewSlackClient(ctx, chat.SlackClientOpts{
		BotToken: cfg.SlackBotToken,
		AppToken: cfg.SlackAppToken,
	})
	if err != nil {
		return err
	}

	engine := dialog.NewEngine(dialog.EngineOpts{QuestionRetryLimit: cfg.QuestionLimit})

	intakePipe, err := intake.NewPipeline(intake.PipelineOpts{
		Registry:  registry,
		Contexts:  contexts,
		Client:    client,
		Extractor: extractor,
		Engine:    engine,
		WorkDir:   cfg.WorkDir,
		Interval:  cfg.PollInterval,
		MaxChecks: cfg.PollMaxChecks,
	})
	if err != nil {
		return err
	}

	runner, err := analysis.NewRunner(analysis.RunnerOpts{
		RscriptPath: cfg.RscriptPath,
		Extractor:   extractor,
	})
	if err != nil {
		return err
	}
	analysisPipe, err := analysis.NewPipeline(analysis.PipelineOpts{
		Registry:  registry,
		Contexts:  contexts,
		Client:    client,
		Runner:    runner,
		Interval:  cfg.PollInterval,
		MaxChecks: cfg.AnalysisChecks,
	})
	if err != nil {
		return err
	}

	// The per-event receive trace is verbose; only emit it at debug level.
	trace := io.Discard
	if cfg.LogLevel == "debug" {
		trace = cmd.OutOrStdout()
	}
	disp, err := dispatcher.New(dispatcher.DispatcherOpts{
		Contexts:  contexts,
		Registry:  registry,
		Client:    client,
		Extractor: extractor,
		Engine:    engine,
		Intake:    intakePipe,
		Analysis:  analysisPipe,
		Out:       trace,
	})
	if err != nil {
		return err
	}

	// Hourly housekeeping: drop finished jobs and expired thread contexts.
	sched := cron.New()
	if _, err := sched.AddFunc("@hourly", func() {
		removed := registry.Cleanup(jobRetention)
		swept, err := contexts.Sweep(ctx)
		if err != nil {
			log.Printf("metabot: context sweep: %v", err)
		}
		log.Printf("metabot: cleanup: %d jobs, %d contexts removed", removed, swept)
	}); err != nil {
		return fmt.Errorf("metabot: schedule cleanup: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	if cfg.SocketMode {
		log.Printf("metabot: starting in socket mode (bot user %s)", client.BotUserID())
		source := chat.NewSocketSource(chat.SocketSourceOpts{
			BotToken:  cfg.SlackBotToken,
			AppToken:  cfg.SlackAppToken,
			BotUserID: client.BotUserID(),
		})
		return ignoreCanceled(disp.Run(ctx, source.Events(ctx)))
	}

	log.Printf("metabot: starting HTTP events server on port %d (bot user %s)", cfg.Port, client.BotUserID())
	source := chat.NewHTTPSource(chat.HTTPSourceOpts{
		SigningSecret: cfg.SlackSigningSecret,
		BotUserID:     client.BotUserID(),
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: source.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("metabot: server shutdown: %v", err)
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metabot: server: %v", err)
			cancel()
		}
	}()
	return ignoreCanceled(disp.Run(ctx, source.Events(ctx)))
}

// ignoreCanceled maps a signal-driven shutdown to a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildBackend constructs the configured key-value store.
func buildBackend(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	case config.BackendFile:
		return store.NewFileStore(cfg.StorageDir)
	case config.BackendDatabase:
		return store.OpenDatabase(cfg.DatabaseDSN)
	case config.BackendRedis:
		return store.NewRedisStore(ctx, store.RedisOpts{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
	case config.BackendDynamo:
		return store.NewDynamoStore(ctx, store.DynamoOpts{
			Table:  cfg.DynamoTable,
			Region: cfg.DynamoRegion,
		})
	default:
		return nil, fmt.Errorf("metabot: unknown storage backend %q", cfg.StorageBackend)
	}
}
