package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/permitlead/harvester/internal/api"
	archivegcs "github.com/permitlead/harvester/internal/archive/gcs"
	archivememory "github.com/permitlead/harvester/internal/archive/memory"
	"github.com/permitlead/harvester/internal/checkpoint"
	"github.com/permitlead/harvester/internal/clock/system"
	"github.com/permitlead/harvester/internal/config"
	"github.com/permitlead/harvester/internal/extract"
	"github.com/permitlead/harvester/internal/id/uuid"
	"github.com/permitlead/harvester/internal/logging"
	notifymemory "github.com/permitlead/harvester/internal/notify/memory"
	notifypubsub "github.com/permitlead/harvester/internal/notify/pubsub"
	"github.com/permitlead/harvester/internal/orchestrator"
	"github.com/permitlead/harvester/internal/permits"
	"github.com/permitlead/harvester/internal/progress"
	sinkndjson "github.com/permitlead/harvester/internal/sink/ndjson"
	sinkpostgres "github.com/permitlead/harvester/internal/sink/postgres"
)

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Runs the extraction pipeline",
		Long: `Authenticates against the permitting API, then walks every
jurisdiction not yet completed according to the checkpoint file,
paging through each project type's records and persisting them.`,
		RunE: runExtractCommand,
	}
}

func runExtractCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rotator *extract.ProxyRotator
	if cfg.Proxy.Enabled {
		rotator, err = extract.NewProxyRotator(cfg.Proxy.Host, cfg.Proxy.Ports, cfg.Proxy.Username, cfg.Proxy.Password)
		if err != nil {
			return fmt.Errorf("init proxy rotator: %w", err)
		}
		logger.Info("proxy rotation enabled", zap.Int("pool_size", rotator.Size()))
	} else {
		logger.Info("proxy rotation disabled, using direct connections")
	}

	transport := extract.NewRetryingTransport(rotator, transportConfig(cfg), logger)
	client := permits.New(transport, cfg.Remote.BaseURL, cfg.Remote.AddressFilter, logger)

	store, err := checkpoint.NewStore(cfg.Checkpoint.Path)
	if err != nil {
		return fmt.Errorf("init checkpoint store: %w", err)
	}

	sink, cleanup, err := buildSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	notifier, notifierCleanup, err := buildNotifier(ctx, cfg)
	if err != nil {
		return err
	}
	defer notifierCleanup()

	archiver, err := buildArchiver(ctx, cfg)
	if err != nil {
		return err
	}

	clk := system.New()
	tracker := progress.New(clk.Now)

	if cfg.Server.Port > 0 {
		shutdown := startStatusServer(cfg.Server.Port, tracker, logger)
		defer shutdown()
	}

	runID, err := uuid.New().NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	logger.Info("starting extraction run", zap.String("run_id", runID))

	// Invalid credentials will not become valid by waiting; this is the
	// one failure that aborts the whole process.
	if err := client.Login(ctx, extract.Credentials{
		Username: cfg.Remote.Username,
		Password: cfg.Remote.Password,
	}); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	o, err := orchestrator.New(orchestrator.Config{
		RunID:              runID,
		PageSize:           cfg.Remote.PageSize,
		CheckpointInterval: cfg.Checkpoint.Interval,
		PageDelay:          cfg.PageDelay(),
		JurisdictionDelay:  cfg.JurisdictionDelay(),
		MaxPageFailures:    cfg.Pacing.MaxPageFailures,
	}, orchestrator.Deps{
		Catalog:     client,
		Source:      client,
		Checkpoints: store,
		Sink:        sink,
		Notifier:    notifier,
		Archiver:    archiver,
		Tracker:     tracker,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	if err := o.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run extraction: %w", err)
	}
	logger.Info("extraction finished")
	return nil
}

func transportConfig(cfg config.Config) extract.TransportConfig {
	backoffCap := time.Duration(cfg.Retry.BackoffCapSeconds) * time.Second
	return extract.TransportConfig{
		MaxAttempts:      cfg.Retry.MaxAttempts,
		Timeout:          cfg.HTTPTimeout(),
		FailureThreshold: cfg.Retry.FailureThreshold,
		Cooldown:         time.Duration(cfg.Retry.CooldownMinutes) * time.Minute,
		RateLimitBackoff: extract.BackoffPolicy{
			Base: time.Duration(cfg.Retry.RateLimitBaseMs) * time.Millisecond, Multiplier: 2, Cap: backoffCap,
		},
		ForbiddenBackoff: extract.BackoffPolicy{
			Base: time.Duration(cfg.Retry.ForbiddenBaseMs) * time.Millisecond, Multiplier: 2, Cap: backoffCap,
		},
		ServerErrorBackoff: extract.BackoffPolicy{
			Base: time.Duration(cfg.Retry.ServerErrorBaseMs) * time.Millisecond, Multiplier: 2, Cap: backoffCap,
		},
		NetworkRetryWait: time.Duration(cfg.Retry.NetworkRetryWaitMs) * time.Millisecond,
	}
}

func buildSink(ctx context.Context, cfg config.Config, logger *zap.Logger) (extract.RecordSink, func(), error) {
	switch cfg.Sink.Provider {
	case "ndjson":
		s, err := sinkndjson.New(cfg.Sink.OutputDir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("init ndjson sink: %w", err)
		}
		return s, func() {}, nil
	case "postgres":
		s, err := sinkpostgres.New(ctx, sinkpostgres.Config{
			DSN:      cfg.Sink.Postgres.DSN,
			Table:    cfg.Sink.Postgres.Table,
			MaxConns: cfg.Sink.Postgres.MaxConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres sink: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink provider %q", cfg.Sink.Provider)
	}
}

func buildNotifier(ctx context.Context, cfg config.Config) (extract.Notifier, func(), error) {
	switch cfg.Notifier.Provider {
	case "none":
		return nil, func() {}, nil
	case "memory":
		return notifymemory.New(), func() {}, nil
	case "pubsub":
		n, err := notifypubsub.New(ctx, cfg.Notifier.ProjectID, cfg.Notifier.TopicID)
		if err != nil {
			return nil, nil, fmt.Errorf("init pubsub notifier: %w", err)
		}
		return n, func() { _ = n.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown notifier provider %q", cfg.Notifier.Provider)
	}
}

func buildArchiver(ctx context.Context, cfg config.Config) (extract.Archiver, error) {
	switch cfg.Archive.Provider {
	case "none":
		return nil, nil
	case "memory":
		return archivememory.New(), nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init storage client: %w", err)
		}
		a, err := archivegcs.New(client, archivegcs.Config{
			Bucket: cfg.Archive.Bucket,
			Prefix: cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init gcs archiver: %w", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Archive.Provider)
	}
}

func startStatusServer(port int, tracker *progress.Tracker, logger *zap.Logger) func() {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           api.NewServer(tracker, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("status server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown failed", zap.Error(err))
		}
	}
}
