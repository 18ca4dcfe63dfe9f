package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvrflow/nvrcore/internal/config"
	"github.com/nvrflow/nvrcore/internal/database"
	"github.com/nvrflow/nvrcore/internal/database/migrations"
	"github.com/nvrflow/nvrcore/internal/detection"
	"github.com/nvrflow/nvrcore/internal/hlswriter"
	"github.com/nvrflow/nvrcore/internal/models"
	"github.com/nvrflow/nvrcore/internal/mp4writer"
	"github.com/nvrflow/nvrcore/internal/observability"
	"github.com/nvrflow/nvrcore/internal/orchestrator"
	"github.com/nvrflow/nvrcore/internal/pidfile"
	"github.com/nvrflow/nvrcore/internal/repository"
	"github.com/nvrflow/nvrcore/internal/retention"
	"github.com/nvrflow/nvrcore/internal/shutdown"
	"github.com/nvrflow/nvrcore/internal/startup"
	"github.com/nvrflow/nvrcore/internal/storage"
	"github.com/nvrflow/nvrcore/internal/streammanager"
	"github.com/nvrflow/nvrcore/internal/timestamp"
	"github.com/nvrflow/nvrcore/internal/transporthelper"
	"github.com/nvrflow/nvrcore/internal/util"
)

const ffmpegBinaryEnvVar = "NVR_FFMPEG_BINARY"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recorder core",
	Long: `Start the recorder core: connects to every enabled configured stream,
writes HLS and MP4 output, gates event recording behind the optional
detector, and runs the retention sweep on a schedule.

This command owns no HTTP listener; it runs until signaled to stop.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

const coordinatorTick = 250 * time.Millisecond

func runServe(cmd *cobra.Command, args []string) error {
	if parentPID, ok := shutdown.IsWatchdogChild(); ok {
		return runWatchdogChild(parentPID)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	coord := shutdown.New(logger)
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go coord.Run(runCtx, coordinatorTick)

	registerSafetyNet(coord, cfg.Shutdown, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	go func() {
		for sig := range sigChan {
			switch sig {
			case syscall.SIGUSR1:
				logger.Warn("received SIGUSR1, forcing immediate stop of all components")
				coord.ForceStopAll()
			default:
				logger.Info("received shutdown signal", slog.String("signal", sig.String()))
				coord.RequestShutdown()
			}
		}
	}()

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	coord.Register("database", func(ctx context.Context) error { return db.Close() })

	sandbox, err := storage.NewSandbox(cfg.Storage.BaseDir)
	if err != nil {
		return fmt.Errorf("initializing storage sandbox: %w", err)
	}
	layout := storage.NewLayout(sandbox)

	streamRepo := repository.NewStreamRepository(db.DB)
	recordingRepo := repository.NewRecordingRepository(db.DB)

	if err := seedStreams(context.Background(), streamRepo, cfg.Streams); err != nil {
		return fmt.Errorf("seeding configured streams: %w", err)
	}

	if removed, err := startup.CleanupOrphanedTempFiles(logger, sandbox, cfg.Storage.TempDir, time.Hour); err != nil {
		logger.Warn("failed to clean orphaned temp files", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("cleaned orphaned temp files on startup", slog.Int("removed", removed))
	}
	if recovered, err := startup.RecoverIncompleteRecordings(context.Background(), logger, recordingRepo, layout); err != nil {
		logger.Warn("failed to recover incomplete recordings", slog.String("error", err.Error()))
	} else if recovered > 0 {
		logger.Info("recovered incomplete recordings on startup", slog.Int("recovered", recovered))
	}

	ffmpegPath := cfg.FFmpeg.BinaryPath
	if ffmpegPath == "" {
		var err error
		ffmpegPath, err = util.FindBinary("ffmpeg", ffmpegBinaryEnvVar)
		if err != nil {
			logger.Warn("ffmpeg binary not found, detection still-frame decode will fail",
				slog.String("error", err.Error()))
		}
	}

	var detector detection.Detector
	if cfg.Detector.Endpoint != "" {
		detector = detection.NewHTTPDetector(cfg.Detector.Endpoint, "object-detector")
	}

	policy := retention.NewPolicy(cfg.Storage, cfg.Streams)
	sweeper := retention.NewSweeper(policy, recordingRepo, layout, logger)
	reconciler := retention.NewReconciler(recordingRepo, layout, logger)
	runner := retention.NewRunner(reconciler, sweeper, logger)
	if err := runner.Start(context.Background(), cfg.Retention.ReconcileIntervalSeconds); err != nil {
		return fmt.Errorf("starting retention runner: %w", err)
	}
	coord.Register("retention", func(ctx context.Context) error {
		runner.Stop(ctx)
		return nil
	})

	// diskFull triggers an out-of-schedule retention sweep the moment a
	// writer observes ENOSPC, instead of waiting for the next cron tick.
	diskFull := func() { runner.RunOnce(context.Background()) }

	factory := newPipelineFactory(cfg, layout, sandbox, recordingRepo, detector, ffmpegPath, diskFull, logger)
	streamMgr := streammanager.New(streamRepo, factory, logger)
	coord.Register("streammanager", func(ctx context.Context) error { return streamMgr.StopAll(ctx) })

	if err := streamMgr.LoadAndStart(context.Background()); err != nil {
		return fmt.Errorf("loading streams: %w", err)
	}

	helper := transporthelper.New(cfg.TransportHelper, logger)
	if err := helper.Spawn(context.Background()); err != nil {
		logger.Warn("transport helper unavailable, continuing without it",
			slog.String("error", err.Error()))
	}
	coord.Register("transporthelper", func(ctx context.Context) error { return helper.Stop(ctx) })

	pidFile, err := pidfile.Acquire(cfg.PIDFile.Path, cfg.PIDFile.EvictWaitSeconds)
	if err != nil {
		return fmt.Errorf("claiming pid file: %w", err)
	}
	coord.Register("pidfile", func(ctx context.Context) error { return pidFile.Release() })

	logger.Info("nvrcore started", slog.Int("streams", len(cfg.Streams)))

	<-coord.Done()
	logger.Info("all components stopped, exiting")
	return nil
}

// registerSafetyNet registers the component that arms the phased safety
// timer and spawns the watchdog process the moment shutdown begins. It has
// nothing to wait for itself, so it reports STOPPED immediately.
func registerSafetyNet(coord *shutdown.Coordinator, cfg config.ShutdownConfig, logger *slog.Logger) {
	var id uint64
	id = coord.Register("safety-net", func(ctx context.Context) error {
		timer := shutdown.NewSafetyTimer(logger)
		timer.Watch(ctx, coord)

		if cfg.WatchdogEnabled {
			if _, err := shutdown.SpawnWatchdog(); err != nil {
				logger.Error("failed to spawn watchdog", slog.String("error", err.Error()))
			}
		}

		coord.UpdateState(id, shutdown.Stopped)
		return nil
	})
}

func runWatchdogChild(parentPID int) error {
	requested := make(chan struct{})
	close(requested)
	shutdown.RunWatchdogChild(shutdown.DefaultWatchdogConfig(), parentPID, requested)
	return nil
}

// seedStreams inserts configured streams that don't already exist in the
// database. A stream row already present wins over its config-file seed, per
// config.StreamCfg's doc comment: the database, not the file, is the source
// of truth for a stream once it has been created once.
func seedStreams(ctx context.Context, repo repository.StreamRepository, seeds []config.StreamCfg) error {
	for _, seed := range seeds {
		existing, err := repo.GetByName(ctx, seed.Name)
		if err != nil {
			return fmt.Errorf("looking up stream %s: %w", seed.Name, err)
		}
		if existing != nil {
			continue
		}

		enabled := seed.Enabled
		stream := &models.Stream{
			Name:                     seed.Name,
			SourceURL:                seed.SourceURL,
			Transport:                models.Transport(seed.Transport),
			Username:                 seed.Username,
			Password:                 seed.Password,
			Enabled:                  &enabled,
			Record:                   seed.Record,
			StreamingEnabled:         seed.StreamingEnabled,
			DetectionEnabled:         seed.DetectionEnabled,
			DetectionModel:           seed.DetectionModel,
			DetectionThreshold:       seed.DetectionThreshold,
			DetectionIntervalSeconds: seed.DetectionIntervalSeconds,
			PreBufferSeconds:         seed.PreBufferSeconds,
			PostBufferSeconds:        seed.PostBufferSeconds,
		}
		if seed.SegmentDurationSeconds != 0 {
			stream.SegmentDurationSeconds = &seed.SegmentDurationSeconds
		}
		if seed.RetentionDays != 0 {
			stream.RetentionDays = &seed.RetentionDays
		}

		if err := repo.Create(ctx, stream); err != nil {
			return fmt.Errorf("creating seeded stream %s: %w", seed.Name, err)
		}
	}
	return nil
}

// newPipelineFactory builds the streammanager.PipelineFactory closure that
// wires each stream's HLS/MP4/Detect writers per its own toggles.
func newPipelineFactory(
	cfg *config.Config,
	layout *storage.Layout,
	sandbox *storage.Sandbox,
	recordingRepo repository.RecordingRepository,
	detector detection.Detector,
	ffmpegPath string,
	diskFull func(),
	logger *slog.Logger,
) streammanager.PipelineFactory {
	return func(stream *models.Stream) *orchestrator.Pipeline {
		log := logger.With(slog.String("stream", stream.Name))

		normalizer := timestamp.New()
		discSeqFn := normalizer.DiscontinuitySeq

		var writers orchestrator.Writers

		if stream.StreamingEnabled {
			hlsCfg := hlswriter.DefaultConfig()
			if stream.SegmentDurationSeconds != nil {
				hlsCfg.TargetSegmentSeconds = *stream.SegmentDurationSeconds
			}
			writers.HLS = hlswriter.New(hlsCfg, stream.Name, layout, log, discSeqFn, diskFull)
		}

		var mp4Writer *mp4writer.Writer
		if stream.Record {
			triggers := mp4writer.DefaultRotationTriggers()
			triggers.PreBufferSeconds = stream.PreBufferSeconds
			triggers.PostBufferSeconds = stream.PostBufferSeconds
			mp4Writer = mp4writer.New(stream.Name, triggers, layout, recordingRepo, log, discSeqFn, diskFull)
			writers.MP4 = mp4Writer
		}

		if stream.DetectionEnabled && detector != nil && mp4Writer != nil {
			detectCfg := detection.DefaultConfig()
			detectCfg.ModelID = stream.DetectionModel
			if stream.DetectionThreshold > 0 {
				detectCfg.Threshold = stream.DetectionThreshold
			}
			if stream.DetectionIntervalSeconds > 0 {
				detectCfg.IntervalSeconds = stream.DetectionIntervalSeconds
			}
			writers.Detect = detection.New(stream.Name, detectCfg, detector, mp4Writer, ffmpegPath, sandbox, log)
		}

		return orchestrator.New(stream, writers, normalizer, log)
	}
}
