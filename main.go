package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vms-recorder/api"
	"vms-recorder/config"
	"vms-recorder/cron"
	"vms-recorder/database"
	"vms-recorder/monitoring"
	"vms-recorder/recording"
	"vms-recorder/storage"

	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 30 * time.Second

type scheduledJob struct {
	name         string
	interval     time.Duration
	runAtStartup bool
	job          cron.Job
}

func main() {
	cfg := config.MustLoad()

	log := setupLogger(cfg.Env)
	log.WithFields(logrus.Fields{
		"env":       cfg.Env,
		"server_id": cfg.ServerID,
		"database":  cfg.DatabasePath,
	}).Info("starting vms recorder")

	db, err := database.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}

	probe := storage.NewDiskProbe(cfg.Storage.ProbeTimeout)
	registry := storage.NewRegistry(db, probe, storage.RegistryOptions{
		ServerID:               cfg.ServerID,
		DefaultReservedPercent: cfg.Storage.DefaultReservedPercent,
		FailureThreshold:       cfg.Storage.FailureThreshold,
	}, log)
	allocator := storage.NewAllocator(db, probe, storage.NewMountDetector(), cfg.StoragePath, log)

	tuning := recording.Tuning{
		Extension:     cfg.Capture.Extension,
		RTSPTransport: cfg.Capture.RTSPTransport,
	}
	supervisor := recording.NewSupervisor(allocator, recording.FFmpegLauncher{Path: cfg.Capture.FFmpegPath}, db, recording.SupervisorConfig{
		StopGrace:       cfg.Capture.StopGrace,
		IndexerDebounce: cfg.Capture.IndexerDebounce,
		Segment:         cfg.Capture.SegmentDuration,
		Backoff: recording.BackoffPolicy{
			Initial:   cfg.Capture.BackoffInitial,
			Max:       cfg.Capture.BackoffMax,
			StableRun: cfg.Capture.BackoffStableRun,
		},
	}, log)

	reconciler := cron.NewReconciler(db, supervisor, cron.ReconcileOptions{
		ServerID: cfg.ServerID,
		Parallel: cfg.Capture.Parallel,
		Tuning:   tuning,
	}, log)
	deleter := cron.NewSegmentDeleter(db, log)
	prober := recording.SourceProber{FFprobePath: cfg.Capture.FFprobePath, Timeout: cfg.Capture.ProbeTimeout}
	auditor := cron.NewIntegrityAuditor(db, cron.IntegrityOptions{
		BackfillBatch: cfg.Batches.Backfill,
		VerifyBatch:   cfg.Batches.Verify,
		Workers:       cfg.Storage.ChecksumWorkers,
	}, log)

	scheduler := cron.NewScheduler(cfg.Intervals.StartupDelay, log)
	jobs := []scheduledJob{
		{"storage_watchdog", cfg.Intervals.Watchdog, true, cron.NewWatchdog(registry, db, deleter, cfg.Batches.Recycle, log)},
		{"reconcile", cfg.Intervals.Reconcile, true, reconciler},
		{"schedule", cfg.Intervals.Schedule, true, cron.NewScheduleEvaluator(db, reconciler, log)},
		{"retention", cfg.Intervals.Retention, true, cron.NewRetentionReaper(db, deleter, cfg.Batches.Retention, log)},
		{"checksum_backfill", cfg.Intervals.Backfill, false, cron.JobFunc(auditor.Backfill)},
		{"checksum_verify", cfg.Intervals.Verify, false, cron.JobFunc(auditor.Verify)},
		{"camera_status", cfg.Intervals.Status, true, cron.NewCameraStatusMonitor(reconciler, db, prober, supervisor, log)},
	}

	deps := api.Deps{
		Store:     db,
		Recorder:  supervisor,
		Resolver:  reconciler,
		Locations: registry,
		Tuning:    tuning,
	}
	if monitor, err := monitoring.NewMonitor(log); err != nil {
		log.WithError(err).Warn("resource monitor disabled")
	} else {
		deps.Resources = monitor
		jobs = append(jobs, scheduledJob{"resource_monitor", cfg.Intervals.Resources, false, cron.JobFunc(monitor.Run)})
	}

	for _, j := range jobs {
		if err := scheduler.Every(j.name, j.interval, j.runAtStartup, j.job); err != nil {
			log.WithError(err).Fatal("failed to register job")
		}
	}
	scheduler.Start()

	server := api.NewServer(cfg.HTTP, deps, log)
	go func() {
		if err := server.Start(); err != nil {
			log.WithError(err).Error("api server failed")
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	sig := <-done
	log.WithField("signal", sig.String()).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Loops stop first so nothing restarts a capture during shutdown.
	if err := scheduler.Stop(ctx); err != nil {
		log.WithError(err).Warn("scheduler did not stop in time")
	}
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("api server shutdown failed")
	}
	if err := supervisor.StopAll(ctx); err != nil {
		log.WithError(err).Error("failed to stop captures")
	}
	if err := db.Close(); err != nil {
		log.WithError(err).Error("failed to close database")
	}
	log.Info("vms recorder stopped")
}

func setupLogger(env string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	switch env {
	case config.EnvLocal:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		log.SetLevel(logrus.DebugLevel)
	case config.EnvDev:
		log.SetFormatter(&logrus.JSONFormatter{})
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetFormatter(&logrus.JSONFormatter{})
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}
