// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"videofleet/src/config"
	"videofleet/src/containerization"
	"videofleet/src/correlator"
	"videofleet/src/drafts"
	"videofleet/src/fleet"
	"videofleet/src/logging"
	"videofleet/src/model"
	"videofleet/src/processor"
	"videofleet/src/registry"
	"videofleet/src/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Error loading configuration: %v", err))
	}

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(ctx, logging.OTelOptions{
		Stdout:        cfg.OTelStdout,
		LogFile:       cfg.LogFile,
		LogMaxSizeMB:  cfg.LogMaxSize,
		LogMaxBackups: cfg.LogMaxBackups,
		LogMaxAgeDays: cfg.LogMaxAge,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to setup OTel SDK: %v", err))
	}
	defer func() {
		// Ensure OTel flushes before exiting
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	// Generate Unique ID
	instanceID := uuid.New().String()
	logging.Log(fmt.Sprintf("Starting scheduler with UUID: %s", instanceID), slog.LevelInfo)

	repo, listener, closeStore := openStore(ctx, cfg)
	defer closeStore()

	// Initialize Docker Client
	cli, err := containerization.NewClient()
	if err != nil {
		panic(err)
	}
	defer cli.Close()

	// Create or get sandbox network shared by the automation containers
	networkID, err := containerization.EnsureSandboxNetwork(ctx, cli)
	if err != nil {
		panic(fmt.Sprintf("failed to setup sandbox network: %v", err))
	}
	logging.Log(fmt.Sprintf("Sandbox network ready: %s", networkID[:min(12, len(networkID))]), slog.LevelInfo)

	if cfg.PullImage {
		if err := containerization.EnsureImage(ctx, cli, cfg.ContainerImage); err != nil {
			logging.Log(fmt.Sprintf("Warning: %v. Opening workers might fail if the image is not present locally.", err), slog.LevelWarn)
		}
	}

	accounts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		panic(err)
	}

	drv := containerization.NewDockerDriver(cli, containerization.Options{
		Image:     cfg.ContainerImage,
		Prefix:    cfg.ContainerPrefix,
		NetworkID: networkID,
		AppURL:    cfg.AppURL,
		MemoryMB:  cfg.ContainerMemoryMB,
		CPULimit:  cfg.ContainerCPULimit,
	})

	workers := registry.New()
	queue := drafts.NewQueue()
	stats := logging.NewSchedulerStats(instanceID)
	supervisor := processor.NewSupervisor(repo, workers, drv, stats, cfg.CooldownMin, cfg.CooldownMax)
	scheduler := processor.NewScheduler(repo, workers, supervisor, stats, cfg.PollingInterval)
	corr := correlator.New(repo, workers, queue, stats, cfg.AppURL)
	corr.SetOnRelease(scheduler.Wake)
	fm := fleet.NewManager(repo, workers, drv, fleet.Options{
		MaxAttempts:     cfg.OpenMaxAttempts,
		Backoff:         cfg.OpenBackoff,
		BackoffMax:      cfg.OpenBackoffMax,
		ForceCloseStale: cfg.ForceCloseStale,
		Credentials:     accounts,
	}, scheduler.Wake)

	registerGauges(logging.RegisterGauge, stats, workers)

	processor.RecoverTasks(ctx, repo, stats)

	if cfg.DetectOpenOnStartup {
		candidates := append([]string{}, cfg.WorkerProfiles...)
		found, err := drv.Candidates(ctx)
		if err != nil {
			logging.Log(fmt.Sprintf("Error listing automation containers: %v", err), slog.LevelWarn)
		}
		fm.Discover(ctx, append(candidates, found...))
	}

	events := make(chan model.Event, 256)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		fm.RunHealthCheck(ctx, cfg.HealthInterval)
	}()
	go func() {
		defer wg.Done()
		corr.Run(ctx, events)
	}()
	go func() {
		defer wg.Done()
		api := NewAPIServer(repo, stats, fm, corr, queue, events, scheduler.Wake)
		if err := api.Serve(ctx, cfg.APIPort); err != nil {
			logging.Log(fmt.Sprintf("API server error: %v", err), slog.LevelError)
			stop()
		}
	}()
	if listener != nil {
		go forwardNotifications(ctx, listener, scheduler.Wake)
	}

	logging.Log("Scheduler started. Waiting for tasks (LISTEN/NOTIFY + fallback polling)...", slog.LevelInfo)
	<-ctx.Done()
	logging.Log("Shutting down scheduler gracefully...", slog.LevelInfo)
	wg.Wait()

	waitTimeout(supervisor.Wait, 15*time.Second)
	fm.Shutdown(context.Background(), cfg.CloseOnShutdown)
}

// openStore returns the configured repository. An unreachable database is
// fatal.
func openStore(ctx context.Context, cfg *config.Config) (store.TaskRepository, *pq.Listener, func()) {
	if cfg.TaskStore == config.StoreMemory {
		logging.Log("Using in-memory task store; tasks will not survive a restart", slog.LevelWarn)
		return store.NewMemoryStore(), nil, func() {}
	}

	db, err := store.OpenPG(ctx, cfg.DSN())
	if err != nil {
		panic(err)
	}
	pg := store.NewPGStore(db)
	if err := pg.Migrate(ctx); err != nil {
		db.Close()
		panic(fmt.Sprintf("failed to migrate schema: %v", err))
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Log(fmt.Sprintf("Listener error: %v", err), slog.LevelWarn)
		}
	}
	listener := pq.NewListener(cfg.DSN(), 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(store.NotifyChannel); err != nil {
		db.Close()
		panic(err)
	}
	return pg, listener, func() {
		listener.Close()
		db.Close()
	}
}

func forwardNotifications(ctx context.Context, listener *pq.Listener, wake func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-listener.Notify:
			// Immediate trigger from Postgres; a nil notification means the
			// connection was re-established and work may have been missed.
			wake()
		}
	}
}

func waitTimeout(wait func(), d time.Duration) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		logging.Log("Timed out waiting for executions to stop", slog.LevelWarn)
	}
}

type gaugeRegistrar func(name, description string, observe func() int64) error

// registerGauges publishes the pool gauges. A gauge that cannot be
// registered is logged and skipped; the scheduler runs without it.
func registerGauges(register gaugeRegistrar, stats *logging.SchedulerStats, workers *registry.Registry) (registered int) {
	gauges := []struct {
		name, description string
		observe           func() int64
	}{
		{"scheduler_active_executions", "Generations currently in flight", func() int64 {
			return int64(stats.GetStats().ActiveExecutions)
		}},
		{"fleet_idle_workers", "Workers available for assignment", func() int64 {
			return int64(len(workers.IdleWorkers()))
		}},
	}
	for _, g := range gauges {
		if err := register(g.name, g.description, g.observe); err != nil {
			logging.Log(fmt.Sprintf("Warning: could not register gauge %s: %v", g.name, err), slog.LevelWarn)
			continue
		}
		registered++
	}
	return registered
}
