package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulseboard/pulseboard/dashboard/config"
	"github.com/pulseboard/pulseboard/dashboard/conn"
	"github.com/pulseboard/pulseboard/dashboard/dedup"
	"github.com/pulseboard/pulseboard/dashboard/estimate"
	"github.com/pulseboard/pulseboard/dashboard/notify"
	"github.com/pulseboard/pulseboard/dashboard/telemetry"
	"github.com/pulseboard/pulseboard/dashboard/transport"
)

func main() {
	cfgPath := os.Getenv("DASHBOARD_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broadcaster := notify.NewBroadcaster()

	machine := telemetry.NewMachine(telemetry.Config{
		HistoryCap:         cfg.Telemetry.HistoryCap,
		MaxTasks:           cfg.Telemetry.MaxTasks,
		MaxAge:             time.Duration(cfg.Telemetry.MaxAgeHours) * time.Hour,
		ArchiveGrace:       time.Duration(cfg.Telemetry.ArchiveGraceSeconds) * time.Second,
		RecentLogCap:       cfg.Telemetry.RecentLogCap,
		ExpectedPhaseOrder: cfg.Telemetry.ExpectedPhaseOrder,
		Estimator: estimate.Config{
			Alpha:   cfg.Telemetry.SmoothingAlpha,
			Ceiling: time.Duration(cfg.Telemetry.EtcCeilingHours) * time.Hour,
		},
	}, broadcaster)

	deduper := dedup.New(dedup.Config{
		Window:     time.Duration(cfg.Dedup.WindowMillis) * time.Millisecond,
		MaxEntries: cfg.Dedup.MaxEntries,
	})

	push := transport.NewPush(transport.DefaultPushConfig(cfg.Push.URL))
	pollCfg := transport.DefaultPollConfig(cfg.Poll.URL, cfg.Poll.HealthURL)
	pollCfg.Interval = config.Seconds(cfg.Poll.IntervalSeconds)
	poll := transport.NewPoll(pollCfg)

	manager := conn.NewManager(conn.Config{
		Backoff: conn.BackoffPolicy{
			Base:        config.Seconds(cfg.Push.BaseDelaySeconds),
			Growth:      cfg.Push.GrowthFactor,
			MaxDelay:    config.Seconds(cfg.Push.MaxDelaySeconds),
			MaxAttempts: cfg.Push.MaxAttempts,
		},
		InitialPushWait:     config.Seconds(cfg.Push.InitialWaitSecs),
		HealthCheckInterval: config.Seconds(cfg.Poll.HealthCheckIntervalSec),
	}, push, poll, deduper, machine, machine, broadcaster)

	hub := NewHub(broadcaster, cfg.Server.MaxWSClients)
	go hub.Run(ctx)

	manager.Start(ctx)
	defer manager.Close()

	api := NewAPI(machine, manager, hub)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Printf("Dashboard listening on :%s (push=%s poll=%s)", cfg.Server.Port, cfg.Push.URL, cfg.Poll.URL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
}
