// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/absmach/fluxlink/amqp1/engine"
	"github.com/absmach/fluxlink/config"
	"github.com/absmach/fluxlink/internal/sim"
	"github.com/absmach/fluxlink/internal/telemetry"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	messages := flag.Int("messages", -1, "Override simulation.messages")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *messages >= 0 {
		cfg.Simulation.Messages = *messages
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting link simulation",
		"messages", cfg.Simulation.Messages,
		"tick", cfg.Simulation.Tick,
		"idle_timeout", cfg.Engine.IdleTimeout,
		"capacity", cfg.Engine.DefaultCapacity,
		"send_timeout", cfg.Engine.SendTimeout,
		"outcome", cfg.Simulation.Outcome,
	)

	if err := run(cfg, logger); err != nil {
		slog.Error("Simulation failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	clientID, serverID := sim.ContainerIDs(cfg.Engine)
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, clientID, serverID)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Error("Telemetry shutdown error", "error", err)
		}
	}()

	var metrics *engine.Metrics
	if cfg.Telemetry.MetricsEnabled {
		metrics, err = engine.NewMetrics(nil)
		if err != nil {
			return err
		}
	}

	report, err := sim.Run(cfg, logger, metrics)
	if err != nil {
		return err
	}

	stats := report.Stats
	slog.Info("Simulation finished",
		"sent", report.Sent,
		"received", report.Received,
		"accepted", report.Outcomes[engine.StatusAccepted],
		"rejected", report.Outcomes[engine.StatusRejected],
		"released", report.Outcomes[engine.StatusReleased],
		"modified", report.Outcomes[engine.StatusModified],
		"timed_out", report.Outcomes[engine.StatusTimedOut],
		"aborted", report.Outcomes[engine.StatusAborted],
		"ticks", report.Ticks,
		"logical_end", report.End,
		"failed", report.Failed,
		"frames", stats.GetFramesSent(),
		"keepalives", stats.GetKeepalivesSent(),
	)
	return nil
}
