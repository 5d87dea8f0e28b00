// Package main is the entry point for agentgated, the AgentGate service
// process. It wires the Priority Queue, Admission Controller, Lease
// Manager, Process Tracker, Stale Detector, and Persistence Store into one
// running Orchestrator and blocks until terminated.
//
// The workspace, gate-plan, agent-driver, verifier, and feedback
// collaborators are out of core scope (see internal/orchestrator's
// collaborator interfaces); this binary wires clear stand-ins for them so
// it still runs standalone. An embedder integrating real adapters should
// call newOrchestrator directly with its own orchestrator.Config instead of
// running this binary as-is.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentgate/agentgate/internal/config"
)

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain() error {
	configPath := flag.String("config", "", "path to config.yaml (defaults to .agentgate/config.yaml)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Logging)

	c, err := newOrchestrator(cfg, logger)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("agentgated: received interrupt")
		cancel()
	}()

	return c.run(ctx, cfg.Queue.PersistPath)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFrom(path)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
