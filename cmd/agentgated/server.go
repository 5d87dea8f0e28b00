package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentgate/agentgate/internal/admission"
	"github.com/agentgate/agentgate/internal/clock"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/lease"
	"github.com/agentgate/agentgate/internal/loopstrategy"
	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/internal/proctrack"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/internal/stale"
	"github.com/agentgate/agentgate/internal/store"
)

// core bundles every component newOrchestrator wires, so run can start and
// stop the background loops (Admission Controller, Stale Detector) around
// the Orchestrator itself.
type core struct {
	orch      *orchestrator.Orchestrator
	admission *admission.Controller
	stale     *stale.Detector
	queue     *queue.Queue
	logger    *slog.Logger
}

// newOrchestrator builds the full core from cfg, resolving the
// Controller-needs-Starter / Starter-needs-Orchestrator construction cycle
// via a forward-declared *orchestrator.Orchestrator closure (see
// internal/orchestrator's orchestrator_test.go for the same pattern).
func newOrchestrator(cfg *config.Config, logger *slog.Logger) (*core, error) {
	st, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	q := queue.New(cfg.Queue.MaxQueueSize, cfg.Queue.MaxConcurrent, queue.WithLogger(logger))
	if cfg.Queue.PersistPath != "" {
		if err := q.Restore(cfg.Queue.PersistPath); err != nil {
			logger.Warn("queue: failed to restore persisted state, starting empty", "error", err)
		}
	}

	leases := lease.NewManager(lease.WithLogger(logger))
	tracker := proctrack.New(proctrack.WithLogger(logger), proctrack.WithGracefulTimeout(cfg.ProcTrack.GracefulTimeout))

	var orch *orchestrator.Orchestrator
	ctrl := admission.New(q, func(ctx context.Context, id string) error {
		return orch.Starter(ctx, id)
	},
		admission.WithTickInterval(cfg.Admission.TickInterval),
		admission.WithStaggerDelay(cfg.Admission.StaggerDelay),
		admission.WithMinAvailableMemoryMB(cfg.Admission.MinAvailableMemoryMB),
		admission.WithMemoryProbe(clock.NewGopsutilMemoryProbe()),
		admission.WithLogger(logger),
	)

	staleDet := stale.New(runningListerFunc(func() []stale.RunningWorkOrder {
		return orch.ListRunning()
	}), tracker, q, st,
		stale.WithSweepInterval(cfg.Stale.SweepInterval),
		stale.WithLogger(logger),
	)

	orch = orchestrator.New(orchestrator.Config{
		Queue:                q,
		Admission:            ctrl,
		Leases:               leases,
		Tracker:              tracker,
		StaleDetector:        staleDet,
		Workspaces:           unimplementedWorkspaces{},
		GatePlans:            unimplementedGatePlans{},
		DriverFor:            func(agentType string) (orchestrator.AgentDriver, error) { return unimplementedAgentDriver{}, nil },
		Verifier:             unimplementedVerifier{},
		Feedback:             unimplementedFeedback{},
		Store:                st,
		StrategyFor:           strategyFor(cfg.LoopStrategy),
		MaxConcurrentRuns:     cfg.Queue.MaxConcurrent,
		LeaseRenewalInterval:  cfg.RunExec.LeaseRenewalInterval,
		DefaultStaleThreshold: cfg.Stale.StaleThreshold,
		Events:                events.NewPublishHelper(nil),
		Logger:                logger,
	})
	orch.WireAdmission(ctrl)

	return &core{orch: orch, admission: ctrl, stale: staleDet, queue: q, logger: logger}, nil
}

// strategyFor builds the Loop Strategy constructor every work order falls
// back to when it names no strategy of its own, per cfg.Default.
func strategyFor(cfg config.LoopStrategyConfig) func(wo *orchestrator.WorkOrder) loopstrategy.Strategy {
	return func(wo *orchestrator.WorkOrder) loopstrategy.Strategy {
		switch cfg.Default {
		case "fixed":
			return loopstrategy.NewFixed()
		case "ralph":
			return loopstrategy.NewRalph(cfg.RalphWindow, cfg.RalphThreshold, cfg.RalphMinIters, loopstrategy.ExactMatchSimilarity)
		default:
			return loopstrategy.NewHybrid(cfg.BaseIterations, cfg.BonusIterations)
		}
	}
}

// runningListerFunc adapts a plain function to stale.RunningLister.
type runningListerFunc func() []stale.RunningWorkOrder

func (f runningListerFunc) ListRunning() []stale.RunningWorkOrder { return f() }

// run starts the Admission Controller and Stale Detector and blocks until
// ctx is canceled, then stops both and persists the queue's final state.
func (c *core) run(ctx context.Context, persistPath string) error {
	c.admission.Start(ctx)
	c.stale.Start(ctx)
	c.logger.Info("agentgated: started")

	<-ctx.Done()

	c.logger.Info("agentgated: shutting down")
	c.stale.Stop()
	c.admission.Stop()

	if persistPath != "" {
		if err := c.queue.Persist(persistPath); err != nil {
			return fmt.Errorf("persist queue state: %w", err)
		}
	}
	return nil
}
