// Package orchestrator wires the Priority Queue, Admission Controller,
// Lease Manager, Process Tracker, Stale Detector, and external
// collaborators into one public entry point: submit a work order, get back
// a terminal Run.
//
// Singleton teardown (global scheduler/mutex-guarded maps in the teacher's
// internal/orchestrator/orchestrator.go) is re-architected here as an
// explicit, constructed-once Orchestrator value per §9's design note — no
// package-level state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/admission"
	"github.com/agentgate/agentgate/internal/buildfail"
	agerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/lease"
	"github.com/agentgate/agentgate/internal/loopstrategy"
	"github.com/agentgate/agentgate/internal/proctrack"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/internal/runexec"
	"github.com/agentgate/agentgate/internal/stale"
	"github.com/google/uuid"
)

// maxLeaseTTL bounds every lease regardless of a work order's requested
// wall-clock budget, per §4.10.
const maxLeaseTTL = 24 * time.Hour

// WorkOrder is the unit of work submitted to the Orchestrator.
type WorkOrder struct {
	ID                  string
	TaskPrompt          string
	WorkspaceSource     WorkspaceSource
	AgentType           string
	GatePlanSource      string
	Priority            int
	MaxWaitMs           *int64
	MaxIterations       int
	MaxWallClockSeconds int64
	RetriesEnabled      bool
	PollCIEnabled       bool
	CreatePullRequest   bool

	ParentID     string
	RootID       string
	Depth        int
	SiblingIndex int
	ChildIDs     []string

	Status    string
	CreatedAt time.Time
}

// Work order status values.
const (
	StatusQueued    = "Queued"
	StatusRunning   = "Running"
	StatusSucceeded = "Succeeded"
	StatusFailed    = "Failed"
	StatusCanceled  = "Canceled"
)

func isTerminalStatus(s string) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Store is the Persistence Store collaborator.
type Store interface {
	SaveWorkOrder(ctx context.Context, wo *WorkOrder) error
	UpdateStatus(ctx context.Context, id, status string) error
	LoadWorkOrder(ctx context.Context, id string) (*WorkOrder, error)
	ListWorkOrders(ctx context.Context) ([]*WorkOrder, error)
	SaveRun(ctx context.Context, run *runexec.Run) error
	SaveIteration(ctx context.Context, runID string, iter runexec.IterationData) error
	MarkFailed(ctx context.Context, workOrderID, message string) error
}

// AgentDriverFactory resolves an AgentDriver for a work order's declared
// agent type.
type AgentDriverFactory func(agentType string) (AgentDriver, error)

// Orchestrator is the public entry point.
type Orchestrator struct {
	queue         *queue.Queue
	admission     *admission.Controller
	leases        *lease.Manager
	tracker       *proctrack.Tracker
	staleDetector *stale.Detector

	workspaces  WorkspaceManager
	gatePlans   GatePlanResolver
	driverFor   AgentDriverFactory
	verifier    Verifier
	feedback    FeedbackGenerator
	forge       Publisher
	store       Store
	strategyFor func(wo *WorkOrder) loopstrategy.Strategy

	maxConcurrentRuns     int
	leaseRenewalInterval  time.Duration
	defaultStaleThreshold time.Duration

	mu         sync.Mutex
	activeRuns map[string]context.CancelFunc
	startedAt  map[string]time.Time
	workOrders map[string]*WorkOrder

	events *events.PublishHelper
	logger *slog.Logger
}

// Config bundles the collaborators and limits an Orchestrator is built from.
type Config struct {
	Queue             *queue.Queue
	Admission         *admission.Controller
	Leases            *lease.Manager
	Tracker           *proctrack.Tracker
	StaleDetector     *stale.Detector
	Workspaces        WorkspaceManager
	GatePlans         GatePlanResolver
	DriverFor         AgentDriverFactory
	Verifier          Verifier
	Feedback          FeedbackGenerator
	Forge             Publisher
	Store             Store
	StrategyFor       func(wo *WorkOrder) loopstrategy.Strategy
	MaxConcurrentRuns int
	// LeaseRenewalInterval is forwarded to the Run Executor's own lease
	// renewal loop (runexec.WithLeaseRenewalInterval); zero keeps the Run
	// Executor's built-in default.
	LeaseRenewalInterval time.Duration
	// DefaultStaleThreshold is the wall-clock budget ListRunning reports to
	// the Stale Detector for a work order that didn't set its own
	// MaxWallClockSeconds; zero leaves such work orders unbounded (classify
	// only as dead-process, never stale-by-time).
	DefaultStaleThreshold time.Duration
	Events                *events.PublishHelper
	Logger                *slog.Logger
}

// New constructs an Orchestrator from a fully-wired Config. Forge, Events
// and Logger fall back to Noop, a nil-sink publisher and slog.Default()
// when unset; every other collaborator is supplied by the caller, and
// Orchestrator itself imports no concrete adapters (see DESIGN.md).
//
// The Admission Controller must have been constructed with this
// Orchestrator's Starter method as its admission.Starter — see the
// composition root in cmd/agentgated for the two-phase wiring this
// requires (Controller first, with a Starter closure over a not-yet-built
// Orchestrator, then the Orchestrator, then WireAdmission).
func New(cfg Config) *Orchestrator {
	if cfg.Forge == nil {
		cfg.Forge = Noop{}
	}
	if cfg.Events == nil {
		cfg.Events = events.NewPublishHelper(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		queue:                cfg.Queue,
		admission:            cfg.Admission,
		leases:               cfg.Leases,
		tracker:              cfg.Tracker,
		staleDetector:        cfg.StaleDetector,
		workspaces:           cfg.Workspaces,
		gatePlans:            cfg.GatePlans,
		driverFor:            cfg.DriverFor,
		verifier:             cfg.Verifier,
		feedback:             cfg.Feedback,
		forge:                cfg.Forge,
		store:                cfg.Store,
		strategyFor:          cfg.StrategyFor,
		maxConcurrentRuns:     cfg.MaxConcurrentRuns,
		leaseRenewalInterval:  cfg.LeaseRenewalInterval,
		defaultStaleThreshold: cfg.DefaultStaleThreshold,
		activeRuns:           make(map[string]context.CancelFunc),
		startedAt:            make(map[string]time.Time),
		workOrders:           make(map[string]*WorkOrder),
		events:               cfg.Events,
		logger:               cfg.Logger,
	}
}

// WireAdmission back-assigns the Admission Controller after construction,
// closing the Controller-needs-Starter / Starter-needs-Orchestrator cycle:
// build the Controller with a Starter that forwards to the Orchestrator's
// Starter, build the Orchestrator, then call WireAdmission before Submit is
// ever used.
func (o *Orchestrator) WireAdmission(c *admission.Controller) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.admission = c
}

// Execute runs wo to completion, bypassing the queue/admission path. This
// is the "exec now" direct-invocation surface; the normal path is Submit
// (enqueue) followed by the Admission Controller calling Starter.
func (o *Orchestrator) Execute(ctx context.Context, wo *WorkOrder) (*runexec.Run, error) {
	if wo.CreatedAt.IsZero() {
		wo.CreatedAt = time.Now()
	}
	if wo.ID == "" {
		wo.ID = uuid.NewString()
	}

	o.mu.Lock()
	if len(o.activeRuns) >= o.maxConcurrentRuns {
		o.mu.Unlock()
		return nil, agerrors.ErrConcurrencyExceeded(o.maxConcurrentRuns)
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.activeRuns[wo.ID] = cancel
	o.startedAt[wo.ID] = time.Now()
	o.workOrders[wo.ID] = wo
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.activeRuns, wo.ID)
		delete(o.startedAt, wo.ID)
		o.mu.Unlock()
		cancel()
	}()

	wo.Status = StatusRunning
	run, err := o.runLifecycle(runCtx, wo)
	if err != nil {
		wo.Status = StatusFailed
		return nil, err
	}
	wo.Status = resultToStatus(run.Result)
	return run, nil
}

// Submit enqueues wo for admission-gated execution and returns its id and
// initial status.
func (o *Orchestrator) Submit(ctx context.Context, wo *WorkOrder) (id string, status string, err error) {
	if wo.ID == "" {
		wo.ID = uuid.NewString()
	}
	wo.CreatedAt = time.Now()
	wo.Status = StatusQueued

	o.mu.Lock()
	o.workOrders[wo.ID] = wo
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.SaveWorkOrder(ctx, wo); err != nil {
			return "", "", fmt.Errorf("persist work order: %w", err)
		}
	}

	if _, err := o.queue.Enqueue(wo.ID, queue.EnqueueOptions{Priority: wo.Priority, MaxWaitMs: wo.MaxWaitMs}); err != nil {
		return "", "", err
	}

	if o.admission != nil {
		o.admission.Notify(ctx)
	}

	return wo.ID, wo.Status, nil
}

// Starter is the admission.Starter the Admission Controller invokes for an
// admitted work order id. It records the queue's running bookkeeping and
// cancellation handle, then launches the run asynchronously — admission
// ticks must not block on a full run.
func (o *Orchestrator) Starter(ctx context.Context, workOrderID string) error {
	o.mu.Lock()
	wo, ok := o.workOrders[workOrderID]
	o.mu.Unlock()
	if !ok {
		return agerrors.ErrWorkOrderNotFound(workOrderID)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	var maxWallClockMs *int64
	if wo.MaxWallClockSeconds > 0 {
		ms := wo.MaxWallClockSeconds * 1000
		maxWallClockMs = &ms
	}
	if err := o.queue.MarkStarted(workOrderID, cancel, maxWallClockMs); err != nil {
		cancel()
		return err
	}

	o.mu.Lock()
	o.activeRuns[workOrderID] = cancel
	o.startedAt[workOrderID] = time.Now()
	o.mu.Unlock()

	wo.Status = StatusRunning
	if o.store != nil {
		_ = o.store.UpdateStatus(ctx, workOrderID, StatusRunning)
	}

	go o.runAdmitted(runCtx, wo, cancel)
	return nil
}

func (o *Orchestrator) runAdmitted(ctx context.Context, wo *WorkOrder, cancel context.CancelFunc) {
	defer func() {
		o.mu.Lock()
		delete(o.activeRuns, wo.ID)
		delete(o.startedAt, wo.ID)
		o.mu.Unlock()
		cancel()
		o.queue.MarkCompleted(wo.ID)
		if o.admission != nil {
			o.admission.Notify(context.Background())
		}
	}()

	run, err := o.runLifecycle(ctx, wo)
	if err != nil {
		wo.Status = StatusFailed
		o.logger.Error("orchestrator: run failed", "work_order_id", wo.ID, "error", err)
		if o.store != nil {
			_ = o.store.UpdateStatus(context.Background(), wo.ID, StatusFailed)
		}
		return
	}
	wo.Status = resultToStatus(run.Result)
}

// runLifecycle materializes a workspace, acquires a lease bounded by
// min(maxWallClockSeconds*1000, 24h), drives the run, and releases both
// regardless of outcome.
func (o *Orchestrator) runLifecycle(ctx context.Context, wo *WorkOrder) (*runexec.Run, error) {
	ws, err := o.workspaces.Create(ctx, wo.WorkspaceSource)
	if err != nil {
		return nil, fmt.Errorf("materialize workspace: %w", err)
	}

	ttl := time.Duration(wo.MaxWallClockSeconds) * time.Second
	if ttl <= 0 || ttl > maxLeaseTTL {
		ttl = maxLeaseTTL
	}
	if _, err := o.leases.Acquire(ws.ID, wo.ID, ttl); err != nil {
		_ = o.workspaces.Release(ctx, ws.ID)
		return nil, err
	}

	run, err := o.executeRun(ctx, wo, ws)

	o.leases.Release(ws.ID)
	_ = o.workspaces.Release(ctx, ws.ID)

	if err != nil {
		return nil, err
	}
	return run, nil
}

func (o *Orchestrator) executeRun(ctx context.Context, wo *WorkOrder, ws Workspace) (*runexec.Run, error) {
	plan, err := o.gatePlans.ResolveGatePlan(ctx, ws.RootPath, wo.GatePlanSource)
	if err != nil {
		return nil, fmt.Errorf("resolve gate plan: %w", err)
	}

	driver, err := o.driverFor(wo.AgentType)
	if err != nil {
		return nil, fmt.Errorf("resolve agent driver: %w", err)
	}

	var maxWallClockMs *int64
	if wo.MaxWallClockSeconds > 0 {
		ms := wo.MaxWallClockSeconds * 1000
		maxWallClockMs = &ms
	}

	callbacks := runexec.Callbacks{
		OnRunStarted: func(run *runexec.Run) {
			o.events.StateChange(wo.ID, "", string(run.State), "run started")
		},
		OnCaptureBeforeState: func(ctx context.Context, workspaceID string) (runexec.BeforeState, error) {
			return runexec.BeforeState{SHA: "", Branch: "", Dirty: false}, nil
		},
		OnBuild: func(ctx context.Context, workspaceID, prompt, feedbackText string, iteration int, sessionID string, stream runexec.StreamFunc) (runexec.AgentResult, error) {
			return driver.Execute(ctx, AgentRequest{
				WorkspaceRoot: ws.RootPath,
				Prompt:        prompt,
				Feedback:      feedbackText,
				Iteration:     iteration,
				SessionID:     sessionID,
				Stream:        stream,
			})
		},
		OnSnapshot: func(ctx context.Context, workspaceID string, before runexec.BeforeState, runID string, iteration int, prompt string) (runexec.Snapshot, error) {
			return runexec.Snapshot{ID: fmt.Sprintf("%s-%d", runID, iteration), BeforeSHA: before.SHA, AfterSHA: before.SHA}, nil
		},
		OnVerify: func(ctx context.Context, snapshot runexec.Snapshot, gatePlan any, runID string, iteration int) (buildfail.VerificationReport, error) {
			return o.verifier.Verify(ctx, snapshot, plan, runID, iteration, 0, nil)
		},
		OnCreatePullRequest: func(ctx context.Context, run *runexec.Run) (string, int, string, error) {
			branch := fmt.Sprintf("agentgate/%s", wo.ID)
			pr, err := o.forge.CreatePullRequest(ctx, ws.ID, branch, wo.TaskPrompt, "")
			if err != nil {
				return "", 0, "", err
			}
			return pr.URL, pr.Number, pr.Branch, nil
		},
		OnPollCI: func(ctx context.Context, run *runexec.Run) (bool, error) {
			status, err := o.forge.PollCIStatus(ctx, run.PRNumber)
			if err != nil {
				return false, err
			}
			return status.Passed, nil
		},
		OnFeedback: func(ctx context.Context, snapshot runexec.Snapshot, report buildfail.VerificationReport, gatePlan any) (string, error) {
			return o.feedback.Generate(ctx, report, 0)
		},
		PersistRun: func(ctx context.Context, run *runexec.Run) error {
			if o.store == nil {
				return nil
			}
			return o.store.SaveRun(ctx, run)
		},
		PersistIteration: func(ctx context.Context, run *runexec.Run, iter runexec.IterationData) error {
			if o.store == nil {
				return nil
			}
			return o.store.SaveIteration(ctx, run.RunID, iter)
		},
	}

	var strategy loopstrategy.Strategy
	if o.strategyFor != nil {
		strategy = o.strategyFor(wo)
	}

	executorOpts := []runexec.Option{
		runexec.WithLeaseManager(o.leases),
		runexec.WithEvents(o.events),
		runexec.WithLogger(o.logger),
	}
	if strategy != nil {
		executorOpts = append(executorOpts, runexec.WithStrategy(strategy))
	}
	if o.leaseRenewalInterval > 0 {
		executorOpts = append(executorOpts, runexec.WithLeaseRenewalInterval(o.leaseRenewalInterval))
	}

	executor := runexec.New(callbacks, executorOpts...)

	run, err := executor.Execute(ctx, runexec.WorkOrderInput{
		WorkOrderID:       wo.ID,
		WorkspaceID:       ws.ID,
		TaskPrompt:        wo.TaskPrompt,
		GatePlan:          plan,
		MaxIterations:     wo.MaxIterations,
		MaxWallClockMs:    maxWallClockMs,
		RetriesEnabled:    wo.RetriesEnabled,
		PollCIEnabled:     wo.PollCIEnabled,
		CreatePullRequest: wo.CreatePullRequest,
	})
	if err != nil {
		return nil, err
	}

	if o.tracker != nil {
		o.tracker.MarkExited(wo.ID, 0)
	}

	return run, nil
}

func resultToStatus(r runexec.Result) string {
	switch r {
	case runexec.ResultPassed:
		return StatusSucceeded
	case runexec.ResultCanceled:
		return StatusCanceled
	default:
		return StatusFailed
	}
}

// ActiveRunCount reports the number of runs currently in flight.
func (o *Orchestrator) ActiveRunCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.activeRuns)
}

// ListRunning implements stale.RunningLister: it enumerates every in-flight
// run so the Stale Detector can classify it as healthy, stale, or dead.
func (o *Orchestrator) ListRunning() []stale.RunningWorkOrder {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]stale.RunningWorkOrder, 0, len(o.activeRuns))
	for id := range o.activeRuns {
		wo, ok := o.workOrders[id]
		if !ok {
			continue
		}
		var maxMs *int64
		if wo.MaxWallClockSeconds > 0 {
			ms := wo.MaxWallClockSeconds * 1000
			maxMs = &ms
		} else if o.defaultStaleThreshold > 0 {
			ms := o.defaultStaleThreshold.Milliseconds()
			maxMs = &ms
		}
		out = append(out, stale.RunningWorkOrder{
			WorkOrderID:      id,
			StartedAt:        o.startedAt[id],
			MaxRunningTimeMs: maxMs,
		})
	}
	return out
}

// CancelRun cancels an in-flight run's context, if one is registered for id.
func (o *Orchestrator) CancelRun(id string) bool {
	o.mu.Lock()
	cancel, ok := o.activeRuns[id]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Get returns a copy of the work order record for id.
func (o *Orchestrator) Get(id string) (*WorkOrder, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	wo, ok := o.workOrders[id]
	if !ok {
		return nil, agerrors.ErrWorkOrderNotFound(id)
	}
	cp := *wo
	return &cp, nil
}

// ListFilter narrows and paginates List results.
type ListFilter struct {
	Status string
	Offset int
	Limit  int
}

// List returns work orders matching filter, sorted by submission time for
// stable pagination independent of map iteration order.
func (o *Orchestrator) List(filter ListFilter) []*WorkOrder {
	o.mu.Lock()
	all := make([]*WorkOrder, 0, len(o.workOrders))
	for _, wo := range o.workOrders {
		cp := *wo
		all = append(all, &cp)
	}
	o.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	var filtered []*WorkOrder
	for _, wo := range all {
		if filter.Status != "" && wo.Status != filter.Status {
			continue
		}
		filtered = append(filtered, wo)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(filtered) {
			return nil
		}
		filtered = filtered[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(filtered) {
		filtered = filtered[:filter.Limit]
	}
	return filtered
}

// Cancel transitions a waiting work order to Canceled, or fires the
// cancellation handle of a running one.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	wo, ok := o.workOrders[id]
	o.mu.Unlock()
	if !ok {
		return agerrors.ErrWorkOrderNotFound(id)
	}

	if o.queue.Cancel(id) {
		wo.Status = StatusCanceled
		o.events.Canceled(id)
		if o.store != nil {
			_ = o.store.UpdateStatus(ctx, id, StatusCanceled)
		}
		return nil
	}

	if o.queue.CancelRunning(id) {
		o.events.Canceled(id)
		return nil
	}

	return agerrors.ErrConflict(id, wo.Status)
}

// Kill terminates a running work order's OS process via the Process
// Tracker. force only changes the reason that is logged: both paths call
// Tracker.ForceKill, which sends SIGTERM and escalates to SIGKILL after the
// Tracker's graceful timeout; there is no immediate-SIGKILL path.
func (o *Orchestrator) Kill(ctx context.Context, id string, force bool) error {
	o.mu.Lock()
	_, ok := o.workOrders[id]
	o.mu.Unlock()
	if !ok {
		return agerrors.ErrWorkOrderNotFound(id)
	}

	reason := "graceful kill requested"
	if force {
		reason = "forced kill requested"
	}
	if o.tracker != nil {
		o.tracker.ForceKill(id, reason)
	}
	o.queue.CancelRunning(id)
	o.CancelRun(id)
	return nil
}

// PurgeFilter selects terminal work orders for bulk deletion.
type PurgeFilter struct {
	Statuses  []string
	OlderThan time.Time
	DryRun    bool
}

// PurgeResult reports how many work orders matched and how many were
// actually deleted (zero when DryRun is set).
type PurgeResult struct {
	Matched int
	Deleted int
	DryRun  bool
}

// Purge bulk-deletes terminal work orders matching filter.
func (o *Orchestrator) Purge(ctx context.Context, filter PurgeFilter) PurgeResult {
	statusSet := make(map[string]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statusSet[s] = true
	}

	o.mu.Lock()
	var toDelete []string
	for id, wo := range o.workOrders {
		if !isTerminalStatus(wo.Status) {
			continue
		}
		if len(statusSet) > 0 && !statusSet[wo.Status] {
			continue
		}
		if !filter.OlderThan.IsZero() && wo.CreatedAt.After(filter.OlderThan) {
			continue
		}
		toDelete = append(toDelete, id)
	}
	if !filter.DryRun {
		for _, id := range toDelete {
			delete(o.workOrders, id)
		}
	}
	o.mu.Unlock()

	deleted := len(toDelete)
	if filter.DryRun {
		deleted = 0
	}
	return PurgeResult{Matched: len(toDelete), Deleted: deleted, DryRun: filter.DryRun}
}

// QueueHealth is the queue health snapshot control-plane operation.
type QueueHealth struct {
	Status      string
	Stats       queue.Stats
	Utilization float64
	Indicators  []string
	Timestamp   time.Time
}

// QueueHealth reports a point-in-time queue health snapshot.
func (o *Orchestrator) QueueHealth() QueueHealth {
	stats := o.queue.Stats()

	var utilization float64
	if stats.MaxConcurrent > 0 {
		utilization = float64(stats.Running) / float64(stats.MaxConcurrent)
	}

	status := "healthy"
	var indicators []string
	if !stats.Accepting {
		indicators = append(indicators, "queue_full")
		status = "degraded"
	}
	if utilization >= 1.0 {
		indicators = append(indicators, "at_capacity")
	}
	if stats.Waiting > 0 && utilization >= 1.0 {
		indicators = append(indicators, "backlog_building")
		status = "degraded"
	}

	return QueueHealth{
		Status:      status,
		Stats:       stats,
		Utilization: utilization,
		Indicators:  indicators,
		Timestamp:   time.Now(),
	}
}
