// Package runexec implements the Run Executor: the single-run state
// machine driver that walks a work order through
// BUILD -> SNAPSHOT -> VERIFY -> FEEDBACK iterations to a terminal result.
//
// The iteration loop's shape (bounded retries, feedback-driven re-entry,
// best-effort lifecycle hooks) is grounded on the teacher's
// internal/orchestrator/worker.go task loop and internal/executor/retry.go's
// RetryTracker, generalized from orc's fixed phase pipeline into the
// closed BUILD/SNAPSHOT/VERIFY/FEEDBACK state machine in internal/runstate.
package runexec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentgate/agentgate/internal/buildfail"
	"github.com/agentgate/agentgate/internal/clock"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/lease"
	"github.com/agentgate/agentgate/internal/loopstrategy"
	"github.com/agentgate/agentgate/internal/runstate"
	"github.com/google/uuid"
)

// Result is the run's final outcome.
type Result string

const (
	ResultNone                Result = "None"
	ResultPassed              Result = "Passed"
	ResultFailedBuild         Result = "FailedBuild"
	ResultFailedVerification  Result = "FailedVerification"
	ResultFailedError         Result = "FailedError"
	ResultCanceled            Result = "Canceled"
)

// Warning is a non-fatal event recorded against a run, produced by optional
// callback failures (push, PR creation, pre-CI-verdict polling errors).
type Warning struct {
	Type      string
	Message   string
	Iteration int
	Time      time.Time
}

// IterationData is the telemetry and outcome recorded for one BUILD/
// SNAPSHOT/VERIFY/FEEDBACK pass.
type IterationData struct {
	Iteration          int
	StartedAt          time.Time
	EndedAt            time.Time
	DurationMs         int64
	VerificationPassed bool

	AgentDurationMs int64
	TokensIn        int
	TokensOut       int
	CostUSD         float64

	ErrorType        buildfail.Type
	ErrorDetails     *buildfail.BuildError
	AgentResultFile  string
	VerificationFile string
	SnapshotID       string
	FeedbackGenerated bool
}

// Run is the mutable record of one run's progress and final outcome.
type Run struct {
	RunID       string
	WorkOrderID string
	WorkspaceID string
	SessionID   string
	Iteration   int
	State       runstate.State
	Result      Result

	GitHubBranch string
	PRURL        string
	PRNumber     int

	Iterations []IterationData
	Warnings   []Warning
}

// BeforeState captures the workspace's pre-iteration baseline.
type BeforeState struct {
	SHA    string
	Branch string
	Dirty  bool
}

// Snapshot is the post-BUILD workspace capture handed to Verify/Feedback.
type Snapshot struct {
	ID        string
	BeforeSHA string
	AfterSHA  string
}

// AgentResult is the raw outcome of one BUILD invocation.
type AgentResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	Success    bool
	SessionID  string
	DurationMs int64
	TokensIn   int
	TokensOut  int
	CostUSD    float64
}

// StreamFunc is the streaming callback injected into onBuild for live
// agent output; implementations are expected to be an
// events.BatchingPublisher-backed sink per §5.
type StreamFunc func(eventType string, payload any)

// WorkOrderInput is the subset of a work order the Run Executor consumes.
type WorkOrderInput struct {
	WorkOrderID         string
	WorkspaceID         string
	TaskPrompt          string
	GatePlan            any
	MaxIterations        int
	MaxWallClockMs       *int64
	RetriesEnabled       bool
	PollCIEnabled        bool
	CreatePullRequest    bool
}

// Callbacks are the external collaborators the Run Executor drives, wired
// by the Orchestrator from the concrete interfaces in internal/orchestrator.
type Callbacks struct {
	OnRunStarted         func(run *Run)
	OnCaptureBeforeState func(ctx context.Context, workspaceID string) (BeforeState, error)
	OnBuild              func(ctx context.Context, workspaceID, prompt, feedback string, iteration int, sessionID string, stream StreamFunc) (AgentResult, error)
	OnPushIteration      func(ctx context.Context, workspaceID string, iteration int) error
	OnSnapshot           func(ctx context.Context, workspaceID string, before BeforeState, runID string, iteration int, prompt string) (Snapshot, error)
	OnVerify             func(ctx context.Context, snapshot Snapshot, gatePlan any, runID string, iteration int) (buildfail.VerificationReport, error)
	OnCreatePullRequest  func(ctx context.Context, run *Run) (prURL string, prNumber int, branch string, err error)
	OnPollCI             func(ctx context.Context, run *Run) (passed bool, err error)
	OnFeedback           func(ctx context.Context, snapshot Snapshot, report buildfail.VerificationReport, gatePlan any) (string, error)
	PersistRun           func(ctx context.Context, run *Run) error
	PersistIteration      func(ctx context.Context, run *Run, iter IterationData) error
}

// Executor is the Run Executor.
type Executor struct {
	callbacks Callbacks
	strategy  loopstrategy.Strategy
	leases    *lease.Manager
	clock     clock.Clock
	events    *events.PublishHelper
	logger    *slog.Logger

	leaseRenewalInterval time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithStrategy installs a Loop Strategy; nil means "use the §4.7 fallback
// policy only" (always valid — the fallback is unconditional).
func WithStrategy(s loopstrategy.Strategy) Option {
	return func(e *Executor) { e.strategy = s }
}

// WithLeaseManager wires a Lease Manager for renewal during the run.
func WithLeaseManager(m *lease.Manager) Option {
	return func(e *Executor) { e.leases = m }
}

// WithClock overrides the Clock (tests only).
func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithEvents sets the event publisher helper.
func WithEvents(h *events.PublishHelper) Option {
	return func(e *Executor) { e.events = h }
}

// WithLogger sets the structured logger; nil defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithLeaseRenewalInterval overrides the lease renewal cadence.
func WithLeaseRenewalInterval(d time.Duration) Option {
	return func(e *Executor) { e.leaseRenewalInterval = d }
}

// New creates a Run Executor with the given callbacks.
func New(callbacks Callbacks, opts ...Option) *Executor {
	e := &Executor{callbacks: callbacks, leaseRenewalInterval: lease.DefaultRenewalInterval}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clock.RealClock{}
	}
	if e.events == nil {
		e.events = events.NewPublishHelper(nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Execute drives one work order through its full run lifecycle and returns
// the terminal Run.
func (e *Executor) Execute(ctx context.Context, wo WorkOrderInput) (*Run, error) {
	run := &Run{
		RunID:       uuid.NewString(),
		WorkOrderID: wo.WorkOrderID,
		WorkspaceID: wo.WorkspaceID,
		Iteration:   1,
		State:       runstate.StateCreated,
		Result:      ResultNone,
	}

	if e.callbacks.PersistRun != nil {
		if err := e.callbacks.PersistRun(ctx, run); err != nil {
			// Initial run-record write failure is fatal per §7.
			return nil, fmt.Errorf("persist initial run record: %w", err)
		}
	}
	if e.callbacks.OnRunStarted != nil {
		e.callbacks.OnRunStarted(run)
	}

	run.State = e.transition(run, runstate.EventWorkspaceAcquired)

	var beforeState BeforeState
	if e.callbacks.OnCaptureBeforeState != nil {
		bs, err := e.callbacks.OnCaptureBeforeState(ctx, wo.WorkspaceID)
		if err != nil {
			return e.finishWithSystemError(ctx, run, buildfail.FromSystemException(err)), nil
		}
		beforeState = bs
	}

	// snapshotHistory and trend are the rolling progress signals fed to the
	// Loop Strategy: snapshotHistory is the digest of each iteration's
	// snapshot (Ralph's convergence window), trend tracks whether
	// verification diagnostics are shrinking, flat, or growing across
	// iterations (Hybrid's bonus-iteration signal). Both start empty/neutral
	// since iteration 1 has nothing yet to compare against.
	var snapshotHistory []string
	trend := loopstrategy.TrendFlat
	prevDiagnostics := -1

	if e.strategy != nil {
		loopCtx := e.loopContext(run, wo, trend, snapshotHistory)
		if err := e.strategy.OnLoopStart(loopCtx); err != nil {
			return e.finishWithSystemError(ctx, run, buildfail.FromSystemException(err)), nil
		}
	}

	var renewalRunner *lease.RenewalRunner
	var renewalCancel context.CancelFunc
	if e.leases != nil {
		l := e.leases.Get(wo.WorkspaceID)
		if l != nil {
			var renewalCtx context.Context
			renewalCtx, renewalCancel = context.WithCancel(ctx)
			renewalRunner = lease.NewRenewalRunner(e.leases, l.ID, e.leaseRenewalInterval, e.logger)
			renewalRunner.Start(renewalCtx)
		}
	}
	defer func() {
		if renewalRunner != nil {
			renewalRunner.Stop()
		}
		if renewalCancel != nil {
			renewalCancel()
		}
	}()

	runStartTime := e.clock.Now()
	var lastDecision loopstrategy.Decision
	feedback := ""

	for !runstate.IsTerminal(run.State) {
		if wo.MaxWallClockMs != nil && e.clock.Since(runStartTime).Milliseconds() > *wo.MaxWallClockMs {
			be := &buildfail.BuildError{Type: buildfail.TypeAgentTimeout, Message: "run exceeded maxWallClockMs", FailedAt: e.clock.Now()}
			run.State = e.transition(run, runstate.EventSystemError)
			run.Result = ResultFailedError
			e.appendIterationError(run, be)
			break
		}

		loopCtx := e.loopContext(run, wo, trend, snapshotHistory)
		if e.strategy != nil {
			_ = e.strategy.OnIterationStart(loopCtx)
		}

		iterStart := e.clock.Now()
		iterData := IterationData{Iteration: run.Iteration, StartedAt: iterStart}

		// BUILD
		if run.State != runstate.StateBuilding {
			run.State = e.transition(run, runstate.EventBuildStarted)
		}
		stream := func(eventType string, payload any) {
			e.events.Publish(events.NewEvent(events.EventType(eventType), wo.WorkOrderID, payload))
		}

		agentResult, err := e.callbacks.OnBuild(ctx, wo.WorkspaceID, wo.TaskPrompt, feedback, run.Iteration, run.SessionID, stream)
		if err != nil {
			be := buildfail.FromSystemException(err)
			run.State = e.transition(run, runstate.EventBuildFailed)
			run.Result = ResultFailedBuild
			e.finalizeIteration(ctx, run, &iterData, iterStart, be)
			break
		}
		if !agentResult.Success || agentResult.ExitCode != 0 {
			be := buildfail.FromAgentResult(buildfail.AgentResult{
				ExitCode: agentResult.ExitCode, Success: agentResult.Success,
				Stdout: agentResult.Stdout, Stderr: agentResult.Stderr,
			})
			run.State = e.transition(run, runstate.EventBuildFailed)
			run.Result = ResultFailedBuild
			iterData.AgentDurationMs = agentResult.DurationMs
			iterData.TokensIn, iterData.TokensOut, iterData.CostUSD = agentResult.TokensIn, agentResult.TokensOut, agentResult.CostUSD
			e.finalizeIteration(ctx, run, &iterData, iterStart, be)
			break
		}

		iterData.AgentDurationMs = agentResult.DurationMs
		iterData.TokensIn, iterData.TokensOut, iterData.CostUSD = agentResult.TokensIn, agentResult.TokensOut, agentResult.CostUSD
		if agentResult.SessionID != "" {
			run.SessionID = agentResult.SessionID
		}
		run.State = e.transition(run, runstate.EventBuildCompleted)

		if e.callbacks.OnPushIteration != nil {
			if err := e.callbacks.OnPushIteration(ctx, wo.WorkspaceID, run.Iteration); err != nil {
				e.warn(run, "push_failed", err.Error(), run.Iteration)
			}
		}

		// SNAPSHOT
		snapshot, err := e.callbacks.OnSnapshot(ctx, wo.WorkspaceID, beforeState, run.RunID, run.Iteration, wo.TaskPrompt)
		if err != nil {
			be := buildfail.FromSystemException(err)
			run.State = e.transition(run, runstate.EventSystemError)
			run.Result = ResultFailedError
			e.finalizeIteration(ctx, run, &iterData, iterStart, be)
			break
		}
		run.State = e.transition(run, runstate.EventSnapshotCompleted)
		iterData.SnapshotID = snapshot.ID

		digest := snapshot.AfterSHA
		if digest == "" {
			digest = snapshot.ID
		}
		snapshotHistory = append(snapshotHistory, digest)

		// VERIFY
		report, err := e.callbacks.OnVerify(ctx, snapshot, wo.GatePlan, run.RunID, run.Iteration)
		if err != nil {
			be := buildfail.FromSystemException(err)
			run.State = e.transition(run, runstate.EventSystemError)
			run.Result = ResultFailedError
			e.finalizeIteration(ctx, run, &iterData, iterStart, be)
			break
		}

		passed := verificationPassed(report)
		iterData.VerificationPassed = passed

		if passed {
			if wo.CreatePullRequest && e.callbacks.OnCreatePullRequest != nil {
				prURL, prNumber, branch, err := e.callbacks.OnCreatePullRequest(ctx, run)
				if err != nil {
					e.warn(run, "pr_creation_failed", err.Error(), run.Iteration)
				} else {
					run.PRURL, run.PRNumber, run.GitHubBranch = prURL, prNumber, branch
					run.State = e.transition(run, runstate.EventPRCreated)
				}
			}

			if wo.PollCIEnabled && run.PRURL != "" && run.GitHubBranch != "" && e.callbacks.OnPollCI != nil {
				run.State = e.transition(run, runstate.EventCIPollingStarted)
				ciPassed, err := e.callbacks.OnPollCI(ctx, run)
				if err != nil {
					be := buildfail.FromSystemException(err)
					run.State = e.transition(run, runstate.EventCITimeout)
					run.Result = ResultFailedError
					e.finalizeIteration(ctx, run, &iterData, iterStart, be)
					break
				}
				if ciPassed {
					run.State = e.transition(run, runstate.EventCIPassed)
					run.Result = ResultPassed
					e.finalizeIteration(ctx, run, &iterData, iterStart, nil)
					break
				}
				if wo.RetriesEnabled && run.Iteration < wo.MaxIterations {
					run.State = e.transition(run, runstate.EventVerifyFailedRetryable)
					run.State = e.transition(run, runstate.EventFeedbackGenerated)
					e.finalizeIteration(ctx, run, &iterData, iterStart, nil)
					run.Iteration = runstate.IterationNumbering(runstate.StateFeedback, run.Iteration) + 1
					beforeState = BeforeState{SHA: snapshot.AfterSHA}
					continue
				}
				run.State = e.transition(run, runstate.EventVerifyFailedTerminal)
				run.Result = ResultFailedVerification
				e.finalizeIteration(ctx, run, &iterData, iterStart, nil)
				break
			}

			run.State = e.transition(run, runstate.EventVerifyPassed)
			run.Result = ResultPassed
			e.finalizeIteration(ctx, run, &iterData, iterStart, nil)
			break
		}

		// Verification failed: consult the Loop Strategy (or the §4.7
		// fallback) for whether to retry. trend compares this iteration's
		// diagnostics count against the prior failing iteration's, so Hybrid
		// can grant a bonus iteration when the agent is making progress.
		diagnostics := diagnosticsCount(report)
		trend = trendFrom(prevDiagnostics, diagnostics)
		prevDiagnostics = diagnostics

		loopCtx = e.loopContext(run, wo, trend, snapshotHistory)
		loopCtx.LastVerifyPassed = false
		var decision loopstrategy.Decision
		if e.strategy != nil {
			decision = loopstrategy.SafeShouldContinue(e.strategy, loopCtx, e.logger)
		} else {
			decision = fallbackDecisionFor(loopCtx)
		}
		lastDecision = decision

		if e.strategy != nil {
			_ = e.strategy.OnIterationEnd(loopCtx, decision)
		}

		if !decision.ShouldContinue {
			be := buildfail.FromVerificationReport(report)
			run.State = e.transition(run, runstate.EventVerifyFailedTerminal)
			run.Result = ResultFailedVerification
			e.finalizeIteration(ctx, run, &iterData, iterStart, be)
			break
		}

		run.State = e.transition(run, runstate.EventVerifyFailedRetryable)

		feedbackText := ""
		if e.callbacks.OnFeedback != nil {
			ft, err := e.callbacks.OnFeedback(ctx, snapshot, report, wo.GatePlan)
			if err != nil {
				be := buildfail.FromSystemException(err)
				run.State = e.transition(run, runstate.EventSystemError)
				run.Result = ResultFailedError
				e.finalizeIteration(ctx, run, &iterData, iterStart, be)
				break
			}
			feedbackText = ft
		}
		feedback = feedbackText

		run.State = e.transition(run, runstate.EventFeedbackGenerated)
		iterData.FeedbackGenerated = true
		e.finalizeIteration(ctx, run, &iterData, iterStart, buildfail.FromVerificationReport(report))

		run.Iteration = runstate.IterationNumbering(runstate.StateFeedback, run.Iteration) + 1
		beforeState = BeforeState{SHA: snapshot.AfterSHA}
	}

	if e.strategy != nil {
		loopCtx := e.loopContext(run, wo, trend, snapshotHistory)
		_ = e.strategy.OnLoopEnd(loopCtx, lastDecision)
	}

	return run, nil
}

func (e *Executor) transition(run *Run, event runstate.Event) runstate.State {
	next, err := runstate.ApplyTransition(run.State, event)
	if err != nil {
		e.logger.Error("run state machine rejected transition", "run_id", run.RunID, "state", run.State, "event", event, "error", err)
		return run.State
	}
	return next
}

func (e *Executor) finalizeIteration(ctx context.Context, run *Run, iterData *IterationData, start time.Time, be *buildfail.BuildError) {
	iterData.EndedAt = e.clock.Now()
	iterData.DurationMs = e.clock.Since(start).Milliseconds()
	if be != nil {
		iterData.ErrorType = be.Type
		iterData.ErrorDetails = be
	}
	run.Iterations = append(run.Iterations, *iterData)

	if e.callbacks.PersistIteration != nil {
		if err := e.callbacks.PersistIteration(ctx, run, *iterData); err != nil {
			e.logger.Warn("persist iteration artifact failed, run continues", "run_id", run.RunID, "iteration", iterData.Iteration, "error", err)
		}
	}
}

func (e *Executor) appendIterationError(run *Run, be *buildfail.BuildError) {
	run.Iterations = append(run.Iterations, IterationData{
		Iteration:    run.Iteration,
		StartedAt:    be.FailedAt,
		EndedAt:      be.FailedAt,
		ErrorType:    be.Type,
		ErrorDetails: be,
	})
}

func (e *Executor) finishWithSystemError(ctx context.Context, run *Run, be *buildfail.BuildError) *Run {
	run.State = e.transition(run, runstate.EventSystemError)
	run.Result = ResultFailedError
	e.appendIterationError(run, be)
	if e.callbacks.PersistIteration != nil {
		_ = e.callbacks.PersistIteration(ctx, run, run.Iterations[len(run.Iterations)-1])
	}
	return run
}

func (e *Executor) warn(run *Run, typ, message string, iteration int) {
	run.Warnings = append(run.Warnings, Warning{Type: typ, Message: message, Iteration: iteration, Time: e.clock.Now()})
}

func (e *Executor) loopContext(run *Run, wo WorkOrderInput, trend loopstrategy.Trend, snapshots []string) loopstrategy.Context {
	return loopstrategy.Context{
		WorkOrderID: run.WorkOrderID,
		RunID:       run.RunID,
		TaskPrompt:  wo.TaskPrompt,
		State: loopstrategy.IterationState{
			Iteration:     run.Iteration,
			MaxIterations: wo.MaxIterations,
			Progress:      loopstrategy.Progress{Trend: trend},
			Snapshots:     snapshots,
		},
		RetriesEnabled: wo.RetriesEnabled,
	}
}

func fallbackDecisionFor(ctx loopstrategy.Context) loopstrategy.Decision {
	if !ctx.RetriesEnabled {
		return loopstrategy.Decision{ShouldContinue: false, Action: loopstrategy.ActionStop, Reason: "retries disabled"}
	}
	if ctx.State.Iteration >= ctx.State.MaxIterations {
		return loopstrategy.Decision{ShouldContinue: false, Action: loopstrategy.ActionStop, Reason: "reached maxIterations"}
	}
	return loopstrategy.Decision{ShouldContinue: true, Action: loopstrategy.ActionContinue, Reason: "retries enabled and under maxIterations"}
}

func verificationPassed(r buildfail.VerificationReport) bool {
	for _, lvl := range r.Levels {
		if !lvl.Passed {
			return false
		}
	}
	return true
}

// diagnosticsCount totals the diagnostics across every verification level,
// the executor's proxy for "how broken" a failing iteration is.
func diagnosticsCount(r buildfail.VerificationReport) int {
	n := 0
	for _, lvl := range r.Levels {
		n += len(lvl.Diagnostics)
	}
	return n
}

// trendFrom compares a failing iteration's diagnostics count against the
// prior failing iteration's. prev<0 means there's no prior iteration to
// compare against yet, so the trend is neutral.
func trendFrom(prev, current int) loopstrategy.Trend {
	switch {
	case prev < 0 || current == prev:
		return loopstrategy.TrendFlat
	case current < prev:
		return loopstrategy.TrendImproving
	default:
		return loopstrategy.TrendRegressing
	}
}
