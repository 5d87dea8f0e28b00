// Package loopstrategy implements the Loop Strategy capability set: the
// pluggable policy that decides whether a run's BUILD/VERIFY/FEEDBACK loop
// continues after a failed verification.
//
// The lifecycle-hooks-plus-decision shape, and the "ralph" variant's name
// and iteration/session-convergence vocabulary, are grounded on the
// teacher's internal/executor/ralph.go (front-matter-in-markdown iteration
// tracking toward a completion promise). Retry-budget bookkeeping for the
// Fixed/Hybrid variants is grounded on internal/executor/retry.go's
// RetryTracker (per-phase retry counts against a max).
package loopstrategy

import "log/slog"

// Action is the strategy's recommended next step.
type Action string

const (
	ActionContinue Action = "continue"
	ActionStop     Action = "stop"
)

// Decision is the outcome of a shouldContinue evaluation.
type Decision struct {
	ShouldContinue bool
	Action         Action
	Reason         string
}

// Trend summarizes the direction of progress across recent iterations.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendFlat      Trend = "flat"
	TrendRegressing Trend = "regressing"
)

// Progress is a lightweight summary of how recent iterations have trended,
// used by the Hybrid variant's bonus-iteration decision.
type Progress struct {
	Trend Trend
}

// IterationState carries the run's iteration bookkeeping into a strategy
// decision.
type IterationState struct {
	Iteration     int
	MaxIterations int
	Progress      Progress
	// Snapshots holds a rolling window of recent snapshot content hashes (or
	// similar comparable digests) for similarity-based variants like Ralph.
	Snapshots []string
}

// Context is passed to every lifecycle hook and to ShouldContinue.
type Context struct {
	WorkOrderID      string
	RunID            string
	TaskPrompt       string
	State            IterationState
	LastVerifyPassed bool
	RetriesEnabled   bool
}

// Strategy is the capability set a Loop Strategy variant implements.
// The Run Executor ends the run with FailedError when OnLoopStart returns
// an error; errors from OnIterationStart, OnIterationEnd and OnLoopEnd are
// discarded without logging and never abort the run.
type Strategy interface {
	OnLoopStart(ctx Context) error
	OnLoopEnd(ctx Context, last Decision) error
	OnIterationStart(ctx Context) error
	OnIterationEnd(ctx Context, decision Decision) error
	ShouldContinue(ctx Context) Decision
}

// fallbackDecision implements §4.7's fallback policy: stop at
// maxIterations, or stop if retries are globally disabled after a failed
// verification.
func fallbackDecision(ctx Context) Decision {
	if !ctx.RetriesEnabled {
		return Decision{ShouldContinue: false, Action: ActionStop, Reason: "retries disabled"}
	}
	if ctx.State.Iteration >= ctx.State.MaxIterations {
		return Decision{ShouldContinue: false, Action: ActionStop, Reason: "reached maxIterations"}
	}
	return Decision{ShouldContinue: true, Action: ActionContinue, Reason: "retries enabled and under maxIterations"}
}

// BaseStrategy provides no-op lifecycle hooks so variants only need to
// implement ShouldContinue (and override hooks they actually use).
type BaseStrategy struct {
	Logger *slog.Logger
}

func (b BaseStrategy) OnLoopStart(Context) error         { return nil }
func (b BaseStrategy) OnLoopEnd(Context, Decision) error { return nil }
func (b BaseStrategy) OnIterationStart(Context) error    { return nil }
func (b BaseStrategy) OnIterationEnd(Context, Decision) error { return nil }

// Fixed continues while iteration < maxIterations and the last
// verification failed; otherwise stops.
type Fixed struct {
	BaseStrategy
}

// NewFixed creates the Fixed loop strategy variant.
func NewFixed() *Fixed { return &Fixed{} }

func (f *Fixed) ShouldContinue(ctx Context) Decision {
	if ctx.LastVerifyPassed {
		return Decision{ShouldContinue: false, Action: ActionStop, Reason: "verification passed"}
	}
	return fallbackDecision(ctx)
}

// Hybrid behaves like Fixed for BaseIterations, then permits up to
// BonusIterations additional iterations if the run's progress is improving.
type Hybrid struct {
	BaseStrategy
	BaseIterations  int
	BonusIterations int
}

// NewHybrid creates the Hybrid loop strategy variant.
func NewHybrid(baseIterations, bonusIterations int) *Hybrid {
	return &Hybrid{BaseIterations: baseIterations, BonusIterations: bonusIterations}
}

func (h *Hybrid) ShouldContinue(ctx Context) Decision {
	if ctx.LastVerifyPassed {
		return Decision{ShouldContinue: false, Action: ActionStop, Reason: "verification passed"}
	}
	if !ctx.RetriesEnabled {
		return Decision{ShouldContinue: false, Action: ActionStop, Reason: "retries disabled"}
	}

	if ctx.State.Iteration < h.BaseIterations {
		return Decision{ShouldContinue: true, Action: ActionContinue, Reason: "within base iteration budget"}
	}

	bonusUsed := ctx.State.Iteration - h.BaseIterations
	if bonusUsed < h.BonusIterations && ctx.State.Progress.Trend == TrendImproving {
		return Decision{ShouldContinue: true, Action: ActionContinue, Reason: "progress improving, bonus iteration granted"}
	}

	return Decision{ShouldContinue: false, Action: ActionStop, Reason: "base+bonus iteration budget exhausted"}
}

// Ralph stops once a rolling similarity measure over the last WindowSize
// snapshots meets or exceeds Threshold, provided at least MinIterations
// have elapsed — i.e. once the agent's output has converged.
type Ralph struct {
	BaseStrategy
	WindowSize    int
	Threshold     float64
	MinIterations int
	Similarity    func(snapshots []string) float64
}

// NewRalph creates the Ralph loop strategy variant. similarity computes a
// [0,1] similarity score over the given rolling window of snapshot
// digests; callers typically supply a content-hash-based Jaccard or
// Levenshtein-derived measure.
func NewRalph(windowSize int, threshold float64, minIterations int, similarity func([]string) float64) *Ralph {
	return &Ralph{
		WindowSize:    windowSize,
		Threshold:     threshold,
		MinIterations: minIterations,
		Similarity:    similarity,
	}
}

func (r *Ralph) ShouldContinue(ctx Context) Decision {
	if ctx.LastVerifyPassed {
		return Decision{ShouldContinue: false, Action: ActionStop, Reason: "verification passed"}
	}
	if !ctx.RetriesEnabled {
		return Decision{ShouldContinue: false, Action: ActionStop, Reason: "retries disabled"}
	}
	if ctx.State.Iteration < r.MinIterations {
		return Decision{ShouldContinue: true, Action: ActionContinue, Reason: "below minIterations"}
	}
	if ctx.State.Iteration >= ctx.State.MaxIterations {
		return Decision{ShouldContinue: false, Action: ActionStop, Reason: "reached maxIterations"}
	}

	window := ctx.State.Snapshots
	if len(window) > r.WindowSize {
		window = window[len(window)-r.WindowSize:]
	}
	if r.Similarity == nil || len(window) < 2 {
		return Decision{ShouldContinue: true, Action: ActionContinue, Reason: "insufficient history for similarity"}
	}

	sim := r.Similarity(window)
	if sim >= r.Threshold {
		return Decision{ShouldContinue: false, Action: ActionStop, Reason: "rolling similarity converged"}
	}
	return Decision{ShouldContinue: true, Action: ActionContinue, Reason: "similarity below threshold"}
}

// ExactMatchSimilarity is a minimal default Ralph similarity measure: the
// fraction of adjacent pairs in the window that are byte-identical. It
// detects the simplest convergence case, "nothing changed between
// iterations"; a deployment with richer snapshot digests may supply a
// content-hash Jaccard or edit-distance measure instead.
func ExactMatchSimilarity(snapshots []string) float64 {
	if len(snapshots) < 2 {
		return 0
	}
	matches := 0
	for i := 1; i < len(snapshots); i++ {
		if snapshots[i] == snapshots[i-1] {
			matches++
		}
	}
	return float64(matches) / float64(len(snapshots)-1)
}

// SafeShouldContinue wraps a strategy's ShouldContinue, and any panics a
// misbehaving strategy implementation raises, falling back to the default
// policy from §4.7: strategy errors must never crash the executor.
func SafeShouldContinue(s Strategy, ctx Context, logger *slog.Logger) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Warn("loop strategy panicked, falling back to default policy", "panic", r)
			}
			decision = fallbackDecision(ctx)
		}
	}()
	return s.ShouldContinue(ctx)
}
