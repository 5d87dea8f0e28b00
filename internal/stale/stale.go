// Package stale implements the Stale Detector: a periodic sweep that
// reclaims work orders whose process has died or outrun its wall-clock
// budget without the normal completion path ever firing.
//
// The dead/stale/healthy classification triad is grounded directly on the
// teacher's internal/state/orphan.go (CheckOrphaned/IsPIDAlive), which
// distinguishes "no execution info", "pid gone", and "heartbeat stale" the
// same way.
package stale

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/proctrack"
)

// Classification is the sweep's verdict for a running work order.
type Classification string

const (
	ClassificationHealthy Classification = "healthy"
	ClassificationDead     Classification = "dead"
	ClassificationStale    Classification = "stale"
)

// DefaultSweepInterval is how often the Stale Detector re-evaluates
// running work orders.
const DefaultSweepInterval = 30 * time.Second

// RunningWorkOrder describes one currently-running entry to be evaluated.
type RunningWorkOrder struct {
	WorkOrderID       string
	StartedAt         time.Time
	MaxRunningTimeMs   *int64
}

// RunningLister enumerates the work orders currently believed to be running.
type RunningLister interface {
	ListRunning() []RunningWorkOrder
}

// Queue is the subset of the Priority Queue the Stale Detector needs to
// evict a reclaimed work order.
type Queue interface {
	ForceCancel(id string)
}

// Store persists the terminal Failed status for a reclaimed work order.
type Store interface {
	MarkFailed(ctx context.Context, workOrderID, message string) error
}

// Detector is the Stale Detector.
type Detector struct {
	lister  RunningLister
	tracker *proctrack.Tracker
	queue   Queue
	store   Store
	events  *events.PublishHelper
	logger  *slog.Logger

	sweepInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Detector.
type Option func(*Detector)

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(det *Detector) { det.sweepInterval = d }
}

// WithEvents sets the event publisher helper.
func WithEvents(h *events.PublishHelper) Option {
	return func(det *Detector) { det.events = h }
}

// WithLogger sets the structured logger; nil defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(det *Detector) { det.logger = logger }
}

// New creates a Stale Detector.
func New(lister RunningLister, tracker *proctrack.Tracker, queue Queue, store Store, opts ...Option) *Detector {
	det := &Detector{
		lister:        lister,
		tracker:       tracker,
		queue:         queue,
		store:         store,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(det)
	}
	if det.events == nil {
		det.events = events.NewPublishHelper(nil)
	}
	if det.logger == nil {
		det.logger = slog.Default()
	}
	return det
}

// Start begins the periodic sweep loop in a goroutine, until ctx is
// canceled or Stop is called.
func (d *Detector) Start(ctx context.Context) {
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.run(ctx)
}

// Stop signals the sweep loop to stop and waits for it to finish.
func (d *Detector) Stop() {
	if d.stopCh != nil {
		close(d.stopCh)
		<-d.doneCh
	}
}

func (d *Detector) run(ctx context.Context) {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep performs one classification pass over every running work order,
// reclaiming any found dead or stale. Store/queue errors encountered while
// handling a reclaimed entry are logged, never propagated — a best-effort
// sweep must not itself crash the process. The staleHandled event carries
// the classification and reason only; whether the kill took effect is
// logged, not published.
func (d *Detector) Sweep(ctx context.Context) {
	for _, rw := range d.lister.ListRunning() {
		classification, reason, pid := d.classify(rw)
		if classification == ClassificationHealthy {
			continue
		}

		d.events.StaleDetected(rw.WorkOrderID, string(classification), reason, pid)
		killed := d.reclaim(ctx, rw, reason)
		d.events.StaleHandled(rw.WorkOrderID, string(classification), reason)
		d.logger.Info("stale detector reclaimed work order",
			"work_order_id", rw.WorkOrderID, "classification", classification, "killed", killed)
	}
}

func (d *Detector) classify(rw RunningWorkOrder) (Classification, string, int) {
	entry := d.tracker.Get(rw.WorkOrderID)
	if entry == nil {
		return ClassificationDead, "no process tracker entry", 0
	}
	if entry.HasExited {
		return ClassificationDead, "process already exited", entry.PID
	}
	if !d.tracker.IsAlive(rw.WorkOrderID) {
		return ClassificationDead, "process not running", entry.PID
	}
	if rw.MaxRunningTimeMs != nil {
		elapsed := time.Since(rw.StartedAt).Milliseconds()
		if elapsed > *rw.MaxRunningTimeMs {
			return ClassificationStale, "exceeded maxRunningTimeMs", entry.PID
		}
	}
	return ClassificationHealthy, "", entry.PID
}

func (d *Detector) reclaim(ctx context.Context, rw RunningWorkOrder, reason string) bool {
	result := d.tracker.ForceKill(rw.WorkOrderID, "stale detection: "+reason)

	if err := d.store.MarkFailed(ctx, rw.WorkOrderID, "Stale detection terminated this work order: "+reason); err != nil {
		d.logger.Warn("stale detector: failed to persist terminal status", "work_order_id", rw.WorkOrderID, "error", err)
	}

	d.queue.ForceCancel(rw.WorkOrderID)

	return result.ForcedKill || result.Success
}
