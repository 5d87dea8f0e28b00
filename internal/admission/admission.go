// Package admission implements the Admission Controller: the sole
// authoritative starter of waiting work orders. It decides readiness on a
// periodic tick and after completion/cancellation events, gated by
// concurrency, a stagger delay between consecutive starts, and a host
// free-memory floor.
//
// The tick's "already in flight" guard is grounded on the teacher's
// internal/api.dashboardCache, which coalesces concurrent cache loads with
// golang.org/x/sync/singleflight; here it coalesces concurrent Tick() calls
// (periodic ticker vs. event-triggered) onto a single in-flight admission
// pass instead of a bare mutex flag.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentgate/agentgate/internal/clock"
	"github.com/agentgate/agentgate/internal/events"
	"golang.org/x/sync/singleflight"
)

// DefaultTickInterval is how often the Admission Controller re-evaluates
// readiness absent an explicit completion/cancellation trigger.
const DefaultTickInterval = 5 * time.Second

// Queue is the subset of the Priority Queue the Admission Controller needs.
type Queue interface {
	Peek() (string, bool)
	HasCapacity() bool
	WaitingCount() int
	MarkStarted(id string, cancel context.CancelFunc, maxWallClockMs *int64) error
	EvictTimedOutHead() (string, bool)
}

// Starter begins execution of an admitted work order. A non-nil error means
// the start attempt failed; the work order is left at the head of the
// waiting set and retried on the next tick (unless its maxWaitMs expires
// first).
type Starter func(ctx context.Context, workOrderID string) error

// Controller is the Admission Controller.
type Controller struct {
	queue   Queue
	starter Starter
	clock   clock.Clock
	memory  clock.MemoryProbe
	events  *events.PublishHelper
	logger  *slog.Logger

	tickInterval         time.Duration
	staggerDelay         time.Duration
	minAvailableMemoryMB float64

	group singleflight.Group

	mu             sync.Mutex
	lastStartTime  time.Time
	hasStarted     bool
	shuttingDown   atomic.Bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithTickInterval overrides DefaultTickInterval.
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) { c.tickInterval = d }
}

// WithStaggerDelay sets the minimum spacing between consecutive admission starts.
func WithStaggerDelay(d time.Duration) Option {
	return func(c *Controller) { c.staggerDelay = d }
}

// WithMinAvailableMemoryMB sets the host free-memory floor below which
// admission is skipped.
func WithMinAvailableMemoryMB(mb float64) Option {
	return func(c *Controller) { c.minAvailableMemoryMB = mb }
}

// WithClock overrides the Clock (tests only).
func WithClock(cl clock.Clock) Option {
	return func(c *Controller) { c.clock = cl }
}

// WithMemoryProbe overrides the MemoryProbe.
func WithMemoryProbe(m clock.MemoryProbe) Option {
	return func(c *Controller) { c.memory = m }
}

// WithEvents sets the event publisher helper.
func WithEvents(h *events.PublishHelper) Option {
	return func(c *Controller) { c.events = h }
}

// WithLogger sets the structured logger; nil defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// New creates an Admission Controller over queue, invoking starter for each
// admitted work order.
func New(queue Queue, starter Starter, opts ...Option) *Controller {
	c := &Controller{
		queue:        queue,
		starter:      starter,
		tickInterval: DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	if c.memory == nil {
		c.memory = clock.GopsutilMemoryProbe{}
	}
	if c.events == nil {
		c.events = events.NewPublishHelper(nil)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Start begins the periodic tick loop in a goroutine. It runs until the
// context is canceled or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(ctx)
}

// Stop signals the tick loop to stop and waits for it to finish.
func (c *Controller) Stop() {
	c.shuttingDown.Store(true)
	if c.stopCh != nil {
		close(c.stopCh)
		<-c.doneCh
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Notify triggers an out-of-band Tick, intended to be called after a
// completed or canceled event frees capacity.
func (c *Controller) Notify(ctx context.Context) {
	c.Tick(ctx)
}

// Tick performs one admission evaluation pass. Concurrent calls (periodic
// ticker racing an event-triggered Notify) are coalesced onto a single pass
// via singleflight, so only one admission decision is computed at a time.
func (c *Controller) Tick(ctx context.Context) {
	_, _, _ = c.group.Do("tick", func() (any, error) {
		c.tickOnce(ctx)
		return nil, nil
	})
}

func (c *Controller) tickOnce(ctx context.Context) {
	if c.shuttingDown.Load() {
		return
	}

	if !c.queue.HasCapacity() {
		return
	}

	if c.queue.WaitingCount() == 0 {
		return
	}

	c.mu.Lock()
	lastStart := c.lastStartTime
	hasStarted := c.hasStarted
	c.mu.Unlock()

	if hasStarted && c.staggerDelay > 0 {
		elapsed := c.clock.Since(lastStart)
		if elapsed < c.staggerDelay {
			id, _ := c.queue.Peek()
			c.events.AutoProcessStaggerSkip(id)
			return
		}
	}

	if c.minAvailableMemoryMB > 0 {
		available, err := c.memory.FreeMemoryMB()
		if err != nil {
			c.logger.Warn("admission: memory probe failed, skipping tick", "error", err)
			return
		}
		if available < c.minAvailableMemoryMB {
			id, _ := c.queue.Peek()
			c.events.AutoProcessMemorySkip(id)
			return
		}
	}

	if evictedID, ok := c.queue.EvictTimedOutHead(); ok {
		c.logger.Info("admission: evicted timed-out head", "work_order_id", evictedID)
	}

	id, ok := c.queue.Peek()
	if !ok {
		return
	}

	c.events.AutoProcessStart(id, "", "", "")

	c.mu.Lock()
	c.lastStartTime = c.clock.Now()
	c.hasStarted = true
	c.mu.Unlock()

	if err := c.starter(ctx, id); err != nil {
		c.logger.Warn("admission: starter failed, work order remains queued", "work_order_id", id, "error", err)
		return
	}
}
