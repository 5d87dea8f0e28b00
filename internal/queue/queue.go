// Package queue implements the Priority Queue: an ordered waiting set plus
// a running set, with position/ETA queries, queue-wait timeout eviction,
// and atomic persistence to disk.
//
// Ordering and insertion are grounded on the teacher's
// internal/orchestrator.TaskQueue comparator (higher priority first, FIFO
// within a priority tier). TaskQueue itself is container/heap-backed, but a
// heap only guarantees an ordered root, not a total order over every
// element — and getPosition/statistics need a fully ordered snapshot of the
// waiting set. This queue therefore keeps `waiting` as a slice maintained
// in sorted order by linear insertion, following the same comparator, which
// also matches the distilled spec's literal insertion algorithm ("find the
// first existing entry with strictly lower priority and insert before it").
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	agerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/util"
)

// maxWaitSamples bounds the wait-time ring buffer used for ETA estimation.
const maxWaitSamples = 50

// Entry is a work order admitted to the waiting set.
type Entry struct {
	WorkOrderID      string
	Priority         int
	EnqueuedAt       time.Time
	MaxWaitMs        *int64
	OnPositionChange func(Position)
}

// RunningRecord is a work order under execution.
type RunningRecord struct {
	WorkOrderID    string
	StartedAt      time.Time
	MaxWallClockMs *int64
	Cancel         context.CancelFunc
}

// Position describes a work order's place in the queue.
type Position struct {
	Position int    // 1-based in waiting; 0 if running
	State    string // "waiting" or "running"
	Ahead    int
	ETAMs    *int64 // nil if unknown or not applicable
}

const (
	StateWaiting = "waiting"
	StateRunning = "running"
)

// EnqueueOptions configures an Enqueue call.
type EnqueueOptions struct {
	Priority         int
	MaxWaitMs        *int64
	OnPositionChange func(Position)
}

// Queue is the Priority Queue.
type Queue struct {
	mu            sync.Mutex
	waiting       []*Entry
	running       map[string]*RunningRecord
	waitTimes     []int64 // ring buffer, most-recent overwritten
	waitTimesHead int

	maxQueueSize  int
	maxConcurrent int

	events *events.PublishHelper
	logger *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithEvents sets the event publisher helper.
func WithEvents(h *events.PublishHelper) Option {
	return func(q *Queue) { q.events = h }
}

// WithLogger sets the structured logger; nil defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New creates a Queue bounded by maxQueueSize waiting entries and
// maxConcurrent running entries.
func New(maxQueueSize, maxConcurrent int, opts ...Option) *Queue {
	q := &Queue{
		running:       make(map[string]*RunningRecord),
		maxQueueSize:  maxQueueSize,
		maxConcurrent: maxConcurrent,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.events == nil {
		q.events = events.NewPublishHelper(nil)
	}
	return q
}

// Enqueue admits a work order to the waiting set.
func (q *Queue) Enqueue(id string, opts EnqueueOptions) (Position, error) {
	q.mu.Lock()

	if q.contains(id) {
		q.mu.Unlock()
		return Position{}, agerrors.ErrAlreadyQueued(id)
	}
	if len(q.waiting) >= q.maxQueueSize {
		q.mu.Unlock()
		return Position{}, agerrors.ErrQueueFull(q.maxQueueSize)
	}

	entry := &Entry{
		WorkOrderID:      id,
		Priority:         opts.Priority,
		EnqueuedAt:       time.Now(),
		MaxWaitMs:        opts.MaxWaitMs,
		OnPositionChange: opts.OnPositionChange,
	}
	q.insertSorted(entry)

	pos := q.positionLocked(id)
	notify := append([]*Entry(nil), q.waiting...)
	q.mu.Unlock()

	if entry.OnPositionChange != nil {
		entry.OnPositionChange(pos)
	}
	// Re-notify every waiting observer of its updated position.
	for _, e := range notify {
		if e.WorkOrderID == id || e.OnPositionChange == nil {
			continue
		}
		e.OnPositionChange(q.GetPosition(e.WorkOrderID))
	}
	q.events.StateChange(id, "", StateWaiting, "enqueued")

	return pos, nil
}

// insertSorted inserts entry at the first position whose existing entry has
// strictly lower priority, preserving FIFO order within equal priority.
// Must be called with q.mu held.
func (q *Queue) insertSorted(entry *Entry) {
	idx := len(q.waiting)
	for i, e := range q.waiting {
		if e.Priority < entry.Priority {
			idx = i
			break
		}
	}
	q.waiting = append(q.waiting, nil)
	copy(q.waiting[idx+1:], q.waiting[idx:])
	q.waiting[idx] = entry
}

// Peek returns the id at waiting position 1 without mutation.
func (q *Queue) Peek() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		return "", false
	}
	return q.waiting[0].WorkOrderID, true
}

// Dequeue moves the head of the waiting set into the running set, provided
// there is spare concurrency capacity. The caller does not normally invoke
// this directly — the Admission Controller decides readiness and the
// orchestrator calls MarkStarted; Dequeue remains available as a direct/
// manual escape hatch for bypassing the queue (the "exec now" path).
func (q *Queue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.running) >= q.maxConcurrent || len(q.waiting) == 0 {
		return "", false
	}

	entry := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.recordWaitLocked(time.Since(entry.EnqueuedAt))
	q.running[entry.WorkOrderID] = &RunningRecord{
		WorkOrderID: entry.WorkOrderID,
		StartedAt:   time.Now(),
	}
	return entry.WorkOrderID, true
}

// MarkStarted removes id from waiting (if present) and inserts it into the
// running set with a start time and optional cancellation handle.
func (q *Queue) MarkStarted(id string, cancel context.CancelFunc, maxWallClockMs *int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.waiting {
		if e.WorkOrderID == id {
			q.recordWaitLocked(time.Since(e.EnqueuedAt))
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}

	q.running[id] = &RunningRecord{
		WorkOrderID:    id,
		StartedAt:      time.Now(),
		MaxWallClockMs: maxWallClockMs,
		Cancel:         cancel,
	}
	return nil
}

// MarkCompleted removes id from the running set.
func (q *Queue) MarkCompleted(id string) {
	q.mu.Lock()
	delete(q.running, id)
	q.mu.Unlock()
}

// Cancel removes id from the waiting set only. Returns false if id was not waiting.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.waiting {
		if e.WorkOrderID == id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			q.events.Canceled(id)
			return true
		}
	}
	return false
}

// CancelRunning fires the running entry's cancellation handle and removes
// it from the running set. Returns false if id was not running.
func (q *Queue) CancelRunning(id string) bool {
	q.mu.Lock()
	record, ok := q.running[id]
	if ok {
		delete(q.running, id)
	}
	q.mu.Unlock()

	if !ok {
		return false
	}
	if record.Cancel != nil {
		record.Cancel()
	}
	q.events.Canceled(id)
	return true
}

// ForceCancel removes id from whichever set it is in, firing the
// cancellation handle if it was running.
func (q *Queue) ForceCancel(id string) {
	q.mu.Lock()
	for i, e := range q.waiting {
		if e.WorkOrderID == id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			q.mu.Unlock()
			return
		}
	}
	record, ok := q.running[id]
	if ok {
		delete(q.running, id)
	}
	q.mu.Unlock()

	if ok && record.Cancel != nil {
		record.Cancel()
	}
}

// GetPosition reports id's current position, or a zero Position if id is
// in neither set.
func (q *Queue) GetPosition(id string) Position {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.positionLocked(id)
}

// positionLocked must be called with q.mu held.
func (q *Queue) positionLocked(id string) Position {
	if _, ok := q.running[id]; ok {
		return Position{Position: 0, State: StateRunning, Ahead: 0}
	}
	for i, e := range q.waiting {
		if e.WorkOrderID == id {
			eta := q.estimateWaitLocked(i)
			return Position{Position: i + 1, State: StateWaiting, Ahead: i, ETAMs: eta}
		}
	}
	return Position{}
}

// Contains reports whether id is in waiting or running.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.contains(id)
}

func (q *Queue) contains(id string) bool {
	if _, ok := q.running[id]; ok {
		return true
	}
	for _, e := range q.waiting {
		if e.WorkOrderID == id {
			return true
		}
	}
	return false
}

// recordWaitLocked appends a wait-time observation to the ring buffer.
// Must be called with q.mu held.
func (q *Queue) recordWaitLocked(d time.Duration) {
	ms := d.Milliseconds()
	if len(q.waitTimes) < maxWaitSamples {
		q.waitTimes = append(q.waitTimes, ms)
		return
	}
	q.waitTimes[q.waitTimesHead] = ms
	q.waitTimesHead = (q.waitTimesHead + 1) % maxWaitSamples
}

// estimateWaitLocked computes the ETA in milliseconds for a candidate with
// `ahead` entries in front of it. Must be called with q.mu held.
func (q *Queue) estimateWaitLocked(ahead int) *int64 {
	if ahead == 0 && len(q.running) < q.maxConcurrent {
		zero := int64(0)
		return &zero
	}
	if len(q.waitTimes) == 0 {
		return nil
	}

	var sum int64
	for _, ms := range q.waitTimes {
		sum += ms
	}
	avg := sum / int64(len(q.waitTimes))

	batches := (int64(ahead+1) + int64(q.maxConcurrent) - 1) / int64(q.maxConcurrent)
	eta := batches * avg
	return &eta
}

// WaitingCount returns the number of waiting entries.
func (q *Queue) WaitingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// RunningCount returns the number of running entries.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// MaxConcurrent returns the configured concurrency cap.
func (q *Queue) MaxConcurrent() int { return q.maxConcurrent }

// HasCapacity reports whether the running set has room for another entry.
func (q *Queue) HasCapacity() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running) < q.maxConcurrent
}

// EvictTimedOutHead checks the waiting head and, if its MaxWaitMs has
// elapsed, evicts it and emits a timeout event. Called once per admission
// tick per §4.1/§4.2.
func (q *Queue) EvictTimedOutHead() (string, bool) {
	q.mu.Lock()
	if len(q.waiting) == 0 {
		q.mu.Unlock()
		return "", false
	}
	head := q.waiting[0]
	if head.MaxWaitMs == nil {
		q.mu.Unlock()
		return "", false
	}
	if time.Since(head.EnqueuedAt).Milliseconds() <= *head.MaxWaitMs {
		q.mu.Unlock()
		return "", false
	}
	q.waiting = q.waiting[1:]
	q.mu.Unlock()

	q.events.Timeout(head.WorkOrderID)
	return head.WorkOrderID, true
}

// RunningIDs returns a snapshot of the current running ids.
func (q *Queue) RunningIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.running))
	for id := range q.running {
		ids = append(ids, id)
	}
	return ids
}

// Stats summarizes queue health for the control-plane snapshot.
type Stats struct {
	Waiting       int     `json:"waiting"`
	Running       int     `json:"running"`
	MaxConcurrent int     `json:"maxConcurrent"`
	AverageWaitMs float64 `json:"averageWaitMs"`
	MaxQueueSize  int     `json:"maxQueueSize"`
	Accepting     bool    `json:"accepting"`
}

// Stats returns a point-in-time snapshot of queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var avg float64
	if len(q.waitTimes) > 0 {
		var sum int64
		for _, ms := range q.waitTimes {
			sum += ms
		}
		avg = float64(sum) / float64(len(q.waitTimes))
	}

	return Stats{
		Waiting:       len(q.waiting),
		Running:       len(q.running),
		MaxConcurrent: q.maxConcurrent,
		AverageWaitMs: avg,
		MaxQueueSize:  q.maxQueueSize,
		Accepting:     len(q.waiting) < q.maxQueueSize,
	}
}

// --- Persistence ---

const persistVersion = "1.0"

type persistedEntry struct {
	WorkOrderID string  `json:"workOrderId"`
	Priority    int     `json:"priority"`
	EnqueuedAt  string  `json:"enqueuedAt"`
	MaxWaitMs   *int64  `json:"maxWaitMs"`
}

type persistedState struct {
	Version   string           `json:"version"`
	Queue     []persistedEntry `json:"queue"`
	Running   []string         `json:"running"`
	WaitTimes []int64          `json:"waitTimes"`
	SavedAt   string           `json:"savedAt"`
}

// Persist serializes the queue's waiting entries, running ids, and
// wait-time history atomically to path. Errors are for the caller to log;
// they are never fatal to queue operation.
func (q *Queue) Persist(path string) error {
	q.mu.Lock()
	state := persistedState{
		Version:   persistVersion,
		WaitTimes: append([]int64(nil), q.waitTimes...),
		SavedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	for _, e := range q.waiting {
		state.Queue = append(state.Queue, persistedEntry{
			WorkOrderID: e.WorkOrderID,
			Priority:    e.Priority,
			EnqueuedAt:  e.EnqueuedAt.UTC().Format(time.RFC3339Nano),
			MaxWaitMs:   e.MaxWaitMs,
		})
	}
	for id := range q.running {
		state.Running = append(state.Running, id)
	}
	q.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(path, data, 0o644)
}

// Restore loads queue state from path. Waiting entries are restamped with
// their recorded enqueuedAt; position-change observers cannot survive a
// restart and are left nil. The running set is deliberately NOT
// rehydrated (per U9) — see DESIGN.md's open-question
// resolution: the caller is responsible for reconciling work orders that
// were running at shutdown, e.g. via ForceCancel, before resuming ticks.
// An unknown version is treated as "nothing to restore".
func (q *Queue) Restore(path string) error {
	data, err := readFileIfExists(path)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Version != persistVersion {
		q.logger.Warn("queue persistence: unknown version, skipping restore", "version", state.Version)
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.waiting = nil
	for _, pe := range state.Queue {
		enqueuedAt, _ := time.Parse(time.RFC3339Nano, pe.EnqueuedAt)
		q.insertSorted(&Entry{
			WorkOrderID: pe.WorkOrderID,
			Priority:    pe.Priority,
			EnqueuedAt:  enqueuedAt,
			MaxWaitMs:   pe.MaxWaitMs,
		})
	}
	q.waitTimes = append([]int64(nil), state.WaitTimes...)
	q.waitTimesHead = 0
	return nil
}

// readFileIfExists returns nil, nil if path does not exist.
func readFileIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}
