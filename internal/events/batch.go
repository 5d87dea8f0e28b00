package events

import (
	"sync"
	"time"
)

// Default batching windows for the streaming callback, per the run
// executor's per-iteration agent output.
const (
	DefaultToolCallBatchWindow = 50 * time.Millisecond
	DefaultOutputDebounce      = 100 * time.Millisecond
)

// BatchingPublisher wraps another Publisher and coalesces high-frequency
// streaming events (tool calls, output chunks) before forwarding them,
// so a chatty agent driver doesn't flood subscribers with one event per
// token. All other event types pass through immediately.
type BatchingPublisher struct {
	inner          Publisher
	toolCallWindow time.Duration
	outputDebounce time.Duration

	mu      sync.Mutex
	batches map[string]*workOrderBatch // keyed by WorkOrderID
}

type workOrderBatch struct {
	toolCalls   []ToolCallData
	toolTimer   *time.Timer
	outputBuf   strBuilder
	outputTimer *time.Timer
}

// strBuilder is a tiny indirection so workOrderBatch stays allocation-light;
// it is just a string accumulator guarded by BatchingPublisher.mu.
type strBuilder struct {
	s string
}

func (b *strBuilder) WriteString(s string) { b.s += s }
func (b *strBuilder) String() string       { return b.s }
func (b *strBuilder) Reset()               { b.s = "" }

// BatchOption configures a BatchingPublisher.
type BatchOption func(*BatchingPublisher)

// WithToolCallWindow overrides the tool-call batch window.
func WithToolCallWindow(d time.Duration) BatchOption {
	return func(b *BatchingPublisher) { b.toolCallWindow = d }
}

// WithOutputDebounce overrides the output debounce window.
func WithOutputDebounce(d time.Duration) BatchOption {
	return func(b *BatchingPublisher) { b.outputDebounce = d }
}

// NewBatchingPublisher creates a BatchingPublisher forwarding to inner.
func NewBatchingPublisher(inner Publisher, opts ...BatchOption) *BatchingPublisher {
	b := &BatchingPublisher{
		inner:          inner,
		toolCallWindow: DefaultToolCallBatchWindow,
		outputDebounce: DefaultOutputDebounce,
		batches:        make(map[string]*workOrderBatch),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements Publisher. EventAgentToolCall and EventAgentOutput are
// buffered and flushed on their respective windows; everything else is
// forwarded immediately.
func (b *BatchingPublisher) Publish(event Event) {
	switch event.Type {
	case EventAgentToolCall:
		b.bufferToolCall(event)
	case EventAgentOutput:
		b.bufferOutput(event)
	default:
		b.inner.Publish(event)
	}
}

func (b *BatchingPublisher) bufferToolCall(event Event) {
	data, ok := event.Data.(ToolCallData)
	if !ok {
		b.inner.Publish(event)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.batchFor(event.WorkOrderID)
	batch.toolCalls = append(batch.toolCalls, data)

	if batch.toolTimer == nil {
		woID := event.WorkOrderID
		batch.toolTimer = time.AfterFunc(b.toolCallWindow, func() { b.flushToolCalls(woID) })
	}
}

func (b *BatchingPublisher) flushToolCalls(workOrderID string) {
	b.mu.Lock()
	batch, ok := b.batches[workOrderID]
	if !ok || len(batch.toolCalls) == 0 {
		if ok {
			batch.toolTimer = nil
		}
		b.mu.Unlock()
		return
	}
	calls := batch.toolCalls
	batch.toolCalls = nil
	batch.toolTimer = nil
	b.mu.Unlock()

	for _, c := range calls {
		b.inner.Publish(NewEvent(EventAgentToolCall, workOrderID, c))
	}
}

func (b *BatchingPublisher) bufferOutput(event Event) {
	data, ok := event.Data.(OutputData)
	if !ok {
		b.inner.Publish(event)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.batchFor(event.WorkOrderID)
	batch.outputBuf.WriteString(data.Content)

	if batch.outputTimer != nil {
		batch.outputTimer.Stop()
	}
	woID := event.WorkOrderID
	iteration := data.Iteration
	batch.outputTimer = time.AfterFunc(b.outputDebounce, func() { b.flushOutput(woID, iteration) })
}

func (b *BatchingPublisher) flushOutput(workOrderID string, iteration int) {
	b.mu.Lock()
	batch, ok := b.batches[workOrderID]
	if !ok || batch.outputBuf.String() == "" {
		b.mu.Unlock()
		return
	}
	content := batch.outputBuf.String()
	batch.outputBuf.Reset()
	batch.outputTimer = nil
	b.mu.Unlock()

	b.inner.Publish(NewEvent(EventAgentOutput, workOrderID, OutputData{Iteration: iteration, Content: content}))
}

// batchFor returns (creating if needed) the batch state for a work order.
// Must be called with b.mu held.
func (b *BatchingPublisher) batchFor(workOrderID string) *workOrderBatch {
	batch, ok := b.batches[workOrderID]
	if !ok {
		batch = &workOrderBatch{}
		b.batches[workOrderID] = batch
	}
	return batch
}

// Subscribe delegates to the inner publisher.
func (b *BatchingPublisher) Subscribe(workOrderID string) <-chan Event {
	return b.inner.Subscribe(workOrderID)
}

// Unsubscribe delegates to the inner publisher.
func (b *BatchingPublisher) Unsubscribe(workOrderID string, ch <-chan Event) {
	b.inner.Unsubscribe(workOrderID, ch)
}

// Close flushes any pending batches and closes the inner publisher.
func (b *BatchingPublisher) Close() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.batches))
	for id := range b.batches {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.flushToolCalls(id)
		b.flushOutput(id, 0)
	}
	b.inner.Close()
}
