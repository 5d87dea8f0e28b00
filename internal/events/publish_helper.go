package events

// PublishHelper wraps event publishing with nil-safety and typed convenience
// methods. All methods are safe to call even when the underlying publisher
// is nil, and all methods are safe to call concurrently.
type PublishHelper struct {
	publisher Publisher
}

// NewPublishHelper creates a new PublishHelper wrapping the given publisher.
// If p is nil, all publish operations become no-ops.
func NewPublishHelper(p Publisher) *PublishHelper {
	return &PublishHelper{publisher: p}
}

// Publish sends an event to the underlying publisher. Safe to call with a
// nil helper or nil publisher (no-op).
func (h *PublishHelper) Publish(ev Event) {
	if h == nil || h.publisher == nil {
		return
	}
	h.publisher.Publish(ev)
}

// Ready publishes an EventReady for the given work order.
func (h *PublishHelper) Ready(workOrderID string) {
	h.Publish(NewEvent(EventReady, workOrderID, nil))
}

// StateChange publishes an EventStateChange for a run's transition.
func (h *PublishHelper) StateChange(workOrderID, from, to, reason string) {
	h.Publish(NewEvent(EventStateChange, workOrderID, StateChangeData{From: from, To: to, Reason: reason}))
}

// Timeout publishes an EventTimeout for a work order whose queue wait
// timeout elapsed.
func (h *PublishHelper) Timeout(workOrderID string) {
	h.Publish(NewEvent(EventTimeout, workOrderID, nil))
}

// Canceled publishes an EventCanceled for a canceled work order.
func (h *PublishHelper) Canceled(workOrderID string) {
	h.Publish(NewEvent(EventCanceled, workOrderID, nil))
}

// AutoProcessStaggerSkip publishes an EventAutoProcessStaggerSkip.
func (h *PublishHelper) AutoProcessStaggerSkip(workOrderID string) {
	h.Publish(NewEvent(EventAutoProcessStaggerSkip, workOrderID, nil))
}

// AutoProcessMemorySkip publishes an EventAutoProcessMemorySkip.
func (h *PublishHelper) AutoProcessMemorySkip(workOrderID string) {
	h.Publish(NewEvent(EventAutoProcessMemorySkip, workOrderID, nil))
}

// AutoProcessStart publishes an EventAutoProcessStart for an admitted run.
func (h *PublishHelper) AutoProcessStart(workOrderID, runID, leaseID, workspaceID string) {
	h.Publish(NewEvent(EventAutoProcessStart, workOrderID, AutoProcessStartData{
		RunID:       runID,
		LeaseID:     leaseID,
		WorkspaceID: workspaceID,
	}))
}

// StaleDetected publishes an EventStaleDetected for a classified work order.
func (h *PublishHelper) StaleDetected(workOrderID, classification, reason string, pid int) {
	h.Publish(NewEvent(EventStaleDetected, workOrderID, StaleData{
		Classification: classification,
		Reason:         reason,
		PID:            pid,
	}))
}

// StaleHandled publishes an EventStaleHandled once reclamation completes.
func (h *PublishHelper) StaleHandled(workOrderID, classification, reason string) {
	h.Publish(NewEvent(EventStaleHandled, workOrderID, StaleData{
		Classification: classification,
		Reason:         reason,
	}))
}

// AgentToolCall publishes a batched tool-call event from the streaming callback.
func (h *PublishHelper) AgentToolCall(workOrderID string, iteration int, toolName, summary string) {
	h.Publish(NewEvent(EventAgentToolCall, workOrderID, ToolCallData{
		Iteration: iteration,
		ToolName:  toolName,
		Summary:   summary,
	}))
}

// AgentOutput publishes a debounced output chunk event from the streaming callback.
func (h *PublishHelper) AgentOutput(workOrderID string, iteration int, content string) {
	h.Publish(NewEvent(EventAgentOutput, workOrderID, OutputData{
		Iteration: iteration,
		Content:   content,
	}))
}
