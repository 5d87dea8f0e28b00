// Package events provides event types and publishing infrastructure for
// AgentGate's queue, admission, and run-executor components.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventReady indicates a work order moved from Waiting to ready-to-run
	// (all queue admission checks passed, the starter callback is about to fire).
	EventReady EventType = "ready"
	// EventStateChange indicates a run transitioned to a new RunState.
	EventStateChange EventType = "stateChange"
	// EventTimeout indicates a work order's queue wait timeout elapsed.
	EventTimeout EventType = "timeout"
	// EventCanceled indicates a work order was canceled, waiting or running.
	EventCanceled EventType = "canceled"
	// EventAutoProcessStaggerSkip indicates an admission tick skipped a
	// candidate because the stagger delay has not yet elapsed.
	EventAutoProcessStaggerSkip EventType = "autoProcessStaggerSkip"
	// EventAutoProcessMemorySkip indicates an admission tick skipped a
	// candidate because available memory is below the configured floor.
	EventAutoProcessMemorySkip EventType = "autoProcessMemorySkip"
	// EventAutoProcessStart indicates the Admission Controller started a run.
	EventAutoProcessStart EventType = "autoProcessStart"
	// EventStaleDetected indicates the Stale Detector classified a running
	// work order as dead or stale.
	EventStaleDetected EventType = "staleDetected"
	// EventStaleHandled indicates the Stale Detector finished reclaiming a
	// stale or dead work order (kill attempted, Failed status persisted,
	// queue entry removed).
	EventStaleHandled EventType = "staleHandled"

	// Streaming transcript events, forwarded from an agent driver through the
	// Run Executor's streaming callback.

	// EventAgentToolCall indicates an agent invoked a tool mid-iteration.
	EventAgentToolCall EventType = "agent_tool_call"
	// EventAgentToolResult indicates a tool call returned a result.
	EventAgentToolResult EventType = "agent_tool_result"
	// EventAgentOutput indicates incremental textual output from the agent.
	EventAgentOutput EventType = "agent_output"
	// EventProgressUpdate indicates a coarse progress update for a long-running iteration.
	EventProgressUpdate EventType = "progress_update"
)

// Event represents a published event, scoped to a work order id.
type Event struct {
	Type        EventType `json:"type"`
	WorkOrderID string    `json:"work_order_id"`
	Data        any       `json:"data"`
	Time        time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, workOrderID string, data any) Event {
	return Event{
		Type:        eventType,
		WorkOrderID: workOrderID,
		Data:        data,
		Time:        time.Now(),
	}
}

// StateChangeData describes a run's transition to a new state.
type StateChangeData struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// AutoProcessStartData describes an admission-triggered run start.
type AutoProcessStartData struct {
	RunID       string `json:"run_id"`
	LeaseID     string `json:"lease_id"`
	WorkspaceID string `json:"workspace_id"`
}

// StaleData describes a stale/dead-process classification outcome.
type StaleData struct {
	Classification string `json:"classification"` // "dead", "stale", "healthy"
	Reason         string `json:"reason"`
	PID            int    `json:"pid,omitempty"`
}

// ToolCallData describes an agent tool invocation, batched by the streaming callback.
type ToolCallData struct {
	Iteration int    `json:"iteration"`
	ToolName  string `json:"tool_name"`
	Summary   string `json:"summary,omitempty"`
}

// OutputData describes debounced incremental agent output.
type OutputData struct {
	Iteration int    `json:"iteration"`
	Content   string `json:"content"`
}
