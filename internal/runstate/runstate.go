// Package runstate implements the Run State Machine: a pure function from
// (state, event) to a new state, over the closed sets defined for a run's
// lifecycle.
//
// ApplyTransition's purity and closed event/state sets are grounded on the
// teacher's internal/errors.OrcError-backed validation style (reject
// unknown combinations loudly rather than silently no-op), generalized
// from validating a request shape to validating a lifecycle transition.
package runstate

import (
	agerrors "github.com/agentgate/agentgate/internal/errors"
)

// State is one of the run's closed lifecycle states.
type State string

const (
	StateCreated              State = "Created"
	StateLeased               State = "Leased"
	StateBuilding             State = "Building"
	StateSnapshotting         State = "Snapshotting"
	StateVerifying            State = "Verifying"
	StateFeedback             State = "Feedback"
	StateSucceeded            State = "Succeeded"
	StateFailedBuild          State = "FailedBuild"
	StateFailedVerification   State = "FailedVerification"
	StateFailedError          State = "FailedError"
	StateCanceled             State = "Canceled"
	StatePRCreated            State = "PRCreated"
	StateCIPolling            State = "CIPolling"
)

// Event is one of the run's closed lifecycle events.
type Event string

const (
	EventWorkspaceAcquired    Event = "WorkspaceAcquired"
	EventBuildStarted         Event = "BuildStarted"
	EventBuildCompleted       Event = "BuildCompleted"
	EventBuildFailed          Event = "BuildFailed"
	EventSnapshotCompleted    Event = "SnapshotCompleted"
	EventVerifyPassed         Event = "VerifyPassed"
	EventVerifyFailedRetryable Event = "VerifyFailedRetryable"
	EventVerifyFailedTerminal Event = "VerifyFailedTerminal"
	EventFeedbackGenerated    Event = "FeedbackGenerated"
	EventPRCreated            Event = "PRCreated"
	EventCIPollingStarted     Event = "CIPollingStarted"
	EventCIPassed             Event = "CIPassed"
	EventCIFailed             Event = "CIFailed"
	EventCITimeout            Event = "CITimeout"
	EventSystemError          Event = "SystemError"
	EventUserCanceled         Event = "UserCanceled"
)

// terminalStates reject every event (U6): applying any event to a run
// already in one of these states is a no-op that returns the run unchanged.
var terminalStates = map[State]bool{
	StateSucceeded:          true,
	StateFailedBuild:        true,
	StateFailedVerification: true,
	StateFailedError:        true,
	StateCanceled:           true,
}

// IsTerminal reports whether s accepts no further events.
func IsTerminal(s State) bool {
	return terminalStates[s]
}

// transitions maps (state, event) to the resulting state. UserCanceled and
// SystemError are handled uniformly across every non-terminal state below,
// outside this table, since they apply identically regardless of phase.
var transitions = map[State]map[Event]State{
	StateCreated: {
		EventWorkspaceAcquired: StateLeased,
	},
	StateLeased: {
		EventBuildStarted: StateBuilding,
	},
	StateBuilding: {
		EventBuildCompleted: StateSnapshotting,
		EventBuildFailed:    StateFailedBuild,
	},
	StateSnapshotting: {
		EventSnapshotCompleted: StateVerifying,
	},
	StateVerifying: {
		EventVerifyPassed:          StateSucceeded,
		EventVerifyFailedRetryable: StateFeedback,
		EventVerifyFailedTerminal:  StateFailedVerification,
		EventPRCreated:             StatePRCreated,
	},
	StateFeedback: {
		EventFeedbackGenerated: StateBuilding,
	},
	StatePRCreated: {
		EventCIPollingStarted: StateCIPolling,
		EventVerifyPassed:     StateSucceeded,
	},
	StateCIPolling: {
		EventCIPassed:              StateSucceeded,
		EventCIFailed:              StateFailedVerification,
		EventCITimeout:             StateFailedError,
		EventVerifyFailedRetryable: StateFeedback,
		EventVerifyFailedTerminal:  StateFailedVerification,
	},
}

// ApplyTransition is the pure transition function. Terminal states reject
// every event (no-op, current state returned, nil error — U6). A
// (state, event) pair with no defined transition returns
// ErrInvalidStateTransition, since encountering one indicates a bug in the
// caller or the transition table, not a run-failure condition.
func ApplyTransition(current State, event Event) (State, error) {
	if IsTerminal(current) {
		return current, nil
	}

	if event == EventUserCanceled {
		return StateCanceled, nil
	}
	if event == EventSystemError {
		return StateFailedError, nil
	}

	byEvent, ok := transitions[current]
	if !ok {
		return current, agerrors.ErrInvalidStateTransition(string(current), string(event))
	}
	next, ok := byEvent[event]
	if !ok {
		return current, agerrors.ErrInvalidStateTransition(string(current), string(event))
	}
	return next, nil
}

// IterationNumbering reports the iteration counter to use when entering
// Building from the given prior state. Entering Building from Feedback
// reuses the current iteration counter (continuing the same iteration's
// feedback loop); entering Building from Created/Leased starts a fresh
// iteration 1.
func IterationNumbering(from State, currentIteration int) int {
	if from == StateFeedback {
		return currentIteration
	}
	return 1
}
