package runstate

import (
	"testing"

	agerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPath_BuildSnapshotVerifyPass(t *testing.T) {
	s := StateCreated
	var err error

	s, err = ApplyTransition(s, EventWorkspaceAcquired)
	require.NoError(t, err)
	assert.Equal(t, StateLeased, s)

	s, err = ApplyTransition(s, EventBuildStarted)
	require.NoError(t, err)
	assert.Equal(t, StateBuilding, s)

	s, err = ApplyTransition(s, EventBuildCompleted)
	require.NoError(t, err)
	assert.Equal(t, StateSnapshotting, s)

	s, err = ApplyTransition(s, EventSnapshotCompleted)
	require.NoError(t, err)
	assert.Equal(t, StateVerifying, s)

	s, err = ApplyTransition(s, EventVerifyPassed)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, s)
}

func TestFeedbackLoop_ReturnsToBuilding(t *testing.T) {
	s, err := ApplyTransition(StateVerifying, EventVerifyFailedRetryable)
	require.NoError(t, err)
	assert.Equal(t, StateFeedback, s)

	s, err = ApplyTransition(s, EventFeedbackGenerated)
	require.NoError(t, err)
	assert.Equal(t, StateBuilding, s)
}

func TestPRPollingPath(t *testing.T) {
	s, err := ApplyTransition(StateVerifying, EventPRCreated)
	require.NoError(t, err)
	assert.Equal(t, StatePRCreated, s)

	s, err = ApplyTransition(s, EventCIPollingStarted)
	require.NoError(t, err)
	assert.Equal(t, StateCIPolling, s)

	s, err = ApplyTransition(s, EventCIPassed)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, s)
}

func TestCIFailedIsFailedVerification(t *testing.T) {
	s, err := ApplyTransition(StateCIPolling, EventCIFailed)
	require.NoError(t, err)
	assert.Equal(t, StateFailedVerification, s)
}

func TestCITimeoutIsFailedError(t *testing.T) {
	s, err := ApplyTransition(StateCIPolling, EventCITimeout)
	require.NoError(t, err)
	assert.Equal(t, StateFailedError, s)
}

// U5: ApplyTransition is a pure function of (state, event) — same inputs,
// same output, every time.
func TestU5_PureFunctionOfStateAndEvent(t *testing.T) {
	s1, err1 := ApplyTransition(StateBuilding, EventBuildFailed)
	s2, err2 := ApplyTransition(StateBuilding, EventBuildFailed)
	assert.Equal(t, s1, s2)
	assert.Equal(t, err1, err2)
}

// U6: terminal states ignore every event; cancel is idempotent.
func TestU6_TerminalStatesRejectAllEvents(t *testing.T) {
	for _, terminal := range []State{StateSucceeded, StateFailedBuild, StateFailedVerification, StateFailedError, StateCanceled} {
		s, err := ApplyTransition(terminal, EventUserCanceled)
		require.NoError(t, err)
		assert.Equal(t, terminal, s)

		s, err = ApplyTransition(terminal, EventBuildStarted)
		require.NoError(t, err)
		assert.Equal(t, terminal, s)
	}
}

func TestUserCanceledFromAnyNonTerminalState(t *testing.T) {
	for _, s := range []State{StateCreated, StateLeased, StateBuilding, StateSnapshotting, StateVerifying, StateFeedback, StatePRCreated, StateCIPolling} {
		next, err := ApplyTransition(s, EventUserCanceled)
		require.NoError(t, err)
		assert.Equal(t, StateCanceled, next)
	}
}

func TestSystemErrorFromAnyNonTerminalState(t *testing.T) {
	next, err := ApplyTransition(StateSnapshotting, EventSystemError)
	require.NoError(t, err)
	assert.Equal(t, StateFailedError, next)
}

func TestUnknownTransitionIsInvalidStateTransitionError(t *testing.T) {
	_, err := ApplyTransition(StateCreated, EventVerifyPassed)
	require.Error(t, err)
	gerr := agerrors.AsGateError(err)
	require.NotNil(t, gerr)
	assert.Equal(t, agerrors.CodeInvalidStateTransition, gerr.Code)
}

func TestIterationNumbering_FeedbackReusesCounter(t *testing.T) {
	assert.Equal(t, 2, IterationNumbering(StateFeedback, 2))
}

func TestIterationNumbering_CreatedStartsAtOne(t *testing.T) {
	assert.Equal(t, 1, IterationNumbering(StateCreated, 0))
	assert.Equal(t, 1, IterationNumbering(StateLeased, 0))
}
