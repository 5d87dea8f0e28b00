package errors

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *GateError
		wantErr  string
		wantUser string
	}{
		{
			name:     "what only",
			err:      &GateError{What: "something broke"},
			wantErr:  "something broke",
			wantUser: "Error: something broke",
		},
		{
			name:     "what and why",
			err:      &GateError{What: "something broke", Why: "bad input"},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input",
		},
		{
			name: "full error",
			err: &GateError{
				What:    "something broke",
				Why:     "bad input",
				Fix:     "try again",
				DocsURL: "https://example.com",
			},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input\n\nFix: try again\n\nDocs: https://example.com",
		},
		{
			name: "with cause",
			err: &GateError{
				What:  "something broke",
				Cause: errors.New("underlying error"),
			},
			wantErr:  "something broke: underlying error",
			wantUser: "Error: something broke",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantErr, tt.err.Error())
			assert.Equal(t, tt.wantUser, tt.err.UserMessage())
		})
	}
}

func TestGateErrorJSON(t *testing.T) {
	err := &GateError{
		Code:  CodeWorkOrderNotFound,
		What:  "work order WO-001 not found",
		Why:   "no work order with this id exists",
		Cause: errors.New("store miss"),
	}

	data, marshalErr := json.Marshal(err)
	require.NoError(t, marshalErr)

	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, string(CodeWorkOrderNotFound), result["code"])
	assert.Equal(t, "work order WO-001 not found", result["what"])
	assert.Equal(t, "store miss", result["cause"])
}

func TestErrQueueFull(t *testing.T) {
	err := ErrQueueFull(100)
	assert.Equal(t, CodeQueueFull, err.Code)
	assert.Contains(t, err.Why, "100")
}

func TestErrAlreadyQueued(t *testing.T) {
	err := ErrAlreadyQueued("WO-001")
	assert.Equal(t, CodeAlreadyQueued, err.Code)
	assert.Contains(t, err.What, "WO-001")
}

func TestErrConcurrencyExceeded(t *testing.T) {
	err := ErrConcurrencyExceeded(5)
	assert.Equal(t, CodeConcurrencyExceeded, err.Code)
	assert.Contains(t, err.Why, "5")
}

func TestErrLeaseUnavailable(t *testing.T) {
	err := ErrLeaseUnavailable("ws-1")
	assert.Equal(t, CodeLeaseUnavailable, err.Code)
	assert.Contains(t, err.What, "ws-1")
}

func TestErrInvalidStateTransition(t *testing.T) {
	err := ErrInvalidStateTransition("Completed", "Start")
	assert.Equal(t, CodeInvalidStateTransition, err.Code)
	assert.Contains(t, err.What, "Completed")
	assert.Contains(t, err.What, "Start")
}

func TestErrWorkOrderNotFound(t *testing.T) {
	err := ErrWorkOrderNotFound("WO-002")
	assert.Equal(t, CodeWorkOrderNotFound, err.Code)
}

func TestErrConflict(t *testing.T) {
	err := ErrConflict("WO-003", "Completed")
	assert.Equal(t, CodeConflict, err.Code)
	assert.Contains(t, err.What, "Completed")
}

func TestErrorCodeUniqueness(t *testing.T) {
	codes := []Code{
		CodeQueueFull,
		CodeAlreadyQueued,
		CodeConcurrencyExceeded,
		CodeLeaseUnavailable,
		CodeInvalidStateTransition,
		CodeCancellationRequested,
		CodeWorkOrderNotFound,
		CodeConflict,
		CodeConfigInvalid,
		CodeConfigMissing,
	}

	seen := make(map[Code]bool)
	for _, code := range codes {
		assert.False(t, seen[code], "duplicate error code: %s", code)
		seen[code] = true
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err        *GateError
		wantStatus int
	}{
		{ErrQueueFull(10), 409},
		{ErrAlreadyQueued("X"), 409},
		{ErrConcurrencyExceeded(1), 409},
		{ErrLeaseUnavailable("ws"), 409},
		{ErrInvalidStateTransition("a", "b"), 500},
		{ErrCancellationRequested("X"), 409},
		{ErrWorkOrderNotFound("X"), 404},
		{ErrConflict("X", "Completed"), 409},
		{ErrConfigInvalid("x", "y"), 400},
		{ErrConfigMissing("x"), 400},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Code), func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, tt.err.HTTPStatus())
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := ErrWorkOrderNotFound("X").WithCause(cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestWithCause(t *testing.T) {
	original := ErrWorkOrderNotFound("WO-001")
	cause := errors.New("store miss")
	wrapped := original.WithCause(cause)

	assert.Equal(t, cause, wrapped.Cause)
	assert.Nil(t, original.Cause, "original should not be modified")
	assert.Equal(t, original.Code, wrapped.Code)
	assert.Equal(t, original.What, wrapped.What)
}

func TestIs(t *testing.T) {
	err1 := ErrWorkOrderNotFound("WO-001")
	err2 := ErrWorkOrderNotFound("WO-002")
	err3 := ErrQueueFull(10)

	assert.True(t, errors.Is(err1, err2), "errors with same code should match with Is")
	assert.False(t, errors.Is(err1, err3), "errors with different codes should not match")
}

func TestAsGateError(t *testing.T) {
	gerr := ErrWorkOrderNotFound("X")

	assert.NotNil(t, AsGateError(gerr))
	assert.NotNil(t, AsGateError(gerr.WithCause(errors.New("cause"))))
	assert.Nil(t, AsGateError(errors.New("regular error")))
	assert.Nil(t, AsGateError(nil))
}

func TestWrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(cause, "operation failed")

	assert.Equal(t, "operation failed", err.What)
	assert.Equal(t, cause, err.Cause)
	assert.Equal(t, Code("UNKNOWN"), err.Code)
}
