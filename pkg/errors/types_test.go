package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "workflow", ID: "wf-123"}
	assert.Equal(t, "workflow not found: wf-123", err.Error())
	assert.True(t, IsNotFound(err))
	assert.False(t, IsDuplicate(err))
}

func TestDuplicateError(t *testing.T) {
	err := &DuplicateError{Resource: "worker", ID: "w-1"}
	assert.Equal(t, "worker already exists: w-1", err.Error())
	assert.True(t, IsDuplicate(err))
}

func TestProtocolError(t *testing.T) {
	tests := []struct {
		name string
		err  *ProtocolError
		want string
	}{
		{
			name: "bare message",
			err:  &ProtocolError{Message: "unknown session token"},
			want: "protocol violation: unknown session token",
		},
		{
			name: "with workflow",
			err:  &ProtocolError{Message: "workflow is terminal", WorkflowID: "wf-1"},
			want: "protocol violation on wf-1: workflow is terminal",
		},
		{
			name: "with workflow and step",
			err:  &ProtocolError{Message: "not the current step", WorkflowID: "wf-1", Step: "finalize"},
			want: "protocol violation on wf-1 step finalize: not the current step",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.True(t, IsProtocol(tt.err))
		})
	}
}

func TestPersistenceError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &PersistenceError{Op: "append action", Cause: cause}

	assert.Contains(t, err.Error(), "append action")
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsPersistence(err))
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Operation: "await result", Duration: 5 * time.Second}
	assert.Equal(t, "await result timed out after 5s", err.Error())
	assert.True(t, IsTimeout(err))
}

func TestWrappedErrorsDetected(t *testing.T) {
	inner := &NotFoundError{Resource: "task", ID: "t-9"}
	wrapped := fmt.Errorf("dispatch failed: %w", inner)

	assert.True(t, IsNotFound(wrapped))
	assert.Equal(t, "not_found", Code(wrapped))
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&NotFoundError{Resource: "workflow", ID: "x"}, "not_found"},
		{&DuplicateError{Resource: "worker", ID: "x"}, "duplicate"},
		{&ProtocolError{Message: "x"}, "protocol_violation"},
		{&PersistenceError{Op: "x"}, "persistence_failure"},
		{&TimeoutError{Operation: "x"}, "timeout"},
		{&CancelledError{Operation: "x"}, "cancelled"},
		{&InternalError{Invariant: "single-running-step", Message: "x"}, "internal"},
		{errors.New("plain"), "internal"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err))
	}
}
