package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  string
	}{
		{ErrorTransient, "transient"},
		{ErrorValidation, "validation"},
		{ErrorConflict, "conflict"},
		{ErrorCancelled, "cancelled"},
		{ErrorFatal, "fatal"},
		{ErrorClass(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.class.String())
	}
}

func TestWrap_Format(t *testing.T) {
	base := New("boom")
	err := Wrap(base, "Coordinator", "Mutate", "server call")

	require.Error(t, err)
	assert.Equal(t, "Coordinator.Mutate: server call failed: boom", err.Error())
	assert.True(t, Is(err, base))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "C", "M", "a"))
	assert.NoError(t, WrapTransient(nil, "C", "M", "a"))
	assert.NoError(t, WrapValidation(nil, "C", "M", "a"))
	assert.NoError(t, WrapConflict(nil, "C", "M", "a"))
	assert.NoError(t, WrapCancelled(nil, "C", "M", "a"))
	assert.NoError(t, WrapFatal(nil, "C", "M", "a"))
}

func TestClassificationPreservedThroughWrapping(t *testing.T) {
	inner := WrapValidation(ErrIntentRejected, "Server", "Call", "validate")
	outer := fmt.Errorf("outer context: %w", inner)

	assert.True(t, IsValidation(outer))
	assert.False(t, IsTransient(outer))
	assert.Equal(t, ErrorValidation, Classify(outer))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrNoConnection))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(New("connection refused")))
	assert.True(t, IsTransient(New("request timeout")))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrIntentRejected))
}

func TestIsValidation(t *testing.T) {
	assert.True(t, IsValidation(ErrIntentRejected))
	assert.True(t, IsValidation(WrapValidation(New("stock exceeded"), "Cart", "Update", "quantity")))
	assert.False(t, IsValidation(ErrNoConnection))
	assert.False(t, IsValidation(nil))
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(ErrVersionConflict))
	assert.True(t, IsConflict(ErrStaleVersion))
	assert.True(t, IsConflict(WrapConflict(New("etag mismatch"), "Server", "Call", "put")))
	assert.False(t, IsConflict(ErrIntentRejected))
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(context.Canceled))
	assert.True(t, IsCancelled(ErrMutationDiscard))
	assert.True(t, IsCancelled(WrapCancelled(New("superseded by retype"), "Search", "Fetch", "query")))
	// DeadlineExceeded is transient, not cancelled: the operation may be
	// retried, it was not superseded.
	assert.False(t, IsCancelled(context.DeadlineExceeded))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(WrapFatal(New("impossible state"), "Engine", "Start", "wiring")))
	assert.False(t, IsFatal(ErrNoConnection))
}

func TestClassify_Precedence(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorTransient},
		{"cancelled", context.Canceled, ErrorCancelled},
		{"conflict", ErrVersionConflict, ErrorConflict},
		{"validation", ErrIntentRejected, ErrorValidation},
		{"fatal", ErrInvalidConfig, ErrorFatal},
		{"unknown defaults transient", New("mystery"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifiedError_Unwrap(t *testing.T) {
	err := WrapTransient(ErrNoConnection, "Channel", "Send", "frame")

	var ce *ClassifiedError
	require.True(t, As(err, &ce))
	assert.Equal(t, "Channel", ce.Component)
	assert.Equal(t, "Send", ce.Operation)
	assert.True(t, Is(ce.Unwrap(), ErrNoConnection))
}
