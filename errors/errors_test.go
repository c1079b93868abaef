package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection lost", ErrConnectionLost, true},
		{"not connected", ErrNotConnected, true},
		{"timeout", ErrTimeout, true},
		{"ack wait expired", ErrAckWaitExpired, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"connection closed is fatal", ErrConnectionClosed, false},
		{"config conflict", ErrConfigConflict, false},
		{"serialization", ErrSerialization, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err), "error: %v", test.err)
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid subject", ErrInvalidSubject, true},
		{"no matching stream", ErrNoMatchingStream, true},
		{"config conflict", ErrConfigConflict, true},
		{"serialization", ErrSerialization, true},
		{"wrong last sequence", ErrWrongLastSequence, true},
		{"timeout", ErrTimeout, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsInvalid(test.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(ErrConnectionClosed))
	assert.True(t, IsFatal(ErrConsumerTerminated))
	assert.False(t, IsFatal(ErrTimeout))
	assert.True(t, IsFatal(WrapFatal(errors.New("disk gone"), "FileStorage", "Append", "write record")))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil", nil, ErrorTransient},
		{"connection lost", ErrConnectionLost, ErrorTransient},
		{"config conflict", ErrConfigConflict, ErrorInvalid},
		{"terminated", ErrConsumerTerminated, ErrorFatal},
		{"unknown", errors.New("something odd"), ErrorTransient},
		{"explicit wins", WrapTransient(ErrConfigConflict, "Store", "CreateStream", "compare"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Classify(test.err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "Client", "Publish", "send"))

	err := Wrap(ErrNotConnected, "Client", "Publish", "send")
	require.Error(t, err)
	assert.Equal(t, "Client.Publish: send failed: not connected", err.Error())
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestWrapClassified(t *testing.T) {
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Nil(t, test.wrap(nil, "C", "M", "a"))

			err := test.wrap(ErrMsgNotFound, "Stream", "GetMsg", "lookup")
			var ce *ClassifiedError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, test.class, ce.Class)
			assert.Equal(t, "Stream", ce.Component)
			assert.Equal(t, "GetMsg", ce.Operation)
			assert.True(t, Is(err, ErrMsgNotFound))
			assert.Contains(t, err.Error(), "Stream.GetMsg: lookup failed")
		})
	}
}

func TestClassifiedError_NoMessage(t *testing.T) {
	ce := &ClassifiedError{Class: ErrorInvalid, Err: ErrInvalidQueue}
	assert.Equal(t, "invalid queue group", ce.Error())
	assert.Equal(t, ErrInvalidQueue, ce.Unwrap())
}

func BenchmarkClassify(b *testing.B) {
	err := Wrap(ErrConnectionLost, "Manager", "Publish", "send")
	for i := 0; i < b.N; i++ {
		_ = Classify(err)
	}
}
