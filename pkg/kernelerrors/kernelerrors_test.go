package kernelerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		class Class
		want  bool
	}{
		{ClassTransientNetwork, true},
		{ClassRateLimited, true},
		{ClassTimeout, true},
		{ClassNotFound, true},
		{ClassInternal, true},
		{ClassAuth, false},
		{ClassInvalidInput, false},
		{ClassPolicyDenied, false},
		{ClassIdempotency, false},
		{ClassBudgetExceeded, false},
		{ClassConflict, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.class.Retryable())
			assert.True(t, tt.class.Valid())
		})
	}
	assert.False(t, Class("bogus").Valid())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Class(""), Classify(nil))
	assert.Equal(t, ClassTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassTimeout, Classify(context.Canceled))
	assert.Equal(t, ClassInternal, Classify(errors.New("boom")))

	wrapped := fmt.Errorf("invoking tool: %w", New(ClassRateLimited, "429"))
	assert.Equal(t, ClassRateLimited, Classify(wrapped))
}

func TestStepErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(ClassTransientNetwork, cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "transient_network: connection reset", err.Error())
}

func TestAsStepError(t *testing.T) {
	se := AsStepError(errors.New("oops"))
	assert.Equal(t, ClassInternal, se.Class)

	orig := &StepError{Class: ClassRateLimited, Message: "slow down", RetryAfter: 2 * time.Second}
	got := AsStepError(fmt.Errorf("attempt 1: %w", orig))
	assert.Same(t, orig, got)
	assert.Nil(t, AsStepError(nil))
}
