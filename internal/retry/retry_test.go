package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(domain.FailureTransient))
	assert.False(t, IsRetryable(domain.FailurePersistent))
	assert.False(t, IsRetryable(domain.FailureData))
	assert.False(t, IsRetryable(domain.FailureCircuitOpen))
	assert.False(t, IsRetryable(domain.FailureBudget))
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	p := DefaultPolicy(5, time.Millisecond)
	attempts := 0
	err := Do(context.Background(), p, func(error) domain.FailureCategory {
		return domain.FailureTransient
	}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient failure")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_StopsImmediatelyOnPersistentError(t *testing.T) {
	p := DefaultPolicy(5, time.Millisecond)
	attempts := 0
	sentinel := errors.New("bad config")
	err := Do(context.Background(), p, func(error) domain.FailureCategory {
		return domain.FailurePersistent
	}, func(ctx context.Context) error {
		attempts++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_NeverExceedsMaxAttempts(t *testing.T) {
	p := DefaultPolicy(3, time.Millisecond)
	attempts := 0
	err := Do(context.Background(), p, func(error) domain.FailureCategory {
		return domain.FailureTransient
	}, func(ctx context.Context) error {
		attempts++
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}
