package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakhealth/syncpipe/internal/testutil"
	"github.com/oakhealth/syncpipe/pkg/domain"
)

func TestRegistry_OpensAfterThreshold(t *testing.T) {
	r := NewRegistry(Config{FailThreshold: 2, Cooldown: 50 * time.Millisecond, FailWindow: time.Second})
	failing := func(ctx context.Context) (any, error) { return nil, errors.New("boom") }

	for i := 0; i < 2; i++ {
		_, err := r.Do(context.Background(), "ai", failing)
		require.Error(t, err)
	}

	_, err := r.Do(context.Background(), "ai", failing)
	assert.ErrorIs(t, err, domain.AICircuitOpen)
	assert.Equal(t, gobreaker.StateOpen, r.State("ai"))
}

func TestRegistry_HalfOpenRecoversOnSuccess(t *testing.T) {
	r := NewRegistry(Config{FailThreshold: 1, Cooldown: 10 * time.Millisecond, FailWindow: time.Second})
	_, _ = r.Do(context.Background(), "sink", func(ctx context.Context) (any, error) { return nil, errors.New("fail") })
	assert.Equal(t, gobreaker.StateOpen, r.State("sink"))

	testutil.WaitFor(t, time.Second, func() bool { return r.State("sink") != gobreaker.StateOpen }, "breaker cooldown to elapse")

	_, err := r.Do(context.Background(), "sink", func(ctx context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, r.State("sink"))
}

func TestRegistry_IndependentPerDependency(t *testing.T) {
	r := NewRegistry(Config{FailThreshold: 1, Cooldown: time.Second, FailWindow: time.Second})
	_, _ = r.Do(context.Background(), "warehouse", func(ctx context.Context) (any, error) { return nil, errors.New("fail") })
	assert.Equal(t, gobreaker.StateOpen, r.State("warehouse"))
	assert.Equal(t, gobreaker.StateClosed, r.State("ai"))
}
