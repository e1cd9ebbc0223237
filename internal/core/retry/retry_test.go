package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestWithBackoff_SucceedsAfterFailures(t *testing.T) {
	got, err := WithBackoff(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) (int, error) {
		if attempt < 3 {
			return 0, errFlaky
		}
		return attempt, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, got)
}

func TestWithBackoff_StopsAtAttemptBudget(t *testing.T) {
	calls := 0
	_, err := WithBackoff(context.Background(), fastPolicy(4), func(ctx context.Context, attempt int) (struct{}, error) {
		calls++
		return struct{}{}, errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 4, calls)
}

func TestWithBackoff_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	_, err := WithBackoff(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, Permanent(errFlaky)
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

func TestWithBackoff_SingleAttempt(t *testing.T) {
	calls := 0
	_, err := WithBackoff(context.Background(), Policy{Attempts: 1}, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

func TestWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WithBackoff(ctx, Policy{Attempts: 5, BaseDelay: time.Second, MaxDelay: time.Second}, func(ctx context.Context, attempt int) (int, error) {
		return 0, errFlaky
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
