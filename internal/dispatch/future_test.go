package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// TestPromiseCompleteOnce tests that only the first completion wins.
func TestPromiseCompleteOnce(t *testing.T) {
	t.Parallel()

	p := NewPromise[int]()
	require.True(t, p.Complete(fn.Ok(1)))
	require.False(t, p.Complete(fn.Ok(2)))

	val, err := p.Future().Await(context.Background()).Unpack()
	require.NoError(t, err)
	require.Equal(t, 1, val)
}

// TestAwaitContextCancel tests that Await respects caller cancellation.
func TestAwaitContextCancel(t *testing.T) {
	t.Parallel()

	p := NewPromise[int]()

	ctx, cancel := context.WithTimeout(
		context.Background(), 20*time.Millisecond,
	)
	defer cancel()

	_, err := p.Future().Await(ctx).Unpack()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// A later completion still resolves for other awaiters.
	p.Complete(fn.Err[int](errors.New("late")))
	_, err = p.Future().Await(context.Background()).Unpack()
	require.EqualError(t, err, "late")
}

// TestOnComplete tests callback delivery.
func TestOnComplete(t *testing.T) {
	t.Parallel()

	p := NewPromise[string]()
	done := make(chan string, 1)

	p.Future().OnComplete(
		context.Background(), func(res fn.Result[string]) {
			val, _ := res.Unpack()
			done <- val
		},
	)

	p.Complete(fn.Ok("done"))

	select {
	case val := <-done:
		require.Equal(t, "done", val)
	case <-time.After(5 * time.Second):
		t.Fatal("callback never ran")
	}
}

// TestCompletedFuture tests the pre-resolved constructor.
func TestCompletedFuture(t *testing.T) {
	t.Parallel()

	f := CompletedFuture(fn.Ok(7))
	val, err := f.Await(context.Background()).Unpack()
	require.NoError(t, err)
	require.Equal(t, 7, val)
}
