package handheld

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_RunsInOrder(t *testing.T) {
	e := NewExecutor(0, zerolog.Nop())
	defer e.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, e.Submit("step", func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 9 {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not run")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestExecutor_FullQueueRejects(t *testing.T) {
	e := NewExecutor(1, zerolog.Nop())
	defer e.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, e.Submit("block", func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	require.NoError(t, e.Submit("queued", func(ctx context.Context) {}))
	assert.ErrorIs(t, e.Submit("overflow", func(ctx context.Context) {}), ErrQueueFull)
	close(release)
}

func TestExecutor_StopCancelsAndRejects(t *testing.T) {
	e := NewExecutor(4, zerolog.Nop())

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, e.Submit("long", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	<-started

	e.Stop()
	select {
	case <-cancelled:
	default:
		t.Fatal("Stop returned before the running task finished")
	}
	assert.ErrorIs(t, e.Submit("late", func(ctx context.Context) {}), ErrServiceStopped)
}

func TestExecutor_RecoversFromPanic(t *testing.T) {
	e := NewExecutor(0, zerolog.Nop())
	defer e.Stop()

	ran := make(chan struct{})
	require.NoError(t, e.Submit("panics", func(ctx context.Context) { panic("sdk crashed") }))
	require.NoError(t, e.Submit("after", func(ctx context.Context) { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker died after a panic")
	}
}
