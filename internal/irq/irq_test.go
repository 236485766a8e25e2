package irq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineCoalesces(t *testing.T) {
	line := NewLine()
	line.Raise()
	line.Raise()
	line.Raise()
	assert.Equal(t, uint64(3), line.Count())

	require.NoError(t, line.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, line.Wait(ctx), context.DeadlineExceeded)
}

func TestLineWakesWaiter(t *testing.T) {
	line := NewLine()
	done := make(chan error, 1)
	go func() { done <- line.Wait(context.Background()) }()

	time.Sleep(5 * time.Millisecond)
	line.Raise()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestLineClose(t *testing.T) {
	line := NewLine()
	done := make(chan error, 1)
	go func() { done <- line.Wait(context.Background()) }()

	require.NoError(t, line.Close())
	require.NoError(t, line.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}
