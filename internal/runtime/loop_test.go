package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/patchbay/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopInline(t *testing.T) {
	l := runtime.NewLoop("test")
	ran := false
	l.Invoke(func() { ran = true }, false)
	assert.True(t, ran, "a stopped loop runs functions on the caller")
}

func TestLoopRun(t *testing.T) {
	l := runtime.NewLoop("test", runtime.WithQueueSize(4))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	require.Eventually(t, l.Running, time.Second, time.Millisecond)

	var order []int
	l.Invoke(func() { order = append(order, 1) }, false)
	l.Invoke(func() {
		order = append(order, 2)
		// Re-entrant invokes run inline instead of deadlocking.
		l.Invoke(func() { order = append(order, 3) }, true)
	}, true)
	assert.Equal(t, []int{1, 2, 3}, order)

	assert.ErrorIs(t, l.Run(ctx), runtime.ErrLoopRunning)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, l.Running())
}

func TestLoopDrainsOnStop(t *testing.T) {
	l := runtime.NewLoop("test", runtime.WithLockedThread())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	require.Eventually(t, l.Running, time.Second, time.Millisecond)

	block := make(chan struct{})
	l.Invoke(func() { <-block }, false)
	ran := make(chan struct{})
	l.Invoke(func() { close(ran) }, false)
	cancel()
	close(block)

	require.NoError(t, <-done)
	select {
	case <-ran:
	default:
		t.Fatal("queued function was dropped")
	}
}

func TestLoopInlineSerialized(t *testing.T) {
	l := runtime.NewLoop("test")
	entered := make(chan struct{})
	release := make(chan struct{})
	go l.Invoke(func() {
		close(entered)
		<-release
	}, true)
	<-entered

	done := make(chan struct{})
	go l.Invoke(func() { close(done) }, false)
	select {
	case <-done:
		t.Fatal("inline calls overlapped")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second inline call never ran")
	}

	nested := false
	l.Invoke(func() {
		l.Invoke(func() { nested = true }, true)
	}, true)
	assert.True(t, nested, "nested inline calls on one goroutine run directly")
}
