//go:build linux

package patchbay_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/patchbay"
	"github.com/aretw0/patchbay/pkg/config"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemfdMemory(t *testing.T) {
	cfg := testConfig(config.LinkConfig{Output: "src", Input: "sink"})
	cfg.Memory = config.MemoryMemfd
	d := newDaemon(t, cfg)

	snap, err := d.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Links, 1)
	assert.Equal(t, "active", snap.Links[0].State, "shared memory backs activation records and buffers")
}

func TestEventfdWakeup(t *testing.T) {
	var cycles, xruns atomic.Int32
	cfg := testConfig(config.LinkConfig{Output: "src", Input: "sink"})
	cfg.Graph.Wakeup = config.WakeupEventfd
	d := newDaemon(t, cfg, patchbay.WithLifecycleHooks(domain.LifecycleHooks{
		OnCycle: func(context.Context, *domain.CycleEvent) { cycles.Add(1) },
		OnXrun:  func(context.Context, *domain.XrunEvent) { xruns.Add(1) },
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return cycles.Load() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, xruns.Load(), "every member was woken through its eventfd")
}
