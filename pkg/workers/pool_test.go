package workers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSpawnAndDrain(t *testing.T) {
	t.Parallel()

	p := NewPool(context.Background())

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := p.Spawn(func(ctx context.Context) {
			ran.Add(1)
			<-ctx.Done()
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return ran.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, p.Len())

	p.DrainAll()
	assert.Equal(t, 0, p.Len())

	// Closed pools reject new work.
	_, err := p.Spawn(func(context.Context) {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolCancelSingleWorker(t *testing.T) {
	t.Parallel()

	p := NewPool(context.Background())

	done := make(chan struct{})
	id, err := p.Spawn(func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	require.NoError(t, err)

	p.Cancel(id)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not observe cancellation")
	}

	// The pool remains usable after a single cancel.
	_, err = p.Spawn(func(context.Context) {})
	assert.NoError(t, err)
	p.DrainAll()
}

func TestPoolCancelAllKeepsPoolOpen(t *testing.T) {
	t.Parallel()

	p := NewPool(context.Background())

	var cancelled atomic.Int32
	for i := 0; i < 2; i++ {
		_, err := p.Spawn(func(ctx context.Context) {
			<-ctx.Done()
			cancelled.Add(1)
		})
		require.NoError(t, err)
	}

	p.CancelAll()
	require.Eventually(t, func() bool { return cancelled.Load() == 2 }, time.Second, 5*time.Millisecond)

	// CancelAll does not close the pool; new workers still run.
	var ran atomic.Bool
	_, err := p.Spawn(func(context.Context) { ran.Store(true) })
	require.NoError(t, err)
	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)

	p.DrainAll()
}

func TestPoolInheritsParentContext(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	p := NewPool(parent)

	done := make(chan struct{})
	_, err := p.Spawn(func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	require.NoError(t, err)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not inherit parent cancellation")
	}
}

func TestDrainGateWaitsForHolders(t *testing.T) {
	t.Parallel()

	var g DrainGate

	release := g.Use()

	drained := make(chan struct{})
	go func() {
		r := g.Drain()
		r()
		close(drained)
	}()

	// The drain must not pass while a slot is held.
	select {
	case <-drained:
		t.Fatal("drain passed while a slot was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain did not pass after release")
	}

	// The gate is reusable after a drain.
	r := g.Use()
	r()
}
