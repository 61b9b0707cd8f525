package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNextIDUniqueUnderConcurrency(t *testing.T) {
	r := NewCallRegistry(nil)

	const workers, perWorker = 16, 500
	ids := make(chan int64, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := int64(0)
			for j := 0; j < perWorker; j++ {
				id := r.NextID()
				assert.Greater(t, id, last)
				last = id
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		require.False(t, seen[id], "id %d issued twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers*perWorker)
}

func TestResolveExactlyOnce(t *testing.T) {
	r := NewCallRegistry(nil)
	pc := r.Register(r.NextID(), "core.get_free_space")

	assert.True(t, r.Resolve(pc.ID, int64(1024)))
	assert.False(t, r.Resolve(pc.ID, int64(2048)))
	assert.False(t, r.Fail(pc.ID, errors.New("late")))
	assert.Zero(t, r.Len())

	v, err := r.Await(context.Background(), pc, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), v)
}

func TestUnknownIDIsObservable(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewCallRegistry(zap.New(core))

	assert.False(t, r.Resolve(42, "stale"))
	assert.False(t, r.Fail(43, errors.New("stale")))

	entries := logs.FilterField(zap.Int64("id", 42)).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "response for unknown request", entries[0].Message)
	assert.Equal(t, 1, logs.FilterField(zap.Int64("id", 43)).Len())
}

func TestAwaitTimeout(t *testing.T) {
	r := NewCallRegistry(nil)
	pc := r.Register(r.NextID(), "core.missing")

	start := time.Now()
	_, err := r.Await(context.Background(), pc, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrInvokeTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	var te *InvokeTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "core.missing", te.Method)

	// The late response finds nothing to resolve.
	assert.False(t, r.Resolve(pc.ID, "late"))
	assert.Zero(t, r.Len())
}

func TestAwaitNullValueIsNotATimeout(t *testing.T) {
	r := NewCallRegistry(nil)
	pc := r.Register(r.NextID(), "core.pause_session")

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Resolve(pc.ID, nil)
	}()

	v, err := r.Await(context.Background(), pc, time.Second)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestAwaitNullValueRacingTheDeadline(t *testing.T) {
	r := NewCallRegistry(nil)

	// Whoever wins, the caller sees exactly one consistent outcome: either the
	// nil value with no error, or a timeout and a refused late resolve.
	for i := 0; i < 200; i++ {
		pc := r.Register(r.NextID(), "core.resume_session")
		resolved := make(chan bool, 1)
		go func() {
			time.Sleep(time.Millisecond)
			resolved <- r.Resolve(pc.ID, nil)
		}()
		v, err := r.Await(context.Background(), pc, time.Millisecond)
		won := <-resolved
		if won {
			require.NoError(t, err)
			assert.Nil(t, v)
		} else {
			require.ErrorIs(t, err, ErrInvokeTimeout)
		}
	}
	assert.Zero(t, r.Len())
}

func TestAwaitContextCancel(t *testing.T) {
	r := NewCallRegistry(nil)
	pc := r.Register(r.NextID(), "core.get_session_status")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Await(ctx, pc, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, r.Len())
}

func TestDrainAllAsFailed(t *testing.T) {
	r := NewCallRegistry(nil)

	pcs := make([]*PendingCall, 10)
	for i := range pcs {
		pcs[i] = r.Register(r.NextID(), "core.get_torrents_status")
	}
	closed := &ConnectionClosedError{}
	assert.Equal(t, 10, r.DrainAllAsFailed(closed))
	assert.Zero(t, r.Len())

	for _, pc := range pcs {
		select {
		case <-pc.Done():
		default:
			t.Fatalf("call %d not resolved by drain", pc.ID)
		}
		_, err := pc.Result()
		require.ErrorIs(t, err, ErrConnectionClosed)
	}
}

func TestConcurrentResolutionSingleOutcome(t *testing.T) {
	r := NewCallRegistry(nil)

	const n = 100
	pcs := make([]*PendingCall, n)
	for i := range pcs {
		pcs[i] = r.Register(r.NextID(), "core.get_config_value")
	}

	// Responses, failures and a drain race for every call.
	var wins sync.Map
	var wg sync.WaitGroup
	for _, pc := range pcs {
		for k := 0; k < 3; k++ {
			wg.Add(1)
			go func(pc *PendingCall, k int) {
				defer wg.Done()
				var ok bool
				if k%2 == 0 {
					ok = r.Resolve(pc.ID, k)
				} else {
					ok = r.Fail(pc.ID, errors.New("failed"))
				}
				if ok {
					_, dup := wins.LoadOrStore(pc.ID, k)
					assert.False(t, dup, "call %d resolved twice", pc.ID)
				}
			}(pc, k)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.DrainAllAsFailed(&ConnectionClosedError{})
	}()
	wg.Wait()

	for _, pc := range pcs {
		<-pc.Done()
	}
	assert.Zero(t, r.Len())
}
