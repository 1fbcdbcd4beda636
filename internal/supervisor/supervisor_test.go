package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPolicyFor(t *testing.T) {
	assert.Equal(t, Always, PolicyFor(true))
	assert.Equal(t, OnFailure, PolicyFor(false))
	assert.Equal(t, "always", Always.String())
	assert.Equal(t, "on-failure", OnFailure.String())
}

func TestShouldRestart(t *testing.T) {
	failed := fmt.Errorf("boom")

	assert.True(t, OnFailure.ShouldRestart(failed))
	assert.False(t, OnFailure.ShouldRestart(nil))
	assert.True(t, Always.ShouldRestart(failed))
	assert.True(t, Always.ShouldRestart(nil))
}

func TestOnFailureRestartsUntilSuccess(t *testing.T) {
	var runs atomic.Int32
	var exits []Exit
	var mu sync.Mutex

	s := New(time.Millisecond, zap.NewNop().Sugar(), WithExitObserver(func(e Exit) {
		mu.Lock()
		defer mu.Unlock()
		exits = append(exits, e)
	}))

	s.Run(context.Background(), []Unit{{
		ID:     "db",
		Policy: OnFailure,
		Run: func(context.Context) error {
			if runs.Add(1) < 3 {
				return fmt.Errorf("unreachable")
			}
			return nil
		},
	}})

	assert.Equal(t, int32(3), runs.Load())
	require.Len(t, exits, 3)
	assert.True(t, exits[0].Restarting)
	assert.True(t, exits[1].Restarting)
	assert.False(t, exits[2].Restarting)
	assert.NoError(t, exits[2].Err)
}

func TestAlwaysRestartsAfterSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	s := New(time.Millisecond, zap.NewNop().Sugar())
	s.Run(ctx, []Unit{{
		ID:     "rotating",
		Policy: Always,
		Run: func(context.Context) error {
			if runs.Add(1) == 3 {
				cancel()
			}
			return nil
		},
	}})

	assert.Equal(t, int32(3), runs.Load())
}

func TestUnitsDoNotBlockEachOther(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fastDone := make(chan struct{})
	s := New(time.Millisecond, zap.NewNop().Sugar())

	go func() {
		select {
		case <-fastDone:
		case <-time.After(5 * time.Second):
		}
		cancel()
	}()

	s.Run(ctx, []Unit{
		{
			ID:     "slow",
			Policy: OnFailure,
			Run: func(ctx context.Context) error {
				<-ctx.Done()
				return nil
			},
		},
		{
			ID:     "fast",
			Policy: OnFailure,
			Run: func(context.Context) error {
				close(fastDone)
				return nil
			},
		},
	})

	select {
	case <-fastDone:
	default:
		t.Fatal("fast unit never ran while slow unit was blocked")
	}
}

func TestCancelledBackoffStops(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var runs atomic.Int32
	s := New(time.Hour, zap.NewNop().Sugar())

	start := time.Now()
	s.Run(ctx, []Unit{{
		ID:     "db",
		Policy: OnFailure,
		Run: func(context.Context) error {
			runs.Add(1)
			return fmt.Errorf("failed")
		},
	}})

	assert.Equal(t, int32(1), runs.Load())
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestPreconditionGatesStart(t *testing.T) {
	token := filepath.Join(t.TempDir(), "token")

	var started atomic.Bool
	s := New(time.Millisecond, zap.NewNop().Sugar(), WithPrecondition(func(ctx context.Context) error {
		return WaitForFile(ctx, token)
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(context.Background(), []Unit{{
			ID:     "db",
			Policy: OnFailure,
			Run: func(context.Context) error {
				started.Store(true)
				return nil
			},
		}})
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, started.Load(), "unit must not start before the token exists")

	require.NoError(t, os.WriteFile(token, []byte("ops_x"), 0600))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("unit did not start after the token appeared")
	}
	assert.True(t, started.Load())
}

func TestWaitForFileExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, nil, 0600))
	assert.NoError(t, WaitForFile(context.Background(), path))
}

func TestWaitForFileCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := WaitForFile(ctx, filepath.Join(t.TempDir(), "never"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
