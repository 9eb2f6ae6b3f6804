package requestqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localfirst/syncengine/internal/types"
)

func TestSubmitRunsTask(t *testing.T) {
	m := New(map[Name]Config{
		Foreground: {Concurrency: 1, TaskDelay: 0, CapacityTimeout: time.Second},
	})

	var ran atomic.Bool
	err := m.Submit(context.Background(), Foreground, Task{
		IdempotencyKey: "k1",
		Run: func(ctx context.Context) error {
			ran.Store(true)
			return nil
		},
	})
	require.NoError(t, err)
	require.True(t, ran.Load())
}

func TestSubmitFailsWhenCapacityStaysFull(t *testing.T) {
	m := New(map[Name]Config{
		Load: {Concurrency: 1, TaskDelay: 0, CapacityTimeout: 50 * time.Millisecond, MaxCapacity: 1, CheckInterval: 5 * time.Millisecond},
	})

	blocker := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.Submit(context.Background(), Load, Task{
			IdempotencyKey: "slow",
			Run: func(ctx context.Context) error {
				close(started)
				<-blocker
				return nil
			},
		})
	}()
	<-started

	err := m.Submit(context.Background(), Load, Task{
		IdempotencyKey: "blocked",
		Run:            func(ctx context.Context) error { return nil },
	})
	require.ErrorIs(t, err, types.ErrCapacityExceeded)
	close(blocker)
}

func TestSubmitAdmitsPromptlyWhenCapacityFrees(t *testing.T) {
	m := New(map[Name]Config{
		Load: {Concurrency: 1, TaskDelay: 0, CapacityTimeout: 2 * time.Second, MaxCapacity: 1, CheckInterval: 5 * time.Millisecond},
	})

	blocker := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.Submit(context.Background(), Load, Task{
			IdempotencyKey: "slow",
			Run: func(ctx context.Context) error {
				close(started)
				<-blocker
				return nil
			},
		})
	}()
	<-started

	// Free the slot shortly after the second submission starts waiting;
	// it must be admitted well within the capacity timeout.
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(blocker)
	}()
	err := m.Submit(context.Background(), Load, Task{
		IdempotencyKey: "waiter",
		Run:            func(ctx context.Context) error { return nil },
	})
	require.NoError(t, err)
}

func TestSubmitRejectsDuplicateIdempotencyKey(t *testing.T) {
	m := New(map[Name]Config{
		Background: {Concurrency: 2, TaskDelay: 0, CapacityTimeout: time.Second},
	})

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.Submit(context.Background(), Background, Task{
			IdempotencyKey: "dup",
			Run: func(ctx context.Context) error {
				close(started)
				<-release
				return nil
			},
		})
	}()
	<-started

	err := m.Submit(context.Background(), Background, Task{
		IdempotencyKey: "dup",
		Run:            func(ctx context.Context) error { return nil },
	})
	require.ErrorIs(t, err, types.ErrDuplicateTask)
	close(release)
}

func TestSubmitReusesKeyAfterAwaitedCompletion(t *testing.T) {
	m := New(map[Name]Config{
		Background: {Concurrency: 1, TaskDelay: 0, CapacityTimeout: time.Second},
	})

	for i := 0; i < 2; i++ {
		err := m.Submit(context.Background(), Background, Task{
			IdempotencyKey: "same-key",
			Run:            func(ctx context.Context) error { return nil },
		})
		require.NoError(t, err, "submission %d", i)
	}
}

func TestOfflineGatesForegroundAndLoadButNotBackground(t *testing.T) {
	m := New(DefaultConfigs())
	m.SetOnline(false)

	for _, name := range []Name{Foreground, Load} {
		err := m.Submit(context.Background(), name, Task{
			IdempotencyKey: "k-" + string(name),
			Run:            func(ctx context.Context) error { return nil },
		})
		require.ErrorIs(t, err, types.ErrOffline, string(name))
	}

	err := m.Submit(context.Background(), Background, Task{
		IdempotencyKey: "k-bg",
		Run:            func(ctx context.Context) error { return nil },
	})
	require.NoError(t, err)
}

func TestSetOnlineFalseCancelsInFlightWork(t *testing.T) {
	m := New(map[Name]Config{
		Background: {Concurrency: 1, TaskDelay: 0, CapacityTimeout: time.Second},
	})

	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- m.Submit(context.Background(), Background, Task{
			IdempotencyKey: "doomed",
			Run: func(ctx context.Context) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			},
		})
	}()
	<-started

	m.SetOnline(false)
	select {
	case err := <-result:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight task was not cancelled by the queue teardown")
	}

	// The recreated queue accepts the key again once back online.
	m.SetOnline(true)
	err := m.Submit(context.Background(), Background, Task{
		IdempotencyKey: "doomed",
		Run:            func(ctx context.Context) error { return nil },
	})
	require.NoError(t, err)
}

func TestPauseRejectsSubmissions(t *testing.T) {
	m := New(map[Name]Config{
		Foreground: {Concurrency: 1, TaskDelay: 0, CapacityTimeout: time.Second},
	})
	m.Pause(Foreground)

	err := m.Submit(context.Background(), Foreground, Task{
		IdempotencyKey: "k",
		Run:            func(ctx context.Context) error { return nil },
	})
	require.ErrorIs(t, err, types.ErrOffline)

	m.Resume(Foreground)
	err = m.Submit(context.Background(), Foreground, Task{
		IdempotencyKey: "k",
		Run:            func(ctx context.Context) error { return nil },
	})
	require.NoError(t, err)
}

func TestSubmitPropagatesTaskError(t *testing.T) {
	m := New(map[Name]Config{
		Foreground: {Concurrency: 1, TaskDelay: 0, CapacityTimeout: time.Second},
	})
	boom := errors.New("boom")
	err := m.Submit(context.Background(), Foreground, Task{
		IdempotencyKey: "k",
		Run:            func(ctx context.Context) error { return boom },
	})
	require.ErrorIs(t, err, boom)
}

func TestStatsReportsActiveAndPending(t *testing.T) {
	m := New(map[Name]Config{
		Foreground: {Concurrency: 1, TaskDelay: 0, CapacityTimeout: time.Second, MaxCapacity: 4, CheckInterval: 5 * time.Millisecond},
		Load:       {Concurrency: 2, TaskDelay: 0, CapacityTimeout: time.Second},
		Background: {Concurrency: 1, TaskDelay: 0, CapacityTimeout: time.Second},
	})

	blocker := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.Submit(context.Background(), Foreground, Task{
			IdempotencyKey: "active",
			Run: func(ctx context.Context) error {
				close(started)
				<-blocker
				return nil
			},
		})
	}()
	<-started
	go func() {
		_ = m.Submit(context.Background(), Foreground, Task{
			IdempotencyKey: "queued",
			Run:            func(ctx context.Context) error { return nil },
		})
	}()

	require.Eventually(t, func() bool {
		for _, s := range m.Stats() {
			if s.Name == Foreground && s.ActiveAndPending == 2 && s.Pending == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	close(blocker)
}

func TestQueueForDerivesDefaultQueue(t *testing.T) {
	require.Equal(t, Foreground, QueueFor(types.OpCreate))
	require.Equal(t, Foreground, QueueFor(types.OpUpdate))
	require.Equal(t, Foreground, QueueFor(types.OpDelete))
	require.Equal(t, Load, QueueFor(types.Op("read")))
}
