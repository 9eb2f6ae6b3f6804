package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localfirst/syncengine/internal/depresolver"
	"github.com/localfirst/syncengine/internal/localstore"
	"github.com/localfirst/syncengine/internal/syncqueue"
	"github.com/localfirst/syncengine/internal/types"
)

type fakeStatusWriter struct{}

func (fakeStatusWriter) UpdateSyncStatus(ctx context.Context, modelType, modelID string, status types.SyncStatus) error {
	return nil
}

func newTestExecutor(t *testing.T, client RemoteClient, cfg BackoffConfig) *Executor {
	t.Helper()
	store, err := localstore.Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	q := syncqueue.New(store, fakeStatusWriter{})
	return New(q, depresolver.New(), client, nil, cfg, nil)
}

type scriptedClient struct {
	createFn func(ctx context.Context, modelType, payload, headers string) (string, error)
	updateFn func(ctx context.Context, modelType, modelID, payload, headers string) error
	deleteFn func(ctx context.Context, modelType, modelID, headers string) error
}

func (c *scriptedClient) CreateOne(ctx context.Context, modelType, payload, headers string) (string, error) {
	return c.createFn(ctx, modelType, payload, headers)
}
func (c *scriptedClient) UpdateOne(ctx context.Context, modelType, modelID, payload, headers string) error {
	return c.updateFn(ctx, modelType, modelID, payload, headers)
}
func (c *scriptedClient) DeleteOne(ctx context.Context, modelType, modelID, headers string) error {
	return c.deleteFn(ctx, modelType, modelID, headers)
}

func TestPollOnceSucceedsAndRemovesQueueRow(t *testing.T) {
	client := &scriptedClient{
		createFn: func(ctx context.Context, modelType, payload, headers string) (string, error) { return "t1", nil },
	}
	e := newTestExecutor(t, client, DefaultBackoffConfig())
	ctx := context.Background()

	_, err := e.queue.HandleModelSave(ctx, "Task", "t1", `{}`, types.OpCreate, "idem-1", "", "")
	require.NoError(t, err)

	results, err := e.PollOnce(ctx, true, time.Now())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, OutcomeSuccess, results[0].Outcome)

	items, err := e.queue.GetByModel(ctx, "Task", "t1")
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestPollOneSchedulesRetryOnNetworkError(t *testing.T) {
	client := &scriptedClient{
		createFn: func(ctx context.Context, modelType, payload, headers string) (string, error) {
			return "", &net404err{msg: "dial tcp: connection refused"}
		},
	}
	e := newTestExecutor(t, client, DefaultBackoffConfig())
	ctx := context.Background()

	_, err := e.queue.HandleModelSave(ctx, "Task", "t2", `{}`, types.OpCreate, "idem-1", "", "")
	require.NoError(t, err)

	results, err := e.PollOnce(ctx, true, time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeScheduledRetry, results[0].Outcome)

	items, err := e.queue.GetByModel(ctx, "Task", "t2")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, items[0].AttemptCount)
	require.NotNil(t, items[0].NextRetryAt)
}

func TestPollOnceDeadLettersAfterMaxAttempts(t *testing.T) {
	client := &scriptedClient{
		createFn: func(ctx context.Context, modelType, payload, headers string) (string, error) {
			return "", &net404err{msg: "connection reset by peer"}
		},
	}
	cfg := DefaultBackoffConfig()
	cfg.MaxRetryAttempts = 1
	e := newTestExecutor(t, client, cfg)
	ctx := context.Background()

	_, err := e.queue.HandleModelSave(ctx, "Task", "t3", `{}`, types.OpCreate, "idem-1", "", "")
	require.NoError(t, err)

	_, err = e.PollOnce(ctx, true, time.Now())
	require.NoError(t, err)

	results, err := e.PollOnce(ctx, true, time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeDead, results[0].Outcome)

	items, err := e.queue.GetByModel(ctx, "Task", "t3")
	require.NoError(t, err)
	require.Empty(t, items, "dead rows are excluded from GetByModel")
}

func TestDoubleFallbackLeavesRowManuallyRetriable(t *testing.T) {
	client := &scriptedClient{
		updateFn: func(ctx context.Context, modelType, modelID, payload, headers string) error {
			return &types.APIError{Kind: types.APIErrorNotFound, StatusCode: 404}
		},
		createFn: func(ctx context.Context, modelType, payload, headers string) (string, error) {
			return "", &types.APIError{Kind: types.APIErrorNotFound, StatusCode: 404}
		},
	}
	e := newTestExecutor(t, client, DefaultBackoffConfig())
	ctx := context.Background()

	_, err := e.queue.HandleModelSave(ctx, "Task", "t4", `{}`, types.OpUpdate, "idem-1", "", "")
	require.NoError(t, err)

	results, err := e.PollOnce(ctx, true, time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeDoubleFallback, results[0].Outcome)
	require.ErrorIs(t, results[0].Err, types.ErrDoubleFallback)

	// The row survives with no backoff scheduled: op back to update,
	// next_retry_at cleared, and a composite error recorded.
	items, err := e.queue.GetByModel(ctx, "Task", "t4")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, types.OpUpdate, items[0].Op)
	require.Nil(t, items[0].NextRetryAt)
	require.Equal(t, types.QueueStatusPending, items[0].Status)
	require.NotNil(t, items[0].LastError)
	require.Contains(t, *items[0].LastError, "Fallback failed")
}

func TestHandleUpdateNotFoundFallsBackToCreateSuccessfully(t *testing.T) {
	client := &scriptedClient{
		updateFn: func(ctx context.Context, modelType, modelID, payload, headers string) error {
			return &types.APIError{Kind: types.APIErrorNotFound, StatusCode: 404}
		},
		createFn: func(ctx context.Context, modelType, payload, headers string) (string, error) {
			return modelType + "-created", nil
		},
	}
	e := newTestExecutor(t, client, DefaultBackoffConfig())
	ctx := context.Background()

	_, err := e.queue.HandleModelSave(ctx, "Task", "t5", `{}`, types.OpUpdate, "idem-1", "", "")
	require.NoError(t, err)

	results, err := e.PollOnce(ctx, true, time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, results[0].Outcome)
}

func TestPermanentAPIErrorDeadLettersImmediately(t *testing.T) {
	client := &scriptedClient{
		createFn: func(ctx context.Context, modelType, payload, headers string) (string, error) {
			return "", &types.APIError{Kind: types.APIErrorOther, StatusCode: 400}
		},
	}
	e := newTestExecutor(t, client, DefaultBackoffConfig())
	ctx := context.Background()

	_, err := e.queue.HandleModelSave(ctx, "Task", "t6", `{}`, types.OpCreate, "idem-1", "", "")
	require.NoError(t, err)

	results, err := e.PollOnce(ctx, true, time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeDead, results[0].Outcome)
}

func TestGoneDeletesQueueRowWithoutRetry(t *testing.T) {
	client := &scriptedClient{
		deleteFn: func(ctx context.Context, modelType, modelID, headers string) error {
			return &types.APIError{Kind: types.APIErrorGone, StatusCode: 410}
		},
	}
	e := newTestExecutor(t, client, DefaultBackoffConfig())
	ctx := context.Background()

	_, err := e.queue.HandleModelDeletion(ctx, "Task", "t7", `{}`, true, "", "")
	require.NoError(t, err)

	results, err := e.PollOnce(ctx, true, time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeGone, results[0].Outcome)
}

func TestComputeDelayStaysWithinBounds(t *testing.T) {
	e := newTestExecutor(t, &scriptedClient{}, DefaultBackoffConfig())
	cfg := e.backoffCfg
	for attempt := 1; attempt <= 12; attempt++ {
		d := e.computeDelay(attempt)

		base := float64(cfg.InitialDelay)
		for i := 1; i < attempt; i++ {
			base *= cfg.Multiplier
			if base > float64(cfg.MaxDelay) {
				base = float64(cfg.MaxDelay)
				break
			}
		}
		lower := time.Duration(base * (1 - cfg.JitterPercent))
		if lower < cfg.MinDelay {
			lower = cfg.MinDelay
		}
		upper := time.Duration(base * (1 + cfg.JitterPercent))

		require.GreaterOrEqual(t, d, lower, "attempt %d", attempt)
		require.LessOrEqual(t, d, upper, "attempt %d", attempt)
	}
}

func TestPollOnceSkipsEntirelyWhenOffline(t *testing.T) {
	client := &scriptedClient{
		createFn: func(ctx context.Context, modelType, payload, headers string) (string, error) {
			t.Fatal("no network call should happen while offline")
			return "", nil
		},
	}
	e := newTestExecutor(t, client, DefaultBackoffConfig())
	e.Online = func() bool { return false }
	ctx := context.Background()

	_, err := e.queue.HandleModelSave(ctx, "Task", "t8", `{}`, types.OpCreate, "idem-1", "", "")
	require.NoError(t, err)

	results, err := e.PollOnce(ctx, true, time.Now())
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestPollOnceHaltsMidCycleOnConnectivityLoss(t *testing.T) {
	var calls int
	client := &scriptedClient{
		createFn: func(ctx context.Context, modelType, payload, headers string) (string, error) {
			calls++
			return "", nil
		},
	}
	e := newTestExecutor(t, client, DefaultBackoffConfig())
	online := true
	e.Online = func() bool { return online }
	ctx := context.Background()

	_, err := e.queue.HandleModelSave(ctx, "Task", "t9", `{}`, types.OpCreate, "idem-1", "", "")
	require.NoError(t, err)
	_, err = e.queue.HandleModelSave(ctx, "Task", "t10", `{}`, types.OpCreate, "idem-2", "", "")
	require.NoError(t, err)

	// Connectivity drops after the first task completes.
	clientCreate := client.createFn
	client.createFn = func(ctx context.Context, modelType, payload, headers string) (string, error) {
		defer func() { online = false }()
		return clientCreate(ctx, modelType, payload, headers)
	}

	results, err := e.PollOnce(ctx, true, time.Now())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 1, calls)

	// The untouched task is still pending for the next cycle.
	items, err := e.queue.GetByModel(ctx, "Task", "t10")
	require.NoError(t, err)
	require.Len(t, items, 1)
}

type fixedLocals struct{ exists bool }

func (f fixedLocals) Exists(ctx context.Context, modelType, modelID string) (bool, error) {
	return f.exists, nil
}

func TestVanishedLocalRowDropsQueueRowWithoutNetwork(t *testing.T) {
	client := &scriptedClient{
		createFn: func(ctx context.Context, modelType, payload, headers string) (string, error) {
			t.Fatal("a vanished local row must not reach the network")
			return "", nil
		},
	}
	e := newTestExecutor(t, client, DefaultBackoffConfig())
	e.Locals = fixedLocals{exists: false}
	ctx := context.Background()

	_, err := e.queue.HandleModelSave(ctx, "Task", "t11", `{}`, types.OpCreate, "idem-1", "", "")
	require.NoError(t, err)

	results, err := e.PollOnce(ctx, true, time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, results[0].Outcome)

	items, err := e.queue.GetByModel(ctx, "Task", "t11")
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestOrderTasksPutsNetworkErrorsFirst(t *testing.T) {
	e := newTestExecutor(t, &scriptedClient{}, DefaultBackoffConfig())
	ctx := context.Background()

	_, err := e.queue.HandleModelSave(ctx, "Task", "clean", `{}`, types.OpCreate, "idem-1", "", "")
	require.NoError(t, err)
	netID, err := e.queue.HandleModelSave(ctx, "Task", "flaky", `{}`, types.OpCreate, "idem-2", "", "")
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, e.queue.UpdateRetry(ctx, netID, &past, 1, "dial tcp: connection refused"))

	items, err := e.queue.GetDueTasks(ctx, true, time.Now())
	require.NoError(t, err)
	ordered, err := e.orderTasks(items)
	require.NoError(t, err)
	require.Equal(t, "flaky", ordered[0].ModelID)
	require.Equal(t, "clean", ordered[1].ModelID)
}

func TestIsNetworkErrorStringMatchesKnownTokens(t *testing.T) {
	for _, s := range []string{
		"request timeout",
		"Connection reset",
		"network is down",
		"socket closed",
		"connection refused",
		"host unreachable",
		"DNS failure",
		"cannot resolve host",
		"server returned 503",
	} {
		require.True(t, isNetworkErrorString(s), s)
	}
	require.False(t, isNetworkErrorString("validation failed: title required"))
	require.False(t, isNetworkErrorString("status 404"))
}

func TestNegotiationCompletesWhenServerKeepsClientID(t *testing.T) {
	client := &scriptedClient{
		createFn: func(ctx context.Context, modelType, payload, headers string) (string, error) {
			return "tmp-1", nil
		},
	}
	e := newTestExecutor(t, client, DefaultBackoffConfig())
	ctx := context.Background()

	id, err := e.queue.HandleModelSave(ctx, "Task", "tmp-1", `{}`, types.OpCreate, "idem-1", "", "")
	require.NoError(t, err)
	require.NoError(t, e.queue.MarkNegotiationPending(ctx, id, "tmp-1"))

	results, err := e.PollOnce(ctx, true, time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, results[0].Outcome)

	items, err := e.queue.GetByModel(ctx, "Task", "tmp-1")
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestConcurrentNegotiationAborts(t *testing.T) {
	client := &scriptedClient{
		createFn: func(ctx context.Context, modelType, payload, headers string) (string, error) {
			t.Fatal("a concurrent negotiation must abort before the POST")
			return "", nil
		},
	}
	e := newTestExecutor(t, client, DefaultBackoffConfig())
	ctx := context.Background()

	first, err := e.queue.Insert(ctx, &types.SyncQueueItem{
		ModelType: "Task", ModelID: "tmp-2", Op: types.OpCreate, Payload: `{}`,
		IdempotencyKey: "idem-1", Status: types.QueueStatusPending, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, e.queue.MarkNegotiationPending(ctx, first, "tmp-2"))

	second, err := e.queue.Insert(ctx, &types.SyncQueueItem{
		ModelType: "Task", ModelID: "tmp-2", Op: types.OpCreate, Payload: `{}`,
		IdempotencyKey: "idem-2", Status: types.QueueStatusPending, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, e.queue.MarkNegotiationPending(ctx, second, "tmp-2"))

	item, err := e.queue.GetByID(ctx, first)
	require.NoError(t, err)
	outcome, procErr := e.processNegotiation(ctx, item)
	require.Equal(t, OutcomeDead, outcome)
	require.ErrorIs(t, procErr, types.ErrIDConflict)

	aborted, err := e.queue.GetByID(ctx, first)
	require.NoError(t, err)
	require.Equal(t, types.QueueStatusDead, aborted.Status)
	require.NotNil(t, aborted.IDNegotiationStatus)
	require.Equal(t, types.NegotiationFailed, *aborted.IDNegotiationStatus)
	require.Contains(t, *aborted.LastError, "Concurrent ID negotiation")
}

// net404err is a plain error (not *types.APIError) used to exercise the
// network-error string classification path.
type net404err struct{ msg string }

func (e *net404err) Error() string { return e.msg }
