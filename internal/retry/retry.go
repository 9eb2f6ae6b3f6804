// Package retry implements the retry executor: a polling loop that
// fetches due sync-queue tasks, orders them so dependencies replay
// before dependents, executes each against the remote adapter through
// the background request queue, and reschedules failures with
// exponential backoff or dead-letters them once the max attempt count
// is exceeded.
//
// cenkalti/backoff supplies the exponential interval, its MaxDelay cap
// (MaxInterval) and its jitter (RandomizationFactor); the MinDelay floor
// is applied explicitly on top.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/localfirst/syncengine/internal/depresolver"
	"github.com/localfirst/syncengine/internal/idnegotiation"
	"github.com/localfirst/syncengine/internal/requestqueue"
	"github.com/localfirst/syncengine/internal/syncqueue"
	"github.com/localfirst/syncengine/internal/telemetry"
	"github.com/localfirst/syncengine/internal/types"
)

// RemoteClient is the subset of the HTTP adapter contract the retry
// executor drives.
type RemoteClient interface {
	CreateOne(ctx context.Context, modelType, payload, headers string) (serverID string, err error)
	UpdateOne(ctx context.Context, modelType, modelID, payload, headers string) error
	DeleteOne(ctx context.Context, modelType, modelID, headers string) error
}

// LocalModels answers "does the local row for this model still exist",
// the guard create/update replay runs before touching the network: a
// row deleted locally mid-sync makes the queued mutation moot.
type LocalModels interface {
	Exists(ctx context.Context, modelType, modelID string) (bool, error)
}

// Outcome is the tagged result of processing a single task; control
// flow stays explicit rather than threading sentinel errors upward.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeScheduledRetry Outcome = "scheduled_retry"
	OutcomeDead           Outcome = "dead"
	// OutcomeDoubleFallback marks the update->404->create->404 terminal
	// state: a configuration problem, left without backoff for manual
	// retry.
	OutcomeDoubleFallback Outcome = "double_fallback"
	OutcomeIDNegotiated   Outcome = "id_negotiated"
	OutcomeGone           Outcome = "gone"
	// OutcomeSkipped covers the model-no-longer-exists case (queue row
	// deleted, nothing attempted) and a task the executor could not get
	// onto the background queue this cycle.
	OutcomeSkipped Outcome = "skipped"
)

// negotiationPostTimeout bounds the negotiation POST.
const negotiationPostTimeout = 30 * time.Second

// BackoffConfig bounds the executor's exponential backoff.
type BackoffConfig struct {
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	JitterPercent    float64
	MinDelay         time.Duration
	MaxRetryAttempts int
}

// DefaultBackoffConfig returns the stock retry ladder: 2s initial,
// doubling, capped at 5 minutes, +/-20% jitter, never below 1s,
// dead-lettered after 50 attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay:     2 * time.Second,
		MaxDelay:         5 * time.Minute,
		Multiplier:       2.0,
		JitterPercent:    0.2,
		MinDelay:         time.Second,
		MaxRetryAttempts: 50,
	}
}

// TaskResult pairs a queue item with the outcome of processing it.
type TaskResult struct {
	Item    *types.SyncQueueItem
	Outcome Outcome
	Err     error
}

// Executor polls the sync queue and drives it against a RemoteClient.
type Executor struct {
	queue      *syncqueue.SyncQueue
	resolver   *depresolver.Resolver
	client     RemoteClient
	negotiator *idnegotiation.Service
	backoffCfg BackoffConfig
	logger     telemetry.Logger

	// Online gates each cycle and each task within a cycle; a nil
	// check means "assume online".
	Online func() bool
	// Queues routes each task's network call through the background
	// queue when set; nil executes directly, which unit tests use to
	// keep timing deterministic.
	Queues *requestqueue.Manager
	// Locals, when set, is consulted before create/update replay; a
	// vanished local row deletes the queue row without a network call.
	Locals LocalModels
}

// New constructs an Executor. negotiator may be nil when the caller has
// no id-negotiation concerns (e.g. tests exercising only retry
// scheduling); Online/Queues/Locals are optional field wiring.
func New(queue *syncqueue.SyncQueue, resolver *depresolver.Resolver, client RemoteClient, negotiator *idnegotiation.Service, cfg BackoffConfig, logger telemetry.Logger) *Executor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	return &Executor{
		queue:      queue,
		resolver:   resolver,
		client:     client,
		negotiator: negotiator,
		backoffCfg: cfg,
		logger:     logger,
	}
}

func (e *Executor) online() bool {
	return e.Online == nil || e.Online()
}

// PollOnce runs one processing cycle: fetch due tasks (or every
// non-dead task if forceAll is set), skip the cycle
// entirely when offline, order network-error-tagged tasks first with
// each partition dependency-sorted, and process in turn, re-checking
// connectivity before each task and halting the cycle if it drops.
func (e *Executor) PollOnce(ctx context.Context, forceAll bool, now time.Time) ([]TaskResult, error) {
	if !e.online() {
		return nil, nil
	}

	items, err := e.queue.GetDueTasks(ctx, forceAll, now)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	ordered, err := e.orderTasks(items)
	if err != nil {
		e.logger.Warnf("dependency ordering failed, falling back to FIFO: %v", err)
		ordered = items
	}

	results := make([]TaskResult, 0, len(ordered))
	for _, item := range ordered {
		if !e.online() {
			e.logger.Debugf("connectivity lost mid-cycle, %d task(s) deferred", len(ordered)-len(results))
			break
		}
		outcome, procErr := e.processOne(ctx, item)
		results = append(results, TaskResult{Item: item, Outcome: outcome, Err: procErr})
	}
	return results, nil
}

// orderTasks sorts network-error-tagged tasks first (so a genuinely
// offline batch fails fast on the first few items instead of each task
// independently discovering the same outage) and, within each group,
// dependency-before-dependent.
func (e *Executor) orderTasks(items []*types.SyncQueueItem) ([]*types.SyncQueueItem, error) {
	var networkFirst, rest []*types.SyncQueueItem
	for _, it := range items {
		if it.LastError != nil && isNetworkErrorString(*it.LastError) {
			networkFirst = append(networkFirst, it)
		} else {
			rest = append(rest, it)
		}
	}

	sortGroup := func(group []*types.SyncQueueItem) ([]*types.SyncQueueItem, error) {
		if e.resolver == nil || len(group) == 0 {
			return group, nil
		}
		tasks := make([]depresolver.Task, len(group))
		byID := make(map[int64]*types.SyncQueueItem, len(group))
		for i, it := range group {
			tasks[i] = depresolver.Task{ID: it.ID, ModelType: it.ModelType, ModelID: it.ModelID, CreatedAt: it.CreatedAt}
			byID[it.ID] = it
		}
		sorted, err := e.resolver.SortTasksByDependencyOrder(tasks)
		if err != nil {
			return group, err
		}
		out := make([]*types.SyncQueueItem, len(sorted))
		for i, t := range sorted {
			out[i] = byID[t.ID]
		}
		return out, nil
	}

	nf, err1 := sortGroup(networkFirst)
	r, err2 := sortGroup(rest)
	out := append(nf, r...)
	if err1 != nil {
		return out, err1
	}
	return out, err2
}

// processOne executes a single task's operation and applies the
// resulting outcome to the queue.
func (e *Executor) processOne(ctx context.Context, item *types.SyncQueueItem) (Outcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "retry.processOne")
	defer span.End()

	if err := e.queue.MarkProcessing(ctx, item.ID); err != nil {
		return "", err
	}

	if item.Op != types.OpDelete && e.Locals != nil {
		exists, err := e.Locals.Exists(ctx, item.ModelType, item.ModelID)
		if err != nil {
			return "", fmt.Errorf("check local row before replay: %w", err)
		}
		if !exists {
			// The local row vanished before sync; the queued mutation is
			// moot and is removed without a retry.
			if err := e.queue.Delete(ctx, item.ID); err != nil {
				return "", err
			}
			return OutcomeSkipped, nil
		}
	}

	if item.Op == types.OpCreate && item.IDNegotiationStatus != nil {
		return e.processNegotiation(ctx, item)
	}

	var opErr error
	runErr := e.runOnBackgroundQueue(ctx, item.IdempotencyKey, func(ctx context.Context) error {
		switch item.Op {
		case types.OpCreate:
			serverID, err := e.client.CreateOne(ctx, item.ModelType, item.Payload, item.Headers)
			if err == nil && serverID != "" && serverID != item.ModelID && e.negotiator != nil {
				if _, negErr := e.negotiator.ReplaceID(ctx, item.ModelType, item.ModelID, serverID); negErr != nil {
					return negErr
				}
			}
			return err
		case types.OpUpdate:
			return e.client.UpdateOne(ctx, item.ModelType, item.ModelID, item.Payload, item.Headers)
		case types.OpDelete:
			err := e.client.DeleteOne(ctx, item.ModelType, item.ModelID, item.Headers)
			if err != nil && types.IsNotFound(err) {
				return nil // already gone remotely: the desired state holds
			}
			return err
		}
		return nil
	})
	if deferred, err := e.deferOnQueueRejection(ctx, item, runErr); deferred {
		return OutcomeSkipped, err
	}
	opErr = runErr

	if opErr != nil && item.Op == types.OpUpdate && types.IsNotFound(opErr) {
		return e.handleUpdateNotFound(ctx, item)
	}

	if opErr != nil && types.IsGone(opErr) {
		if err := e.queue.Delete(ctx, item.ID); err != nil {
			return "", err
		}
		telemetry.RecordConflict(ctx, item.ModelType)
		return OutcomeGone, nil
	}

	if opErr == nil {
		if err := e.queue.Delete(ctx, item.ID); err != nil {
			return "", err
		}
		return OutcomeSuccess, nil
	}

	return e.handleFailure(ctx, item, opErr)
}

// runOnBackgroundQueue routes fn through the background request queue
// when a manager is wired (the retry executor always uses this queue),
// or runs it directly otherwise.
func (e *Executor) runOnBackgroundQueue(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if e.Queues == nil {
		return fn(ctx)
	}
	return e.Queues.Submit(ctx, requestqueue.Background, requestqueue.Task{IdempotencyKey: key, Run: fn})
}

// deferOnQueueRejection puts a task back to pending when the background
// queue itself refused it (duplicate key already running, capacity
// exhausted, queues torn down on connectivity loss); the next cycle
// retries it without burning an attempt.
func (e *Executor) deferOnQueueRejection(ctx context.Context, item *types.SyncQueueItem, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	if errors.Is(err, types.ErrDuplicateTask) || errors.Is(err, types.ErrCapacityExceeded) || errors.Is(err, types.ErrOffline) {
		return true, e.queue.MarkPending(ctx, item.ID)
	}
	return false, nil
}

// handleUpdateNotFound runs the update->404->create fallback: the row
// is rewritten to a create and the POST attempted; if that also 404s,
// the queue row goes back to op=update with
// next_retry_at cleared and a composite error — a configuration
// problem, kept manually retriable with no backoff.
func (e *Executor) handleUpdateNotFound(ctx context.Context, item *types.SyncQueueItem) (Outcome, error) {
	var serverID string
	runErr := e.runOnBackgroundQueue(ctx, item.IdempotencyKey+":fallback", func(ctx context.Context) error {
		var err error
		serverID, err = e.client.CreateOne(ctx, item.ModelType, item.Payload, item.Headers)
		return err
	})
	if deferred, err := e.deferOnQueueRejection(ctx, item, runErr); deferred {
		return OutcomeSkipped, err
	}
	if runErr != nil {
		if types.IsNotFound(runErr) {
			composite := fmt.Sprintf("Fallback failed: update returned 404, create returned 404: %v", runErr)
			if uerr := e.queue.UpdateOp(ctx, item.ID, types.OpUpdate, false, composite, nil); uerr != nil {
				return "", uerr
			}
			return OutcomeDoubleFallback, types.ErrDoubleFallback
		}
		return e.handleFailure(ctx, item, runErr)
	}

	// The POST landed: record the op rewrite before removing the row so
	// a crash between the two writes leaves a truthful create behind.
	if err := e.queue.UpdateOp(ctx, item.ID, types.OpCreate, true, "", nil); err != nil {
		return "", err
	}
	if e.negotiator != nil && serverID != "" && serverID != item.ModelID {
		if _, negErr := e.negotiator.ReplaceID(ctx, item.ModelType, item.ModelID, serverID); negErr != nil {
			return "", negErr
		}
	}
	if err := e.queue.Delete(ctx, item.ID); err != nil {
		return "", err
	}
	return OutcomeSuccess, nil
}

// processNegotiation replays a create carrying id-negotiation
// metadata: detect a concurrent negotiation, move to in_progress,
// POST under a 30s bound, and either
// finish clean, hand an id swap to the negotiation service, or record
// the terminal conflict/failure.
func (e *Executor) processNegotiation(ctx context.Context, item *types.SyncQueueItem) (Outcome, error) {
	siblings, err := e.queue.GetByModel(ctx, item.ModelType, item.ModelID)
	if err != nil {
		return "", err
	}
	for _, sib := range siblings {
		if sib.ID == item.ID || sib.IDNegotiationStatus == nil {
			continue
		}
		if *sib.IDNegotiationStatus == types.NegotiationPending || *sib.IDNegotiationStatus == types.NegotiationInProgress {
			msg := "Concurrent ID negotiation detected"
			if uerr := e.queue.UpdateNegotiationStatus(ctx, item.ID, types.NegotiationFailed, &msg); uerr != nil {
				return "", uerr
			}
			if derr := e.queue.MarkDead(ctx, item.ID, msg); derr != nil {
				return "", derr
			}
			return OutcomeDead, types.ErrIDConflict
		}
	}

	if err := e.queue.UpdateNegotiationStatus(ctx, item.ID, types.NegotiationInProgress, nil); err != nil {
		return "", err
	}

	var serverID string
	runErr := e.runOnBackgroundQueue(ctx, item.IdempotencyKey, func(ctx context.Context) error {
		postCtx, cancel := context.WithTimeout(ctx, negotiationPostTimeout)
		defer cancel()
		var err error
		serverID, err = e.client.CreateOne(postCtx, item.ModelType, item.Payload, item.Headers)
		return err
	})
	if deferred, err := e.deferOnQueueRejection(ctx, item, runErr); deferred {
		status := types.NegotiationPending
		if uerr := e.queue.UpdateNegotiationStatus(ctx, item.ID, status, nil); uerr != nil {
			return "", uerr
		}
		return OutcomeSkipped, err
	}
	if runErr != nil {
		if errors.Is(runErr, types.ErrIDConflict) || !isRetryable(runErr) {
			msg := runErr.Error()
			if uerr := e.queue.UpdateNegotiationStatus(ctx, item.ID, types.NegotiationFailed, &msg); uerr != nil {
				return "", uerr
			}
		} else if uerr := e.queue.UpdateNegotiationStatus(ctx, item.ID, types.NegotiationPending, nil); uerr != nil {
			return "", uerr
		}
		return e.handleFailure(ctx, item, runErr)
	}

	if serverID == "" || serverID == item.ModelID {
		if err := e.queue.UpdateNegotiationStatus(ctx, item.ID, types.NegotiationCompleted, nil); err != nil {
			return "", err
		}
		if err := e.queue.Delete(ctx, item.ID); err != nil {
			return "", err
		}
		return OutcomeSuccess, nil
	}

	if e.negotiator != nil {
		if _, negErr := e.negotiator.ReplaceID(ctx, item.ModelType, item.ModelID, serverID); negErr != nil {
			if errors.Is(negErr, types.ErrIDConflict) {
				telemetry.RecordConflict(ctx, item.ModelType)
				msg := negErr.Error()
				if uerr := e.queue.UpdateNegotiationStatus(ctx, item.ID, types.NegotiationConflict, &msg); uerr != nil {
					return "", uerr
				}
				if derr := e.queue.MarkDead(ctx, item.ID, msg); derr != nil {
					return "", derr
				}
				return OutcomeDead, negErr
			}
			return e.handleFailure(ctx, item, negErr)
		}
	}
	if err := e.queue.Delete(ctx, item.ID); err != nil {
		return "", err
	}
	return OutcomeIDNegotiated, nil
}

// handleFailure reschedules a transient failure with backoff, or
// dead-letters a permanent one, or dead-letters a transient one whose
// attempt count has exhausted maxRetryAttempts.
func (e *Executor) handleFailure(ctx context.Context, item *types.SyncQueueItem, opErr error) (Outcome, error) {
	nextAttempt := item.AttemptCount + 1
	telemetry.RecordRetryAttempt(ctx, item.ModelType)

	if !isRetryable(opErr) {
		if err := e.queue.MarkDead(ctx, item.ID, opErr.Error()); err != nil {
			return "", err
		}
		telemetry.RecordDeadLetter(ctx, item.ModelType)
		return OutcomeDead, opErr
	}

	if nextAttempt > e.backoffCfg.MaxRetryAttempts {
		if err := e.queue.MarkDead(ctx, item.ID, opErr.Error()); err != nil {
			return "", err
		}
		telemetry.RecordDeadLetter(ctx, item.ModelType)
		return OutcomeDead, opErr
	}

	delay := e.computeDelay(nextAttempt)
	next := time.Now().Add(delay)
	if err := e.queue.UpdateRetry(ctx, item.ID, &next, nextAttempt, opErr.Error()); err != nil {
		return "", err
	}
	return OutcomeScheduledRetry, opErr
}

// computeDelay steps cenkalti/backoff's exponential interval forward to
// attempt — the nth step returns initial*multiplier^(n-1) capped at
// MaxDelay, jittered uniformly within ±JitterPercent — then lower-bounds
// the result by MinDelay.
func (e *Executor) computeDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.backoffCfg.InitialDelay
	bo.MaxInterval = e.backoffCfg.MaxDelay
	bo.RandomizationFactor = e.backoffCfg.JitterPercent
	bo.Multiplier = e.backoffCfg.Multiplier
	bo.MaxElapsedTime = 0 // never expire; the attempt-count cap governs termination
	bo.Reset()            // restart from InitialDelay rather than the library default

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	if d < e.backoffCfg.MinDelay {
		d = e.backoffCfg.MinDelay
	}
	return d
}

// isRetryable classifies an error as transient (network-ish, worth
// retrying) vs permanent (a 4xx the server will keep rejecting), via
// APIError status codes plus a net.Error / context-deadline check and a
// substring match over plain error strings.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, types.ErrIDConflict) {
		return false
	}
	var ae *types.APIError
	if errors.As(err, &ae) {
		// Only 5xx and 429 are worth retrying; 4xx other than those
		// indicate the request itself is wrong and retrying won't help.
		return ae.StatusCode >= 500 || ae.StatusCode == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isNetworkErrorString(err.Error())
}

// serverErrorRE spots a 5xx status code embedded in a stored error
// string.
var serverErrorRE = regexp.MustCompile(`\b5\d{2}\b`)

// networkErrorTokens are the case-insensitive substrings that tag a
// stored lastError as a transient network failure for the
// network-error-first partition.
var networkErrorTokens = []string{
	"timeout",
	"connection",
	"network",
	"socket",
	"refused",
	"unreachable",
	"dns",
	"resolve",
}

func isNetworkErrorString(s string) bool {
	if serverErrorRE.MatchString(s) {
		return true
	}
	s = strings.ToLower(s)
	for _, needle := range networkErrorTokens {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
