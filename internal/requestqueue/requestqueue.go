// Package requestqueue implements the engine's three bounded in-memory
// task queues: foreground, load, and background. Each queue
// bounds concurrency with a weighted semaphore, bounds total occupancy
// (active plus pending) with a polled capacity gate, imposes a minimum
// delay between dispatching tasks, and de-duplicates by idempotency key
// so a retried submission never runs twice concurrently. Connectivity
// loss disposes and recreates all three queues, dropping in-flight and
// pending work; durable tasks survive in the sync queue and are
// replayed when connectivity returns.
//
// Each queue is a mutex-guarded occupancy counter plus a weighted
// semaphore, with Submit as the single gating point around the actual
// call.
package requestqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/localfirst/syncengine/internal/types"
)

// Name identifies one of the engine's three priority queues.
type Name string

const (
	Foreground Name = "foreground"
	Load       Name = "load"
	Background Name = "background"
)

// QueueFor derives the queue a task belongs on when the caller does not
// name one: reads go to the load queue, mutations to the foreground
// queue.
func QueueFor(op types.Op) Name {
	switch op {
	case types.OpCreate, types.OpUpdate, types.OpDelete:
		return Foreground
	default:
		return Load
	}
}

// Config bounds a single queue's behavior.
type Config struct {
	Concurrency     int64
	TaskDelay       time.Duration
	CapacityTimeout time.Duration
	// MaxCapacity bounds active+pending tasks; a submission past it
	// waits up to CapacityTimeout before failing.
	MaxCapacity int
	// CheckInterval is how often a capacity-blocked submission re-checks
	// for space.
	CheckInterval time.Duration
}

// DefaultConfigs returns the three queues' stock configurations.
func DefaultConfigs() map[Name]Config {
	return map[Name]Config{
		Foreground: {Concurrency: 1, TaskDelay: 50 * time.Millisecond, CapacityTimeout: 10 * time.Second, MaxCapacity: 50, CheckInterval: 100 * time.Millisecond},
		Load:       {Concurrency: 2, TaskDelay: 50 * time.Millisecond, CapacityTimeout: 5 * time.Second, MaxCapacity: 50, CheckInterval: 100 * time.Millisecond},
		Background: {Concurrency: 1, TaskDelay: 100 * time.Millisecond, CapacityTimeout: 2 * time.Second, MaxCapacity: 50, CheckInterval: 100 * time.Millisecond},
	}
}

// Task is a unit of queued work. IdempotencyKey is used to dedup
// concurrent resubmissions of the same logical task; Run does the work.
type Task struct {
	IdempotencyKey string
	Run            func(ctx context.Context) error
}

// Stats reports a queue's current occupancy.
type Stats struct {
	Name             Name
	ActiveAndPending int
	Pending          int
	Capacity         int64
	Online           bool
}

// queue is one bounded, delay-paced, dedup'd worker queue. A queue is a
// single connectivity generation: CancelAll replaces it wholesale, and
// its ctx cancellation tears down anything still running against the
// old generation.
type queue struct {
	cfg    Config
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	inFlight         map[string]struct{}
	activeAndPending int
	active           int
	paused           bool
	lastRun          time.Time
}

func newQueue(cfg Config) *queue {
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 50
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &queue{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]struct{}),
	}
}

// Manager owns the three named queues.
type Manager struct {
	mu     sync.RWMutex
	cfgs   map[Name]Config
	queues map[Name]*queue
	online bool
}

// New constructs a Manager with cfgs (DefaultConfigs() for the stock
// values, or an overridden set from configuration). The manager
// starts online; connectivity transitions arrive via SetOnline.
func New(cfgs map[Name]Config) *Manager {
	m := &Manager{cfgs: cfgs, queues: make(map[Name]*queue, len(cfgs)), online: true}
	for name, cfg := range cfgs {
		m.queues[name] = newQueue(cfg)
	}
	return m
}

// Submit runs task on the named queue. Pre-run checks apply in a fixed
// order: an already-tracked idempotency key fails with
// ErrDuplicateTask; the key is registered; the submission waits for
// queue capacity, polling every CheckInterval up to CapacityTimeout,
// failing with ErrCapacityExceeded on timeout; and a foreground/load
// submission while offline fails with ErrOffline. The key is released
// when the task completes (success or failure) or on any pre-run
// failure, so a resubmission after an awaited completion never
// collides.
func (m *Manager) Submit(ctx context.Context, name Name, task Task) error {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("requestqueue: unknown queue %q", name)
	}

	q.mu.Lock()
	if _, dup := q.inFlight[task.IdempotencyKey]; dup && task.IdempotencyKey != "" {
		q.mu.Unlock()
		return fmt.Errorf("requestqueue: duplicate task %q on queue %q: %w", task.IdempotencyKey, name, types.ErrDuplicateTask)
	}
	if task.IdempotencyKey != "" {
		q.inFlight[task.IdempotencyKey] = struct{}{}
	}
	q.mu.Unlock()

	defer func() {
		if task.IdempotencyKey == "" {
			return
		}
		q.mu.Lock()
		delete(q.inFlight, task.IdempotencyKey)
		q.mu.Unlock()
	}()

	if err := q.waitForCapacity(ctx, name); err != nil {
		return err
	}
	defer func() {
		q.mu.Lock()
		q.activeAndPending--
		q.mu.Unlock()
	}()

	q.mu.Lock()
	paused := q.paused
	q.mu.Unlock()
	if paused {
		return fmt.Errorf("requestqueue: queue %q is paused: %w", name, types.ErrOffline)
	}
	if name != Background && !m.Online() {
		return fmt.Errorf("requestqueue: queue %q requires connectivity: %w", name, types.ErrOffline)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	stop := context.AfterFunc(q.ctx, cancelRun)
	defer stop()

	if err := q.sem.Acquire(runCtx, 1); err != nil {
		if q.ctx.Err() != nil {
			return fmt.Errorf("requestqueue: queue %q cancelled: %w", name, types.ErrOffline)
		}
		return err
	}
	defer q.sem.Release(1)

	q.mu.Lock()
	q.active++
	wait := q.cfg.TaskDelay - time.Since(q.lastRun)
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.active--
		q.mu.Unlock()
	}()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-runCtx.Done():
			return runCtx.Err()
		}
	}

	err := task.Run(runCtx)

	q.mu.Lock()
	q.lastRun = time.Now()
	q.mu.Unlock()

	return err
}

// waitForCapacity admits the submission into the queue's occupancy
// count, polling every CheckInterval while the queue is at MaxCapacity,
// so a blocked submission notices freed space within one interval.
func (q *queue) waitForCapacity(ctx context.Context, name Name) error {
	deadline := time.Now().Add(q.cfg.CapacityTimeout)
	for {
		q.mu.Lock()
		if q.activeAndPending < q.cfg.MaxCapacity {
			q.activeAndPending++
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		if time.Now().After(deadline) {
			return fmt.Errorf("requestqueue: %q at capacity after %s: %w", name, q.cfg.CapacityTimeout, types.ErrCapacityExceeded)
		}
		select {
		case <-time.After(q.cfg.CheckInterval):
		case <-ctx.Done():
			return ctx.Err()
		case <-q.ctx.Done():
			return fmt.Errorf("requestqueue: queue %q cancelled: %w", name, types.ErrOffline)
		}
	}
}

// Online reports the manager's current connectivity belief.
func (m *Manager) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a connectivity transition. Going offline clears and
// recreates all three queues: in-flight and pending tasks are dropped —
// anything sync-queue-backed survives durably — and tracked idempotency
// keys are cleared. Going online only flips the gate; the engine
// triggers the retry executor's due-task pass to refill the queues.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	m.mu.Unlock()
	if wasOnline && !online {
		m.CancelAll()
	}
}

// CancelAll disposes and recreates every queue, cancelling in-flight
// work and dropping pending submissions and tracked keys.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, q := range m.queues {
		q.cancel()
		m.queues[name] = newQueue(m.cfgs[name])
	}
}

// Pause makes a queue reject new submissions without touching work
// already admitted, used by ObliterateLocalStorage's drain step and by
// tests that need a deterministically idle queue.
func (m *Manager) Pause(name Name) {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if ok {
		q.mu.Lock()
		q.paused = true
		q.mu.Unlock()
	}
}

// Resume re-enables submissions on a paused queue.
func (m *Manager) Resume(name Name) {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if ok {
		q.mu.Lock()
		q.paused = false
		q.mu.Unlock()
	}
}

// PauseAll pauses every queue.
func (m *Manager) PauseAll() {
	m.mu.RLock()
	names := make([]Name, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	m.mu.RUnlock()
	for _, name := range names {
		m.Pause(name)
	}
}

// ResumeAll resumes every queue.
func (m *Manager) ResumeAll() {
	m.mu.RLock()
	names := make([]Name, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	m.mu.RUnlock()
	for _, name := range names {
		m.Resume(name)
	}
}

// Stats returns the current occupancy of every queue, used by
// cmd/syncctl's queue-stats admin surface.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.queues))
	for name, q := range m.queues {
		q.mu.Lock()
		out = append(out, Stats{
			Name:             name,
			ActiveAndPending: q.activeAndPending,
			Pending:          q.activeAndPending - q.active,
			Capacity:         q.cfg.Concurrency,
			Online:           m.online,
		})
		q.mu.Unlock()
	}
	return out
}
