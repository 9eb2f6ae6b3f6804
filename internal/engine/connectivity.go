package engine

import "sync"

// ConnectivityMonitor is the engine's reference connectivity probe (an
// optional stream of booleans plus a check-now predicate): a single
// mutex-guarded online flag with callback-style
// subscribers, notified synchronously on every SetOnline transition.
// Satisfies repository.Connectivity via Online.
type ConnectivityMonitor struct {
	mu   sync.RWMutex
	on   bool
	subs []func(online bool)
}

// NewConnectivityMonitor constructs a monitor starting at initial.
func NewConnectivityMonitor(initial bool) *ConnectivityMonitor {
	return &ConnectivityMonitor{on: initial}
}

// Online implements repository.Connectivity / checkNow().
func (c *ConnectivityMonitor) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.on
}

// Subscribe registers fn to be called on every subsequent SetOnline
// transition (not replayed for the current state).
func (c *ConnectivityMonitor) Subscribe(fn func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// SetOnline updates the current state and, if it changed, notifies
// every subscriber in registration order.
func (c *ConnectivityMonitor) SetOnline(online bool) {
	c.mu.Lock()
	changed := c.on != online
	c.on = online
	subs := append([]func(online bool){}, c.subs...)
	c.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range subs {
		fn(online)
	}
}
