// Package notifier broadcasts "new data available" signals for tables.
package notifier

import "sync"

// Change announces that a table has a new published version.
type Change struct {
	Table   string
	Version uint64
}

// Notifier broadcasts table changes to all subscribed listeners.
// Listeners receive the latest change per send; a slow listener may miss
// intermediate changes and should re-read current versions when woken.
type Notifier struct {
	mu        sync.RWMutex
	listeners map[chan Change]struct{}
}

// New creates a new Notifier instance.
func New() *Notifier {
	return &Notifier{
		listeners: make(map[chan Change]struct{}),
	}
}

// Subscribe returns a channel that receives changes.
// The caller must call Unsubscribe when done to prevent goroutine leaks.
func (n *Notifier) Subscribe() chan Change {
	ch := make(chan Change, 64)
	n.mu.Lock()
	n.listeners[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener channel and closes it.
func (n *Notifier) Unsubscribe(ch chan Change) {
	n.mu.Lock()
	if _, ok := n.listeners[ch]; ok {
		delete(n.listeners, ch)
		close(ch)
	}
	n.mu.Unlock()
}

// Publish sends a change to all listeners.
// Non-blocking: if a listener's channel is full, the change is dropped for it.
func (n *Notifier) Publish(table string, version uint64) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	c := Change{Table: table, Version: version}
	for ch := range n.listeners {
		select {
		case ch <- c:
		default:
			// Channel full, skip (listener catches up on its next tick)
		}
	}
}

// Len returns the number of subscribed listeners.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}
