// ABOUTME: Thread-safe TTL cache for suppressing repeated notifications.
// ABOUTME: Gateways may re-push on reconnect; identical items within the TTL are dropped.

package notify

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/2389/coven-desk/internal/protocol"
)

// dedupeEntry stores the timestamp and list element for a cached key.
type dedupeEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Deduper tracks recently dispatched notifications so a re-pushed copy
// arriving within the TTL is dropped instead of surfacing twice.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Deduper struct {
	mu      sync.Mutex
	seen    map[string]*dedupeEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewDeduper creates a deduper with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func NewDeduper(ttl time.Duration, maxSize int) *Deduper {
	d := &Deduper{
		seen:    make(map[string]*dedupeEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go d.cleanupLoop()
	return d
}

// dedupeKey identifies a notification for suppression purposes. The
// timestamp is deliberately excluded so a re-push of the same content
// still matches; the payload is included so two pushes that share a
// message but carry different state, such as roster counts, are never
// collapsed.
func dedupeKey(n *protocol.Notification) string {
	return fmt.Sprintf("%s|%s|%s|%s", n.ServerID, n.Type, n.Message, n.Payload)
}

// Seen atomically checks whether an identical notification was dispatched
// within the TTL and records this one if not. Returns true for
// duplicates.
func (d *Deduper) Seen(n *protocol.Notification) bool {
	key := dedupeKey(n)

	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.seen[key]
	if ok && time.Since(entry.timestamp) < d.ttl {
		return true
	}

	d.markLocked(key)
	return false
}

// markLocked records a key. Must be called with mu held.
func (d *Deduper) markLocked(key string) {
	now := time.Now()

	if entry, exists := d.seen[key]; exists {
		entry.timestamp = now
		d.order.MoveToBack(entry.element)
		return
	}

	if len(d.seen) >= d.maxSize {
		d.evictOldest()
	}

	elem := d.order.PushBack(key)
	d.seen[key] = &dedupeEntry{
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
// O(1) using the linked list.
func (d *Deduper) evictOldest() {
	front := d.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	d.order.Remove(front)
	delete(d.seen, key)
}

func (d *Deduper) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.runCleanup()
		case <-d.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (d *Deduper) runCleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for key, entry := range d.seen {
		if now.Sub(entry.timestamp) > d.ttl {
			d.order.Remove(entry.element)
			delete(d.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (d *Deduper) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed {
		close(d.done)
		d.closed = true
	}
}
