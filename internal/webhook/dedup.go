package webhook

import (
	"container/list"
	"sync"
	"time"
)

// Default dedup window bounds.
const (
	DefaultDedupWindow     = 24 * time.Hour
	DefaultDedupMaxEntries = 100_000
)

// Window is a bounded, time-windowed set of seen event keys. Entries older
// than the window or beyond the size bound are forgotten; the event log's
// unique index covers whatever the window no longer remembers.
type Window struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*list.Element
	order   *list.List
}

type seenEntry struct {
	key string
	at  time.Time
}

// NewWindow creates a seen-set. Non-positive arguments fall back to defaults.
func NewWindow(ttl time.Duration, maxEntries int) *Window {
	if ttl <= 0 {
		ttl = DefaultDedupWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultDedupMaxEntries
	}
	return &Window{
		ttl:     ttl,
		max:     maxEntries,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Claim records key as seen at now. It returns false if key was already
// seen within the window.
func (w *Window) Claim(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.entries[key]; ok {
		if now.Sub(el.Value.(*seenEntry).at) < w.ttl {
			return false
		}
		w.order.Remove(el)
		delete(w.entries, key)
	}

	w.entries[key] = w.order.PushBack(&seenEntry{key: key, at: now})
	for w.order.Len() > w.max {
		w.removeOldest()
	}
	return true
}

// Release forgets key so a later delivery is processed again.
func (w *Window) Release(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.entries[key]; ok {
		w.order.Remove(el)
		delete(w.entries, key)
	}
}

// Prune drops entries that fell out of the window and returns how many.
func (w *Window) Prune(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for {
		el := w.order.Front()
		if el == nil || now.Sub(el.Value.(*seenEntry).at) < w.ttl {
			return n
		}
		w.removeOldest()
		n++
	}
}

// Len returns the number of remembered keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

func (w *Window) removeOldest() {
	el := w.order.Front()
	if el == nil {
		return
	}
	w.order.Remove(el)
	delete(w.entries, el.Value.(*seenEntry).key)
}
