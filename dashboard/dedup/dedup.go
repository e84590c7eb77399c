// Package dedup collapses redundant event deliveries from the push and
// poll channels into a single admission decision per logical event.
package dedup

import (
	"sync"
	"time"

	"github.com/pulseboard/pulseboard/dashboard/event"
)

// Config controls the duplicate filter.
type Config struct {
	// Window is how long a key suppresses identical deliveries.
	Window time.Duration
	// MaxEntries bounds the seen-key map; exceeding it evicts oldest first.
	MaxEntries int
}

// DefaultConfig returns production defaults. The window sits between the
// push latency and the poll cadence so a poll re-read of already-pushed
// state lands inside it.
func DefaultConfig() Config {
	return Config{
		Window:     2 * time.Second,
		MaxEntries: 4096,
	}
}

// Deduplicator is a best-effort trailing-window duplicate filter: it trades
// a small chance of near-duplicate admission for bounded memory and O(1)
// average lookup.
type Deduplicator struct {
	mu   sync.Mutex
	cfg  Config
	seen map[string]time.Time
	now  func() time.Time
}

func New(cfg Config) *Deduplicator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	return &Deduplicator{
		cfg:  cfg,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Admit reports whether the event should be processed. An event is admitted
// iff its content key is unseen, or last seen longer than the window ago.
// Admitted events refresh the key's timestamp.
func (d *Deduplicator) Admit(ev event.Canonical) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := ev.DedupeKey()
	now := d.now()

	if last, ok := d.seen[key]; ok && now.Sub(last) < d.cfg.Window {
		return false
	}

	if len(d.seen) >= d.cfg.MaxEntries {
		d.evictOldestLocked()
	}
	d.seen[key] = now
	return true
}

// Prune drops entries older than the window. The manager calls it on its
// health-check cadence; Admit also evicts opportunistically at the size
// bound, so Prune is a hygiene pass rather than a correctness requirement.
func (d *Deduplicator) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.cfg.Window)
	removed := 0
	for key, last := range d.seen {
		if last.Before(cutoff) {
			delete(d.seen, key)
			removed++
		}
	}
	return removed
}

// Len returns the current number of tracked keys.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduplicator) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, last := range d.seen {
		if first || last.Before(oldestTime) {
			oldestKey = key
			oldestTime = last
			first = false
		}
	}
	if oldestKey != "" {
		delete(d.seen, oldestKey)
	}
}
