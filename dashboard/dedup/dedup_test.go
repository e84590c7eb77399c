package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pulseboard/pulseboard/dashboard/event"
)

func phaseUpdate(phaseID string, current int64) event.Canonical {
	return event.Canonical{
		Kind:        event.KindPhaseUpdate,
		PhaseID:     phaseID,
		Current:     current,
		Total:       100,
		HasProgress: true,
	}
}

// fakeClock lets tests drive the window deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestDeduplicator(cfg Config) (*Deduplicator, *fakeClock) {
	d := New(cfg)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	d.now = clock.Now
	return d, clock
}

func TestAdmitExactlyOnceWithinWindow(t *testing.T) {
	d, _ := newTestDeduplicator(Config{Window: time.Second, MaxEntries: 16})

	ev := phaseUpdate("phase-1", 10)
	assert.True(t, d.Admit(ev), "first delivery must be admitted")
	assert.False(t, d.Admit(ev), "identical delivery within window must be suppressed")
	assert.False(t, d.Admit(ev), "repeated duplicates stay suppressed")
}

func TestAdmitAgainAfterWindow(t *testing.T) {
	d, clock := newTestDeduplicator(Config{Window: time.Second, MaxEntries: 16})

	ev := phaseUpdate("phase-1", 10)
	assert.True(t, d.Admit(ev))

	clock.Advance(1500 * time.Millisecond)
	assert.True(t, d.Admit(ev), "same key past the window is a new fact")
}

func TestDistinctPayloadsBothAdmitted(t *testing.T) {
	d, _ := newTestDeduplicator(Config{Window: time.Second, MaxEntries: 16})

	assert.True(t, d.Admit(phaseUpdate("phase-1", 10)))
	assert.True(t, d.Admit(phaseUpdate("phase-1", 20)), "different progress is a different fact")
	assert.True(t, d.Admit(phaseUpdate("phase-2", 10)), "different phase is a different fact")
}

func TestChannelIndependence(t *testing.T) {
	d, _ := newTestDeduplicator(Config{Window: time.Second, MaxEntries: 16})

	// The same logical event from push and poll differs only by envelope;
	// the dedupe key must not care which channel delivered it.
	pushEv := phaseUpdate("phase-1", 10)
	pollEv := phaseUpdate("phase-1", 10)
	pollEv.Seq = 42 // envelope noise

	assert.True(t, d.Admit(pushEv))
	assert.False(t, d.Admit(pollEv))
}

func TestSizeBoundEvictsOldest(t *testing.T) {
	d, clock := newTestDeduplicator(Config{Window: time.Hour, MaxEntries: 5})

	for i := 0; i < 5; i++ {
		assert.True(t, d.Admit(phaseUpdate(fmt.Sprintf("phase-%d", i), 1)))
		clock.Advance(time.Millisecond)
	}
	assert.Equal(t, 5, d.Len())

	// Sixth key forces eviction of the oldest entry.
	assert.True(t, d.Admit(phaseUpdate("phase-new", 1)))
	assert.Equal(t, 5, d.Len())

	// The evicted (oldest) key is admissible again despite the window.
	assert.True(t, d.Admit(phaseUpdate("phase-0", 1)))
}

func TestPruneDropsStaleEntries(t *testing.T) {
	d, clock := newTestDeduplicator(Config{Window: time.Second, MaxEntries: 16})

	d.Admit(phaseUpdate("phase-1", 1))
	d.Admit(phaseUpdate("phase-2", 1))
	clock.Advance(2 * time.Second)
	d.Admit(phaseUpdate("phase-3", 1))

	removed := d.Prune()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, d.Len())
}
