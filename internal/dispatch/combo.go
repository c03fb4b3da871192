package dispatch

import (
	"fmt"
	"sync"
	"time"
)

// comboTable accumulates identical sender+gift bursts. A combo is emitted only
// once its idle window passes with no new contribution, so a rapid burst
// reaches subscribers as a single aggregated gift.
type comboTable struct {
	mu      sync.Mutex
	idle    time.Duration
	entries map[string]*comboEntry
}

type comboEntry struct {
	event  Event
	lastAt time.Time
}

func newComboTable(idle time.Duration) *comboTable {
	return &comboTable{
		idle:    idle,
		entries: make(map[string]*comboEntry),
	}
}

func comboKey(gift *Gift) string {
	return fmt.Sprintf("%s/%d", gift.UserID, gift.GiftID)
}

// add folds a gift event into its combo. When a stale entry for the same key
// is found (the sweeper has not run yet), it is returned for emission and a
// fresh combo starts.
func (t *comboTable) add(event Event, now time.Time) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := comboKey(event.Gift)
	entry, ok := t.entries[key]
	if ok && now.Sub(entry.lastAt) <= t.idle {
		//1.- Within the window the burst keeps accumulating count and value.
		entry.event.Gift.Count += event.Gift.Count
		entry.event.Gift.Gold += event.Gift.Gold
		entry.event.Timestamp = event.Timestamp
		entry.lastAt = now
		return Event{}, false
	}

	t.entries[key] = &comboEntry{event: cloneGiftEvent(event), lastAt: now}
	if ok {
		//2.- The previous combo went idle without a sweep; flush it now so
		// ordering stays sane for the subscriber.
		return entry.event, true
	}
	return Event{}, false
}

// sweep returns every combo whose idle window elapsed at the given instant.
func (t *comboTable) sweep(now time.Time) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var flushed []Event
	for key, entry := range t.entries {
		if now.Sub(entry.lastAt) > t.idle {
			flushed = append(flushed, entry.event)
			delete(t.entries, key)
		}
	}
	return flushed
}

// flushAll drains every pending combo regardless of idle state.
func (t *comboTable) flushAll() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	flushed := make([]Event, 0, len(t.entries))
	for key, entry := range t.entries {
		flushed = append(flushed, entry.event)
		delete(t.entries, key)
	}
	return flushed
}

func cloneGiftEvent(event Event) Event {
	clone := event
	gift := *event.Gift
	clone.Gift = &gift
	return clone
}
