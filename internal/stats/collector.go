// Package stats accumulates per-session counters for the event stream so
// collaborators can render live totals without replaying the stream.
package stats

import "sync"

// Snapshot is a stable copy of the session counters.
type Snapshot struct {
	FramesReceived   int64 `json:"frames_received"`
	ParseFailures    int64 `json:"parse_failures"`
	DanmakuCount     int64 `json:"danmaku_count"`
	GiftCount        int64 `json:"gift_count"`
	GiftGoldTotal    int64 `json:"gift_gold_total"`
	GuardPurchases   int64 `json:"guard_purchases"`
	InteractionCount int64 `json:"interaction_count"`
	PeakPopularity   int32 `json:"peak_popularity"`
}

// Collector tracks session statistics behind a single mutex.
type Collector struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewCollector constructs an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// CountFrame records one inbound frame.
func (c *Collector) CountFrame() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.snap.FramesReceived++
	c.mu.Unlock()
}

// CountParseFailure records a discarded malformed frame.
func (c *Collector) CountParseFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.snap.ParseFailures++
	c.mu.Unlock()
}

// CountDanmaku records one chat message.
func (c *Collector) CountDanmaku() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.snap.DanmakuCount++
	c.mu.Unlock()
}

// CountGift records an emitted gift event and its gold value.
func (c *Collector) CountGift(gold int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.snap.GiftCount++
	c.snap.GiftGoldTotal += gold
	c.mu.Unlock()
}

// CountGuardPurchase records a guard subscription purchase.
func (c *Collector) CountGuardPurchase() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.snap.GuardPurchases++
	c.mu.Unlock()
}

// CountInteraction records a viewer enter/interact event.
func (c *Collector) CountInteraction() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.snap.InteractionCount++
	c.mu.Unlock()
}

// ObservePopularity retains the highest popularity sample seen this session.
func (c *Collector) ObservePopularity(value int32) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if value > c.snap.PeakPopularity {
		c.snap.PeakPopularity = value
	}
	c.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Reset clears all counters at a session boundary.
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.snap = Snapshot{}
	c.mu.Unlock()
}
