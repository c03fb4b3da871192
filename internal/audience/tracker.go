// Package audience maintains the two disjoint viewer sets observed during a
// battle and the cross-visit log that records migration between rooms.
package audience

import (
	"sync"
	"time"
)

// Side identifies which room's connection an event arrived on.
type Side int

const (
	// SideOwn is the primary connection's room.
	SideOwn Side = iota
	// SideOpponent is the secondary connection opened for a battle.
	SideOpponent
)

func (s Side) String() string {
	if s == SideOpponent {
		return "opponent"
	}
	return "own"
}

func (s Side) opposite() Side {
	if s == SideOwn {
		return SideOpponent
	}
	return SideOwn
}

// CrossVisit reports one migration observation.
type CrossVisit struct {
	ViewerID string
	From     Side
	Returned bool
}

// Tracker owns the audience sets. Viewers only ever join the set matching the
// connection they were first seen on; appearing on the other side produces a
// cross-visit record instead of a set move, which is what keeps the two sets
// disjoint for the battle's whole lifetime.
type Tracker struct {
	mu       sync.Mutex
	sides    [2]map[string]struct{}
	visits   map[string]int64 // visit epoch seconds; 0 marks "returned"
	clock    func() time.Time
	onVisit  func(CrossVisit)
}

// Option configures optional tracker behaviour.
type Option func(*Tracker)

// WithClock injects a deterministic clock, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithCrossVisitListener registers a callback fired on every migration record.
func WithCrossVisitListener(listener func(CrossVisit)) Option {
	return func(t *Tracker) {
		t.onVisit = listener
	}
}

// NewTracker constructs an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	tracker := &Tracker{
		sides:  [2]map[string]struct{}{make(map[string]struct{}), make(map[string]struct{})},
		visits: make(map[string]int64),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(tracker)
		}
	}
	return tracker
}

// Observe records that a viewer emitted an event on the given side's stream.
// A viewer already known to the opposite side is logged as a cross visit; a
// viewer coming back to their origin side resets the visit entry to zero.
func (t *Tracker) Observe(side Side, viewerID string) {
	if t == nil || viewerID == "" {
		return
	}
	t.mu.Lock()

	var notify *CrossVisit
	if _, away := t.sides[side.opposite()][viewerID]; away {
		//1.- A member of the other audience is visiting this room.
		t.visits[viewerID] = t.clock().Unix()
		notify = &CrossVisit{ViewerID: viewerID, From: side.opposite()}
	} else {
		if _, home := t.sides[side][viewerID]; !home {
			t.sides[side][viewerID] = struct{}{}
		}
		if epoch, visited := t.visits[viewerID]; visited && epoch != 0 {
			//2.- The wanderer is back on their origin side; zero marks the return.
			t.visits[viewerID] = 0
			notify = &CrossVisit{ViewerID: viewerID, From: side, Returned: true}
		}
	}
	listener := t.onVisit
	t.mu.Unlock()

	if notify != nil && listener != nil {
		listener(*notify)
	}
}

// MarkPresence adds the viewer to the given side's set without cross-visit
// evaluation; a no-op when already present.
func (t *Tracker) MarkPresence(side Side, viewerID string) {
	if t == nil || viewerID == "" {
		return
	}
	t.mu.Lock()
	t.sides[side][viewerID] = struct{}{}
	t.mu.Unlock()
}

// Size reports the given side's audience size.
func (t *Tracker) Size(side Side) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sides[side])
}

// Disjoint verifies the structural invariant that no viewer belongs to both sets.
func (t *Tracker) Disjoint() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	small, large := t.sides[SideOwn], t.sides[SideOpponent]
	if len(large) < len(small) {
		small, large = large, small
	}
	for id := range small {
		if _, ok := large[id]; ok {
			return false
		}
	}
	return true
}

// CrossVisits returns a copy of the migration log.
func (t *Tracker) CrossVisits() map[string]int64 {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	log := make(map[string]int64, len(t.visits))
	for id, epoch := range t.visits {
		log[id] = epoch
	}
	return log
}

// Reset clears both sets and the visit log when a battle ends.
func (t *Tracker) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.sides = [2]map[string]struct{}{make(map[string]struct{}), make(map[string]struct{})}
	t.visits = make(map[string]int64)
	t.mu.Unlock()
}
