// Package dispatch decodes inbound frames into typed events and fans them out
// to subscribers in registration order.
package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"magicaldanmaku/session/internal/config"
	"magicaldanmaku/session/internal/logging"
	"magicaldanmaku/session/internal/protocol"
	"magicaldanmaku/session/internal/stats"
)

// Handler consumes one decoded event. Handlers run synchronously in
// registration order; a panicking handler is logged and skipped, never
// allowed to abort delivery to the remaining subscribers.
type Handler func(Event)

// Subscription is the cancellable handle returned by Subscribe.
type Subscription struct {
	id         int
	dispatcher *Dispatcher
	once       sync.Once
}

// Cancel detaches the subscriber. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.dispatcher == nil {
		return
	}
	s.once.Do(func() {
		s.dispatcher.cancel(s.id)
	})
}

type subscriber struct {
	id      int
	kinds   map[Kind]struct{}
	handler Handler
}

func (s *subscriber) wants(kind Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Dispatcher owns frame decoding and ordered fan-out for one connection.
type Dispatcher struct {
	mu     sync.Mutex
	room   string
	nextID int
	subs   []*subscriber

	combos *comboTable

	logger       *logging.Logger
	collector    *stats.Collector
	clock        func() time.Time
	onServerTime func(epochMs int64)
}

// Option configures optional dispatcher behaviour at construction time.
type Option func(*Dispatcher)

// WithLogger injects the structured logger instance.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithStats attaches a statistics collector fed by decoded events.
func WithStats(collector *stats.Collector) Option {
	return func(d *Dispatcher) {
		d.collector = collector
	}
}

// WithClock injects a deterministic clock, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithServerTimeObserver registers a callback fed the server-side send time
// of every command that carries one, for clock offset estimation.
func WithServerTimeObserver(observer func(epochMs int64)) Option {
	return func(d *Dispatcher) {
		d.onServerTime = observer
	}
}

// WithComboIdle overrides the gift combo idle window.
func WithComboIdle(idle time.Duration) Option {
	return func(d *Dispatcher) {
		if idle > 0 {
			d.combos.idle = idle
		}
	}
}

// New constructs a dispatcher for the given room's connection.
func New(room string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		room:   room,
		logger: logging.L(),
		clock:  time.Now,
	}
	d.combos = newComboTable(config.DefaultGiftComboIdle)
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Subscribe registers a handler for the given kinds; no kinds means all kinds.
func (d *Dispatcher) Subscribe(handler Handler, kinds ...Kind) *Subscription {
	if d == nil || handler == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	sub := &subscriber{id: d.nextID, handler: handler}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, kind := range kinds {
			sub.kinds[kind] = struct{}{}
		}
	}
	//1.- Append keeps delivery in registration order.
	d.subs = append(d.subs, sub)
	return &Subscription{id: sub.id, dispatcher: d}
}

func (d *Dispatcher) cancel(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, sub := range d.subs {
		if sub.id == id {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			return
		}
	}
}

// HandleFrame decodes one inbound frame into zero or more typed events.
// Malformed frames are logged and discarded, never propagated.
func (d *Dispatcher) HandleFrame(frame protocol.Frame) {
	if d == nil {
		return
	}
	d.collector.CountFrame()
	expanded, err := protocol.Expand(frame)
	if err != nil {
		d.collector.CountParseFailure()
		d.logger.Warn("discarding undecodable frame", logging.Error(err), logging.Int("op", int(frame.Op)))
		return
	}
	for _, inner := range expanded {
		d.handleExpanded(inner)
	}
}

func (d *Dispatcher) handleExpanded(frame protocol.Frame) {
	switch frame.Op {
	case protocol.OpCommand:
		d.handleCommand(frame.Body)
	case protocol.OpHeartbeatReply:
		if frame.Version != protocol.VersionPopularity {
			return
		}
		count, err := protocol.Popularity(frame)
		if err != nil {
			d.collector.CountParseFailure()
			d.logger.Warn("discarding malformed popularity payload", logging.Error(err))
			return
		}
		d.collector.ObservePopularity(count)
		d.deliver(Event{Kind: KindPopularity, Room: d.room, Timestamp: d.clock(), Popularity: count})
	}
}

type commandEnvelope struct {
	Cmd      string          `json:"cmd"`
	SendTime int64           `json:"send_time"`
	Data     json.RawMessage `json:"data"`
}

func (d *Dispatcher) handleCommand(body []byte) {
	var envelope commandEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		d.collector.CountParseFailure()
		d.logger.Warn("discarding unparseable command", logging.Error(err))
		return
	}
	if envelope.SendTime > 0 && d.onServerTime != nil {
		d.onServerTime(envelope.SendTime)
	}
	event, err := d.decodeCommand(envelope)
	if err != nil {
		d.collector.CountParseFailure()
		d.logger.Warn("discarding malformed command", logging.String("cmd", envelope.Cmd), logging.Error(err))
		return
	}
	if event.Kind == "" {
		// Unknown commands are dropped silently; the stream carries many
		// decorative notices the session has no use for.
		return
	}

	d.observe(event)

	if event.Kind == KindGift {
		//1.- Gifts traverse the combo table so identical bursts coalesce
		// before any subscriber sees them.
		if flushed, ok := d.combos.add(event, d.clock()); ok {
			d.deliver(flushed)
		}
		return
	}
	d.deliver(event)
}

func (d *Dispatcher) decodeCommand(envelope commandEnvelope) (Event, error) {
	event := Event{Room: d.room, Timestamp: d.clock()}
	switch envelope.Cmd {
	case "DANMU_MSG":
		event.Kind = KindDanmaku
		event.Danmaku = &Danmaku{}
		return event, json.Unmarshal(envelope.Data, event.Danmaku)
	case "SEND_GIFT":
		event.Kind = KindGift
		event.Gift = &Gift{}
		if err := json.Unmarshal(envelope.Data, event.Gift); err != nil {
			return Event{}, err
		}
		if event.Gift.Count <= 0 {
			return Event{}, fmt.Errorf("gift count must be positive, got %d", event.Gift.Count)
		}
		return event, nil
	case "GUARD_BUY":
		event.Kind = KindGuardBuy
		event.Guard = &GuardBuy{}
		return event, json.Unmarshal(envelope.Data, event.Guard)
	case "SUPER_CHAT_MESSAGE":
		event.Kind = KindSuperChat
		event.SuperChat = &SuperChat{}
		return event, json.Unmarshal(envelope.Data, event.SuperChat)
	case "INTERACT_WORD", "WELCOME":
		event.Kind = KindInteract
		event.Interact = &Interact{}
		return event, json.Unmarshal(envelope.Data, event.Interact)
	case "LIVE":
		event.Kind = KindLiveStart
		return event, nil
	case "PREPARING":
		event.Kind = KindLiveStop
		return event, nil
	case "ROOM_CHANGE":
		event.Kind = KindRoomChange
		return event, nil
	case "PK_BATTLE_START", "PK_BATTLE_MATCHED":
		event.Kind = KindBattleMatched
		event.Battle = &BattleUpdate{}
		if err := json.Unmarshal(envelope.Data, event.Battle); err != nil {
			return Event{}, err
		}
		if event.Battle.BattleID == 0 {
			return Event{}, fmt.Errorf("battle id missing")
		}
		return event, nil
	case "PK_BATTLE_PROCESS":
		event.Kind = KindBattleVotes
		event.Battle = &BattleUpdate{}
		return event, json.Unmarshal(envelope.Data, event.Battle)
	case "PK_BATTLE_END", "PK_BATTLE_SETTLE":
		event.Kind = KindBattleEnd
		event.Battle = &BattleUpdate{}
		return event, json.Unmarshal(envelope.Data, event.Battle)
	default:
		return Event{}, nil
	}
}

func (d *Dispatcher) observe(event Event) {
	switch event.Kind {
	case KindDanmaku:
		d.collector.CountDanmaku()
	case KindGift:
		d.collector.CountGift(int64(event.Gift.Gold))
	case KindGuardBuy:
		d.collector.CountGuardPurchase()
	case KindInteract:
		d.collector.CountInteraction()
	}
}

func (d *Dispatcher) deliver(event Event) {
	d.mu.Lock()
	targets := make([]*subscriber, 0, len(d.subs))
	for _, sub := range d.subs {
		if sub.wants(event.Kind) {
			targets = append(targets, sub)
		}
	}
	d.mu.Unlock()

	for _, sub := range targets {
		d.invoke(sub, event)
	}
}

func (d *Dispatcher) invoke(sub *subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			//1.- A failing subscriber never aborts dispatch to the rest.
			d.logger.Error("subscriber panicked", logging.Int("subscriber", sub.id), logging.String("kind", string(event.Kind)), logging.String("panic", fmt.Sprint(r)))
		}
	}()
	sub.handler(event)
}

// SweepCombos flushes gift combos whose idle window elapsed. The owning
// service calls this from a coarse ticker; tests drive it directly.
func (d *Dispatcher) SweepCombos() {
	if d == nil {
		return
	}
	for _, event := range d.combos.sweep(d.clock()) {
		d.deliver(event)
	}
}

// FlushCombos force-emits every pending combo, used at session teardown so no
// accumulated gift is lost.
func (d *Dispatcher) FlushCombos() {
	if d == nil {
		return
	}
	for _, event := range d.combos.flushAll() {
		d.deliver(event)
	}
}
