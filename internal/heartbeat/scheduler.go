// Package heartbeat emits keep-alive frames on a live connection and tracks
// the evolving interval and secret the server supplies in its replies. It is
// also the transport's sole liveness probe: three unanswered beats force a
// reconnect.
package heartbeat

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"magicaldanmaku/session/internal/config"
	"magicaldanmaku/session/internal/logging"
	"magicaldanmaku/session/internal/protocol"
)

// ErrLivenessLost reports the reason handed to the liveness handler.
var ErrLivenessLost = errors.New("heartbeat unanswered three times")

const missLimit = 3

// Sender abstracts the connection the scheduler beats on.
type Sender interface {
	WriteFrame(protocol.Frame) error
}

// State is a stable copy of the heartbeat bookkeeping.
type State struct {
	SequenceIndex   int
	LastSentAtEpoch int64
	IntervalSeconds int
	SecretBenchmark string
	SecretRule      []int64
}

// Scheduler owns the heartbeat timer for one connection.
type Scheduler struct {
	mu sync.Mutex

	sender   Sender
	interval time.Duration

	seq        int
	lastSentAt time.Time
	benchmark  string
	rule       []int64

	misses  int
	running bool
	gen     int
	timer   *time.Timer

	onLiveness func(error)
	clock      func() time.Time
	logger     *logging.Logger
}

// Option configures optional scheduler behaviour at construction time.
type Option func(*Scheduler)

// WithClock injects a deterministic clock, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger injects the structured logger instance.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithFallbackInterval overrides the cadence used until the server supplies one.
func WithFallbackInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithLivenessHandler registers the callback fired when the transport is
// considered dead. The connection manager's ForceReconnect is the usual target.
func WithLivenessHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		s.onLiveness = handler
	}
}

// NewScheduler constructs a stopped scheduler for the given sender.
func NewScheduler(sender Sender, opts ...Option) *Scheduler {
	scheduler := &Scheduler{
		sender:   sender,
		interval: config.DefaultHeartbeatFallback,
		clock:    time.Now,
		logger:   logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(scheduler)
		}
	}
	return scheduler
}

// Start arms the heartbeat, emitting the first beat immediately so liveness
// coverage begins at connect rather than one interval later.
func (s *Scheduler) Start() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.gen++
	s.misses = 0
	gen := s.gen
	s.mu.Unlock()

	s.tick(gen)
}

// Stop disarms the heartbeat. No beat is sent while stopped and a pending
// timer is canceled rather than left to fire.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.running = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

// HandleReply consumes a heartbeat response. A JSON reply replaces the
// interval and secret fields wholesale; any reply clears the miss counter.
func (s *Scheduler) HandleReply(frame protocol.Frame) {
	if s == nil || frame.Op != protocol.OpHeartbeatReply {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.misses = 0

	if frame.Version != protocol.VersionPlain || len(frame.Body) == 0 {
		return
	}
	var reply struct {
		IntervalSecs int     `json:"interval_secs"`
		Benchmark    string  `json:"benchmark"`
		SecretRule   []int64 `json:"secret_rule"`
	}
	if err := json.Unmarshal(frame.Body, &reply); err != nil {
		s.logger.Warn("ignoring malformed heartbeat reply", logging.Error(err))
		return
	}
	//1.- Server values are adopted verbatim, never merged with prior state.
	if reply.IntervalSecs > 0 {
		s.interval = time.Duration(reply.IntervalSecs) * time.Second
	}
	s.benchmark = reply.Benchmark
	s.rule = reply.SecretRule
}

// Snapshot returns the current heartbeat bookkeeping.
func (s *Scheduler) Snapshot() State {
	if s == nil {
		return State{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := State{
		SequenceIndex:   s.seq,
		IntervalSeconds: int(s.interval / time.Second),
		SecretBenchmark: s.benchmark,
		SecretRule:      append([]int64(nil), s.rule...),
	}
	if !s.lastSentAt.IsZero() {
		state.LastSentAtEpoch = s.lastSentAt.Unix()
	}
	return state
}

type beatBody struct {
	ID        int     `json:"id"`
	Timestamp int64   `json:"ts"`
	Benchmark string  `json:"benchmark,omitempty"`
	Rule      []int64 `json:"secret_rule,omitempty"`
	Signature string  `json:"signature,omitempty"`
}

func (s *Scheduler) tick(gen int) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.misses >= missLimit {
		//1.- Liveness lost: hand the connection back for a forced reconnect
		// instead of beating into the void.
		handler := s.onLiveness
		s.running = false
		s.gen++
		s.timer = nil
		s.mu.Unlock()
		s.logger.Warn("heartbeat liveness lost", logging.Int("misses", missLimit))
		if handler != nil {
			handler(ErrLivenessLost)
		}
		return
	}

	s.seq++
	s.misses++
	now := s.clock()
	s.lastSentAt = now
	body := beatBody{
		ID:        s.seq,
		Timestamp: now.Unix(),
		Benchmark: s.benchmark,
		Rule:      append([]int64(nil), s.rule...),
	}
	if s.benchmark != "" {
		body.Signature = signBeat(s.benchmark, s.rule, s.seq, now.Unix())
	}
	payload, err := json.Marshal(body)
	sender := s.sender
	interval := s.interval
	seq := s.seq
	s.mu.Unlock()

	if err == nil {
		frame := protocol.Frame{Version: protocol.VersionPlain, Op: protocol.OpHeartbeat, Sequence: uint32(seq), Body: payload}
		if werr := sender.WriteFrame(frame); werr != nil {
			// A failed write also counts as a miss; the transport error will
			// surface through the connection manager shortly anyway.
			s.logger.Warn("heartbeat write failed", logging.Error(werr))
		}
	}

	s.mu.Lock()
	if s.running && gen == s.gen {
		s.timer = time.AfterFunc(interval, func() { s.tick(gen) })
	}
	s.mu.Unlock()
}
