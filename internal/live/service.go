// Package live is the top-level facade: it wires endpoint registries,
// connection managers, heartbeats, the event dispatcher, the battle
// coordinator and the on-disk recorder into one service per streamer room.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"magicaldanmaku/session/internal/audience"
	"magicaldanmaku/session/internal/battle"
	"magicaldanmaku/session/internal/config"
	"magicaldanmaku/session/internal/connection"
	"magicaldanmaku/session/internal/dispatch"
	"magicaldanmaku/session/internal/endpoint"
	"magicaldanmaku/session/internal/heartbeat"
	"magicaldanmaku/session/internal/logging"
	"magicaldanmaku/session/internal/protocol"
	"magicaldanmaku/session/internal/recorder"
	"magicaldanmaku/session/internal/resolve"
	"magicaldanmaku/session/internal/stats"
	"magicaldanmaku/session/internal/timesync"
)

var (
	// ErrAlreadyRunning reports a start call while a session is live.
	ErrAlreadyRunning = errors.New("live: session already running")
	// ErrNotRunning reports an operation that needs a live session.
	ErrNotRunning = errors.New("live: no session running")
	// ErrNoResolver reports an identity-code start without a resolver wired.
	ErrNoResolver = errors.New("live: no resolver configured")
)

// defaultTickInterval drives combo sweeps and battle phase ticks.
const defaultTickInterval = 250 * time.Millisecond

// stream bundles everything owned by one room connection.
type stream struct {
	room       string
	manager    *connection.Manager
	dispatcher *dispatch.Dispatcher
	heartbeat  *heartbeat.Scheduler
	sub        *dispatch.Subscription
}

// Disconnect tears the stream down in dependency order.
func (s *stream) Disconnect() {
	if s == nil {
		return
	}
	s.heartbeat.Stop()
	if s.sub != nil {
		s.sub.Cancel()
	}
	s.manager.Disconnect()
	s.dispatcher.FlushCombos()
}

// Service owns one streamer room session end to end.
type Service struct {
	cfg      *config.Config
	logger   *logging.Logger
	resolver *resolve.Resolver

	collector *stats.Collector
	estimator *timesync.Estimator
	tracker   *audience.Tracker

	coordinator *battle.Coordinator

	tickInterval time.Duration

	mu        sync.Mutex
	primary   *stream
	endpoints []endpoint.Endpoint
	recording *recorder.Recorder
	stop      chan struct{}
}

// ServiceOption configures optional service behaviour.
type ServiceOption func(*Service)

// WithLogger overrides the service logger.
func WithLogger(logger *logging.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithResolver wires the identity-code directory client.
func WithResolver(resolver *resolve.Resolver) ServiceOption {
	return func(s *Service) {
		s.resolver = resolver
	}
}

// WithTickInterval overrides the sweep cadence, primarily for tests.
func WithTickInterval(interval time.Duration) ServiceOption {
	return func(s *Service) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewService assembles an idle service from the loaded configuration.
func NewService(cfg *config.Config, opts ...ServiceOption) *Service {
	service := &Service{
		cfg:          cfg,
		logger:       logging.L(),
		collector:    stats.NewCollector(),
		estimator:    timesync.NewEstimator(),
		tickInterval: defaultTickInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	service.tracker = audience.NewTracker(audience.WithCrossVisitListener(func(visit audience.CrossVisit) {
		service.logger.Info("audience cross visit",
			logging.String("viewer", visit.ViewerID),
			logging.String("from", visit.From.String()),
			logging.Bool("returned", visit.Returned))
	}))
	service.coordinator = battle.NewCoordinator(battle.Config{
		JudgeWindow:      cfg.BattleJudgeWindow,
		GoldToScoreRatio: cfg.GoldToScoreRatio,
		MaxSnipeGold:     cfg.MaxSnipeGold,
		Blacklist:        cfg.OpponentBlacklist,
		BaselineFactor:   cfg.SnipeBaselineFactor,
	}, service.tracker,
		battle.WithLogger(service.logger),
		battle.WithOpener(service.openOpponent),
		//1.- End epochs come from the event servers, so the judge window is
		// measured on their clock, not the local one.
		battle.WithClock(service.estimator.ServerNow),
	)
	return service
}

// StartConnectRoom opens the primary stream for a known room.
func (s *Service) StartConnectRoom(roomID, token string, endpoints []endpoint.Endpoint) error {
	if s == nil {
		return ErrNotRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primary != nil {
		return ErrAlreadyRunning
	}

	if s.cfg.RecordDir != "" {
		rec, manifest, err := recorder.NewRecorder(s.cfg.RecordDir, roomID, nil)
		if err != nil {
			//1.- Recording is best-effort; a failed disk setup never blocks the session.
			s.logger.Warn("recording disabled", logging.Error(err))
		} else {
			s.recording = rec
			s.logger.Info("recording session", logging.String("dir", rec.Directory()), logging.String("room", manifest.Room))
		}
	}

	primary, err := s.newStream(roomID, token, audience.SideOwn, endpoints)
	if err != nil {
		s.closeRecordingLocked()
		return err
	}
	s.primary = primary
	s.endpoints = endpoints
	s.stop = make(chan struct{})
	go s.run(s.stop)

	if err := primary.manager.Connect(); err != nil {
		s.teardownLocked()
		return err
	}
	return nil
}

// StartConnectIdentityCode resolves an identity code through the directory
// and opens the resolved room. The context bounds the lookup.
func (s *Service) StartConnectIdentityCode(ctx context.Context, code string) error {
	if s == nil {
		return ErrNotRunning
	}
	if s.resolver == nil {
		return ErrNoResolver
	}
	info, err := s.resolver.Resolve(ctx, code)
	if err != nil {
		return err
	}
	return s.StartConnectRoom(info.RoomID, info.Token, info.Endpoints)
}

// StopConnection tears down the whole session, flushing combos and closing
// the recording bundle.
func (s *Service) StopConnection() {
	if s == nil {
		return
	}
	s.coordinator.ForceAbort()
	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()
}

// ForceAbortBattle discards any live battle without settlement.
func (s *Service) ForceAbortBattle() {
	if s == nil {
		return
	}
	s.coordinator.ForceAbort()
}

// Subscribe attaches a consumer to the primary stream's typed events.
func (s *Service) Subscribe(handler dispatch.Handler, kinds ...dispatch.Kind) (*dispatch.Subscription, error) {
	s.mu.Lock()
	primary := s.primary
	s.mu.Unlock()
	if primary == nil {
		return nil, ErrNotRunning
	}
	return primary.dispatcher.Subscribe(handler, kinds...), nil
}

// Stats returns the session counters.
func (s *Service) Stats() stats.Snapshot {
	return s.collector.Snapshot()
}

// BattlePhase reports the coordinator's current phase.
func (s *Service) BattlePhase() battle.Phase {
	return s.coordinator.Phase()
}

// ConnectionState reports the primary stream's connection state.
func (s *Service) ConnectionState() connection.State {
	s.mu.Lock()
	primary := s.primary
	s.mu.Unlock()
	if primary == nil {
		return connection.StateDisconnected
	}
	return primary.manager.State()
}

// Heartbeat reports the primary stream's heartbeat bookkeeping.
func (s *Service) Heartbeat() heartbeat.State {
	s.mu.Lock()
	primary := s.primary
	s.mu.Unlock()
	if primary == nil {
		return heartbeat.State{}
	}
	return primary.heartbeat.Snapshot()
}

// ServerNow projects local time onto the event servers' clock.
func (s *Service) ServerNow() time.Time {
	return s.estimator.ServerNow()
}

func (s *Service) teardownLocked() {
	if s.primary == nil {
		return
	}
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.primary.Disconnect()
	s.primary = nil
	s.endpoints = nil
	s.estimator.Reset()
	s.closeRecordingLocked()
}

func (s *Service) closeRecordingLocked() {
	if s.recording == nil {
		return
	}
	if err := s.recording.Close(); err != nil {
		s.logger.Warn("recording close failed", logging.Error(err))
	}
	s.recording = nil
}

// newStream wires one room connection: registry, dispatcher, manager and
// heartbeat, with frame routing between them.
func (s *Service) newStream(roomID, token string, side audience.Side, endpoints []endpoint.Endpoint) (*stream, error) {
	registry, err := endpoint.NewRegistry(endpoints)
	if err != nil {
		return nil, err
	}

	opts := []dispatch.Option{
		dispatch.WithLogger(s.logger),
		dispatch.WithComboIdle(s.cfg.GiftComboIdle),
	}
	if side == audience.SideOwn {
		//1.- Only the primary stream feeds the shared counters and the clock
		// offset estimate; the opponent stream exists for audience and pace data.
		opts = append(opts,
			dispatch.WithStats(s.collector),
			dispatch.WithServerTimeObserver(s.estimator.Observe),
		)
	}
	dispatcher := dispatch.New(roomID, opts...)

	st := &stream{room: roomID, dispatcher: dispatcher}

	manager, err := connection.NewManager(registry, roomID, token,
		connection.WithLogger(s.logger),
		connection.WithBackoff(s.cfg.ReconnectBase, s.cfg.ReconnectMax),
		connection.WithFrameSink(func(frame protocol.Frame) {
			st.heartbeat.HandleReply(frame)
			dispatcher.HandleFrame(frame)
		}),
		connection.WithRawSink(func(raw []byte) {
			s.recordFrame(side, raw)
		}),
		connection.WithStateListener(func(note connection.Notification) {
			s.onStateChange(st, side, note)
		}),
	)
	if err != nil {
		return nil, err
	}
	st.manager = manager

	st.heartbeat = heartbeat.NewScheduler(manager,
		heartbeat.WithLogger(s.logger),
		heartbeat.WithFallbackInterval(s.cfg.HeartbeatFallback),
		heartbeat.WithLivenessHandler(func(err error) {
			//2.- Three unanswered beats mean the socket is dead even if TCP disagrees.
			manager.ForceReconnect(err)
		}),
	)

	st.sub = dispatcher.Subscribe(func(ev dispatch.Event) {
		s.onEvent(side, ev)
	})
	return st, nil
}

// openOpponent is the battle coordinator's secondary-stream dialer. The
// opponent room is served by the same endpoint pool as the primary.
func (s *Service) openOpponent(room, token string) (battle.Secondary, error) {
	s.mu.Lock()
	endpoints := s.endpoints
	s.mu.Unlock()
	if len(endpoints) == 0 {
		return nil, endpoint.ErrNoEndpoints
	}
	secondary, err := s.newStream(room, token, audience.SideOpponent, endpoints)
	if err != nil {
		return nil, err
	}
	if err := secondary.manager.Connect(); err != nil {
		secondary.Disconnect()
		return nil, err
	}
	return secondary, nil
}

func (s *Service) onStateChange(st *stream, side audience.Side, note connection.Notification) {
	s.logger.Info("connection state changed",
		logging.String("room", st.room),
		logging.String("side", side.String()),
		logging.String("from", note.Previous.String()),
		logging.String("to", note.Current.String()))

	switch {
	case note.Current == connection.StateConnected:
		st.heartbeat.Start()
	case note.Previous == connection.StateConnected:
		st.heartbeat.Stop()
	}

	//1.- Losing the primary socket for good aborts any battle in flight.
	if side == audience.SideOwn && note.Current == connection.StateDisconnected {
		s.coordinator.ForceAbort()
	}
}

func (s *Service) onEvent(side audience.Side, ev dispatch.Event) {
	s.coordinator.HandleEvent(side, ev)

	if side == audience.SideOwn {
		switch ev.Kind {
		case dispatch.KindLiveStart, dispatch.KindLiveStop:
			//1.- Stream boundaries rewind the reconnect backoff window.
			s.mu.Lock()
			primary := s.primary
			s.mu.Unlock()
			if primary != nil {
				primary.manager.ResetBackoff()
			}
		}
		s.recordEvent(ev)
	}
}

func (s *Service) recordEvent(ev dispatch.Event) {
	s.mu.Lock()
	rec := s.recording
	s.mu.Unlock()
	if rec == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := rec.AppendEvent(string(ev.Kind), ev.Room, payload); err != nil {
		s.logger.Warn("event journal write failed", logging.Error(err))
	}
}

func (s *Service) recordFrame(side audience.Side, raw []byte) {
	if side != audience.SideOwn {
		return
	}
	s.mu.Lock()
	rec := s.recording
	s.mu.Unlock()
	if rec == nil {
		return
	}
	frame, _, err := protocol.Decode(raw)
	if err != nil {
		return
	}
	if err := rec.AppendFrame(frame.Op, frame.Sequence, raw); err != nil {
		s.logger.Warn("frame archive write failed", logging.Error(err))
	}
}

// run drives the periodic work: gift combo sweeps and battle phase ticks.
func (s *Service) run(stop chan struct{}) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			primary := s.primary
			s.mu.Unlock()
			if primary != nil {
				primary.dispatcher.SweepCombos()
			}
			s.coordinator.Tick()
		}
	}
}
