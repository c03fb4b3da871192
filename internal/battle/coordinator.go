// Package battle runs the versus-session state machine: matchmaking, vote
// tracking, the closing judge window with its snipe guard, and settlement.
package battle

import (
	"errors"
	"sync"
	"time"

	"magicaldanmaku/session/internal/audience"
	"magicaldanmaku/session/internal/dispatch"
	"magicaldanmaku/session/internal/logging"
)

// Phase is the coordinator's lifecycle position.
type Phase int

const (
	// PhaseIdle means no battle is active.
	PhaseIdle Phase = iota
	// PhaseMatched means an opponent was assigned but voting has not started.
	PhaseMatched
	// PhaseBattling means votes are flowing.
	PhaseBattling
	// PhaseEnding is the closing judge window before the end epoch plus grace.
	PhaseEnding
	// PhaseSettled is the instant the summary is emitted; the coordinator
	// returns to PhaseIdle immediately afterwards.
	PhaseSettled
)

func (p Phase) String() string {
	switch p {
	case PhaseMatched:
		return "matched"
	case PhaseBattling:
		return "battling"
	case PhaseEnding:
		return "ending"
	case PhaseSettled:
		return "settled"
	default:
		return "idle"
	}
}

// ErrInvalidVoteDelta reports a vote update below the running total. Totals
// are absolute and monotonic, so a regression means a stale or corrupt frame.
var ErrInvalidVoteDelta = errors.New("battle: vote total below running total")

// baselineWindow is how far back the opponent's normal gift pace is sampled
// for the snipe suspicion comparison.
const baselineWindow = 30 * time.Second

// Config carries the battle tunables, typically sourced from config.Load.
type Config struct {
	JudgeWindow      time.Duration
	GoldToScoreRatio int
	MaxSnipeGold     int
	Blacklist        []string
	PerGiftCaps      map[int64]int
	BaselineFactor   float64
}

// Secondary is the opponent-room connection the coordinator opens for a
// battle and tears down at settlement.
type Secondary interface {
	Disconnect()
}

// Opener dials the opponent room's stream. A failed open degrades the battle
// (no opponent-side audience or gift data) without aborting it.
type Opener func(room, token string) (Secondary, error)

// Summary is the settlement record emitted exactly once per battle.
type Summary struct {
	BattleID          int64
	BattleType        int
	OpponentRoom      string
	WinnerRoom        string
	MyVotes           int64
	OpponentVotes     int64
	SnipeScore        int64
	SnipeEvaluated    int
	SnipeAccepted     int
	SnipeAcceptedGold int
	SnipeRejectedGold int
	OpponentSuspected bool
	Degraded          bool
	CrossVisits       map[string]int64
}

// session is the per-battle state, discarded on settle or abort.
type session struct {
	battleID      int64
	battleType    int
	opponentRoom  string
	winnerRoom    string
	endEpoch      int64
	myVotes       int64
	opponentVotes int64
	secondary     Secondary
	degraded      bool
	guard         *snipeGuard
	snipeScore    int64
	baseline      *rateWindow
	closingGifts  int
}

// Coordinator owns the battle phase machine. All mutation happens under one
// mutex; listeners run outside it.
type Coordinator struct {
	mu      sync.Mutex
	cfg     Config
	logger  *logging.Logger
	clock   func() time.Time
	tracker *audience.Tracker
	opener  Opener

	phase   Phase
	current *session

	onPhase  func(previous, current Phase)
	onSettle func(Summary)
}

// Option configures optional coordinator behaviour.
type Option func(*Coordinator)

// WithLogger overrides the package logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock injects a deterministic clock, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithOpener supplies the dialer for the opponent room's stream.
func WithOpener(opener Opener) Option {
	return func(c *Coordinator) {
		c.opener = opener
	}
}

// WithPhaseListener registers a callback fired on every phase transition.
func WithPhaseListener(listener func(previous, current Phase)) Option {
	return func(c *Coordinator) {
		c.onPhase = listener
	}
}

// WithSettleListener registers the settlement summary consumer.
func WithSettleListener(listener func(Summary)) Option {
	return func(c *Coordinator) {
		c.onSettle = listener
	}
}

// NewCoordinator builds an idle coordinator around the given audience tracker.
func NewCoordinator(cfg Config, tracker *audience.Tracker, opts ...Option) *Coordinator {
	coordinator := &Coordinator{
		cfg:     cfg,
		logger:  logging.L(),
		clock:   time.Now,
		tracker: tracker,
		phase:   PhaseIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(coordinator)
		}
	}
	return coordinator
}

// Phase reports the current lifecycle position.
func (c *Coordinator) Phase() Phase {
	if c == nil {
		return PhaseIdle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Votes reports the running absolute vote totals.
func (c *Coordinator) Votes() (mine, opponent int64) {
	if c == nil {
		return 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0, 0
	}
	return c.current.myVotes, c.current.opponentVotes
}

// HandleEvent feeds one decoded stream event into the coordinator. Lifecycle
// events are only honoured from the primary connection; events from either
// side feed the audience tracker while a battle is live.
func (c *Coordinator) HandleEvent(side audience.Side, ev dispatch.Event) {
	if c == nil {
		return
	}
	switch ev.Kind {
	case dispatch.KindBattleMatched:
		if side == audience.SideOwn {
			c.handleMatched(ev)
		}
	case dispatch.KindBattleVotes:
		if side == audience.SideOwn {
			c.handleVotes(ev)
		}
	case dispatch.KindBattleEnd:
		if side == audience.SideOwn {
			c.handleEnd(ev)
		}
	case dispatch.KindGift:
		c.handleGift(side, ev)
	case dispatch.KindDanmaku:
		if ev.Danmaku != nil {
			c.observeViewer(side, ev.Danmaku.UserID)
		}
	case dispatch.KindInteract:
		if ev.Interact != nil {
			c.observeViewer(side, ev.Interact.UserID)
		}
	case dispatch.KindGuardBuy:
		if ev.Guard != nil {
			c.observeViewer(side, ev.Guard.UserID)
		}
	case dispatch.KindSuperChat:
		if ev.SuperChat != nil {
			c.observeViewer(side, ev.SuperChat.UserID)
		}
	}
}

func (c *Coordinator) observeViewer(side audience.Side, viewerID string) {
	c.mu.Lock()
	live := c.phase != PhaseIdle
	c.mu.Unlock()
	if live {
		c.tracker.Observe(side, viewerID)
	}
}

func (c *Coordinator) handleMatched(ev dispatch.Event) {
	update := ev.Battle
	if update == nil || update.BattleID == 0 {
		c.logger.Warn("battle matched event missing battle id")
		return
	}

	c.mu.Lock()
	if c.phase != PhaseIdle {
		phase := c.phase
		c.mu.Unlock()
		c.logger.Warn("battle matched while another battle is live",
			logging.Int64("battle_id", update.BattleID),
			logging.String("phase", phase.String()))
		return
	}
	c.current = &session{
		battleID:     update.BattleID,
		battleType:   update.BattleType,
		opponentRoom: update.OpponentRoom,
		endEpoch:     update.EndEpoch,
		guard:        newSnipeGuard(c.cfg),
		baseline:     newRateWindow(baselineWindow),
	}
	battleID := c.current.battleID
	transitions := c.transitionLocked(PhaseMatched)
	c.mu.Unlock()
	c.fire(transitions)

	c.logger.Info("battle matched",
		logging.Int64("battle_id", battleID),
		logging.String("opponent_room", update.OpponentRoom))

	if c.opener == nil || update.OpponentRoom == "" {
		c.markDegraded(battleID, "no opponent stream opener")
		return
	}
	//1.- Dial the opponent stream outside the lock; the battle proceeds in a
	// degraded mode when the dial fails or the battle ended meanwhile.
	secondary, err := c.opener(update.OpponentRoom, update.OpponentToken)
	if err != nil {
		c.logger.Warn("opponent stream open failed",
			logging.Int64("battle_id", battleID),
			logging.String("opponent_room", update.OpponentRoom),
			logging.Error(err))
		c.markDegraded(battleID, "opponent stream open failed")
		return
	}
	c.mu.Lock()
	if c.current == nil || c.current.battleID != battleID {
		c.mu.Unlock()
		secondary.Disconnect()
		return
	}
	c.current.secondary = secondary
	c.mu.Unlock()
}

func (c *Coordinator) markDegraded(battleID int64, reason string) {
	c.mu.Lock()
	if c.current != nil && c.current.battleID == battleID {
		c.current.degraded = true
	}
	c.mu.Unlock()
	c.logger.Warn("battle running degraded",
		logging.Int64("battle_id", battleID),
		logging.String("reason", reason))
}

func (c *Coordinator) handleVotes(ev dispatch.Event) {
	update := ev.Battle
	if update == nil {
		return
	}

	c.mu.Lock()
	if c.current == nil || (c.phase != PhaseMatched && c.phase != PhaseBattling && c.phase != PhaseEnding) {
		c.mu.Unlock()
		return
	}
	//1.- Vote totals are absolute; a regression is rejected rather than applied.
	if update.MyVotes < c.current.myVotes || update.OpponentVotes < c.current.opponentVotes {
		battleID := c.current.battleID
		c.mu.Unlock()
		c.logger.Error("rejected vote update",
			logging.Int64("battle_id", battleID),
			logging.Int64("my_votes", update.MyVotes),
			logging.Int64("opponent_votes", update.OpponentVotes),
			logging.Error(ErrInvalidVoteDelta))
		return
	}
	c.current.myVotes = update.MyVotes
	c.current.opponentVotes = update.OpponentVotes
	if update.EndEpoch > 0 {
		c.current.endEpoch = update.EndEpoch
	}
	var transitions []phaseChange
	if c.phase == PhaseMatched {
		//2.- The first vote frame marks the start of the fight proper.
		transitions = c.transitionLocked(PhaseBattling)
	}
	c.mu.Unlock()
	c.fire(transitions)
}

func (c *Coordinator) handleGift(side audience.Side, ev dispatch.Event) {
	gift := ev.Gift
	if gift == nil {
		return
	}
	c.observeViewer(side, gift.UserID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	now := c.clock()
	switch {
	case side == audience.SideOpponent && c.phase == PhaseBattling:
		c.current.baseline.observe(now)
	case side == audience.SideOpponent && c.phase == PhaseEnding:
		c.current.closingGifts++
	case side == audience.SideOwn && c.phase == PhaseEnding:
		//1.- Closing-window gifts on our own stream go through the snipe guard;
		// anything past the caps is tallied with zero score impact.
		c.current.snipeScore += c.current.guard.evaluate(gift)
	}
}

func (c *Coordinator) handleEnd(ev dispatch.Event) {
	update := ev.Battle

	c.mu.Lock()
	if c.current == nil || c.phase == PhaseIdle {
		c.mu.Unlock()
		return
	}
	if update != nil {
		if update.MyVotes >= c.current.myVotes {
			c.current.myVotes = update.MyVotes
		}
		if update.OpponentVotes >= c.current.opponentVotes {
			c.current.opponentVotes = update.OpponentVotes
		}
		c.current.winnerRoom = update.WinnerRoom
	}
	//1.- An explicit end settles immediately, passing through the ending phase
	// so listeners observe the full lifecycle.
	var transitions []phaseChange
	if c.phase != PhaseEnding {
		transitions = c.transitionLocked(PhaseEnding)
	}
	summary, secondary, more := c.settleLocked()
	transitions = append(transitions, more...)
	c.mu.Unlock()

	c.finishSettlement(summary, secondary, transitions)
}

// Tick advances time-driven transitions. The owning service calls it on a
// short ticker; tests call it directly with an injected clock.
func (c *Coordinator) Tick() {
	if c == nil {
		return
	}
	now := c.clock()

	c.mu.Lock()
	if c.current == nil || c.current.endEpoch == 0 {
		c.mu.Unlock()
		return
	}
	end := time.Unix(c.current.endEpoch, 0)
	var transitions []phaseChange
	var summary *Summary
	var secondary Secondary
	if (c.phase == PhaseMatched || c.phase == PhaseBattling) && !now.Before(end.Add(-c.cfg.JudgeWindow)) {
		//1.- A matched battle whose vote frames never arrive still times out on
		// its end epoch; without this the coordinator would hold the matched
		// phase forever and reject every later pairing.
		transitions = c.transitionLocked(PhaseEnding)
	}
	if c.phase == PhaseEnding && !now.Before(end.Add(c.cfg.JudgeWindow)) {
		//2.- The grace period after the end epoch has elapsed with no explicit
		// end frame; settle on the clock.
		var more []phaseChange
		summary, secondary, more = c.settleLocked()
		transitions = append(transitions, more...)
	}
	c.mu.Unlock()

	c.finishSettlement(summary, secondary, transitions)
}

// ForceAbort discards the live battle without settlement, as when the
// primary connection is torn down mid-fight.
func (c *Coordinator) ForceAbort() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.phase == PhaseIdle {
		c.mu.Unlock()
		return
	}
	var battleID int64
	var secondary Secondary
	if c.current != nil {
		battleID = c.current.battleID
		secondary = c.current.secondary
	}
	c.current = nil
	transitions := c.transitionLocked(PhaseIdle)
	c.mu.Unlock()

	if secondary != nil {
		secondary.Disconnect()
	}
	c.tracker.Reset()
	c.fire(transitions)
	c.logger.Warn("battle aborted", logging.Int64("battle_id", battleID))
}

// settleLocked computes the summary, decides the winner when the stream did
// not name one, and walks the phase machine through settled back to idle.
// Callers hold the mutex and must run finishSettlement afterwards.
func (c *Coordinator) settleLocked() (*Summary, Secondary, []phaseChange) {
	now := c.clock()
	active := c.current
	guard := active.guard

	if !guard.suspected && c.cfg.JudgeWindow > 0 {
		//1.- The ending phase spans one judge window either side of the end
		// epoch, so a plain count over that span gives the closing rate.
		closingRate := float64(active.closingGifts) / (2 * c.cfg.JudgeWindow).Seconds()
		baselineRate := active.baseline.perSecond(now)
		guard.suspected = closingRate > 0 && closingRate > baselineRate*c.cfg.BaselineFactor
	}

	summary := &Summary{
		BattleID:          active.battleID,
		BattleType:        active.battleType,
		OpponentRoom:      active.opponentRoom,
		WinnerRoom:        active.winnerRoom,
		MyVotes:           active.myVotes,
		OpponentVotes:     active.opponentVotes,
		SnipeScore:        active.snipeScore,
		SnipeEvaluated:    guard.evaluatedCount,
		SnipeAccepted:     guard.acceptedCount,
		SnipeAcceptedGold: guard.acceptedGold,
		SnipeRejectedGold: guard.rejectedGold,
		OpponentSuspected: guard.suspected,
		Degraded:          active.degraded,
		CrossVisits:       c.tracker.CrossVisits(),
	}
	if summary.WinnerRoom == "" {
		switch {
		case active.myVotes > active.opponentVotes:
			summary.WinnerRoom = "own"
		case active.opponentVotes > active.myVotes:
			summary.WinnerRoom = active.opponentRoom
		}
	}

	secondary := active.secondary
	c.current = nil
	transitions := c.transitionLocked(PhaseSettled)
	transitions = append(transitions, c.transitionLocked(PhaseIdle)...)
	return summary, secondary, transitions
}

func (c *Coordinator) finishSettlement(summary *Summary, secondary Secondary, transitions []phaseChange) {
	if secondary != nil {
		secondary.Disconnect()
	}
	if summary != nil {
		c.tracker.Reset()
	}
	c.fire(transitions)
	if summary == nil {
		return
	}
	c.logger.Info("battle settled",
		logging.Int64("battle_id", summary.BattleID),
		logging.Int64("my_votes", summary.MyVotes),
		logging.Int64("opponent_votes", summary.OpponentVotes),
		logging.String("winner", summary.WinnerRoom),
		logging.Bool("opponent_suspected", summary.OpponentSuspected))
	if c.onSettle != nil {
		c.onSettle(*summary)
	}
}

type phaseChange struct {
	previous Phase
	current  Phase
}

func (c *Coordinator) transitionLocked(next Phase) []phaseChange {
	previous := c.phase
	c.phase = next
	return []phaseChange{{previous: previous, current: next}}
}

func (c *Coordinator) fire(transitions []phaseChange) {
	if c.onPhase == nil {
		return
	}
	for _, change := range transitions {
		c.onPhase(change.previous, change.current)
	}
}
