package battle

import "magicaldanmaku/session/internal/dispatch"

// snipeGuard evaluates closing-window gifts. It lives only while the session
// is in the Ending phase and its statistics end up in the settlement summary.
type snipeGuard struct {
	blacklist map[string]struct{}
	ratio     int
	maxGold   int

	perGiftCaps     map[int64]int
	perGiftAccepted map[int64]int

	evaluatedCount int
	acceptedCount  int
	acceptedGold   int
	rejectedGold   int
	suspected      bool
}

func newSnipeGuard(cfg Config) *snipeGuard {
	guard := &snipeGuard{
		blacklist:       make(map[string]struct{}, len(cfg.Blacklist)),
		ratio:           cfg.GoldToScoreRatio,
		maxGold:         cfg.MaxSnipeGold,
		perGiftCaps:     make(map[int64]int, len(cfg.PerGiftCaps)),
		perGiftAccepted: make(map[int64]int),
	}
	for _, id := range cfg.Blacklist {
		guard.blacklist[id] = struct{}{}
	}
	for gift, limit := range cfg.PerGiftCaps {
		guard.perGiftCaps[gift] = limit
	}
	return guard
}

// evaluate scores one gift. Blacklisted senders are ignored entirely; gifts
// past the per-gift or total gold cap are counted but contribute zero score.
func (g *snipeGuard) evaluate(gift *dispatch.Gift) (scorePoints int64) {
	if g == nil || gift == nil {
		return 0
	}
	if _, banned := g.blacklist[gift.UserID]; banned {
		return 0
	}
	g.evaluatedCount++

	count := gift.Count
	if count <= 0 {
		count = 1
	}
	unitGold := gift.Gold / count
	if unitGold <= 0 {
		unitGold = 1
	}
	limit, configured := g.perGiftCaps[gift.GiftID]
	if !configured {
		//1.- Without an explicit cap, derive one from the max total: how many
		// of this gift fit inside the per-battle gold allowance.
		limit = g.maxGold / unitGold
	}

	if g.perGiftAccepted[gift.GiftID]+count <= limit && g.acceptedGold+gift.Gold <= g.maxGold {
		g.perGiftAccepted[gift.GiftID] += count
		g.acceptedCount++
		g.acceptedGold += gift.Gold
		return int64(gift.Gold / g.ratio)
	}

	//2.- Over the cap: the gift is logged in the tallies but has no score impact.
	g.rejectedGold += gift.Gold
	return 0
}
