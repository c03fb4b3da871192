package battle

import "time"

// rateWindow counts events inside a sliding time window so the coordinator can
// compare the opponent's closing-window gift rate against their earlier pace.
type rateWindow struct {
	window time.Duration
	events []time.Time
}

func newRateWindow(window time.Duration) *rateWindow {
	return &rateWindow{window: window}
}

func (w *rateWindow) observe(now time.Time) {
	if w == nil {
		return
	}
	w.prune(now)
	w.events = append(w.events, now)
}

func (w *rateWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	kept := w.events[:0]
	for _, ts := range w.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.events = kept
}

// perSecond reports the observed event rate over the window.
func (w *rateWindow) perSecond(now time.Time) float64 {
	if w == nil || w.window <= 0 {
		return 0
	}
	w.prune(now)
	return float64(len(w.events)) / w.window.Seconds()
}
