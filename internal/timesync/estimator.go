// Package timesync estimates the server-minus-local clock offset from the
// timestamps the event servers embed in their frames, so battle end epochs
// and visit records can be judged on server time.
package timesync

import (
	"sync"
	"time"
)

// DefaultAlpha is the smoothing weight applied to each new offset sample.
const DefaultAlpha = 0.2

// Estimator keeps an exponentially weighted moving average of the offset.
type Estimator struct {
	mu      sync.Mutex
	alpha   float64
	clock   func() time.Time
	offset  time.Duration
	samples int
}

// Option configures optional estimator behaviour.
type Option func(*Estimator)

// WithClock injects a deterministic clock, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Estimator) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithAlpha overrides the smoothing weight. Values outside (0, 1] are ignored.
func WithAlpha(alpha float64) Option {
	return func(e *Estimator) {
		if alpha > 0 && alpha <= 1 {
			e.alpha = alpha
		}
	}
}

// NewEstimator constructs an estimator with no samples.
func NewEstimator(opts ...Option) *Estimator {
	estimator := &Estimator{alpha: DefaultAlpha, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(estimator)
		}
	}
	return estimator
}

// Observe feeds one server timestamp in epoch milliseconds. The first sample
// is adopted wholesale; later samples are blended by the smoothing weight.
func (e *Estimator) Observe(serverEpochMs int64) {
	if e == nil || serverEpochMs <= 0 {
		return
	}
	sample := time.UnixMilli(serverEpochMs).Sub(e.clock())

	e.mu.Lock()
	if e.samples == 0 {
		e.offset = sample
	} else {
		blended := e.alpha*float64(sample) + (1-e.alpha)*float64(e.offset)
		e.offset = time.Duration(blended)
	}
	e.samples++
	e.mu.Unlock()
}

// Offset reports the current estimate; zero until the first sample arrives.
func (e *Estimator) Offset() time.Duration {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

// Samples reports how many observations have been absorbed.
func (e *Estimator) Samples() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples
}

// ServerNow projects local time onto the server clock.
func (e *Estimator) ServerNow() time.Time {
	if e == nil {
		return time.Now()
	}
	e.mu.Lock()
	offset := e.offset
	e.mu.Unlock()
	return e.clock().Add(offset)
}

// Reset discards everything, as when a new stream session begins.
func (e *Estimator) Reset() {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.offset = 0
	e.samples = 0
	e.mu.Unlock()
}
