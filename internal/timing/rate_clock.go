package timing

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/snapetech/tswrite/internal/ring"
)

// RateClock implements spec §4.3's "Rate mode": for an item of B bytes,
// time := last_time + (B * 1_000_000) / byterate, exact integer division
// (testable property §8.4).
//
// A golang.org/x/time/rate.Limiter runs the same byte budget as an
// independent admission check alongside the deterministic timestamp law: it
// never gates NextTime's return value (which must stay exact per §8.4), but
// every reservation that comes back with a nonzero Delay is a burst the
// configured rate wouldn't actually admit without delay, and OnSaturate is
// called for each one so a caller (internal/metrics) can make that
// observable instead of it only incrementing an internal counter nothing
// reads.
type RateClock struct {
	byteRate int64
	lastTime int64
	limiter  *rate.Limiter
	sat      atomic.Int64

	// OnSaturate, if set, is called once per item whose reservation the
	// limiter could not admit immediately.
	OnSaturate func()
}

// NewRateClock creates a rate-mode clock for the given bytes/sec.
func NewRateClock(byteRate int64) (*RateClock, error) {
	if byteRate <= 0 {
		return nil, fmt.Errorf("timing: byte rate must be positive, got %d", byteRate)
	}
	burst := int(byteRate)
	if int64(burst) != byteRate {
		burst = int(^uint(0) >> 1) // clamp on 32-bit platforms with absurd rates
	}
	return &RateClock{
		byteRate: byteRate,
		limiter:  rate.NewLimiter(rate.Limit(byteRate), burst),
	}, nil
}

// NextTime implements Clock. metas is unused in rate mode (spec §4.3).
func (c *RateClock) NextTime(itemBytes int, _ []ring.PacketMeta) (int64, bool) {
	if r := c.limiter.ReserveN(time.Now(), itemBytes); r.Delay() > 0 {
		c.sat.Add(1)
		if c.OnSaturate != nil {
			c.OnSaturate()
		}
		r.Cancel()
	}
	delta := int64(itemBytes) * 1_000_000 / c.byteRate
	c.lastTime += delta
	return c.lastTime, false
}

// Saturated returns how many items arrived faster than the configured
// byte rate could admit without delay.
func (c *RateClock) Saturated() int64 { return c.sat.Load() }
