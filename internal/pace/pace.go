// Package pace implements the consumer side of the pipeline: it drains
// ring items at their computed send time and writes them to the sink
// (spec §4.5).
package pace

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/snapetech/tswrite/internal/config"
	"github.com/snapetech/tswrite/internal/ring"
	"github.com/snapetech/tswrite/internal/sink"
)

// noWaitResetWindowUS bounds how far behind the pacer will silently swallow
// before it requests a re-anchor instead of sleeping (spec §4.5 step 5).
const noWaitResetWindowUS = -200_000

// Pacer drains a ring, sleeping until each item's computed send time before
// writing it to the sink.
type Pacer struct {
	ring *ring.Ring
	sink sink.Sink

	childWait        time.Duration
	childGiveUpAfter int

	maxNoWait int
	waitForUS int64

	perturb config.Perturb
	rng     *rand.Rand

	epoch        int64
	delta        int64
	resetPending bool
	noWaitRun    int

	lastTime int64

	// OnWait, if set, is called with the computed waitfor (microseconds,
	// clamped to >= 0) for every non-EOF item RunOnce handles, before it
	// sleeps and sends, for metrics export.
	OnWait func(waitUS int64)

	// timingLedger records each sent item's scheduled send time
	// (item.Time, microseconds), in order, for internal/stats's run
	// history (spec's "timing ledger" table column).
	timingLedger []int64
	forcedWaits  int64
}

// Clock abstracts wall-clock reads so tests can control time deterministically.
type Clock func() int64

var wallClockUS Clock = func() int64 { return time.Now().UnixMicro() }

// New creates a Pacer. cfg supplies maxnowait/waitfor/perturb tuning.
func New(cfg config.Config, rg *ring.Ring, sk sink.Sink) *Pacer {
	p := &Pacer{
		ring:             rg,
		sink:             sk,
		childWait:        cfg.ChildWaitDuration(),
		childGiveUpAfter: cfg.ChildGiveUpAfter,
		maxNoWait:        cfg.MaxNoWait,
		waitForUS:        cfg.WaitForUS,
		perturb:          cfg.Perturb,
		resetPending:     true, // "first iteration" always resets, per spec §4.5 step 3
	}
	if cfg.Perturb.Enabled {
		p.rng = rand.New(rand.NewSource(cfg.Perturb.Seed))
	}
	return p
}

// Fill blocks until the ring is full once before the run begins (spec
// §4.5's startup "fill" wait), priming the pacing budget with observable
// data. A stream shorter than the ring's capacity hits EOF before the ring
// ever fills; that EOF item satisfies the wait like any other item, so
// short streams are never stuck waiting for a ring that will never fill.
func (p *Pacer) Fill(ctx context.Context) error {
	for !p.ring.IsFull() {
		if !p.ring.IsEmpty() {
			_, item, err := p.ring.PeekRead(ctx, 0, 0)
			if err == nil && item.IsEOF() {
				return nil
			}
		}
		if err := sleepCtx(ctx, p.childWait); err != nil {
			return err
		}
	}
	return nil
}

// Result is the ternary outcome of one RunOnce step.
type Result int

const (
	ResultOK Result = iota
	ResultFatal
	ResultEndOfStream
)

// RunOnce drains and sends exactly one item, returning ResultEndOfStream on
// the EOF sentinel and ResultFatal when the sink or ring reports a hard
// error. UDP write errors are logged and swallowed (spec §4.5 step 7): a
// saturated multicast fanout must not kill the pacer.
func (p *Pacer) RunOnce(ctx context.Context) Result {
	idx, item, err := p.ring.PeekRead(ctx, p.childWait, p.childGiveUpAfter)
	if err != nil {
		return ResultFatal
	}
	if item.IsEOF() {
		p.ring.ReleaseRead(idx)
		return ResultEndOfStream
	}

	waitFor := p.computeWaitFor(item)
	if p.OnWait != nil {
		p.OnWait(waitFor)
	}
	if waitFor > 0 {
		if err := sleepCtx(ctx, time.Duration(waitFor)*time.Microsecond); err != nil {
			return ResultFatal
		}
	}

	if err := p.sink.WriteAll(ctx, item.Buf[:item.Length]); err != nil {
		if p.sink.IsDatagram() {
			log.Printf("pace: sink write failed, dropping item: %v", err)
		} else {
			return ResultFatal
		}
	}

	p.lastTime = item.Time
	p.timingLedger = append(p.timingLedger, item.Time)
	p.ring.ReleaseRead(idx)
	return ResultOK
}

// TimingLedger returns the scheduled send time (microseconds) of every item
// sent so far, in order.
func (p *Pacer) TimingLedger() []int64 { return p.timingLedger }

// ForcedWaitCount returns how many times enforceMaxNoWait had to force a
// wait after maxnowait consecutive zero-wait sends (spec §4.5 step 6).
func (p *Pacer) ForcedWaitCount() int64 { return p.forcedWaits }

// computeWaitFor implements spec §4.5 steps 3-6.
func (p *Pacer) computeWaitFor(item *ring.Item) int64 {
	now := wallClockUS()
	if p.perturb.Enabled && p.rng != nil {
		jitterUS := int64((p.rng.Float64()*2 - 1) * float64(p.perturb.RangeMS) * 1000)
		now += jitterUS
	}

	reset := p.resetPending || item.Discontinuity
	p.resetPending = false

	var waitFor int64
	if reset {
		p.epoch = now
		p.delta = item.Time
		waitFor = 0
	} else {
		adjusted := (now - p.epoch) + p.delta
		waitFor = item.Time - adjusted
	}

	switch {
	case waitFor > 0:
		// sleep that long, then send
	case waitFor > noWaitResetWindowUS:
		waitFor = 0
	default:
		if !p.perturb.Enabled {
			p.resetPending = true
		}
		waitFor = 0
	}

	waitFor = p.enforceMaxNoWait(waitFor)
	return waitFor
}

// enforceMaxNoWait implements spec §4.5 step 6: after maxnowait consecutive
// zero-wait sends, force at least waitForUS of sleep.
func (p *Pacer) enforceMaxNoWait(waitFor int64) int64 {
	if p.maxNoWait < 0 {
		return waitFor
	}
	if waitFor > 0 {
		p.noWaitRun = 0
		return waitFor
	}
	p.noWaitRun++
	if p.noWaitRun > p.maxNoWait {
		p.noWaitRun = 0
		p.forcedWaits++
		return p.waitForUS
	}
	return waitFor
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
