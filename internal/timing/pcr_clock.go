package timing

import (
	"fmt"

	"github.com/snapetech/tswrite/internal/ring"
)

// PCRClock implements spec §4.3's "PCR mode": a virtual budget of
// (available_bytes, available_time) that gets primed from a guessed rate
// and then corrected as real PCRs arrive.
type PCRClock struct {
	tsInItem        int
	tsPacketSize    int
	primeSize       int
	primeSpeedupPct int

	lastTime int64

	availBytes int64
	availTime  int64

	currentRate int64 // bytes/sec, starts as the caller's initial guess

	havePCR      bool
	lastPCR      uint64
	lastPCRIndex int64
	pcrSeen      int64

	firstPrimeDone   bool
	initialPrimeBytes int64
	initialPrimeTime  int64
}

// NewPCRClock creates a PCR-mode clock. initialRateGuess seeds the budget
// before any PCR has been observed (spec's DEFAULT_BYTE_RATE when the user
// supplies none). primeSpeedupPct of 0 is rejected per spec §9.
func NewPCRClock(tsInItem, primeSize, primeSpeedupPct int, initialRateGuess int64) (*PCRClock, error) {
	if primeSpeedupPct == 0 {
		return nil, fmt.Errorf("timing: prime speedup must not be zero")
	}
	if tsInItem <= 0 || primeSize <= 0 {
		return nil, fmt.Errorf("timing: tsInItem and primeSize must be positive")
	}
	if initialRateGuess <= 0 {
		return nil, fmt.Errorf("timing: initial rate guess must be positive")
	}
	return &PCRClock{
		tsInItem:        tsInItem,
		tsPacketSize:    188,
		primeSize:       primeSize,
		primeSpeedupPct: primeSpeedupPct,
		currentRate:     initialRateGuess,
	}, nil
}

func (c *PCRClock) prime() {
	c.availBytes = int64(c.tsPacketSize * c.tsInItem * c.primeSize)
	c.availTime = c.availBytes * 1_000_000 * 100 / (c.currentRate * int64(c.primeSpeedupPct))
	if !c.firstPrimeDone {
		c.initialPrimeBytes = c.availBytes
		c.initialPrimeTime = c.availTime
		c.firstPrimeDone = true
	}
}

// NextTime implements Clock, following spec §4.3 steps 1-5 in order.
func (c *PCRClock) NextTime(itemBytes int, metas []ring.PacketMeta) (int64, bool) {
	// Step 1: prime the budget if exhausted.
	if c.availBytes <= 0 || c.availTime <= 0 {
		c.prime()
	}

	// Step 2: pro-rate this item's emission time and decrement the budget.
	delta := int64(itemBytes) * c.availTime / c.availBytes
	c.lastTime += delta
	c.availBytes -= int64(itemBytes)
	c.availTime -= delta

	// Step 3: only the first PCR in the item influences the rate
	// calculation for that item (spec's tie-break rule).
	discontinuity := false
	for i := range metas {
		if !metas[i].GotPCR {
			continue
		}
		discontinuity = c.observePCR(metas[i].PCR, metas[i].StreamIndex)
		break
	}
	return c.lastTime, discontinuity
}

func (c *PCRClock) observePCR(pcr uint64, index int64) bool {
	c.pcrSeen++
	if !c.havePCR {
		c.havePCR = true
		c.lastPCR = pcr
		c.lastPCRIndex = index
		return false
	}

	if pcr < c.lastPCR {
		// Step 5: backward PCR is a discontinuity (e.g. loop back).
		c.havePCR = false
		c.lastPCR = 0
		c.lastPCRIndex = 0
		c.availBytes = 0
		c.availTime = 0
		return true
	}

	// Step 3 (subsequent PCR): derive the measured rate and feed it back
	// into the budget.
	deltaPCR := pcr - c.lastPCR
	deltaBytes := (index - c.lastPCRIndex) * int64(c.tsPacketSize)
	if deltaPCR == 0 || deltaBytes <= 0 {
		c.lastPCR = pcr
		c.lastPCRIndex = index
		return false
	}
	c.currentRate = deltaBytes * 27_000_000 / int64(deltaPCR)
	addTime := deltaBytes * 1_000_000 / c.currentRate
	c.availBytes += deltaBytes
	c.availTime += addTime

	// Step 4: on the second PCR specifically, replace the initial guessed
	// prime with one computed from the now-measured rate.
	if c.pcrSeen == 2 {
		c.availTime -= c.initialPrimeTime
		c.availTime += c.initialPrimeBytes * 1_000_000 / c.currentRate
	}

	c.lastPCR = pcr
	c.lastPCRIndex = index
	return false
}

// CurrentRate returns the most recently measured bytes/sec, or the initial
// guess if no PCR pair has been observed yet.
func (c *PCRClock) CurrentRate() int64 { return c.currentRate }
