// Package ring implements the fixed-capacity single-producer/single-consumer
// queue of network-packet-sized items shared between the tswrite producer
// and its pacing consumer (spec §3, §4.2, §5).
//
// The indices are plain atomics rather than a shared memory mapping: per
// spec §9, two goroutines sharing a heap allocation satisfy the same
// concurrency contract as the original's fork+mmap design. Go's atomic
// load/store already gives sequentially consistent ordering, which is
// strictly stronger than the release/acquire pairing the data model
// requires, so an item's payload is always visible to the consumer before
// its index makes the item readable.
package ring

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrProducerGaveUp is returned by ReserveWrite when the ring has stayed
// full for giveUpAfter polls (spec §4.4, §9: the parent's give-up is active).
var ErrProducerGaveUp = errors.New("ring: producer gave up, consumer not responding")

// ErrConsumerGaveUp is returned by PeekRead when giveUpAfter is positive and
// exceeded. Per spec §9 the consumer's give-up is inactive by default
// (callers pass giveUpAfter <= 0 to wait forever).
var ErrConsumerGaveUp = errors.New("ring: consumer gave up, producer not responding")

// PacketMeta records what the producer observed about one TS packet copied
// into the current item (spec §3, "Packet-meta side array").
type PacketMeta struct {
	StreamIndex int64  // global packet count since pipeline start
	PID         uint16
	GotPCR      bool
	PCR         uint64 // 27MHz ticks, already scaled by pcr_scale
}

// Item is one ring slot: 1..N concatenated TS packets plus scheduling
// metadata (spec §3, "Ring item").
type Item struct {
	Buf           []byte
	Metas         []PacketMeta
	Length        int
	Time          int64
	Discontinuity bool
}

// IsEOF reports whether this item is the end-of-stream sentinel: length 1
// with first byte 0x01, which can never collide with a real TS packet
// because those always start with sync byte 0x47.
func (it *Item) IsEOF() bool {
	return it.Length == 1 && len(it.Buf) > 0 && it.Buf[0] == 0x01
}

// MarkEOF turns this item into the sentinel.
func (it *Item) MarkEOF() {
	it.Buf[0] = 0x01
	it.Length = 1
	it.Metas = it.Metas[:0]
	it.Discontinuity = false
}

// Ring is the fixed-size array of N items described in spec §3. Effective
// capacity is N-1: empty when start == (end+1) mod N, full when
// (end+2) mod N == start.
type Ring struct {
	items   []Item
	n       int32
	itemCap int
	start   atomic.Int32
	end     atomic.Int32

	// OnStall, if set, is called once per sleep-poll iteration in
	// ReserveWrite/PeekRead (i.e. once per time the ring was found
	// full/empty and had to wait). Used by internal/metrics to count stalls.
	OnStall func()
}

// New allocates a ring of n items, each able to hold itemCap bytes.
func New(n, itemCap int) *Ring {
	if n < 2 {
		n = 2
	}
	items := make([]Item, n)
	for i := range items {
		items[i].Buf = make([]byte, itemCap)
	}
	r := &Ring{items: items, n: int32(n), itemCap: itemCap}
	r.start.Store(0)
	r.end.Store(int32(n - 1))
	return r
}

// Cap returns the effective capacity (N-1 items).
func (r *Ring) Cap() int { return int(r.n) - 1 }

func mod(x, n int32) int32 {
	m := x % n
	if m < 0 {
		m += n
	}
	return m
}

// IsEmpty reports start == (end+1) mod N.
func (r *Ring) IsEmpty() bool {
	return r.start.Load() == mod(r.end.Load()+1, r.n)
}

// IsFull reports (end+2) mod N == start.
func (r *Ring) IsFull() bool {
	return mod(r.end.Load()+2, r.n) == r.start.Load()
}

// Count returns the number of currently readable items.
func (r *Ring) Count() int {
	if r.IsEmpty() {
		return 0
	}
	start := r.start.Load()
	end := r.end.Load()
	c := int(end) - int(start)
	if c < 0 {
		c += int(r.n)
	}
	return c + 1
}

// ReserveWrite blocks (sleep-poll) until a slot is free, then returns its
// index and a pointer to the item reset for writing. giveUpAfter <= 0 means
// wait forever; otherwise ErrProducerGaveUp is returned after that many polls.
func (r *Ring) ReserveWrite(ctx context.Context, pollInterval time.Duration, giveUpAfter int) (int, *Item, error) {
	polls := 0
	for {
		if !r.IsFull() {
			next := mod(r.end.Load()+1, r.n)
			item := &r.items[next]
			item.Length = 0
			item.Metas = item.Metas[:0]
			item.Discontinuity = false
			return int(next), item, nil
		}
		polls++
		if r.OnStall != nil {
			r.OnStall()
		}
		if giveUpAfter > 0 && polls >= giveUpAfter {
			return 0, nil, ErrProducerGaveUp
		}
		if err := sleepOrDone(ctx, pollInterval); err != nil {
			return 0, nil, err
		}
	}
}

// Publish makes the item at idx visible to the consumer. The caller must
// have already written item.Length/Time/Discontinuity/Buf before calling.
func (r *Ring) Publish(idx int) {
	r.end.Store(int32(idx))
}

// PeekRead blocks (sleep-poll) until an item is readable, then returns its
// index and pointer without advancing start. giveUpAfter <= 0 waits forever.
func (r *Ring) PeekRead(ctx context.Context, pollInterval time.Duration, giveUpAfter int) (int, *Item, error) {
	polls := 0
	for {
		if !r.IsEmpty() {
			start := r.start.Load()
			return int(start), &r.items[start], nil
		}
		polls++
		if r.OnStall != nil {
			r.OnStall()
		}
		if giveUpAfter > 0 && polls >= giveUpAfter {
			return 0, nil, ErrConsumerGaveUp
		}
		if err := sleepOrDone(ctx, pollInterval); err != nil {
			return 0, nil, err
		}
	}
}

// ReleaseRead advances start past idx, freeing the slot for reuse.
func (r *Ring) ReleaseRead(idx int) {
	r.start.Store(mod(int32(idx)+1, r.n))
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if ctx == nil {
		time.Sleep(d)
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
