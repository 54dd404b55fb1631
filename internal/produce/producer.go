// Package produce batches incoming TS packets into ring items, propagating
// PCR metadata and flushing on full or EOF (spec §4.4).
package produce

import (
	"context"

	"github.com/snapetech/tswrite/internal/ring"
	"github.com/snapetech/tswrite/internal/sink"
	"github.com/snapetech/tswrite/internal/timing"
)

// Producer batches 188-byte TS packets into ring items sized TSInItem*188,
// or writes straight through to a sink when no ring is attached.
type Producer struct {
	ring     *ring.Ring
	sink     sink.Sink
	clock    timing.Clock
	tsInItem int
	itemCap  int

	parentWaitMS      int
	parentGiveUpAfter int

	pcrScalePct int

	streamIndex int64

	dropPackets  int
	dropNumber   int
	dropCycleLen int64
	dropPos      int64

	curIdx  int
	curItem *ring.Item
	filling bool
}

// Config bundles the producer's tunables, kept separate from the package
// config.Config so produce has no dependency on cmd-level flag parsing.
type Config struct {
	TSInItem          int
	ParentWaitMS      int
	ParentGiveUpAfter int
	PCRScalePct       int
	DropPackets       int
	DropNumber        int
}

// New creates a Producer. rg may be nil for unbuffered direct-to-sink mode
// (spec §4.4: "If no ring is attached ... call sink.write_all directly").
func New(cfg Config, clock timing.Clock, rg *ring.Ring, sk sink.Sink) *Producer {
	p := &Producer{
		ring:              rg,
		sink:              sk,
		clock:             clock,
		tsInItem:          cfg.TSInItem,
		itemCap:           cfg.TSInItem * 188,
		parentWaitMS:      cfg.ParentWaitMS,
		parentGiveUpAfter: cfg.ParentGiveUpAfter,
		pcrScalePct:       cfg.PCRScalePct,
		dropPackets:       cfg.DropPackets,
		dropNumber:        cfg.DropNumber,
	}
	if p.pcrScalePct <= 0 {
		p.pcrScalePct = 100
	}
	if cfg.DropPackets > 0 && cfg.DropNumber > 0 {
		p.dropCycleLen = int64(cfg.DropPackets + cfg.DropNumber)
	}
	return p
}

// StreamIndex returns the global count of packets accepted into the
// pipeline so far (dropped packets are not counted).
func (p *Producer) StreamIndex() int64 { return p.streamIndex }

// shouldDrop implements the drop-testing cycle: pass dropPackets through,
// then silently drop the next dropNumber, repeating (spec §4.4).
func (p *Producer) shouldDrop() bool {
	if p.dropCycleLen == 0 {
		return false
	}
	pos := p.dropPos
	p.dropPos = (p.dropPos + 1) % p.dropCycleLen
	return pos >= int64(p.dropPackets)
}

// Write accepts one TS packet with its PID and optional PCR.
func (p *Producer) Write(ctx context.Context, pkt [188]byte, pid uint16, gotPCR bool, pcr uint64) error {
	if p.shouldDrop() {
		return nil
	}

	if p.ring == nil {
		if err := p.sink.WriteAll(ctx, pkt[:]); err != nil {
			return err
		}
		p.streamIndex++
		return nil
	}

	if !p.filling {
		idx, item, err := p.ring.ReserveWrite(ctx, waitDuration(p.parentWaitMS), p.parentGiveUpAfter)
		if err != nil {
			return err
		}
		p.curIdx, p.curItem, p.filling = idx, item, true
	}

	item := p.curItem
	copy(item.Buf[item.Length:item.Length+188], pkt[:])

	meta := ring.PacketMeta{StreamIndex: p.streamIndex, PID: pid, GotPCR: gotPCR}
	if gotPCR {
		meta.PCR = pcr * uint64(p.pcrScalePct) / 100
	}
	item.Metas = append(item.Metas, meta)
	item.Length += 188
	p.streamIndex++

	if item.Length >= p.itemCap {
		p.publishCurrent()
	}
	return nil
}

// publishCurrent computes the current item's target time and hands it to
// the ring, then clears filling state so the next Write reserves a fresh item.
func (p *Producer) publishCurrent() {
	item := p.curItem
	target, disc := p.clock.NextTime(item.Length, item.Metas)
	item.Time = target
	item.Discontinuity = disc
	p.ring.Publish(p.curIdx)
	p.curItem, p.filling = nil, false
}

// WriteEOF finalizes any partially filled item and publishes the EOF
// sentinel. A no-op in unbuffered (ring == nil) mode: the caller simply
// stops producing.
func (p *Producer) WriteEOF(ctx context.Context) error {
	if p.ring == nil {
		return nil
	}
	if p.filling && p.curItem.Length > 0 {
		p.publishCurrent()
	}
	idx, item, err := p.ring.ReserveWrite(ctx, waitDuration(p.parentWaitMS), p.parentGiveUpAfter)
	if err != nil {
		return err
	}
	item.MarkEOF()
	p.ring.Publish(idx)
	return nil
}
