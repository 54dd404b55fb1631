// Package writer wires the ring, producer, pacer, sink and optional command
// channel into the single orchestration point a front-end calls into (spec
// §3's "Writer context", analogous to the teacher's internal/tuner.Gateway).
package writer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/snapetech/tswrite/internal/command"
	"github.com/snapetech/tswrite/internal/config"
	"github.com/snapetech/tswrite/internal/metrics"
	"github.com/snapetech/tswrite/internal/pace"
	"github.com/snapetech/tswrite/internal/produce"
	"github.com/snapetech/tswrite/internal/ring"
	"github.com/snapetech/tswrite/internal/sink"
	"github.com/snapetech/tswrite/internal/timing"
)

// Result is the ternary outcome of a Write call (spec §7): a QUIT command
// must be distinguishable from a genuine I/O failure, so this is a small
// exported type rather than an error value.
type Result int

const (
	ResultOK Result = iota
	ResultFatal
	ResultEndOfStream
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultFatal:
		return "fatal"
	case ResultEndOfStream:
		return "end-of-stream"
	default:
		return "unknown"
	}
}

// Pipeline owns one end-to-end run: ring, producer, pacer, sink and the
// optional command channel. One Config produces one Pipeline; there are no
// package-level globals shared across pipelines.
type Pipeline struct {
	cfg config.Config

	ring     *ring.Ring
	producer *produce.Producer
	pacer    *pace.Pacer
	sink     sink.Sink
	cmd      *command.Channel
	metrics  *metrics.Registry

	paceDone chan paceOutcome
	ctx      context.Context
	cancel   context.CancelFunc
}

type paceOutcome struct {
	result pace.Result
	err    error
}

// Open validates cfg, opens the sink, builds the ring/producer/pacer, and —
// for buffered configs — starts the pacer goroutine draining the ring.
func Open(cfg config.Config, reg *metrics.Registry) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sk, err := sink.Open(cfg.Sink, cfg.Destination, cfg.Port, cfg.MulticastIF)
	if err != nil {
		return nil, err
	}
	if reg != nil {
		sk = metrics.WrapSink(sk, reg)
	}

	var clock timing.Clock
	if cfg.UsePCR {
		pc, err := timing.NewPCRClock(cfg.TSInItem, cfg.PrimeSize, cfg.PrimeSpeedupPct, cfg.ByteRate)
		if err != nil {
			sk.Close()
			return nil, err
		}
		clock = pc
	} else {
		rc, err := timing.NewRateClock(cfg.ByteRate)
		if err != nil {
			sk.Close()
			return nil, err
		}
		if reg != nil {
			rc.OnSaturate = reg.AddRateSaturation
		}
		clock = rc
	}

	p := &Pipeline{cfg: cfg, sink: sk, metrics: reg}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if cfg.CommandEnabled {
		if conn := sk.Conn(); conn != nil {
			if reg != nil {
				p.cmd = command.Listen(conn, reg.AddCommandBytes)
			} else {
				p.cmd = command.Listen(conn)
			}
		}
	}

	if !cfg.Buffered {
		p.producer = produce.New(producerConfig(cfg), clock, nil, sk)
		return p, nil
	}

	p.ring = ring.New(cfg.RingSize, cfg.TSInItem*188)
	p.producer = produce.New(producerConfig(cfg), clock, p.ring, sk)
	p.pacer = pace.New(cfg, p.ring, sk)
	if reg != nil {
		reg.SetRingCapacity(p.ring.Cap())
		p.pacer.OnWait = reg.ObserveWait
		p.ring.OnStall = reg.AddRingStall
		go p.reportRingOccupancy()
	}

	p.paceDone = make(chan paceOutcome, 1)
	go p.runPacer()

	return p, nil
}

// reportRingOccupancy periodically publishes the ring's occupancy gauge
// until the pipeline is closed. Runs independently of -debug-ring, which
// only controls the CLI's own log line (spec's ring-occupancy figure is
// now additionally exported as a metric regardless of that flag).
func (p *Pipeline) reportRingOccupancy() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.metrics.SetRingOccupancy(p.ring.Count())
		}
	}
}

func producerConfig(cfg config.Config) produce.Config {
	return produce.Config{
		TSInItem:          cfg.TSInItem,
		ParentWaitMS:      cfg.ParentWaitMS,
		ParentGiveUpAfter: cfg.ParentGiveUpAfter,
		PCRScalePct:       cfg.PCRScalePct,
		DropPackets:       cfg.Drop.DropPackets,
		DropNumber:        cfg.Drop.DropNumber,
	}
}

func (p *Pipeline) runPacer() {
	if err := p.pacer.Fill(p.ctx); err != nil {
		p.paceDone <- paceOutcome{pace.ResultFatal, err}
		return
	}
	for {
		res := p.pacer.RunOnce(p.ctx)
		if p.metrics != nil {
			p.metrics.ObservePace(res)
		}
		if res != pace.ResultOK {
			p.paceDone <- paceOutcome{res, p.ctx.Err()}
			return
		}
	}
}

// Write accepts one TS packet. If a command channel is attached and has
// observed QUIT, it returns ResultEndOfStream without touching the
// producer: the caller must honour this by ceasing to produce and calling
// Close (spec §5's cancellation rule, §4.6).
func (p *Pipeline) Write(pkt [188]byte, pid uint16, gotPCR bool, pcr uint64) Result {
	if p.cmd != nil {
		if cmd, changed := p.cmd.Peek(); changed && cmd == command.CmdQuit {
			p.cmd.Consume()
			return ResultEndOfStream
		}
	}
	if err := p.producer.Write(p.ctx, pkt, pid, gotPCR, pcr); err != nil {
		if errors.Is(err, ring.ErrProducerGaveUp) {
			log.Printf("writer: producer gave up: %v", err)
		}
		return ResultFatal
	}
	return ResultOK
}

// Close finalises the stream: publishes EOF, waits for the pacer to drain
// (buffered mode only), and closes the sink.
func (p *Pipeline) Close() error {
	defer p.cancel()

	var eofErr error
	if p.producer != nil {
		eofErr = p.producer.WriteEOF(p.ctx)
	}

	var paceErr error
	if p.pacer != nil {
		outcome := <-p.paceDone
		if outcome.result == pace.ResultFatal {
			paceErr = outcome.err
		}
	}

	sinkErr := p.sink.Close()

	switch {
	case eofErr != nil:
		return fmt.Errorf("writer: publishing EOF: %w", eofErr)
	case paceErr != nil:
		return fmt.Errorf("writer: pacer: %w", paceErr)
	case sinkErr != nil:
		return fmt.Errorf("writer: closing sink: %w", sinkErr)
	}
	return nil
}

// StreamIndex returns the count of packets accepted into the pipeline so far.
func (p *Pipeline) StreamIndex() int64 {
	if p.producer == nil {
		return 0
	}
	return p.producer.StreamIndex()
}

// Command returns the pipeline's command channel, or nil if the config
// didn't enable one. The caller polls this between Write calls to react to
// playback-mode commands other than QUIT, which Write already handles
// (spec §5: "control flow: C6 updates a shared command slot read by the
// caller between packets to decide what to feed C4").
func (p *Pipeline) Command() *command.Channel { return p.cmd }

// RingOccupancy returns the current ring item count, or 0 in unbuffered mode.
func (p *Pipeline) RingOccupancy() int {
	if p.ring == nil {
		return 0
	}
	return p.ring.Count()
}

// TimingLedger returns the scheduled send time (microseconds) of every item
// sent so far, or nil in unbuffered mode (there is no pacer to record one).
func (p *Pipeline) TimingLedger() []int64 {
	if p.pacer == nil {
		return nil
	}
	return p.pacer.TimingLedger()
}

// ForcedWaitCount returns how many times the pacer had to force a wait
// after maxnowait consecutive zero-wait sends, or 0 in unbuffered mode.
func (p *Pipeline) ForcedWaitCount() int64 {
	if p.pacer == nil {
		return 0
	}
	return p.pacer.ForcedWaitCount()
}

// CommandEvents returns how many commands have been read from the command
// channel so far, or 0 if no command channel is attached.
func (p *Pipeline) CommandEvents() int64 {
	if p.cmd == nil {
		return 0
	}
	return p.cmd.Events()
}
