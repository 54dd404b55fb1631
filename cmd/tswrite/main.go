// Command tswrite reads a raw MPEG-2 transport stream and retransmits it
// paced to its embedded PCRs (or a fixed byte rate), to a file, TCP or UDP
// sink, optionally accepting playback commands over the sink's TCP
// connection.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/snapetech/tswrite/internal/command"
	"github.com/snapetech/tswrite/internal/config"
	"github.com/snapetech/tswrite/internal/metrics"
	"github.com/snapetech/tswrite/internal/replayfs"
	"github.com/snapetech/tswrite/internal/stats"
	"github.com/snapetech/tswrite/internal/tspkt"
	"github.com/snapetech/tswrite/internal/writer"
)

func main() {
	cfg := config.Load()

	inputPath := flag.String("input", "-", "input TS file, - for stdin")
	sinkKind := flag.String("sink", cfg.Sink.String(), "output sink: stdout, file, tcp, udp")
	dest := flag.String("dest", "", "sink destination (file path or host)")
	port := flag.Int("port", 0, "sink port (tcp/udp)")
	mcastIF := flag.String("mcast-if", "", "local address for UDP multicast IP_MULTICAST_IF")

	flag.Int64Var(&cfg.ByteRate, "byterate", cfg.ByteRate, "byte rate for rate mode")
	bitrate := flag.Int64("bitrate", 0, "bit rate for rate mode (overrides byterate)")
	nopcrs := flag.Bool("nopcrs", !cfg.UsePCR, "disable PCR-mode timing, use rate mode")
	flag.IntVar(&cfg.RingSize, "buffer", cfg.RingSize, "ring buffer size in items")
	flag.IntVar(&cfg.TSInItem, "tsinpkt", cfg.TSInItem, "TS packets per ring item")
	flag.IntVar(&cfg.PrimeSize, "prime", cfg.PrimeSize, "PCR-mode prime size in items")
	flag.IntVar(&cfg.PrimeSpeedupPct, "speedup", cfg.PrimeSpeedupPct, "PCR-mode prime speedup percent")
	flag.IntVar(&cfg.PCRScalePct, "pcr_scale", cfg.PCRScalePct, "PCR scaling percent")
	flag.IntVar(&cfg.ParentWaitMS, "pwait", cfg.ParentWaitMS, "producer poll wait, ms")
	flag.IntVar(&cfg.ChildWaitMS, "cwait", cfg.ChildWaitMS, "consumer poll wait, ms")
	maxNoWait := flag.String("maxnowait", "", "force a wait every N zero-wait sends, or 'off'")
	flag.Int64Var(&cfg.WaitForUS, "waitfor", cfg.WaitForUS, "forced wait duration, microseconds")
	hd := flag.Bool("hd", false, "apply the HD preset (20Mbps, maxnowait=40, pwait=4, cwait=1)")
	perturbSeed := flag.Int64("perturb-seed", 0, "jitter PRNG seed")
	perturbRangeMS := flag.Int("perturb-range-ms", 0, "jitter range in ms, 0 disables")
	perturbEnabled := flag.Bool("perturb", false, "enable simulated jitter")
	commandChannel := flag.Bool("command", false, "enable the command channel (tcp sink only)")

	quiet := flag.Bool("quiet", cfg.Quiet, "suppress periodic progress reports")
	debugRing := flag.Bool("debug-ring", cfg.DebugRing, "periodically log ring occupancy")
	replayMount := flag.String("replay-mount", cfg.ReplayMount, "optional FUSE mount point for recorded runs")
	historyDB := flag.String("history", cfg.HistoryDBPath, "optional sqlite run history path")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "optional /metrics listen address")
	flag.Parse()

	sk, err := config.ParseSinkKind(*sinkKind)
	if err != nil {
		log.Fatalf("tswrite: %v", err)
	}
	cfg.Sink = sk
	cfg.Destination = *dest
	cfg.Port = *port
	cfg.MulticastIF = *mcastIF
	cfg.UsePCR = !*nopcrs
	cfg.CommandEnabled = *commandChannel
	cfg.Quiet = *quiet
	cfg.DebugRing = *debugRing
	cfg.ReplayMount = *replayMount
	cfg.HistoryDBPath = *historyDB
	cfg.MetricsAddr = *metricsAddr
	if *bitrate > 0 {
		cfg.ByteRate = *bitrate / 8
	}
	if *maxNoWait != "" {
		if *maxNoWait == "off" {
			cfg.MaxNoWait = -1
		} else {
			fmt.Sscanf(*maxNoWait, "%d", &cfg.MaxNoWait)
		}
	}
	if *hd {
		cfg.ApplyHD()
	}
	cfg.Perturb = config.Perturb{Enabled: *perturbEnabled, Seed: *perturbSeed, RangeMS: *perturbRangeMS}

	if err := run(cfg, *inputPath); err != nil {
		log.Fatalf("tswrite: %v", err)
	}
}

func run(cfg config.Config, inputPath string) error {
	var reg *metrics.Registry
	if cfg.MetricsAddr != "" {
		reg = metrics.NewRegistry()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := reg.ListenAndServe(ctx, cfg.MetricsAddr); err != nil {
				log.Printf("tswrite: metrics listener: %v", err)
			}
		}()
	}

	in, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	p, err := writer.Open(cfg, reg)
	if err != nil {
		return fmt.Errorf("open pipeline: %w", err)
	}

	startedAt := time.Now()
	count, err := feed(p, in, cfg)
	closeErr := p.Close()
	// Close waits for the pacer goroutine to finish before returning, so
	// its counters and timing ledger are safe to read from here on.
	forcedWaits := p.ForcedWaitCount()
	commandEvents := p.CommandEvents()
	timingLedger := p.TimingLedger()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	if cfg.HistoryDBPath != "" {
		if err := recordHistory(cfg, startedAt, count, forcedWaits, commandEvents, timingLedger); err != nil {
			log.Printf("tswrite: history: %v", err)
		}
	}

	if cfg.ReplayMount != "" {
		if err := mountReplay(cfg); err != nil {
			log.Printf("tswrite: replay mount: %v", err)
		}
	}
	return nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" || path == "" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input %q: %w", path, err)
	}
	return f, nil
}

const reportEvery = 10000

// skipPackets/skipPacketsLots are how far the small and large skip-forward
// /skip-backward commands seek, in TS packets (spec §4.6's SKIPFWD/SKIPBACK
// family; the original left the exact distance to the front-end).
const (
	skipPackets     = 500
	skipPacketsLots = 5000
)

// playback tracks the feed loop's current play-speed stepping, set by
// FAST/FASTFAST commands: only every stepN-th packet is sent, approximating
// faster-than-real-time playback without needing a seekable source.
type playback struct {
	stepN int
}

// feed reads 188-byte TS packets from in and writes them to the pipeline
// until EOF, a command-channel QUIT (writer.ResultEndOfStream) or a fatal
// error. It returns the number of packets accepted.
func feed(p *writer.Pipeline, in io.Reader, cfg config.Config) (int64, error) {
	var pkt [188]byte
	var count int64
	pb := &playback{stepN: 1}
	skipped := 0

	for {
		if cmd := p.Command(); cmd != nil {
			if c, changed := cmd.Peek(); changed && c != command.CmdQuit {
				cmd.Consume()
				handleCommand(c, cmd, in, pb)
			}
		}

		if _, err := io.ReadFull(in, pkt[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return count, nil
			}
			return count, fmt.Errorf("reading input: %w", err)
		}
		if !tspkt.Valid(pkt[:]) {
			continue
		}

		skipped++
		if pb.stepN > 1 && skipped%pb.stepN != 0 {
			continue
		}

		pid := tspkt.PID(pkt[:])
		pcr, gotPCR := tspkt.PCR(pkt[:])

		switch p.Write(pkt, pid, gotPCR, pcr) {
		case writer.ResultFatal:
			return count, fmt.Errorf("pipeline write failed")
		case writer.ResultEndOfStream:
			return count, nil
		}
		count++

		if !cfg.Quiet && count%reportEvery == 0 {
			log.Printf("tswrite: %d packets sent", count)
		}
		if cfg.DebugRing && count%reportEvery == 0 {
			log.Printf("tswrite: ring occupancy %d/%d", p.RingOccupancy(), cfg.RingSize-1)
		}
	}
}

// handleCommand reacts to one non-QUIT command (spec §4.6, §5: "control
// flow: C6 updates a shared command slot read by the caller between
// packets to decide what to feed C4"). Seeking requires a seekable input;
// over a pipe (stdin) skip/reverse commands are logged and ignored.
func handleCommand(c command.Command, ch *command.Channel, in io.Reader, pb *playback) {
	switch c {
	case command.CmdNormal:
		pb.stepN = 1
	case command.CmdFast:
		pb.stepN = 2
	case command.CmdFastFast:
		pb.stepN = 4
	case command.CmdReverse, command.CmdFastReverse:
		log.Printf("tswrite: reverse playback is not supported over a non-seekable pipeline front-end, ignoring")
	case command.CmdPause:
		log.Printf("tswrite: paused, waiting for the next command")
		if _, err := ch.WaitForCommand(context.Background()); err != nil {
			log.Printf("tswrite: pause wait: %v", err)
		}
	case command.CmdSkipForward, command.CmdSkipBackward, command.CmdSkipForwardLots, command.CmdSkipBackwardLots:
		seekPackets(in, skipDistance(c))
		ch.EndAtomic()
	default:
		if c >= command.CmdSelectFile0 {
			log.Printf("tswrite: select-file commands require a multi-file front-end, ignoring")
		}
	}
}

func skipDistance(c command.Command) int64 {
	switch c {
	case command.CmdSkipForward:
		return skipPackets * 188
	case command.CmdSkipBackward:
		return -skipPackets * 188
	case command.CmdSkipForwardLots:
		return skipPacketsLots * 188
	case command.CmdSkipBackwardLots:
		return -skipPacketsLots * 188
	default:
		return 0
	}
}

func seekPackets(in io.Reader, byteDelta int64) {
	seeker, ok := in.(io.Seeker)
	if !ok {
		log.Printf("tswrite: skip commands require a seekable input, ignoring")
		return
	}
	if _, err := seeker.Seek(byteDelta, io.SeekCurrent); err != nil {
		log.Printf("tswrite: seek: %v", err)
	}
}

// mountReplay serves the recorded run history as a read-only filesystem,
// blocking until the process receives SIGINT/SIGTERM.
func mountReplay(cfg config.Config) error {
	if cfg.HistoryDBPath == "" {
		return fmt.Errorf("replay mount requires -history to be set")
	}
	ledger, err := stats.Open(cfg.HistoryDBPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	recs, err := ledger.Recent(100)
	if err != nil {
		return err
	}
	runs := make([]replayfs.Run, len(recs))
	for i, r := range recs {
		runs[i] = replayfs.Run{
			ID:           fmt.Sprintf("%s-%d", r.SinkKind, r.StartedAt.Unix()),
			TimingLedger: r.TimingLedger,
		}
	}
	log.Printf("tswrite: serving %d recorded runs at %s", len(runs), cfg.ReplayMount)
	return replayfs.Mount(cfg.ReplayMount, runs)
}

func recordHistory(cfg config.Config, startedAt time.Time, count, forcedWaits, commandEvents int64, timingLedger []int64) error {
	ledger, err := stats.Open(cfg.HistoryDBPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	return ledger.Insert(stats.RunRecord{
		StartedAt:       startedAt,
		FinishedAt:      time.Now(),
		SinkKind:        cfg.Sink.String(),
		Destination:     cfg.Destination,
		BytesSent:       count * 188,
		AverageRateBps:  cfg.ByteRate,
		ForcedWaitCount: forcedWaits,
		CommandEvents:   commandEvents,
		TimingLedger:    timingLedger,
	})
}
