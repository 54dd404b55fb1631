package pace

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/snapetech/tswrite/internal/config"
	"github.com/snapetech/tswrite/internal/ring"
)

type fakeSink struct {
	datagram bool
	writes   [][]byte
	failNext bool
}

func (s *fakeSink) WriteAll(_ context.Context, b []byte) error {
	if s.failNext {
		s.failNext = false
		return errors.New("boom")
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	s.writes = append(s.writes, cp)
	return nil
}
func (s *fakeSink) Conn() net.Conn    { return nil }
func (s *fakeSink) IsDatagram() bool  { return s.datagram }
func (s *fakeSink) Close() error      { return nil }

func setClock(t *testing.T, values ...int64) {
	t.Helper()
	i := 0
	orig := wallClockUS
	wallClockUS = func() int64 {
		if i >= len(values) {
			return values[len(values)-1]
		}
		v := values[i]
		i++
		return v
	}
	t.Cleanup(func() { wallClockUS = orig })
}

func mkItem(r *ring.Ring, b []byte, targetTime int64, disc bool) {
	idx, item, _ := r.ReserveWrite(context.Background(), time.Millisecond, 0)
	copy(item.Buf, b)
	item.Length = len(b)
	item.Time = targetTime
	item.Discontinuity = disc
	r.Publish(idx)
}

func mkEOF(r *ring.Ring) {
	idx, item, _ := r.ReserveWrite(context.Background(), time.Millisecond, 0)
	item.MarkEOF()
	r.Publish(idx)
}

func TestPacerFirstItemSendsImmediately(t *testing.T) {
	setClock(t, 1_000_000)
	r := ring.New(4, 188)
	s := &fakeSink{}
	cfg := config.Default()
	cfg.ChildWaitMS = 1
	cfg.MaxNoWait = -1
	p := New(cfg, r, s)

	pkt := make([]byte, 188)
	pkt[0] = 0x47
	mkItem(r, pkt, 500, false)

	res := p.RunOnce(context.Background())
	if res != ResultOK {
		t.Fatalf("RunOnce = %v, want ResultOK", res)
	}
	if len(s.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(s.writes))
	}
}

func TestPacerReportsEndOfStream(t *testing.T) {
	setClock(t, 0)
	r := ring.New(4, 188)
	s := &fakeSink{}
	cfg := config.Default()
	cfg.ChildWaitMS = 1
	p := New(cfg, r, s)
	mkEOF(r)

	if res := p.RunOnce(context.Background()); res != ResultEndOfStream {
		t.Fatalf("RunOnce = %v, want ResultEndOfStream", res)
	}
}

func TestPacerSwallowsDatagramErrors(t *testing.T) {
	setClock(t, 0)
	r := ring.New(4, 188)
	s := &fakeSink{datagram: true, failNext: true}
	cfg := config.Default()
	cfg.ChildWaitMS = 1
	cfg.MaxNoWait = -1
	p := New(cfg, r, s)

	pkt := make([]byte, 188)
	pkt[0] = 0x47
	mkItem(r, pkt, 0, false)

	if res := p.RunOnce(context.Background()); res != ResultOK {
		t.Fatalf("RunOnce = %v, want ResultOK (UDP errors must be swallowed)", res)
	}
}

func TestPacerFailsFatalOnStreamSinkError(t *testing.T) {
	setClock(t, 0)
	r := ring.New(4, 188)
	s := &fakeSink{datagram: false, failNext: true}
	cfg := config.Default()
	cfg.ChildWaitMS = 1
	cfg.MaxNoWait = -1
	p := New(cfg, r, s)

	pkt := make([]byte, 188)
	pkt[0] = 0x47
	mkItem(r, pkt, 0, false)

	if res := p.RunOnce(context.Background()); res != ResultFatal {
		t.Fatalf("RunOnce = %v, want ResultFatal for a non-datagram sink error", res)
	}
}

func TestPacerEnforcesMaxNoWait(t *testing.T) {
	r := ring.New(8, 188)
	s := &fakeSink{}
	cfg := config.Default()
	cfg.ChildWaitMS = 1
	cfg.MaxNoWait = 2
	cfg.WaitForUS = 1000
	p := New(cfg, r, s)

	pkt := make([]byte, 188)
	pkt[0] = 0x47
	// Three items, all with a target already in the past so waitFor <= 0
	// every time; after maxNoWait=2 consecutive zero-wait sends the third
	// must be forced to sleep waitForUS.
	mkItem(r, pkt, 0, false)
	mkItem(r, pkt, 0, false)
	mkItem(r, pkt, 0, false)

	setClock(t, 0, 0, 0)
	p.RunOnce(context.Background())
	p.RunOnce(context.Background())

	start := time.Now()
	p.RunOnce(context.Background())
	elapsed := time.Since(start)
	if elapsed < 900*time.Microsecond {
		t.Fatalf("third RunOnce elapsed = %v, want forced wait of ~%dus", elapsed, cfg.WaitForUS)
	}
	if got := p.ForcedWaitCount(); got != 1 {
		t.Fatalf("ForcedWaitCount() = %d, want 1", got)
	}
}

func TestPacerRecordsTimingLedger(t *testing.T) {
	setClock(t, 0, 0, 0)
	r := ring.New(8, 188)
	s := &fakeSink{}
	cfg := config.Default()
	cfg.ChildWaitMS = 1
	cfg.MaxNoWait = -1
	p := New(cfg, r, s)

	pkt := make([]byte, 188)
	pkt[0] = 0x47
	mkItem(r, pkt, 100, false)
	mkItem(r, pkt, 200, false)

	p.RunOnce(context.Background())
	p.RunOnce(context.Background())

	got := p.TimingLedger()
	want := []int64{100, 200}
	if len(got) != len(want) {
		t.Fatalf("TimingLedger() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("TimingLedger()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPacerDiscontinuityResetsEpoch(t *testing.T) {
	r := ring.New(8, 188)
	s := &fakeSink{}
	cfg := config.Default()
	cfg.ChildWaitMS = 1
	cfg.MaxNoWait = -1
	p := New(cfg, r, s)

	pkt := make([]byte, 188)
	pkt[0] = 0x47
	mkItem(r, pkt, 1_000_000, false)
	mkItem(r, pkt, 0, true) // discontinuity: must not compute a huge negative waitFor

	setClock(t, 0)
	p.RunOnce(context.Background())

	setClock(t, 0)
	start := time.Now()
	res := p.RunOnce(context.Background())
	elapsed := time.Since(start)
	if res != ResultOK {
		t.Fatalf("RunOnce = %v, want ResultOK", res)
	}
	if elapsed > 50*time.Millisecond {
		t.Fatalf("discontinuity should re-anchor instead of sleeping out a huge waitFor, elapsed = %v", elapsed)
	}
}
