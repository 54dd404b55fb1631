package writer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/snapetech/tswrite/internal/config"
)

func TestPipelineWritesPacedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.ts")

	cfg := config.Default()
	cfg.Sink = config.SinkFile
	cfg.Destination = path
	cfg.UsePCR = false
	cfg.ByteRate = 100_000_000 // fast enough not to slow the test down
	cfg.TSInItem = 2
	cfg.RingSize = 4
	cfg.ChildWaitMS = 1
	cfg.ParentWaitMS = 1

	p, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const n = 10
	for i := 0; i < n; i++ {
		var pkt [188]byte
		pkt[0] = 0x47
		if res := p.Write(pkt, 0x100, false, 0); res != ResultOK {
			t.Fatalf("Write(%d) = %v, want ResultOK", i, res)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ledger := p.TimingLedger()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != n*188 {
		t.Fatalf("len(got) = %d, want %d", len(got), n*188)
	}
	for i := 0; i < n; i++ {
		if got[i*188] != 0x47 {
			t.Fatalf("packet %d missing sync byte", i)
		}
	}
	if len(ledger) == 0 {
		t.Fatal("TimingLedger() is empty for a buffered run that sent items")
	}
}

func TestPipelineUnbufferedWritesThrough(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.ts")

	cfg := config.Default()
	cfg.Sink = config.SinkFile
	cfg.Destination = path
	cfg.Buffered = false
	cfg.UsePCR = false
	cfg.ByteRate = 100_000_000

	p, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var pkt [188]byte
	pkt[0] = 0x47
	if res := p.Write(pkt, 0, false, 0); res != ResultOK {
		t.Fatalf("Write = %v, want ResultOK", res)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 188 {
		t.Fatalf("len(got) = %d, want 188", len(got))
	}
}

func TestPipelineRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.PrimeSpeedupPct = 0
	if _, err := Open(cfg, nil); err == nil {
		t.Fatal("expected Open to reject an invalid config")
	}
}
