package stats

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLedgerInsertAndRecent(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	rec := RunRecord{
		StartedAt:       time.Unix(1000, 0),
		FinishedAt:      time.Unix(1010, 0),
		SinkKind:        "file",
		Destination:     "/tmp/out.ts",
		BytesSent:       37600,
		AverageRateBps:  250000,
		ForcedWaitCount: 3,
		CommandEvents:   0,
		TimingLedger:    []int64{0, 1000, 2000, 2990, 4010},
	}
	if err := l.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := l.Recent(5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d runs, want 1", len(got))
	}
	if got[0].BytesSent != rec.BytesSent || got[0].Destination != rec.Destination {
		t.Fatalf("got %+v, want matching %+v", got[0], rec)
	}
	if len(got[0].TimingLedger) != len(rec.TimingLedger) {
		t.Fatalf("timing ledger length = %d, want %d", len(got[0].TimingLedger), len(rec.TimingLedger))
	}
	for i, v := range rec.TimingLedger {
		if got[0].TimingLedger[i] != v {
			t.Fatalf("timing ledger[%d] = %d, want %d", i, got[0].TimingLedger[i], v)
		}
	}
}

func TestTimingCSVFormat(t *testing.T) {
	got := string(TimingCSV([]int64{0, 100, 200}))
	want := "item,scheduled_us\n0,0\n1,100\n2,200\n"
	if got != want {
		t.Fatalf("TimingCSV = %q, want %q", got, want)
	}
}
