// Package stats persists a rolling history of pipeline runs to a small
// SQLite database (spec.md's cross-run history, not resumable mid-run
// state — restarting a pipeline never reads prior ring state).
package stats

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/andybalholm/brotli"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	sink_kind TEXT NOT NULL,
	destination TEXT NOT NULL,
	bytes_sent INTEGER NOT NULL,
	average_rate_bps INTEGER NOT NULL,
	forced_wait_count INTEGER NOT NULL,
	command_events INTEGER NOT NULL,
	timing_ledger BLOB
);
`

// Ledger is a handle to the run-history database.
type Ledger struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite run ledger at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("stats: open %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("stats: create schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// RunRecord summarises one completed pipeline run.
type RunRecord struct {
	StartedAt       time.Time
	FinishedAt      time.Time
	SinkKind        string
	Destination     string
	BytesSent       int64
	AverageRateBps  int64
	ForcedWaitCount int64
	CommandEvents   int64
	// TimingLedger is one int64 (scheduled send time, microseconds) per
	// emitted ring item, compressed with brotli before storage: these
	// ledgers are long, highly repetitive integer sequences.
	TimingLedger []int64
}

// Insert records one run, brotli-compressing its timing ledger.
func (l *Ledger) Insert(r RunRecord) error {
	compressed, err := compressLedger(r.TimingLedger)
	if err != nil {
		return fmt.Errorf("stats: compress timing ledger: %w", err)
	}
	_, err = l.db.Exec(
		`INSERT INTO runs (started_at, finished_at, sink_kind, destination, bytes_sent, average_rate_bps, forced_wait_count, command_events, timing_ledger)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.StartedAt.Unix(), r.FinishedAt.Unix(), r.SinkKind, r.Destination,
		r.BytesSent, r.AverageRateBps, r.ForcedWaitCount, r.CommandEvents, compressed,
	)
	if err != nil {
		return fmt.Errorf("stats: insert run: %w", err)
	}
	return nil
}

// Recent returns the most recent n runs, most recent first.
func (l *Ledger) Recent(n int) ([]RunRecord, error) {
	rows, err := l.db.Query(
		`SELECT started_at, finished_at, sink_kind, destination, bytes_sent, average_rate_bps, forced_wait_count, command_events, timing_ledger
		 FROM runs ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("stats: query recent runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var startedAt, finishedAt int64
		var compressed []byte
		if err := rows.Scan(&startedAt, &finishedAt, &r.SinkKind, &r.Destination,
			&r.BytesSent, &r.AverageRateBps, &r.ForcedWaitCount, &r.CommandEvents, &compressed); err != nil {
			return nil, fmt.Errorf("stats: scan run: %w", err)
		}
		r.StartedAt = time.Unix(startedAt, 0)
		r.FinishedAt = time.Unix(finishedAt, 0)
		ledger, err := decompressLedger(compressed)
		if err != nil {
			return nil, fmt.Errorf("stats: decompress timing ledger: %w", err)
		}
		r.TimingLedger = ledger
		out = append(out, r)
	}
	return out, rows.Err()
}

// TimingCSV renders a timing ledger as the "timings.csv" content replayfs
// serves for a given run.
func TimingCSV(ledger []int64) []byte {
	var buf bytes.Buffer
	buf.WriteString("item,scheduled_us\n")
	for i, t := range ledger {
		fmt.Fprintf(&buf, "%d,%d\n", i, t)
	}
	return buf.Bytes()
}

func compressLedger(ledger []int64) ([]byte, error) {
	raw := make([]byte, 8*len(ledger))
	for i, v := range ledger {
		binary.LittleEndian.PutUint64(raw[i*8:], uint64(v))
	}
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLedger(compressed []byte) ([]int64, error) {
	if len(compressed) == 0 {
		return nil, nil
	}
	r := brotli.NewReader(bytes.NewReader(compressed))
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	raw := buf.Bytes()
	ledger := make([]int64, len(raw)/8)
	for i := range ledger {
		ledger[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return ledger, nil
}
