package sink

import (
	"context"
	"fmt"
	"net"
)

// tcpSink is a byte stream of concatenated 188-byte packets (spec §6).
// Hard errors are fatal to the pipeline, per spec §7's "TCP send: hard
// error → fatal to the pipeline."
type tcpSink struct {
	conn *net.TCPConn
}

func (s *tcpSink) WriteAll(_ context.Context, b []byte) error {
	if err := writeAllLoop(s.conn, b); err != nil {
		return fmt.Errorf("sink: tcp write: %w", err)
	}
	return nil
}

// Conn exposes the connection so the command channel (spec §4.6) can read
// single-byte commands interleaved with data writes. The teacher's idiom
// for "one goroutine owns a socket and publishes state for another
// goroutine to read" (internal/tuner/psi_keepalive.go) replaces the
// original's raw non-blocking-fd multiplexing: a background reader
// goroutine owns command reads, this data path stays a plain blocking
// writer.
func (s *tcpSink) Conn() net.Conn { return s.conn }

func (s *tcpSink) IsDatagram() bool { return false }

func (s *tcpSink) Close() error { return s.conn.Close() }
