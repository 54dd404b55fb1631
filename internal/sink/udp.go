package sink

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"
)

// maxENOBUFSRetries bounds the ENOBUFS retry loop so a persistently
// saturated kernel socket buffer cannot hang the pacer forever; after this
// many attempts the write is reported as failed, which the consumer
// treats as non-fatal per spec §4.1/§7 (data is allowed to be dropped on a
// stateless datagram sink).
const maxENOBUFSRetries = 20

// udpSink writes one datagram per WriteAll call. Each UDP datagram is one
// ring item of TSInItem*188 bytes (spec §6's on-wire framing; a partial
// item flushed before EOF is shorter); the pacer never
// splits an item across multiple WriteAll calls, so this sink does not
// loop on short writes the way file/TCP do (UDP is message-oriented:
// either the whole datagram is accepted by the kernel or none of it is).
type udpSink struct {
	conn *net.UDPConn
}

func (s *udpSink) WriteAll(_ context.Context, b []byte) error {
	for attempt := 0; ; attempt++ {
		_, err := s.conn.Write(b)
		if err == nil {
			return nil
		}
		if !isENOBUFS(err) {
			return fmt.Errorf("sink: udp write: %w", err)
		}
		if attempt >= maxENOBUFSRetries {
			return fmt.Errorf("sink: udp write: ENOBUFS after %d retries: %w", attempt, err)
		}
		log.Printf("sink: udp ENOBUFS, retrying (attempt %d)", attempt+1)
		time.Sleep(time.Millisecond)
	}
}

func (s *udpSink) Conn() net.Conn { return s.conn }

func (s *udpSink) IsDatagram() bool { return true }

func (s *udpSink) Close() error { return s.conn.Close() }
