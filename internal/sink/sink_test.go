package sink

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/snapetech/tswrite/internal/config"
)

func TestFileSinkWritesExactBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.ts")

	s, err := Open(config.SinkFile, path, 0, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p0 := make([]byte, 188)
	p0[0] = 0x47
	p1 := make([]byte, 188)
	p1[0] = 0x47
	if err := s.WriteAll(context.Background(), p0); err != nil {
		t.Fatalf("WriteAll p0: %v", err)
	}
	if err := s.WriteAll(context.Background(), p1); err != nil {
		t.Fatalf("WriteAll p1: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 376 {
		t.Fatalf("len(got) = %d, want 376", len(got))
	}
	if got[0] != 0x47 || got[188] != 0x47 {
		t.Fatalf("sync bytes not preserved: got[0]=%x got[188]=%x", got[0], got[188])
	}
}

func TestUDPSinkSendsWholeDatagram(t *testing.T) {
	laddr, err := net.ResolveUDPAddr("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	listener, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer listener.Close()

	port := listener.LocalAddr().(*net.UDPAddr).Port
	s, err := Open(config.SinkUDP, "127.0.0.1", port, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	payload := make([]byte, 7*188)
	payload[0] = 0x47
	if err := s.WriteAll(context.Background(), payload); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	buf := make([]byte, 4096)
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("received %d bytes, want %d", n, len(payload))
	}
}

func TestTCPSinkStreamsBytes(t *testing.T) {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := listener.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	s, err := Open(config.SinkTCP, "127.0.0.1", addr.Port, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	conn := <-accepted
	defer conn.Close()

	payload := make([]byte, 376)
	payload[0] = 0x47
	payload[188] = 0x47
	if err := s.WriteAll(context.Background(), payload); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	got := make([]byte, 376)
	if _, err := readFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got[0] != 0x47 || got[188] != 0x47 {
		t.Fatalf("sync bytes not preserved")
	}

	if s.Conn() == nil {
		t.Fatal("Conn() should expose the underlying connection for TCP sinks")
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
