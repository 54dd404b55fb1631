// Package sink provides the uniform write-to-file/stdout/TCP/UDP
// abstraction the pacer writes through (spec §4.1, §6).
package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/net/ipv4"

	"github.com/snapetech/tswrite/internal/config"
)

// Sink is the uniform write target for paced TS output.
type Sink interface {
	// WriteAll writes exactly len(b) bytes, looping on short writes.
	WriteAll(ctx context.Context, b []byte) error
	// Conn exposes the underlying net.Conn for TCP sinks, so the command
	// channel (spec §4.6) can read commands interleaved with data writes.
	// Returns nil for non-network sinks.
	Conn() net.Conn
	// IsDatagram reports whether write failures are non-fatal (spec §4.5
	// step 7: UDP failures are logged and swallowed, every other sink
	// kind treats a write error as fatal to the pipeline).
	IsDatagram() bool
	Close() error
}

// multicastTTL is the TTL the original tool sets for UDP multicast output
// (spec §4.1).
const multicastTTL = 5

// Open opens a sink of the given kind. For UDP destinations inside
// 224.0.0.0/4, it sets IP_MULTICAST_TTL and, if multicastIF is non-empty,
// IP_MULTICAST_IF.
func Open(kind config.SinkKind, destination string, port int, multicastIF string) (Sink, error) {
	switch kind {
	case config.SinkStdout:
		return &fileSink{f: os.Stdout, ownsFile: false}, nil
	case config.SinkFile:
		f, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o777)
		if err != nil {
			return nil, fmt.Errorf("sink: open file %q: %w", destination, err)
		}
		return &fileSink{f: f, ownsFile: true}, nil
	case config.SinkTCP:
		addr := fmt.Sprintf("%s:%d", destination, port)
		conn, err := net.Dial("tcp4", addr)
		if err != nil {
			return nil, fmt.Errorf("sink: dial tcp %s: %w", addr, err)
		}
		return &tcpSink{conn: conn.(*net.TCPConn)}, nil
	case config.SinkUDP:
		return openUDP(destination, port, multicastIF)
	default:
		return nil, fmt.Errorf("sink: unknown kind %v", kind)
	}
}

func openUDP(destination string, port int, multicastIF string) (Sink, error) {
	addr := fmt.Sprintf("%s:%d", destination, port)
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("sink: resolve udp %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("sink: dial udp %s: %w", addr, err)
	}
	s := &udpSink{conn: conn}
	if raddr.IP.IsMulticast() {
		pc := ipv4.NewPacketConn(conn)
		if err := pc.SetMulticastTTL(multicastTTL); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sink: set multicast ttl: %w", err)
		}
		if multicastIF != "" {
			iface, err := interfaceForAddress(multicastIF)
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("sink: resolve multicast interface %q: %w", multicastIF, err)
			}
			if err := pc.SetMulticastInterface(iface); err != nil {
				conn.Close()
				return nil, fmt.Errorf("sink: set multicast interface: %w", err)
			}
		}
	}
	return s, nil
}

func interfaceForAddress(ip string) (*net.Interface, error) {
	wantIP := net.ParseIP(ip)
	if wantIP == nil {
		return nil, fmt.Errorf("not an IP address: %q", ip)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ifIP net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ifIP = v.IP
			case *net.IPAddr:
				ifIP = v.IP
			}
			if ifIP != nil && ifIP.Equal(wantIP) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no local interface has address %s", ip)
}

// writeAllLoop writes b in full, looping on short writes, as required for
// every sink kind (spec §4.1).
func writeAllLoop(w interface{ Write([]byte) (int, error) }, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// isENOBUFS reports whether err is the UDP-specific "no buffer space
// available" condition that spec §4.1/§7 treats as a retryable warning.
func isENOBUFS(err error) bool {
	return errors.Is(err, syscall.ENOBUFS)
}
