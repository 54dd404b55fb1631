package sink

import (
	"context"
	"net"
	"os"
)

type fileSink struct {
	f        *os.File
	ownsFile bool
}

func (s *fileSink) WriteAll(_ context.Context, b []byte) error {
	return writeAllLoop(s.f, b)
}

func (s *fileSink) Conn() net.Conn { return nil }

func (s *fileSink) IsDatagram() bool { return false }

func (s *fileSink) Close() error {
	if !s.ownsFile {
		return nil
	}
	return s.f.Close()
}
