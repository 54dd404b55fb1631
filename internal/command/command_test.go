package command

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestByteToCommandTable(t *testing.T) {
	cases := []struct {
		b       byte
		want    Command
		atomic  bool
		wantOK  bool
	}{
		{'q', CmdQuit, false, true},
		{'n', CmdNormal, false, true},
		{'p', CmdPause, false, true},
		{'f', CmdFast, false, true},
		{'F', CmdFastFast, false, true},
		{'r', CmdReverse, false, true},
		{'R', CmdFastReverse, false, true},
		{'>', CmdSkipForward, true, true},
		{'<', CmdSkipBackward, true, true},
		{']', CmdSkipForwardLots, true, true},
		{'[', CmdSkipBackwardLots, true, true},
		{'5', SelectFile(5), false, true},
		{'\n', CmdNone, false, false},
		{'z', CmdNone, false, false},
	}
	for _, c := range cases {
		got, atomic, ok := byteToCommand(c.b)
		if ok != c.wantOK {
			t.Fatalf("byteToCommand(%q) ok = %v, want %v", c.b, ok, c.wantOK)
		}
		if !ok {
			continue
		}
		if got != c.want || atomic != c.atomic {
			t.Fatalf("byteToCommand(%q) = (%v,%v), want (%v,%v)", c.b, got, atomic, c.want, c.atomic)
		}
	}
}

func TestChannelDeliversCommand(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ch := Listen(server)

	go func() {
		client.Write([]byte{'p'})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd, err := ch.WaitForCommand(ctx)
	if err != nil {
		t.Fatalf("WaitForCommand: %v", err)
	}
	if cmd != CmdPause {
		t.Fatalf("cmd = %v, want CmdPause", cmd)
	}

	got, had := ch.Consume()
	if !had || got != CmdPause {
		t.Fatalf("Consume() = (%v,%v), want (CmdPause,true)", got, had)
	}
	if _, had := ch.Consume(); had {
		t.Fatal("second Consume() should report no unconsumed command")
	}
}

func TestChannelEOFMapsToQuit(t *testing.T) {
	client, server := net.Pipe()
	ch := Listen(server)
	client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd, err := ch.WaitForCommand(ctx)
	if err != nil {
		t.Fatalf("WaitForCommand: %v", err)
	}
	if cmd != CmdQuit {
		t.Fatalf("cmd = %v, want CmdQuit", cmd)
	}
	if !ch.Closed() {
		t.Fatal("Closed() should be true after EOF")
	}
}

func TestChannelAtomicSuppressesChanged(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ch := Listen(server)
	go func() {
		client.Write([]byte{'>'})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd, err := ch.WaitForCommand(ctx)
	if err != nil {
		t.Fatalf("WaitForCommand: %v", err)
	}
	if cmd != CmdSkipForward {
		t.Fatalf("cmd = %v, want CmdSkipForward", cmd)
	}
	if ch.Changed() {
		t.Fatal("Changed() should be suppressed while an atomic skip command is in progress")
	}
	ch.EndAtomic()
	if !ch.Changed() {
		t.Fatal("Changed() should report true once the atomic action ends and the command is still unconsumed")
	}
}

func TestChannelSuppressesSecondReadUntilConsumed(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ch := Listen(server)
	go func() {
		client.Write([]byte{'f'})
		client.Write([]byte{'r'})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd, err := ch.WaitForCommand(ctx)
	if err != nil {
		t.Fatalf("WaitForCommand: %v", err)
	}
	if cmd != CmdFast {
		t.Fatalf("cmd = %v, want CmdFast (second byte must be held back)", cmd)
	}

	select {
	case <-time.After(50 * time.Millisecond):
	}
	if got, _ := ch.Consume(); got != CmdFast {
		t.Fatalf("Consume() = %v, want CmdFast", got)
	}

	cmd2, err := ch.WaitForCommand(ctx)
	if err != nil {
		t.Fatalf("WaitForCommand (second): %v", err)
	}
	if cmd2 != CmdReverse {
		t.Fatalf("cmd2 = %v, want CmdReverse", cmd2)
	}
}
