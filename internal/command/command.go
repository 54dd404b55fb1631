// Package command implements the non-blocking single-byte command channel
// a TCP peer uses to steer playback (spec §4.6, §6).
package command

import (
	"context"
	"net"
	"sync/atomic"
)

// Command is the playback command enum recognised on the command socket.
type Command int32

const (
	CmdNone Command = iota
	CmdQuit
	CmdNormal
	CmdPause
	CmdFast
	CmdFastFast
	CmdReverse
	CmdFastReverse
	CmdSkipForward
	CmdSkipBackward
	CmdSkipForwardLots
	CmdSkipBackwardLots
	// CmdSelectFile0..CmdSelectFile9 are CmdSelectFile0+n for digit n.
	CmdSelectFile0
)

// SelectFile returns the SELECT_FILE_n command for digit n (0-9).
func SelectFile(n int) Command { return CmdSelectFile0 + Command(n) }

// byteToCommand maps a single byte to its command per spec §6's table.
// Newline and unrecognised bytes return ok=false and are ignored silently.
// Skip commands are "atomic" (spec §4.6): they suppress command_changed
// observation until the caller finishes executing them.
func byteToCommand(b byte) (cmd Command, atomic bool, ok bool) {
	switch {
	case b == 'q':
		return CmdQuit, false, true
	case b == 'n':
		return CmdNormal, false, true
	case b == 'p':
		return CmdPause, false, true
	case b == 'f':
		return CmdFast, false, true
	case b == 'F':
		return CmdFastFast, false, true
	case b == 'r':
		return CmdReverse, false, true
	case b == 'R':
		return CmdFastReverse, false, true
	case b == '>':
		return CmdSkipForward, true, true
	case b == '<':
		return CmdSkipBackward, true, true
	case b == ']':
		return CmdSkipForwardLots, true, true
	case b == '[':
		return CmdSkipBackwardLots, true, true
	case b >= '0' && b <= '9':
		return SelectFile(int(b - '0')), false, true
	default:
		return CmdNone, false, false
	}
}

// Channel reads commands from a TCP peer in the background and publishes
// the most recent one for a caller to poll (spec §4.6). It is lock-free,
// following the edge-coalesced notification-channel idiom the pack uses
// for single-producer/single-consumer handoffs (see shmring in the
// reference corpus) instead of the original's raw non-blocking-socket
// multiplexing.
type Channel struct {
	conn     net.Conn
	command  atomic.Int32
	changed  atomic.Bool
	isAtomic atomic.Bool
	closed   atomic.Bool
	events   atomic.Int64

	notify   chan struct{} // signalled (coalesced) whenever a new command lands
	consumed chan struct{} // signalled by Consume to let the reader proceed

	// OnBytes, if set, is called with the number of bytes read from conn on
	// every successful Read. Used by internal/metrics to count command traffic.
	OnBytes func(n int)
}

// Listen starts reading single-byte commands from conn in the background.
// EOF or a read error is mapped to QUIT with changed set (spec §4.6, §7).
// An optional onBytes callback, if given, is wired before the reader starts
// so no bytes are ever read unaccounted for.
func Listen(conn net.Conn, onBytes ...func(int)) *Channel {
	c := &Channel{
		conn:     conn,
		notify:   make(chan struct{}, 1),
		consumed: make(chan struct{}, 1),
	}
	if len(onBytes) > 0 {
		c.OnBytes = onBytes[0]
	}
	go c.readLoop()
	return c
}

func (c *Channel) readLoop() {
	var buf [1]byte
	for {
		n, err := c.conn.Read(buf[:])
		if n > 0 && c.OnBytes != nil {
			c.OnBytes(n)
		}
		if err != nil || n == 0 {
			c.publish(CmdQuit, false)
			c.closed.Store(true)
			return
		}
		cmd, isAtomic, ok := byteToCommand(buf[0])
		if !ok {
			continue
		}
		// Only one unconsumed command is buffered at a time: wait for the
		// caller to Consume() the previous one before publishing this one,
		// so it can never be silently overwritten. The loop re-checks the
		// flag because a Consume with no reader waiting leaves a stale token.
		for c.changed.Load() {
			<-c.consumed
		}
		c.events.Add(1)
		c.publish(cmd, isAtomic)
	}
}

func (c *Channel) publish(cmd Command, isAtomic bool) {
	c.command.Store(int32(cmd))
	c.isAtomic.Store(isAtomic)
	c.changed.Store(true)
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Peek returns the current command and whether it is unconsumed, without
// clearing it. Used by a layer that only cares about one specific command
// (QUIT) and wants to leave anything else for another layer to Consume.
func (c *Channel) Peek() (Command, bool) {
	return Command(c.command.Load()), c.changed.Load()
}

// Consume returns the current command and whether it was unconsumed,
// then clears the changed flag and lets the background reader continue.
func (c *Channel) Consume() (Command, bool) {
	had := c.changed.Load()
	cmd := Command(c.command.Load())
	c.changed.Store(false)
	select {
	case c.consumed <- struct{}{}:
	default:
	}
	return cmd, had
}

// Changed reports whether an unconsumed command is waiting, unless an
// atomic command's action is still in progress (spec §4.6's
// atomic_command suppression).
func (c *Channel) Changed() bool {
	if c.isAtomic.Load() {
		return false
	}
	return c.changed.Load()
}

// EndAtomic clears the atomic suppression once the caller has finished
// executing a skip-forward/skip-backward action.
func (c *Channel) EndAtomic() { c.isAtomic.Store(false) }

// Closed reports whether the command socket hit EOF or an error.
func (c *Channel) Closed() bool { return c.closed.Load() }

// Events returns how many recognised command bytes have been read from the
// peer so far (spec's run-history "command events" column; EOF/error
// closures that synthesize a QUIT are not counted as peer commands).
func (c *Channel) Events() int64 { return c.events.Load() }

// WaitForCommand blocks until a new command is available, for implementing
// PAUSE (spec §4.6's wait_for_command).
func (c *Channel) WaitForCommand(ctx context.Context) (Command, error) {
	for {
		if c.changed.Load() {
			return Command(c.command.Load()), nil
		}
		select {
		case <-c.notify:
			continue
		case <-ctx.Done():
			return CmdNone, ctx.Err()
		}
	}
}
