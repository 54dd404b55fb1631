// Package m2ts reorders BDAV M2TS packets into plain TS packets (spec §4.7).
//
// Each M2TS packet is a 4-byte big-endian timestamp header followed by one
// 188-byte TS packet. The header's low 30 bits are a 27MHz counter that
// wraps roughly every 40 seconds; a backward timestamp is treated as a
// genuine discontinuity rather than unwrapped, matching the original tool.
package m2ts

import "fmt"

// PacketSize is the length of one TS packet carried inside an M2TS frame.
const PacketSize = 188

// M2TSPacketSize is the length of one M2TS frame: a 4-byte timestamp header
// plus one TS packet.
const M2TSPacketSize = 4 + PacketSize

// timestampMask extracts the low 30 bits carrying the 27MHz counter.
const timestampMask = 0x3FFFFFFF

// DefaultWindow is the reorder buffer's default depth.
const DefaultWindow = 4

// entry is one buffered packet. next/prev are slice indices into
// Buffer.entries rather than pointers, so the list needs no separate
// allocator and nothing to free: the original's malloc'd doubly linked
// list becomes an index-based free list (spec §9).
type entry struct {
	timestamp uint32
	packet    [PacketSize]byte
	next      int
	prev      int
	inUse     bool
}

const nilIdx = -1

// Buffer is the bounded sliding window described in spec §4.7: a doubly
// linked insertion-sorted list on timestamp, sorted tail-first so the
// common in-order (or only slightly late) case is O(1).
type Buffer struct {
	window  int
	entries []entry
	free    []int
	head    int
	tail    int
	count   int
}

// NewBuffer creates a reorder buffer with the given window depth. A window
// of 0 is a legal immediate-flush passthrough (every Push pops straight
// back out, byte-for-byte, reordering nothing): only a negative or unset
// depth falls back to DefaultWindow, matching the original's
// unsigned_value(..., 0, ...) minimum (m2ts2ts.c).
func NewBuffer(window int) *Buffer {
	if window < 0 {
		window = DefaultWindow
	}
	return &Buffer{
		window: window,
		head:   nilIdx,
		tail:   nilIdx,
	}
}

// alloc returns an index for a fresh entry, growing entries if the free
// list is empty.
func (b *Buffer) alloc() int {
	if n := len(b.free); n > 0 {
		idx := b.free[n-1]
		b.free = b.free[:n-1]
		return idx
	}
	b.entries = append(b.entries, entry{})
	return len(b.entries) - 1
}

func (b *Buffer) release(idx int) {
	b.entries[idx] = entry{}
	b.free = append(b.free, idx)
}

// ParseHeader extracts the 30-bit timestamp from an M2TS frame's 4-byte header.
func ParseHeader(header [4]byte) uint32 {
	v := uint32(header[0])<<24 | uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3])
	return v & timestampMask
}

// Push inserts one M2TS frame (4-byte header + 188-byte TS packet) into the
// reorder window, walking from the tail backward while the existing entry's
// timestamp is strictly greater (spec §4.7 step 3: equal timestamps keep
// insertion order). If the window is now over capacity, it pops the head
// and returns its TS packet for output.
func (b *Buffer) Push(frame []byte) (out []byte, popped bool, err error) {
	if len(frame) != M2TSPacketSize {
		return nil, false, fmt.Errorf("m2ts: frame is %d bytes, want %d", len(frame), M2TSPacketSize)
	}
	var header [4]byte
	copy(header[:], frame[:4])
	ts := ParseHeader(header)

	idx := b.alloc()
	e := &b.entries[idx]
	e.timestamp = ts
	copy(e.packet[:], frame[4:])
	e.inUse = true
	e.next, e.prev = nilIdx, nilIdx
	b.insert(idx)
	b.count++

	if b.count > b.window {
		return b.popHead(), true, nil
	}
	return nil, false, nil
}

// insert walks from the tail backward while existing.timestamp > new's,
// so strictly-increasing input is O(1) (spec §4.7 step 3).
func (b *Buffer) insert(idx int) {
	newTS := b.entries[idx].timestamp
	cursor := b.tail
	for cursor != nilIdx && b.entries[cursor].timestamp > newTS {
		cursor = b.entries[cursor].prev
	}
	if cursor == nilIdx {
		// goes at the head
		b.entries[idx].next = b.head
		if b.head != nilIdx {
			b.entries[b.head].prev = idx
		}
		b.head = idx
		if b.tail == nilIdx {
			b.tail = idx
		}
		return
	}
	// insert after cursor
	after := b.entries[cursor].next
	b.entries[idx].prev = cursor
	b.entries[idx].next = after
	b.entries[cursor].next = idx
	if after != nilIdx {
		b.entries[after].prev = idx
	} else {
		b.tail = idx
	}
}

// popHead removes and returns the head entry's TS packet.
func (b *Buffer) popHead() []byte {
	idx := b.head
	e := b.entries[idx]
	b.head = e.next
	if b.head != nilIdx {
		b.entries[b.head].prev = nilIdx
	} else {
		b.tail = nilIdx
	}
	b.count--
	out := make([]byte, PacketSize)
	copy(out, e.packet[:])
	b.release(idx)
	return out
}

// Drain flushes all remaining buffered packets in timestamp order, for use
// on EOF (spec §4.7 "On EOF: drain by writing all remaining entries").
func (b *Buffer) Drain() [][]byte {
	out := make([][]byte, 0, b.count)
	for b.head != nilIdx {
		out = append(out, b.popHead())
	}
	return out
}

// Len reports the number of packets currently buffered.
func (b *Buffer) Len() int { return b.count }
