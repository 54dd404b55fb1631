// Package tspkt parses the PID and PCR out of a 188-byte MPEG-2 TS packet,
// the minimum the producer needs to batch packets and feed the PCR-mode
// timing engine (spec §2, §4.4).
package tspkt

// SyncByte is the mandatory first byte of every TS packet.
const SyncByte = 0x47

// Size is the length of one TS packet.
const Size = 188

// PID extracts the 13-bit packet identifier from a valid TS packet header.
func PID(pkt []byte) uint16 {
	return (uint16(pkt[1]&0x1F) << 8) | uint16(pkt[2])
}

// PCR extracts the adaptation field's program clock reference, if present,
// as 27MHz ticks (33-bit base * 300 + 9-bit extension).
func PCR(pkt []byte) (pcr uint64, ok bool) {
	if len(pkt) != Size || pkt[0] != SyncByte {
		return 0, false
	}
	afc := (pkt[3] >> 4) & 0x03
	hasAdapt := afc == 2 || afc == 3
	if !hasAdapt {
		return 0, false
	}
	alen := int(pkt[4])
	if alen == 0 || 5+alen > len(pkt) {
		return 0, false
	}
	flags := pkt[5]
	if flags&0x10 == 0 || alen < 7 {
		return 0, false
	}
	return parsePCRField(pkt[6:12])
}

func parsePCRField(b []byte) (uint64, bool) {
	if len(b) < 6 {
		return 0, false
	}
	base := (uint64(b[0]) << 25) |
		(uint64(b[1]) << 17) |
		(uint64(b[2]) << 9) |
		(uint64(b[3]) << 1) |
		(uint64(b[4]) >> 7)
	ext := (uint64(b[4]&0x01) << 8) | uint64(b[5])
	return base*300 + ext, true
}

// Valid reports whether pkt looks like a genuine TS packet (right length,
// correct sync byte) as opposed to the ring's 1-byte EOF sentinel.
func Valid(pkt []byte) bool {
	return len(pkt) == Size && pkt[0] == SyncByte
}
