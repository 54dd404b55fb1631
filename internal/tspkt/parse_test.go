package tspkt

import "testing"

func mkPacket(pid uint16, pcr uint64, withPCR bool) []byte {
	pkt := make([]byte, Size)
	pkt[0] = SyncByte
	pkt[1] = byte(pid >> 8 & 0x1F)
	pkt[2] = byte(pid)
	if !withPCR {
		pkt[3] = 0x10 // payload only, no adaptation field
		return pkt
	}
	pkt[3] = 0x30 // adaptation field + payload
	pkt[4] = 7    // adaptation field length
	pkt[5] = 0x10 // PCR flag set
	base := pcr / 300
	ext := pcr % 300
	pkt[6] = byte(base >> 25)
	pkt[7] = byte(base >> 17)
	pkt[8] = byte(base >> 9)
	pkt[9] = byte(base >> 1)
	pkt[10] = byte(base<<7) | byte(ext>>8)
	pkt[11] = byte(ext)
	return pkt
}

func TestPIDExtraction(t *testing.T) {
	pkt := mkPacket(0x1FFF, 0, false)
	if got := PID(pkt); got != 0x1FFF {
		t.Fatalf("PID = %#x, want 0x1fff", got)
	}
}

func TestPCRRoundTrip(t *testing.T) {
	want := uint64(2_700_000)
	pkt := mkPacket(0x100, want, true)
	got, ok := PCR(pkt)
	if !ok {
		t.Fatal("expected a PCR")
	}
	if got != want {
		t.Fatalf("PCR = %d, want %d", got, want)
	}
}

func TestPCRAbsentWithoutAdaptationField(t *testing.T) {
	pkt := mkPacket(0x100, 0, false)
	if _, ok := PCR(pkt); ok {
		t.Fatal("expected no PCR when there's no adaptation field")
	}
}

func TestValidRejectsWrongSyncByte(t *testing.T) {
	pkt := mkPacket(0x100, 0, false)
	pkt[0] = 0x00
	if Valid(pkt) {
		t.Fatal("Valid should reject a bad sync byte")
	}
}

func TestValidRejectsEOFSentinel(t *testing.T) {
	if Valid([]byte{0x01}) {
		t.Fatal("Valid should reject the 1-byte EOF sentinel")
	}
}
