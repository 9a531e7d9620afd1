package mbuf

import "testing"

func TestPktBufRoundTrip(t *testing.T) {
	buf := NewPktBuf()
	off := buf.StartPacket('Q')
	buf.PutString("select 1")
	buf.FinishPacket(off)

	m := New(buf.Bytes())
	hdr, ok := GetHeader(m)
	if !ok {
		t.Fatalf("GetHeader failed to parse a freshly built packet")
	}
	if hdr.Type != 'Q' {
		t.Errorf("Type = %q, want 'Q'", hdr.Type)
	}
	got, err := hdr.Data.GetString()
	if err != nil || got != "select 1" {
		t.Errorf("payload = %q, %v; want %q", got, err, "select 1")
	}
}

func TestGetHeaderShortBuffer(t *testing.T) {
	m := New([]byte{'Q', 0, 0})
	if _, ok := GetHeader(m); ok {
		t.Fatalf("GetHeader should fail on a truncated header")
	}
}

func TestGetHeaderLegacyCancel(t *testing.T) {
	buf := NewPktBuf()
	buf.PutUint16(16) // wire length field for legacy packets
	buf.PutUint32(cancelRequestCode)
	buf.PutUint32(1234) // backend pid
	buf.PutUint32(5678) // cancel key
	full := append([]byte{0, 0}, buf.Bytes()...)

	hdr, ok := GetHeader(New(full))
	if !ok {
		t.Fatalf("GetHeader failed to parse a cancel request")
	}
	if hdr.Type != PktCancel {
		t.Errorf("Type = %v, want PktCancel", hdr.Type)
	}
	pid, _ := hdr.Data.GetUint32()
	key, _ := hdr.Data.GetUint32()
	if pid != 1234 || key != 5678 {
		t.Errorf("pid/key = %d/%d, want 1234/5678", pid, key)
	}
}

func TestGetHeaderLegacySSLRequest(t *testing.T) {
	buf := NewPktBuf()
	buf.PutUint16(8)
	buf.PutUint32(sslRequestCode)
	full := append([]byte{0, 0}, buf.Bytes()...)

	hdr, ok := GetHeader(New(full))
	if !ok || hdr.Type != PktSSLReq {
		t.Fatalf("expected PktSSLReq, got type=%v ok=%v", hdr.Type, ok)
	}
}

func TestGetHeaderLegacyStartup(t *testing.T) {
	buf := NewPktBuf()
	buf.PutUint16(8)
	buf.PutUint32(3 << 16) // protocol version 3.0, no trailing params
	full := append([]byte{0, 0}, buf.Bytes()...)

	hdr, ok := GetHeader(New(full))
	if !ok || hdr.Type != PktStartup {
		t.Fatalf("expected PktStartup, got type=%v ok=%v", hdr.Type, ok)
	}
}

func TestGetHeaderRejectsBogusLength(t *testing.T) {
	buf := NewPktBuf()
	off := buf.StartPacket('Q')
	buf.FinishPacket(off)
	raw := buf.Bytes()
	// corrupt the length field to claim a length shorter than the header itself
	raw[1], raw[2], raw[3], raw[4] = 0, 0, 0, 1
	if _, ok := GetHeader(New(raw)); ok {
		t.Fatalf("GetHeader accepted an impossible length")
	}
}
