package mbuf

// Packet type tags for the legacy (length-prefixed, no type byte)
// startup-family packets. These values never collide with a real v3
// message type byte because those are always ASCII letters.
const (
	PktStartup byte = 0
	PktCancel  byte = 1
	PktSSLReq  byte = 2
)

const (
	newHeaderLen = 5 // type byte + uint32 length
	oldHeaderLen = 8 // uint16 length + uint32 code, preceded by 2 zero bytes
)

const (
	cancelRequestCode = 80877102
	sslRequestCode    = 80877103
)

// PktHdr describes one framed packet: its type (a real ASCII wire tag
// for modern packets, or one of the Pkt* pseudo-types above for the
// legacy startup family), its total length including the header, and
// a cursor over exactly its payload.
type PktHdr struct {
	Type byte
	Len  uint32
	Data *MBuf
}

// GetHeader parses one packet header from the front of data without
// consuming data itself (data is a fresh cursor each call, mirroring
// the original mbuf_copy-then-parse discipline: callers only commit to
// consuming bytes from their real buffer once a full header is known).
// It returns ok=false if not enough bytes are buffered yet to tell.
func GetHeader(data *MBuf) (*PktHdr, bool) {
	hdr := data.Copy()

	if hdr.Avail() < newHeaderLen {
		return nil, false
	}

	typ, _ := hdr.GetByte()
	var length uint32
	var consumed int

	if typ != 0 {
		l, _ := hdr.GetUint32()
		length = l + 1 // wire length excludes the type byte
		consumed = newHeaderLen
	} else {
		zero, err := hdr.GetByte()
		if err != nil || zero != 0 {
			return nil, false
		}
		if hdr.Avail() < oldHeaderLen-2 {
			return nil, false
		}
		l16, _ := hdr.GetUint16()
		code, _ := hdr.GetUint32()
		switch {
		case code == cancelRequestCode:
			typ = PktCancel
		case code == sslRequestCode:
			typ = PktSSLReq
		case (code>>16) == 3 && (code&0xFFFF) < 2:
			typ = PktStartup
		default:
			return nil, false
		}
		length = uint32(l16)
		consumed = oldHeaderLen
	}

	if length < uint32(consumed) || length >= 0x80000000 {
		return nil, false
	}

	avail := data.Avail()
	want := int(length)
	if want > avail {
		want = avail
	}
	payload, _ := data.Copy().Slice(want)
	// tag the header bytes as already read within the payload view
	if payload.Avail() < consumed {
		return nil, false
	}
	_, _ = payload.GetBytes(consumed)

	return &PktHdr{Type: typ, Len: length, Data: payload}, true
}

// Complete reports whether the header describes a fully-buffered
// packet (as opposed to one whose body has not all arrived yet).
func (h *PktHdr) Complete(bufferedAfterHeader int) bool {
	return uint32(bufferedAfterHeader) >= h.Len
}
