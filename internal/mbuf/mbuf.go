// Package mbuf implements the read/write byte-buffer primitives the
// protocol layer is built on: a read cursor over a borrowed byte slice
// (MBuf) and a small growable write buffer (PktBuf).
package mbuf

import (
	"encoding/binary"
	"errors"
)

// ErrShort is returned when a caller asks for more bytes than remain.
var ErrShort = errors.New("mbuf: short read")

// MBuf is a read cursor over a byte slice it does not own. Copies are
// cheap (a slice header) and intentional: the framer hands out MBuf
// views into a connection's read buffer without copying bytes.
type MBuf struct {
	data []byte
	pos  int
}

// New wraps data for reading from the start.
func New(data []byte) *MBuf {
	return &MBuf{data: data}
}

// Avail reports how many unread bytes remain.
func (m *MBuf) Avail() int {
	return len(m.data) - m.pos
}

// Bytes returns the unread remainder without consuming it.
func (m *MBuf) Bytes() []byte {
	return m.data[m.pos:]
}

// Copy returns an independent cursor over the same remaining bytes.
func (m *MBuf) Copy() *MBuf {
	return &MBuf{data: m.data, pos: m.pos}
}

// GetByte consumes and returns one byte.
func (m *MBuf) GetByte() (byte, error) {
	if m.Avail() < 1 {
		return 0, ErrShort
	}
	b := m.data[m.pos]
	m.pos++
	return b, nil
}

// GetUint16 consumes a big-endian uint16.
func (m *MBuf) GetUint16() (uint16, error) {
	if m.Avail() < 2 {
		return 0, ErrShort
	}
	v := binary.BigEndian.Uint16(m.data[m.pos:])
	m.pos += 2
	return v, nil
}

// GetUint32 consumes a big-endian uint32.
func (m *MBuf) GetUint32() (uint32, error) {
	if m.Avail() < 4 {
		return 0, ErrShort
	}
	v := binary.BigEndian.Uint32(m.data[m.pos:])
	m.pos += 4
	return v, nil
}

// GetBytes consumes and returns n raw bytes.
func (m *MBuf) GetBytes(n int) ([]byte, error) {
	if n < 0 || m.Avail() < n {
		return nil, ErrShort
	}
	b := m.data[m.pos : m.pos+n]
	m.pos += n
	return b, nil
}

// GetString consumes a NUL-terminated string, including the NUL.
func (m *MBuf) GetString() (string, error) {
	rest := m.Bytes()
	for i, b := range rest {
		if b == 0 {
			s := string(rest[:i])
			m.pos += i + 1
			return s, nil
		}
	}
	return "", ErrShort
}

// Slice consumes n bytes and returns a fresh cursor over just them.
func (m *MBuf) Slice(n int) (*MBuf, error) {
	b, err := m.GetBytes(n)
	if err != nil {
		return nil, err
	}
	return New(b), nil
}

// PktBuf is a small append-only write buffer for building outbound
// packets before a single write(2) call.
type PktBuf struct {
	buf []byte
}

// NewPktBuf returns an empty write buffer.
func NewPktBuf() *PktBuf {
	return &PktBuf{}
}

// Bytes returns the accumulated bytes.
func (p *PktBuf) Bytes() []byte {
	return p.buf
}

// Len reports how many bytes have been written so far.
func (p *PktBuf) Len() int {
	return len(p.buf)
}

// PutByte appends one byte.
func (p *PktBuf) PutByte(b byte) {
	p.buf = append(p.buf, b)
}

// PutBytes appends raw bytes verbatim.
func (p *PktBuf) PutBytes(b []byte) {
	p.buf = append(p.buf, b...)
}

// PutString appends s followed by a NUL terminator.
func (p *PktBuf) PutString(s string) {
	p.buf = append(p.buf, s...)
	p.buf = append(p.buf, 0)
}

// PutUint16 appends a big-endian uint16.
func (p *PktBuf) PutUint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	p.buf = append(p.buf, tmp[:]...)
}

// PutUint32 appends a big-endian uint32.
func (p *PktBuf) PutUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	p.buf = append(p.buf, tmp[:]...)
}

// StartPacket writes a type byte and reserves 4 bytes for the length
// (which includes itself, per the v3 wire format), returning the
// offset to patch once the body is known.
func (p *PktBuf) StartPacket(typ byte) int {
	p.PutByte(typ)
	lenOff := len(p.buf)
	p.PutUint32(0)
	return lenOff
}

// FinishPacket patches the length field written by StartPacket.
func (p *PktBuf) FinishPacket(lenOff int) {
	n := uint32(len(p.buf) - lenOff)
	binary.BigEndian.PutUint32(p.buf[lenOff:lenOff+4], n)
}
