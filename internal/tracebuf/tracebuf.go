// Package tracebuf implements a small fixed-size circular buffer used
// to capture the last bytes of wire traffic for a socket so a crash or
// a protocol violation can be dumped for later inspection.
package tracebuf

import (
	"fmt"
	"os"
)

const size = 4096

// Buf is a 4096-byte ring. Create one with New: the zero value has
// start 0, so it does not report Empty.
type Buf struct {
	data  [size]byte
	start int // -1 means empty
	end   int
}

// New returns an empty trace buffer.
func New() *Buf {
	return &Buf{start: -1}
}

// Empty reports whether nothing has been recorded yet.
func (b *Buf) Empty() bool {
	return b.start < 0
}

// Append records data, truncating to the most recent `size` bytes
// overall if data itself is larger than the buffer.
func (b *Buf) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	if len(data) >= size {
		data = data[len(data)-size:]
		copy(b.data[:], data)
		b.start = 0
		b.end = 0 // full: end has wrapped round to start
		return
	}

	wasEmpty := b.Empty()
	if wasEmpty {
		b.start = 0
		b.end = 0
	}

	for i, c := range data {
		if b.end == b.start && !(wasEmpty && i == 0) {
			// buffer full, advance start to drop oldest byte
			b.start = (b.start + 1) % size
		}
		b.data[b.end] = c
		b.end = (b.end + 1) % size
	}
}

// Bytes returns the recorded bytes in chronological order.
func (b *Buf) Bytes() []byte {
	if b.Empty() {
		return nil
	}
	if b.end > b.start {
		out := make([]byte, b.end-b.start)
		copy(out, b.data[b.start:b.end])
		return out
	}
	// wrapped: two segments, start..end of array then 0..end
	out := make([]byte, 0, size)
	out = append(out, b.data[b.start:]...)
	out = append(out, b.data[:b.end]...)
	return out
}

// Dump writes the buffer's contents to a new file under dir (created
// with mode 0777, matching the upstream /tmp/pgbouncer-trace/
// convention) and returns its path. The file itself is created 0666.
func Dump(b *Buf, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return "", fmt.Errorf("tracebuf: mkdir %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "trace-*")
	if err != nil {
		return "", fmt.Errorf("tracebuf: create temp file: %w", err)
	}
	defer f.Close()
	if err := f.Chmod(0666); err != nil {
		return "", fmt.Errorf("tracebuf: chmod: %w", err)
	}
	if _, err := f.Write(b.Bytes()); err != nil {
		return "", fmt.Errorf("tracebuf: write: %w", err)
	}
	return f.Name(), nil
}
