package netcore

import "encoding/binary"

// Buffer is the opaque byte region a comm point reads into and writes out
// of. It tracks position/limit/capacity the way the spec's data model
// requires, so the TCP framing state machine can tell "still reading the
// length prefix" from "prefix done, reading up to limit" without the caller
// re-deriving it from raw slice lengths.
type Buffer struct {
	data     []byte
	position int
	limit    int
}

// NewBuffer allocates a buffer with the given capacity (e.g. 65535 for a
// TCP handler, or the configured UDP datagram size).
func NewBuffer(capacity int) *Buffer {
	return &Buffer{
		data:     make([]byte, capacity),
		position: 0,
		limit:    capacity,
	}
}

// Capacity is the fixed size of the underlying region.
func (b *Buffer) Capacity() int { return len(b.data) }

// Position is the current read/write cursor.
func (b *Buffer) Position() int { return b.position }

// Limit is the current readable/writable boundary.
func (b *Buffer) Limit() int { return b.limit }

// SetPosition moves the cursor. Panics if out of [0, limit] — an invariant
// violation, not a transport condition.
func (b *Buffer) SetPosition(p int) {
	if p < 0 || p > b.limit {
		panic("netcore: buffer position out of range")
	}
	b.position = p
}

// SetLimit sets the readable/writable boundary. Panics if it exceeds
// capacity.
func (b *Buffer) SetLimit(l int) {
	if l < 0 || l > len(b.data) {
		panic("netcore: buffer limit out of range")
	}
	b.limit = l
	if b.position > b.limit {
		b.position = b.limit
	}
}

// Clear resets position to 0 and limit to capacity, for a fresh write/read
// cycle (e.g. re-arming a TCP handler after a reply is sent).
func (b *Buffer) Clear() {
	b.position = 0
	b.limit = len(b.data)
}

// Flip switches from write mode to read mode: limit becomes the current
// position (how much was written), position resets to 0.
func (b *Buffer) Flip() {
	b.limit = b.position
	b.position = 0
}

// Remaining is how many bytes are left between position and limit.
func (b *Buffer) Remaining() int { return b.limit - b.position }

// Bytes returns the slice between position and limit, for handing to
// sendto/write without a copy.
func (b *Buffer) Bytes() []byte { return b.data[b.position:b.limit] }

// WriteSlice copies src into the buffer starting at position, advancing
// position by len(src). Panics if it would overrun the limit.
func (b *Buffer) WriteSlice(src []byte) {
	if b.position+len(src) > b.limit {
		panic("netcore: buffer write overruns limit")
	}
	n := copy(b.data[b.position:], src)
	b.position += n
}

// Advance moves position forward by n bytes, as happens after a partial
// recv/send fills part of the remaining space. Panics if it would overrun
// the limit.
func (b *Buffer) Advance(n int) {
	if b.position+n > b.limit {
		panic("netcore: buffer advance overruns limit")
	}
	b.position += n
}

// Raw exposes the full underlying array, for callers (recvfrom/recvmsg)
// that need to pick their own write window ([position:capacity] rather than
// [position:limit], as during TCP length-prefix reads before the limit is
// known).
func (b *Buffer) Raw() []byte { return b.data }

// ReadLenPrefixed interprets the first two bytes at position 0 as a
// big-endian length prefix, mirroring the original source's small
// buffer_read/write helpers for the TCP wire format.
func ReadLenPrefixed(prefix []byte) uint16 {
	return binary.BigEndian.Uint16(prefix)
}

// WriteLenPrefixed encodes n as a big-endian 16-bit length prefix.
func WriteLenPrefixed(n int) [2]byte {
	var out [2]byte
	binary.BigEndian.PutUint16(out[:], uint16(n))
	return out
}
