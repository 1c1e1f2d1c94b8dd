// Package buffer provides an append-only byte buffer and a non-owning
// read cursor over it, with width/endian-selectable integer codecs.
package buffer

import "fmt"

// Order selects the byte order used by integer push/pull operations.
type Order int

const (
	// LSBFirst is little-endian: least significant byte first.
	LSBFirst Order = iota
	// MSBFirst is big-endian: most significant byte first.
	MSBFirst
)

// MaxContainerLen bounds how large a length-prefixed container the codecs
// will allocate for, guarding against corrupt length fields.
const MaxContainerLen = 10 * 1024 * 1024 // 10 MiB

// Buffer is an append-only ordered sequence of bytes.
type Buffer struct {
	data []byte
}

// New returns an empty Buffer with capacity preallocated for hint bytes.
func New(hint int) *Buffer {
	if hint < 0 {
		hint = 0
	}
	return &Buffer{data: make([]byte, 0, hint)}
}

// FromBytes wraps an existing slice as a Buffer's backing store. The slice
// is copied so the Buffer owns its data.
func FromBytes(b []byte) *Buffer {
	buf := &Buffer{data: make([]byte, len(b))}
	copy(buf.data, b)
	return buf
}

// Bytes returns the buffer's full contents. The returned slice aliases the
// buffer's internal storage and must not be mutated by the caller.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of bytes currently stored.
func (b *Buffer) Len() int { return len(b.data) }

// View returns a sub-range [from:to) of the buffer as a slice.
func (b *Buffer) View(from, to int) []byte { return b.data[from:to] }

// PushByte appends a single byte.
func (b *Buffer) PushByte(v byte) { b.data = append(b.data, v) }

// PushBytes appends a slice of raw bytes.
func (b *Buffer) PushBytes(v []byte) { b.data = append(b.data, v...) }

// PushBool appends a boolean as a single byte (0x00 or 0x01).
func (b *Buffer) PushBool(v bool) {
	if v {
		b.PushByte(0x01)
	} else {
		b.PushByte(0x00)
	}
}

// Push16 appends a 16-bit integer in the given byte order.
func (b *Buffer) Push16(v uint16, order Order) {
	if order == LSBFirst {
		b.data = append(b.data, byte(v), byte(v>>8))
	} else {
		b.data = append(b.data, byte(v>>8), byte(v))
	}
}

// Push24 appends a 24-bit integer in the given byte order.
func (b *Buffer) Push24(v uint32, order Order) {
	if order == LSBFirst {
		b.data = append(b.data, byte(v), byte(v>>8), byte(v>>16))
	} else {
		b.data = append(b.data, byte(v>>16), byte(v>>8), byte(v))
	}
}

// Push32 appends a 32-bit integer in the given byte order.
func (b *Buffer) Push32(v uint32, order Order) {
	if order == LSBFirst {
		b.data = append(b.data, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	} else {
		b.data = append(b.data, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

// Push64 appends a 64-bit integer in the given byte order.
func (b *Buffer) Push64(v uint64, order Order) {
	if order == LSBFirst {
		for i := 0; i < 8; i++ {
			b.data = append(b.data, byte(v>>(8*i)))
		}
	} else {
		for i := 7; i >= 0; i-- {
			b.data = append(b.data, byte(v>>(8*i)))
		}
	}
}

// PushSigned16/24/32/64 append signed integers using the same bit layout
// as their unsigned counterparts.
func (b *Buffer) PushSigned16(v int16, order Order) { b.Push16(uint16(v), order) }
func (b *Buffer) PushSigned24(v int32, order Order) { b.Push24(uint32(v)&0xFFFFFF, order) }
func (b *Buffer) PushSigned32(v int32, order Order) { b.Push32(uint32(v), order) }
func (b *Buffer) PushSigned64(v int64, order Order) { b.Push64(uint64(v), order) }

// PushContainer writes a 32-bit LSB length prefix followed by data.
func (b *Buffer) PushContainer(data []byte) error {
	if len(data) > MaxContainerLen {
		return fmt.Errorf("buffer: container of %d bytes exceeds %d byte guard", len(data), MaxContainerLen)
	}
	b.Push32(uint32(len(data)), LSBFirst)
	b.PushBytes(data)
	return nil
}
