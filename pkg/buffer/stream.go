package buffer

import (
	"errors"
	"fmt"
)

// ErrContainerTooLarge is returned when a length-prefixed container's
// encoded length exceeds MaxContainerLen — treated as corrupt input rather
// than a soft warning, since a library has no caller-visible log sink
// guarantee to fall back on.
var ErrContainerTooLarge = errors.New("buffer: container length exceeds guard")

// SeekWhence selects the reference point for Stream.Seek.
type SeekWhence int

const (
	SeekStart SeekWhence = iota
	SeekCurrent
	SeekEnd
)

// Stream is a non-owning read cursor over a Buffer's bytes. Any short read
// sets a sticky "bad" flag that subsequent integer pulls will honor by
// returning zero values without touching the cursor further.
type Stream struct {
	data []byte
	pos  int
	bad  bool
}

// NewStream returns a Stream positioned at the start of data. The slice is
// not copied; the caller must not mutate it while the Stream is in use.
func NewStream(data []byte) *Stream {
	return &Stream{data: data}
}

// Pos returns the current read position.
func (s *Stream) Pos() int { return s.pos }

// Remaining returns the number of unread bytes.
func (s *Stream) Remaining() int {
	if s.pos >= len(s.data) {
		return 0
	}
	return len(s.data) - s.pos
}

// Bad reports whether a short read has occurred.
func (s *Stream) Bad() bool { return s.bad }

// Peek returns the next n bytes without advancing the cursor, or nil if
// fewer than n bytes remain.
func (s *Stream) Peek(n int) []byte {
	if s.Remaining() < n {
		return nil
	}
	return s.data[s.pos : s.pos+n]
}

// PopByte reads a single byte, setting Bad on underrun.
func (s *Stream) PopByte() byte {
	if s.bad || s.Remaining() < 1 {
		s.bad = true
		return 0
	}
	v := s.data[s.pos]
	s.pos++
	return v
}

// ReadN reads exactly n bytes, setting Bad and returning nil on underrun.
func (s *Stream) ReadN(n int) []byte {
	if s.bad || n < 0 || s.Remaining() < n {
		s.bad = true
		return nil
	}
	out := make([]byte, n)
	copy(out, s.data[s.pos:s.pos+n])
	s.pos += n
	return out
}

// Seek repositions the cursor relative to whence. It clamps to [0, len]
// and never sets Bad (an out-of-range seek simply clamps, matching the
// teacher corpus's tolerant parsing style).
func (s *Stream) Seek(offset int, whence SeekWhence) {
	var base int
	switch whence {
	case SeekStart:
		base = 0
	case SeekCurrent:
		base = s.pos
	case SeekEnd:
		base = len(s.data)
	}
	np := base + offset
	if np < 0 {
		np = 0
	}
	if np > len(s.data) {
		np = len(s.data)
	}
	s.pos = np
}

// Pull16 reads a 16-bit integer. On underrun it sets Bad and returns 0.
func (s *Stream) Pull16(order Order) uint16 {
	b := s.ReadN(2)
	if b == nil {
		return 0
	}
	if order == LSBFirst {
		return uint16(b[0]) | uint16(b[1])<<8
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

// Pull24 reads a 24-bit integer. On underrun it sets Bad and returns 0.
func (s *Stream) Pull24(order Order) uint32 {
	b := s.ReadN(3)
	if b == nil {
		return 0
	}
	if order == LSBFirst {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// Pull32 reads a 32-bit integer. On underrun it sets Bad and returns 0.
func (s *Stream) Pull32(order Order) uint32 {
	b := s.ReadN(4)
	if b == nil {
		return 0
	}
	if order == LSBFirst {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Pull64 reads a 64-bit integer. On underrun it sets Bad and returns 0.
func (s *Stream) Pull64(order Order) uint64 {
	b := s.ReadN(8)
	if b == nil {
		return 0
	}
	var v uint64
	if order == LSBFirst {
		for i := 7; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
	} else {
		for i := 0; i < 8; i++ {
			v = v<<8 | uint64(b[i])
		}
	}
	return v
}

// PullSigned16/24/32/64 reinterpret the unsigned pull results as signed.
func (s *Stream) PullSigned16(order Order) int16 { return int16(s.Pull16(order)) }
func (s *Stream) PullSigned24(order Order) int32 {
	v := s.Pull24(order)
	if v&0x800000 != 0 {
		v |= 0xFF000000
	}
	return int32(v)
}
func (s *Stream) PullSigned32(order Order) int32 { return int32(s.Pull32(order)) }
func (s *Stream) PullSigned64(order Order) int64 { return int64(s.Pull64(order)) }

// PullBool reads a boolean-as-byte.
func (s *Stream) PullBool() bool { return s.PopByte() != 0 }

// PullContainer reads a 32-bit LSB length prefix followed by that many
// bytes, refusing to trust a length field beyond MaxContainerLen.
func (s *Stream) PullContainer() ([]byte, error) {
	n := s.Pull32(LSBFirst)
	if s.bad {
		return nil, fmt.Errorf("buffer: short read of container length")
	}
	if n > MaxContainerLen {
		return nil, ErrContainerTooLarge
	}
	data := s.ReadN(int(n))
	if data == nil {
		return nil, fmt.Errorf("buffer: container declares %d bytes, only %d remain", n, s.Remaining())
	}
	return data, nil
}
