package buffer

import (
	"bytes"
	"testing"
)

func TestPushPullRoundTrip(t *testing.T) {
	widths := []struct {
		name string
		push func(*Buffer, uint64, Order)
		pull func(*Stream, Order) uint64
	}{
		{"16", func(b *Buffer, v uint64, o Order) { b.Push16(uint16(v), o) }, func(s *Stream, o Order) uint64 { return uint64(s.Pull16(o)) }},
		{"24", func(b *Buffer, v uint64, o Order) { b.Push24(uint32(v), o) }, func(s *Stream, o Order) uint64 { return uint64(s.Pull24(o)) }},
		{"32", func(b *Buffer, v uint64, o Order) { b.Push32(uint32(v), o) }, func(s *Stream, o Order) uint64 { return uint64(s.Pull32(o)) }},
		{"64", func(b *Buffer, v uint64, o Order) { b.Push64(v, o) }, func(s *Stream, o Order) uint64 { return s.Pull64(o) }},
	}
	values := map[string]uint64{"16": 0xBEEF, "24": 0xABCDEF, "32": 0xDEADBEEF, "64": 0x0123456789ABCDEF}
	sizes := map[string]int{"16": 2, "24": 3, "32": 4, "64": 8}

	for _, w := range widths {
		for _, order := range []Order{LSBFirst, MSBFirst} {
			buf := New(0)
			w.push(buf, values[w.name], order)
			if buf.Len() != sizes[w.name] {
				t.Fatalf("width %s: encoded %d bytes, want %d", w.name, buf.Len(), sizes[w.name])
			}
			s := NewStream(buf.Bytes())
			got := w.pull(s, order)
			if got != values[w.name] {
				t.Fatalf("width %s order %d: got %#x want %#x", w.name, order, got, values[w.name])
			}
			if s.Bad() {
				t.Fatalf("width %s: stream unexpectedly bad", w.name)
			}
		}
	}
}

func TestPullShortSetsBad(t *testing.T) {
	s := NewStream([]byte{0x01})
	v := s.Pull32(LSBFirst)
	if v != 0 {
		t.Fatalf("short pull should return 0, got %d", v)
	}
	if !s.Bad() {
		t.Fatal("expected stream to be marked bad after short read")
	}
}

func TestPushBool(t *testing.T) {
	buf := New(0)
	buf.PushBool(true)
	buf.PushBool(false)
	if !bytes.Equal(buf.Bytes(), []byte{0x01, 0x00}) {
		t.Fatalf("got %x", buf.Bytes())
	}
}

func TestContainerRoundTrip(t *testing.T) {
	buf := New(0)
	payload := []byte{1, 2, 3, 4, 5}
	if err := buf.PushContainer(payload); err != nil {
		t.Fatal(err)
	}
	s := NewStream(buf.Bytes())
	got, err := s.PullContainer()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %v want %v", got, payload)
	}
}

func TestContainerGuardRejectsHugeLength(t *testing.T) {
	buf := New(0)
	buf.Push32(MaxContainerLen+1, LSBFirst)
	s := NewStream(buf.Bytes())
	_, err := s.PullContainer()
	if err != ErrContainerTooLarge {
		t.Fatalf("got err %v want ErrContainerTooLarge", err)
	}
}

func TestSeek(t *testing.T) {
	s := NewStream([]byte{0, 1, 2, 3, 4, 5})
	s.Seek(2, SeekStart)
	if s.Pos() != 2 {
		t.Fatalf("pos=%d", s.Pos())
	}
	s.Seek(1, SeekCurrent)
	if s.Pos() != 3 {
		t.Fatalf("pos=%d", s.Pos())
	}
	s.Seek(-1, SeekEnd)
	if s.Pos() != 5 {
		t.Fatalf("pos=%d", s.Pos())
	}
	s.Seek(100, SeekStart)
	if s.Pos() != 6 {
		t.Fatalf("seek should clamp, pos=%d", s.Pos())
	}
}

func TestSignedRoundTrip(t *testing.T) {
	buf := New(0)
	buf.PushSigned32(-12345, LSBFirst)
	s := NewStream(buf.Bytes())
	if got := s.PullSigned32(LSBFirst); got != -12345 {
		t.Fatalf("got %d want -12345", got)
	}
}

func TestSigned24RoundTrip(t *testing.T) {
	buf := New(0)
	buf.PushSigned24(-10, LSBFirst)
	s := NewStream(buf.Bytes())
	if got := s.PullSigned24(LSBFirst); got != -10 {
		t.Fatalf("got %d want -10", got)
	}
}
