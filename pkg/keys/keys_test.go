package keys

import (
	"bytes"
	"testing"
)

func TestNewValidatesBodyLength(t *testing.T) {
	_, err := New(CipherAES128, 0, make([]byte, 8))
	if err == nil {
		t.Fatal("expected error for wrong body length")
	}
	k, err := New(CipherAES128, 0, make([]byte, 16))
	if err != nil {
		t.Fatal(err)
	}
	if k.Cipher() != CipherAES128 || len(k.Body()) != 16 {
		t.Fatalf("got %+v", k)
	}
}

func TestNewValidatesKeyNumber(t *testing.T) {
	_, err := New(CipherAES128, 14, make([]byte, 16))
	if err != ErrInvalidKeyNumber {
		t.Fatalf("got %v want ErrInvalidKeyNumber", err)
	}
}

func TestDESPackedDoubles(t *testing.T) {
	body := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	k, err := New(CipherDES, 0, body)
	if err != nil {
		t.Fatal(err)
	}
	packed := k.Packed()
	if len(packed) != 16 {
		t.Fatalf("got %d bytes", len(packed))
	}
	if !bytes.Equal(packed[:8], body) || !bytes.Equal(packed[8:], body) {
		t.Fatalf("got %x", packed)
	}
}

func TestXORRequiresMatchingCipher(t *testing.T) {
	a, _ := New(CipherAES128, 0, make([]byte, 16))
	b, _ := New(CipherDES, 0, make([]byte, 8))
	_, err := a.XOR(b)
	if err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestXORSelfInverse(t *testing.T) {
	a, _ := New(CipherAES128, 0, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
	b, _ := New(CipherAES128, 0, []byte{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1})
	x, err := a.XOR(b)
	if err != nil {
		t.Fatal(err)
	}
	back, err := x.XOR(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back.Body(), a.Body()) {
		t.Fatalf("XOR not self-inverse: got %x want %x", back.Body(), a.Body())
	}
}

func TestParityVersionRoundTrip(t *testing.T) {
	k, err := New(CipherDES, 0, make([]byte, 8))
	if err != nil {
		t.Fatal(err)
	}
	versioned := k.WithParityVersion(0xA5)
	if versioned.Version() != 0xA5 {
		t.Fatalf("got version %#x want 0xA5", versioned.Version())
	}
}

func TestAESVersionIsSeparateByte(t *testing.T) {
	k, err := New(CipherAES128, 0, make([]byte, 16))
	if err != nil {
		t.Fatal(err)
	}
	k.SetVersion(7)
	if k.Version() != 7 {
		t.Fatalf("got %d want 7", k.Version())
	}
}

func TestRandomProducesCorrectLength(t *testing.T) {
	k, err := Random(Cipher3K3DES, 1, func(buf []byte) error {
		for i := range buf {
			buf[i] = byte(i)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(k.Body()) != 24 {
		t.Fatalf("got %d bytes", len(k.Body()))
	}
}

func TestEmptyKey(t *testing.T) {
	k := Empty()
	if !k.IsEmpty() {
		t.Fatal("expected empty key")
	}
}
