package crypto

import (
	"github.com/barnettlynn/picc/pkg/keys"
)

// rConst returns the CMAC subkey-derivation constant R for a given block
// size: 0x1B for 8-byte blocks (DES family), 0x87 for 16-byte blocks (AES).
func rConst(blockSize int) byte {
	if blockSize == 16 {
		return 0x87
	}
	return 0x1B
}

func leftShift1(dst, src []byte) {
	var carry byte
	for i := len(src) - 1; i >= 0; i-- {
		b := src[i]
		dst[i] = (b << 1) | carry
		carry = (b >> 7) & 1
	}
}

// SubKeys derives the CMAC sub-keys K1/K2 for k: enciphering the zero
// block, left-shifting by one bit, and conditionally XOR-ing in R; K2
// repeats the transformation on K1. This is the standard NIST SP 800-38B
// subkey derivation.
func SubKeys(k keys.Key) (k1, k2 []byte, err error) {
	block, err := newBlock(k)
	if err != nil {
		return nil, nil, err
	}
	bs := block.BlockSize()
	r := rConst(bs)

	zero := make([]byte, bs)
	l := make([]byte, bs)
	block.Encrypt(l, zero)

	k1 = make([]byte, bs)
	leftShift1(k1, l)
	if l[0]&0x80 != 0 {
		k1[bs-1] ^= r
	}

	k2 = make([]byte, bs)
	leftShift1(k2, k1)
	if k1[0]&0x80 != 0 {
		k2[bs-1] ^= r
	}
	return k1, k2, nil
}

// CMAC computes the full-size CMAC of msg under k, matching the teacher's
// aesCMAC generalized to any of the four cipher types.
func CMAC(k keys.Key, msg []byte) ([]byte, error) {
	block, err := newBlock(k)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	k1, k2, err := SubKeys(k)
	if err != nil {
		return nil, err
	}

	n := (len(msg) + bs - 1) / bs
	if n == 0 {
		n = 1
	}
	lastComplete := len(msg) != 0 && len(msg)%bs == 0

	last := make([]byte, bs)
	if lastComplete {
		copy(last, msg[(n-1)*bs:])
		last = XORBytes(last, k1)
	} else {
		remain := len(msg) - (n-1)*bs
		if remain > 0 {
			copy(last, msg[(n-1)*bs:])
		}
		last[remain] = 0x80
		last = XORBytes(last, k2)
	}

	x := make([]byte, bs)
	y := make([]byte, bs)
	for i := 0; i < n-1; i++ {
		start := i * bs
		copy(y, xorInto(x, msg[start:start+bs]))
		block.Encrypt(x, y)
	}
	copy(y, xorInto(x, last))
	block.Encrypt(x, y)
	return x, nil
}

func xorInto(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// TruncateOddBytes returns every other byte of a full CMAC starting at
// index 1 (cmac[1], cmac[3], ...). pkg/session does not use it: its
// modern-scheme MAC is the first 8 bytes of the CMAC.
func TruncateOddBytes(mac []byte) []byte {
	out := make([]byte, len(mac)/2)
	for i := range out {
		out[i] = mac[1+i*2]
	}
	return out
}
