// Package crypto implements the block-cipher, CRC, and CMAC/MAC primitives
// the card's legacy and modern secure-messaging schemes build on: CBC
// encrypt/decrypt for DES/2K3DES/3K3DES/AES-128, CRC-16 and CRC-32 tails,
// and CMAC-style sub-key derivation and truncation.
//
// Generalized from pkg/ntag424/crypto.go's AES-128-only CBC/CMAC helpers to
// the DES/2K3DES/3K3DES/AES-128 cipher matrix the card family supports. No
// third-party cipher library is used anywhere in the retrieval pack, so
// this stays on crypto/aes, crypto/des, and crypto/cipher exactly as the
// teacher does.
package crypto

import (
	gocipher "crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"errors"
	"fmt"

	"github.com/barnettlynn/picc/pkg/keys"
)

// BlockSize returns the cipher's block size in bytes: 8 for the DES
// family, 16 for AES-128.
func BlockSize(c keys.CipherType) int {
	if c == keys.CipherAES128 {
		return 16
	}
	return 8
}

// newBlock builds a cipher.Block for k, expanding DES-family keys to the
// 24-byte form crypto/des.NewTripleDESCipher requires.
func newBlock(k keys.Key) (cipher.Block, error) {
	switch k.Cipher() {
	case keys.CipherDES:
		return des.NewCipher(k.Body())
	case keys.Cipher2K3DES:
		// K1 || K2 || K1 — the standard two-key triple-DES expansion.
		body := k.Body()
		full := make([]byte, 24)
		copy(full[0:8], body[0:8])
		copy(full[8:16], body[8:16])
		copy(full[16:24], body[0:8])
		return des.NewTripleDESCipher(full)
	case keys.Cipher3K3DES:
		return des.NewTripleDESCipher(k.Body())
	case keys.CipherAES128:
		return gocipher.NewCipher(k.Body())
	default:
		return nil, errors.New("crypto: cannot build a cipher for the empty key")
	}
}

// CBCEncrypt encrypts data (which must be a multiple of the cipher's block
// size) under k using CBC mode with the given IV, returning ciphertext.
func CBCEncrypt(k keys.Key, iv, data []byte) ([]byte, error) {
	block, err := newBlock(k)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(data)%bs != 0 {
		return nil, fmt.Errorf("crypto: CBC encrypt: %d bytes not a multiple of block size %d", len(data), bs)
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// CBCDecrypt decrypts data under k using CBC mode with the given IV.
func CBCDecrypt(k keys.Key, iv, data []byte) ([]byte, error) {
	block, err := newBlock(k)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(data)%bs != 0 {
		return nil, fmt.Errorf("crypto: CBC decrypt: %d bytes not a multiple of block size %d", len(data), bs)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// ECBEncryptBlock encrypts a single block in ECB mode.
func ECBEncryptBlock(k keys.Key, blockIn []byte) ([]byte, error) {
	block, err := newBlock(k)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(blockIn) != bs {
		return nil, fmt.Errorf("crypto: ECB input must be %d bytes", bs)
	}
	out := make([]byte, bs)
	block.Encrypt(out, blockIn)
	return out, nil
}

// RotateLeft1 returns a copy of in rotated left by one byte.
func RotateLeft1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	copy(out, in[1:])
	out[len(in)-1] = in[0]
	return out
}

// RotateRight1 returns a copy of in rotated right by one byte.
func RotateRight1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	out[0] = in[len(in)-1]
	copy(out[1:], in[:len(in)-1])
	return out
}

// XORBytes XORs a and b byte-for-byte into a freshly allocated slice sized
// to the shorter of the two.
func XORBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}
