package session

import (
	"errors"
	"fmt"

	"github.com/barnettlynn/picc/pkg/crypto"
)

// Mode is the per-request/response transmission mode a secure-messaging
// file operation can use: plain, MAC-authenticated, or fully encrypted.
type Mode int

const (
	ModePlain Mode = iota
	ModeMAC
	ModeEncrypted
)

// ErrIntegrity is returned when a MAC or CRC check fails on a received
// response.
var ErrIntegrity = errors.New("session: integrity check failed")

// ErrNotAuthenticated is returned when Protect/Unprotect is called with a
// mode other than Plain on a logged-out session.
var ErrNotAuthenticated = errors.New("session: no active session for secured transmission")

// Protect builds the wire bytes for a command's parameter data under mode,
// per the active session's scheme (legacy or modern). cmd is the command
// byte, included in the integrity computation but not in the returned
// bytes (the caller prefixes it itself when building the full frame).
func (s *Session) Protect(cmd byte, data []byte, mode Mode) ([]byte, error) {
	if mode == ModePlain {
		return append([]byte(nil), data...), nil
	}
	if !s.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	if s.IsModern() {
		return s.protectModern(cmd, data, mode)
	}
	return s.protectLegacy(cmd, data, mode)
}

// Unprotect is the receive-side counterpart of Protect: given the raw
// response body (status byte already stripped by the caller) it validates
// integrity, computed over the status byte and body rather than over cmd,
// and, for ModeEncrypted, deciphers and strips the trailing CRC.
func (s *Session) Unprotect(cmd byte, status byte, resp []byte, mode Mode) ([]byte, error) {
	if mode == ModePlain {
		return append([]byte(nil), resp...), nil
	}
	if !s.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	if s.IsModern() {
		return s.unprotectModern(status, resp, mode)
	}
	return s.unprotectLegacy(cmd, status, resp, mode)
}

// --- legacy scheme (DES/2K3DES) ---
//
// IV resets to zero for every cryptographic operation; integrity is
// CRC-16 over command+params; MAC-only mode truncates the CBC-encrypted
// padded message to its first 4 bytes; encryption uses the card's
// "decipher to send" convention.

func (s *Session) protectLegacy(cmd byte, data []byte, mode Mode) ([]byte, error) {
	bs := crypto.BlockSize(s.cipher)
	zeroIV := make([]byte, bs)

	switch mode {
	case ModeMAC:
		padded := zeroPad(data, bs)
		enc, err := crypto.CBCEncrypt(s.key, zeroIV, padded)
		if err != nil {
			return nil, err
		}
		mac := enc
		if len(mac) > 4 {
			mac = mac[:4]
		}
		return append(append([]byte(nil), data...), mac...), nil
	case ModeEncrypted:
		withCRC := crypto.AppendCRC16(append([]byte{cmd}, data...))
		withCRC = withCRC[1:] // CRC covered cmd||data; transmit only the data||CRC portion
		padded := zeroPad(withCRC, bs)
		return crypto.CBCDecrypt(s.key, zeroIV, padded)
	default:
		return nil, fmt.Errorf("session: unsupported legacy mode %d", mode)
	}
}

func (s *Session) unprotectLegacy(cmd byte, status byte, resp []byte, mode Mode) ([]byte, error) {
	bs := crypto.BlockSize(s.cipher)
	zeroIV := make([]byte, bs)

	switch mode {
	case ModeMAC:
		if len(resp) < 4 {
			return nil, ErrIntegrity
		}
		payload := resp[:len(resp)-4]
		gotMAC := resp[len(resp)-4:]
		padded := zeroPad(payload, bs)
		enc, err := crypto.CBCEncrypt(s.key, zeroIV, padded)
		if err != nil {
			return nil, err
		}
		wantMAC := enc
		if len(wantMAC) > 4 {
			wantMAC = wantMAC[:4]
		}
		if !constantTimeEqual(gotMAC, wantMAC) {
			return nil, ErrIntegrity
		}
		return payload, nil
	case ModeEncrypted:
		plain, err := crypto.CBCDecrypt(s.key, zeroIV, resp)
		if err != nil {
			return nil, err
		}
		return verifyAndTrimCRC16(status, plain)
	default:
		return nil, fmt.Errorf("session: unsupported legacy mode %d", mode)
	}
}

// --- modern scheme (3K3DES/AES-128) ---
//
// A single IV persists across messages within a session; confidentiality
// is standard CBC; integrity is a CMAC-like construction taking the first
// 8 bytes.

func (s *Session) protectModern(cmd byte, data []byte, mode Mode) ([]byte, error) {
	switch mode {
	case ModeMAC:
		mac, err := s.modernMAC(append([]byte{cmd}, data...))
		if err != nil {
			return nil, err
		}
		return append(append([]byte(nil), data...), mac...), nil
	case ModeEncrypted:
		bs := crypto.BlockSize(s.cipher)
		withCRC := crypto.AppendCRC32(append([]byte{cmd}, data...))[1:]
		padded := zeroPad(withCRC, bs)
		enc, err := crypto.CBCEncrypt(s.key, s.IV(), padded)
		if err != nil {
			return nil, err
		}
		s.SetIV(lastBlock(enc, bs))
		return enc, nil
	default:
		return nil, fmt.Errorf("session: unsupported modern mode %d", mode)
	}
}

func (s *Session) unprotectModern(status byte, resp []byte, mode Mode) ([]byte, error) {
	switch mode {
	case ModeMAC:
		if len(resp) < 8 {
			return nil, ErrIntegrity
		}
		payload := resp[:len(resp)-8]
		gotMAC := resp[len(resp)-8:]
		wantMAC, err := s.modernMAC(append([]byte{status}, payload...))
		if err != nil {
			return nil, err
		}
		if !constantTimeEqual(gotMAC, wantMAC) {
			return nil, ErrIntegrity
		}
		return payload, nil
	case ModeEncrypted:
		bs := crypto.BlockSize(s.cipher)
		if len(resp) == 0 {
			return nil, nil
		}
		plain, err := crypto.CBCDecrypt(s.key, s.IV(), resp)
		if err != nil {
			return nil, err
		}
		s.SetIV(lastBlock(resp, bs))
		return verifyAndTrimCRC32(status, plain)
	default:
		return nil, fmt.Errorf("session: unsupported modern mode %d", mode)
	}
}

// modernMAC computes the 8-byte truncated CMAC the modern scheme uses:
// pad with 0x80 0x00... if needed, XOR the last block with K1 (no pad) or
// K2 (padded), CBC-encrypt, take the first 8 bytes.
func (s *Session) modernMAC(msg []byte) ([]byte, error) {
	full, err := crypto.CMAC(s.key, msg)
	if err != nil {
		return nil, err
	}
	if len(full) > 8 {
		full = full[:8]
	}
	return full, nil
}

func zeroPad(data []byte, bs int) []byte {
	rem := len(data) % bs
	if rem == 0 {
		return append([]byte(nil), data...)
	}
	out := make([]byte, len(data)+(bs-rem))
	copy(out, data)
	return out
}

func pad80(data []byte, bs int) []byte {
	out := make([]byte, 0, len(data)+bs)
	out = append(out, data...)
	out = append(out, 0x80)
	for len(out)%bs != 0 {
		out = append(out, 0x00)
	}
	return out
}

func lastBlock(data []byte, bs int) []byte {
	if len(data) < bs {
		return make([]byte, bs)
	}
	return append([]byte(nil), data[len(data)-bs:]...)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// verifyAndTrimCRC16/32 implement the receive-path trim-and-verify rule:
// scan the last block in reverse for the first non-zero byte (the padding
// boundary) and verify the CRC there. Rather than trusting the single
// scan result, every trailing-zero-byte count up to 16 is tried so
// a payload that legitimately ends in zero bytes is not mistaken for
// padding.

func verifyAndTrimCRC16(status byte, plain []byte) ([]byte, error) {
	return verifyAndTrim(plain, 2, func(payload []byte) []byte {
		c := crypto.CRC16(append([]byte{status}, payload...))
		return []byte{byte(c), byte(c >> 8)}
	})
}

func verifyAndTrimCRC32(status byte, plain []byte) ([]byte, error) {
	return verifyAndTrim(plain, 4, func(payload []byte) []byte {
		c := crypto.CRC32(append([]byte{status}, payload...))
		return []byte{byte(c), byte(c >> 8), byte(c >> 16), byte(c >> 24)}
	})
}

func verifyAndTrim(plain []byte, crcSize int, crcOf func([]byte) []byte) ([]byte, error) {
	maxTrim := len(plain)
	if maxTrim > 16 {
		maxTrim = 16
	}
	for trim := 0; trim <= maxTrim; trim++ {
		end := len(plain) - trim
		if end < crcSize {
			break
		}
		if trim > 0 && plain[end] != 0x00 {
			continue
		}
		payload := plain[:end-crcSize]
		crcBytes := plain[end-crcSize : end]
		if constantTimeEqual(crcOf(payload), crcBytes) {
			return append([]byte(nil), payload...), nil
		}
	}
	return nil, ErrIntegrity
}
