// Package session implements the card cryptographic session: the
// authentication handshake, session-key derivation, and per-request secure
// messaging transforms (plain, MAC-authenticated, encrypted) for the
// legacy (DES/2K3DES) and modern (3K3DES/AES-128) schemes.
//
// Generalized from pkg/ntag424/auth.go's AuthenticateEV2First (AES-only,
// single NTAG424 application) to the full DESFire-family cipher-type
// matrix and its legacy/modern secure-messaging split.
package session

import (
	"time"

	"github.com/barnettlynn/picc/pkg/crypto"
	"github.com/barnettlynn/picc/pkg/keys"
)

// KeyNumberUnauthenticated is the sentinel key number reported when no
// session is active.
const KeyNumberUnauthenticated = 0xFF

// StatusAdditionalFrame and StatusOK are the two status bytes the
// authentication handshake itself cares about; the full taxonomy lives in
// pkg/desfire.
const (
	StatusOK              byte = 0x00
	StatusAdditionalFrame byte = 0xAF
)

// Exchanger is the minimal card-command transport a Session needs: send a
// command APDU (status byte is the first byte of every DESFire-family
// reply) and get the raw reply back. pkg/desfire supplies
// an Exchanger backed by the reader's data-exchange operation, keeping
// this package free of any dependency on pkg/reader or pkg/channel —
// mirroring the single-method Card.Transmit seam pkg/ntag424/card.go uses
// for the same purpose.
type Exchanger interface {
	Exchange(cmd []byte, deadline time.Time) (resp []byte, err error)
}

// Session holds the cryptographic state of an authenticated card session:
// the active cipher and session key, the key number that was
// authenticated, the global IV (modern scheme only), and the modern
// scheme's CMAC sub-keys.
type Session struct {
	cipher    keys.CipherType
	key       keys.Key
	keyNumber byte
	iv        []byte
	k1, k2    []byte
}

// None returns a logged-out Session.
func None() Session {
	return Session{keyNumber: KeyNumberUnauthenticated}
}

// Authenticated reports whether s holds live key material.
func (s Session) Authenticated() bool {
	return s.keyNumber != KeyNumberUnauthenticated && !s.key.IsEmpty()
}

// Cipher returns the session's active cipher type.
func (s Session) Cipher() keys.CipherType { return s.cipher }

// KeyNumber returns the authenticated key number, or
// KeyNumberUnauthenticated if logged out.
func (s Session) KeyNumber() byte { return s.keyNumber }

// Key returns the session key material.
func (s Session) Key() keys.Key { return s.key }

// IsModern reports whether s uses the modern (global-IV, CMAC) scheme, as
// opposed to the legacy (per-call zero IV, CRC-16) scheme.
func (s Session) IsModern() bool {
	return s.cipher == keys.Cipher3K3DES || s.cipher == keys.CipherAES128
}

// IV returns the session's current global IV (modern scheme only; legacy
// sessions always present a zero IV to every call).
func (s Session) IV() []byte {
	if !s.IsModern() {
		return make([]byte, crypto.BlockSize(s.cipher))
	}
	return append([]byte(nil), s.iv...)
}

// SetIV replaces the session's global IV (modern scheme only).
func (s *Session) SetIV(iv []byte) {
	if s.IsModern() {
		s.iv = append([]byte(nil), iv...)
	}
}

// SubKeys returns the modern scheme's CMAC sub-keys K1, K2.
func (s Session) SubKeys() (k1, k2 []byte) {
	return append([]byte(nil), s.k1...), append([]byte(nil), s.k2...)
}

// Logout clears s to the unauthenticated state in place. Any error during
// a session should trigger a logout so a stale session key never survives
// a failed exchange.
func (s *Session) Logout() {
	*s = None()
}
