package session

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/barnettlynn/picc/pkg/crypto"
	"github.com/barnettlynn/picc/pkg/keys"
)

// Command bytes for the three authenticate variants: legacy authenticate
// for DES/2K3DES, ISO authenticate for 3K3DES, AES authenticate for
// AES-128. These are the card vendor's well-known command codes.
const (
	cmdAuthenticateLegacy byte = 0x0A
	cmdAuthenticateISO    byte = 0x1A
	cmdAuthenticateAES    byte = 0xAA
)

// AuthError reports which step of the handshake failed, mirroring
// pkg/ntag424/auth.go's AuthError.
type AuthError struct {
	Step  string
	Cause error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	return fmt.Sprintf("authenticate %s: %v", e.Step, e.Cause)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func authCommandFor(c keys.CipherType) (byte, error) {
	switch c {
	case keys.CipherDES, keys.Cipher2K3DES:
		return cmdAuthenticateLegacy, nil
	case keys.Cipher3K3DES:
		return cmdAuthenticateISO, nil
	case keys.CipherAES128:
		return cmdAuthenticateAES, nil
	default:
		return 0, fmt.Errorf("session: cannot authenticate with cipher %s", c)
	}
}

// challengeLen returns the length in bytes of the random nonces A/B the
// handshake exchanges: one cipher block for DES/2K3DES/AES-128, two
// chained blocks (16 bytes) for 3K3DES, per the card vendor's ISO
// authenticate framing.
func challengeLen(c keys.CipherType) int {
	if c == keys.Cipher3K3DES {
		return 16
	}
	return crypto.BlockSize(c)
}

// sessionCipherFor returns the cipher type the derived session key will
// have: authenticating with a plain DES key yields a 2K3DES session key
// (the card doubles it to 16 bytes); every other cipher keeps its own
// type.
func sessionCipherFor(c keys.CipherType) keys.CipherType {
	if c == keys.CipherDES {
		return keys.Cipher2K3DES
	}
	return c
}

// Authenticate runs the full mutual-authentication handshake against key
// over ex and returns the resulting Session. Any failure aborts the
// handshake and returns a logged-out Session.
func Authenticate(ex Exchanger, key keys.Key, rng keys.RandomSource, deadline time.Time) (Session, error) {
	if rng == nil {
		rng = keys.DefaultRandomSource
	}
	cmd, err := authCommandFor(key.Cipher())
	if err != nil {
		return None(), &AuthError{Step: "setup", Cause: err}
	}
	bs := crypto.BlockSize(key.Cipher())
	chalLen := challengeLen(key.Cipher())
	zeroIV := make([]byte, bs)

	// Step 1: request the challenge.
	resp1, err := ex.Exchange([]byte{cmd, key.Number()}, deadline)
	if err != nil {
		return None(), &AuthError{Step: "step1", Cause: err}
	}
	if len(resp1) != 1+chalLen || resp1[0] != StatusAdditionalFrame {
		return None(), &AuthError{Step: "step1", Cause: fmt.Errorf("unexpected reply (status=%#x len=%d)", firstByte(resp1), len(resp1))}
	}
	rndBCipher := resp1[1:]

	rndB, err := crypto.CBCDecrypt(key, zeroIV, rndBCipher)
	if err != nil {
		return None(), &AuthError{Step: "step1", Cause: err}
	}

	// Step 2: build and send A || rot1(B), encrypted per the cipher's
	// convention.
	rndA := make([]byte, chalLen)
	if err := rng(rndA); err != nil {
		return None(), &AuthError{Step: "step2", Cause: err}
	}
	rndBRot := crypto.RotateLeft1(rndB)
	plaintext := append(append([]byte(nil), rndA...), rndBRot...)

	legacy := !sessionIsModern(key.Cipher())
	var ciphertext []byte
	if legacy {
		// "the plaintext is deciphered with CBC-decrypt" — the card's
		// convention for protecting outgoing legacy messages.
		ciphertext, err = crypto.CBCDecrypt(key, zeroIV, plaintext)
	} else {
		ciphertext, err = crypto.CBCEncrypt(key, zeroIV, plaintext)
	}
	if err != nil {
		return None(), &AuthError{Step: "step2", Cause: err}
	}

	resp2, err := ex.Exchange(append([]byte{0xAF}, ciphertext...), deadline)
	if err != nil {
		return None(), &AuthError{Step: "step2", Cause: err}
	}
	if len(resp2) != 1+chalLen || resp2[0] != StatusOK {
		return None(), &AuthError{Step: "step2", Cause: fmt.Errorf("unexpected reply (status=%#x len=%d)", firstByte(resp2), len(resp2))}
	}

	rndARot, err := crypto.CBCDecrypt(key, zeroIV, resp2[1:])
	if err != nil {
		return None(), &AuthError{Step: "step2", Cause: err}
	}
	rndACheck := crypto.RotateRight1(rndARot)
	if !bytes.Equal(rndACheck, rndA) {
		return None(), &AuthError{Step: "step2", Cause: errors.New("rndA rotation mismatch")}
	}

	// Step 4: derive the session key from A and B.
	sessKey, err := deriveSessionKey(key, rndA, rndB)
	if err != nil {
		return None(), &AuthError{Step: "step2", Cause: err}
	}

	s := Session{
		cipher:    sessKey.Cipher(),
		key:       sessKey,
		keyNumber: key.Number(),
	}
	if s.IsModern() {
		k1, k2, err := crypto.SubKeys(sessKey)
		if err != nil {
			return None(), &AuthError{Step: "step2", Cause: err}
		}
		s.k1, s.k2 = k1, k2
		s.iv = make([]byte, crypto.BlockSize(s.cipher))
	}

	slog.Debug("session established",
		"key_number", key.Number(),
		"cipher", sessKey.Cipher().String())
	return s, nil
}

func sessionIsModern(c keys.CipherType) bool {
	return c == keys.Cipher3K3DES || c == keys.CipherAES128
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// deriveSessionKey concatenates the first and last 4-byte quarters of A
// and B, expanding the 16-byte result to 24 bytes
// via the same K1||K2||K1 convention pkg/crypto uses to build a 3K3DES
// cipher.Block when the original key's cipher is 3K3DES. See DESIGN.md
// for why this reading was chosen over the alternative of slicing
// challenge-length-proportional quarters.
func deriveSessionKey(original keys.Key, rndA, rndB []byte) (keys.Key, error) {
	const q = 4
	base := make([]byte, 0, 4*q)
	base = append(base, rndA[:q]...)
	base = append(base, rndB[:q]...)
	base = append(base, rndA[len(rndA)-q:]...)
	base = append(base, rndB[len(rndB)-q:]...)

	target := sessionCipherFor(original.Cipher())
	var body []byte
	switch target {
	case keys.Cipher3K3DES:
		body = make([]byte, 24)
		copy(body[0:16], base)
		copy(body[16:24], base[0:8])
	default:
		body = base
	}

	sessKey, err := keys.New(target, original.Number(), body)
	if err != nil {
		return keys.Key{}, err
	}
	if target == keys.CipherDES || target == keys.Cipher2K3DES {
		// DES/2K3DES session keys carry cleared parity bits.
		sessKey = sessKey.WithParityVersion(0)
	}
	return sessKey, nil
}
