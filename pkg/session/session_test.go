package session

import (
	"bytes"
	"testing"
	"time"

	"github.com/barnettlynn/picc/pkg/crypto"
	"github.com/barnettlynn/picc/pkg/keys"
)

// TestLegacyAuthVector checks a known legacy-authenticate reference vector:
// decrypting the card's challenge ciphertext under an all-zero DES key with
// a zero IV must yield the published RndB.
func TestLegacyAuthVector(t *testing.T) {
	key, err := keys.New(keys.CipherDES, 0, make([]byte, 8))
	if err != nil {
		t.Fatal(err)
	}
	ciphertext := []byte{0x5D, 0x99, 0x4C, 0xE0, 0x85, 0xF2, 0x40, 0x89}
	want := []byte{0x4F, 0xD1, 0xB7, 0x59, 0x42, 0xA8, 0xB8, 0xE1}

	got, err := crypto.CBCDecrypt(key, make([]byte, 8), ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

// fakeCard drives a fakeCard-local copy of the handshake so Authenticate
// can be exercised without pkg/reader/pkg/channel.
type fakeCard struct {
	cipher keys.CipherType
	key    keys.Key
	rndB   []byte
	step   int
}

func (f *fakeCard) Exchange(cmd []byte, deadline time.Time) ([]byte, error) {
	bs := crypto.BlockSize(f.cipher)
	zeroIV := make([]byte, bs)

	switch f.step {
	case 0:
		f.step = 1
		enc, err := crypto.CBCEncrypt(f.key, zeroIV, f.rndB)
		if err != nil {
			return nil, err
		}
		return append([]byte{StatusAdditionalFrame}, enc...), nil
	case 1:
		payload := cmd[1:]
		var plain []byte
		var err error
		if sessionIsModern(f.cipher) {
			plain, err = crypto.CBCDecrypt(f.key, zeroIV, payload)
		} else {
			plain, err = crypto.CBCEncrypt(f.key, zeroIV, payload)
		}
		if err != nil {
			return nil, err
		}
		chalLen := len(f.rndB)
		rndA := plain[:chalLen]
		rndARot := crypto.RotateLeft1(rndA)
		enc, err := crypto.CBCEncrypt(f.key, zeroIV, rndARot)
		if err != nil {
			return nil, err
		}
		return append([]byte{StatusOK}, enc...), nil
	default:
		return nil, nil
	}
}

func TestAuthenticateAES128HappyPath(t *testing.T) {
	key, err := keys.New(keys.CipherAES128, 3, bytes.Repeat([]byte{0x11}, 16))
	if err != nil {
		t.Fatal(err)
	}
	card := &fakeCard{cipher: keys.CipherAES128, key: key, rndB: bytes.Repeat([]byte{0x22}, 16)}

	s, err := Authenticate(card, key, nil, time.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !s.Authenticated() {
		t.Fatal("expected authenticated session")
	}
	if s.KeyNumber() != 3 {
		t.Fatalf("got key number %d", s.KeyNumber())
	}
	if !s.IsModern() {
		t.Fatal("AES128 session should be modern")
	}
	k1, k2 := s.SubKeys()
	if len(k1) != 16 || len(k2) != 16 {
		t.Fatal("expected 16-byte CMAC sub-keys")
	}
}

func TestAuthenticateDESDerivesTwoKeyTripleDESSession(t *testing.T) {
	key, err := keys.New(keys.CipherDES, 0, make([]byte, 8))
	if err != nil {
		t.Fatal(err)
	}
	card := &fakeCard{cipher: keys.CipherDES, key: key, rndB: bytes.Repeat([]byte{0x33}, 8)}

	s, err := Authenticate(card, key, nil, time.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if s.Cipher() != keys.Cipher2K3DES {
		t.Fatalf("got cipher %s want 2K3DES", s.Cipher())
	}
	if len(s.Key().Body()) != 16 {
		t.Fatalf("got body length %d", len(s.Key().Body()))
	}
}

func TestLogoutClearsKeyNumber(t *testing.T) {
	s := Session{keyNumber: 2, cipher: keys.CipherAES128}
	s.Logout()
	if s.Authenticated() {
		t.Fatal("expected logged out session")
	}
	if s.KeyNumber() != KeyNumberUnauthenticated {
		t.Fatalf("got key number %#x", s.KeyNumber())
	}
}

func TestSessionKeyDerivationDeterministic(t *testing.T) {
	orig, _ := keys.New(keys.CipherAES128, 0, make([]byte, 16))
	a := bytes.Repeat([]byte{0x01}, 16)
	b := bytes.Repeat([]byte{0x02}, 16)

	k1, err := deriveSessionKey(orig, a, b)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := deriveSessionKey(orig, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1.Body(), k2.Body()) {
		t.Fatal("expected deterministic derivation")
	}
}

func TestProtectUnprotectModernEncryptedRoundTrip(t *testing.T) {
	key, _ := keys.New(keys.CipherAES128, 0, bytes.Repeat([]byte{0x09}, 16))
	s := Session{cipher: keys.CipherAES128, key: key, keyNumber: 0, iv: make([]byte, 16)}

	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	enc, err := s.Protect(0xBD, data, ModeEncrypted)
	if err != nil {
		t.Fatal(err)
	}

	s2 := Session{cipher: keys.CipherAES128, key: key, keyNumber: 0, iv: make([]byte, 16)}
	out, err := s2.Unprotect(0xBD, StatusOK, enc, ModeEncrypted)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("got %x want %x", out, data)
	}
}

func TestProtectUnprotectModernMACRoundTrip(t *testing.T) {
	key, _ := keys.New(keys.Cipher3K3DES, 1, bytes.Repeat([]byte{0x07}, 24))
	s := Session{cipher: keys.Cipher3K3DES, key: key, keyNumber: 1, iv: make([]byte, 8)}

	data := []byte{0xAA, 0xBB}
	out, err := s.Protect(0x5F, data, ModeMAC)
	if err != nil {
		t.Fatal(err)
	}

	unprotected, err := s.Unprotect(0x5F, StatusOK, out, ModeMAC)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(unprotected, data) {
		t.Fatalf("got %x want %x", unprotected, data)
	}
}

func TestUnprotectModernMACRejectsTamperedPayload(t *testing.T) {
	key, _ := keys.New(keys.CipherAES128, 0, bytes.Repeat([]byte{0x04}, 16))
	s := Session{cipher: keys.CipherAES128, key: key, keyNumber: 0, iv: make([]byte, 16)}

	out, err := s.Protect(0xBD, []byte{1, 2, 3}, ModeMAC)
	if err != nil {
		t.Fatal(err)
	}
	out[0] ^= 0xFF

	if _, err := s.Unprotect(0xBD, StatusOK, out, ModeMAC); err != ErrIntegrity {
		t.Fatalf("got %v want ErrIntegrity", err)
	}
}

func TestProtectPlainPassesThrough(t *testing.T) {
	s := Session{}
	data := []byte{9, 8, 7}
	out, err := s.Protect(0x00, data, ModePlain)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("got %x want %x", out, data)
	}
}

func TestProtectRejectsUnauthenticatedSecureMode(t *testing.T) {
	s := Session{}
	if _, err := s.Protect(0xBD, []byte{1}, ModeEncrypted); err != ErrNotAuthenticated {
		t.Fatalf("got %v want ErrNotAuthenticated", err)
	}
}
