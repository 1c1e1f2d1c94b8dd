package desfire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/barnettlynn/picc/pkg/crypto"
	"github.com/barnettlynn/picc/pkg/keys"
	"github.com/barnettlynn/picc/pkg/session"
)

// valueFileState is the fake card's in-memory value file.
type valueFileState struct {
	lower, upper int32
	committed    int32
	pending      int32
}

// recordFileState is the fake card's in-memory linear/cyclic record file.
type recordFileState struct {
	recordSize uint32
	maxRecords uint32
	committed  [][]byte
	pendingBuf []byte
}

// fakeDESFireCard is a minimal in-memory card implementing just enough of
// the command set (select, AES authenticate, value files, linear record
// files) to exercise Tag end to end, mirroring pkg/session/secure.go's
// modern MAC scheme from the card's side of the wire.
type fakeDESFireCard struct {
	longTermKey keys.Key
	sessKey     keys.Key
	authKeyNo   byte
	authPhase   int
	rndB        []byte

	values  map[byte]*valueFileState
	records map[byte]*recordFileState
}

func newFakeDESFireCard(key keys.Key) *fakeDESFireCard {
	return &fakeDESFireCard{
		longTermKey: key,
		values:      make(map[byte]*valueFileState),
		records:     make(map[byte]*recordFileState),
	}
}

func cmacTrunc8(key keys.Key, msg []byte) ([]byte, error) {
	full, err := crypto.CMAC(key, msg)
	if err != nil {
		return nil, err
	}
	return full[:8], nil
}

func (f *fakeDESFireCard) Exchange(frame []byte, deadline time.Time) ([]byte, error) {
	if len(frame) == 0 {
		return nil, errors.New("fake card: empty frame")
	}
	cmd, body := frame[0], frame[1:]

	switch cmd {
	case cmdSelectApplication:
		f.sessKey = keys.Empty()
		f.authPhase = 0
		return []byte{StatusOK}, nil

	case 0xAA: // AES authenticate
		f.authKeyNo = body[0]
		f.rndB = bytes.Repeat([]byte{0x22}, 16)
		zero := make([]byte, 16)
		enc, err := crypto.CBCEncrypt(f.longTermKey, zero, f.rndB)
		if err != nil {
			return nil, err
		}
		f.authPhase = 1
		return append([]byte{StatusAdditionalFrame}, enc...), nil

	case cmdAdditionalFrame:
		if f.authPhase != 1 {
			return nil, errors.New("fake card: unexpected additional frame")
		}
		zero := make([]byte, 16)
		plain, err := crypto.CBCDecrypt(f.longTermKey, zero, body)
		if err != nil {
			return nil, err
		}
		rndA := plain[:16]
		rndARot := crypto.RotateLeft1(rndA)
		enc, err := crypto.CBCEncrypt(f.longTermKey, zero, rndARot)
		if err != nil {
			return nil, err
		}
		base := append(append(append([]byte{}, rndA[0:4]...), f.rndB[0:4]...), rndA[12:16]...)
		base = append(base, f.rndB[12:16]...)
		sessKey, err := keys.New(keys.CipherAES128, f.authKeyNo, base)
		if err != nil {
			return nil, err
		}
		f.sessKey = sessKey
		f.authPhase = 2
		return append([]byte{StatusOK}, enc...), nil

	case cmdCreateValueFile:
		fileNo := body[0]
		rest := body[1:]
		lower := int32(binary.LittleEndian.Uint32(rest[3:7]))
		upper := int32(binary.LittleEndian.Uint32(rest[7:11]))
		f.values[fileNo] = &valueFileState{lower: lower, upper: upper}
		return []byte{StatusOK}, nil

	case cmdGetFileSettings:
		// Flags byte 0x01 marks MACed security, matching the ModeMAC the
		// rest of this fake card's scenarios exercise; access rights word
		// 0x0000 means every right requires key 0 (the only key this fake
		// card authenticates), so AutoMode picks ModeMAC for every right.
		fileNo := body[0]
		if vs, ok := f.values[fileNo]; ok {
			data := []byte{byte(FileTypeValue), 0x01, 0x00, 0x00}
			data = append(data, leI32(vs.lower)...)
			data = append(data, leI32(vs.upper)...)
			data = append(data, 0x00)
			return append([]byte{StatusOK}, data...), nil
		}
		if rs, ok := f.records[fileNo]; ok {
			data := []byte{byte(FileTypeLinearRecord), 0x01, 0x00, 0x00}
			data = append(data, writeU24LE(rs.recordSize)...)
			data = append(data, writeU24LE(rs.maxRecords)...)
			data = append(data, writeU24LE(uint32(len(rs.committed)))...)
			return append([]byte{StatusOK}, data...), nil
		}
		return nil, fmt.Errorf("fake card: unknown file %d", fileNo)

	case cmdCreateLinearRecord:
		fileNo := body[0]
		rest := body[1:]
		recSize := readU24LE(rest[3:6])
		maxRec := readU24LE(rest[6:9])
		f.records[fileNo] = &recordFileState{recordSize: recSize, maxRecords: maxRec}
		return []byte{StatusOK}, nil

	case cmdCredit, cmdDebit, cmdLimitedCredit:
		fileNo := body[0]
		mac := body[len(body)-8:]
		payload := body[1 : len(body)-8]
		want, err := cmacTrunc8(f.sessKey, append([]byte{cmd}, payload...))
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(mac, want) {
			return nil, errors.New("fake card: request MAC mismatch")
		}
		amount := int32(binary.LittleEndian.Uint32(payload))
		vs := f.values[fileNo]
		if cmd == cmdDebit {
			vs.pending -= amount
		} else {
			vs.pending += amount
		}
		respMAC, err := cmacTrunc8(f.sessKey, []byte{StatusOK})
		if err != nil {
			return nil, err
		}
		return append([]byte{StatusOK}, respMAC...), nil

	case cmdGetValue:
		fileNo := body[0]
		mac := body[len(body)-8:]
		payload := body[1 : len(body)-8]
		want, err := cmacTrunc8(f.sessKey, append([]byte{cmd}, payload...))
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(mac, want) {
			return nil, errors.New("fake card: request MAC mismatch")
		}
		vs := f.values[fileNo]
		respPayload := leI32(vs.committed)
		respMAC, err := cmacTrunc8(f.sessKey, append([]byte{StatusOK}, respPayload...))
		if err != nil {
			return nil, err
		}
		return append(append([]byte{StatusOK}, respPayload...), respMAC...), nil

	case cmdCommitTransaction:
		for _, vs := range f.values {
			vs.committed = vs.pending
		}
		for _, rs := range f.records {
			if rs.pendingBuf != nil {
				rs.committed = append(rs.committed, rs.pendingBuf)
				rs.pendingBuf = nil
			}
		}
		return []byte{StatusOK}, nil

	case cmdWriteRecord:
		fileNo := body[0]
		offset := readU24LE(body[1:4])
		mac := body[len(body)-8:]
		payload := body[7 : len(body)-8]
		want, err := cmacTrunc8(f.sessKey, append([]byte{cmd}, payload...))
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(mac, want) {
			return nil, errors.New("fake card: request MAC mismatch")
		}
		rs := f.records[fileNo]
		if rs.pendingBuf == nil {
			rs.pendingBuf = make([]byte, rs.recordSize)
		}
		copy(rs.pendingBuf[offset:], payload)
		respMAC, err := cmacTrunc8(f.sessKey, []byte{StatusOK})
		if err != nil {
			return nil, err
		}
		return append([]byte{StatusOK}, respMAC...), nil

	case cmdReadRecords:
		fileNo := body[0]
		index := readU24LE(body[1:4])
		count := readU24LE(body[4:7])
		mac := body[len(body)-8:]
		want, err := cmacTrunc8(f.sessKey, append([]byte{cmd}, []byte{}...))
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(mac, want) {
			return nil, errors.New("fake card: request MAC mismatch")
		}
		rs := f.records[fileNo]
		n := count
		if n == 0 {
			n = uint32(len(rs.committed)) - index
		}
		var payload []byte
		for i := uint32(0); i < n; i++ {
			payload = append(payload, rs.committed[index+i]...)
		}
		respMAC, err := cmacTrunc8(f.sessKey, append([]byte{StatusOK}, payload...))
		if err != nil {
			return nil, err
		}
		return append(append([]byte{StatusOK}, payload...), respMAC...), nil
	}

	return nil, fmt.Errorf("fake card: unhandled command %#x", cmd)
}

func TestTagValueFileScenario(t *testing.T) {
	key, err := keys.New(keys.CipherAES128, 0, bytes.Repeat([]byte{0x55}, 16))
	if err != nil {
		t.Fatal(err)
	}
	card := newFakeDESFireCard(key)
	tag := NewTag(card)
	deadline := time.Now().Add(time.Second)

	if err := tag.SelectApplication(AID(0x010203), deadline); err != nil {
		t.Fatal(err)
	}
	if err := tag.Authenticate(key, nil, deadline); err != nil {
		t.Fatal(err)
	}

	fs := FileSettings{
		Type:         FileTypeValue,
		Security:     SecurityEncrypted,
		AccessRights: AccessRights{Change: 0, ReadWrite: 0, Read: 0, Write: 0},
		LowerLimit:   -10,
		UpperLimit:   10,
	}
	if err := tag.CreateFile(1, fs, deadline); err != nil {
		t.Fatal(err)
	}

	if err := tag.Credit(1, 2, session.ModeMAC, deadline); err != nil {
		t.Fatal(err)
	}
	if err := tag.CommitTransaction(deadline); err != nil {
		t.Fatal(err)
	}
	if err := tag.Debit(1, 5, session.ModeMAC, deadline); err != nil {
		t.Fatal(err)
	}
	if err := tag.CommitTransaction(deadline); err != nil {
		t.Fatal(err)
	}

	got, err := tag.GetValue(1, session.ModeMAC, deadline)
	if err != nil {
		t.Fatal(err)
	}
	if got != -3 {
		t.Fatalf("got value %d want -3", got)
	}
}

func TestTagRecordFileScenario(t *testing.T) {
	key, err := keys.New(keys.CipherAES128, 0, bytes.Repeat([]byte{0x66}, 16))
	if err != nil {
		t.Fatal(err)
	}
	card := newFakeDESFireCard(key)
	tag := NewTag(card)
	deadline := time.Now().Add(time.Second)

	if err := tag.SelectApplication(AID(0x0A0B0C), deadline); err != nil {
		t.Fatal(err)
	}
	if err := tag.Authenticate(key, nil, deadline); err != nil {
		t.Fatal(err)
	}

	fs := FileSettings{
		Type:         FileTypeLinearRecord,
		Security:     SecurityEncrypted,
		AccessRights: AccessRights{Change: 0, ReadWrite: 0, Read: 0, Write: 0},
		RecordSize:   8,
		MaxRecords:   2,
	}
	if err := tag.CreateFile(2, fs, deadline); err != nil {
		t.Fatal(err)
	}

	if err := tag.WriteRecord(2, []byte{0x00, 0x01, 0x02, 0x03}, 4, session.ModeMAC, deadline); err != nil {
		t.Fatal(err)
	}
	if err := tag.CommitTransaction(deadline); err != nil {
		t.Fatal(err)
	}

	got, err := tag.ReadRecords(2, 0, 0, session.ModeMAC, deadline)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestTrustCardWrappersDeriveModeFromFileSettings(t *testing.T) {
	key, err := keys.New(keys.CipherAES128, 0, bytes.Repeat([]byte{0x55}, 16))
	if err != nil {
		t.Fatal(err)
	}
	card := newFakeDESFireCard(key)
	tag := NewTag(card)
	deadline := time.Now().Add(time.Second)

	if err := tag.SelectApplication(AID(0x010203), deadline); err != nil {
		t.Fatal(err)
	}
	if err := tag.Authenticate(key, nil, deadline); err != nil {
		t.Fatal(err)
	}

	fs := FileSettings{
		Type:         FileTypeValue,
		Security:     SecurityMACed,
		AccessRights: AccessRights{Change: 0, ReadWrite: 0, Read: 0, Write: 0},
		LowerLimit:   -10,
		UpperLimit:   10,
	}
	if err := tag.CreateFile(1, fs, deadline); err != nil {
		t.Fatal(err)
	}

	if err := tag.TrustCardCredit(1, 2, deadline); err != nil {
		t.Fatal(err)
	}
	if err := tag.CommitTransaction(deadline); err != nil {
		t.Fatal(err)
	}
	if err := tag.TrustCardDebit(1, 5, deadline); err != nil {
		t.Fatal(err)
	}
	if err := tag.CommitTransaction(deadline); err != nil {
		t.Fatal(err)
	}

	got, err := tag.TrustCardGetValue(1, deadline)
	if err != nil {
		t.Fatal(err)
	}
	if got != -3 {
		t.Fatalf("got value %d want -3", got)
	}
}

func TestTrustCardWrappersRecordFile(t *testing.T) {
	key, err := keys.New(keys.CipherAES128, 0, bytes.Repeat([]byte{0x66}, 16))
	if err != nil {
		t.Fatal(err)
	}
	card := newFakeDESFireCard(key)
	tag := NewTag(card)
	deadline := time.Now().Add(time.Second)

	if err := tag.SelectApplication(AID(0x0A0B0C), deadline); err != nil {
		t.Fatal(err)
	}
	if err := tag.Authenticate(key, nil, deadline); err != nil {
		t.Fatal(err)
	}

	fs := FileSettings{
		Type:         FileTypeLinearRecord,
		Security:     SecurityMACed,
		AccessRights: AccessRights{Change: 0, ReadWrite: 0, Read: 0, Write: 0},
		RecordSize:   8,
		MaxRecords:   2,
	}
	if err := tag.CreateFile(2, fs, deadline); err != nil {
		t.Fatal(err)
	}

	if err := tag.TrustCardWriteRecord(2, []byte{0x00, 0x01, 0x02, 0x03}, 4, deadline); err != nil {
		t.Fatal(err)
	}
	if err := tag.CommitTransaction(deadline); err != nil {
		t.Fatal(err)
	}

	got, err := tag.TrustCardReadRecords(2, 0, 0, deadline)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestSelectApplicationLogsOutExistingSession(t *testing.T) {
	key, _ := keys.New(keys.CipherAES128, 0, bytes.Repeat([]byte{0x77}, 16))
	card := newFakeDESFireCard(key)
	tag := NewTag(card)
	deadline := time.Now().Add(time.Second)

	if err := tag.SelectApplication(AID(1), deadline); err != nil {
		t.Fatal(err)
	}
	if err := tag.Authenticate(key, nil, deadline); err != nil {
		t.Fatal(err)
	}
	if !tag.Authenticated() {
		t.Fatal("expected authenticated")
	}
	if err := tag.SelectApplication(AID(2), deadline); err != nil {
		t.Fatal(err)
	}
	if tag.Authenticated() {
		t.Fatal("expected session cleared after re-selecting application")
	}
}

func TestAutoModePromotesMacedToEncryptedOnChange(t *testing.T) {
	fs := FileSettings{Security: SecurityMACed}
	if mode := AutoMode(fs, KeyRef(0), true); mode != session.ModeEncrypted {
		t.Fatalf("got mode %v want ModeEncrypted", mode)
	}
	if mode := AutoMode(fs, KeyRef(0), false); mode != session.ModeMAC {
		t.Fatalf("got mode %v want ModeMAC", mode)
	}
	if mode := AutoMode(fs, FreeRef, false); mode != session.ModePlain {
		t.Fatalf("got mode %v want ModePlain", mode)
	}
}

func TestCheckStatusPropagatesTypedError(t *testing.T) {
	err := CheckStatus(cmdGetValue, StatusPermissionDenied)
	if !IsPermissionDenied(err) {
		t.Fatalf("got %v want permission denied", err)
	}
}
