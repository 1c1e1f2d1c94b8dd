// Package desfire implements the card command surface (Tag): application
// and key management, file management, and the data/value/record file
// operations, built on top of a reader's "exchange data with a selected
// target" primitive.
//
// Generalized from pkg/ntag424's single-application, AES-only model
// (keys.go, settings.go, version.go, errors.go, card.go) to the full
// DESFire-family application/file-type/value-file/record-file domain.
package desfire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/barnettlynn/picc/pkg/keys"
)

// AID is a 24-bit application identifier; the all-zero AID designates the
// root application.
type AID uint32

// RootAID is the card's root application.
const RootAID AID = 0

// Bytes returns the AID's 3-byte little-endian wire form.
func (a AID) Bytes() []byte {
	return []byte{byte(a), byte(a >> 8), byte(a >> 16)}
}

func (a AID) String() string {
	return fmt.Sprintf("%06X", uint32(a))
}

// AIDFromBytes parses a 3-byte little-endian AID.
func AIDFromBytes(b []byte) (AID, error) {
	if len(b) != 3 {
		return 0, errors.New("desfire: AID must be 3 bytes")
	}
	return AID(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16), nil
}

// KeyRef is an access-rights field: either a specific key number (0..13),
// NoKey (access denied regardless of authentication), or Free (no
// authentication required). Modeled as a small sum type rather than a
// bool since the wire encoding distinguishes three states, not two.
type KeyRef byte

const (
	// NoKeyRef marks a right as unreachable by any key.
	NoKeyRef KeyRef = 0xE
	// FreeRef marks a right as requiring no authentication.
	FreeRef KeyRef = 0xF
)

// IsFree reports whether r grants unauthenticated access.
func (r KeyRef) IsFree() bool { return r == FreeRef }

// IsNoKey reports whether r denies access outright.
func (r KeyRef) IsNoKey() bool { return r == NoKeyRef }

// IsKeyNumber reports whether r names a specific key number.
func (r KeyRef) IsKeyNumber() bool { return r < NoKeyRef }

// AccessRights is the 16-bit packed access-rights word: four 4-bit
// fields, change/read-write/read/write.
type AccessRights struct {
	Change    KeyRef
	ReadWrite KeyRef
	Read      KeyRef
	Write     KeyRef
}

// ParseAccessRights unpacks a 16-bit access-rights word as
// [change(15:12) | read-write(11:8) | read(7:4) | write(3:0)].
func ParseAccessRights(word uint16) AccessRights {
	return AccessRights{
		Change:    KeyRef((word >> 12) & 0x0F),
		ReadWrite: KeyRef((word >> 8) & 0x0F),
		Read:      KeyRef((word >> 4) & 0x0F),
		Write:     KeyRef(word & 0x0F),
	}
}

// Pack encodes the access-rights word back to its 16-bit wire form.
func (r AccessRights) Pack() uint16 {
	return uint16(r.Change&0x0F)<<12 | uint16(r.ReadWrite&0x0F)<<8 | uint16(r.Read&0x0F)<<4 | uint16(r.Write&0x0F)
}

// Security is the file's protection level for data in transit.
type Security int

const (
	SecurityNone Security = iota
	SecurityMACed
	SecurityEncrypted
)

// KeyChangePolicy names who may change an application's keys.
type KeyChangePolicy struct {
	// SameKeyOnly is true when each key may only change itself.
	SameKeyOnly bool
	// NoChange is true when no key in the application may be changed.
	NoChange bool
	// KeyNumber, when neither of the above, names the one key number
	// authorized to change any key in the application.
	KeyNumber byte
}

// AppSettings is the application-level key-management policy: key-change
// policy, capability flags, key-count ceiling, and the application's
// cipher selector.
type AppSettings struct {
	ChangePolicy          KeyChangePolicy
	MasterKeyChangeable    bool
	ListableWithoutAuth     bool
	CreateDeleteWithoutAuth bool
	ConfigChangeable        bool
	MaxKeys                 byte
	Cipher                  keys.CipherType
}

// cipherSelectorBits maps a CipherType to the two-bit selector packed into
// the upper bits of the max-keys byte; changing a key's cipher type is signaled by
// ORing this selector into the key-number byte of the ChangeKey command.
func cipherSelectorBits(c keys.CipherType) byte {
	switch c {
	case keys.Cipher2K3DES:
		return 0x00
	case keys.Cipher3K3DES:
		return 0x40
	case keys.CipherAES128:
		return 0x80
	default:
		return 0x00
	}
}

func cipherFromSelectorBits(b byte) keys.CipherType {
	switch b & 0xC0 {
	case 0x40:
		return keys.Cipher3K3DES
	case 0x80:
		return keys.CipherAES128
	default:
		return keys.Cipher2K3DES
	}
}

// ParseAppSettings decodes a two-byte get_key_settings reply: [keySettings, maxKeys|cipherBits].
func ParseAppSettings(data []byte) (AppSettings, error) {
	if len(data) != 2 {
		return AppSettings{}, fmt.Errorf("desfire: app settings must be 2 bytes, got %d", len(data))
	}
	ks := data[0]
	s := AppSettings{
		MasterKeyChangeable:     ks&0x01 != 0,
		ListableWithoutAuth:     ks&0x02 != 0,
		CreateDeleteWithoutAuth: ks&0x04 != 0,
		ConfigChangeable:        ks&0x08 != 0,
		Cipher:                  cipherFromSelectorBits(data[1]),
		MaxKeys:                 data[1] & 0x0F,
	}
	switch (ks >> 4) & 0x0F {
	case 0x0E:
		s.ChangePolicy = KeyChangePolicy{SameKeyOnly: true}
	case 0x0F:
		s.ChangePolicy = KeyChangePolicy{NoChange: true}
	default:
		s.ChangePolicy = KeyChangePolicy{KeyNumber: (ks >> 4) & 0x0F}
	}
	return s, nil
}

// Pack encodes AppSettings back into the two-byte create_application form.
func (s AppSettings) Pack() []byte {
	var ks byte
	switch {
	case s.ChangePolicy.SameKeyOnly:
		ks |= 0x0E << 4
	case s.ChangePolicy.NoChange:
		ks |= 0x0F << 4
	default:
		ks |= (s.ChangePolicy.KeyNumber & 0x0F) << 4
	}
	if s.MasterKeyChangeable {
		ks |= 0x01
	}
	if s.ListableWithoutAuth {
		ks |= 0x02
	}
	if s.CreateDeleteWithoutAuth {
		ks |= 0x04
	}
	if s.ConfigChangeable {
		ks |= 0x08
	}
	second := cipherSelectorBits(s.Cipher) | (s.MaxKeys & 0x0F)
	return []byte{ks, second}
}

// FileType enumerates the card's native file types.
type FileType byte

const (
	FileTypeStandard FileType = iota
	FileTypeBackup
	FileTypeValue
	FileTypeLinearRecord
	FileTypeCyclicRecord
)

// FileSettings is the common part of a file's settings; Standard/Backup,
// Value, and Record each carry their own type-specific extension.
type FileSettings struct {
	Type         FileType
	Security     Security
	AccessRights AccessRights

	// Standard/backup.
	Size uint32

	// Value file.
	LowerLimit   int32
	UpperLimit   int32
	LimitedCreditEnabled bool

	// Linear/cyclic record file.
	RecordSize    uint32
	MaxRecords    uint32
	CurrentRecords uint32
}

// ParseFileSettings decodes a get_file_settings reply into a FileSettings,
// dispatching on the leading file-type byte.
func ParseFileSettings(data []byte) (FileSettings, error) {
	if len(data) < 3 {
		return FileSettings{}, errors.New("desfire: file settings too short")
	}
	fs := FileSettings{Type: FileType(data[0])}
	switch data[1] & 0x03 {
	case 0:
		fs.Security = SecurityNone
	case 1:
		fs.Security = SecurityMACed
	default:
		fs.Security = SecurityEncrypted
	}
	if len(data) < 5 {
		return FileSettings{}, errors.New("desfire: file settings missing access rights")
	}
	fs.AccessRights = ParseAccessRights(binary.LittleEndian.Uint16(data[2:4]))
	rest := data[4:]

	switch fs.Type {
	case FileTypeStandard, FileTypeBackup:
		if len(rest) < 3 {
			return FileSettings{}, errors.New("desfire: standard/backup file settings missing size")
		}
		fs.Size = readU24LE(rest)
	case FileTypeValue:
		if len(rest) < 9 {
			return FileSettings{}, errors.New("desfire: value file settings too short")
		}
		fs.LowerLimit = int32(binary.LittleEndian.Uint32(rest[0:4]))
		fs.UpperLimit = int32(binary.LittleEndian.Uint32(rest[4:8]))
		fs.LimitedCreditEnabled = rest[8] != 0
	case FileTypeLinearRecord, FileTypeCyclicRecord:
		if len(rest) < 9 {
			return FileSettings{}, errors.New("desfire: record file settings too short")
		}
		fs.RecordSize = readU24LE(rest[0:3])
		fs.MaxRecords = readU24LE(rest[3:6])
		fs.CurrentRecords = readU24LE(rest[6:9])
	default:
		return FileSettings{}, fmt.Errorf("desfire: unknown file type %#x", data[0])
	}
	return fs, nil
}

func readU24LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func writeU24LE(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16)}
}

// byte packs Security into the comm-settings byte used when
// creating a file or changing its settings.
func (s Security) byte() byte {
	switch s {
	case SecurityMACed:
		return 0x01
	case SecurityEncrypted:
		return 0x03
	default:
		return 0x00
	}
}

// CreateFileData builds the data payload for create_file (type-dispatched
// on fs.Type): common header (comm-settings, access rights) followed by
// the type-specific tail.
func (fs FileSettings) CreateFileData() []byte {
	out := make([]byte, 0, 16)
	out = append(out, fs.Security.byte())
	word := fs.AccessRights.Pack()
	out = append(out, byte(word), byte(word>>8))

	switch fs.Type {
	case FileTypeStandard, FileTypeBackup:
		out = append(out, writeU24LE(fs.Size)...)
	case FileTypeValue:
		var lo, hi, init [4]byte
		binary.LittleEndian.PutUint32(lo[:], uint32(fs.LowerLimit))
		binary.LittleEndian.PutUint32(hi[:], uint32(fs.UpperLimit))
		binary.LittleEndian.PutUint32(init[:], 0)
		out = append(out, lo[:]...)
		out = append(out, hi[:]...)
		out = append(out, init[:]...)
		if fs.LimitedCreditEnabled {
			out = append(out, 0x01)
		} else {
			out = append(out, 0x00)
		}
	case FileTypeLinearRecord, FileTypeCyclicRecord:
		out = append(out, writeU24LE(fs.RecordSize)...)
		out = append(out, writeU24LE(fs.MaxRecords)...)
	}
	return out
}
