package desfire

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/barnettlynn/picc/pkg/crypto"
	"github.com/barnettlynn/picc/pkg/keys"
	"github.com/barnettlynn/picc/pkg/session"
)

// Command bytes. These are the card vendor's well-known command codes.
const (
	cmdSelectApplication     byte = 0x5A
	cmdGetApplicationIDs     byte = 0x6A
	cmdGetKeySettings        byte = 0x45
	cmdChangeKeySettings     byte = 0x54
	cmdChangeKey             byte = 0xC4
	cmdGetKeyVersion         byte = 0x64
	cmdCreateApplication     byte = 0xCA
	cmdDeleteApplication     byte = 0xDA
	cmdGetVersion            byte = 0x60
	cmdFormatPICC            byte = 0xFC
	cmdGetFileIDs            byte = 0x6F
	cmdGetFileSettings       byte = 0xF5
	cmdChangeFileSettings    byte = 0x5F
	cmdCreateStdDataFile     byte = 0xCD
	cmdCreateBackupDataFile  byte = 0xCB
	cmdCreateValueFile       byte = 0xCC
	cmdCreateLinearRecord    byte = 0xC1
	cmdCreateCyclicRecord    byte = 0xC0
	cmdDeleteFile            byte = 0xDF
	cmdReadData              byte = 0xBD
	cmdWriteData             byte = 0x3D
	cmdGetValue              byte = 0x6C
	cmdCredit                byte = 0x0C
	cmdDebit                 byte = 0xDC
	cmdLimitedCredit         byte = 0x1C
	cmdWriteRecord           byte = 0x3B
	cmdReadRecords           byte = 0xBB
	cmdClearRecordFile       byte = 0xEB
	cmdCommitTransaction     byte = 0xC7
	cmdAbortTransaction      byte = 0xA7
	cmdSetConfiguration      byte = 0x5C
	cmdGetCardUID            byte = 0x51
	cmdGetFreeMemory         byte = 0x6E
	cmdAdditionalFrame       byte = 0xAF
)

// TagVersion is the hardware/software/production information
// get_info (DESFire-family GetVersion) returns, generalized from
// pkg/ntag424/version.go's single-cipher TagVersion.
type TagVersion struct {
	HWVendorID, HWType, HWSubType, HWMajorVer, HWMinorVer, HWStorageSize, HWProtocol byte
	SWVendorID, SWType, SWSubType, SWMajorVer, SWMinorVer, SWStorageSize, SWProtocol byte
	UID        []byte
	BatchNo    []byte
	FabKey     byte
	ProdYear   byte
	ProdWeek   byte
}

// CardTransport is the minimal seam Tag needs to talk to the card: send a
// command's raw bytes (cmd‖data), get the raw status‖body reply back.
// Implementations typically wrap a reader's data-exchange operation; this
// package has no dependency on pkg/reader or pkg/channel directly,
// mirroring the single-method Card interface pkg/ntag424/card.go uses for
// the same purpose.
type CardTransport interface {
	Exchange(data []byte, deadline time.Time) (resp []byte, err error)
}

// Tag is the card command surface: application selection, authentication,
// and the file/value/record operation set, generalized from
// pkg/ntag424's single fixed NTAG424 application.
type Tag struct {
	transport CardTransport
	sess      session.Session
	activeAID AID
}

// NewTag constructs a Tag bound to transport, initially selecting the
// root application.
func NewTag(transport CardTransport) *Tag {
	return &Tag{transport: transport, sess: session.None(), activeAID: RootAID}
}

// ActiveAID returns the currently selected application.
func (t *Tag) ActiveAID() AID { return t.activeAID }

// Authenticated reports whether the tag holds a live session.
func (t *Tag) Authenticated() bool { return t.sess.Authenticated() }

// ActiveKeyNumber returns the authenticated key number, or
// session.KeyNumberUnauthenticated if logged out.
func (t *Tag) ActiveKeyNumber() byte { return t.sess.KeyNumber() }

// Exchange implements session.Exchanger, letting pkg/session drive the
// authentication handshake directly over the tag's transport.
func (t *Tag) Exchange(cmd []byte, deadline time.Time) ([]byte, error) {
	return t.transport.Exchange(cmd, deadline)
}

// raw sends cmd‖data plain (no secure messaging) and returns the body on
// success, translating any non-ok/no-changes status into an *SWError.
func (t *Tag) raw(cmd byte, data []byte, deadline time.Time) ([]byte, error) {
	logCommand(cmd, deadline)
	resp, err := t.transport.Exchange(append([]byte{cmd}, data...), deadline)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errors.New("desfire: empty reply")
	}
	status, body := resp[0], resp[1:]
	if err := CheckStatus(cmd, status); err != nil {
		return nil, err
	}
	return body, nil
}

// secureCommand sends header (cleartext) ‖ Protect(data, mode) under the
// active session, and unwraps the reply with Unprotect. On any error the
// session is logged out, since a stale session key must never survive a
// failed exchange.
func (t *Tag) secureCommand(cmd byte, header, data []byte, mode session.Mode, deadline time.Time) ([]byte, error) {
	logCommand(cmd, deadline)
	protected, err := t.sess.Protect(cmd, data, mode)
	if err != nil {
		t.sess.Logout()
		return nil, err
	}
	payload := append(append([]byte{cmd}, header...), protected...)
	resp, err := t.transport.Exchange(payload, deadline)
	if err != nil {
		t.sess.Logout()
		return nil, err
	}
	if len(resp) == 0 {
		t.sess.Logout()
		return nil, errors.New("desfire: empty reply")
	}
	status, body := resp[0], resp[1:]
	if err := CheckStatus(cmd, status); err != nil {
		t.sess.Logout()
		return nil, err
	}
	out, err := t.sess.Unprotect(cmd, status, body, mode)
	if err != nil {
		t.sess.Logout()
		return nil, err
	}
	return out, nil
}

// SelectApplication issues select_application: on success it logs out any
// prior session and adopts aid as active.
func (t *Tag) SelectApplication(aid AID, deadline time.Time) error {
	_, err := t.raw(cmdSelectApplication, aid.Bytes(), deadline)
	if err != nil {
		return err
	}
	t.sess.Logout()
	t.activeAID = aid
	return nil
}

// Authenticate runs the mutual-authentication handshake with key and
// installs the resulting session.
func (t *Tag) Authenticate(key keys.Key, rng keys.RandomSource, deadline time.Time) error {
	s, err := session.Authenticate(t, key, rng, deadline)
	if err != nil {
		return err
	}
	t.sess = s
	return nil
}

// Logout clears the active session without talking to the card.
func (t *Tag) Logout() { t.sess.Logout() }

// GetApplicationIDs lists every application on the PICC (root only).
func (t *Tag) GetApplicationIDs(deadline time.Time) ([]AID, error) {
	body, err := t.raw(cmdGetApplicationIDs, nil, deadline)
	if err != nil {
		return nil, err
	}
	if len(body)%3 != 0 {
		return nil, fmt.Errorf("desfire: application ID list length %d not a multiple of 3", len(body))
	}
	out := make([]AID, 0, len(body)/3)
	for i := 0; i < len(body); i += 3 {
		aid, err := AIDFromBytes(body[i : i+3])
		if err != nil {
			return nil, err
		}
		out = append(out, aid)
	}
	return out, nil
}

// GetAppSettings retrieves the active application's key-management
// policy.
func (t *Tag) GetAppSettings(deadline time.Time) (AppSettings, error) {
	body, err := t.raw(cmdGetKeySettings, nil, deadline)
	if err != nil {
		return AppSettings{}, err
	}
	return ParseAppSettings(body)
}

// ChangeAppSettings updates the active application's key-management
// policy; requires the application master key's authentication.
func (t *Tag) ChangeAppSettings(s AppSettings, deadline time.Time) error {
	_, err := t.secureCommand(cmdChangeKeySettings, nil, s.Pack()[:1], session.ModeEncrypted, deadline)
	return err
}

// CreateApplication creates a new application with the given settings.
func (t *Tag) CreateApplication(aid AID, settings AppSettings, deadline time.Time) error {
	data := append(append([]byte(nil), aid.Bytes()...), settings.Pack()...)
	_, err := t.raw(cmdCreateApplication, data, deadline)
	return err
}

// DeleteApplication removes an application (requires PICC master-key
// authentication unless the application allows create/delete without
// it).
func (t *Tag) DeleteApplication(aid AID, deadline time.Time) error {
	_, err := t.raw(cmdDeleteApplication, aid.Bytes(), deadline)
	return err
}

// GetVersion retrieves hardware/software/production information via the
// card's three-part multi-frame exchange, generalized from
// pkg/ntag424/version.go's fixed-size GetVersion.
func (t *Tag) GetVersion(deadline time.Time) (TagVersion, error) {
	part1, err := t.raw(cmdGetVersion, nil, deadline)
	if err != nil {
		return TagVersion{}, err
	}
	if len(part1) != 7 {
		return TagVersion{}, fmt.Errorf("desfire: version part 1 length %d", len(part1))
	}
	part2, err := t.raw(cmdAdditionalFrame, nil, deadline)
	if err != nil {
		return TagVersion{}, err
	}
	if len(part2) != 7 {
		return TagVersion{}, fmt.Errorf("desfire: version part 2 length %d", len(part2))
	}
	part3, err := t.raw(cmdAdditionalFrame, nil, deadline)
	if err != nil {
		return TagVersion{}, err
	}
	if len(part3) != 14 {
		return TagVersion{}, fmt.Errorf("desfire: version part 3 length %d", len(part3))
	}

	v := TagVersion{
		HWVendorID: part1[0], HWType: part1[1], HWSubType: part1[2],
		HWMajorVer: part1[3], HWMinorVer: part1[4], HWStorageSize: part1[5], HWProtocol: part1[6],
		SWVendorID: part2[0], SWType: part2[1], SWSubType: part2[2],
		SWMajorVer: part2[3], SWMinorVer: part2[4], SWStorageSize: part2[5], SWProtocol: part2[6],
		UID:      append([]byte(nil), part3[0:7]...),
		BatchNo:  append([]byte(nil), part3[7:12]...),
		FabKey:   part3[12],
		ProdYear: part3[13] >> 4,
		ProdWeek: part3[13] & 0x0F,
	}
	return v, nil
}

// FormatPICC erases every application and file on the card (requires
// PICC master-key authentication).
func (t *Tag) FormatPICC(deadline time.Time) error {
	_, err := t.raw(cmdFormatPICC, nil, deadline)
	return err
}

// GetCardUID retrieves the card's unique ID, protected per the active
// session (the UID can be hidden behind random-UID mode, so this always
// requires authentication).
func (t *Tag) GetCardUID(deadline time.Time) ([]byte, error) {
	return t.secureCommand(cmdGetCardUID, nil, nil, session.ModeEncrypted, deadline)
}

// GetFreeMemory returns the number of free bytes available on the PICC.
func (t *Tag) GetFreeMemory(deadline time.Time) (uint32, error) {
	body, err := t.raw(cmdGetFreeMemory, nil, deadline)
	if err != nil {
		return 0, err
	}
	if len(body) != 3 {
		return 0, fmt.Errorf("desfire: free memory reply length %d", len(body))
	}
	return readU24LE(body), nil
}

// SetConfiguration toggles PICC-level capabilities.
func (t *Tag) SetConfiguration(allowFormat, enableRandomUID bool, deadline time.Time) error {
	var flags byte
	if !allowFormat {
		flags |= 0x01
	}
	if enableRandomUID {
		flags |= 0x02
	}
	_, err := t.secureCommand(cmdSetConfiguration, []byte{0x00}, []byte{flags}, session.ModeEncrypted, deadline)
	return err
}

// GetKeyVersion retrieves a key slot's version byte.
func (t *Tag) GetKeyVersion(keyNo byte, deadline time.Time) (byte, error) {
	body, err := t.raw(cmdGetKeyVersion, []byte{keyNo}, deadline)
	if err != nil {
		return 0, err
	}
	if len(body) != 1 {
		return 0, fmt.Errorf("desfire: key version reply length %d", len(body))
	}
	return body[0], nil
}

// ChangeKey installs newKey into newKey's own slot. If keyNo differs from
// the currently authenticated key, the wire payload XORs newKey against
// the card's current key material in that slot and appends integrity
// over both the XOR-ed and the plain new-key material. currentKey may be
// the empty key when changing the already-authenticated key itself.
func (t *Tag) ChangeKey(currentKey, newKey keys.Key, changeRootCipher bool, deadline time.Time) error {
	keyNoByte := newKey.Number()
	if changeRootCipher && t.activeAID == RootAID {
		keyNoByte |= cipherSelectorBits(newKey.Cipher())
	}

	sameKey := newKey.Number() == t.sess.KeyNumber()
	var data []byte
	if sameKey || currentKey.IsEmpty() {
		data = append(data, newKey.Packed()...)
		data = append(data, newKey.Version())
	} else {
		xored, err := newKey.XOR(currentKey)
		if err != nil {
			return err
		}
		xoredMsg := append([]byte{cmdChangeKey, keyNoByte}, xored.Packed()...)
		xoredMsg = append(xoredMsg, newKey.Version())
		data = append(data, xored.Packed()...)
		data = append(data, newKey.Version())
		data = append(data, crcTail(t.sess, xoredMsg)...)
		data = append(data, crcTail(t.sess, newKey.Packed())...)
	}

	_, err := t.secureCommand(cmdChangeKey, []byte{keyNoByte}, data, session.ModeEncrypted, deadline)
	return err
}

// crcTail computes the scheme-appropriate integrity tail over msg
// (CRC-16 for legacy sessions, CRC-32 for modern), little-endian.
func crcTail(s session.Session, msg []byte) []byte {
	if s.IsModern() {
		return crypto.AppendCRC32(msg)[len(msg):]
	}
	return crypto.AppendCRC16(msg)[len(msg):]
}

// GetFileIDs lists the file IDs present in the active application.
func (t *Tag) GetFileIDs(deadline time.Time) ([]byte, error) {
	return t.raw(cmdGetFileIDs, nil, deadline)
}

// GetFileSettings retrieves a file's settings.
func (t *Tag) GetFileSettings(fileNo byte, deadline time.Time) (FileSettings, error) {
	body, err := t.raw(cmdGetFileSettings, []byte{fileNo}, deadline)
	if err != nil {
		return FileSettings{}, err
	}
	return ParseFileSettings(body)
}

// ChangeFileSettings updates a file's security and access rights.
func (t *Tag) ChangeFileSettings(fileNo byte, security Security, rights AccessRights, deadline time.Time) error {
	word := rights.Pack()
	data := []byte{security.byte(), byte(word), byte(word >> 8)}
	_, err := t.secureCommand(cmdChangeFileSettings, []byte{fileNo}, data, session.ModeEncrypted, deadline)
	return err
}

// CreateFile creates a file of the type named in settings.Type.
func (t *Tag) CreateFile(fileNo byte, settings FileSettings, deadline time.Time) error {
	cmd := map[FileType]byte{
		FileTypeStandard:     cmdCreateStdDataFile,
		FileTypeBackup:       cmdCreateBackupDataFile,
		FileTypeValue:        cmdCreateValueFile,
		FileTypeLinearRecord: cmdCreateLinearRecord,
		FileTypeCyclicRecord: cmdCreateCyclicRecord,
	}[settings.Type]
	data := append([]byte{fileNo}, settings.CreateFileData()...)
	_, err := t.raw(cmd, data, deadline)
	return err
}

// DeleteFile removes a file from the active application.
func (t *Tag) DeleteFile(fileNo byte, deadline time.Time) error {
	_, err := t.raw(cmdDeleteFile, []byte{fileNo}, deadline)
	return err
}

// CommitTransaction commits pending value/record-file writes.
func (t *Tag) CommitTransaction(deadline time.Time) error {
	_, err := t.raw(cmdCommitTransaction, nil, deadline)
	return err
}

// AbortTransaction discards pending value/record-file writes.
func (t *Tag) AbortTransaction(deadline time.Time) error {
	_, err := t.raw(cmdAbortTransaction, nil, deadline)
	return err
}

// ClearRecordFile resets a linear/cyclic record file to zero records.
func (t *Tag) ClearRecordFile(fileNo byte, deadline time.Time) error {
	_, err := t.raw(cmdClearRecordFile, []byte{fileNo}, deadline)
	return err
}

// --- data files ---

// ReadData reads length bytes (0 = until end) starting at offset from a
// standard or backup data file, using mode for secure messaging.
func (t *Tag) ReadData(fileNo byte, offset, length uint32, mode session.Mode, deadline time.Time) ([]byte, error) {
	header := append([]byte{fileNo}, writeU24LE(offset)...)
	header = append(header, writeU24LE(length)...)
	return t.secureCommand(cmdReadData, header, nil, mode, deadline)
}

// WriteData writes data at offset into a standard or backup data file.
func (t *Tag) WriteData(fileNo byte, data []byte, offset uint32, mode session.Mode, deadline time.Time) error {
	header := append([]byte{fileNo}, writeU24LE(offset)...)
	header = append(header, writeU24LE(uint32(len(data)))...)
	_, err := t.secureCommand(cmdWriteData, header, data, mode, deadline)
	return err
}

// --- value files ---

// GetValue reads a value file's current balance.
func (t *Tag) GetValue(fileNo byte, mode session.Mode, deadline time.Time) (int32, error) {
	body, err := t.secureCommand(cmdGetValue, []byte{fileNo}, nil, mode, deadline)
	if err != nil {
		return 0, err
	}
	if len(body) != 4 {
		return 0, fmt.Errorf("desfire: value reply length %d", len(body))
	}
	return int32(uint32(body[0]) | uint32(body[1])<<8 | uint32(body[2])<<16 | uint32(body[3])<<24), nil
}

func leI32(v int32) []byte {
	u := uint32(v)
	return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
}

// Credit adds amount (>=0) to a value file's balance.
func (t *Tag) Credit(fileNo byte, amount int32, mode session.Mode, deadline time.Time) error {
	if amount < 0 {
		return errors.New("desfire: credit amount must be non-negative")
	}
	_, err := t.secureCommand(cmdCredit, []byte{fileNo}, leI32(amount), mode, deadline)
	return err
}

// Debit subtracts amount (>=0) from a value file's balance.
func (t *Tag) Debit(fileNo byte, amount int32, mode session.Mode, deadline time.Time) error {
	if amount < 0 {
		return errors.New("desfire: debit amount must be non-negative")
	}
	_, err := t.secureCommand(cmdDebit, []byte{fileNo}, leI32(amount), mode, deadline)
	return err
}

// LimitedCredit adds amount (>=0) to a value file enabled for
// limited-credit (crediting without a prior GetValue).
func (t *Tag) LimitedCredit(fileNo byte, amount int32, mode session.Mode, deadline time.Time) error {
	if amount < 0 {
		return errors.New("desfire: limited-credit amount must be non-negative")
	}
	_, err := t.secureCommand(cmdLimitedCredit, []byte{fileNo}, leI32(amount), mode, deadline)
	return err
}

// --- record files ---

// WriteRecord writes data at offset within the current record slot of a
// linear/cyclic record file.
func (t *Tag) WriteRecord(fileNo byte, data []byte, offset uint32, mode session.Mode, deadline time.Time) error {
	header := append([]byte{fileNo}, writeU24LE(offset)...)
	header = append(header, writeU24LE(uint32(len(data)))...)
	_, err := t.secureCommand(cmdWriteRecord, header, data, mode, deadline)
	return err
}

// ReadRecords reads count records (0 = all) starting at index, newest
// first per the card's convention.
func (t *Tag) ReadRecords(fileNo byte, index, count uint32, mode session.Mode, deadline time.Time) ([]byte, error) {
	header := append([]byte{fileNo}, writeU24LE(index)...)
	header = append(header, writeU24LE(count)...)
	return t.secureCommand(cmdReadRecords, header, nil, mode, deadline)
}

// AutoMode resolves the "trust-card" transmission mode for a requested
// access: if the relevant right is free, plain; promote maced to
// encrypted when the access is a change; otherwise the file's own
// security.
func AutoMode(fs FileSettings, right KeyRef, isChange bool) session.Mode {
	if right.IsFree() {
		return session.ModePlain
	}
	switch fs.Security {
	case SecurityEncrypted:
		return session.ModeEncrypted
	case SecurityMACed:
		if isChange {
			return session.ModeEncrypted
		}
		return session.ModeMAC
	default:
		return session.ModePlain
	}
}

// --- trust-card wrappers ---
//
// Each queries the file's current settings and derives the transmission
// mode via AutoMode before issuing the underlying operation, so a caller
// doesn't have to fetch FileSettings and pick a mode itself for the
// common case of trusting the file's own configured security level.

// TrustCardReadData is ReadData with the mode derived from the file's
// read access right.
func (t *Tag) TrustCardReadData(fileNo byte, offset, length uint32, deadline time.Time) ([]byte, error) {
	fs, err := t.GetFileSettings(fileNo, deadline)
	if err != nil {
		return nil, err
	}
	return t.ReadData(fileNo, offset, length, AutoMode(fs, fs.AccessRights.Read, false), deadline)
}

// TrustCardWriteData is WriteData with the mode derived from the file's
// write access right.
func (t *Tag) TrustCardWriteData(fileNo byte, data []byte, offset uint32, deadline time.Time) error {
	fs, err := t.GetFileSettings(fileNo, deadline)
	if err != nil {
		return err
	}
	return t.WriteData(fileNo, data, offset, AutoMode(fs, fs.AccessRights.Write, false), deadline)
}

// TrustCardGetValue is GetValue with the mode derived from the file's
// read access right.
func (t *Tag) TrustCardGetValue(fileNo byte, deadline time.Time) (int32, error) {
	fs, err := t.GetFileSettings(fileNo, deadline)
	if err != nil {
		return 0, err
	}
	return t.GetValue(fileNo, AutoMode(fs, fs.AccessRights.Read, false), deadline)
}

// TrustCardCredit is Credit with the mode derived from the file's write
// access right.
func (t *Tag) TrustCardCredit(fileNo byte, amount int32, deadline time.Time) error {
	fs, err := t.GetFileSettings(fileNo, deadline)
	if err != nil {
		return err
	}
	return t.Credit(fileNo, amount, AutoMode(fs, fs.AccessRights.Write, false), deadline)
}

// TrustCardDebit is Debit with the mode derived from the file's
// read-write access right, the right the card's convention lets debit a
// value file without also granting read access.
func (t *Tag) TrustCardDebit(fileNo byte, amount int32, deadline time.Time) error {
	fs, err := t.GetFileSettings(fileNo, deadline)
	if err != nil {
		return err
	}
	return t.Debit(fileNo, amount, AutoMode(fs, fs.AccessRights.ReadWrite, false), deadline)
}

// TrustCardLimitedCredit is LimitedCredit with the mode derived from the
// file's write access right.
func (t *Tag) TrustCardLimitedCredit(fileNo byte, amount int32, deadline time.Time) error {
	fs, err := t.GetFileSettings(fileNo, deadline)
	if err != nil {
		return err
	}
	return t.LimitedCredit(fileNo, amount, AutoMode(fs, fs.AccessRights.Write, false), deadline)
}

// TrustCardWriteRecord is WriteRecord with the mode derived from the
// file's write access right.
func (t *Tag) TrustCardWriteRecord(fileNo byte, data []byte, offset uint32, deadline time.Time) error {
	fs, err := t.GetFileSettings(fileNo, deadline)
	if err != nil {
		return err
	}
	return t.WriteRecord(fileNo, data, offset, AutoMode(fs, fs.AccessRights.Write, false), deadline)
}

// TrustCardReadRecords is ReadRecords with the mode derived from the
// file's read access right.
func (t *Tag) TrustCardReadRecords(fileNo byte, index, count uint32, deadline time.Time) ([]byte, error) {
	fs, err := t.GetFileSettings(fileNo, deadline)
	if err != nil {
		return nil, err
	}
	return t.ReadRecords(fileNo, index, count, AutoMode(fs, fs.AccessRights.Read, false), deadline)
}

func logCommand(cmd byte, deadline time.Time) {
	slog.Debug("card command", "cmd", fmt.Sprintf("0x%02X", cmd), "deadline", deadline)
}
