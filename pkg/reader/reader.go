// Package reader implements typed wrappers over the reader's command set:
// diagnostics, firmware/version/status queries, register and GPIO access,
// baud and power control, RF configuration, target polling and selection,
// data exchange, and peer-to-peer DEP/PSL. It is a thin layer over
// pkg/channel, mirroring the shape of pkg/ntag424/io.go's thin typed
// wrappers over the raw transmit primitive (SelectNDEFApp, WriteNDEFData),
// generalized from a single APDU-select/write surface to the reader IC's
// full host-command set.
package reader

import (
	"errors"
	"time"

	"github.com/barnettlynn/picc/pkg/channel"
)

// Command bytes for the reader's host-to-reader command set.
const (
	cmdDiagnose            = 0x00
	cmdGetFirmwareVersion  = 0x02
	cmdGetGeneralStatus    = 0x04
	cmdReadRegister        = 0x06
	cmdWriteRegister       = 0x08
	cmdReadGPIO            = 0x0C
	cmdWriteGPIO           = 0x0E
	cmdSetSerialBaudRate   = 0x10
	cmdSetParameters       = 0x12
	cmdSAMConfiguration    = 0x14
	cmdPowerDown           = 0x16
	cmdRFConfiguration     = 0x32
	cmdInJumpForDEP        = 0x56
	cmdInListPassiveTarget = 0x4A
	cmdInPSL               = 0x4E
	cmdInDataExchange      = 0x40
	cmdInCommunicateThru   = 0x42
	cmdInDeselect          = 0x44
	cmdInRelease           = 0x52
	cmdInSelect            = 0x54
	cmdInAutoPoll          = 0x60
	cmdTgInitAsTarget      = 0x8C
	cmdTgSetGeneralBytes   = 0x92
	cmdTgGetData           = 0x86
	cmdTgSetData           = 0x8E
	cmdTgGetTargetStatus   = 0x8A
)

var errShortResponse = errors.New("reader: response too short")

// Controller drives one Channel with the reader's typed command surface.
// Exclusively owned by its caller; the Channel it wraps is a non-owning
// handle.
type Controller struct {
	ch *channel.Channel
}

// New wraps ch in a Controller.
func New(ch *channel.Channel) *Controller {
	return &Controller{ch: ch}
}

// DiagnoseTest names a diagnostic test number.
type DiagnoseTest byte

const (
	DiagCommLineTest    DiagnoseTest = 0x00
	DiagROMTest         DiagnoseTest = 0x01
	DiagRAMTest         DiagnoseTest = 0x02
	DiagPollingTest     DiagnoseTest = 0x04
	DiagEchoBackTest    DiagnoseTest = 0x05
	DiagAttentionTest   DiagnoseTest = 0x06
	DiagSelfAntennaTest DiagnoseTest = 0x07
)

// Diagnose runs one of the reader's self-test routines. For the comm-line
// echo test, input is echoed back verbatim; the caller compares.
func (c *Controller) Diagnose(test DiagnoseTest, input []byte, deadline time.Time) ([]byte, error) {
	data := append([]byte{byte(test)}, input...)
	return c.ch.Command(cmdDiagnose, data, true, deadline)
}

// FirmwareVersion is the reader's IC/version/revision/support-flags
// quadruplet.
type FirmwareVersion struct {
	IC      byte
	Ver     byte
	Rev     byte
	Support byte
}

// GetFirmwareVersion returns the reader's firmware identification.
func (c *Controller) GetFirmwareVersion(deadline time.Time) (FirmwareVersion, error) {
	return channel.CommandParseResponse(c.ch, cmdGetFirmwareVersion, nil, deadline, func(b []byte) (FirmwareVersion, int, error) {
		if len(b) < 4 {
			return FirmwareVersion{}, 0, errShortResponse
		}
		return FirmwareVersion{IC: b[0], Ver: b[1], Rev: b[2], Support: b[3]}, 4, nil
	})
}

// TargetState is one target's entry in GetGeneralStatus.
type TargetState struct {
	TargetNumber   byte
	BaudRateByte   byte
	ModulationByte byte
}

// GeneralStatus is the reader's overall error/field/target snapshot.
type GeneralStatus struct {
	LastError byte
	FieldOn   bool
	Targets   []TargetState
	SAMStatus byte
}

// GetGeneralStatus returns the reader's current error state, RF field
// state, and the set of currently-initialized targets.
func (c *Controller) GetGeneralStatus(deadline time.Time) (GeneralStatus, error) {
	return channel.CommandParseResponse(c.ch, cmdGetGeneralStatus, nil, deadline, func(b []byte) (GeneralStatus, int, error) {
		if len(b) < 3 {
			return GeneralStatus{}, 0, errShortResponse
		}
		gs := GeneralStatus{LastError: b[0], FieldOn: b[1] != 0}
		n := int(b[2])
		off := 3
		for i := 0; i < n; i++ {
			if off+3 > len(b) {
				return GeneralStatus{}, 0, errShortResponse
			}
			gs.Targets = append(gs.Targets, TargetState{
				TargetNumber:   b[off],
				BaudRateByte:   b[off+1],
				ModulationByte: b[off+2],
			})
			off += 3
		}
		if off >= len(b) {
			return GeneralStatus{}, 0, errShortResponse
		}
		gs.SAMStatus = b[off]
		off++
		return gs, off, nil
	})
}

// ReadRegister reads a single register by its 16-bit address.
func (c *Controller) ReadRegister(addr uint16, deadline time.Time) (byte, error) {
	return channel.CommandParseResponse(c.ch, cmdReadRegister, []byte{byte(addr >> 8), byte(addr)}, deadline, func(b []byte) (byte, int, error) {
		if len(b) < 1 {
			return 0, 0, errShortResponse
		}
		return b[0], 1, nil
	})
}

// WriteRegister writes a single register by its 16-bit address.
func (c *Controller) WriteRegister(addr uint16, value byte, deadline time.Time) error {
	_, err := c.ch.Command(cmdWriteRegister, []byte{byte(addr >> 8), byte(addr), value}, true, deadline)
	return err
}

// ReadGPIO returns the P3, P7, and I0I1 GPIO port snapshots.
func (c *Controller) ReadGPIO(deadline time.Time) (p3, p7, i0i1 byte, err error) {
	resp, err := c.ch.Command(cmdReadGPIO, nil, true, deadline)
	if err != nil {
		return 0, 0, 0, err
	}
	if len(resp) < 3 {
		return 0, 0, 0, errShortResponse
	}
	return resp[0], resp[1], resp[2], nil
}

// WriteGPIO writes the P3 and P7 GPIO ports in full; bit 7 of each byte
// must be set ("validation bit") for the write to take effect, matching
// the reader's own convention.
func (c *Controller) WriteGPIO(p3, p7 byte, deadline time.Time) error {
	_, err := c.ch.Command(cmdWriteGPIO, []byte{p3 | 0x80, p7 | 0x80}, true, deadline)
	return err
}

// serialBaudRateSettleDelay is the minimum pause after the reader ACKs
// set_serial_baud_rate and before the host resumes communication at the
// new rate, giving the reader's UART time to switch over.
const serialBaudRateSettleDelay = 200 * time.Microsecond

// SetSerialBaudRate changes the asynchronous serial link's baud rate. It is
// only valid when the underlying transport is asynchronous serial; callers
// on I2C/SPI transports must not call this. The reader switches to the new
// rate immediately after ACKing, so this blocks for serialBaudRateSettleDelay
// before returning to give the reader's UART time to settle.
func (c *Controller) SetSerialBaudRate(rate byte, deadline time.Time) error {
	_, err := c.ch.Command(cmdSetSerialBaudRate, []byte{rate}, true, deadline)
	if err != nil {
		return err
	}
	time.Sleep(serialBaudRateSettleDelay)
	return nil
}

// SAMMode selects the secure-access-module's operating mode.
type SAMMode byte

const (
	SAMNormal      SAMMode = 0x01
	SAMVirtualCard SAMMode = 0x02
	SAMWiredCard   SAMMode = 0x03
	SAMDualCard    SAMMode = 0x04
)

// SAMConfiguration configures the secure-access-module. It must precede
// most other commands after a wake. timeout is in units of 50ms (0 disables
// the timeout); irq requests the reader assert IRQ when ready in
// virtual-card mode.
func (c *Controller) SAMConfiguration(mode SAMMode, timeout byte, irq bool, deadline time.Time) error {
	irqByte := byte(0)
	if irq {
		irqByte = 1
	}
	_, err := c.ch.Command(cmdSAMConfiguration, []byte{byte(mode), timeout, irqByte}, true, deadline)
	return err
}

// SetParameters configures initiator-side behavior flags: automatic ATR_RES,
// automatic RATS, and similar bits the reader exposes as a single
// parameter byte.
func (c *Controller) SetParameters(flags byte, deadline time.Time) error {
	_, err := c.ch.Command(cmdSetParameters, []byte{flags}, true, deadline)
	return err
}

// WakeSource is a bitset of events that may rouse the reader from
// power-down.
type WakeSource byte

const (
	WakeOnINT0   WakeSource = 0x01
	WakeOnINT1   WakeSource = 0x02
	WakeOnSerial WakeSource = 0x10
	WakeOnSPI    WakeSource = 0x20
	WakeOnI2C    WakeSource = 0x40
	WakeOnRF     WakeSource = 0x80
)

// PowerDown puts the reader to sleep until one of sources fires. If
// requestIRQ is set, the reader asserts IRQ immediately before sleeping
// rather than only on wake.
func (c *Controller) PowerDown(sources WakeSource, requestIRQ bool, deadline time.Time) error {
	irqByte := byte(0)
	if requestIRQ {
		irqByte = 1
	}
	_, err := c.ch.Command(cmdPowerDown, []byte{byte(sources), irqByte}, true, deadline)
	return err
}

// RFConfigItem names one of the RF-configuration sub-items.
type RFConfigItem byte

const (
	RFConfigField           RFConfigItem = 0x01
	RFConfigTimings         RFConfigItem = 0x02
	RFConfigMaxRetries      RFConfigItem = 0x05
	RFConfigAnalogTypeA     RFConfigItem = 0x0A
	RFConfigAnalogTypeB     RFConfigItem = 0x0B
	RFConfigAnalog212_424   RFConfigItem = 0x0C
)

// RFConfiguration writes one RF-configuration sub-item's raw parameter
// bytes; the parameter layout is item-specific (RF field on/off, RF
// timings/retries, analog settings per modulation).
func (c *Controller) RFConfiguration(item RFConfigItem, params []byte, deadline time.Time) error {
	data := append([]byte{byte(item)}, params...)
	_, err := c.ch.Command(cmdRFConfiguration, data, true, deadline)
	return err
}

// SetRFField turns the RF field on or off, optionally in auto-RF mode.
func (c *Controller) SetRFField(on bool, auto bool, deadline time.Time) error {
	var b byte
	if auto {
		b |= 0x02
	}
	if on {
		b |= 0x01
	}
	return c.RFConfiguration(RFConfigField, []byte{b}, deadline)
}

// SetMaxRetries sets the retry counts for ATR, PSL, and passive activation.
func (c *Controller) SetMaxRetries(atr, psl, passiveActivation byte, deadline time.Time) error {
	return c.RFConfiguration(RFConfigMaxRetries, []byte{atr, psl, passiveActivation}, deadline)
}

// BaudRate names one of the supported modulation/baud combinations for
// target polling.
type BaudRate byte

const (
	Baud106kbpsTypeA  BaudRate = 0x00
	Baud212kbps       BaudRate = 0x01
	Baud424kbps       BaudRate = 0x02
	Baud106kbpsTypeB  BaudRate = 0x03
	Baud106kbpsJewel  BaudRate = 0x04
)

// PassiveTarget is one target discovered by InListPassiveTarget, carrying
// whatever subset of ATQA/SAK/UID/ATS applies to the baud rate used.
type PassiveTarget struct {
	TargetNumber byte
	ATQA         []byte
	SAK          byte
	UID          []byte
	ATS          []byte
}

// ListPassiveTargets polls for up to maxTargets targets at the given baud
// rate, with optional modulation-specific initiator data (e.g. a UID for
// targeted reactivation, or a FeliCa polling payload). On timeout (no
// target found) it returns an empty, non-nil slice rather than an error:
// finding no target is a normal poll outcome, not a failure.
func (c *Controller) ListPassiveTargets(maxTargets byte, baud BaudRate, initiatorData []byte, deadline time.Time) ([]PassiveTarget, error) {
	data := append([]byte{maxTargets, byte(baud)}, initiatorData...)
	resp, err := c.ch.Command(cmdInListPassiveTarget, data, true, deadline)
	if err != nil {
		if errors.Is(err, channel.ErrTimeout) || errors.Is(err, channel.ErrCanceled) {
			return []PassiveTarget{}, nil
		}
		return nil, err
	}
	if len(resp) < 1 {
		return []PassiveTarget{}, nil
	}
	n := int(resp[0])
	out := make([]PassiveTarget, 0, n)
	off := 1
	for i := 0; i < n; i++ {
		if off >= len(resp) {
			return nil, errShortResponse
		}
		t := PassiveTarget{TargetNumber: resp[off]}
		off++
		switch baud {
		case Baud106kbpsTypeA:
			if off+3 > len(resp) {
				return nil, errShortResponse
			}
			t.ATQA = resp[off : off+2]
			t.SAK = resp[off+2]
			off += 3
			if off >= len(resp) {
				return nil, errShortResponse
			}
			uidLen := int(resp[off])
			off++
			if off+uidLen > len(resp) {
				return nil, errShortResponse
			}
			t.UID = resp[off : off+uidLen]
			off += uidLen
		default:
			// 212/424kbps FeliCa and type B/Jewel carry a
			// length-prefixed opaque blob the caller is
			// expected to interpret per baud rate; surface it
			// as UID for the common "identify this target"
			// case.
			if off >= len(resp) {
				return nil, errShortResponse
			}
			blobLen := int(resp[off])
			off++
			if off+blobLen > len(resp) {
				return nil, errShortResponse
			}
			t.UID = resp[off : off+blobLen]
			off += blobLen
		}
		out = append(out, t)
	}
	return out, nil
}

// AutoPollType names one modulation/baud combination InAutoPoll may probe
// for, in probe order.
type AutoPollType byte

const (
	AutoPollTypeAGeneric AutoPollType = 0x00
	AutoPollTypeAMifare  AutoPollType = 0x10
	AutoPollTypeFeliCa212 AutoPollType = 0x11
	AutoPollTypeFeliCa424 AutoPollType = 0x12
	AutoPollTypeJewel    AutoPollType = 0x20
	AutoPollTypeB        AutoPollType = 0x23
)

// AutoPollResult is one target InAutoPoll discovered.
type AutoPollResult struct {
	Type AutoPollType
	Data []byte
}

// AutoPoll polls cyclically across the given target types, up to
// pollNumber times with pollPeriod*150ms between attempts, stopping at the
// first successful poll. On timeout it returns an empty, non-nil slice.
func (c *Controller) AutoPoll(pollNumber, pollPeriod byte, types []AutoPollType, deadline time.Time) ([]AutoPollResult, error) {
	data := []byte{pollNumber, pollPeriod}
	for _, t := range types {
		data = append(data, byte(t))
	}
	resp, err := c.ch.Command(cmdInAutoPoll, data, true, deadline)
	if err != nil {
		if errors.Is(err, channel.ErrTimeout) || errors.Is(err, channel.ErrCanceled) {
			return []AutoPollResult{}, nil
		}
		return nil, err
	}
	if len(resp) < 1 {
		return []AutoPollResult{}, nil
	}
	n := int(resp[0])
	out := make([]AutoPollResult, 0, n)
	off := 1
	for i := 0; i < n; i++ {
		if off+2 > len(resp) {
			return nil, errShortResponse
		}
		typ := AutoPollType(resp[off])
		dataLen := int(resp[off+1])
		off += 2
		if off+dataLen > len(resp) {
			return nil, errShortResponse
		}
		out = append(out, AutoPollResult{Type: typ, Data: resp[off : off+dataLen]})
		off += dataLen
	}
	return out, nil
}

// Select activates target tg as the one subsequent DataExchange calls
// address.
func (c *Controller) Select(tg byte, deadline time.Time) error {
	_, err := c.ch.Command(cmdInSelect, []byte{tg}, true, deadline)
	return err
}

// Deselect puts target tg in the deselected state without releasing the
// RF field.
func (c *Controller) Deselect(tg byte, deadline time.Time) error {
	_, err := c.ch.Command(cmdInDeselect, []byte{tg}, true, deadline)
	return err
}

// Release releases target tg entirely, freeing the RF field.
func (c *Controller) Release(tg byte, deadline time.Time) error {
	_, err := c.ch.Command(cmdInRelease, []byte{tg}, true, deadline)
	return err
}

// dataExchangeChunk is the largest single user-data chunk sent per
// InDataExchange call; the reader's own framing caps the information
// payload per frame to 262 bytes of inbound user data.
const dataExchangeChunk = 262

// DataExchange exchanges data with the previously-selected target tg,
// transparently chunking data larger than dataExchangeChunk across
// multiple InDataExchange calls using the "more data" continuation bit
// (target byte bit 6, 0x40) on the way out, and pulling additional
// response chunks with that same bit on the way back, concatenating all
// of them into the caller's single result.
func (c *Controller) DataExchange(tg byte, data []byte, deadline time.Time) ([]byte, error) {
	chunks := chunkData(data, dataExchangeChunk)
	var resp []byte
	for i, chunk := range chunks.parts {
		tgByte := tg
		if chunk.more {
			tgByte |= 0x40
		}
		r, err := c.ch.Command(cmdInDataExchange, append([]byte{tgByte}, chunk.data...), true, deadline)
		if err != nil {
			return nil, err
		}
		if i == len(chunks.parts)-1 {
			resp = r
		}
	}

	if len(resp) < 1 {
		return nil, errShortResponse
	}
	status, out := resp[0], append([]byte{}, resp[1:]...)
	for status&0x40 != 0 {
		r, err := c.ch.Command(cmdInDataExchange, []byte{tg}, true, deadline)
		if err != nil {
			return nil, err
		}
		if len(r) < 1 {
			return nil, errShortResponse
		}
		status = r[0]
		out = append(out, r[1:]...)
	}
	return out, nil
}

// CommunicateThru is the raw passthrough exchange: no target framing, no
// "more data" accounting, just bytes to and from whatever is in the RF
// field.
func (c *Controller) CommunicateThru(data []byte, deadline time.Time) ([]byte, error) {
	resp, err := c.ch.Command(cmdInCommunicateThru, data, true, deadline)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, errShortResponse
	}
	return resp[1:], nil
}

type dataChunk struct {
	data []byte
	more bool
}

type chunkedData struct {
	parts []dataChunk
}

func chunkData(data []byte, max int) chunkedData {
	if len(data) == 0 {
		return chunkedData{parts: []dataChunk{{}}}
	}
	var out []dataChunk
	for len(data) > 0 {
		n := max
		more := false
		if n >= len(data) {
			n = len(data)
		} else {
			more = true
		}
		out = append(out, dataChunk{data: data[:n], more: more})
		data = data[n:]
	}
	return chunkedData{parts: out}
}

// JumpForDEP activates a target in DEP (data exchange protocol) mode,
// returning its general bytes.
func (c *Controller) JumpForDEP(active bool, baud BaudRate, nfcid3, generalBytes []byte, deadline time.Time) ([]byte, error) {
	actFlag := byte(0)
	if active {
		actFlag = 1
	}
	nextFlag := byte(0)
	data := []byte{actFlag, byte(baud), nextFlag}
	if len(nfcid3) > 0 {
		data[2] |= 0x01
		data = append(data, nfcid3...)
	}
	if len(generalBytes) > 0 {
		data[2] |= 0x02
		data = append(data, byte(len(generalBytes)))
		data = append(data, generalBytes...)
	}
	resp, err := c.ch.Command(cmdInJumpForDEP, data, true, deadline)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, errShortResponse
	}
	return resp[1:], nil
}

// PSLRequest performs a parameter selection (baud/framing) change on the
// already-activated target tg.
func (c *Controller) PSLRequest(tg byte, brs, fsl byte, deadline time.Time) error {
	_, err := c.ch.Command(cmdInPSL, []byte{tg, brs, fsl}, true, deadline)
	return err
}

// TargetMode configures the reader's peer-to-peer target (card emulation)
// role.
type TargetMode struct {
	MifareParams   []byte
	FeliCaParams   []byte
	NFCID3         []byte
	GeneralBytes   []byte
	HistoricalBytes []byte
}

// InitAsTarget configures the reader to act as a DEP target, blocking
// until an initiator activates it. Returns the mode byte describing how
// activation happened plus the initiator's command bytes.
func (c *Controller) InitAsTarget(mode byte, tm TargetMode, deadline time.Time) (activatedMode byte, initiatorCmd []byte, err error) {
	data := []byte{mode}
	data = append(data, padTo(tm.MifareParams, 6)...)
	data = append(data, padTo(tm.FeliCaParams, 18)...)
	data = append(data, padTo(tm.NFCID3, 10)...)
	data = append(data, byte(len(tm.GeneralBytes)))
	data = append(data, tm.GeneralBytes...)
	data = append(data, byte(len(tm.HistoricalBytes)))
	data = append(data, tm.HistoricalBytes...)
	resp, err := c.ch.Command(cmdTgInitAsTarget, data, true, deadline)
	if err != nil {
		return 0, nil, err
	}
	if len(resp) < 1 {
		return 0, nil, errShortResponse
	}
	return resp[0], resp[1:], nil
}

func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

// TgGetData receives the next frame addressed to the reader while it is
// acting as a target.
func (c *Controller) TgGetData(deadline time.Time) ([]byte, error) {
	resp, err := c.ch.Command(cmdTgGetData, nil, true, deadline)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, errShortResponse
	}
	return resp[1:], nil
}

// TgSetData sends a frame back to the initiator while acting as a target.
func (c *Controller) TgSetData(data []byte, deadline time.Time) error {
	_, err := c.ch.Command(cmdTgSetData, data, true, deadline)
	return err
}

// TgSetGeneralBytes updates the general bytes (ATR_RES payload) advertised
// while acting as a target, without a full re-InitAsTarget.
func (c *Controller) TgSetGeneralBytes(generalBytes []byte, deadline time.Time) error {
	_, err := c.ch.Command(cmdTgSetGeneralBytes, generalBytes, true, deadline)
	return err
}

// TgTargetStatus is the reader's target-mode activation snapshot.
type TgTargetStatus struct {
	State   byte
	BaudRx  byte
	BaudTx  byte
}

// TgGetTargetStatus reports whether and how the reader, acting as a
// target, has been activated by an initiator.
func (c *Controller) TgGetTargetStatus(deadline time.Time) (TgTargetStatus, error) {
	return channel.CommandParseResponse(c.ch, cmdTgGetTargetStatus, nil, deadline, func(b []byte) (TgTargetStatus, int, error) {
		if len(b) < 3 {
			return TgTargetStatus{}, 0, errShortResponse
		}
		return TgTargetStatus{State: b[0], BaudRx: b[1], BaudTx: b[2]}, 3, nil
	})
}

