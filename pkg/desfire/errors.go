package desfire

import "fmt"

// Status bytes the card returns. Unlike the teacher's two-byte ISO 7816
// status words, the card command frames here carry a single status byte:
// status‖body.
const (
	StatusOK               byte = 0x00
	StatusNoChanges        byte = 0x0C
	StatusOutOfEEPROM       byte = 0x0E
	StatusIllegalCommand    byte = 0x1C
	StatusIntegrityError    byte = 0x1E
	StatusNoSuchKey         byte = 0x40
	StatusLengthError       byte = 0x7E
	StatusPermissionDenied  byte = 0x9D
	StatusParameterError    byte = 0x9E
	StatusAppNotFound       byte = 0xA0
	StatusAppIntegrityError byte = 0xA1
	StatusAuthError         byte = 0xAE
	StatusAdditionalFrame   byte = 0xAF
	StatusBoundaryError     byte = 0xBE
	StatusPICCIntegrity     byte = 0xC1
	StatusCommandAborted    byte = 0xCA
	StatusPICCDisabled      byte = 0xCD
	StatusCountError        byte = 0xCE
	StatusDuplicateError    byte = 0xDE
	StatusEEPROMError       byte = 0xEE
	StatusFileNotFound      byte = 0xF0
	StatusFileIntegrity     byte = 0xF1
)

// SWError represents a non-ok, non-"no changes" status byte returned by
// the card for a specific command, generalizing pkg/ntag424/errors.go's
// SWError from a two-byte ISO status word to this protocol's one-byte
// status.
type SWError struct {
	Cmd    byte
	Status byte
}

func (e *SWError) Error() string {
	return fmt.Sprintf("card command 0x%02X failed with status 0x%02X (%s)", e.Cmd, e.Status, statusDescription(e.Status))
}

func statusDescription(status byte) string {
	switch status {
	case StatusOK:
		return "ok"
	case StatusNoChanges:
		return "no changes"
	case StatusOutOfEEPROM:
		return "out of EEPROM"
	case StatusIllegalCommand:
		return "illegal command"
	case StatusIntegrityError:
		return "integrity error"
	case StatusNoSuchKey:
		return "no such key"
	case StatusLengthError:
		return "length error"
	case StatusPermissionDenied:
		return "permission denied"
	case StatusParameterError:
		return "parameter error"
	case StatusAppNotFound:
		return "application not found"
	case StatusAppIntegrityError:
		return "application integrity error"
	case StatusAuthError:
		return "authentication error"
	case StatusAdditionalFrame:
		return "additional frame"
	case StatusBoundaryError:
		return "boundary error"
	case StatusPICCIntegrity:
		return "PICC integrity error"
	case StatusCommandAborted:
		return "command aborted"
	case StatusPICCDisabled:
		return "PICC disabled"
	case StatusCountError:
		return "count error"
	case StatusDuplicateError:
		return "duplicate error"
	case StatusEEPROMError:
		return "EEPROM error"
	case StatusFileNotFound:
		return "file not found"
	case StatusFileIntegrity:
		return "file integrity error"
	default:
		return "unknown status"
	}
}

// CheckStatus returns an *SWError for any status byte other than ok or
// no-changes; every other status is propagated as a typed error.
func CheckStatus(cmd, status byte) error {
	if status == StatusOK || status == StatusNoChanges {
		return nil
	}
	return &SWError{Cmd: cmd, Status: status}
}

// IsAuthError reports whether err is an authentication-related status
// error, mirroring pkg/ntag424/errors.go's IsAuthError.
func IsAuthError(err error) bool {
	e, ok := err.(*SWError)
	return ok && e.Status == StatusAuthError
}

// IsPermissionDenied reports whether err is a permission-denied status
// error.
func IsPermissionDenied(err error) bool {
	e, ok := err.(*SWError)
	return ok && e.Status == StatusPermissionDenied
}

// IsBoundaryError reports whether err is a boundary (read-past-end)
// status error.
func IsBoundaryError(err error) bool {
	e, ok := err.(*SWError)
	return ok && e.Status == StatusBoundaryError
}

// IsLengthError reports whether err is a length-related status error.
func IsLengthError(err error) bool {
	e, ok := err.(*SWError)
	return ok && e.Status == StatusLengthError
}

// IsFileNotFound reports whether err is a file-not-found status error.
func IsFileNotFound(err error) bool {
	e, ok := err.(*SWError)
	return ok && e.Status == StatusFileNotFound
}

// IsAppNotFound reports whether err is an application-not-found status
// error.
func IsAppNotFound(err error) bool {
	e, ok := err.(*SWError)
	return ok && e.Status == StatusAppNotFound
}
