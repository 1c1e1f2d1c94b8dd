// Package transport defines the minimal capability a physical driver must
// implement to move bytes to and from a contactless reader. Concrete
// drivers (UART/I2C/SPI, GPIO/interrupt plumbing) are deliberately outside
// this module's core — see transport/serialport, transport/i2cbus, and
// transport/spibus for optional reference adapters.
package transport

import (
	"errors"
	"time"
)

// ErrTimeout is returned by Send/Receive when the deadline elapses before
// the operation completes.
var ErrTimeout = errors.New("transport: timeout")

// Transport is the capability a driver must implement. All operations are
// synchronous and block until completion, timeout, or error.
//
// Generalized from pkg/ntag424/card.go's single-method Card interface
// (Transmit([]byte) ([]byte, error)) to the send/receive/wake primitives a
// framed reader protocol needs.
type Transport interface {
	// Send writes b to the reader, returning before deadline elapses.
	Send(b []byte, deadline time.Time) error
	// Receive reads exactly n bytes from the reader, returning before
	// deadline elapses.
	Receive(n int, deadline time.Time) ([]byte, error)
	// Wake issues whatever out-of-band signal (e.g. a dummy byte, a GPIO
	// pulse) is needed to rouse a sleeping reader. Transports without a
	// wake mechanism may no-op and return nil.
	Wake() error
}

// Beginner and Ender are optional hooks a Transport may additionally
// implement when its physical layer needs to bracket an operation with a
// preamble or ready-poll (e.g. a two-wire bus that must poll a ready bit
// before each transfer).
type Beginner interface {
	OnReceiveBegin() error
	OnSendBegin() error
}

type Ender interface {
	OnReceiveEnd() error
	OnSendEnd() error
}

// MultiReceiveCapable is implemented by a Transport whose driver supports
// sharing a single Beginner/Ender bracket across multiple Receive calls
// (for example, a two-wire bus that would otherwise re-poll "ready" before
// every single frame fragment). pkg/channel does not consult it: it calls
// OnReceiveBegin/End around every single Receive call.
type MultiReceiveCapable interface {
	SupportsMultiReceive() bool
}

// SupportsMultiReceive reports whether t allows multiple Receive calls to
// share one begin/end bracket. Transports that don't implement
// MultiReceiveCapable are assumed not to (the conservative default: bracket
// every single Receive).
func SupportsMultiReceive(t Transport) bool {
	if m, ok := t.(MultiReceiveCapable); ok {
		return m.SupportsMultiReceive()
	}
	return false
}

// WithBegin wraps a send/receive call with the Beginner/Ender hooks the
// transport may implement, in the standard begin/operate/end order.
func WithBegin(t Transport, isSend bool, fn func() error) error {
	if b, ok := t.(Beginner); ok {
		var err error
		if isSend {
			err = b.OnSendBegin()
		} else {
			err = b.OnReceiveBegin()
		}
		if err != nil {
			return err
		}
	}
	ferr := fn()
	if e, ok := t.(Ender); ok {
		var err error
		if isSend {
			err = e.OnSendEnd()
		} else {
			err = e.OnReceiveEnd()
		}
		if err != nil && ferr == nil {
			return err
		}
	}
	return ferr
}
