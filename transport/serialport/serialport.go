// Package serialport implements pkg/transport.Transport over an
// asynchronous serial line, the physical layer the reader protocol's
// framing (pkg/frame) and baud-change command (pkg/reader's
// SetSerialBaudRate) assume.
//
// Grounded on seedhammer-seedhammer/driver/mjolnir/device.go's
// serial.Config{Name, Baud} / serial.OpenPort device-open pattern,
// generalized from a one-shot io.ReadWriteCloser open to a Transport with
// deadline-aware Send/Receive.
package serialport

import (
	"fmt"
	"time"

	"github.com/tarm/serial"

	"github.com/barnettlynn/picc/pkg/transport"
)

// pollInterval is the granularity at which Receive re-checks the deadline
// between short per-read timeouts. tarm/serial has no per-call deadline of
// its own, only a Config.ReadTimeout set at open time, so Receive polls in
// small slices to approximate one.
const pollInterval = 50 * time.Millisecond

// Port is a Transport over a tarm/serial-opened device.
type Port struct {
	port *serial.Port
}

// Open opens dev at baud, configuring the read timeout to pollInterval so
// Receive can honor per-call deadlines.
func Open(dev string, baud int) (*Port, error) {
	port, err := serial.OpenPort(&serial.Config{Name: dev, Baud: baud, ReadTimeout: pollInterval})
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", dev, err)
	}
	return &Port{port: port}, nil
}

// Close releases the underlying serial port.
func (p *Port) Close() error {
	return p.port.Close()
}

// Send writes b in full, returning transport.ErrTimeout if deadline
// elapses first.
func (p *Port) Send(b []byte, deadline time.Time) error {
	for len(b) > 0 {
		if time.Now().After(deadline) {
			return transport.ErrTimeout
		}
		n, err := p.port.Write(b)
		if err != nil {
			return fmt.Errorf("serialport: write: %w", err)
		}
		b = b[n:]
	}
	return nil
}

// Receive reads exactly n bytes, polling in pollInterval-bounded slices so
// it can give up at deadline without blocking the underlying Read call
// indefinitely.
func (p *Port) Receive(n int, deadline time.Time) ([]byte, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if time.Now().After(deadline) {
			return nil, transport.ErrTimeout
		}
		k, err := p.port.Read(buf[:n-len(out)])
		if err != nil {
			return nil, fmt.Errorf("serialport: read: %w", err)
		}
		out = append(out, buf[:k]...)
	}
	return out, nil
}

// Wake sends a single 0x55 byte, the PN532 family's documented
// UART wake-up preamble byte, with a short, generous deadline.
func (p *Port) Wake() error {
	return p.Send([]byte{0x55}, time.Now().Add(time.Second))
}

// SetBaud reopens the underlying device at a new baud rate, used after a
// successful pkg/reader SetSerialBaudRate call so the host side tracks the
// reader's new line speed.
func (p *Port) SetBaud(dev string, baud int) error {
	if err := p.port.Close(); err != nil {
		return fmt.Errorf("serialport: close for rebaud: %w", err)
	}
	port, err := serial.OpenPort(&serial.Config{Name: dev, Baud: baud, ReadTimeout: pollInterval})
	if err != nil {
		return fmt.Errorf("serialport: reopen at %d baud: %w", baud, err)
	}
	p.port = port
	return nil
}
