// Package channel implements the reader's command/response state machine:
// framing a command, waiting for the reader's ACK, chunking oversize
// payloads across additional-frame continuations, retrying on malformed
// reception, and cancelling by sending an ACK when a deadline expires
// mid-response.
package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/barnettlynn/picc/pkg/frame"
	"github.com/barnettlynn/picc/pkg/transport"
)

// Errors returned by Channel operations, matching the non-overlapping
// taxonomy the reader's command/response state machine can produce.
var (
	ErrTimeout      = errors.New("channel: timeout waiting for ACK")
	ErrCanceled     = errors.New("channel: canceled after deadline mid-response")
	ErrNACK         = errors.New("channel: reader sent NACK")
	ErrFailure      = errors.New("channel: reader returned application error frame")
	ErrMalformed    = errors.New("channel: malformed response")
	ErrTransport    = errors.New("channel: transport error")
	ErrReentrant    = errors.New("channel: operation already in progress")
	ackWindow       = time.Second
	additionalFrame = byte(0xAF)
)

// Channel drives one Transport with a run-to-completion command/response
// discipline: only one operation may be outstanding at a time.
type Channel struct {
	t       transport.Transport
	busy    bool
	retries int
}

// New wraps t in a Channel. The Channel does not own t's lifetime beyond
// using it; closing t is the caller's responsibility.
func New(t transport.Transport) *Channel {
	return &Channel{t: t, retries: 2}
}

// Wake issues the transport's wake signal.
func (c *Channel) Wake() error {
	return c.t.Wake()
}

// guard enters the "operation in progress" critical section, returning
// ErrReentrant if one is already active (reentrant invocation is a
// programmer error: this Channel drives one Transport with a run-to-completion
// discipline and never multiplexes concurrent operations).
func (c *Channel) guard() (func(), error) {
	if c.busy {
		return nil, ErrReentrant
	}
	c.busy = true
	return func() { c.busy = false }, nil
}

// Command sends cmd+data to the reader and, if expectResponse is true,
// waits for and returns the concatenated data of the response info frames
// (everything after each frame's direction and command bytes);
// CommandParseResponse additionally runs a parser over that data.
func (c *Channel) Command(cmd byte, data []byte, expectResponse bool, deadline time.Time) ([]byte, error) {
	release, err := c.guard()
	if err != nil {
		return nil, err
	}
	defer release()
	return c.command(cmd, data, expectResponse, deadline)
}

func (c *Channel) command(cmd byte, data []byte, expectResponse bool, deadline time.Time) ([]byte, error) {
	chunks := splitChunks(data, frame.MaxInfoPayload)
	if len(chunks) == 0 {
		chunks = [][]byte{nil}
	}

	for i, chunk := range chunks {
		sendCmd := cmd
		if i > 0 {
			sendCmd = additionalFrame
		}
		f := frame.Info(frame.HostToReader, sendCmd, chunk)
		if err := c.sendFrame(f, deadline); err != nil {
			return nil, err
		}
		if err := c.awaitACK(deadline); err != nil {
			return nil, err
		}
	}

	if !expectResponse {
		return nil, nil
	}
	return c.receiveLoop(deadline)
}

func (c *Channel) sendFrame(f frame.Frame, deadline time.Time) error {
	wire := frame.Encode(f)
	err := transport.WithBegin(c.t, true, func() error {
		return c.t.Send(wire, deadline)
	})
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return ErrTimeout
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (c *Channel) awaitACK(deadline time.Time) error {
	budget := deadline
	if remaining := time.Until(deadline); remaining > ackWindow {
		budget = time.Now().Add(ackWindow)
	}
	f, err := c.readOneFrame(budget)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return ErrTimeout
		}
		return err
	}
	switch f.Kind {
	case frame.KindACK:
		return nil
	case frame.KindNACK:
		return ErrNACK
	default:
		return ErrMalformed
	}
}

// receiveLoop reads info frames until one arrives whose command byte is not
// the additional-frame code 0xAF (or whose data is empty), concatenating
// payloads in order. A malformed frame triggers a NACK asking for a
// retransmission, up to c.retries times; running past deadline triggers a
// cancel-by-ACK, and a transport timeout before the deadline returns
// ErrTimeout.
func (c *Channel) receiveLoop(deadline time.Time) ([]byte, error) {
	var out []byte
	attempts := 0
	for {
		if time.Now().After(deadline) {
			_ = c.sendFrame(frame.ACK(), time.Now().Add(ackWindow))
			return nil, ErrCanceled
		}
		f, err := c.readOneFrame(deadline)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				if time.Now().After(deadline) {
					_ = c.sendFrame(frame.ACK(), time.Now().Add(ackWindow))
					return nil, ErrCanceled
				}
				return nil, ErrTimeout
			}
			if errors.Is(err, ErrMalformed) || errors.Is(err, frame.ErrMalformed) {
				attempts++
				if attempts > c.retries {
					return nil, ErrMalformed
				}
				slog.Debug("channel: malformed frame, sending NACK to retry", "attempt", attempts)
				if sendErr := c.sendFrame(frame.NACK(), deadline); sendErr != nil {
					return nil, sendErr
				}
				continue
			}
			return nil, err
		}

		switch f.Kind {
		case frame.KindError:
			return nil, ErrFailure
		case frame.KindInfo:
			out = append(out, f.Data...)
			if len(f.Data) == 0 || f.Command != additionalFrame {
				return out, nil
			}
			// Additional-frame continuation: keep reading.
		default:
			attempts++
			if attempts > c.retries {
				return nil, ErrMalformed
			}
			if err := c.sendFrame(frame.NACK(), deadline); err != nil {
				return nil, err
			}
		}
	}
}

// readOneFrame reads bytes from the transport until a complete frame can
// be decoded, or the deadline/transport signals failure.
func (c *Channel) readOneFrame(deadline time.Time) (frame.Frame, error) {
	var buf []byte
	for {
		chunk, err := c.receiveSome(deadline)
		if err != nil {
			return frame.Frame{}, err
		}
		buf = append(buf, chunk...)
		res, derr := frame.Decode(buf)
		if derr == nil {
			return res.Frame, nil
		}
		if errors.Is(derr, frame.ErrNoSOP) {
			continue
		}
		return frame.Frame{}, ErrMalformed
	}
}

func (c *Channel) receiveSome(deadline time.Time) ([]byte, error) {
	var out []byte
	err := transport.WithBegin(c.t, false, func() error {
		b, e := c.t.Receive(1, deadline)
		out = b
		return e
	})
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return nil, transport.ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return out, nil
}

// SendAck sends a bare ACK frame, used to cancel an in-flight command.
func (c *Channel) SendAck(deadline time.Time) error {
	return c.sendFrame(frame.ACK(), deadline)
}

// ReceiveAck waits for a bare ACK (or NACK) frame, without a preceding
// command — used by callers implementing their own retry policy around
// Command.
func (c *Channel) ReceiveAck(deadline time.Time) error {
	return c.awaitACK(deadline)
}

// splitChunks divides data into pieces no larger than max bytes each. An
// empty/nil data still produces one (empty) chunk so the command loop
// sends exactly one frame when there's nothing to chunk.
func splitChunks(data []byte, max int) [][]byte {
	if len(data) == 0 {
		return [][]byte{nil}
	}
	var out [][]byte
	for len(data) > 0 {
		n := max
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
