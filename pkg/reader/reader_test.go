package reader

import (
	"bytes"
	"testing"
	"time"

	"github.com/barnettlynn/picc/pkg/channel"
	"github.com/barnettlynn/picc/pkg/frame"
	"github.com/barnettlynn/picc/pkg/transport"
)

// fakeTransport mirrors pkg/channel's own test double: Send appends to a
// sent log, Receive serves bytes from a preloaded reply queue. Once the
// queue runs dry, Receive reports a timeout rather than spinning, so tests
// can exercise the "no target found" timeout path.
type fakeTransport struct {
	sent    [][]byte
	replies []byte
}

func (f *fakeTransport) Send(b []byte, _ time.Time) error {
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

func (f *fakeTransport) Receive(n int, _ time.Time) ([]byte, error) {
	if len(f.replies) == 0 {
		return nil, transport.ErrTimeout
	}
	if len(f.replies) < n {
		n = len(f.replies)
	}
	out := f.replies[:n]
	f.replies = f.replies[n:]
	return out, nil
}

func (f *fakeTransport) Wake() error { return nil }

func (f *fakeTransport) queue(frames ...frame.Frame) {
	for _, fr := range frames {
		f.replies = append(f.replies, frame.Encode(fr)...)
	}
}

func newController(ft *fakeTransport) *Controller {
	return New(channel.New(ft))
}

func TestGetFirmwareVersion(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(frame.ACK(), frame.Info(frame.ReaderToHost, 0x03, []byte{0x32, 0x01, 0x06, 0x07}))
	c := newController(ft)

	v, err := c.GetFirmwareVersion(time.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if v != (FirmwareVersion{IC: 0x32, Ver: 0x01, Rev: 0x06, Support: 0x07}) {
		t.Fatalf("got %+v", v)
	}
}

func TestGetGeneralStatusParsesTargets(t *testing.T) {
	ft := &fakeTransport{}
	body := []byte{
		0x00,       // last error
		0x01,       // field on
		0x01,       // one target
		0x01, 0x00, 0x10, // target 1, baud 0x00, modulation 0x10
		0x00, // SAM status
	}
	ft.queue(frame.ACK(), frame.Info(frame.ReaderToHost, 0x05, body))
	c := newController(ft)

	gs, err := c.GetGeneralStatus(time.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !gs.FieldOn || len(gs.Targets) != 1 || gs.Targets[0].TargetNumber != 0x01 {
		t.Fatalf("got %+v", gs)
	}
}

func TestListPassiveTargetsTypeA(t *testing.T) {
	ft := &fakeTransport{}
	body := []byte{
		0x01,             // one target
		0x01,             // target number
		0x00, 0x04,       // ATQA
		0x08,             // SAK
		0x04,             // UID length
		0xDE, 0xAD, 0xBE, 0xEF,
	}
	ft.queue(frame.ACK(), frame.Info(frame.ReaderToHost, 0x4B, body))
	c := newController(ft)

	targets, err := c.ListPassiveTargets(1, Baud106kbpsTypeA, nil, time.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 {
		t.Fatalf("got %d targets", len(targets))
	}
	if !bytes.Equal(targets[0].UID, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("got UID %x", targets[0].UID)
	}
	if targets[0].SAK != 0x08 {
		t.Fatalf("got SAK %#x", targets[0].SAK)
	}
}

func TestListPassiveTargetsEmptyOnTimeout(t *testing.T) {
	ft := &fakeTransport{} // no queued replies: awaitACK times out
	c := newController(ft)

	targets, err := c.ListPassiveTargets(1, Baud106kbpsTypeA, nil, time.Now().Add(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if targets == nil || len(targets) != 0 {
		t.Fatalf("got %v want empty non-nil slice", targets)
	}
}

func TestAutoPollEmptyOnTimeout(t *testing.T) {
	ft := &fakeTransport{}
	c := newController(ft)

	results, err := c.AutoPoll(5, 1, []AutoPollType{AutoPollTypeAGeneric}, time.Now().Add(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if results == nil || len(results) != 0 {
		t.Fatalf("got %v want empty non-nil slice", results)
	}
}

func TestDataExchangeChunksOversizePayload(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(
		frame.ACK(),
		frame.Info(frame.ReaderToHost, 0x41, []byte{0x00}), // ack for the first (non-final) chunk
		frame.ACK(),
		frame.Info(frame.ReaderToHost, 0x41, []byte{0x00, 0x01, 0x02}), // final chunk's real response
	)
	c := newController(ft)

	big := bytes.Repeat([]byte{0x5A}, dataExchangeChunk+10)
	resp, err := c.DataExchange(0x01, big, time.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp, []byte{0x01, 0x02}) {
		t.Fatalf("got %x", resp)
	}
	if len(ft.sent) != 2 {
		t.Fatalf("expected 2 InDataExchange calls, got %d", len(ft.sent))
	}

	res, err := frame.Decode(ft.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if res.Frame.Data[0]&0x40 == 0 {
		t.Fatalf("expected more-data bit set on first chunk's target byte, got %x", res.Frame.Data[0])
	}
	res, err = frame.Decode(ft.sent[1])
	if err != nil {
		t.Fatal(err)
	}
	if res.Frame.Data[0]&0x40 != 0 {
		t.Fatalf("expected more-data bit clear on final chunk's target byte, got %x", res.Frame.Data[0])
	}
}

func TestWriteGPIOSetsValidationBit(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(frame.ACK(), frame.Info(frame.ReaderToHost, 0x0F, nil))
	c := newController(ft)

	if err := c.WriteGPIO(0x01, 0x02, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	res, err := frame.Decode(ft.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if res.Frame.Data[0] != 0x81 || res.Frame.Data[1] != 0x82 {
		t.Fatalf("got data %x, want validation bit set", res.Frame.Data)
	}
}
