package engine

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/loranet/fragradio/clock"
	"github.com/loranet/fragradio/gps"
	"github.com/loranet/fragradio/settings"
	"github.com/loranet/fragradio/shell"
)

var testPSKHex = "00112233445566778899aabbccddeeff"[:32]

// linkedRadios wires two fake radio.Radio endpoints together with lossy
// in-memory channels, so two Engines can exchange fragments without a real
// modem, mirroring the teacher's transport test doubles.
type linkedRadios struct {
	mu     sync.Mutex
	inboxA [][]byte
	inboxB [][]byte
	dropA  map[int]bool // index (by A's send order) of an A->B transmit to drop
	dropB  map[int]bool // index (by B's send order) of a B->A transmit to drop
	sentA  int
	sentB  int
}

type fakeRadio struct {
	link   *linkedRadios
	isA    bool
	packet int
}

func newLinkedPair(packetLen int) (*fakeRadio, *fakeRadio) {
	l := &linkedRadios{dropA: make(map[int]bool), dropB: make(map[int]bool)}
	return &fakeRadio{link: l, isA: true, packet: packetLen}, &fakeRadio{link: l, isA: false, packet: packetLen}
}

func (f *fakeRadio) GetPacketLength() int { return f.packet }
func (f *fakeRadio) StartReceive() error  { return nil }

func (f *fakeRadio) Transmit(block []byte) error {
	cp := append([]byte(nil), block...)
	f.link.mu.Lock()
	defer f.link.mu.Unlock()
	if f.isA {
		idx := f.link.sentA
		f.link.sentA++
		if f.link.dropA[idx] {
			return nil
		}
		f.link.inboxB = append(f.link.inboxB, cp)
	} else {
		idx := f.link.sentB
		f.link.sentB++
		if f.link.dropB[idx] {
			return nil
		}
		f.link.inboxA = append(f.link.inboxA, cp)
	}
	return nil
}

func (f *fakeRadio) Receive(buf []byte, timeout time.Duration) (int, error) {
	f.link.mu.Lock()
	defer f.link.mu.Unlock()
	var box *[][]byte
	if f.isA {
		box = &f.link.inboxA
	} else {
		box = &f.link.inboxB
	}
	if len(*box) == 0 {
		return 0, nil
	}
	block := (*box)[0]
	*box = (*box)[1:]
	n := copy(buf, block)
	return n, nil
}

func newTestEngine(t *testing.T, name string, r *fakeRadio, ck *clock.Clock) *Engine {
	t.Helper()
	s := settings.Default()
	s.DeviceName = name
	s.PSKHex = testPSKHex
	s.MaxRetries = 3
	s.RetryInterval = 0 // selects sendqueue.DefaultRetryInterval; tests advance the clock past it

	e, err := New(Config{
		Settings: s,
		Radio:    r,
		GPS:      gps.NewStaticSource(gps.Position{}),
		Clock:    ck,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestPSKHexIsValidHex(t *testing.T) {
	if _, err := hex.DecodeString(testPSKHex); err != nil {
		t.Fatalf("test PSK fixture is not valid hex: %v", err)
	}
	if len(testPSKHex) != 32 {
		t.Fatalf("test PSK fixture must decode to 16 bytes, got %d hex chars", len(testPSKHex))
	}
}

// TestCleanTwoFragmentRoundTrip exercises spec §8 scenario 1: a short MSG
// ("MSG|ALPHA|hello", 15 bytes, two fragments) is sent, received whole,
// ack-confirmed, and removed from the sender's queue.
func TestCleanTwoFragmentRoundTrip(t *testing.T) {
	ck := clock.New()
	ra, rb := newLinkedPair(16)
	sender := newTestEngine(t, "ALPHA", ra, ck)
	receiver := newTestEngine(t, "BRAVO", rb, ck)

	id, err := sender.Send("MSG", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Sender transmits both fragments.
	sender.progressQueue()
	// Receiver picks it up, reassembles, and transmits ACK_CONFIRM back.
	drainOnce(receiver)
	// Sender picks up the ACK_CONFIRM and resolves the message.
	drainOnce(sender)

	if sender.queue.PendingCount() != 0 {
		t.Fatalf("expected sender queue empty after ack, got %d pending", sender.queue.PendingCount())
	}
	if _, err := sender.queue.Retries(id, 0); err == nil {
		t.Fatalf("expected message %04X to be gone from the queue", id)
	}
}

// TestLostFragmentIsRetried exercises spec §8 scenario 2: the first transmit
// attempt of a fragment is dropped on the wire, and a retry succeeds.
func TestLostFragmentIsRetried(t *testing.T) {
	ck := clock.New()
	ra, rb := newLinkedPair(16)
	sender := newTestEngine(t, "ALPHA", ra, ck)
	receiver := newTestEngine(t, "BRAVO", rb, ck)

	ra.link.dropA[0] = true // drop fragment 0's first transmit attempt

	// "MSG|ALPHA|hi" is 12 bytes: two fragments.
	if _, err := sender.Send("MSG", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	sender.progressQueue() // attempt 1: fragment 0 dropped on the wire, fragment 1 delivered
	drainOnce(receiver)
	if receiver.table.PendingCount() != 1 {
		t.Fatalf("receiver should hold one partial message missing the dropped fragment, got %d", receiver.table.PendingCount())
	}

	ck.Advance(ck.Now().Add(10 * time.Second))
	sender.progressQueue() // attempt 2: delivered
	drainOnce(receiver)
	drainOnce(sender)

	if sender.queue.PendingCount() != 0 {
		t.Fatalf("expected message resolved after retry, got %d pending", sender.queue.PendingCount())
	}
}

// TestLostConfirmCausesReAckNotRedelivery exercises spec §8 scenario 3: the
// ACK_CONFIRM is lost, the sender retries the original fragments, and the
// receiver re-acks the already-completed message without re-delivering it
// to the application (reassembly.StatusDuplicate).
func TestLostConfirmCausesReAckNotRedelivery(t *testing.T) {
	ck := clock.New()
	ra, rb := newLinkedPair(16)
	sender := newTestEngine(t, "ALPHA", ra, ck)
	receiver := newTestEngine(t, "BRAVO", rb, ck)

	rb.link.dropB[0] = true // drop the first ACK_CONFIRM sent back to A

	if _, err := sender.Send("MSG", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	sender.progressQueue()    // send both fragments
	drainOnce(receiver)       // receiver assembles, sends ack -> dropped
	drainOnce(sender)         // nothing arrives
	if sender.queue.PendingCount() != 1 {
		t.Fatalf("expected message still pending after lost confirm, got %d", sender.queue.PendingCount())
	}

	ck.Advance(ck.Now().Add(10 * time.Second))
	sender.progressQueue() // retransmit both fragments
	drainOnce(receiver)    // duplicate: re-ack, no re-delivery
	drainOnce(sender)      // resolves this time

	if sender.queue.PendingCount() != 0 {
		t.Fatalf("expected message resolved after re-ack, got %d pending", sender.queue.PendingCount())
	}
}

// TestRetryExhaustionRemovesMessage exercises spec §8 scenario 4 and
// invariant 6: a message whose fragment is never delivered is dropped after
// MaxRetries attempts, emitting EventFinalFailed.
func TestRetryExhaustionRemovesMessage(t *testing.T) {
	ck := clock.New()
	ra, _ := newLinkedPair(16)
	sender := newTestEngine(t, "ALPHA", ra, ck)
	ra.link.dropA = map[int]bool{0: true, 1: true, 2: true, 3: true}

	id, err := sender.Send("MSG", "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	for i := 0; i < 3; i++ {
		ck.Advance(ck.Now().Add(10 * time.Second))
		sender.progressQueue()
	}

	if sender.queue.PendingCount() != 0 {
		t.Fatalf("expected message %04X evicted after exhausting retries, got %d pending", id, sender.queue.PendingCount())
	}
}

// TestDirectedMessageParsesRecipient exercises spec §8 scenario 5: a DMSG
// assembles with sender, recipient, and body all recovered correctly.
func TestDirectedMessageParsesRecipient(t *testing.T) {
	ck := clock.New()
	ra, rb := newLinkedPair(16)
	sender := newTestEngine(t, "ALPHA", ra, ck)
	receiver := newTestEngine(t, "BRAVO", rb, ck)
	diag := &recordingDiag{}
	receiver.diag = diag

	reply := sender.HandleCommand("AT+DMSG=BRAVO|meet at noon")
	if reply[:2] != "OK" {
		t.Fatalf("expected OK reply, got %q", reply)
	}

	sender.progressQueue()
	drainOnce(receiver)

	if receiver.table.PendingCount() != 0 {
		t.Fatalf("message should have completed reassembly")
	}
	want := "RECV|DMSG|ALPHA|BRAVO|meet at noon|" + reply[3:]
	found := false
	for _, line := range diag.lines {
		if line == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected diagnostic %q, got %v", want, diag.lines)
	}
}

// recordingDiag captures the diagnostic lines an Engine publishes.
type recordingDiag struct {
	lines []string
}

func (r *recordingDiag) Publish(line string) { r.lines = append(r.lines, line) }

// TestBeaconRoundTrip exercises spec §8 scenario 6: an AT+BEACON command
// enqueues a BEACON message carrying the current GPS fix.
func TestBeaconRoundTrip(t *testing.T) {
	ck := clock.New()
	ra, rb := newLinkedPair(16)
	sender := newTestEngine(t, "ALPHA", ra, ck)
	receiver := newTestEngine(t, "BRAVO", rb, ck)
	pos := gps.NewStaticSource(gps.Position{Latitude: 1.5, Longitude: -2.25, Altitude: 10, Speed: 0, Course: 90, Sats: 7})
	sender.gps = pos
	sender.shell = shellHandlerFor(sender, pos)

	reply := sender.HandleCommand("AT+BEACON")
	if reply[:2] != "OK" {
		t.Fatalf("expected OK reply, got %q", reply)
	}

	sender.progressQueue()
	drainOnce(receiver)

	if receiver.table.PendingCount() != 0 {
		t.Fatalf("beacon message should have completed reassembly")
	}
}

func drainOnce(e *Engine) {
	buf := make([]byte, e.radio.GetPacketLength())
	for {
		n, _ := e.radio.Receive(buf, 0)
		if n == 0 {
			break
		}
		e.disp.HandleBlock(buf[:n])
	}
}

func shellHandlerFor(e *Engine, pos gps.Source) *shell.Handler {
	return shell.New(e.deviceName, e.queue, pos)
}

func TestHandleCommandUnknown(t *testing.T) {
	ck := clock.New()
	ra, _ := newLinkedPair(16)
	e := newTestEngine(t, "ALPHA", ra, ck)
	if got := e.HandleCommand("AT+NOPE"); got != "ERR|UNKNOWN_CMD" {
		t.Fatalf("got %q", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ck := clock.New()
	ra, _ := newLinkedPair(16)
	e := newTestEngine(t, "ALPHA", ra, ck)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		e.Run(ctx, nil, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
