package reassembly

import (
	"bytes"
	"testing"

	"github.com/loranet/fragradio/codec"
	"github.com/loranet/fragradio/dedupe"
)

func newTestTable() *Table {
	return New(dedupe.New())
}

func TestAddFragmentCompletesInOrder(t *testing.T) {
	table := newTestTable()

	r1, err := table.AddFragment(&codec.Fragment{ID: 1, Seq: 0, Total: 2, Payload: []byte("hel")})
	if err != nil {
		t.Fatal(err)
	}
	if r1.Status != StatusPending {
		t.Fatalf("after first fragment, status = %v, want Pending", r1.Status)
	}

	r2, err := table.AddFragment(&codec.Fragment{ID: 1, Seq: 1, Total: 2, Payload: []byte("lo")})
	if err != nil {
		t.Fatal(err)
	}
	if r2.Status != StatusCompleted {
		t.Fatalf("after second fragment, status = %v, want Completed", r2.Status)
	}
	if !bytes.Equal(r2.Assembled, []byte("hello")) {
		t.Fatalf("Assembled = %q, want %q", r2.Assembled, "hello")
	}
}

func TestAddFragmentToleratesOutOfOrderArrival(t *testing.T) {
	table := newTestTable()

	if _, err := table.AddFragment(&codec.Fragment{ID: 2, Seq: 1, Total: 2, Payload: []byte("lo")}); err != nil {
		t.Fatal(err)
	}
	r, err := table.AddFragment(&codec.Fragment{ID: 2, Seq: 0, Total: 2, Payload: []byte("hel")})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusCompleted || !bytes.Equal(r.Assembled, []byte("hello")) {
		t.Fatalf("got %+v", r)
	}
}

func TestDuplicateCompletionReAcksWithoutRedelivery(t *testing.T) {
	table := newTestTable()
	f0 := &codec.Fragment{ID: 3, Seq: 0, Total: 1, Payload: []byte("hi")}

	r1, err := table.AddFragment(f0)
	if err != nil || r1.Status != StatusCompleted {
		t.Fatalf("first completion: %+v, err=%v", r1, err)
	}

	r2, err := table.AddFragment(f0)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Status != StatusDuplicate {
		t.Fatalf("second completion status = %v, want Duplicate", r2.Status)
	}
	if r2.Assembled != nil {
		t.Fatalf("duplicate result should not carry Assembled data")
	}
}

func TestTotalChangeReinitialisesEntry(t *testing.T) {
	table := newTestTable()

	if _, err := table.AddFragment(&codec.Fragment{ID: 4, Seq: 0, Total: 3, Payload: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	// A later fragment claims a different total: prior partial is abandoned.
	r, err := table.AddFragment(&codec.Fragment{ID: 4, Seq: 0, Total: 1, Payload: []byte("z")})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusCompleted || !bytes.Equal(r.Assembled, []byte("z")) {
		t.Fatalf("got %+v", r)
	}
}

func TestAddFragmentRejectsSeqOutOfRange(t *testing.T) {
	table := newTestTable()
	if _, err := table.AddFragment(&codec.Fragment{ID: 5, Seq: 2, Total: 2, Payload: nil}); err != ErrSeqOutOfRange {
		t.Fatalf("err = %v, want ErrSeqOutOfRange", err)
	}
}

func TestAddFragmentRejectsOversizedPayload(t *testing.T) {
	table := newTestTable()
	big := make([]byte, codec.PayloadSize+1)
	if _, err := table.AddFragment(&codec.Fragment{ID: 6, Seq: 0, Total: 1, Payload: big}); err != ErrPayloadTooLong {
		t.Fatalf("err = %v, want ErrPayloadTooLong", err)
	}
}

func TestPendingCountReflectsInProgressMessages(t *testing.T) {
	table := newTestTable()
	if table.PendingCount() != 0 {
		t.Fatalf("expected 0 pending initially")
	}
	if _, err := table.AddFragment(&codec.Fragment{ID: 7, Seq: 0, Total: 2, Payload: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if table.PendingCount() != 1 {
		t.Fatalf("expected 1 pending after a partial message")
	}
}
