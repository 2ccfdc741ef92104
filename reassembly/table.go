// Package reassembly implements the per-message-id fragment buffer that
// reconstructs complete application messages from TEXT_FRAGMENT packets
// (spec §3 IncomingMessage, §4.3 Reassembly table).
package reassembly

import (
	"errors"
	"sync"
	"time"

	"github.com/loranet/fragradio/codec"
	"github.com/loranet/fragradio/dedupe"
)

// DefaultMaxMessages bounds the number of in-progress incomplete messages
// held at once, to prevent denial-of-reassembly by attacker-controlled ids
// (spec §9 open question 5). The reference firmware does not cap this; we
// do, evicting the oldest incomplete entry when the cap is exceeded.
const DefaultMaxMessages = 64

var (
	ErrSeqOutOfRange  = errors.New("reassembly: seq >= total")
	ErrPayloadTooLong = errors.New("reassembly: payload exceeds fragment capacity")
)

// Status describes the outcome of adding a fragment to the table.
type Status int

const (
	// StatusPending means more fragments are still needed.
	StatusPending Status = iota
	// StatusCompleted means this fragment completed the message for the
	// first time; Assembled holds the concatenated payload and exactly one
	// ACK_CONFIRM must be sent.
	StatusCompleted
	// StatusDuplicate means the message id had already completed within the
	// duplicate-suppression window; the buffered copy is dropped but an
	// ACK_CONFIRM must still be (re-)sent (spec §4.3 step 6).
	StatusDuplicate
)

// Result is returned by AddFragment.
type Result struct {
	Status    Status
	ID        uint16
	Assembled []byte // set only when Status == StatusCompleted
}

type incomingMessage struct {
	id          uint16
	total       uint8
	parts       map[uint8][]byte
	received    []bool
	firstSeenAt time.Time
}

func (m *incomingMessage) complete() bool {
	for _, got := range m.received {
		if !got {
			return false
		}
	}
	return true
}

func (m *incomingMessage) assemble() []byte {
	out := make([]byte, 0, int(m.total)*codec.PayloadSize)
	for seq := uint8(0); seq < m.total; seq++ {
		out = append(out, m.parts[seq]...)
	}
	return out
}

// Table is the reassembly table. It exclusively owns each IncomingMessage
// for its lifetime (spec §3 Ownership) and serialises every operation with
// its own internal mutex; the shared RecentSet carries its own lock.
type Table struct {
	mu          sync.Mutex
	messages    map[uint16]*incomingMessage
	order       []uint16 // insertion order, for capacity eviction
	recent      *dedupe.RecentSet
	nowFn       func() time.Time
	maxMessages int
}

// New creates a reassembly Table sharing the given RecentSet (so completed
// ids are visible to duplicate detection across the engine's lifetime).
func New(recent *dedupe.RecentSet) *Table {
	return &Table{
		messages:    make(map[uint16]*incomingMessage),
		recent:      recent,
		nowFn:       time.Now,
		maxMessages: DefaultMaxMessages,
	}
}

// SetClock overrides the table's time source, for deterministic tests of
// eviction and expiry behavior.
func (t *Table) SetClock(nowFn func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nowFn = nowFn
}

// AddFragment implements the algorithm in spec §4.3.
func (t *Table) AddFragment(f *codec.Fragment) (*Result, error) {
	if f.Total == 0 || f.Seq >= f.Total {
		return nil, ErrSeqOutOfRange
	}
	if len(f.Payload) > codec.PayloadSize {
		return nil, ErrPayloadTooLong
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[f.ID]
	if !ok || int(msg.total) != int(f.Total) {
		// First sight, or total changed: reinitialise (spec §4.3 step 2,
		// §3 IncomingMessage invariant — a changed total abandons the prior
		// partial).
		msg = &incomingMessage{
			id:          f.ID,
			total:       f.Total,
			parts:       make(map[uint8][]byte),
			received:    make([]bool, f.Total),
			firstSeenAt: t.nowFn(),
		}
		if !ok {
			t.evictIfFullLocked()
			t.order = append(t.order, f.ID)
		}
		t.messages[f.ID] = msg
	}

	msg.parts[f.Seq] = append([]byte(nil), f.Payload...)
	msg.received[f.Seq] = true

	if !msg.complete() {
		return &Result{Status: StatusPending, ID: f.ID}, nil
	}

	if t.recent.Contains(f.ID) {
		delete(t.messages, f.ID)
		t.removeFromOrderLocked(f.ID)
		return &Result{Status: StatusDuplicate, ID: f.ID}, nil
	}

	assembled := msg.assemble()
	t.recent.Insert(f.ID)
	delete(t.messages, f.ID)
	t.removeFromOrderLocked(f.ID)
	return &Result{Status: StatusCompleted, ID: f.ID, Assembled: assembled}, nil
}

// removeFromOrderLocked drops id from the insertion-order slice, so that a
// completed entry does not linger there for the lifetime of the node (spec
// §9 open question 5: "cap both" tables). Callers must hold t.mu.
func (t *Table) removeFromOrderLocked(id uint16) {
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// evictIfFullLocked drops the oldest incomplete message when at capacity.
// Callers must hold t.mu.
func (t *Table) evictIfFullLocked() {
	for len(t.messages) >= t.maxMessages && len(t.order) > 0 {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.messages, oldest)
	}
}

// PendingCount returns the number of in-progress incomplete messages.
func (t *Table) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}
