// Package sendqueue drives outgoing messages through the radio, retrying on
// silence and terminating on confirmation or retry exhaustion (spec §3
// OutgoingMessage, §4.4 Send queue).
package sendqueue

import (
	"errors"
	"sync"
	"time"

	"github.com/loranet/fragradio/codec"
	"github.com/loranet/fragradio/crypto"
)

const (
	// DefaultMaxRetries matches spec §8's scenario walkthroughs.
	DefaultMaxRetries = 8
	// DefaultRetryInterval is the per-message pacing floor between
	// successive attempts of a given message's fragments (spec §4.4).
	DefaultRetryInterval = 2 * time.Second
	// DefaultGlobalFloor is the minimum airtime gap, across all messages,
	// before a message's send pass may start after the previous transmit;
	// fragments within one pass are not spaced by it. Chosen here as the
	// converged rule for spec §9 open
	// question 3: "pace per message by retryInterval, and additionally pace
	// globally by an inter-fragment floor".
	DefaultGlobalFloor = 250 * time.Millisecond
)

var ErrUnknownMessage = errors.New("sendqueue: unknown message id")

// EventKind classifies a Progress-tick outcome for diagnostic reporting
// (spec §6.4).
type EventKind int

const (
	EventSent EventKind = iota
	EventSendFailed
	EventFinalFailed
)

// Event is emitted by Progress for each fragment attempt or terminal state
// change, so the engine can format the §6.4 diagnostic lines without
// reaching into queue internals.
type Event struct {
	Kind  EventKind
	ID    uint16
	Seq   uint8
	Total uint8
	Try   int
	Err   error
}

type fragmentState struct {
	block   []byte // encrypted, BlockSize bytes, ready to transmit
	seq     uint8
	total   uint8
	retries int
	lastAt  time.Time
	acked   bool
}

type outgoingMessage struct {
	id            uint16
	fragments     []*fragmentState
	lastAttemptAt time.Time
	confirmed     bool
}

func (m *outgoingMessage) allAcked() bool {
	for _, f := range m.fragments {
		if !f.acked {
			return false
		}
	}
	return true
}

func (m *outgoingMessage) exhausted(maxRetries int) bool {
	for _, f := range m.fragments {
		if f.acked {
			return false
		}
		if f.retries < maxRetries {
			return false
		}
	}
	return true
}

// Transmitter is the subset of the radio driver the queue needs: one
// blocking send of exactly one encrypted block (spec §1's "transmit").
type Transmitter func(block []byte) error

// Queue is the per-node send queue. It exclusively owns each
// OutgoingMessage for its lifetime (spec §3 Ownership) and guards its own
// structure with an internal mutex, which is not held across transmit.
type Queue struct {
	env           *crypto.Envelope
	maxRetries    int
	retryInterval time.Duration
	globalFloor   time.Duration
	nowFn         func() time.Time

	mu            sync.Mutex
	messages      map[uint16]*outgoingMessage
	order         []uint16
	lastGlobalAt  time.Time
}

// Config configures a Queue.
type Config struct {
	Envelope      *crypto.Envelope
	MaxRetries    int
	RetryInterval time.Duration
	GlobalFloor   time.Duration
}

// New creates a Queue with the given configuration, defaulting zero-valued
// fields per the constants above.
func New(cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.GlobalFloor <= 0 {
		cfg.GlobalFloor = DefaultGlobalFloor
	}
	return &Queue{
		env:           cfg.Envelope,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		globalFloor:   cfg.GlobalFloor,
		nowFn:         time.Now,
		messages:      make(map[uint16]*outgoingMessage),
	}
}

// SetClock overrides the queue's time source, for deterministic tests of
// pacing and retry-timeout behavior.
func (q *Queue) SetClock(nowFn func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nowFn = nowFn
}

// Enqueue implements spec §4.4's Admission rule: it composes the wire
// string, generates an id, fragments it, encrypts each block, and appends
// the OutgoingMessage under its id. An empty message produces zero
// fragments and is not enqueued (spec §8 boundary behavior: len(M)=0).
func (q *Queue) Enqueue(kind, deviceName, payload string) (uint16, error) {
	wire := codec.BuildWireString(kind, deviceName, payload)
	id, err := codec.NewMessageID()
	if err != nil {
		return 0, err
	}
	frags := codec.BuildFragments(codec.TypeTextFragment, codec.PriorityNormal, id, []byte(wire))
	if len(frags) == 0 {
		return id, nil
	}

	msg := &outgoingMessage{id: id, fragments: make([]*fragmentState, len(frags))}
	for i, f := range frags {
		block, err := codec.EncodeFragment(f.Type, f.Priority, f.ID, f.Seq, f.Total, f.Payload)
		if err != nil {
			return 0, err
		}
		if err := q.env.Encrypt(block); err != nil {
			return 0, err
		}
		msg.fragments[i] = &fragmentState{block: block, seq: f.Seq, total: f.Total}
	}

	q.mu.Lock()
	q.messages[id] = msg
	q.order = append(q.order, id)
	q.mu.Unlock()

	return id, nil
}

// Resolve marks every fragment of message id as acknowledged and the
// message as confirmed, removing it from the queue (spec §4.4 Confirmation
// sink). Receipt of a confirmation for an unknown id is silently ignored.
func (q *Queue) Resolve(id uint16) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, ok := q.messages[id]
	if !ok {
		return false
	}
	for _, f := range msg.fragments {
		f.acked = true
	}
	msg.confirmed = true
	q.removeLocked(id)
	return true
}

func (q *Queue) removeLocked(id uint16) {
	delete(q.messages, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Progress implements spec §4.4's progress algorithm. It is invoked
// repeatedly (by the radio task and/or application task) and returns the
// events produced on this tick, in the order they occurred, for diagnostic
// reporting.
func (q *Queue) Progress(transmit Transmitter) []Event {
	q.mu.Lock()
	ids := append([]uint16(nil), q.order...)
	q.mu.Unlock()

	var events []Event
	for _, id := range ids {
		events = append(events, q.progressOne(id, transmit)...)
	}
	return events
}

func (q *Queue) progressOne(id uint16, transmit Transmitter) []Event {
	q.mu.Lock()
	msg, ok := q.messages[id]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	if msg.confirmed {
		q.removeLocked(id)
		q.mu.Unlock()
		return nil
	}

	now := q.nowFn()
	if !msg.lastAttemptAt.IsZero() && now.Sub(msg.lastAttemptAt) < q.retryInterval {
		q.mu.Unlock()
		return nil
	}
	fragments := msg.fragments
	q.mu.Unlock()

	var events []Event
	attempted := false
	for _, f := range fragments {
		if f.acked || f.retries >= q.maxRetries {
			continue
		}

		// The global floor gates only the start of a message's pass; once
		// its first fragment has gone out, the rest follow in seq order.
		q.mu.Lock()
		if wait := q.globalFloor - now.Sub(q.lastGlobalAt); wait > 0 && !q.lastGlobalAt.IsZero() && !attempted {
			q.mu.Unlock()
			break
		}
		q.mu.Unlock()

		err := transmit(f.block)
		// Count the attempt whether or not transmit succeeded (spec §7,
		// §9 open question 3's converged rule).
		f.retries++
		f.lastAt = now
		attempted = true

		q.mu.Lock()
		msg.lastAttemptAt = now
		q.lastGlobalAt = now
		q.mu.Unlock()

		if err != nil {
			events = append(events, Event{Kind: EventSendFailed, ID: id, Seq: f.seq, Total: f.total, Try: f.retries, Err: err})
			continue
		}
		events = append(events, Event{Kind: EventSent, ID: id, Seq: f.seq, Total: f.total, Try: f.retries})
	}

	if !attempted {
		return events
	}

	q.mu.Lock()
	if msg.exhausted(q.maxRetries) {
		q.removeLocked(id)
		q.mu.Unlock()
		events = append(events, Event{Kind: EventFinalFailed, ID: id})
		return events
	}
	if msg.allAcked() {
		q.removeLocked(id)
	}
	q.mu.Unlock()

	return events
}

// PendingCount returns the number of outgoing messages still in the queue.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Retries returns the current retry count of a specific fragment, for
// tests that need to observe the retry bound invariant (spec §8 invariant 6).
func (q *Queue) Retries(id uint16, seq uint8) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.messages[id]
	if !ok {
		return 0, ErrUnknownMessage
	}
	for _, f := range msg.fragments {
		if f.seq == seq {
			return f.retries, nil
		}
	}
	return 0, ErrUnknownMessage
}
