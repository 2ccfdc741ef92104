// Package dispatch implements the protocol dispatcher: it classifies
// decrypted inbound blocks by type and routes them to reassembly or to the
// send queue's acknowledgement sink (spec §4.5).
package dispatch

import (
	"log/slog"

	"github.com/loranet/fragradio/codec"
	"github.com/loranet/fragradio/crypto"
	"github.com/loranet/fragradio/reassembly"
	"github.com/loranet/fragradio/sendqueue"
)

// Sink receives the results the dispatcher produces: a fully assembled
// message (for TEXT_FRAGMENT completion) or nothing at all (ACK_CONFIRM has
// no application-visible payload). The engine implements Sink to turn these
// into the §6.4 diagnostic lines and, for completions, an outbound
// ACK_CONFIRM transmission.
type Sink interface {
	OnAssembled(id uint16, assembled []byte, duplicate bool)
	OnFragmentReceived(id uint16, seq, total uint8)
	OnAckReceived(id uint16, resolved bool)
	OnMalformed(reason string)
}

// Dispatcher wires together the envelope, reassembly table, and send queue.
type Dispatcher struct {
	env    *crypto.Envelope
	table  *reassembly.Table
	queue  *sendqueue.Queue
	sink   Sink
	log    *slog.Logger
}

// New creates a Dispatcher. logger may be nil, in which case slog.Default()
// is used, matching the teacher's convention.
func New(env *crypto.Envelope, table *reassembly.Table, queue *sendqueue.Queue, sink Sink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{env: env, table: table, queue: queue, sink: sink, log: logger.WithGroup("dispatch")}
}

// HandleBlock implements spec §4.5's decryption policy and classification.
// Blocks of a size other than codec.BlockSize are dropped. A copy of the
// block is decrypted before classification, leaving the caller's buffer
// unchanged; the dispatcher does not attempt to validate integrity beyond
// the type-nibble switch below, so malformed packets look like noise and
// are discarded harmlessly.
func (d *Dispatcher) HandleBlock(block []byte) {
	if len(block) != codec.BlockSize {
		d.log.Debug("dropping block with wrong size", "size", len(block))
		return
	}

	plain := append([]byte(nil), block...)
	if err := d.env.Decrypt(plain); err != nil {
		d.log.Debug("decrypt failed", "error", err)
		return
	}

	frag, err := codec.DecodeFragment(plain)
	if err != nil {
		d.log.Debug("malformed fragment", "error", err)
		if d.sink != nil {
			d.sink.OnMalformed(err.Error())
		}
		return
	}

	switch frag.Type {
	case codec.TypeTextFragment:
		d.handleTextFragment(frag)
	case codec.TypeAckConfirm:
		d.handleAckConfirm(frag)
	default:
		d.log.Debug("discarding unknown packet type", "type", frag.Type)
	}
}

func (d *Dispatcher) handleTextFragment(frag *codec.Fragment) {
	if d.sink != nil {
		d.sink.OnFragmentReceived(frag.ID, frag.Seq, frag.Total)
	}

	result, err := d.table.AddFragment(frag)
	if err != nil {
		d.log.Debug("fragment rejected", "id", codec.IDHex(frag.ID), "error", err)
		if d.sink != nil {
			d.sink.OnMalformed(err.Error())
		}
		return
	}

	switch result.Status {
	case reassembly.StatusPending:
		return
	case reassembly.StatusDuplicate:
		if d.sink != nil {
			d.sink.OnAssembled(frag.ID, nil, true)
		}
	case reassembly.StatusCompleted:
		if d.sink != nil {
			d.sink.OnAssembled(frag.ID, result.Assembled, false)
		}
	}
}

func (d *Dispatcher) handleAckConfirm(frag *codec.Fragment) {
	resolved := d.queue.Resolve(frag.ID)
	if d.sink != nil {
		d.sink.OnAckReceived(frag.ID, resolved)
	}
}

// BuildAckConfirm encrypts an ACK_CONFIRM block for id, with the optional
// trailing "|<deviceName>" body described in spec §4.3's "Confirm emission".
func (d *Dispatcher) BuildAckConfirm(id uint16, deviceName string) ([]byte, error) {
	body := codec.BuildAckConfirmBody(deviceName)
	block, err := codec.EncodeFragment(codec.TypeAckConfirm, codec.PriorityNormal, id, 0, 1, body)
	if err != nil {
		return nil, err
	}
	if err := d.env.Encrypt(block); err != nil {
		return nil, err
	}
	return block, nil
}
