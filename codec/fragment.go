// Package codec packs and unpacks the binary fragment header and payload
// bytes that make up one on-air block, and the pipe-delimited assembled-
// message grammar those fragments reassemble into.
package codec

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// BlockSize is the fixed on-air fragment size: one AES block.
	BlockSize = 16

	// HeaderSize is the plaintext header preceding the payload in every
	// fragment: type/prio(1) + id(2) + seq(1) + total(1).
	HeaderSize = 5

	// PayloadSize is the usable payload capacity per fragment.
	PayloadSize = BlockSize - HeaderSize // 11 = D in spec §4.2

	// TypeMask / PriorityMask split byte 0 of the header.
	TypeMask     = 0x0F
	PriorityMask = 0xF0
)

// Packet types. Only these two are part of the converged protocol; dead-end
// experiments (per-fragment ACKs, verify request/reply, refragment request)
// existed in earlier iterations and must not be emitted (spec §9 open
// question 4).
const (
	TypeTextFragment = 0x03
	TypeAckConfirm   = 0x08
)

// Priority classes, encoded in the high nibble of header byte 0. Priority is
// preserved through the envelope but does not otherwise affect engine
// behavior (spec §6.1).
const (
	PriorityNormal = 0x00
	PriorityHigh   = 0x10
)

var (
	ErrFragmentTooShort  = errors.New("codec: block shorter than header")
	ErrFragmentWrongSize = errors.New("codec: block is not BlockSize bytes")
	ErrSeqOutOfRange     = errors.New("codec: seq >= total")
	ErrPayloadTooLong    = errors.New("codec: payload exceeds fragment capacity")
)

// Fragment is the parsed plaintext form of one on-air block (before
// encryption / after decryption).
type Fragment struct {
	Type     uint8
	Priority uint8
	ID       uint16
	Seq      uint8
	Total    uint8
	Payload  []byte // length <= PayloadSize; trailing zero bytes already stripped
}

// EncodeFragment packs a Fragment into a BlockSize-byte plaintext block.
// Payload bytes beyond len(payload) are zero-filled, per spec §4.2's
// termination policy.
func EncodeFragment(typ, priority uint8, id uint16, seq, total uint8, payload []byte) ([]byte, error) {
	if len(payload) > PayloadSize {
		return nil, ErrPayloadTooLong
	}
	block := make([]byte, BlockSize)
	block[0] = (typ & TypeMask) | (priority & PriorityMask)
	binary.BigEndian.PutUint16(block[1:3], id)
	block[3] = seq
	block[4] = total
	copy(block[HeaderSize:], payload)
	return block, nil
}

// DecodeFragment parses a decrypted BlockSize-byte block into a Fragment.
// The payload is truncated at the first zero byte per spec §4.2: application
// payloads must not contain internal NUL bytes (spec §9 open question 1).
func DecodeFragment(block []byte) (*Fragment, error) {
	if len(block) != BlockSize {
		return nil, ErrFragmentWrongSize
	}

	f := &Fragment{
		Type:     block[0] & TypeMask,
		Priority: block[0] & PriorityMask,
		ID:       binary.BigEndian.Uint16(block[1:3]),
		Seq:      block[3],
		Total:    block[4],
	}

	body := block[HeaderSize:]
	end := len(body)
	for i, b := range body {
		if b == 0 {
			end = i
			break
		}
	}
	f.Payload = append([]byte(nil), body[:end]...)

	if f.Total > 0 && f.Seq >= f.Total {
		return f, ErrSeqOutOfRange
	}
	return f, nil
}

// FragmentCount returns ceil(len(message) / PayloadSize), matching spec §4.2.
func FragmentCount(messageLen int) int {
	if messageLen == 0 {
		return 0
	}
	return (messageLen + PayloadSize - 1) / PayloadSize
}

// BuildFragments splits message into ordered Fragments sharing id, per the
// fragmentation rule in spec §4.2: fragment i carries bytes
// [i*D, min((i+1)*D, len(message))) of message.
func BuildFragments(typ, priority uint8, id uint16, message []byte) []*Fragment {
	total := FragmentCount(len(message))
	if total == 0 {
		return nil
	}
	frags := make([]*Fragment, total)
	for i := 0; i < total; i++ {
		start := i * PayloadSize
		end := start + PayloadSize
		if end > len(message) {
			end = len(message)
		}
		frags[i] = &Fragment{
			Type:     typ,
			Priority: priority,
			ID:       id,
			Seq:      uint8(i),
			Total:    uint8(total),
			Payload:  message[start:end],
		}
	}
	return frags
}

// NewMessageID generates a uniformly random 16-bit message id. Collisions
// are not detected; the reassembly table's reinitialisation rule tolerates
// them (spec §4.2, §4.3 step 2).
func NewMessageID() (uint16, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("codec: generating message id: %w", err)
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// IDHex renders a message id as a 4-hex-digit uppercase diagnostic string.
func IDHex(id uint16) string {
	return fmt.Sprintf("%04X", id)
}
