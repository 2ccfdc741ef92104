package codec

import (
	"errors"
	"fmt"
	"strings"
)

// Message kinds in the assembled-message grammar (spec §6.2).
const (
	KindMsg    = "MSG"
	KindDMsg   = "DMSG"
	KindBeacon = "BEACON"
	KindUnknown = "UNKNOWN"
)

var ErrEmptyAssembledMessage = errors.New("codec: assembled message is empty")

// BuildWireString composes the plaintext string that gets fragmented for a
// given outgoing kind, matching spec §4.4's admission rule:
// "<kind>|<deviceName>|<payload>".
func BuildWireString(kind, deviceName, payload string) string {
	return strings.Join([]string{kind, deviceName, payload}, "|")
}

// BuildDirectedPayload composes the body of a DMSG: "<recipient>|<text>",
// which BuildWireString then wraps as "DMSG|<sender>|<recipient>|<text>".
func BuildDirectedPayload(recipient, text string) string {
	return recipient + "|" + text
}

// BuildBeaconPayload composes the body of a BEACON: the GPS snapshot
// rendered per spec §8 scenario 6: "<lat>,<lon>,<alt>,<speed>,<course>,<sats>".
func BuildBeaconPayload(lat, lon, alt, speed float64, course, sats int) string {
	return fmt.Sprintf("%.6f,%.6f,%.2f,%.2f,%d,%d", lat, lon, alt, speed, course, sats)
}

// AssembledMessage is the parsed form of a fully reassembled payload,
// grammar per spec §6.2.
type AssembledMessage struct {
	Kind   string
	Sender string
	// Recipient is set only for KindDMsg.
	Recipient string
	Body      string
	// Raw holds the full assembled string for KindUnknown, and for
	// diagnostics that want to display it verbatim.
	Raw string
}

// ParseAssembledMessage parses the pipe-delimited grammar from spec §6.2.
// Unknown types are reported as KindUnknown but not treated as an error —
// the engine still emits a diagnostic line for them (spec §6.2).
func ParseAssembledMessage(s string) (*AssembledMessage, error) {
	if s == "" {
		return nil, ErrEmptyAssembledMessage
	}
	parts := strings.Split(s, "|")
	kind := parts[0]

	switch kind {
	case KindMsg:
		if len(parts) < 3 {
			return &AssembledMessage{Kind: KindUnknown, Raw: s}, nil
		}
		return &AssembledMessage{
			Kind:   KindMsg,
			Sender: parts[1],
			Body:   strings.Join(parts[2:], "|"),
			Raw:    s,
		}, nil
	case KindDMsg:
		if len(parts) < 4 {
			return &AssembledMessage{Kind: KindUnknown, Raw: s}, nil
		}
		return &AssembledMessage{
			Kind:      KindDMsg,
			Sender:    parts[1],
			Recipient: parts[2],
			Body:      strings.Join(parts[3:], "|"),
			Raw:       s,
		}, nil
	case KindBeacon:
		if len(parts) < 3 {
			return &AssembledMessage{Kind: KindUnknown, Raw: s}, nil
		}
		return &AssembledMessage{
			Kind:   KindBeacon,
			Sender: parts[1],
			Body:   strings.Join(parts[2:], "|"),
			Raw:    s,
		}, nil
	default:
		return &AssembledMessage{Kind: KindUnknown, Raw: s}, nil
	}
}

// BuildAckConfirmBody composes the optional trailing "|<deviceName>" carried
// in an ACK_CONFIRM body before encryption (spec §4.3 "Confirm emission").
// Receivers tolerate its absence.
func BuildAckConfirmBody(deviceName string) []byte {
	if deviceName == "" {
		return nil
	}
	return []byte("|" + deviceName)
}
