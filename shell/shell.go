// Package shell implements the line-oriented AT command surface (spec
// §6.3), grounded on the teacher's command-dispatch style
// (device/room/cli.go's strings.Fields-based switch).
package shell

import (
	"fmt"
	"strings"

	"github.com/loranet/fragradio/codec"
	"github.com/loranet/fragradio/gps"
)

// Enqueuer is the subset of the send queue the shell needs.
type Enqueuer interface {
	Enqueue(kind, deviceName, payload string) (uint16, error)
}

// Handler parses and executes AT commands against the engine's collaborators.
type Handler struct {
	deviceName func() string
	queue      Enqueuer
	gpsSource  gps.Source
}

// New creates a command Handler. deviceName is a func rather than a fixed
// string so settings changes made at runtime are reflected immediately.
func New(deviceName func() string, queue Enqueuer, gpsSource gps.Source) *Handler {
	return &Handler{deviceName: deviceName, queue: queue, gpsSource: gpsSource}
}

// Handle processes one command line and returns the reply line (spec §6.4
// format, or the command-specific reply formats in §6.3). The trailing
// newline is not included.
func (h *Handler) Handle(line string) string {
	line = strings.TrimRight(line, "\r\n")

	switch {
	case strings.HasPrefix(line, "AT+MSG="):
		return h.handleMsg(strings.TrimPrefix(line, "AT+MSG="))
	case strings.HasPrefix(line, "AT+DMSG="):
		return h.handleDMsg(strings.TrimPrefix(line, "AT+DMSG="))
	case line == "AT+BEACON":
		return h.handleBeacon()
	case line == "AT+GPS?":
		return h.handleGPSQuery()
	case line == "AT+DEVICE?":
		return fmt.Sprintf("NODE|READY|%s", h.deviceName())
	default:
		return "ERR|UNKNOWN_CMD"
	}
}

func (h *Handler) handleMsg(text string) string {
	id, err := h.queue.Enqueue(codec.KindMsg, h.deviceName(), text)
	if err != nil {
		return "ERR|" + err.Error()
	}
	return fmt.Sprintf("OK|%s", codec.IDHex(id))
}

func (h *Handler) handleDMsg(arg string) string {
	parts := strings.SplitN(arg, "|", 2)
	if len(parts) != 2 {
		return "ERR|BAD_ARGS"
	}
	recipient, text := parts[0], parts[1]
	payload := codec.BuildDirectedPayload(recipient, text)
	id, err := h.queue.Enqueue(codec.KindDMsg, h.deviceName(), payload)
	if err != nil {
		return "ERR|" + err.Error()
	}
	return fmt.Sprintf("OK|%s", codec.IDHex(id))
}

func (h *Handler) handleBeacon() string {
	if h.gpsSource == nil {
		return "ERR|NO_GPS"
	}
	pos := h.gpsSource.Current()
	payload := codec.BuildBeaconPayload(pos.Latitude, pos.Longitude, pos.Altitude, pos.Speed, pos.Course, pos.Sats)
	id, err := h.queue.Enqueue(codec.KindBeacon, h.deviceName(), payload)
	if err != nil {
		return "ERR|" + err.Error()
	}
	return fmt.Sprintf("OK|%s", codec.IDHex(id))
}

func (h *Handler) handleGPSQuery() string {
	if h.gpsSource == nil {
		return "ERR|NO_GPS"
	}
	pos := h.gpsSource.Current()
	return fmt.Sprintf("GPS|%.6f,%.6f,%.2f,%.2f,%d,%d",
		pos.Latitude, pos.Longitude, pos.Altitude, pos.Speed, pos.Course, pos.Sats)
}
