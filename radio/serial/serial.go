// Package serial implements radio.Radio over a host-side UART connection to
// the physical LoRa modem, adapted from the teacher's transport/serial
// package and narrowed to the four primitive calls spec §1 permits the
// radio driver: transmit, receive, startReceive, getPacketLength.
package serial

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/loranet/fragradio/codec"
	"github.com/loranet/fragradio/radio"
)

// Compile-time interface check.
var _ radio.Radio = (*Transceiver)(nil)

const (
	// DefaultBaudRate matches the teacher's MeshCore serial bridge default.
	DefaultBaudRate = 115200
)

// Config holds the configuration for a serial-attached modem.
type Config struct {
	// Port is the serial device path (e.g. "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate defaults to DefaultBaudRate when zero.
	BaudRate int
	// Logger falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Transceiver implements radio.Radio over a serial connection to the modem.
// It serializes transmit/receive internally with a mutex, matching spec §5's
// "the radio driver itself is likewise serialised" requirement.
type Transceiver struct {
	cfg  Config
	log  *slog.Logger
	port serial.Port

	mu sync.Mutex
}

// Open opens the serial port to the modem.
func Open(cfg Config) (*Transceiver, error) {
	if cfg.Port == "" {
		return nil, errors.New("serial: port is required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("serial: opening port: %w", err)
	}

	return &Transceiver{cfg: cfg, log: logger.WithGroup("radio.serial"), port: port}, nil
}

// Close closes the underlying serial port.
func (t *Transceiver) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port.Close()
}

// GetPacketLength returns the fixed on-air block size.
func (t *Transceiver) GetPacketLength() int {
	return codec.BlockSize
}

// Transmit writes exactly one block to the modem over the UART.
func (t *Transceiver) Transmit(block []byte) error {
	if len(block) != codec.BlockSize {
		return fmt.Errorf("serial: transmit block must be %d bytes, got %d", codec.BlockSize, len(block))
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.port.Write(block)
	if err != nil {
		return fmt.Errorf("serial: transmit: %w", err)
	}
	return nil
}

// Receive reads one block from the modem, applying timeout as the serial
// port's read deadline. A timeout with nothing received returns (0, nil).
func (t *Transceiver) Receive(buf []byte, timeout time.Duration) (int, error) {
	if len(buf) < codec.BlockSize {
		return 0, errors.New("serial: receive buffer smaller than packet length")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.port.SetReadTimeout(timeout); err != nil {
		return 0, fmt.Errorf("serial: setting read timeout: %w", err)
	}

	total := 0
	for total < codec.BlockSize {
		n, err := t.port.Read(buf[total:codec.BlockSize])
		if err != nil {
			return 0, fmt.Errorf("serial: receive: %w", err)
		}
		if n == 0 {
			// Timed out with a partial or empty read.
			if total == 0 {
				return 0, nil
			}
			break
		}
		total += n
	}
	return total, nil
}

// StartReceive re-arms the port for the next packet. The go.bug.st/serial
// driver has no explicit receive-arm call, so this is a no-op kept for
// symmetry with radio.Radio and with the modems that do require it.
func (t *Transceiver) StartReceive() error {
	return nil
}
