// Package display defines the OLED display collaborator (spec §1), kept
// thin since no display/graphics library appears in the retrieved example
// pack and rendering is explicitly out of scope for the protocol engine.
package display

import "log/slog"

// Display shows a one-line connection/queue status, called by the engine
// after each send-queue progress tick.
type Display interface {
	ShowStatus(deviceName string, queued, pending int)
}

// LogDisplay stands in for the real OLED driver by writing the status line
// through slog, following the teacher's logging convention.
type LogDisplay struct {
	log *slog.Logger
}

// NewLogDisplay creates a LogDisplay. logger may be nil, in which case
// slog.Default() is used.
func NewLogDisplay(logger *slog.Logger) *LogDisplay {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDisplay{log: logger.WithGroup("display")}
}

// ShowStatus logs the current status at debug level.
func (d *LogDisplay) ShowStatus(deviceName string, queued, pending int) {
	d.log.Debug("status", "device", deviceName, "queued", queued, "pending", pending)
}
