// Package beacon periodically enqueues a BEACON message when enabled,
// grounded on the teacher's device/advert.Scheduler periodic-timer pattern
// but narrowed to a single timer (spec has no flood-vs-local distinction).
package beacon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loranet/fragradio/codec"
	"github.com/loranet/fragradio/gps"
)

// Enqueuer is the subset of the send queue the scheduler needs.
type Enqueuer interface {
	Enqueue(kind, deviceName, payload string) (uint16, error)
}

// Config configures a Scheduler.
type Config struct {
	Interval   time.Duration
	DeviceName func() string
	GPS        gps.Source
	Queue      Enqueuer
	Logger     *slog.Logger
}

// Scheduler fires a BEACON enqueue on a fixed interval while enabled.
type Scheduler struct {
	cfg   Config
	log   *slog.Logger
	mu    sync.Mutex
	timer time.Time
	nowFn func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a beacon Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, log: logger.WithGroup("beacon"), nowFn: time.Now}
}

// Start begins the periodic loop; it blocks until the context is cancelled.
// Typically called with `go scheduler.Start(ctx)`.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.timer = s.nowFn().Add(s.cfg.Interval)
	s.mu.Unlock()

	defer close(s.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkTimer()
		}
	}
}

// Stop cancels the scheduler's loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Scheduler) checkTimer() {
	s.mu.Lock()
	now := s.nowFn()
	if now.Before(s.timer) {
		s.mu.Unlock()
		return
	}
	s.timer = now.Add(s.cfg.Interval)
	s.mu.Unlock()

	if err := s.send(); err != nil {
		s.log.Warn("periodic beacon failed", "error", err)
	}
}

func (s *Scheduler) send() error {
	pos := s.cfg.GPS.Current()
	payload := codec.BuildBeaconPayload(pos.Latitude, pos.Longitude, pos.Altitude, pos.Speed, pos.Course, pos.Sats)
	_, err := s.cfg.Queue.Enqueue(codec.KindBeacon, s.cfg.DeviceName(), payload)
	return err
}
