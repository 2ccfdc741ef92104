// Package engine wires the five core components (crypto envelope, fragment
// codec, reassembly table, send queue, protocol dispatcher) together into
// the two cooperative tasks described in spec §5: a radio task that pulls
// packets from the radio and drives send-queue progress, and an application
// task that accepts commands and periodic beacons.
//
// Go has no cooperative-yield scheduler, so both tasks are goroutines built
// around a time.Ticker whose period stands in for the firmware's explicit
// yield point. Spec §5 requires the shared state (send queue, reassembly
// table, RecentSet) to be serialised "by a single mutual-exclusion
// primitive held for the duration of any structural read or write," with no
// critical section spanning a radio Transmit or Receive call. Rather than
// one engine-wide mutex (which would have to be released and reacquired
// around every transmit inside sendqueue.Queue.Progress, defeating the
// point of a single lock), each shared structure — reassembly.Table,
// sendqueue.Queue, dedupe.RecentSet — carries its own internal mutex scoped
// tightly to its own structural mutations; engine.Engine.mu guards only the
// engine's own fields (deviceName and friends). No structural mutation of
// any shared table ever overlaps a radio call, which is the property §5
// and §9 are actually after.
package engine

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loranet/fragradio/beacon"
	"github.com/loranet/fragradio/clock"
	"github.com/loranet/fragradio/codec"
	"github.com/loranet/fragradio/crypto"
	"github.com/loranet/fragradio/dedupe"
	"github.com/loranet/fragradio/dispatch"
	"github.com/loranet/fragradio/display"
	"github.com/loranet/fragradio/gps"
	"github.com/loranet/fragradio/radio"
	"github.com/loranet/fragradio/reassembly"
	"github.com/loranet/fragradio/sendqueue"
	"github.com/loranet/fragradio/settings"
	"github.com/loranet/fragradio/shell"
)

// Compile-time interface check: Engine is the dispatcher's diagnostic sink.
var _ dispatch.Sink = (*Engine)(nil)

// ListenWindow is the short listen window the radio task uses per spec §5.
const ListenWindow = 200 * time.Millisecond

// YieldInterval stands in for the firmware's 5-10ms explicit yield point.
const YieldInterval = 8 * time.Millisecond

// DiagnosticSink receives each formatted §6.4 diagnostic line, in addition
// to the structured log entry the engine always emits. Typically wired to
// a telemetry mirror (e.g. telemetry/mqttsink) or stdout.
type DiagnosticSink interface {
	Publish(line string)
}

// Config configures an Engine.
type Config struct {
	Settings settings.Settings
	Radio    radio.Radio
	GPS      gps.Source
	Display  display.Display
	Diag     DiagnosticSink // optional
	Logger   *slog.Logger
	Clock    *clock.Clock // optional, for deterministic tests
}

// Engine owns all process-wide protocol state, created once at start-up
// (spec §3 Ownership: "All engine state is process-wide and created at
// start-up; teardown is a reset and does not require graceful shutdown").
type Engine struct {
	mu sync.Mutex

	settings settings.Settings
	env      *crypto.Envelope
	recent   *dedupe.RecentSet
	table    *reassembly.Table
	queue    *sendqueue.Queue
	disp     *dispatch.Dispatcher
	clock    *clock.Clock

	radio   radio.Radio
	gps     gps.Source
	display display.Display
	diag    DiagnosticSink
	log     *slog.Logger

	shell   *shell.Handler
	beacons *beacon.Scheduler
}

// New constructs an Engine from Config. The pre-shared key is taken from
// cfg.Settings.PSKHex.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	key, err := parsePSK(cfg.Settings.PSKHex)
	if err != nil {
		return nil, err
	}
	env, err := crypto.NewEnvelope(key)
	if err != nil {
		return nil, err
	}

	ck := cfg.Clock
	if ck == nil {
		ck = clock.New()
	}

	recent := dedupe.NewWithWindow(dedupe.BroadcastMemoryTime, ck.Now)
	table := reassembly.New(recent)
	table.SetClock(ck.Now)
	queue := sendqueue.New(sendqueue.Config{
		Envelope:      env,
		MaxRetries:    cfg.Settings.MaxRetries,
		RetryInterval: cfg.Settings.RetryInterval,
	})
	queue.SetClock(ck.Now)

	e := &Engine{
		settings: cfg.Settings,
		env:      env,
		recent:   recent,
		table:    table,
		queue:    queue,
		clock:    ck,
		radio:    cfg.Radio,
		gps:      cfg.GPS,
		display:  cfg.Display,
		diag:     cfg.Diag,
		log:      logger.WithGroup("engine"),
	}
	e.disp = dispatch.New(env, table, queue, e, logger)
	e.shell = shell.New(e.deviceName, queue, cfg.GPS)

	if cfg.Settings.BeaconEnabled && cfg.Settings.BeaconInterval > 0 && cfg.GPS != nil {
		e.beacons = beacon.New(beacon.Config{
			Interval:   cfg.Settings.BeaconInterval,
			DeviceName: e.deviceName,
			GPS:        cfg.GPS,
			Queue:      queue,
			Logger:     logger,
		})
	}

	return e, nil
}

func parsePSK(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, fmt.Errorf("engine: settings.PSKHex must be set")
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("engine: parsing PSKHex: %w", err)
	}
	return key, nil
}

func (e *Engine) deviceName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings.DeviceName
}

// Run starts the radio task, the application task's periodic beacon
// scheduler, and (if shellIn is non-nil) a command-shell loop reading lines
// from shellIn and writing replies to shellOut. It blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context, shellIn io.Reader, shellOut io.Writer) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.radioTask(ctx)
	}()

	if e.beacons != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.beacons.Start(ctx)
		}()
	}

	if shellIn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.shellTask(ctx, shellIn, shellOut)
		}()
	}

	wg.Wait()
}

// radioTask implements spec §5's radio task loop: receive with a short
// listen window, dispatch if a packet arrived, make send-queue progress,
// re-arm receive, yield.
func (e *Engine) radioTask(ctx context.Context) {
	if err := e.radio.StartReceive(); err != nil {
		e.log.Error("initial StartReceive failed", "error", err)
	}

	buf := make([]byte, e.radio.GetPacketLength())
	ticker := time.NewTicker(YieldInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := e.radio.Receive(buf, ListenWindow)
		if err != nil {
			e.log.Warn("receive error", "error", err)
		} else if n > 0 {
			e.disp.HandleBlock(buf[:n])
		}

		e.progressQueue()

		if err := e.radio.StartReceive(); err != nil {
			e.log.Warn("re-arm receive failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) progressQueue() {
	events := e.queue.Progress(e.radio.Transmit)
	for _, ev := range events {
		e.emitSendEvent(ev)
	}

	if e.display != nil {
		e.display.ShowStatus(e.deviceName(), e.queue.PendingCount(), e.table.PendingCount())
	}
}

func (e *Engine) emitSendEvent(ev sendqueue.Event) {
	switch ev.Kind {
	case sendqueue.EventSent:
		e.publish(fmt.Sprintf("SEND|%s|%d/%d|try=%d", codec.IDHex(ev.ID), ev.Seq+1, ev.Total, ev.Try))
	case sendqueue.EventSendFailed:
		e.publish(fmt.Sprintf("SEND|FAIL|%s|SEQ=%d|ERR=%s", codec.IDHex(ev.ID), ev.Seq, ev.Err))
	case sendqueue.EventFinalFailed:
		e.publish(fmt.Sprintf("SEND_FAILED|FINAL|%s", codec.IDHex(ev.ID)))
	}
}

// OnFragmentReceived implements dispatch.Sink, emitting the per-fragment
// §6.4 diagnostic line as each piece of an incoming message arrives.
func (e *Engine) OnFragmentReceived(id uint16, seq, total uint8) {
	e.publish(fmt.Sprintf("RECV|FRAG|%s|%d/%d", codec.IDHex(id), seq+1, total))
}

// OnAssembled implements dispatch.Sink. A completed (non-duplicate) message
// is parsed per spec §6.2 and reported; either way an ACK_CONFIRM is sent
// back over the radio, since duplicates must still be re-acked (spec §4.3
// step 6) in case the original confirmation was lost.
func (e *Engine) OnAssembled(id uint16, assembled []byte, duplicate bool) {
	if !duplicate {
		e.emitReceived(id, assembled)
	}
	e.sendAckConfirm(id)
}

func (e *Engine) emitReceived(id uint16, assembled []byte) {
	msg, err := codec.ParseAssembledMessage(string(assembled))
	if err != nil {
		e.publish(fmt.Sprintf("RECV|MALFORMED|%s|%s", codec.IDHex(id), err.Error()))
		return
	}
	switch msg.Kind {
	case codec.KindMsg:
		e.publish(fmt.Sprintf("RECV|MSG|%s|%s|%s", msg.Sender, msg.Body, codec.IDHex(id)))
	case codec.KindDMsg:
		e.publish(fmt.Sprintf("RECV|DMSG|%s|%s|%s|%s", msg.Sender, msg.Recipient, msg.Body, codec.IDHex(id)))
	case codec.KindBeacon:
		e.publish(fmt.Sprintf("RECV|BEACON|%s|%s|%s", msg.Sender, msg.Body, codec.IDHex(id)))
	default:
		e.publish(fmt.Sprintf("RECV|UNKNOWN|%s|%s", codec.IDHex(id), msg.Raw))
	}
}

func (e *Engine) sendAckConfirm(id uint16) {
	block, err := e.disp.BuildAckConfirm(id, e.deviceName())
	if err != nil {
		e.log.Warn("building ack confirm failed", "id", codec.IDHex(id), "error", err)
		return
	}
	if err := e.radio.Transmit(block); err != nil {
		e.log.Warn("transmitting ack confirm failed", "id", codec.IDHex(id), "error", err)
	}
}

// OnAckReceived implements dispatch.Sink, emitting the ACK|CONFIRM
// diagnostic line (spec §6.4). Confirmations for unknown ids (already
// resolved, or never sent by this node) produce no line and are ignored.
func (e *Engine) OnAckReceived(id uint16, resolved bool) {
	if resolved {
		e.publish(fmt.Sprintf("ACK|CONFIRM|%s", codec.IDHex(id)))
	}
}

// OnMalformed implements dispatch.Sink, reporting a dropped packet that
// failed to decode as a fragment.
func (e *Engine) OnMalformed(reason string) {
	e.log.Debug("malformed packet dropped", "reason", reason)
}

// Send enqueues an application-originated outgoing message, for use by
// anything driving the engine directly (e.g. a future gRPC/HTTP front end)
// without going through the AT command grammar.
func (e *Engine) Send(kind, payload string) (uint16, error) {
	return e.queue.Enqueue(kind, e.deviceName(), payload)
}

// HandleCommand runs one AT command line through the shell and returns its
// reply line (spec §6.3).
func (e *Engine) HandleCommand(line string) string {
	return e.shell.Handle(line)
}

// shellTask implements spec §5's application task's serial-command half:
// drain command lines and translate them into queue operations.
func (e *Engine) shellTask(ctx context.Context, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	lines := make(chan string)

	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			reply := e.shell.Handle(line)
			if out != nil {
				fmt.Fprintln(out, reply)
			}
		}
	}
}

func (e *Engine) publish(line string) {
	e.log.Info(line)
	if e.diag != nil {
		e.diag.Publish(line)
	}
}
