// Command fragradio-node runs one LoRa fragmented-messaging node: it loads
// settings, opens the serial-attached modem, and drives the engine's radio
// and application tasks until interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loranet/fragradio/display"
	"github.com/loranet/fragradio/engine"
	"github.com/loranet/fragradio/gps"
	"github.com/loranet/fragradio/radio/serial"
	"github.com/loranet/fragradio/settings"
	"github.com/loranet/fragradio/telemetry/mqttsink"
)

func main() {
	settingsPath := flag.String("settings", "fragradio.json", "path to the node's persisted settings file")
	debug := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*settingsPath, logger); err != nil {
		logger.Error("node exited", "error", err)
		os.Exit(1)
	}
}

func run(settingsPath string, logger *slog.Logger) error {
	store := settings.FileStore{Path: settingsPath}
	cfg, err := store.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	modem, err := serial.Open(serial.Config{Port: cfg.SerialPort, Logger: logger})
	if err != nil {
		return err
	}
	defer modem.Close()

	var diag engine.DiagnosticSink
	if cfg.MQTTBrokerURL != "" {
		sink, err := mqttsink.Connect(mqttsink.Config{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  "fragradio-" + cfg.DeviceName,
			Logger:    logger,
		})
		if err != nil {
			logger.Warn("mqtt diagnostic mirror unavailable, continuing without it", "error", err)
		} else {
			defer sink.Close()
			diag = sink
		}
	}

	e, err := engine.New(engine.Config{
		Settings: cfg,
		Radio:    modem,
		GPS:      gps.NewStaticSource(gps.Position{}),
		Display:  display.NewLogDisplay(logger),
		Diag:     diag,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("node starting", "device", cfg.DeviceName, "port", cfg.SerialPort)
	e.Run(ctx, os.Stdin, os.Stdout)
	logger.Info("node stopped")
	return nil
}
