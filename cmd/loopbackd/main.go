// Command loopbackd runs a virtual loopback audio device as a daemon:
// it builds the device, attaches the hardware playback engine and the
// configured taps, and drives host-style IO cycles until it is
// interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	loopback "github.com/elements-storage/AudioLoopback"
	"github.com/elements-storage/AudioLoopback/device"
	"github.com/elements-storage/AudioLoopback/tap"
)

func main() {
	configPath := flag.String("config", "loopbackd.yaml", "path of the configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)

	ctx, cancelCtx := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancelCtx()

	shutdownTelemetry := initTelemetry(ctx, cfg.OTLPEndpoint)
	defer shutdownTelemetry()

	unit, err := buildLoopback(cfg)
	if err != nil {
		slog.Error("failed to build loopback unit", "error", err)
		os.Exit(1)
	}
	defer unit.Close()

	unit.SetPropertyListener(func(p device.Property) {
		slog.Debug("device property changed", "property", p.String())
	})

	if err := unit.Start(ctx); err != nil {
		slog.Error("failed to start loopback unit", "error", err)
		os.Exit(1)
	}

	if cfg.Tone.Enabled {
		tone := newToneGenerator(unit, cfg.Tone, cfg.Device.SampleRate)
		if err := tone.start(); err != nil {
			slog.Error("failed to start tone generator", "error", err)
			os.Exit(1)
		}
		defer tone.stop()
	}

	go watchConfig(ctx, *configPath, unit, cfg)

	slog.Info("loopback device running", "name", cfg.Device.Name, "sample_rate", cfg.Device.SampleRate)

	<-ctx.Done()

	slog.Info("shutting down")
}

// buildLoopback translates the daemon configuration into a loopback
// unit with its sinks attached.
func buildLoopback(cfg daemonConfig) (*loopback.Loopback, error) {
	unitCfg := loopback.NewConfig()

	unitCfg.Device.Name = cfg.Device.Name
	unitCfg.Device.SampleRate = cfg.Device.SampleRate
	unitCfg.Device.RingFrames = cfg.Device.RingFrames
	unitCfg.Device.VolumeControlEnabled = cfg.Device.VolumeControl
	unitCfg.Device.MuteControlEnabled = cfg.Device.MuteControl

	unitCfg.Playback = cfg.Playback

	withTap := cfg.Taps.WAVPath != "" || cfg.Taps.UDPAddr != ""
	if withTap {
		tapCfg := tap.NewConfig()
		tapCfg.ChunkFrames = cfg.Taps.ChunkFrames
		tapCfg.BufferChunks = cfg.Taps.BufferChunks
		tapCfg.SampleRate = cfg.Device.SampleRate

		unitCfg.Tap = tapCfg
	}

	unit, err := loopback.New(unitCfg)
	if err != nil {
		return nil, err
	}

	unit.Device().SetVolume(cfg.Device.Volume)
	unit.Device().SetMuted(cfg.Device.Muted)

	if cfg.Taps.WAVPath != "" {
		wavCfg := tap.NewWAVConfig(cfg.Taps.WAVPath)
		wavCfg.SampleRate = int(cfg.Device.SampleRate)

		unit.AddTapSink("wav", tap.NewWAVSink(wavCfg))
	}

	if cfg.Taps.UDPAddr != "" {
		udpCfg := tap.NewUDPConfig()
		udpCfg.IPAddr = cfg.Taps.UDPAddr
		udpCfg.Port = cfg.Taps.UDPPort

		unit.AddTapSink("udp", tap.NewUDPSink(udpCfg))
	}

	return unit, nil
}

func setupLogging(level string) {
	stderr := os.Stderr

	slog.SetDefault(slog.New(
		tint.NewHandler(colorable.NewColorable(stderr), &tint.Options{
			Level:   parseLogLevel(level),
			NoColor: !isatty.IsTerminal(stderr.Fd()),
		}),
	))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
