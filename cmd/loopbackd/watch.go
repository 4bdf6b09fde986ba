package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	loopback "github.com/elements-storage/AudioLoopback"
)

// watchConfig re-reads the configuration file on change and applies
// what can change at runtime: volume, mute, sample rate and the enabled
// controls set. Everything else needs a restart.
func watchConfig(ctx context.Context, path string, unit *loopback.Loopback, current daemonConfig) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watching disabled", "error", err)
		return
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file on save, which
	// would drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		slog.Warn("config watching disabled", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event := <-watcher.Events:
			if event.Name != path || !event.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}

			next, err := loadConfig(path)
			if err != nil {
				slog.Warn("ignoring config reload", "error", err)
				continue
			}

			applyConfig(unit, current, next)
			current = next

		case err := <-watcher.Errors:
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func applyConfig(unit *loopback.Loopback, current, next daemonConfig) {
	dev := unit.Device()

	if next.Device.Volume != current.Device.Volume {
		dev.SetVolume(next.Device.Volume)
		slog.Info("volume changed", "volume", next.Device.Volume)
	}

	if next.Device.Muted != current.Device.Muted {
		dev.SetMuted(next.Device.Muted)
		slog.Info("mute changed", "muted", next.Device.Muted)
	}

	if next.Device.SampleRate != current.Device.SampleRate {
		if err := dev.RequestSampleRate(next.Device.SampleRate); err != nil {
			slog.Warn("sample rate change rejected", "error", err)
		}
	}

	if next.Device.VolumeControl != current.Device.VolumeControl ||
		next.Device.MuteControl != current.Device.MuteControl {
		dev.RequestEnabledControls(next.Device.VolumeControl, next.Device.MuteControl)
	}

	if next.Device != current.Device &&
		(next.Device.Name != current.Device.Name || next.Device.RingFrames != current.Device.RingFrames) {
		slog.Warn("device name and ring size changes need a restart")
	}
}
