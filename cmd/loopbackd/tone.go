package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	loopback "github.com/elements-storage/AudioLoopback"
	"github.com/elements-storage/AudioLoopback/device"
	"github.com/elements-storage/AudioLoopback/driver"
	"github.com/elements-storage/AudioLoopback/internal/ring"
)

const (
	toneClientID    = 1
	toneCycleFrames = 512
)

// toneGenerator plays the role of a host client: it registers with the
// driver boundary and runs IO cycles that mix a sine wave into the
// device ring. Useful for hearing and recording the loopback path
// without a real client application.
type toneGenerator struct {
	drv      *driver.Registry
	deviceID uint32

	frequency  float64
	amplitude  float64
	sampleRate float64

	phase float64
	buf   []byte

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newToneGenerator(unit *loopback.Loopback, cfg toneSection, sampleRate float64) *toneGenerator {
	return &toneGenerator{
		drv:      unit.Driver(),
		deviceID: unit.DeviceID(),

		frequency:  cfg.Frequency,
		amplitude:  cfg.Amplitude,
		sampleRate: sampleRate,

		buf: make([]byte, toneCycleFrames*device.BytesPerFrame),
	}
}

// start registers the tone client and begins running IO cycles.
func (g *toneGenerator) start() error {
	if status := g.drv.AddClient(g.deviceID, loopback.NewClient(toneClientID, 0, "loopbackd.tone", true)); status != driver.StatusOK {
		return fmt.Errorf("failed to register tone client: %s", status)
	}

	if status := g.drv.StartIO(g.deviceID, toneClientID); status != driver.StatusOK {
		g.drv.RemoveClient(g.deviceID, toneClientID)
		return fmt.Errorf("failed to start tone client IO: %s", status)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	g.wg.Add(1)
	go g.run(ctx)

	return nil
}

// stop ends the IO cycles and unregisters the tone client.
func (g *toneGenerator) stop() {
	g.cancel()
	g.wg.Wait()

	g.drv.StopIO(g.deviceID, toneClientID)
	g.drv.RemoveClient(g.deviceID, toneClientID)
}

func (g *toneGenerator) run(ctx context.Context) {
	defer g.wg.Done()

	period := time.Duration(float64(toneCycleFrames) / g.sampleRate * float64(time.Second))

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var sampleTime ring.SampleTime

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			g.cycle(sampleTime)
			sampleTime += toneCycleFrames
		}
	}
}

// cycle runs one host-style IO cycle: begin, mix, end.
func (g *toneGenerator) cycle(sampleTime ring.SampleTime) {
	if status := g.drv.BeginIOOperation(g.deviceID, device.IOOperationThread, toneClientID); status != driver.StatusOK {
		slog.Warn("tone cycle rejected", "status", status.String())
		return
	}
	defer g.drv.EndIOOperation(g.deviceID, device.IOOperationThread, toneClientID)

	g.fill()

	status := g.drv.DoIOOperation(
		g.deviceID, device.IOOperationWriteMix,
		toneClientID, toneCycleFrames, sampleTime, g.buf,
	)
	if status != driver.StatusOK {
		slog.Warn("tone mix rejected", "status", status.String())
	}
}

// fill renders the next cycle of the sine into the buffer, both
// channels carrying the same signal.
func (g *toneGenerator) fill() {
	step := 2 * math.Pi * g.frequency / g.sampleRate

	for frame := range toneCycleFrames {
		sample := math.Float32bits(float32(g.amplitude * math.Sin(g.phase)))
		g.phase += step

		binary.NativeEndian.PutUint32(g.buf[frame*device.BytesPerFrame:], sample)
		binary.NativeEndian.PutUint32(g.buf[frame*device.BytesPerFrame+4:], sample)
	}

	g.phase = math.Mod(g.phase, 2*math.Pi)
}
