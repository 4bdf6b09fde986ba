// Package device implements the loopback device engine: it owns the
// audio ring buffer, the dual-thread task queue, the client registry and
// the device clock, and exposes the IO entry points the host calls on
// its real-time threads.
package device

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elements-storage/AudioLoopback/clients"
	"github.com/elements-storage/AudioLoopback/internal"
	"github.com/elements-storage/AudioLoopback/internal/config"
	"github.com/elements-storage/AudioLoopback/internal/ring"
	"github.com/elements-storage/AudioLoopback/internal/taskq"
)

var (
	// ErrDeviceState is returned when an operation is invalid in the
	// device's current lifecycle state.
	ErrDeviceState = errors.New("device: operation invalid in current state")

	// ErrUnsupportedSampleRate is returned for sample rates below 1 Hz.
	ErrUnsupportedSampleRate = errors.New("device: unsupported sample rate")

	// ErrUnsupportedOperation is returned by DoIOOperation for an
	// operation the device declined in WillDoIOOperation.
	ErrUnsupportedOperation = errors.New("device: unsupported IO operation")

	// ErrShortBuffer is returned when an IO buffer cannot hold the
	// requested frame count.
	ErrShortBuffer = errors.New("device: IO buffer too small for frame count")

	// ErrUnknownChangeAction is returned for a config change action the
	// device never requested.
	ErrUnknownChangeAction = errors.New("device: unknown config change action")

	errUnexpectedTask = errors.New("device: unexpected task kind for this worker")
)

// taskBestEffort in arg2 marks client IO bookkeeping submitted from the
// IO cycle, where the client may legitimately have disappeared before
// the task runs.
const taskBestEffort uint64 = 1

// IOOperation identifies one phase of the host's IO cycle.
type IOOperation uint32

const (
	// IOOperationThread brackets a client's whole IO cycle.
	IOOperationThread IOOperation = iota + 1

	// IOOperationReadInput copies audio out of the ring buffer.
	IOOperationReadInput

	// IOOperationProcessOutput applies per-client and device volume to a
	// client's output buffer in place.
	IOOperationProcessOutput

	// IOOperationProcessMix applies device volume to the final mix in
	// place. Only wanted while the volume control would change audio.
	IOOperationProcessMix

	// IOOperationWriteMix copies the mixed output into the ring buffer.
	IOOperationWriteMix
)

func (op IOOperation) String() string {
	switch op {
	case IOOperationThread:
		return "thread"
	case IOOperationReadInput:
		return "read-input"
	case IOOperationProcessOutput:
		return "process-output"
	case IOOperationProcessMix:
		return "process-mix"
	case IOOperationWriteMix:
		return "write-mix"
	default:
		return "unknown"
	}
}

// Device is one virtual loopback audio device.
//
// Two mutexes partition its state. The state mutex guards lifecycle and
// configuration; it may be held across slow work. The IO mutex guards
// the ring buffer and the loopback clock; it is taken on the host's
// real-time threads and must only ever be held for short, bounded
// sections. Teardown takes both, state first.
type Device struct {
	tel *internal.Telemetry
	cfg *Config

	queue    *taskq.Queue
	registry *clients.Registry

	stateMutex sync.Mutex
	ioMutex    sync.Mutex

	// Guarded by stateMutex.
	state       State
	changeState ChangeState
	sampleRate  float64
	engine      AudioEngine

	// Guarded by ioMutex.
	ringBuffer        ring.Buffer
	hostTicksPerFrame float64
	anchorHostTime    uint64
	numberTimeStamps  uint64

	// timestampSeed changes whenever the device clock's basis changes,
	// i.e. when an audio engine is attached or detached.
	timestampSeed atomic.Uint64

	volume *VolumeControl
	mute   *MuteControl

	// Pending configuration changes, guarded by stateMutex.
	pendingSampleRate    float64
	pendingVolumeEnabled bool
	pendingMuteEnabled   bool

	listener       PropertyListener
	onConfigChange ConfigChangeHandler

	// hostNow returns the host clock in ticks (nanoseconds).
	hostNow func() uint64

	silencedFrames atomic.Int64
	framesStored   atomic.Int64
	framesFetched  atomic.Int64
	configChanges  atomic.Int64
}

// New creates a device and starts its task queue workers. The device is
// Inactive until Activate is called.
func New(cfg *Config) *Device {
	tel := internal.NewTelemetry("device", cfg.Name)
	config.NewValidator(tel).Validate(cfg)

	d := &Device{
		tel: tel,
		cfg: cfg,

		registry: clients.NewRegistry(internal.NewTelemetry("clients", cfg.Name)),

		sampleRate: cfg.SampleRate,

		volume: NewVolumeControl(cfg.VolumeControlEnabled),
		mute:   NewMuteControl(cfg.MuteControlEnabled),

		hostNow: monotonicTicks,
	}

	d.timestampSeed.Store(1)

	d.queue = taskq.New(
		internal.NewTelemetry("taskq", cfg.Name),
		d.runRealTimeTask,
		d.runOrdinaryTask,
	)
	d.registry.SetTaskQueue(d.queue)

	d.initLoopback()
	d.initMetrics()

	return d
}

func (d *Device) initMetrics() {
	d.tel.NewCounter("silenced_frames", d.silencedFrames.Load)
	d.tel.NewCounter("frames_stored", d.framesStored.Load)
	d.tel.NewCounter("frames_fetched", d.framesFetched.Load)
	d.tel.NewCounter("config_changes", d.configChanges.Load)
}

// initLoopback derives the loopback clock rate from the sample rate and
// (re)allocates the ring buffer. One interleaved channel: a frame is
// both float32 samples back to back.
func (d *Device) initLoopback() {
	d.ioMutex.Lock()
	defer d.ioMutex.Unlock()

	d.hostTicksPerFrame = float64(time.Second) / d.sampleRate
	d.ringBuffer.Allocate(1, BytesPerFrame, d.cfg.RingFrames)
}

func monotonicTicks() uint64 {
	return uint64(time.Since(processStart))
}

var processStart = time.Now()

////////////////////
//  TASK RUNNERS  //
////////////////////

// runRealTimeTask executes the real-time worker's task menu. It must
// stay real-time safe.
func (d *Device) runRealTimeTask(kind taskq.Kind, _, _ uint64) (uint64, error) {
	if kind != taskq.KindSwapShadowMaps {
		return 0, errUnexpectedTask
	}

	d.registry.Map().SwapInShadowMapsRT()

	return 0, nil
}

func (d *Device) runOrdinaryTask(kind taskq.Kind, arg1, arg2 uint64) (uint64, error) {
	switch kind {
	case taskq.KindStartClientIO:
		didStart, err := d.registry.StartIONonRT(uint32(arg1))
		if err != nil {
			return 0, ioBookkeepingError(err, arg2)
		}

		if didStart {
			d.notify(PropertyDeviceIsRunning)
		}

		return boolResult(didStart), nil

	case taskq.KindStopClientIO:
		didStop, err := d.registry.StopIONonRT(uint32(arg1))
		if err != nil {
			return 0, ioBookkeepingError(err, arg2)
		}

		if didStop {
			d.notify(PropertyDeviceIsRunning)
		}

		return boolResult(didStop), nil

	case taskq.KindSendNotification:
		d.notify(Property(arg1))
		return 0, nil

	case taskq.KindRequestConfigChange:
		if d.onConfigChange != nil {
			d.onConfigChange(ChangeAction(arg1))
		}
		return 0, nil

	default:
		return 0, errUnexpectedTask
	}
}

// ioBookkeepingError drops invalid-client errors for best-effort tasks:
// a client can disconnect between its IO cycle and the bookkeeping task
// running.
func ioBookkeepingError(err error, arg2 uint64) error {
	if arg2 == taskBestEffort && errors.Is(err, clients.ErrInvalidClient) {
		return nil
	}

	return err
}

func boolResult(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (d *Device) notify(p Property) {
	if d.listener != nil {
		d.listener(p)
	}
}

/////////////////
//  LIFECYCLE  //
/////////////////

// SetPropertyListener registers the host's notification listener.
// Must be called before Activate.
func (d *Device) SetPropertyListener(listener PropertyListener) {
	d.listener = listener
}

// SetConfigChangeHandler registers the host's configuration-change
// request handler. Must be called before Activate.
func (d *Device) SetConfigChangeHandler(handler ConfigChangeHandler) {
	d.onConfigChange = handler
}

// SetAudioEngine attaches or detaches the hardware engine. Changing the
// engine changes the device clock's basis, so the timestamp seed is
// bumped and hosts discard their clock correlation.
func (d *Device) SetAudioEngine(engine AudioEngine) {
	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()

	d.engine = engine
	d.timestampSeed.Add(1)
}

// Activate publishes the device.
func (d *Device) Activate() error {
	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()

	if d.state != StateInactive {
		return ErrDeviceState
	}

	d.state = StateActivated
	d.tel.LogInfo("device activated",
		"sample_rate", d.sampleRate, "ring_frames", d.ringBuffer.CapacityFrames())

	return nil
}

// Deactivate tears the device down. Takes both mutexes, state first, so
// it cannot interleave with a running IO operation.
func (d *Device) Deactivate() {
	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()

	if d.state == StateDeactivated {
		return
	}

	d.ioMutex.Lock()
	defer d.ioMutex.Unlock()

	if d.state == StateIORunning && d.engine != nil {
		if err := d.engine.Stop(); err != nil {
			d.tel.LogError("failed to stop audio engine on deactivate", err)
		}
	}

	d.state = StateDeactivated
	d.tel.LogInfo("device deactivated")
}

// Close deactivates the device and stops its workers. The device cannot
// be used afterwards.
func (d *Device) Close() {
	d.Deactivate()
	d.queue.Stop()
}

// State returns the device's lifecycle state.
func (d *Device) State() State {
	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()

	return d.state
}

// Registry exposes the device's client registry.
func (d *Device) Registry() *clients.Registry {
	return d.registry
}

// AddClient registers a client with the device.
func (d *Device) AddClient(client clients.Client) error {
	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()

	if d.state == StateDeactivated {
		return ErrDeviceState
	}

	return d.registry.AddClient(client)
}

// RemoveClient deregisters a client. If the client was the last one
// doing IO, the hardware is stopped on its behalf.
func (d *Device) RemoveClient(clientID uint32) error {
	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()

	_, didStopIO, err := d.registry.RemoveClient(clientID)
	if err != nil {
		return err
	}

	if didStopIO {
		d.stopHardware()
		d.state = StateIOIdle
	}

	return nil
}

///////////////////////
//  IO START / STOP  //
///////////////////////

// StartIO is called when a client starts an IO cycle for the first
// time. The registry update goes through the task queue so it stays in
// FIFO order with the bookkeeping queued by Begin/EndIOOperation; the
// hardware only starts on the transition from zero running clients.
func (d *Device) StartIO(clientID uint32) error {
	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()

	if d.state != StateActivated && d.state != StateIORunning && d.state != StateIOIdle {
		return ErrDeviceState
	}

	result, err := d.queue.QueueSync(taskq.KindStartClientIO, false, uint64(clientID), 0)
	if err != nil {
		return err
	}

	if result == 1 {
		if err := d.startHardware(); err != nil {
			// Give the start back so the registry matches the hardware.
			_, _ = d.queue.QueueSync(taskq.KindStopClientIO, false, uint64(clientID), 0)
			return err
		}

		d.state = StateIORunning
	}

	return nil
}

// StopIO is the inverse of StartIO; the hardware stops on the last
// client's stop.
func (d *Device) StopIO(clientID uint32) error {
	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()

	result, err := d.queue.QueueSync(taskq.KindStopClientIO, false, uint64(clientID), 0)
	if err != nil {
		return err
	}

	if result == 1 {
		d.stopHardware()
		d.state = StateIOIdle
	}

	return nil
}

// startHardware resets the loopback clock anchor and starts the engine.
// Callers hold the state mutex.
func (d *Device) startHardware() error {
	if d.engine != nil {
		if err := d.engine.Start(); err != nil {
			return err
		}
	}

	d.ioMutex.Lock()
	d.numberTimeStamps = 0
	d.anchorHostTime = d.hostNow()
	d.ioMutex.Unlock()

	d.tel.LogDebug("hardware IO started")

	return nil
}

func (d *Device) stopHardware() {
	if d.engine != nil {
		if err := d.engine.Stop(); err != nil {
			d.tel.LogError("failed to stop audio engine", err)
		}
	}

	d.tel.LogDebug("hardware IO stopped")
}

////////////////////
//  DEVICE CLOCK  //
////////////////////

// GetZeroTimeStamp reports where the device's logical sample clock
// currently stands as a (sampleTime, hostTime) pair. The pair advances
// by exactly one ring buffer period whenever the previously published
// host time has elapsed, so it is monotonic and consistent with ring
// time. The seed changes only when the clock's basis changes.
func (d *Device) GetZeroTimeStamp() (sampleTime ring.SampleTime, hostTime uint64, seed uint64) {
	d.ioMutex.Lock()
	defer d.ioMutex.Unlock()

	ringFrames := uint64(d.ringBuffer.CapacityFrames())
	ticksPerRing := d.hostTicksPerFrame * float64(ringFrames)

	nextHostTime := d.anchorHostTime + uint64(float64(d.numberTimeStamps+1)*ticksPerRing)
	if nextHostTime <= d.hostNow() {
		d.numberTimeStamps++
	}

	sampleTime = ring.SampleTime(d.numberTimeStamps * ringFrames)
	hostTime = d.anchorHostTime + uint64(float64(d.numberTimeStamps)*ticksPerRing)

	return sampleTime, hostTime, d.timestampSeed.Load()
}

/////////////////////
//  IO OPERATIONS  //
/////////////////////

// WillDoIOOperation reports whether the device wants the given phase of
// the IO cycle and whether it works on the buffer in place.
func (d *Device) WillDoIOOperation(op IOOperation) (willDo, inPlace bool) {
	switch op {
	case IOOperationThread, IOOperationReadInput, IOOperationProcessOutput, IOOperationWriteMix:
		return true, true

	case IOOperationProcessMix:
		return d.volume.WillApplyVolumeRT(), true

	default:
		return false, true
	}
}

// BeginIOOperation runs at the start of an IO cycle phase. For the
// thread phase it queues the client's start bookkeeping asynchronously:
// the work isn't real-time safe, but submitting it is.
func (d *Device) BeginIOOperation(op IOOperation, clientID uint32) {
	if op == IOOperationThread {
		d.queue.QueueAsync(taskq.KindStartClientIO, uint64(clientID), taskBestEffort)
	}
}

// EndIOOperation mirrors BeginIOOperation with stop bookkeeping.
func (d *Device) EndIOOperation(op IOOperation, clientID uint32) {
	if op == IOOperationThread {
		d.queue.QueueAsync(taskq.KindStopClientIO, uint64(clientID), taskBestEffort)
	}
}

// DoIOOperation performs one phase of the IO cycle on the host's
// real-time thread. buf holds frameCount interleaved stereo float32
// frames; sampleTime is the cycle's position on the device clock.
func (d *Device) DoIOOperation(op IOOperation, clientID uint32, frameCount uint32, sampleTime ring.SampleTime, buf []byte) error {
	if len(buf) < int(frameCount)*BytesPerFrame {
		return ErrShortBuffer
	}

	switch op {
	case IOOperationReadInput:
		d.ioMutex.Lock()
		defer d.ioMutex.Unlock()

		return d.readInput(buf, frameCount, sampleTime)

	case IOOperationWriteMix:
		d.ioMutex.Lock()
		defer d.ioMutex.Unlock()

		return d.writeMix(buf, frameCount, sampleTime)

	case IOOperationProcessOutput:
		d.processOutput(clientID, buf, frameCount)
		return nil

	case IOOperationProcessMix:
		d.processMix(buf, frameCount)
		return nil

	default:
		return ErrUnsupportedOperation
	}
}

// readInput copies audio out of the ring buffer. A seqlock overload is
// graceful degradation: the client gets silence for this cycle. TooMuch
// should be impossible with a correct clock and is a hard error.
func (d *Device) readInput(buf []byte, frameCount uint32, sampleTime ring.SampleTime) error {
	err := d.ringBuffer.Fetch([][]byte{buf}, frameCount, sampleTime)

	switch {
	case err == nil:
		d.framesFetched.Add(int64(frameCount))
		return nil

	case errors.Is(err, ring.ErrCPUOverload):
		zeroFramesRT(buf, frameCount)
		d.silencedFrames.Add(int64(frameCount))
		return nil

	default:
		zeroFramesRT(buf, frameCount)
		return err
	}
}

// writeMix copies the mixed output into the ring buffer. Overload is
// transient and ignored; the producer will land the next cycle.
func (d *Device) writeMix(buf []byte, frameCount uint32, sampleTime ring.SampleTime) error {
	err := d.ringBuffer.Store([][]byte{buf}, frameCount, sampleTime)
	if err != nil && !errors.Is(err, ring.ErrCPUOverload) {
		return err
	}

	d.framesStored.Add(int64(frameCount))

	return nil
}

// processOutput applies the client's relative volume and the device
// controls to the client's output buffer in place.
func (d *Device) processOutput(clientID uint32, buf []byte, frameCount uint32) {
	if d.mute.isMutedRT() {
		zeroFramesRT(buf, frameCount)
		return
	}

	gain := float32(1)

	if client, found := d.registry.GetClientRT(clientID); found {
		gain = client.RelativeVolume
	}

	if d.volume.WillApplyVolumeRT() {
		gain *= d.volume.amplitudeRT()
	}

	if gain != 1 {
		scaleSamplesRT(buf, int(frameCount)*ChannelCount, gain)
	}
}

// processMix applies the device volume to the final mix in place.
func (d *Device) processMix(buf []byte, frameCount uint32) {
	if d.mute.isMutedRT() {
		zeroFramesRT(buf, frameCount)
		return
	}

	if d.volume.WillApplyVolumeRT() {
		scaleSamplesRT(buf, int(frameCount)*ChannelCount, d.volume.amplitudeRT())
	}
}

// FetchFrames copies frameCount frames starting at sampleTime out of
// the ring buffer into buf, for non-real-time consumers (taps).
func (d *Device) FetchFrames(buf []byte, frameCount uint32, sampleTime ring.SampleTime) error {
	if len(buf) < int(frameCount)*BytesPerFrame {
		return ErrShortBuffer
	}

	d.ioMutex.Lock()
	defer d.ioMutex.Unlock()

	return d.readInput(buf, frameCount, sampleTime)
}

// RingTimeBounds returns the valid window of the device's ring buffer.
func (d *Device) RingTimeBounds() (start, end ring.SampleTime, err error) {
	d.ioMutex.Lock()
	defer d.ioMutex.Unlock()

	return d.ringBuffer.GetTimeBounds()
}

/////////////////////////////
//  CONFIGURATION CHANGES  //
/////////////////////////////

// SampleRate returns the nominal sample rate.
func (d *Device) SampleRate() float64 {
	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()

	return d.sampleRate
}

// RequestSampleRate starts a sample rate change. The change is deferred:
// the host is asked, through the config change handler, to pause IO and
// then call PerformConfigChange to commit or AbortConfigChange to roll
// back.
func (d *Device) RequestSampleRate(rate float64) error {
	if rate < 1 {
		return ErrUnsupportedSampleRate
	}

	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()

	if rate == d.sampleRate {
		return nil
	}

	d.pendingSampleRate = rate
	d.changeState = ChangePending

	d.tel.LogInfo("sample rate change requested", "from", d.sampleRate, "to", rate)
	d.queue.QueueAsync(taskq.KindRequestConfigChange, uint64(ChangeActionSetSampleRate), 0)

	return nil
}

// RequestEnabledControls starts a change of the enabled controls set.
// Same three-phase protocol as RequestSampleRate.
func (d *Device) RequestEnabledControls(volumeEnabled, muteEnabled bool) {
	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()

	if d.volume.IsActive() == volumeEnabled && d.mute.IsActive() == muteEnabled {
		return
	}

	d.pendingVolumeEnabled = volumeEnabled
	d.pendingMuteEnabled = muteEnabled
	d.changeState = ChangePending

	d.tel.LogInfo("enabled controls change requested",
		"volume", volumeEnabled, "mute", muteEnabled)
	d.queue.QueueAsync(taskq.KindRequestConfigChange, uint64(ChangeActionSetEnabledControls), 0)
}

// PerformConfigChange commits a previously requested change. The host
// calls this after pausing IO.
func (d *Device) PerformConfigChange(action ChangeAction) error {
	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()

	switch action {
	case ChangeActionSetSampleRate:
		if err := d.setSampleRate(d.pendingSampleRate); err != nil {
			return err
		}

	case ChangeActionSetEnabledControls:
		d.setEnabledControls(d.pendingVolumeEnabled, d.pendingMuteEnabled)

	default:
		return ErrUnknownChangeAction
	}

	d.changeState = ChangeApplied
	d.configChanges.Add(1)

	return nil
}

// AbortConfigChange rolls a requested change back. Nothing was applied
// yet, so only the pending values are dropped.
func (d *Device) AbortConfigChange(action ChangeAction) {
	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()

	switch action {
	case ChangeActionSetSampleRate:
		d.pendingSampleRate = 0

	case ChangeActionSetEnabledControls:
		d.pendingVolumeEnabled = d.volume.IsActive()
		d.pendingMuteEnabled = d.mute.IsActive()
	}

	d.changeState = ChangeAborted
	d.tel.LogInfo("config change aborted", "action", action.String())
}

// ChangeState returns the configuration-change protocol state.
func (d *Device) ChangeState() ChangeState {
	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()

	return d.changeState
}

// setSampleRate applies a sample rate change: hardware first, then the
// loopback clock and ring buffer. Callers hold the state mutex and IO
// must be paused.
func (d *Device) setSampleRate(rate float64) error {
	if rate < 1 {
		return ErrUnsupportedSampleRate
	}

	if rate == d.sampleRate {
		return nil
	}

	if d.engine != nil {
		if err := d.engine.SetSampleRate(rate); err != nil {
			return err
		}
	}

	d.tel.LogInfo("sample rate changed", "from", d.sampleRate, "to", rate)

	d.sampleRate = rate
	d.initLoopback()

	d.queue.QueueAsync(taskq.KindSendNotification, uint64(PropertySampleRate), 0)

	return nil
}

// setEnabledControls applies an enabled-controls change. Callers hold
// the state mutex.
func (d *Device) setEnabledControls(volumeEnabled, muteEnabled bool) {
	if d.volume.IsActive() != volumeEnabled {
		d.volume.SetActive(volumeEnabled)
	}

	if d.mute.IsActive() != muteEnabled {
		d.mute.SetActive(muteEnabled)
	}

	d.queue.QueueAsync(taskq.KindSendNotification, uint64(PropertyEnabledControls), 0)
}

////////////////
//  CONTROLS  //
////////////////

// SetVolume sets the device volume scalar, clamped to [0, 1].
func (d *Device) SetVolume(scalar float32) {
	if d.volume.SetScalar(scalar) {
		d.queue.QueueAsync(taskq.KindSendNotification, uint64(PropertyVolume), 0)
	}
}

// Volume returns the device volume scalar.
func (d *Device) Volume() float32 {
	return d.volume.Scalar()
}

// SetMuted sets the device mute flag.
func (d *Device) SetMuted(muted bool) {
	if d.mute.SetMuted(muted) {
		d.queue.QueueAsync(taskq.KindSendNotification, uint64(PropertyMute), 0)
	}
}

// IsMuted returns the device mute flag.
func (d *Device) IsMuted() bool {
	return d.mute.IsMuted()
}

// SetClientVolume sets one client's relative volume.
func (d *Device) SetClientVolume(clientID uint32, volume float32) error {
	return d.registry.SetClientVolume(clientID, volume)
}
