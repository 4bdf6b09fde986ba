package device

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
)

//////////////////////
//  VOLUME CONTROL  //
//////////////////////

// VolumeControl is the device's output volume. The scalar is what the
// host sets and reads back; the amplitude actually applied to samples
// follows a 2^x - 1 curve so perceived loudness tracks the control
// roughly linearly. The amplitude is published through an atomic so the
// real-time path never takes the control's mutex.
type VolumeControl struct {
	active atomic.Bool

	// amplitudeBits holds the float32 gain for the real-time path.
	amplitudeBits atomic.Uint32

	mutex  sync.Mutex
	scalar float32
}

// NewVolumeControl returns a control at full volume.
func NewVolumeControl(active bool) *VolumeControl {
	c := &VolumeControl{}
	c.active.Store(active)
	c.setScalar(1)

	return c
}

// SetActive enables or disables the control. A disabled control applies
// no gain.
func (c *VolumeControl) SetActive(active bool) {
	c.active.Store(active)
}

// IsActive reports whether the control is enabled.
func (c *VolumeControl) IsActive() bool {
	return c.active.Load()
}

// SetScalar sets the volume, clamped to [0, 1]. Returns true when the
// stored value changed.
func (c *VolumeControl) SetScalar(scalar float32) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	scalar = min(max(scalar, 0), 1)
	if scalar == c.scalar {
		return false
	}

	c.setScalar(scalar)

	return true
}

func (c *VolumeControl) setScalar(scalar float32) {
	c.scalar = scalar
	c.amplitudeBits.Store(math.Float32bits(volumeToAmplitude(scalar)))
}

// Scalar returns the volume as last set.
func (c *VolumeControl) Scalar() float32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.scalar
}

// WillApplyVolumeRT reports whether applying this control would change
// the audio. Real-time safe.
func (c *VolumeControl) WillApplyVolumeRT() bool {
	return c.active.Load() && c.amplitudeRT() != 1
}

// amplitudeRT returns the gain to apply. Real-time safe.
func (c *VolumeControl) amplitudeRT() float32 {
	return math.Float32frombits(c.amplitudeBits.Load())
}

func volumeToAmplitude(scalar float32) float32 {
	if scalar <= 0 {
		return 0
	}
	if scalar >= 1 {
		return 1
	}

	return float32(math.Pow(2, float64(scalar))) - 1
}

////////////////////
//  MUTE CONTROL  //
////////////////////

// MuteControl mutes the device's output.
type MuteControl struct {
	active atomic.Bool
	muted  atomic.Bool
}

// NewMuteControl returns an unmuted control.
func NewMuteControl(active bool) *MuteControl {
	c := &MuteControl{}
	c.active.Store(active)

	return c
}

// SetActive enables or disables the control. A disabled control never
// mutes.
func (c *MuteControl) SetActive(active bool) {
	c.active.Store(active)
}

// IsActive reports whether the control is enabled.
func (c *MuteControl) IsActive() bool {
	return c.active.Load()
}

// SetMuted sets the mute flag. Returns true when the stored value
// changed.
func (c *MuteControl) SetMuted(muted bool) bool {
	return c.muted.Swap(muted) != muted
}

// IsMuted returns the mute flag as last set.
func (c *MuteControl) IsMuted() bool {
	return c.muted.Load()
}

// isMutedRT reports whether output should be silenced. Real-time safe.
func (c *MuteControl) isMutedRT() bool {
	return c.active.Load() && c.muted.Load()
}

//////////////////////
//  SAMPLE HELPERS  //
//////////////////////

// scaleSamplesRT multiplies sampleCount float32 samples in place.
// No allocation, bounded loop.
func scaleSamplesRT(buf []byte, sampleCount int, gain float32) {
	for i := range sampleCount {
		off := i * bytesPerSample
		sample := math.Float32frombits(binary.NativeEndian.Uint32(buf[off:])) * gain
		binary.NativeEndian.PutUint32(buf[off:], math.Float32bits(sample))
	}
}

// zeroFramesRT writes silence over frameCount frames.
func zeroFramesRT(buf []byte, frameCount uint32) {
	clear(buf[:int(frameCount)*BytesPerFrame])
}
