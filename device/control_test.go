package device

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_volumeToAmplitude(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(float32(0), volumeToAmplitude(0))
	assert.Equal(float32(0), volumeToAmplitude(-1))
	assert.Equal(float32(1), volumeToAmplitude(1))
	assert.Equal(float32(1), volumeToAmplitude(2))

	// The curve stays below unity and grows monotonically.
	previous := float32(0)
	for scalar := float32(0.1); scalar < 1; scalar += 0.1 {
		amplitude := volumeToAmplitude(scalar)

		assert.Greater(amplitude, previous)
		assert.Less(amplitude, float32(1))

		previous = amplitude
	}
}

func Test_VolumeControl(t *testing.T) {
	assert := assert.New(t)

	c := NewVolumeControl(true)

	// Full volume applies no gain.
	assert.Equal(float32(1), c.Scalar())
	assert.False(c.WillApplyVolumeRT())

	assert.True(c.SetScalar(0.5))
	assert.False(c.SetScalar(0.5))
	assert.Equal(float32(0.5), c.Scalar())
	assert.True(c.WillApplyVolumeRT())
	assert.Equal(volumeToAmplitude(0.5), c.amplitudeRT())

	// Out-of-range scalars clamp.
	assert.True(c.SetScalar(7))
	assert.Equal(float32(1), c.Scalar())
	assert.True(c.SetScalar(-7))
	assert.Equal(float32(0), c.Scalar())

	// A disabled control never applies gain.
	c.SetActive(false)
	assert.False(c.WillApplyVolumeRT())
}

func Test_MuteControl(t *testing.T) {
	assert := assert.New(t)

	c := NewMuteControl(true)

	assert.False(c.IsMuted())
	assert.False(c.isMutedRT())

	assert.True(c.SetMuted(true))
	assert.False(c.SetMuted(true))
	assert.True(c.isMutedRT())

	c.SetActive(false)
	assert.True(c.IsMuted())
	assert.False(c.isMutedRT())
}

func Test_scaleSamplesRT(t *testing.T) {
	assert := assert.New(t)

	const sampleCount = 8

	buf := make([]byte, sampleCount*bytesPerSample)
	for i := range sampleCount {
		binary.NativeEndian.PutUint32(buf[i*bytesPerSample:], math.Float32bits(float32(i)))
	}

	scaleSamplesRT(buf, sampleCount, 0.5)

	for i := range sampleCount {
		sample := math.Float32frombits(binary.NativeEndian.Uint32(buf[i*bytesPerSample:]))
		assert.Equal(float32(i)*0.5, sample)
	}
}
