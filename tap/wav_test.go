package tap

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_pcm16(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(0, pcm16(0))
	assert.Equal(math.MaxInt16, pcm16(1))
	assert.Equal(math.MaxInt16, pcm16(4.2))
	assert.Equal(math.MinInt16, pcm16(-1))
	assert.Equal(math.MinInt16, pcm16(-4.2))
	assert.Equal(16383, pcm16(0.5))
}

func Test_WAVSink_roundTrip(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "tap.wav")

	cfg := NewWAVConfig(path)
	sink := NewWAVSink(cfg)

	require.NoError(t, sink.Init(context.Background()))

	const frameCount = 64

	chunk := Chunk{
		Frames: frameCount,
		Data:   testFrames(frameCount, 0.25),
	}
	// Samples above 1.0 clamp, so only the first one is meaningful.
	require.NoError(t, sink.Write(chunk))
	require.NoError(t, sink.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	decoder := wav.NewDecoder(file)
	require.True(t, decoder.IsValidFile())

	buf, err := decoder.FullPCMBuffer()
	require.NoError(t, err)

	assert.Equal(2, buf.Format.NumChannels)
	assert.Equal(DefaultWAVConfigSampleRate, buf.Format.SampleRate)
	assert.Len(buf.Data, frameCount*2)

	assert.Equal(8191, buf.Data[0])
	assert.Equal(math.MaxInt16, buf.Data[1])
}

func Test_WAVSink_closeWithoutInit(t *testing.T) {
	sink := NewWAVSink(NewWAVConfig("unused.wav"))

	assert.NoError(t, sink.Close())
}
