package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"

	"github.com/audiolibrelab/pagecapture/internal/audio"
	"github.com/audiolibrelab/pagecapture/internal/config"
)

func constFrame(channels, length int, v float32) audio.Frame {
	f := audio.NewFrame(channels, length)
	for ch := range f {
		for i := range f[ch] {
			f[ch][i] = v
		}
	}
	return f
}

func TestQuantize_RoundTrip(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1, -1, 0.25}
	for _, depth := range []int{16, 24, 32} {
		data := Quantize(samples, depth)
		require.Len(t, data, len(samples)*depth/8)

		ints := Dequantize(data, depth)
		require.Len(t, ints, len(samples))
		full := float64(int64(1)<<(depth-1) - 1)
		for i, s := range samples {
			assert.InDelta(t, float64(s), float64(ints[i])/full, 1e-4, "depth %d sample %d", depth, i)
		}
	}
}

func TestQuantize_EightBitIsUnsigned(t *testing.T) {
	data := Quantize([]float32{0, 1, -1}, 8)
	assert.Equal(t, []byte{128, 255, 1}, data)
	assert.Equal(t, []int{128, 255, 1}, Dequantize(data, 8))
}

func TestQuantize_Clamps(t *testing.T) {
	ints := Dequantize(Quantize([]float32{3, -3}, 16), 16)
	assert.Equal(t, []int{32767, -32767}, ints)
}

func TestPCMWorker_PassThrough(t *testing.T) {
	w := &pcmWorker{}
	require.NoError(t, w.Init(InitParams{SampleRate: 48000, Channels: 2, Codec: CodecParams{BitDepth: 16}}))

	chunk, err := w.Encode(constFrame(2, 480, 0.5))
	require.NoError(t, err)
	assert.Len(t, chunk, 480*2*2)

	tail, err := w.Flush()
	require.NoError(t, err)
	assert.Empty(t, tail)
	require.NoError(t, w.Close())
}

func TestPCMWorker_Resamples(t *testing.T) {
	w := &pcmWorker{}
	require.NoError(t, w.Init(InitParams{SampleRate: 48000, Channels: 1, Codec: CodecParams{
		BitDepth:        16,
		WavSampleRate:   16000,
		ResampleQuality: 3,
	}}))

	total := 0
	for i := 0; i < 50; i++ {
		chunk, err := w.Encode(constFrame(1, 480, 0.1))
		require.NoError(t, err)
		total += len(chunk) / 2
	}
	// 24000 input samples at a third of the rate
	assert.Greater(t, total, 7000)
	assert.LessOrEqual(t, total, 8000)
}

func TestPCMWorker_RejectsBadParams(t *testing.T) {
	w := &pcmWorker{}
	assert.Error(t, w.Init(InitParams{SampleRate: 48000, Channels: 1, Codec: CodecParams{BitDepth: 12}}))
	assert.Error(t, w.Init(InitParams{SampleRate: 0, Channels: 1, Codec: CodecParams{BitDepth: 16}}))

	_, err := (&pcmWorker{}).Encode(constFrame(1, 4, 0))
	assert.Error(t, err)
}

func TestG711Worker_OneBytePerSample(t *testing.T) {
	for _, l := range []law{lawU, lawA} {
		w := &g711Worker{law: l}
		require.NoError(t, w.Init(InitParams{SampleRate: G711SampleRate, Channels: 1}))

		chunk, err := w.Encode(constFrame(1, 160, 0.25))
		require.NoError(t, err)
		require.Len(t, chunk, 160)

		var lpcm []byte
		if l == lawA {
			lpcm = g711.DecodeAlaw(chunk)
		} else {
			lpcm = g711.DecodeUlaw(chunk)
		}
		for _, v := range Dequantize(lpcm, 16) {
			assert.InDelta(t, 0.25*32767, v, 400)
		}
		require.NoError(t, w.Close())
	}
}

func TestNewFactory(t *testing.T) {
	for _, kind := range []string{config.EncoderWav, config.EncoderG711U, config.EncoderG711A} {
		f, err := NewFactory(kind)
		require.NoError(t, err, kind)
		w, err := f()
		require.NoError(t, err, kind)
		assert.NotNil(t, w)
	}

	_, err := NewFactory("mp3")
	assert.Error(t, err)

	_, err = NewFactory(config.EncoderOpus)
	if OpusAvailable {
		assert.NoError(t, err)
	} else {
		assert.ErrorIs(t, err, ErrOpusUnavailable)
		assert.Contains(t, err.Error(), "'wav'")
	}
}

func TestParamsFromOptions(t *testing.T) {
	opts := config.DefaultOptions
	opts.NumberOfChannels = 2
	p := ParamsFromOptions(44100, opts)

	assert.Equal(t, 44100, p.SampleRate)
	assert.Equal(t, 2, p.Channels)
	assert.Equal(t, opts.EncoderSampleRate, p.Codec.EncoderSampleRate)
	assert.Equal(t, opts.WavBitDepth, p.Codec.BitDepth)
}

func TestEncoderError(t *testing.T) {
	inner := assert.AnError
	err := &EncoderError{Err: inner}
	assert.ErrorIs(t, err, ErrEncoderFailure)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "encoder failure")
}
