package audio_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/pagecapture/internal/audio"
	"github.com/audiolibrelab/pagecapture/internal/config"
)

// writeWav writes n frames of a constant 16-bit sample.
func writeWav(t *testing.T, rate, channels, n, value int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "input.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: rate, NumChannels: channels},
		Data:           make([]int, n*channels),
		SourceBitDepth: 16,
	}
	for i := range buf.Data {
		buf.Data[i] = value
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return path
}

func TestFileContext_StreamsWholeFile(t *testing.T) {
	path := writeWav(t, 8000, 1, 8000, 16384)

	actx, err := audio.NewFileContext(path, false)
	require.NoError(t, err)
	assert.Equal(t, 8000, actx.SampleRate())

	stream, err := actx.GetStream(context.Background(), config.Constraints{})
	require.NoError(t, err)
	assert.Equal(t, audio.Format{SampleRate: 8000, Channels: 1}, stream.Format())

	var frames frameCollector
	g, err := audio.NewGraph(actx, stream, audio.GraphOptions{BufferLength: 1000, Channels: 1}, frames.add)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, audio.WaitEnd(ctx, stream))
	g.Teardown()

	got := frames.all()
	require.Len(t, got, 8)
	assert.InDelta(t, 0.5, got[0][0][0], 1e-4)
	assert.InDelta(t, 0.5, got[7][0][999], 1e-4)
}

func TestFileContext_StopEndsPlayback(t *testing.T) {
	path := writeWav(t, 8000, 2, 80000, 100)

	actx, err := audio.NewFileContext(path, true)
	require.NoError(t, err)

	stream, err := actx.GetStream(context.Background(), config.Constraints{})
	require.NoError(t, err)
	detach := stream.Attach(func([]float32) {})
	defer detach()

	ts, ok := stream.(audio.TrackStream)
	require.True(t, ok)
	require.Len(t, ts.Tracks(), 1)
	require.NoError(t, ts.Tracks()[0].Stop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, audio.WaitEnd(ctx, stream))
}

func TestFileContext_Overconstrained(t *testing.T) {
	path := writeWav(t, 8000, 1, 100, 0)

	actx, err := audio.NewFileContext(path, false)
	require.NoError(t, err)

	_, err = actx.GetStream(context.Background(), config.Constraints{SampleRate: 44100})
	require.Error(t, err)
	assert.ErrorIs(t, err, audio.ErrDeviceUnavailable)
	assert.Contains(t, err.Error(), "OverconstrainedError")

	_, err = actx.GetStream(context.Background(), config.Constraints{Channels: 2})
	assert.ErrorIs(t, err, audio.ErrDeviceUnavailable)
}

func TestNewFileContext_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a wav file"), 0o644))

	_, err := audio.NewFileContext(path, false)
	assert.Error(t, err)

	_, err = audio.NewFileContext(filepath.Join(t.TempDir(), "missing.wav"), false)
	assert.Error(t, err)
}

func TestProbe_FileBackend(t *testing.T) {
	path := writeWav(t, 16000, 1, 10, 0)

	factory, ok := audio.Probe(config.DeviceConfig{Backend: config.BackendFile, File: path})
	require.True(t, ok)

	actx, err := factory()
	require.NoError(t, err)
	assert.Equal(t, 16000, actx.SampleRate())
}

func TestProbe_FileBackendWithoutFile(t *testing.T) {
	factory, ok := audio.Probe(config.DeviceConfig{Backend: config.BackendFile})
	assert.False(t, ok)
	assert.Nil(t, factory)

	shared := audio.NewSharedContext(factory)
	assert.False(t, shared.IsRecordingSupported())
}
