package audio_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/pagecapture/internal/audio"
	"github.com/audiolibrelab/pagecapture/internal/audio/audiotest"
	"github.com/audiolibrelab/pagecapture/internal/config"
)

func TestStreamManager_AcquireIsIdempotent(t *testing.T) {
	actx := audiotest.NewContext(48000, 1)
	m := audio.NewStreamManager(actx, nil)

	first, err := m.Acquire(context.Background(), config.Constraints{})
	require.NoError(t, err)
	second, err := m.Acquire(context.Background(), config.Constraints{})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, actx.Calls())
	assert.Same(t, first, m.Current())
}

func TestStreamManager_RejectionReasonIsVerbatim(t *testing.T) {
	actx := audiotest.NewContext(48000, 1)
	actx.Reject = errors.New("PermissionDeniedError")
	m := audio.NewStreamManager(actx, nil)

	stream, err := m.Acquire(context.Background(), config.Constraints{})
	require.Error(t, err)
	assert.Nil(t, stream)
	assert.Nil(t, m.Current())

	assert.Equal(t, "PermissionDeniedError", err.Error())
	assert.ErrorIs(t, err, audio.ErrDeviceUnavailable)
	assert.ErrorIs(t, err, actx.Reject)

	var unavailable *audio.DeviceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, actx.Reject, unavailable.Reason)
}

func TestStreamManager_AcquireAfterRejectionRetries(t *testing.T) {
	actx := audiotest.NewContext(48000, 1)
	actx.Reject = errors.New("NotReadableError")
	m := audio.NewStreamManager(actx, nil)

	_, err := m.Acquire(context.Background(), config.Constraints{})
	require.Error(t, err)

	actx.Reject = nil
	stream, err := m.Acquire(context.Background(), config.Constraints{})
	require.NoError(t, err)
	assert.NotNil(t, stream)
	assert.Equal(t, 2, actx.Calls())
}

func TestStreamManager_ReleaseStopsEveryTrack(t *testing.T) {
	actx := audiotest.NewContext(48000, 2)
	m := audio.NewStreamManager(actx, nil)

	_, err := m.Acquire(context.Background(), config.Constraints{})
	require.NoError(t, err)
	stream := actx.Streams()[0]

	require.NoError(t, m.Release())

	assert.Nil(t, m.Current())
	assert.True(t, stream.AllTracksStopped())
	assert.Len(t, stream.TrackList(), 2)
	// Stopped track-wise, the stream itself is left alone
	assert.False(t, stream.Stopped())
}

func TestStreamManager_ReleaseWithoutTracksStopsStream(t *testing.T) {
	actx := audiotest.NewContext(48000, 1)
	actx.NoTracks = true
	m := audio.NewStreamManager(actx, nil)

	_, err := m.Acquire(context.Background(), config.Constraints{})
	require.NoError(t, err)
	stream := actx.Streams()[0]

	require.NoError(t, m.Release())
	assert.True(t, stream.Stopped())
}

func TestStreamManager_ReleaseWhenEmptyIsNoop(t *testing.T) {
	m := audio.NewStreamManager(audiotest.NewContext(48000, 1), nil)
	assert.NoError(t, m.Release())
	assert.NoError(t, m.Release())
	assert.Nil(t, m.Current())
}

func TestSharedContext_SameInstanceForEveryCaller(t *testing.T) {
	created := 0
	shared := audio.NewSharedContext(func() (audio.Context, error) {
		created++
		return audiotest.NewContext(48000, 1), nil
	})

	require.True(t, shared.IsRecordingSupported())

	a, err := shared.Get()
	require.NoError(t, err)
	b, err := shared.Get()
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, created)
}

func TestSharedContext_ResetClosesAndRecreates(t *testing.T) {
	shared := audio.NewSharedContext(func() (audio.Context, error) {
		return audiotest.NewContext(48000, 1), nil
	})

	a, err := shared.Get()
	require.NoError(t, err)
	require.NoError(t, shared.Reset())
	assert.True(t, a.(*audiotest.Context).Closed())

	b, err := shared.Get()
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestSharedContext_FailedCreationIsRetried(t *testing.T) {
	fail := true
	shared := audio.NewSharedContext(func() (audio.Context, error) {
		if fail {
			return nil, errors.New("device busy")
		}
		return audiotest.NewContext(44100, 1), nil
	})

	_, err := shared.Get()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")

	fail = false
	actx, err := shared.Get()
	require.NoError(t, err)
	assert.Equal(t, 44100, actx.SampleRate())
}

func TestSharedContext_NoFactory(t *testing.T) {
	var nilHandle *audio.SharedContext
	assert.False(t, nilHandle.IsRecordingSupported())

	shared := audio.NewSharedContext(nil)
	assert.False(t, shared.IsRecordingSupported())
	_, err := shared.Get()
	assert.Error(t, err)
}
