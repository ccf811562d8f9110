package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/audiolibrelab/pagecapture/internal/config"
)

// StreamManager holds at most one input stream. Acquire is idempotent:
// the held stream is returned until Release.
type StreamManager struct {
	actx   Context
	logger *slog.Logger

	mu     sync.Mutex
	stream Stream
}

func NewStreamManager(actx Context, logger *slog.Logger) *StreamManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamManager{actx: actx, logger: logger}
}

// Acquire returns the held stream or requests a new one from the context.
// A rejected request is returned as *DeviceUnavailableError.
func (m *StreamManager) Acquire(ctx context.Context, constraints config.Constraints) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream != nil {
		return m.stream, nil
	}

	stream, err := m.actx.GetStream(ctx, constraints)
	if err != nil {
		var unavailable *DeviceUnavailableError
		if !errors.As(err, &unavailable) {
			err = &DeviceUnavailableError{Reason: err}
		}
		m.logger.Warn("Stream acquisition rejected", "error", err)
		return nil, err
	}

	m.logger.Debug("Stream acquired", "stream_id", stream.ID(),
		"sample_rate", stream.Format().SampleRate, "channels", stream.Format().Channels)
	m.stream = stream
	return stream, nil
}

// Release stops the held stream track by track when it exposes tracks,
// and as a whole otherwise. No-op when nothing is held.
func (m *StreamManager) Release() error {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()

	if stream == nil {
		return nil
	}

	if ts, ok := stream.(TrackStream); ok {
		if tracks := ts.Tracks(); len(tracks) > 0 {
			var errs []error
			for _, t := range tracks {
				if err := t.Stop(); err != nil {
					errs = append(errs, err)
				}
			}
			m.logger.Debug("Stream released", "stream_id", stream.ID(), "tracks", len(tracks))
			return errors.Join(errs...)
		}
	}

	m.logger.Debug("Stream released", "stream_id", stream.ID())
	return stream.Stop()
}

// Current returns the held stream, nil when empty.
func (m *StreamManager) Current() Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}
