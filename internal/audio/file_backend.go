package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/audiolibrelab/pagecapture/internal/config"
)

// fileBlockDuration is the callback period of a file stream.
const fileBlockDuration = 20 * time.Millisecond

// FileContext replays a WAV file as if it were a capture device. Every
// GetStream starts from the beginning of the file.
type FileContext struct {
	path       string
	paced      bool
	sampleRate int
	channels   int
	logger     *slog.Logger
}

// NewFileContext reads the WAV header of path. With paced set the samples
// are delivered at the file's sample rate, otherwise as fast as possible.
func NewFileContext(path string, paced bool) (*FileContext, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open audio file: %w", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("not a valid WAV file: %s", path)
	}

	logger := slog.Default().With("backend", BackendTypeFile, "file", path)
	logger.Debug("Loaded audio file", "sample_rate", decoder.SampleRate, "channels", decoder.NumChans,
		"bit_depth", decoder.BitDepth)

	return &FileContext{
		path:       path,
		paced:      paced,
		sampleRate: int(decoder.SampleRate),
		channels:   int(decoder.NumChans),
		logger:     logger,
	}, nil
}

func (c *FileContext) SampleRate() int { return c.sampleRate }

// Destination drops monitor output, a file has no speakers.
func (c *FileContext) Destination() Output { return Discard }

func (c *FileContext) Close() error { return nil }

func (c *FileContext) GetStream(ctx context.Context, constraints config.Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if constraints.SampleRate != 0 && constraints.SampleRate != c.sampleRate {
		return nil, &DeviceUnavailableError{Reason: fmt.Errorf("OverconstrainedError: sample rate %d not available", constraints.SampleRate)}
	}
	if constraints.Channels > c.channels {
		return nil, &DeviceUnavailableError{Reason: fmt.Errorf("OverconstrainedError: %d channels not available", constraints.Channels)}
	}

	samples, err := c.readSamples()
	if err != nil {
		return nil, &DeviceUnavailableError{Reason: err}
	}

	blockFrames := max(1, int(float64(c.sampleRate)*fileBlockDuration.Seconds()))
	s := &fileStream{
		id:      uuid.NewString(),
		format:  Format{SampleRate: c.sampleRate, Channels: c.channels},
		samples: samples,
		block:   blockFrames * c.channels,
		paced:   c.paced,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  c.logger,
	}
	return s, nil
}

// readSamples decodes the whole file to normalised interleaved float32.
func (c *FileContext) readSamples() ([]float32, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("could not open audio file: %w", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("could not decode audio file: %w", err)
	}

	bitDepth := int(decoder.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))
	offset := 0
	if bitDepth == 8 {
		offset = 128
	}

	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v-offset) / scale
	}
	return out, nil
}

type fileStream struct {
	id      string
	format  Format
	samples []float32
	block   int
	paced   bool
	logger  *slog.Logger

	dispatch  BlockDispatcher
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func (s *fileStream) ID() string     { return s.id }
func (s *fileStream) Format() Format { return s.format }

// Attach starts playback on the first listener so no samples are lost
// before the graph is connected.
func (s *fileStream) Attach(fn BlockFunc) func() {
	detach := s.dispatch.Attach(fn)
	s.startOnce.Do(func() { go s.run() })
	return detach
}

func (s *fileStream) run() {
	defer close(s.done)

	var tick <-chan time.Time
	if s.paced {
		ticker := time.NewTicker(fileBlockDuration)
		defer ticker.Stop()
		tick = ticker.C
	}

	for start := 0; start < len(s.samples); start += s.block {
		if tick != nil {
			select {
			case <-tick:
			case <-s.stop:
				return
			}
		} else {
			select {
			case <-s.stop:
				return
			default:
			}
		}
		end := min(start+s.block, len(s.samples))
		s.dispatch.Dispatch(s.samples[start:end])
	}
	s.logger.Debug("Finished playing audio file", "stream_id", s.id)
}

// Done is closed once the whole file has been delivered or the stream stopped.
func (s *fileStream) Done() <-chan struct{} { return s.done }

func (s *fileStream) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	return nil
}

func (s *fileStream) Tracks() []Track {
	return []Track{NewTrack("audio", s.id, s.Stop)}
}

// WaitEnd blocks until a stream from the file backend has delivered all its
// samples. It returns immediately for other streams.
func WaitEnd(ctx context.Context, s Stream) error {
	fs, ok := s.(*fileStream)
	if !ok {
		return nil
	}
	fs.startOnce.Do(func() { go fs.run() })
	select {
	case <-fs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
