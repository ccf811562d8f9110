package encoder

import (
	"errors"
	"fmt"

	"github.com/audiolibrelab/pagecapture/internal/audio"
	"github.com/audiolibrelab/pagecapture/internal/config"
)

// Worker encodes frames for one Channel. Calls come from a single
// goroutine, so implementations need no locking.
type Worker interface {
	// Init configures the worker. It is called once before any Encode.
	Init(params InitParams) error
	// Encode returns exactly one chunk per frame. The chunk may be empty
	// when the codec is still buffering.
	Encode(frame audio.Frame) ([]byte, error)
	// Flush emits whatever the codec still buffers.
	Flush() ([]byte, error)
	Close() error
}

// Handoff is implemented by workers that hold input between frames. On
// rotation the samples the outgoing worker has not encoded yet move to
// the new worker, which keeps page boundaries gapless.
type Handoff interface {
	// TakePending returns and forgets the buffered samples, interleaved
	// at the codec rate.
	TakePending() []float32
	// Restore queues samples taken from a predecessor. It is called right
	// after Init.
	Restore(samples []float32)
}

// Factory builds a fresh Worker.
type Factory func() (Worker, error)

// InitParams is the payload of the init command.
type InitParams struct {
	SampleRate int // input sample rate
	Channels   int
	Codec      CodecParams
}

// CodecParams carries the codec tuning knobs of the recorder options.
type CodecParams struct {
	EncoderSampleRate int
	Application       int
	FrameSize         float64 // ms
	ResampleQuality   int
	BitRate           int
	BitDepth          int
	WavSampleRate     int
}

// ParamsFromOptions builds init parameters for a device running at sampleRate.
func ParamsFromOptions(sampleRate int, opts config.Options) InitParams {
	return InitParams{
		SampleRate: sampleRate,
		Channels:   opts.NumberOfChannels,
		Codec: CodecParams{
			EncoderSampleRate: opts.EncoderSampleRate,
			Application:       opts.EncoderApplication,
			FrameSize:         opts.EncoderFrameSize,
			ResampleQuality:   opts.ResampleQuality,
			BitRate:           opts.BitRate,
			BitDepth:          opts.WavBitDepth,
			WavSampleRate:     opts.WavSampleRate,
		},
	}
}

func (p InitParams) validate() error {
	if p.SampleRate <= 0 {
		return fmt.Errorf("invalid input sample rate %d", p.SampleRate)
	}
	if p.Channels <= 0 {
		return fmt.Errorf("invalid channel count %d", p.Channels)
	}
	return nil
}

// NewFactory returns the Factory for an encoder selector.
func NewFactory(kind string) (Factory, error) {
	switch kind {
	case config.EncoderOpus:
		if !OpusAvailable {
			return nil, ErrOpusUnavailable
		}
		return newOpusWorker, nil
	case config.EncoderWav:
		return func() (Worker, error) { return &pcmWorker{}, nil }, nil
	case config.EncoderG711U:
		return func() (Worker, error) { return &g711Worker{law: lawU}, nil }, nil
	case config.EncoderG711A:
		return func() (Worker, error) { return &g711Worker{law: lawA}, nil }, nil
	default:
		return nil, fmt.Errorf("unknown encoder %q", kind)
	}
}

// ErrOpusUnavailable is returned for the opus encoder in builds without
// the opus tag.
var ErrOpusUnavailable = errors.New("opus encoder not available: rebuild with -tags opus, or set recorder encoder to 'wav' with output format 'wav'")

// ErrEncoderFailure matches every error reported by a worker.
var ErrEncoderFailure = errors.New("encoder failure")

// EncoderError is delivered through the error handler when a worker fails.
type EncoderError struct {
	Err error
}

func (e *EncoderError) Error() string {
	return fmt.Sprintf("%s: %v", ErrEncoderFailure, e.Err)
}

func (e *EncoderError) Unwrap() error { return e.Err }

func (e *EncoderError) Is(target error) bool { return target == ErrEncoderFailure }
