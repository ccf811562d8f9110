//go:build portaudio
// +build portaudio

package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gordonklaus/portaudio"

	"github.com/audiolibrelab/pagecapture/internal/config"
)

const portAudioAvailable = true

// monitorQueueBlocks bounds the monitor output queue; blocks beyond it are dropped.
const monitorQueueBlocks = 16

type portAudioContext struct {
	sampleRate int
	monitor    *monitorOutput
	logger     *slog.Logger
}

func newPortAudioContext() (Context, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing portaudio: %w", err)
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("no default input device: %w", err)
	}

	logger := slog.Default().With("backend", BackendTypePortAudio)
	sampleRate := int(dev.DefaultSampleRate)
	logger.Info("PortAudio context ready", "device", dev.Name, "sample_rate", sampleRate)

	return &portAudioContext{
		sampleRate: sampleRate,
		monitor:    &monitorOutput{sampleRate: sampleRate, logger: logger},
		logger:     logger,
	}, nil
}

func (c *portAudioContext) SampleRate() int { return c.sampleRate }

func (c *portAudioContext) Destination() Output { return c.monitor }

func (c *portAudioContext) Close() error {
	err := c.monitor.Close()
	return errors.Join(err, portaudio.Terminate())
}

func (c *portAudioContext) GetStream(ctx context.Context, constraints config.Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dev, err := findInputDevice(constraints.Device)
	if err != nil {
		return nil, &DeviceUnavailableError{Reason: err}
	}
	if dev.MaxInputChannels == 0 {
		return nil, &DeviceUnavailableError{Reason: fmt.Errorf("NotFoundError: %s has no input channels", dev.Name)}
	}
	if constraints.SampleRate != 0 && constraints.SampleRate != c.sampleRate {
		return nil, &DeviceUnavailableError{Reason: fmt.Errorf("OverconstrainedError: sample rate %d not available", constraints.SampleRate)}
	}

	channels := min(dev.MaxInputChannels, 2)
	if constraints.Channels > 0 {
		if constraints.Channels > dev.MaxInputChannels {
			return nil, &DeviceUnavailableError{Reason: fmt.Errorf("OverconstrainedError: %d channels not available", constraints.Channels)}
		}
		channels = constraints.Channels
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(c.sampleRate)
	if constraints.Latency > 0 {
		params.Input.Latency = constraints.Latency
	}

	s := &portAudioStream{
		id:     uuid.NewString(),
		label:  dev.Name,
		format: Format{SampleRate: c.sampleRate, Channels: channels},
	}

	pa, err := portaudio.OpenStream(params, func(in []float32) {
		s.dispatch.Dispatch(in)
	})
	if err != nil {
		return nil, &DeviceUnavailableError{Reason: err}
	}
	if err := pa.Start(); err != nil {
		pa.Close()
		return nil, &DeviceUnavailableError{Reason: err}
	}
	s.pa = pa

	c.logger.Debug("Input stream opened", "device", dev.Name, "channels", channels,
		"latency", params.Input.Latency)
	return s, nil
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		return portaudio.DefaultInputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("NotFoundError: no input device named %q", name)
}

type portAudioStream struct {
	id     string
	label  string
	format Format
	pa     *portaudio.Stream

	dispatch BlockDispatcher
	stopOnce sync.Once
	stopErr  error
}

func (s *portAudioStream) ID() string                 { return s.id }
func (s *portAudioStream) Format() Format             { return s.format }
func (s *portAudioStream) Attach(fn BlockFunc) func() { return s.dispatch.Attach(fn) }

func (s *portAudioStream) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = errors.Join(s.pa.Stop(), s.pa.Close())
	})
	return s.stopErr
}

func (s *portAudioStream) Tracks() []Track {
	return []Track{NewTrack("audio", s.label, s.Stop)}
}

// monitorOutput plays monitor blocks on the default output device. The
// output stream is opened on the first Write.
type monitorOutput struct {
	sampleRate int
	logger     *slog.Logger

	mu       sync.Mutex
	pa       *portaudio.Stream
	channels int
	failed   bool
	queue    chan []float32
	pending  []float32
}

func (o *monitorOutput) Write(block []float32, channels int) {
	o.mu.Lock()
	if o.pa == nil && !o.failed {
		if err := o.open(channels); err != nil {
			o.logger.Warn("Monitor output unavailable", "error", err)
			o.failed = true
		}
	}
	ready := o.pa != nil && o.channels == channels
	o.mu.Unlock()

	if !ready {
		return
	}

	buf := make([]float32, len(block))
	copy(buf, block)
	select {
	case o.queue <- buf:
	default:
	}
}

func (o *monitorOutput) open(channels int) error {
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return err
	}
	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = channels
	params.SampleRate = float64(o.sampleRate)

	o.queue = make(chan []float32, monitorQueueBlocks)
	pa, err := portaudio.OpenStream(params, o.fill)
	if err != nil {
		return err
	}
	if err := pa.Start(); err != nil {
		pa.Close()
		return err
	}
	o.pa = pa
	o.channels = channels
	o.logger.Debug("Monitor output opened", "device", dev.Name, "channels", channels,
		"latency", params.Output.Latency.Round(time.Millisecond))
	return nil
}

// fill runs on the PortAudio output callback.
func (o *monitorOutput) fill(out []float32) {
	n := 0
	for n < len(out) {
		if len(o.pending) == 0 {
			select {
			case b := <-o.queue:
				o.pending = b
			default:
				clear(out[n:])
				return
			}
		}
		c := copy(out[n:], o.pending)
		o.pending = o.pending[c:]
		n += c
	}
}

func (o *monitorOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pa == nil {
		return nil
	}
	err := errors.Join(o.pa.Stop(), o.pa.Close())
	o.pa = nil
	return err
}

// ListSources lists the capture devices PortAudio can see.
func ListSources() ([]SourceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var sources []SourceInfo
	for _, d := range devices {
		if d.MaxInputChannels == 0 {
			continue
		}
		info := SourceInfo{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           def != nil && def.Name == d.Name,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		sources = append(sources, info)
	}
	return sources, nil
}
