// Package audiotest provides in-memory device contexts and streams for tests.
package audiotest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/audiolibrelab/pagecapture/internal/audio"
	"github.com/audiolibrelab/pagecapture/internal/config"
)

// Context is an audio.Context whose streams are fed by the test.
type Context struct {
	Rate     int
	Channels int

	// Reject, when set, is returned by every GetStream call.
	Reject error
	// NoTracks makes streams hide their tracks so release stops them whole.
	NoTracks bool

	Monitor *RecordingOutput

	calls   atomic.Int32
	closed  atomic.Bool
	mu      sync.Mutex
	streams []*Stream
}

// NewContext returns a context producing streams at rate with channels.
func NewContext(rate, channels int) *Context {
	return &Context{Rate: rate, Channels: channels, Monitor: &RecordingOutput{}}
}

// Factory returns a ContextFactory that always hands out c.
func (c *Context) Factory() audio.ContextFactory {
	return func() (audio.Context, error) { return c, nil }
}

func (c *Context) SampleRate() int { return c.Rate }

func (c *Context) Destination() audio.Output { return c.Monitor }

func (c *Context) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Context) Closed() bool { return c.closed.Load() }

func (c *Context) GetStream(ctx context.Context, _ config.Constraints) (audio.Stream, error) {
	c.calls.Add(1)
	if c.Reject != nil {
		return nil, c.Reject
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := NewStream(audio.Format{SampleRate: c.Rate, Channels: c.Channels})
	s.noTracks = c.NoTracks

	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s, nil
}

// Calls reports how many times GetStream was called.
func (c *Context) Calls() int { return int(c.calls.Load()) }

// Streams returns every stream handed out so far.
func (c *Context) Streams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Stream(nil), c.streams...)
}

// Stream is an audio.Stream driven by Push.
type Stream struct {
	id       string
	format   audio.Format
	noTracks bool

	dispatch audio.BlockDispatcher
	tracks   []*Track
	stopped  atomic.Bool
}

// NewStream builds a stream with one track per channel.
func NewStream(format audio.Format) *Stream {
	s := &Stream{id: uuid.NewString(), format: format}
	for ch := 0; ch < format.Channels; ch++ {
		s.tracks = append(s.tracks, &Track{label: "channel"})
	}
	return s
}

func (s *Stream) ID() string                       { return s.id }
func (s *Stream) Format() audio.Format             { return s.format }
func (s *Stream) Attach(fn audio.BlockFunc) func() { return s.dispatch.Attach(fn) }
func (s *Stream) Listeners() int                   { return s.dispatch.Listeners() }
func (s *Stream) Stop() error                      { s.stopped.Store(true); return nil }
func (s *Stream) Stopped() bool                    { return s.stopped.Load() }
func (s *Stream) TrackList() []*Track              { return s.tracks }

// Tracks implements audio.TrackStream.
func (s *Stream) Tracks() []audio.Track {
	if s.noTracks {
		return nil
	}
	out := make([]audio.Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

// Push delivers one interleaved block to the attached listeners,
// synchronously like a device callback.
func (s *Stream) Push(block []float32) {
	s.dispatch.Dispatch(block)
}

// PushFrames delivers n blocks of frameLen samples per channel, each
// sample set to value.
func (s *Stream) PushFrames(n, frameLen int, value float32) {
	block := make([]float32, frameLen*s.format.Channels)
	for i := range block {
		block[i] = value
	}
	for i := 0; i < n; i++ {
		s.Push(block)
	}
}

// AllTracksStopped reports whether every track was stopped.
func (s *Stream) AllTracksStopped() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return len(s.tracks) > 0
}

type Track struct {
	label   string
	stopped atomic.Bool
}

func (t *Track) Kind() string  { return "audio" }
func (t *Track) Label() string { return t.label }
func (t *Track) Stop() error   { t.stopped.Store(true); return nil }
func (t *Track) Stopped() bool { return t.stopped.Load() }

// RecordingOutput keeps a copy of everything written to it.
type RecordingOutput struct {
	mu     sync.Mutex
	blocks [][]float32
}

func (o *RecordingOutput) Write(block []float32, _ int) {
	buf := make([]float32, len(block))
	copy(buf, block)
	o.mu.Lock()
	o.blocks = append(o.blocks, buf)
	o.mu.Unlock()
}

// Samples returns every written sample in order.
func (o *RecordingOutput) Samples() []float32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []float32
	for _, b := range o.blocks {
		out = append(out, b...)
	}
	return out
}
