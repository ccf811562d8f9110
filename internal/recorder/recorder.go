// Package recorder drives one capture session at a time: device stream,
// capture graph, encoder channel and page assembler.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/pagecapture/internal/audio"
	"github.com/audiolibrelab/pagecapture/internal/config"
	"github.com/audiolibrelab/pagecapture/internal/encoder"
	"github.com/audiolibrelab/pagecapture/internal/pager"
)

// ErrNotSupported is returned by New when no audio backend is available.
var ErrNotSupported = errors.New("recording is not supported on this system")

// State of a Recorder.
type State int32

const (
	StateInactive State = iota
	StateRecording
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Hooks are optional event callbacks. OnDataAvailable runs on the device
// callback goroutine and must not block. OnStop, OnError and the page sink
// run on the encoder goroutine and must not call Stop or Close.
type Hooks struct {
	OnStart         func()
	OnStop          func()
	OnPause         func()
	OnResume        func()
	OnDataAvailable func(frame audio.Frame)
	OnError         func(err error)
}

// Option customises a Recorder.
type Option func(*Recorder)

func WithHooks(h Hooks) Option {
	return func(r *Recorder) { r.hooks = h }
}

// WithWorkerFactory replaces the encoder selected by Options.Encoder.
func WithWorkerFactory(f encoder.Factory) Option {
	return func(r *Recorder) { r.factory = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// Session describes one start/stop cycle.
type Session struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"stream_id"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Frames    int64     `json:"frames"`
	Pages     int       `json:"pages"`
	Error     string    `json:"error,omitempty"`
}

// Recorder captures from the shared device context and emits pages to a
// sink.
type Recorder struct {
	id      string
	opts    config.Options
	shared  *audio.SharedContext
	actx    audio.Context
	streams *audio.StreamManager
	channel *encoder.Channel
	pages   *pager.Assembler
	sink    pager.Sink
	factory encoder.Factory
	hooks   Hooks
	logger  *slog.Logger

	state  atomic.Int32
	frames atomic.Int64

	mu       sync.Mutex
	graph    *audio.Graph
	session  *Session
	stopping *Session
	// closed once the last stopped session finished draining
	drain <-chan struct{}
}

// New builds an inactive Recorder. The first encoder worker is created
// here so an unavailable codec fails fast.
func New(shared *audio.SharedContext, opts config.Options, sink pager.Sink, options ...Option) (*Recorder, error) {
	if !shared.IsRecordingSupported() {
		return nil, ErrNotSupported
	}

	r := &Recorder{
		id:     uuid.NewString(),
		shared: shared,
		sink:   sink,
	}
	for _, o := range options {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "recorder", "recorder_id", r.id)

	actx, err := shared.Get()
	if err != nil {
		return nil, err
	}
	r.actx = actx

	merged := opts.WithDefaults()
	if merged.WavSampleRate == 0 {
		merged.WavSampleRate = actx.SampleRate()
	}
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recorder options: %w", err)
	}
	r.opts = merged

	if r.factory == nil {
		r.factory, err = encoder.NewFactory(merged.Encoder)
		if err != nil {
			return nil, err
		}
	}

	r.streams = audio.NewStreamManager(actx, r.logger)
	r.pages = pager.New(merged.MaxBuffersPerPage, merged.StreamPages, r.deliver, r.rotate)
	r.channel, err = encoder.NewChannel(r.factory, encoder.Handlers{
		OnOutput:  r.pages.Push,
		OnError:   r.fail,
		OnDrained: r.drained,
	}, r.logger)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Recorder created",
		"encoder", merged.Encoder,
		"channels", merged.NumberOfChannels,
		"buffer_length", merged.BufferLength,
		"stream_pages", merged.StreamPages)
	return r, nil
}

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) State() State { return State(r.state.Load()) }

// Config returns the merged options.
func (r *Recorder) Config() config.Options { return r.opts }

// Context returns the shared device context.
func (r *Recorder) Context() audio.Context { return r.actx }

// Stream returns the held input stream, nil when none is held.
func (r *Recorder) Stream() audio.Stream { return r.streams.Current() }

func (r *Recorder) Channel() *encoder.Channel { return r.channel }

// Session returns a snapshot of the current or last session.
func (r *Recorder) Session() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return Session{}, false
	}
	s := *r.session
	if s.StoppedAt.IsZero() {
		s.Frames = r.frames.Load()
		s.Pages = r.pages.Pages()
	}
	return s, true
}

// InitStream acquires the input stream without starting a session.
func (r *Recorder) InitStream(ctx context.Context) (audio.Stream, error) {
	return r.streams.Acquire(ctx, r.opts.MediaTrackConstraints)
}

// ClearStream releases the held input stream.
func (r *Recorder) ClearStream() error {
	return r.streams.Release()
}

// Start begins a session. It is a no-op unless the recorder is inactive.
// A rejected stream request returns *audio.DeviceUnavailableError. If the
// previous session is still draining, Start waits for it, bounded by ctx.
func (r *Recorder) Start(ctx context.Context) error {
	if err := r.waitDrain(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if r.State() != StateInactive {
		r.mu.Unlock()
		return nil
	}

	stream, err := r.streams.Acquire(ctx, r.opts.MediaTrackConstraints)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	rate := stream.Format().SampleRate
	if rate == 0 {
		rate = r.actx.SampleRate()
	}

	r.pages.Reset()
	r.frames.Store(0)
	r.channel.Init(encoder.ParamsFromOptions(rate, r.opts))
	r.state.Store(int32(StateRecording))

	graph, err := audio.NewGraph(r.actx, stream, audio.GraphOptions{
		BufferLength: r.opts.BufferLength,
		Channels:     r.opts.NumberOfChannels,
		MonitorGain:  r.opts.MonitorGain,
	}, r.handleFrame)
	if err != nil {
		r.state.Store(int32(StateInactive))
		if !r.opts.LeaveStreamOpen {
			if rerr := r.streams.Release(); rerr != nil {
				r.logger.Warn("Failed to release stream", "error", rerr)
			}
		}
		r.mu.Unlock()
		return fmt.Errorf("failed to build capture graph: %w", err)
	}
	r.graph = graph
	r.session = &Session{
		ID:        uuid.NewString(),
		StreamID:  stream.ID(),
		StartedAt: time.Now(),
	}
	sessionID := r.session.ID
	r.mu.Unlock()

	r.logger.Info("Recording started", "session_id", sessionID, "stream_id", stream.ID(), "sample_rate", rate)
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	return nil
}

// Pause stops forwarding frames. Frames delivered while paused are dropped.
func (r *Recorder) Pause() error {
	if !r.transition(StateRecording, StatePaused) {
		return nil
	}
	r.logger.Info("Recording paused")
	if r.hooks.OnPause != nil {
		r.hooks.OnPause()
	}
	return nil
}

func (r *Recorder) Resume() error {
	if !r.transition(StatePaused, StateRecording) {
		return nil
	}
	r.logger.Info("Recording resumed")
	if r.hooks.OnResume != nil {
		r.hooks.OnResume()
	}
	return nil
}

func (r *Recorder) transition(from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.CompareAndSwap(int32(from), int32(to))
}

// Stop ends the session. Every frame captured before Stop is still
// encoded; Stop returns once the encoder drained, the last page was
// emitted and OnStop ran, or when ctx is done. No-op when inactive.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.State() == StateInactive {
		r.mu.Unlock()
		return nil
	}
	r.state.Store(int32(StateInactive))

	if r.graph != nil {
		r.graph.Teardown()
		r.graph = nil
	}
	r.stopping = r.session
	ack := r.channel.Done()
	r.drain = ack

	var err error
	if !r.opts.LeaveStreamOpen {
		err = r.streams.Release()
	}
	r.mu.Unlock()

	select {
	case <-ack:
	case <-ctx.Done():
		return fmt.Errorf("waiting for encoder to drain: %w", ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("failed to release stream: %w", err)
	}
	return nil
}

// Close stops the recorder, waits for the last drain, releases the stream
// and shuts down the encoder goroutine.
func (r *Recorder) Close() error {
	stopErr := r.Stop(context.Background())
	drainErr := r.waitDrain(context.Background())
	return errors.Join(stopErr, drainErr, r.streams.Release(), r.channel.Close())
}

func (r *Recorder) waitDrain(ctx context.Context) error {
	r.mu.Lock()
	ack := r.drain
	r.mu.Unlock()
	if ack == nil {
		return nil
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("previous session still draining: %w", ctx.Err())
	}
}

func (r *Recorder) handleFrame(frame audio.Frame) {
	if r.State() != StateRecording {
		return
	}
	r.frames.Add(1)
	if r.hooks.OnDataAvailable != nil {
		r.hooks.OnDataAvailable(frame)
	}
	r.channel.Encode(frame)
}

func (r *Recorder) deliver(p pager.Page) {
	r.logger.Debug("Page ready", "index", p.Index, "chunks", len(p.Chunks), "bytes", p.Len())
	if r.sink != nil {
		r.sink(p)
	}
}

func (r *Recorder) rotate() {
	r.channel.Recreate()
}

func (r *Recorder) drained() {
	r.pages.Finalize()

	r.mu.Lock()
	s := r.stopping
	r.stopping = nil
	if s != nil {
		r.closeSession(s, nil)
	}
	r.mu.Unlock()

	if s == nil {
		return
	}
	r.logger.Info("Recording stopped", "session_id", s.ID, "frames", s.Frames, "pages", s.Pages)
	if r.hooks.OnStop != nil {
		r.hooks.OnStop()
	}
}

// fail handles an encoder error. An active session ends as if stopped.
func (r *Recorder) fail(err error) {
	r.mu.Lock()
	var s *Session
	if r.State() != StateInactive {
		r.state.Store(int32(StateInactive))
		if r.graph != nil {
			r.graph.Teardown()
			r.graph = nil
		}
		if !r.opts.LeaveStreamOpen {
			if rerr := r.streams.Release(); rerr != nil {
				r.logger.Warn("Failed to release stream", "error", rerr)
			}
		}
		s = r.session
	}
	r.mu.Unlock()

	if s != nil {
		r.pages.Finalize()
		r.mu.Lock()
		r.closeSession(s, err)
		r.mu.Unlock()
	}

	r.logger.Error("Recording failed", "error", err)
	if r.hooks.OnError != nil {
		r.hooks.OnError(err)
	}
	if s != nil && r.hooks.OnStop != nil {
		r.hooks.OnStop()
	}
}

// closeSession freezes the counters of s. Caller holds r.mu.
func (r *Recorder) closeSession(s *Session, err error) {
	if s == nil || !s.StoppedAt.IsZero() {
		return
	}
	s.StoppedAt = time.Now()
	s.Frames = r.frames.Load()
	s.Pages = r.pages.Pages()
	if err != nil {
		s.Error = err.Error()
	}
}
