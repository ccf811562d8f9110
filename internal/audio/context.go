package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/audiolibrelab/pagecapture/internal/config"
)

// Format describes the sample layout of a Stream.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// BlockFunc receives interleaved float32 samples straight from the device
// callback. The slice is only valid for the duration of the call.
type BlockFunc func(block []float32)

// Stream is a live input stream handed out by a Context.
type Stream interface {
	ID() string
	Format() Format
	// Attach registers fn for every delivered block. The returned detach
	// func blocks until any in-flight call to fn has returned.
	Attach(fn BlockFunc) (detach func())
	Stop() error
}

// Track is one underlying source of a Stream.
type Track interface {
	Kind() string
	Label() string
	Stop() error
}

// TrackStream is implemented by streams that expose their tracks.
type TrackStream interface {
	Stream
	Tracks() []Track
}

// Output consumes interleaved blocks, usually the speakers. Implementations
// must copy the block if they keep it past the call.
type Output interface {
	Write(block []float32, channels int)
}

// Context is the device context shared by every recorder in the process.
type Context interface {
	SampleRate() int
	GetStream(ctx context.Context, constraints config.Constraints) (Stream, error)
	Destination() Output
	Close() error
}

// ContextFactory builds the device Context. It is chosen once by Probe.
type ContextFactory func() (Context, error)

// ErrDeviceUnavailable matches every stream acquisition rejection.
var ErrDeviceUnavailable = errors.New("device unavailable")

// DeviceUnavailableError carries the reason a stream request was rejected.
// Error returns that reason unchanged.
type DeviceUnavailableError struct {
	Reason error
}

func (e *DeviceUnavailableError) Error() string {
	if e.Reason == nil {
		return ErrDeviceUnavailable.Error()
	}
	return e.Reason.Error()
}

func (e *DeviceUnavailableError) Unwrap() error { return e.Reason }

func (e *DeviceUnavailableError) Is(target error) bool { return target == ErrDeviceUnavailable }

// SharedContext is a lazily created handle around one Context. Create it
// once per process and hand it to every recorder.
type SharedContext struct {
	factory ContextFactory

	mu  sync.Mutex
	ctx Context
}

func NewSharedContext(factory ContextFactory) *SharedContext {
	return &SharedContext{factory: factory}
}

// IsRecordingSupported reports whether a device backend was found.
func (s *SharedContext) IsRecordingSupported() bool {
	return s != nil && s.factory != nil
}

// Get returns the Context, creating it on first use.
func (s *SharedContext) Get() (Context, error) {
	if !s.IsRecordingSupported() {
		return nil, fmt.Errorf("no audio backend available")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return s.ctx, nil
	}

	ctx, err := s.factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create audio context: %w", err)
	}
	slog.Debug("Audio context created", "sample_rate", ctx.SampleRate())
	s.ctx = ctx
	return ctx, nil
}

// Reset closes and drops the Context. The next Get builds a new one.
func (s *SharedContext) Reset() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return nil
	}
	err := s.ctx.Close()
	s.ctx = nil
	return err
}

// BlockDispatcher fans a device callback out to attached BlockFuncs.
// Backends embed it to implement Stream.Attach.
type BlockDispatcher struct {
	mu   sync.RWMutex
	next int
	fns  map[int]BlockFunc
}

func (d *BlockDispatcher) Attach(fn BlockFunc) func() {
	d.mu.Lock()
	if d.fns == nil {
		d.fns = make(map[int]BlockFunc)
	}
	id := d.next
	d.next++
	d.fns[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.fns, id)
			d.mu.Unlock()
		})
	}
}

// Dispatch calls every attached BlockFunc with block.
func (d *BlockDispatcher) Dispatch(block []float32) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, fn := range d.fns {
		fn(block)
	}
}

// Listeners reports how many BlockFuncs are attached.
func (d *BlockDispatcher) Listeners() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.fns)
}

// track is a Track backed by a stop func.
type track struct {
	kind  string
	label string
	stop  func() error
}

func (t *track) Kind() string  { return t.kind }
func (t *track) Label() string { return t.label }
func (t *track) Stop() error   { return t.stop() }

// NewTrack builds a Track whose Stop calls stop.
func NewTrack(kind, label string, stop func() error) Track {
	return &track{kind: kind, label: label, stop: stop}
}

type discardOutput struct{}

func (discardOutput) Write([]float32, int) {}

// Discard is an Output that drops everything.
var Discard Output = discardOutput{}
