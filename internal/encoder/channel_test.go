package encoder

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/pagecapture/internal/audio"
)

var testParams = InitParams{SampleRate: 48000, Channels: 1}

// fakeWorker returns the first sample of every frame as a one-byte chunk.
type fakeWorker struct {
	id      int
	gate    <-chan struct{}
	failAt  int
	tail    []byte
	inits   int
	encodes int
	closed  bool
}

func (w *fakeWorker) Init(InitParams) error { w.inits++; return nil }

func (w *fakeWorker) Encode(f audio.Frame) ([]byte, error) {
	if w.gate != nil {
		<-w.gate
	}
	w.encodes++
	if w.failAt > 0 && w.encodes == w.failAt {
		return nil, errors.New("codec exploded")
	}
	return []byte{byte(f[0][0])}, nil
}

func (w *fakeWorker) Flush() ([]byte, error) { return w.tail, nil }
func (w *fakeWorker) Close() error           { w.closed = true; return nil }

type fakeFactory struct {
	mu      sync.Mutex
	workers []*fakeWorker
	build   func(w *fakeWorker)
	err     error
}

func (f *fakeFactory) New() (Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	w := &fakeWorker{id: len(f.workers)}
	if f.build != nil {
		f.build(w)
	}
	f.workers = append(f.workers, w)
	return w, nil
}

func (f *fakeFactory) all() []*fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeWorker(nil), f.workers...)
}

type events struct {
	mu      sync.Mutex
	outputs [][]byte
	errs    []error
	drained int
}

func (e *events) handlers() Handlers {
	return Handlers{
		OnOutput: func(c []byte) { e.mu.Lock(); e.outputs = append(e.outputs, c); e.mu.Unlock() },
		OnError:  func(err error) { e.mu.Lock(); e.errs = append(e.errs, err); e.mu.Unlock() },
		OnDrained: func() {
			e.mu.Lock()
			e.drained++
			e.mu.Unlock()
		},
	}
}

func (e *events) snapshot() ([][]byte, []error, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.outputs...), append([]error(nil), e.errs...), e.drained
}

func frameOf(v int) audio.Frame {
	return audio.Frame{{float32(v)}}
}

func waitDone(t *testing.T, ack <-chan struct{}) {
	t.Helper()
	select {
	case <-ack:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for drain")
	}
}

func TestChannel_OutputOrderMatchesSubmission(t *testing.T) {
	var ff fakeFactory
	var ev events
	c, err := NewChannel(ff.New, ev.handlers(), nil)
	require.NoError(t, err)
	defer c.Close()

	c.Init(testParams)
	for i := 0; i < 200; i++ {
		c.Encode(frameOf(i % 256))
	}
	waitDone(t, c.Done())

	outputs, errs, drained := ev.snapshot()
	assert.Empty(t, errs)
	assert.Equal(t, 1, drained)
	require.Len(t, outputs, 200)
	for i, o := range outputs {
		assert.Equal(t, []byte{byte(i % 256)}, o)
	}
	assert.Equal(t, int64(200), c.Encoded())
}

func TestChannel_StateTransitions(t *testing.T) {
	var ff fakeFactory
	var ev events
	c, err := NewChannel(ff.New, ev.handlers(), nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, StateUninitialized, c.State())

	c.Init(testParams)
	require.Eventually(t, func() bool { return c.State() == StateReady }, time.Second, time.Millisecond)

	ack := c.Done()
	waitDone(t, ack)
	assert.Equal(t, StateTerminated, c.State())
	assert.True(t, ff.all()[0].closed)
}

func TestChannel_EncodeNeverBlocks(t *testing.T) {
	gate := make(chan struct{})
	ff := fakeFactory{build: func(w *fakeWorker) { w.gate = gate }}
	var ev events
	c, err := NewChannel(ff.New, ev.handlers(), nil)
	require.NoError(t, err)
	defer c.Close()

	c.Init(testParams)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 5000; i++ {
			c.Encode(frameOf(i % 256))
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Encode blocked while the worker was busy")
	}

	close(gate)
	waitDone(t, c.Done())
	outputs, _, _ := ev.snapshot()
	assert.Len(t, outputs, 5000)
}

func TestChannel_FlushTailIsEmitted(t *testing.T) {
	ff := fakeFactory{build: func(w *fakeWorker) { w.tail = []byte("tail") }}
	var ev events
	c, err := NewChannel(ff.New, ev.handlers(), nil)
	require.NoError(t, err)
	defer c.Close()

	c.Init(testParams)
	c.Encode(frameOf(1))
	waitDone(t, c.Done())

	outputs, _, _ := ev.snapshot()
	assert.Equal(t, [][]byte{{1}, []byte("tail")}, outputs)
}

func TestChannel_RecreateKeepsQueuedFrames(t *testing.T) {
	var ff fakeFactory
	var ev events
	var c *Channel
	handlers := ev.handlers()
	onOutput := handlers.OnOutput
	handlers.OnOutput = func(chunk []byte) {
		onOutput(chunk)
		if chunk[0]%3 == 2 {
			c.Recreate()
		}
	}

	var err error
	c, err = NewChannel(ff.New, handlers, nil)
	require.NoError(t, err)
	defer c.Close()

	c.Init(testParams)
	for i := 0; i < 10; i++ {
		c.Encode(frameOf(i))
	}
	waitDone(t, c.Done())

	outputs, errs, _ := ev.snapshot()
	assert.Empty(t, errs)
	require.Len(t, outputs, 10, "no frame may be lost across rotation")
	for i, o := range outputs {
		assert.Equal(t, []byte{byte(i)}, o)
	}

	// chunks 2, 5 and 8 each rotated once
	assert.Equal(t, int64(3), c.Rotations())
	assert.Equal(t, int64(4), c.Workers())

	workers := ff.all()
	require.Len(t, workers, 4)
	total := 0
	for _, w := range workers {
		assert.Equal(t, 1, w.inits, "worker %d", w.id)
		assert.True(t, w.closed, "worker %d", w.id)
		total += w.encodes
	}
	assert.Equal(t, 10, total)
	assert.Equal(t, 3, workers[0].encodes)
	assert.Equal(t, 1, workers[3].encodes)
}

func TestChannel_RecreateKeepsFlushTail(t *testing.T) {
	const tailByte = 200
	ff := fakeFactory{build: func(w *fakeWorker) { w.tail = []byte{tailByte} }}
	var ev events
	var c *Channel
	handlers := ev.handlers()
	onOutput := handlers.OnOutput
	handlers.OnOutput = func(chunk []byte) {
		onOutput(chunk)
		if chunk[len(chunk)-1] != tailByte {
			c.Recreate()
		}
	}

	var err error
	c, err = NewChannel(ff.New, handlers, nil)
	require.NoError(t, err)
	defer c.Close()

	c.Init(testParams)
	for i := 0; i < 5; i++ {
		c.Encode(frameOf(i))
	}
	waitDone(t, c.Done())

	outputs, errs, _ := ev.snapshot()
	assert.Empty(t, errs)

	// Every retired worker's tail leads the chunk of its successor, so the
	// chunk count still follows the frame count.
	assert.Equal(t, [][]byte{
		{0},
		{tailByte, 1},
		{tailByte, 2},
		{tailByte, 3},
		{tailByte, 4},
		{tailByte, tailByte},
	}, outputs)
	assert.Equal(t, int64(5), c.Rotations())
	assert.Equal(t, int64(6), c.Workers())
}

// blockWorker encodes fixed blocks of samples and keeps the remainder for
// the next frame, like a codec with a fixed frame size.
type blockWorker struct {
	block    int
	pending  []float32
	encoded  *int
	padded   *int
	restored int
}

func (w *blockWorker) Init(InitParams) error { w.pending = w.pending[:0]; return nil }

func (w *blockWorker) Encode(f audio.Frame) ([]byte, error) {
	w.pending = append(w.pending, f.Interleave()...)
	var out []byte
	for len(w.pending) >= w.block {
		out = append(out, byte(w.pending[0]))
		*w.encoded += w.block
		w.pending = w.pending[w.block:]
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

func (w *blockWorker) Flush() ([]byte, error) {
	if len(w.pending) == 0 {
		return nil, nil
	}
	*w.encoded += len(w.pending)
	*w.padded += w.block - len(w.pending)
	out := []byte{byte(w.pending[0])}
	w.pending = nil
	return out, nil
}

func (w *blockWorker) Close() error { return nil }

func (w *blockWorker) TakePending() []float32 {
	p := w.pending
	w.pending = nil
	return p
}

func (w *blockWorker) Restore(samples []float32) {
	w.restored += len(samples)
	w.pending = append(w.pending, samples...)
}

func TestChannel_RecreateHandsOffBufferedSamples(t *testing.T) {
	var encoded, padded int
	var mu sync.Mutex
	var workers []*blockWorker
	factory := func() (Worker, error) {
		mu.Lock()
		defer mu.Unlock()
		w := &blockWorker{block: 4, encoded: &encoded, padded: &padded}
		workers = append(workers, w)
		return w, nil
	}

	var ev events
	var c *Channel
	handlers := ev.handlers()
	onOutput := handlers.OnOutput
	handlers.OnOutput = func(chunk []byte) {
		onOutput(chunk)
		c.Recreate()
	}

	var err error
	c, err = NewChannel(factory, handlers, nil)
	require.NoError(t, err)
	defer c.Close()

	// 3 samples per frame against 4-sample blocks leaves a remainder at
	// almost every rotation.
	const frames = 10
	c.Init(testParams)
	for i := 0; i < frames; i++ {
		c.Encode(audio.Frame{{float32(i), float32(i), float32(i)}})
	}
	waitDone(t, c.Done())

	_, errs, _ := ev.snapshot()
	assert.Empty(t, errs)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, frames*3, encoded, "every sample must be encoded exactly once")
	assert.Less(t, padded, 4, "only the final flush may pad")

	restored := 0
	for _, w := range workers {
		restored += w.restored
	}
	assert.Positive(t, restored)
}

func TestChannel_RotationWithoutInitLeavesWorkerUninitialized(t *testing.T) {
	var ff fakeFactory
	var ev events
	c, err := NewChannel(ff.New, ev.handlers(), nil)
	require.NoError(t, err)
	defer c.Close()

	c.Recreate()
	require.Eventually(t, func() bool { return c.Rotations() == 1 }, time.Second, time.Millisecond)

	workers := ff.all()
	require.Len(t, workers, 2)
	assert.True(t, workers[0].closed)
	assert.Zero(t, workers[1].inits)
}

func TestChannel_WorkerErrorTerminates(t *testing.T) {
	gate := make(chan struct{})
	ff := fakeFactory{build: func(w *fakeWorker) {
		w.gate = gate
		w.failAt = 2
	}}
	var ev events
	c, err := NewChannel(ff.New, ev.handlers(), nil)
	require.NoError(t, err)
	defer c.Close()

	c.Init(testParams)
	for i := 0; i < 6; i++ {
		c.Encode(frameOf(i))
	}
	ack := c.Done()
	close(gate)
	waitDone(t, ack)

	outputs, errs, drained := ev.snapshot()
	assert.Equal(t, [][]byte{{0}}, outputs)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrEncoderFailure)
	var encErr *EncoderError
	require.ErrorAs(t, errs[0], &encErr)
	assert.Contains(t, encErr.Error(), "codec exploded")
	assert.Equal(t, 1, drained)

	assert.Equal(t, StateTerminated, c.State())
	assert.Equal(t, int64(4), c.Dropped())
	assert.Equal(t, int64(1), c.Failures())
	assert.True(t, ff.all()[0].closed)
}

func TestChannel_InitAfterTerminateUsesFreshWorker(t *testing.T) {
	var ff fakeFactory
	var ev events
	c, err := NewChannel(ff.New, ev.handlers(), nil)
	require.NoError(t, err)
	defer c.Close()

	c.Init(testParams)
	c.Encode(frameOf(1))
	waitDone(t, c.Done())
	require.Equal(t, StateTerminated, c.State())

	c.Init(testParams)
	c.Encode(frameOf(2))
	waitDone(t, c.Done())

	outputs, _, drained := ev.snapshot()
	assert.Equal(t, [][]byte{{1}, {2}}, outputs)
	assert.Equal(t, 2, drained)

	workers := ff.all()
	require.Len(t, workers, 2)
	assert.Equal(t, 1, workers[0].encodes)
	assert.Equal(t, 1, workers[1].encodes)
}

func TestChannel_EncodeWithoutInitIsDropped(t *testing.T) {
	var ff fakeFactory
	var ev events
	c, err := NewChannel(ff.New, ev.handlers(), nil)
	require.NoError(t, err)
	defer c.Close()

	c.Encode(frameOf(1))
	require.Eventually(t, func() bool { return c.Dropped() == 1 }, time.Second, time.Millisecond)

	outputs, _, _ := ev.snapshot()
	assert.Empty(t, outputs)
}

func TestChannel_EncodeWhileDrainingIsDropped(t *testing.T) {
	gate := make(chan struct{})
	ff := fakeFactory{build: func(w *fakeWorker) { w.gate = gate }}
	var ev events
	c, err := NewChannel(ff.New, ev.handlers(), nil)
	require.NoError(t, err)
	defer c.Close()

	c.Init(testParams)
	c.Encode(frameOf(1))
	ack := c.Done()
	c.Encode(frameOf(2))
	close(gate)
	waitDone(t, ack)

	outputs, _, _ := ev.snapshot()
	assert.Equal(t, [][]byte{{1}}, outputs)
	assert.Equal(t, int64(1), c.Dropped())
}

func TestChannel_FactoryError(t *testing.T) {
	ff := fakeFactory{err: errors.New("no codec")}
	_, err := NewChannel(ff.New, Handlers{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no codec")
}

func TestChannel_CloseReleasesPendingDone(t *testing.T) {
	gate := make(chan struct{})
	ff := fakeFactory{build: func(w *fakeWorker) { w.gate = gate }}
	c, err := NewChannel(ff.New, Handlers{}, nil)
	require.NoError(t, err)

	c.Init(testParams)
	c.Encode(frameOf(1))
	ack := c.Done()

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	close(gate)

	waitDone(t, ack)
	require.NoError(t, <-closed)
	assert.NoError(t, c.Close())

	// After Close nothing is queued any more
	c.Encode(frameOf(2))
	assert.Zero(t, c.Pending())
	waitDone(t, c.Done())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "terminated", StateTerminated.String())
	assert.Equal(t, "State(9)", State(9).String())
}
