package encoder

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/audiolibrelab/pagecapture/internal/audio"
)

// State of a Channel.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Handlers receive channel events. They run on the channel goroutine, in
// order, and may call Recreate but not Done or Close.
type Handlers struct {
	OnOutput  func(chunk []byte)
	OnError   func(err error)
	OnDrained func()
}

type commandKind int

const (
	cmdInit commandKind = iota
	cmdEncode
	cmdDone
)

type command struct {
	kind   commandKind
	params InitParams
	frame  audio.Frame
	ack    chan struct{}
}

// Channel feeds a Worker from an unbounded mailbox served by a single
// goroutine. Encode never blocks and output order equals submission order.
type Channel struct {
	factory  Factory
	handlers Handlers
	logger   *slog.Logger

	mu        sync.Mutex
	queue     []command
	rotations int
	closed    bool

	wake     chan struct{}
	quit     chan struct{}
	loopDone chan struct{}

	state    atomic.Int32
	created  atomic.Int64
	rotated  atomic.Int64
	encoded  atomic.Int64
	dropped  atomic.Int64
	failures atomic.Int64

	// owned by the loop goroutine
	worker Worker
	params *InitParams
	// flush tail of a rotated worker, emitted ahead of the next chunk
	carry []byte
}

// NewChannel builds the first worker and starts the channel goroutine.
func NewChannel(factory Factory, handlers Handlers, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	worker, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder worker: %w", err)
	}

	c := &Channel{
		factory:  factory,
		handlers: handlers,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		worker:   worker,
	}
	c.created.Add(1)

	go c.loop()
	return c, nil
}

// State returns the channel state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Init queues the init command. The channel becomes ready once the worker
// accepted it. Init on a terminated channel starts over with a fresh worker.
func (c *Channel) Init(params InitParams) {
	c.state.CompareAndSwap(int32(StateTerminated), int32(StateUninitialized))
	c.state.CompareAndSwap(int32(StateDraining), int32(StateUninitialized))
	c.enqueue(command{kind: cmdInit, params: params})
}

// Encode queues a frame. It never blocks. Frames sent while draining are
// dropped.
func (c *Channel) Encode(frame audio.Frame) {
	if c.State() == StateDraining {
		c.dropped.Add(1)
		c.logger.Warn("Dropping frame sent after done")
		return
	}
	c.enqueue(command{kind: cmdEncode, frame: frame})
}

// Done signals end of input. Every frame queued before it is still encoded,
// then the worker is flushed and closed. The returned channel is closed
// after the drained handler ran.
func (c *Channel) Done() <-chan struct{} {
	ack := make(chan struct{})
	c.state.Store(int32(StateDraining))
	if !c.enqueue(command{kind: cmdDone, ack: ack}) {
		close(ack)
	}
	return ack
}

// Recreate replaces the worker before the next queued command is
// processed. Queued frames are kept and go to the new worker.
func (c *Channel) Recreate() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.rotations++
	c.mu.Unlock()
	c.signal()
}

// Close stops the channel goroutine and closes the worker. Pending Done
// acks are released.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.loopDone
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.quit)
	<-c.loopDone

	c.mu.Lock()
	for _, cmd := range c.queue {
		if cmd.ack != nil {
			close(cmd.ack)
		}
	}
	c.queue = nil
	c.mu.Unlock()

	c.state.Store(int32(StateTerminated))
	if c.worker != nil {
		err := c.worker.Close()
		c.worker = nil
		return err
	}
	return nil
}

// Workers is the number of workers created so far, the first one included.
func (c *Channel) Workers() int64 { return c.created.Load() }

// Rotations is the number of completed Recreate requests.
func (c *Channel) Rotations() int64 { return c.rotated.Load() }

// Encoded is the number of frames handed to a worker.
func (c *Channel) Encoded() int64 { return c.encoded.Load() }

// Dropped is the number of frames discarded without encoding.
func (c *Channel) Dropped() int64 { return c.dropped.Load() }

// Failures is the number of worker errors reported.
func (c *Channel) Failures() int64 { return c.failures.Load() }

// Pending is the number of queued commands.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) enqueue(cmd command) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, cmd)
	c.mu.Unlock()
	c.signal()
	return true
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) next() (command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return command{}, false
	}
	cmd := c.queue[0]
	c.queue[0] = command{}
	c.queue = c.queue[1:]
	return cmd, true
}

func (c *Channel) loop() {
	defer close(c.loopDone)

	for {
		select {
		case <-c.quit:
			return
		default:
		}

		c.rotatePending()

		cmd, ok := c.next()
		if !ok {
			select {
			case <-c.wake:
				continue
			case <-c.quit:
				return
			}
		}

		switch cmd.kind {
		case cmdInit:
			c.handleInit(cmd.params)
		case cmdEncode:
			c.handleEncode(cmd.frame)
		case cmdDone:
			c.handleDone(cmd.ack)
		}
	}
}

func (c *Channel) handleInit(params InitParams) {
	if c.worker == nil || c.params != nil {
		if !c.replaceWorker() {
			return
		}
	}
	if err := c.worker.Init(params); err != nil {
		c.fail(fmt.Errorf("init: %w", err))
		return
	}
	c.params = &params
	if c.State() != StateDraining {
		c.state.Store(int32(StateReady))
	}
	c.logger.Debug("Encoder initialized", "sample_rate", params.SampleRate, "channels", params.Channels)
}

func (c *Channel) handleEncode(frame audio.Frame) {
	if c.worker == nil || c.params == nil {
		c.dropped.Add(1)
		c.logger.Debug("Dropping frame, encoder not initialized")
		return
	}

	chunk, err := c.worker.Encode(frame)
	if err != nil {
		c.fail(fmt.Errorf("encode: %w", err))
		return
	}
	c.encoded.Add(1)
	c.emit(c.withCarry(chunk))
}

// withCarry prepends the tail left over by a rotated worker.
func (c *Channel) withCarry(chunk []byte) []byte {
	if len(c.carry) == 0 {
		return chunk
	}
	out := append(c.carry, chunk...)
	c.carry = nil
	return out
}

func (c *Channel) handleDone(ack chan struct{}) {
	defer close(ack)

	if c.worker != nil && c.params != nil {
		tail, err := c.worker.Flush()
		if err != nil {
			c.fail(fmt.Errorf("flush: %w", err))
			c.drained()
			return
		}
		if tail = c.withCarry(tail); len(tail) > 0 {
			c.emit(tail)
		}
	}
	c.carry = nil

	if c.worker != nil {
		if err := c.worker.Close(); err != nil {
			c.logger.Warn("Failed to close encoder worker", "error", err)
		}
		c.worker = nil
	}
	c.params = nil
	c.state.Store(int32(StateTerminated))
	c.logger.Debug("Encoder drained", "frames", c.encoded.Load())

	c.drained()
	// Rotations requested while finalising happen before the ack, so a
	// caller waiting on Done sees settled counters.
	c.rotatePending()
}

func (c *Channel) emit(chunk []byte) {
	if c.handlers.OnOutput != nil {
		c.handlers.OnOutput(chunk)
	}
}

func (c *Channel) drained() {
	if c.handlers.OnDrained != nil {
		c.handlers.OnDrained()
	}
}

func (c *Channel) rotatePending() {
	c.mu.Lock()
	n := c.rotations
	c.rotations = 0
	c.mu.Unlock()

	for i := 0; i < n; i++ {
		pending, ok := c.retireWorker()
		if !ok {
			return
		}
		if !c.replaceWorker() {
			return
		}
		if c.params != nil {
			if err := c.worker.Init(*c.params); err != nil {
				c.fail(fmt.Errorf("init after rotation: %w", err))
				return
			}
			if h, ok := c.worker.(Handoff); ok && len(pending) > 0 {
				h.Restore(pending)
			}
		}
		c.rotated.Add(1)
		c.logger.Debug("Encoder worker rotated", "rotations", c.rotated.Load(), "carried_samples", len(pending))
	}
}

// retireWorker empties the outgoing worker before a rotation. Input it
// still buffers is returned for its successor; anything it flushes is kept
// for the next chunk.
func (c *Channel) retireWorker() ([]float32, bool) {
	if c.worker == nil || c.params == nil {
		return nil, true
	}

	var pending []float32
	if h, ok := c.worker.(Handoff); ok {
		pending = h.TakePending()
	}
	tail, err := c.worker.Flush()
	if err != nil {
		c.fail(fmt.Errorf("flush before rotation: %w", err))
		return nil, false
	}
	c.carry = append(c.carry, tail...)
	return pending, true
}

// replaceWorker closes the current worker and builds a new one.
func (c *Channel) replaceWorker() bool {
	if c.worker != nil {
		if err := c.worker.Close(); err != nil {
			c.logger.Warn("Failed to close encoder worker", "error", err)
		}
		c.worker = nil
	}

	worker, err := c.factory()
	if err != nil {
		c.fail(fmt.Errorf("create worker: %w", err))
		return false
	}
	c.worker = worker
	c.created.Add(1)
	return true
}

// fail terminates the current worker, reports err and drops queued frames.
// Pending Done calls are released as if the drain had completed.
func (c *Channel) fail(err error) {
	if c.worker != nil {
		c.worker.Close()
		c.worker = nil
	}
	c.params = nil
	c.carry = nil
	c.state.Store(int32(StateTerminated))
	c.failures.Add(1)

	c.logger.Error("Encoder failed", "error", err)
	if c.handlers.OnError != nil {
		c.handlers.OnError(&EncoderError{Err: err})
	}

	c.mu.Lock()
	var acks []chan struct{}
	kept := make([]command, 0, len(c.queue))
	dropped := 0
	for _, cmd := range c.queue {
		switch cmd.kind {
		case cmdEncode:
			dropped++
		case cmdDone:
			acks = append(acks, cmd.ack)
		default:
			kept = append(kept, cmd)
		}
	}
	c.queue = kept
	c.mu.Unlock()

	if dropped > 0 {
		c.dropped.Add(int64(dropped))
		c.logger.Warn("Dropped queued frames after encoder failure", "frames", dropped)
	}
	for _, ack := range acks {
		c.drained()
		close(ack)
	}
}
