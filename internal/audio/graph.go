package audio

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one block of planar PCM: Frame[ch][i].
type Frame [][]float32

// NewFrame allocates a zeroed frame.
func NewFrame(channels, length int) Frame {
	f := make(Frame, channels)
	for ch := range f {
		f[ch] = make([]float32, length)
	}
	return f
}

func (f Frame) Channels() int { return len(f) }

// Len is the number of samples per channel.
func (f Frame) Len() int {
	if len(f) == 0 {
		return 0
	}
	return len(f[0])
}

// Interleave returns the samples as L R L R ...
func (f Frame) Interleave() []float32 {
	channels, n := f.Channels(), f.Len()
	out := make([]float32, channels*n)
	for i := 0; i < n; i++ {
		for ch := 0; ch < channels; ch++ {
			out[i*channels+ch] = f[ch][i]
		}
	}
	return out
}

// MonitorTimeConstant is the time constant of the monitor gain ramp.
const MonitorTimeConstant = 20 * time.Millisecond

// GainNode scales blocks and writes them to an Output. Gain changes follow
// an exponential approach to the target instead of jumping.
type GainNode struct {
	out        Output
	sampleRate float64

	mu      sync.Mutex
	value   float64
	target  float64
	coeff   float64
	scratch []float32
}

// NewGainNode starts at gain 0.
func NewGainNode(sampleRate int, out Output) *GainNode {
	return &GainNode{out: out, sampleRate: float64(sampleRate), coeff: 1}
}

// SetTargetAtTime starts a ramp towards target. After one time constant
// the gain has covered about 63% of the distance.
func (g *GainNode) SetTargetAtTime(target float64, timeConstant time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.target = target
	if timeConstant <= 0 || g.sampleRate <= 0 {
		g.value = target
		g.coeff = 1
		return
	}
	g.coeff = 1 - math.Exp(-1/(timeConstant.Seconds()*g.sampleRate))
}

// Value is the current gain.
func (g *GainNode) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Process applies the gain to an interleaved block and forwards it.
func (g *GainNode) Process(block []float32, channels int) {
	if channels <= 0 {
		return
	}

	g.mu.Lock()
	if cap(g.scratch) < len(block) {
		g.scratch = make([]float32, len(block))
	}
	out := g.scratch[:len(block)]
	for i := 0; i+channels <= len(block); i += channels {
		g.value += (g.target - g.value) * g.coeff
		for ch := 0; ch < channels; ch++ {
			out[i+ch] = block[i+ch] * float32(g.value)
		}
	}
	g.mu.Unlock()

	g.out.Write(out, channels)
}

// FrameExtractor re-blocks device callbacks of any size into frames of
// exactly length samples per channel. Input channels beyond the frame
// width are ignored; missing ones repeat the last input channel.
type FrameExtractor struct {
	length   int
	channels int
	emit     func(Frame)

	cur Frame
	pos int
}

func NewFrameExtractor(length, channels int, emit func(Frame)) *FrameExtractor {
	return &FrameExtractor{
		length:   length,
		channels: channels,
		emit:     emit,
		cur:      NewFrame(channels, length),
	}
}

// Process consumes one interleaved block with inChannels channels.
func (x *FrameExtractor) Process(block []float32, inChannels int) {
	if inChannels <= 0 {
		return
	}
	for i := 0; i+inChannels <= len(block); i += inChannels {
		for ch := 0; ch < x.channels; ch++ {
			src := min(ch, inChannels-1)
			x.cur[ch][x.pos] = block[i+src]
		}
		x.pos++
		if x.pos == x.length {
			full := x.cur
			x.cur = NewFrame(x.channels, x.length)
			x.pos = 0
			x.emit(full)
		}
	}
}

// Buffered reports how many samples per channel wait for the next frame.
func (x *FrameExtractor) Buffered() int { return x.pos }

type GraphOptions struct {
	BufferLength int
	Channels     int
	MonitorGain  float64
}

// Graph is the capture path: stream → optional monitor gain → frame
// extraction.
type Graph struct {
	gain      *GainNode
	extractor *FrameExtractor
	format    Format

	closed   atomic.Bool
	detach   func()
	teardown sync.Once
}

// NewGraph wires stream into onFrame. onFrame runs on the device callback
// goroutine and must not block.
func NewGraph(actx Context, stream Stream, opts GraphOptions, onFrame func(Frame)) (*Graph, error) {
	if stream == nil {
		return nil, errors.New("no input stream")
	}
	if opts.BufferLength <= 0 || opts.Channels <= 0 {
		return nil, errors.New("buffer length and channels must be positive")
	}

	g := &Graph{
		format:    stream.Format(),
		extractor: NewFrameExtractor(opts.BufferLength, opts.Channels, onFrame),
	}

	if opts.MonitorGain != 0 {
		g.gain = NewGainNode(actx.SampleRate(), actx.Destination())
		g.gain.SetTargetAtTime(opts.MonitorGain, MonitorTimeConstant)
	}

	g.detach = stream.Attach(g.process)
	return g, nil
}

func (g *Graph) process(block []float32) {
	if g.closed.Load() {
		return
	}
	if g.gain != nil {
		g.gain.Process(block, g.format.Channels)
	}
	g.extractor.Process(block, g.format.Channels)
}

// Monitor returns the gain node, nil when monitoring is off.
func (g *Graph) Monitor() *GainNode { return g.gain }

// Teardown disconnects the graph. Safe to call more than once; no frame is
// emitted after it returns.
func (g *Graph) Teardown() {
	g.teardown.Do(func() {
		g.closed.Store(true)
		g.detach()
	})
}
