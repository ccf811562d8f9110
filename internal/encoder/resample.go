package encoder

import (
	"github.com/oov/audio/resampler"

	"github.com/audiolibrelab/pagecapture/internal/audio"
)

// resampleStage converts planar frames to interleaved samples at the
// encoder rate. Filter state carries over between frames.
type resampleStage struct {
	channels int
	inRate   int
	outRate  int
	r        *resampler.Resampler
	buf      []float32
}

func newResampleStage(channels, inRate, outRate, quality int) *resampleStage {
	s := &resampleStage{channels: channels, inRate: inRate, outRate: outRate}
	if inRate != outRate {
		s.r = resampler.New(channels, inRate, outRate, quality)
	}
	return s
}

// Process returns the frame interleaved at the output rate.
func (s *resampleStage) Process(f audio.Frame) []float32 {
	if s.r == nil {
		return f.Interleave()
	}

	planes := make([][]float32, s.channels)
	n := -1
	for ch := 0; ch < s.channels; ch++ {
		planes[ch] = s.processChannel(ch, f[min(ch, len(f)-1)])
		if n < 0 || len(planes[ch]) < n {
			n = len(planes[ch])
		}
	}

	out := make([]float32, n*s.channels)
	for i := 0; i < n; i++ {
		for ch := 0; ch < s.channels; ch++ {
			out[i*s.channels+ch] = planes[ch][i]
		}
	}
	return out
}

func (s *resampleStage) processChannel(ch int, in []float32) []float32 {
	need := len(in)*s.outRate/s.inRate + 64
	if cap(s.buf) < need {
		s.buf = make([]float32, need)
	}
	buf := s.buf[:need]

	var out []float32
	for len(in) > 0 {
		read, written := s.r.ProcessFloat32(ch, in, buf)
		out = append(out, buf[:written]...)
		if read == 0 && written == 0 {
			break
		}
		in = in[read:]
	}
	return out
}
