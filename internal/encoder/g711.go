package encoder

import (
	"fmt"

	"github.com/zaf/g711"

	"github.com/audiolibrelab/pagecapture/internal/audio"
)

// G711SampleRate is the fixed rate of G.711 output.
const G711SampleRate = 8000

type law int

const (
	lawU law = iota
	lawA
)

// g711Worker resamples to 8 kHz and compands 16-bit PCM with μ-law or A-law.
type g711Worker struct {
	law law
	rs  *resampleStage
}

func (w *g711Worker) Init(params InitParams) error {
	if err := params.validate(); err != nil {
		return err
	}
	w.rs = newResampleStage(params.Channels, params.SampleRate, G711SampleRate, params.Codec.ResampleQuality)
	return nil
}

func (w *g711Worker) Encode(frame audio.Frame) ([]byte, error) {
	if w.rs == nil {
		return nil, fmt.Errorf("encode before init")
	}
	lpcm := Quantize(w.rs.Process(frame), 16)
	if w.law == lawA {
		return g711.EncodeAlaw(lpcm), nil
	}
	return g711.EncodeUlaw(lpcm), nil
}

func (w *g711Worker) Flush() ([]byte, error) { return nil, nil }

func (w *g711Worker) Close() error {
	w.rs = nil
	return nil
}
