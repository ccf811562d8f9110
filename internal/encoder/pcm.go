package encoder

import (
	"encoding/binary"
	"fmt"

	"github.com/audiolibrelab/pagecapture/internal/audio"
)

// pcmWorker produces little-endian integer PCM at WavSampleRate. The WAV
// container is left to the sink.
type pcmWorker struct {
	rs       *resampleStage
	bitDepth int
}

func (w *pcmWorker) Init(params InitParams) error {
	if err := params.validate(); err != nil {
		return err
	}
	switch params.Codec.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("unsupported bit depth %d", params.Codec.BitDepth)
	}

	outRate := params.Codec.WavSampleRate
	if outRate == 0 {
		outRate = params.SampleRate
	}
	w.bitDepth = params.Codec.BitDepth
	w.rs = newResampleStage(params.Channels, params.SampleRate, outRate, params.Codec.ResampleQuality)
	return nil
}

func (w *pcmWorker) Encode(frame audio.Frame) ([]byte, error) {
	if w.rs == nil {
		return nil, fmt.Errorf("encode before init")
	}
	return Quantize(w.rs.Process(frame), w.bitDepth), nil
}

func (w *pcmWorker) Flush() ([]byte, error) { return nil, nil }

func (w *pcmWorker) Close() error {
	w.rs = nil
	return nil
}

// Quantize packs float samples in [-1, 1] as little-endian integers.
// 8-bit output is unsigned, as WAV expects.
func Quantize(samples []float32, bitDepth int) []byte {
	width := bitDepth / 8
	out := make([]byte, len(samples)*width)
	for i, s := range samples {
		v := clamp(s)
		b := out[i*width:]
		switch bitDepth {
		case 8:
			b[0] = uint8(int(v*127) + 128)
		case 16:
			binary.LittleEndian.PutUint16(b, uint16(int16(v*32767)))
		case 24:
			x := int32(v * 8388607)
			b[0], b[1], b[2] = byte(x), byte(x>>8), byte(x>>16)
		case 32:
			binary.LittleEndian.PutUint32(b, uint32(int32(float64(v)*2147483647)))
		}
	}
	return out
}

// Dequantize is the inverse of Quantize, returning integer samples as the
// WAV encoder wants them.
func Dequantize(data []byte, bitDepth int) []int {
	width := bitDepth / 8
	out := make([]int, len(data)/width)
	for i := range out {
		b := data[i*width:]
		switch bitDepth {
		case 8:
			out[i] = int(b[0])
		case 16:
			out[i] = int(int16(binary.LittleEndian.Uint16(b)))
		case 24:
			x := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
			if x&0x800000 != 0 {
				x |= ^0xffffff
			}
			out[i] = int(x)
		case 32:
			out[i] = int(int32(binary.LittleEndian.Uint32(b)))
		}
	}
	return out
}

func clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
