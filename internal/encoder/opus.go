//go:build opus
// +build opus

package encoder

import (
	"bytes"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"

	"github.com/audiolibrelab/pagecapture/internal/audio"
)

// OpusAvailable reports whether this binary was built with libopus.
const OpusAvailable = true

const (
	opusPayloadType = 111
	// Ogg Opus granule positions always count 48 kHz samples.
	opusGranuleRate = 48000
	maxOpusPacket   = 4000
)

// opusWorker encodes to Opus and frames the packets as an Ogg stream. The
// first chunk after Init carries the Ogg Opus headers, so the output of
// every worker decodes on its own.
type opusWorker struct {
	enc      *opus.Encoder
	rs       *resampleStage
	ogg      *oggwriter.OggWriter
	out      bytes.Buffer
	channels int

	frameSamples int // per channel
	pending      []float32
	packet       []byte

	seq    uint16
	ts     uint32
	tsStep uint32
}

func newOpusWorker() (Worker, error) {
	return &opusWorker{packet: make([]byte, maxOpusPacket)}, nil
}

func (w *opusWorker) Init(params InitParams) error {
	if err := params.validate(); err != nil {
		return err
	}

	rate := params.Codec.EncoderSampleRate
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("opus does not support sample rate %d", rate)
	}

	enc, err := opus.NewEncoder(rate, params.Channels, opus.Application(params.Codec.Application))
	if err != nil {
		return fmt.Errorf("creating opus encoder: %w", err)
	}
	if params.Codec.BitRate > 0 {
		if err := enc.SetBitrate(params.Codec.BitRate); err != nil {
			return fmt.Errorf("setting opus bitrate: %w", err)
		}
	}

	w.out.Reset()
	ogg, err := oggwriter.NewWith(&w.out, uint32(rate), uint16(params.Channels))
	if err != nil {
		return fmt.Errorf("creating ogg writer: %w", err)
	}

	w.enc = enc
	w.ogg = ogg
	w.channels = params.Channels
	w.rs = newResampleStage(params.Channels, params.SampleRate, rate, params.Codec.ResampleQuality)
	w.frameSamples = int(float64(rate) * params.Codec.FrameSize / 1000)
	w.tsStep = uint32(float64(opusGranuleRate) * params.Codec.FrameSize / 1000)
	w.pending = w.pending[:0]
	return nil
}

func (w *opusWorker) Encode(frame audio.Frame) ([]byte, error) {
	if w.enc == nil {
		return nil, fmt.Errorf("encode before init")
	}

	w.pending = append(w.pending, w.rs.Process(frame)...)

	n := w.frameSamples * w.channels
	consumed := 0
	for len(w.pending)-consumed >= n {
		if err := w.writePacket(w.pending[consumed : consumed+n]); err != nil {
			return nil, err
		}
		consumed += n
	}
	w.pending = append(w.pending[:0], w.pending[consumed:]...)

	return w.take(), nil
}

func (w *opusWorker) TakePending() []float32 {
	pending := w.pending
	w.pending = nil
	return pending
}

func (w *opusWorker) Restore(samples []float32) {
	w.pending = append(w.pending, samples...)
}

// Flush pads the last partial codec frame with silence.
func (w *opusWorker) Flush() ([]byte, error) {
	if w.enc == nil {
		return nil, nil
	}
	if len(w.pending) > 0 {
		pcm := make([]float32, w.frameSamples*w.channels)
		copy(pcm, w.pending)
		w.pending = w.pending[:0]
		if err := w.writePacket(pcm); err != nil {
			return nil, err
		}
	}
	return w.take(), nil
}

// Close ends the Ogg stream. The writer only sets the end-of-stream flag
// when it owns a file, so each link in a chained output ends at the next
// link's BOS page instead.
func (w *opusWorker) Close() error {
	var err error
	if w.ogg != nil {
		err = w.ogg.Close()
	}
	w.enc = nil
	w.ogg = nil
	w.pending = nil
	return err
}

func (w *opusWorker) writePacket(pcm []float32) error {
	n, err := w.enc.EncodeFloat32(pcm, w.packet)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: w.seq,
			Timestamp:      w.ts,
		},
		Payload: w.packet[:n],
	}
	w.seq++
	w.ts += w.tsStep

	if err := w.ogg.WriteRTP(pkt); err != nil {
		return fmt.Errorf("writing ogg page: %w", err)
	}
	return nil
}

// take returns the bytes written since the last call.
func (w *opusWorker) take() []byte {
	chunk := bytes.Clone(w.out.Bytes())
	w.out.Reset()
	if chunk == nil {
		chunk = []byte{}
	}
	return chunk
}
