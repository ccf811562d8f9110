// Package sink provides page consumers for the recorder.
package sink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiolibrelab/pagecapture/internal/config"
	"github.com/audiolibrelab/pagecapture/internal/encoder"
	"github.com/audiolibrelab/pagecapture/internal/pager"
)

const wavFormatPCM = 1

// FileSink writes pages to one file. Ogg and raw pages are appended as
// they are; for wav the PCM pages are wrapped in a WAV container whose
// header is written on Close.
type FileSink struct {
	path   string
	format string
	logger *slog.Logger

	mu       sync.Mutex
	f        *os.File
	wav      *wav.Encoder
	bufFmt   *goaudio.Format
	bitDepth int
	pages    int
	bytes    int64
	err      error
	closed   bool
}

// NewFileSink creates path and its parent directory. opts must be the
// merged recorder options; they describe the PCM layout for wav output.
func NewFileSink(path, format string, opts config.Options) (*FileSink, error) {
	switch format {
	case config.FormatOgg, config.FormatWav, config.FormatRaw:
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	s := &FileSink{
		path:   path,
		format: format,
		f:      f,
		logger: slog.Default().With("component", "file_sink", "path", path),
	}

	if format == config.FormatWav {
		rate := opts.WavSampleRate
		if rate == 0 {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("wav output needs a sample rate")
		}
		s.bitDepth = opts.WavBitDepth
		s.bufFmt = &goaudio.Format{NumChannels: opts.NumberOfChannels, SampleRate: rate}
		s.wav = wav.NewEncoder(f, rate, opts.WavBitDepth, opts.NumberOfChannels, wavFormatPCM)
	}
	return s, nil
}

func (s *FileSink) Path() string { return s.path }

// Write stores one page. It has the pager.Sink signature; the first write
// error is kept and returned by Err and Close.
func (s *FileSink) Write(p pager.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.err != nil {
		return
	}

	data := p.Bytes()
	var err error
	if s.wav != nil {
		err = s.wav.Write(&goaudio.IntBuffer{
			Format:         s.bufFmt,
			Data:           encoder.Dequantize(data, s.bitDepth),
			SourceBitDepth: s.bitDepth,
		})
	} else {
		_, err = s.f.Write(data)
	}
	if err != nil {
		s.err = fmt.Errorf("failed to write page %d: %w", p.Index, err)
		s.logger.Error("Page write failed", "index", p.Index, "error", err)
		return
	}

	s.pages++
	s.bytes += int64(len(data))
	s.logger.Debug("Page written", "index", p.Index, "bytes", len(data))
}

// Stats returns the number of pages and payload bytes written.
func (s *FileSink) Stats() (pages int, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages, s.bytes
}

func (s *FileSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close finishes the container and closes the file. Safe to call twice.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.err
	}
	s.closed = true

	if s.wav != nil {
		if err := s.wav.Close(); err != nil && s.err == nil {
			s.err = fmt.Errorf("failed to finalize wav header: %w", err)
		}
	}
	if err := s.f.Sync(); err != nil && s.err == nil {
		s.err = fmt.Errorf("failed to sync output file: %w", err)
	}
	if err := s.f.Close(); err != nil && s.err == nil {
		s.err = fmt.Errorf("failed to close output file: %w", err)
	}

	s.logger.Info("Output file closed", "pages", s.pages, "bytes", s.bytes)
	return s.err
}
