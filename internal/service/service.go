package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/pagecapture/internal/audio"
	"github.com/audiolibrelab/pagecapture/internal/config"
	"github.com/audiolibrelab/pagecapture/internal/pager"
	"github.com/audiolibrelab/pagecapture/internal/play"
	"github.com/audiolibrelab/pagecapture/internal/recorder"
	"github.com/audiolibrelab/pagecapture/internal/sink"
)

// StopTimeout bounds how long StopRecording waits for the encoder to drain.
const StopTimeout = 10 * time.Second

// Service is the long-lived recording service used by the CLI and the
// web server.
type Service interface {
	// Recording operations
	StartRecording(name string) error
	PauseRecording() error
	ResumeRecording() error
	StopRecording() error
	GetRecordingStatus() (RecordingStatus, *RecordingSession)

	// Playback operations
	Play(name string) error

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	// Page streaming
	Subscribe(fn pager.Sink) (unsubscribe func())

	GetLastError() string
	Close() error
}

// RecordingStatus represents the current recording state
type RecordingStatus string

const (
	StatusStandby   RecordingStatus = "STANDBY"
	StatusRecording RecordingStatus = "RECORDING"
	StatusPaused    RecordingStatus = "PAUSED"
	StatusError     RecordingStatus = "ERROR"
)

// RecordingSession contains information about the current or last session
type RecordingSession struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"start_time"`
	StopTime   time.Time `json:"stop_time,omitempty"`
	OutputFile string    `json:"output_file"`
	Encoder    string    `json:"encoder"`
	Frames     int64     `json:"frames"`
	Pages      int       `json:"pages"`
	Bytes      int64     `json:"bytes"`
}

// PageCaptureService is the main service implementation
type PageCaptureService struct {
	configFile string
	shared     *audio.SharedContext
	recOpts    []recorder.Option

	mu      sync.Mutex
	cfg     *config.Config
	rec     *recorder.Recorder
	file    *sink.FileSink
	name    string
	last    *RecordingSession
	errored atomic.Bool

	subMu       sync.RWMutex
	subscribers map[int]pager.Sink
	nextSub     int

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a service. shared is the process-wide device context;
// recOpts are passed to every recorder the service builds.
func New(cfg *config.Config, configFile string, shared *audio.SharedContext, recOpts ...recorder.Option) *PageCaptureService {
	return &PageCaptureService{
		cfg:         cfg,
		configFile:  configFile,
		shared:      shared,
		recOpts:     recOpts,
		subscribers: make(map[int]pager.Sink),
	}
}

// StartRecording starts a session writing to the output directory. An
// empty name is replaced by a timestamp. No-op while a session is active.
func (s *PageCaptureService) StartRecording(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec != nil && s.rec.State() != recorder.StateInactive {
		slog.Debug("Service.StartRecording ignored, session active", "name", s.name)
		return nil
	}
	s.closeRecorderLocked()
	s.clearLastError()
	s.errored.Store(false)

	if name == "" {
		name = play.DefaultName(time.Now())
	}

	if !s.shared.IsRecordingSupported() {
		s.setLastError(recorder.ErrNotSupported.Error())
		s.errored.Store(true)
		return recorder.ErrNotSupported
	}
	actx, err := s.shared.Get()
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to open audio device: %v", err))
		return err
	}
	opts := s.cfg.Recorder.WithDefaults()
	if opts.WavSampleRate == 0 {
		opts.WavSampleRate = actx.SampleRate()
	}

	path := play.RecordingPath(s.cfg, name)
	file, err := sink.NewFileSink(path, s.cfg.Output.Format, opts)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to open output file: %v", err))
		return err
	}

	rec, err := recorder.New(s.shared, opts, sink.Tee(file.Write, s.broadcast), append([]recorder.Option{
		recorder.WithHooks(recorder.Hooks{
			OnStop: func() {
				if err := file.Close(); err != nil {
					s.setLastError(fmt.Sprintf("Failed to write recording: %v", err))
				}
			},
			OnError: s.onError,
		}),
	}, s.recOpts...)...)
	if err != nil {
		file.Close()
		s.setLastError(fmt.Sprintf("Failed to create recorder: %v", err))
		return err
	}

	s.rec = rec
	s.file = file
	s.name = name

	if err := rec.Start(context.Background()); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		s.errored.Store(true)
		s.closeRecorderLocked()
		os.Remove(path)
		return err
	}

	slog.Info("Recording session started", "name", name, "output_file", path)
	return nil
}

func (s *PageCaptureService) PauseRecording() error {
	rec := s.recorder()
	if rec == nil {
		return fmt.Errorf("no recording in progress")
	}
	return rec.Pause()
}

func (s *PageCaptureService) ResumeRecording() error {
	rec := s.recorder()
	if rec == nil {
		return fmt.Errorf("no recording in progress")
	}
	return rec.Resume()
}

// StopRecording stops the current session and waits for the last page to
// be written. No-op when nothing is recording.
func (s *PageCaptureService) StopRecording() error {
	rec := s.recorder()
	if rec == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), StopTimeout)
	defer cancel()
	if err := rec.Stop(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeRecorderLocked()
	if s.errored.Load() {
		return nil
	}
	s.clearLastError()
	return nil
}

// GetRecordingStatus returns the current status and the current or last
// session.
func (s *PageCaptureService) GetRecordingStatus() (RecordingStatus, *RecordingSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec == nil {
		if s.errored.Load() {
			return StatusError, s.last
		}
		return StatusStandby, s.last
	}

	session := s.sessionLocked()
	switch s.rec.State() {
	case recorder.StateRecording:
		return StatusRecording, session
	case recorder.StatePaused:
		return StatusPaused, session
	}
	if s.errored.Load() {
		return StatusError, session
	}
	return StatusStandby, session
}

func (s *PageCaptureService) Play(name string) error {
	return play.New(s.GetConfig()).Play(name)
}

// LoadProfile switches to another configuration profile. Not allowed while
// recording.
func (s *PageCaptureService) LoadProfile(profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec != nil && s.rec.State() != recorder.StateInactive {
		return fmt.Errorf("cannot change profile while recording")
	}

	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	s.closeRecorderLocked()
	s.cfg = newCfg
	slog.Info("Profile loaded", "profile", newCfg.Name)
	return nil
}

// GetConfig returns the current configuration
func (s *PageCaptureService) GetConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Subscribe registers fn for every page of every session. fn runs on the
// encoder goroutine and must not block.
func (s *PageCaptureService) Subscribe(fn pager.Sink) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

// Close stops any session and releases the device context.
func (s *PageCaptureService) Close() error {
	stopErr := s.StopRecording()

	s.mu.Lock()
	s.closeRecorderLocked()
	s.mu.Unlock()

	return errors.Join(stopErr, s.shared.Reset())
}

func (s *PageCaptureService) recorder() *recorder.Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// broadcast hands a page to every subscriber. It runs on the encoder
// goroutine and must not take s.mu.
func (s *PageCaptureService) broadcast(p pager.Page) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, fn := range s.subscribers {
		fn(p)
	}
}

func (s *PageCaptureService) onError(err error) {
	s.errored.Store(true)
	s.setLastError(fmt.Sprintf("Recording failed: %v", err))
}

// sessionLocked builds the session view. Caller holds s.mu.
func (s *PageCaptureService) sessionLocked() *RecordingSession {
	if s.rec == nil {
		return s.last
	}
	rs, ok := s.rec.Session()
	if !ok {
		return s.last
	}
	session := &RecordingSession{
		ID:        rs.ID,
		Name:      s.name,
		StartTime: rs.StartedAt,
		StopTime:  rs.StoppedAt,
		Encoder:   s.rec.Config().Encoder,
		Frames:    rs.Frames,
		Pages:     rs.Pages,
	}
	if s.file != nil {
		session.OutputFile = s.file.Path()
		_, session.Bytes = s.file.Stats()
	}
	return session
}

// closeRecorderLocked keeps the session summary and releases the recorder
// and its file. Caller holds s.mu.
func (s *PageCaptureService) closeRecorderLocked() {
	if s.rec == nil {
		return
	}
	if session := s.sessionLocked(); session != nil {
		s.last = session
	}
	rec, file := s.rec, s.file
	s.rec, s.file = nil, nil

	if err := rec.Close(); err != nil {
		slog.Warn("Failed to close recorder", "error", err)
	}
	if file != nil {
		file.Close()
	}
}

// GetLastError returns the last error message (thread-safe)
func (s *PageCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *PageCaptureService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *PageCaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
