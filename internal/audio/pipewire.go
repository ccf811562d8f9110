package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/pagecapture/internal/config"
)

const (
	// pipeWireRate is the rate pw-record is asked for; PipeWire resamples.
	pipeWireRate = 48000
	// pipeWireBlockFrames is the number of frames per dispatched block.
	pipeWireBlockFrames = 1024
	// pipeWireStopTimeout bounds how long pw-record may take to exit on SIGINT.
	pipeWireStopTimeout = 2 * time.Second
)

var errNoPipeWire = errors.New("pipewire backend not available: pw-record not found in PATH")

// pipeWireAvailable reports whether the PipeWire command line tools are installed.
var pipeWireAvailable = func() bool {
	_, err := exec.LookPath("pw-record")
	return err == nil
}

// PipeWire manages PipeWire port operations
type PipeWire struct {
	run func(name string, args ...string) ([]byte, error)
}

// NewPipeWire creates a new PipeWire instance
func NewPipeWire() *PipeWire {
	return &PipeWire{
		run: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).Output()
		},
	}
}

// ListPorts returns the output ports that can be recorded from
func (pw *PipeWire) ListPorts() ([]string, error) {
	output, err := pw.run("pw-link", "-o")
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePorts(string(output)), nil
}

func parsePorts(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

// ValidatePort checks that a port exists and is not ambiguous
func (pw *PipeWire) ValidatePort(portName string) error {
	if portName == "" {
		return nil
	}

	allPorts, err := pw.ListPorts()
	if err != nil {
		return err
	}
	return validatePortIn(portName, allPorts)
}

func validatePortIn(portName string, allPorts []string) error {
	duplicates := findPortDuplicatesInList(portName, allPorts)
	if len(duplicates) == 0 {
		return fmt.Errorf("port not found: %s", portName)
	}
	if len(duplicates) > 1 {
		return fmt.Errorf("duplicate sources detected for '%s': %v. Please close conflicting applications", portName, duplicates)
	}
	return nil
}

// findPortDuplicatesInList finds all ports with exactly the same name
func findPortDuplicatesInList(portName string, allPorts []string) []string {
	var duplicates []string
	for _, port := range allPorts {
		if port == portName {
			duplicates = append(duplicates, port)
		}
	}
	return duplicates
}

// ListPipeWireSources returns the PipeWire ports usable as
// media_track_constraints.device.
func ListPipeWireSources() ([]string, error) {
	if !pipeWireAvailable() {
		return nil, errNoPipeWire
	}
	return NewPipeWire().ListPorts()
}

// pipeWireContext captures through pw-record, one process per stream.
type pipeWireContext struct {
	ports   *PipeWire
	logger  *slog.Logger
	command func(name string, args ...string) *exec.Cmd
}

func newPipeWireContext() (Context, error) {
	if !pipeWireAvailable() {
		return nil, errNoPipeWire
	}
	logger := slog.Default().With("backend", BackendTypePipeWire)
	logger.Info("PipeWire context ready", "sample_rate", pipeWireRate)
	return &pipeWireContext{
		ports:   NewPipeWire(),
		logger:  logger,
		command: exec.Command,
	}, nil
}

func (c *pipeWireContext) SampleRate() int { return pipeWireRate }

// Destination drops monitor output; pw-record has no playback side.
func (c *pipeWireContext) Destination() Output { return Discard }

func (c *pipeWireContext) Close() error { return nil }

func (c *pipeWireContext) GetStream(ctx context.Context, constraints config.Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if constraints.SampleRate != 0 && constraints.SampleRate != pipeWireRate {
		return nil, &DeviceUnavailableError{Reason: fmt.Errorf("OverconstrainedError: sample rate %d not available", constraints.SampleRate)}
	}
	if err := c.ports.ValidatePort(constraints.Device); err != nil {
		return nil, &DeviceUnavailableError{Reason: fmt.Errorf("NotFoundError: %w", err)}
	}

	channels := constraints.Channels
	if channels == 0 {
		channels = 2
	}

	args := []string{
		"--rate", strconv.Itoa(pipeWireRate),
		"--channels", strconv.Itoa(channels),
		"--format", "f32",
	}
	if constraints.Latency > 0 {
		args = append(args, "--latency", fmt.Sprintf("%dms", constraints.Latency.Milliseconds()))
	}
	if constraints.Device != "" {
		args = append(args, "--target", constraints.Device)
	}
	args = append(args, "-")

	cmd := c.command("pw-record", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &DeviceUnavailableError{Reason: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &DeviceUnavailableError{Reason: fmt.Errorf("NotReadableError: %w", err)}
	}

	label := constraints.Device
	if label == "" {
		label = "default"
	}
	s := &pipeWireStream{
		id:     uuid.NewString(),
		label:  label,
		format: Format{SampleRate: pipeWireRate, Channels: channels},
		cmd:    cmd,
		logger: c.logger,
		done:   make(chan struct{}),
	}
	go s.pump(stdout)

	c.logger.Debug("pw-record started", "target", label, "channels", channels, "pid", cmd.Process.Pid)
	return s, nil
}

type pipeWireStream struct {
	id     string
	label  string
	format Format
	cmd    *exec.Cmd
	logger *slog.Logger

	dispatch BlockDispatcher
	stopOnce sync.Once
	done     chan struct{}
}

func (s *pipeWireStream) ID() string                 { return s.id }
func (s *pipeWireStream) Format() Format             { return s.format }
func (s *pipeWireStream) Attach(fn BlockFunc) func() { return s.dispatch.Attach(fn) }

func (s *pipeWireStream) Tracks() []Track {
	return []Track{NewTrack("audio", s.label, s.Stop)}
}

// pump decodes interleaved float32 samples until pw-record exits.
func (s *pipeWireStream) pump(r io.Reader) {
	defer close(s.done)
	err := readFloat32Blocks(r, pipeWireBlockFrames*s.format.Channels, s.dispatch.Dispatch)
	if err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Debug("pw-record output ended", "stream_id", s.id, "error", err)
	}
}

// Stop interrupts pw-record and kills it if it does not exit in time.
func (s *pipeWireStream) Stop() error {
	s.stopOnce.Do(func() {
		if s.cmd.Process == nil {
			return
		}
		if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
			s.cmd.Process.Kill()
		}

		exited := make(chan error, 1)
		go func() { exited <- s.cmd.Wait() }()

		select {
		case <-exited:
		case <-time.After(pipeWireStopTimeout):
			s.logger.Warn("pw-record did not exit, killing", "stream_id", s.id)
			s.cmd.Process.Kill()
			<-exited
		}
		<-s.done
	})
	return nil
}

// readFloat32Blocks reads little-endian float32 samples in blocks of n and
// hands each full block to emit. A trailing partial block is emitted too.
func readFloat32Blocks(r io.Reader, n int, emit func([]float32)) error {
	buf := make([]byte, n*4)
	for {
		read, err := io.ReadFull(r, buf)
		if samples := read / 4; samples > 0 {
			block := make([]float32, samples)
			for i := range block {
				block[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			}
			emit(block)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
