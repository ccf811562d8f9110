package audio

import (
	"log/slog"
	"strings"

	"github.com/audiolibrelab/pagecapture/internal/config"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypePortAudio BackendType = "portaudio"
	BackendTypePipeWire  BackendType = "pipewire"
	BackendTypeFile      BackendType = "file"
	BackendTypeAuto      BackendType = "auto"
	BackendTypeNone      BackendType = ""
)

// SourceInfo describes one capture device.
type SourceInfo struct {
	Name              string  `json:"name"`
	HostAPI           string  `json:"host_api"`
	MaxInputChannels  int     `json:"max_input_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	Default           bool    `json:"default"`
}

// Probe picks the device backend once. It returns false when recording is
// not possible with cfg on this system.
func Probe(cfg config.DeviceConfig) (ContextFactory, bool) {
	backendType := determineBackend(cfg)

	switch backendType {
	case BackendTypePortAudio:
		slog.Debug("Using audio backend", "backend", backendType)
		return newPortAudioContext, true
	case BackendTypePipeWire:
		slog.Debug("Using audio backend", "backend", backendType)
		return newPipeWireContext, true
	case BackendTypeFile:
		slog.Debug("Using audio backend", "backend", backendType, "file", cfg.File)
		path, paced := cfg.File, !cfg.NoPacing
		return func() (Context, error) {
			return NewFileContext(path, paced)
		}, true
	default:
		slog.Debug("No audio backend available", "requested", cfg.Backend)
		return nil, false
	}
}

// ResolveBackend reports the backend Probe would pick for cfg.
func ResolveBackend(cfg config.DeviceConfig) BackendType {
	return determineBackend(cfg)
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg config.DeviceConfig) BackendType {
	switch strings.ToLower(cfg.Backend) {
	case string(BackendTypePortAudio):
		if portAudioAvailable {
			return BackendTypePortAudio
		}
		return BackendTypeNone
	case string(BackendTypePipeWire):
		if pipeWireAvailable() {
			return BackendTypePipeWire
		}
		return BackendTypeNone
	case string(BackendTypeFile):
		if cfg.File != "" {
			return BackendTypeFile
		}
		return BackendTypeNone
	}

	// auto: a configured file wins, then the sound card, then the PipeWire daemon
	if cfg.File != "" {
		return BackendTypeFile
	}
	if portAudioAvailable {
		return BackendTypePortAudio
	}
	if pipeWireAvailable() {
		return BackendTypePipeWire
	}
	return BackendTypeNone
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	backends := []BackendType{}
	if portAudioAvailable {
		backends = append(backends, BackendTypePortAudio)
	}
	if pipeWireAvailable() {
		backends = append(backends, BackendTypePipeWire)
	}
	backends = append(backends, BackendTypeFile)
	return backends
}
