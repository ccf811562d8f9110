package config

import (
	"fmt"
	"time"
)

// Encoder selectors accepted by Options.Encoder
const (
	EncoderOpus  = "opus"
	EncoderWav   = "wav"
	EncoderG711U = "g711u"
	EncoderG711A = "g711a"
)

// Opus application modes
const (
	ApplicationVoIP               = 2048
	ApplicationAudio              = 2049
	ApplicationRestrictedLowDelay = 2051
)

// Options is the recorder configuration. A zero field means "unset" and is
// replaced by its default in WithDefaults.
type Options struct {
	BufferLength          int         `mapstructure:"buffer_length" yaml:"buffer_length"`
	NumberOfChannels      int         `mapstructure:"number_of_channels" yaml:"number_of_channels"`
	EncoderSampleRate     int         `mapstructure:"encoder_sample_rate" yaml:"encoder_sample_rate"`
	Encoder               string      `mapstructure:"encoder" yaml:"encoder"`
	StreamPages           bool        `mapstructure:"stream_pages" yaml:"stream_pages"`
	LeaveStreamOpen       bool        `mapstructure:"leave_stream_open" yaml:"leave_stream_open"`
	MaxBuffersPerPage     int         `mapstructure:"max_buffers_per_page" yaml:"max_buffers_per_page"`
	MediaTrackConstraints Constraints `mapstructure:"media_track_constraints" yaml:"media_track_constraints"`
	MonitorGain           float64     `mapstructure:"monitor_gain" yaml:"monitor_gain"`
	EncoderApplication    int         `mapstructure:"encoder_application" yaml:"encoder_application"`
	EncoderFrameSize      float64     `mapstructure:"encoder_frame_size" yaml:"encoder_frame_size"` // ms
	ResampleQuality       int         `mapstructure:"resample_quality" yaml:"resample_quality"`
	WavBitDepth           int         `mapstructure:"wav_bit_depth" yaml:"wav_bit_depth"`
	WavSampleRate         int         `mapstructure:"wav_sample_rate" yaml:"wav_sample_rate"` // 0 = device rate
	BitRate               int         `mapstructure:"bit_rate" yaml:"bit_rate"`               // 0 = codec default
}

// Constraints is handed through to the device layer untouched.
// The zero value asks for the default input device.
type Constraints struct {
	Device     string        `mapstructure:"device" yaml:"device,omitempty"`
	Channels   int           `mapstructure:"channels" yaml:"channels,omitempty"`
	SampleRate int           `mapstructure:"sample_rate" yaml:"sample_rate,omitempty"`
	Latency    time.Duration `mapstructure:"latency" yaml:"latency,omitempty"`
}

// DefaultOptions holds the documented defaults. WavSampleRate stays 0 here
// because its default is the device context sample rate.
var DefaultOptions = Options{
	BufferLength:       4096,
	NumberOfChannels:   1,
	EncoderSampleRate:  48000,
	Encoder:            EncoderOpus,
	MaxBuffersPerPage:  40,
	EncoderApplication: ApplicationAudio,
	EncoderFrameSize:   20,
	ResampleQuality:    3,
	WavBitDepth:        16,
}

// WithDefaults returns a copy of o with every unset field filled in.
func (o Options) WithDefaults() Options {
	return mergeOptions(DefaultOptions, o)
}

// mergeOptions overlays the set fields of override onto base. Booleans
// and the monitor gain always come from override, a false or 0 there is
// indistinguishable from "unset" and both defaults are false/0 anyway.
func mergeOptions(base, override Options) Options {
	result := base

	if override.BufferLength != 0 {
		result.BufferLength = override.BufferLength
	}
	if override.NumberOfChannels != 0 {
		result.NumberOfChannels = override.NumberOfChannels
	}
	if override.EncoderSampleRate != 0 {
		result.EncoderSampleRate = override.EncoderSampleRate
	}
	if override.Encoder != "" {
		result.Encoder = override.Encoder
	}
	if override.MaxBuffersPerPage != 0 {
		result.MaxBuffersPerPage = override.MaxBuffersPerPage
	}
	if override.MediaTrackConstraints != (Constraints{}) {
		result.MediaTrackConstraints = override.MediaTrackConstraints
	}
	if override.EncoderApplication != 0 {
		result.EncoderApplication = override.EncoderApplication
	}
	if override.EncoderFrameSize != 0 {
		result.EncoderFrameSize = override.EncoderFrameSize
	}
	if override.ResampleQuality != 0 {
		result.ResampleQuality = override.ResampleQuality
	}
	if override.WavBitDepth != 0 {
		result.WavBitDepth = override.WavBitDepth
	}
	if override.WavSampleRate != 0 {
		result.WavSampleRate = override.WavSampleRate
	}
	if override.BitRate != 0 {
		result.BitRate = override.BitRate
	}

	result.StreamPages = override.StreamPages || base.StreamPages
	result.LeaveStreamOpen = override.LeaveStreamOpen || base.LeaveStreamOpen
	if override.MonitorGain != 0 {
		result.MonitorGain = override.MonitorGain
	}

	return result
}

// Validate checks a merged Options value.
func (o Options) Validate() error {
	if o.BufferLength <= 0 {
		return fmt.Errorf("buffer_length must be > 0, got: %d", o.BufferLength)
	}
	if o.NumberOfChannels < 1 || o.NumberOfChannels > 8 {
		return fmt.Errorf("number_of_channels must be between 1 and 8, got: %d", o.NumberOfChannels)
	}
	if o.EncoderSampleRate <= 0 {
		return fmt.Errorf("encoder_sample_rate must be > 0, got: %d", o.EncoderSampleRate)
	}
	switch o.Encoder {
	case EncoderOpus, EncoderWav, EncoderG711U, EncoderG711A:
	default:
		return fmt.Errorf("encoder must be one of %s, %s, %s, %s, got: %q",
			EncoderOpus, EncoderWav, EncoderG711U, EncoderG711A, o.Encoder)
	}
	if o.MaxBuffersPerPage <= 0 {
		return fmt.Errorf("max_buffers_per_page must be > 0, got: %d", o.MaxBuffersPerPage)
	}
	if o.MonitorGain < 0 {
		return fmt.Errorf("monitor_gain must be >= 0, got: %.2f", o.MonitorGain)
	}
	switch o.EncoderApplication {
	case ApplicationVoIP, ApplicationAudio, ApplicationRestrictedLowDelay:
	default:
		return fmt.Errorf("encoder_application must be 2048, 2049 or 2051, got: %d", o.EncoderApplication)
	}
	if !validFrameSize(o.EncoderFrameSize) {
		return fmt.Errorf("encoder_frame_size must be one of 2.5, 5, 10, 20, 40, 60, got: %g", o.EncoderFrameSize)
	}
	if o.ResampleQuality < 0 || o.ResampleQuality > 10 {
		return fmt.Errorf("resample_quality must be between 0 and 10, got: %d", o.ResampleQuality)
	}
	switch o.WavBitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("wav_bit_depth must be 8, 16, 24 or 32, got: %d", o.WavBitDepth)
	}
	if o.WavSampleRate < 0 {
		return fmt.Errorf("wav_sample_rate must be >= 0, got: %d", o.WavSampleRate)
	}
	if o.BitRate < 0 {
		return fmt.Errorf("bit_rate must be >= 0, got: %d", o.BitRate)
	}
	return nil
}

func validFrameSize(ms float64) bool {
	for _, v := range []float64{2.5, 5, 10, 20, 40, 60} {
		if ms == v {
			return true
		}
	}
	return false
}
