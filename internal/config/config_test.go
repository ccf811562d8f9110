package config

import (
	"strings"
	"testing"
)

func TestOptionsWithDefaults_FillsEveryUnsetField(t *testing.T) {
	opts := Options{}.WithDefaults()

	if opts.BufferLength != 4096 {
		t.Errorf("Expected buffer length 4096, got %d", opts.BufferLength)
	}
	if opts.NumberOfChannels != 1 {
		t.Errorf("Expected 1 channel, got %d", opts.NumberOfChannels)
	}
	if opts.EncoderSampleRate != 48000 {
		t.Errorf("Expected encoder sample rate 48000, got %d", opts.EncoderSampleRate)
	}
	if opts.Encoder != EncoderOpus {
		t.Errorf("Expected encoder %q, got %q", EncoderOpus, opts.Encoder)
	}
	if opts.StreamPages || opts.LeaveStreamOpen {
		t.Errorf("Expected stream_pages and leave_stream_open to default to false, got %+v", opts)
	}
	if opts.MaxBuffersPerPage != 40 {
		t.Errorf("Expected 40 buffers per page, got %d", opts.MaxBuffersPerPage)
	}
	if opts.MediaTrackConstraints != (Constraints{}) {
		t.Errorf("Expected empty constraints, got %+v", opts.MediaTrackConstraints)
	}
	if opts.MonitorGain != 0 {
		t.Errorf("Expected monitor gain 0, got %f", opts.MonitorGain)
	}
	if opts.EncoderApplication != ApplicationAudio {
		t.Errorf("Expected application %d, got %d", ApplicationAudio, opts.EncoderApplication)
	}
	if opts.EncoderFrameSize != 20 {
		t.Errorf("Expected frame size 20, got %g", opts.EncoderFrameSize)
	}
	if opts.ResampleQuality != 3 {
		t.Errorf("Expected resample quality 3, got %d", opts.ResampleQuality)
	}
	if opts.WavBitDepth != 16 {
		t.Errorf("Expected wav bit depth 16, got %d", opts.WavBitDepth)
	}
	if opts.WavSampleRate != 0 {
		t.Errorf("Expected wav sample rate to stay unset, got %d", opts.WavSampleRate)
	}
	if opts.BitRate != 0 {
		t.Errorf("Expected bit rate to stay unset, got %d", opts.BitRate)
	}

	if err := opts.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got: %v", err)
	}
}

func TestOptionsWithDefaults_KeepsCallerValues(t *testing.T) {
	opts := Options{
		BufferLength:      1024,
		NumberOfChannels:  2,
		Encoder:           EncoderWav,
		StreamPages:       true,
		LeaveStreamOpen:   true,
		MaxBuffersPerPage: 5,
		MonitorGain:       0.5,
		EncoderFrameSize:  2.5,
		WavSampleRate:     16000,
		MediaTrackConstraints: Constraints{
			Device: "USB Audio",
		},
	}.WithDefaults()

	if opts.BufferLength != 1024 || opts.NumberOfChannels != 2 || opts.Encoder != EncoderWav {
		t.Errorf("Caller values overwritten: %+v", opts)
	}
	if !opts.StreamPages || !opts.LeaveStreamOpen {
		t.Errorf("Expected boolean flags to be kept, got %+v", opts)
	}
	if opts.MaxBuffersPerPage != 5 || opts.MonitorGain != 0.5 || opts.EncoderFrameSize != 2.5 {
		t.Errorf("Caller values overwritten: %+v", opts)
	}
	if opts.WavSampleRate != 16000 {
		t.Errorf("Expected wav sample rate 16000, got %d", opts.WavSampleRate)
	}
	if opts.MediaTrackConstraints.Device != "USB Audio" {
		t.Errorf("Expected constraints to pass through, got %+v", opts.MediaTrackConstraints)
	}
	// Untouched fields still get their defaults
	if opts.EncoderSampleRate != 48000 || opts.ResampleQuality != 3 {
		t.Errorf("Expected untouched fields to default, got %+v", opts)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *Options)
		wantErr string
	}{
		{"valid", func(o *Options) {}, ""},
		{"negative buffer", func(o *Options) { o.BufferLength = -1 }, "buffer_length"},
		{"too many channels", func(o *Options) { o.NumberOfChannels = 9 }, "number_of_channels"},
		{"unknown encoder", func(o *Options) { o.Encoder = "mp3" }, "encoder must be one of"},
		{"negative gain", func(o *Options) { o.MonitorGain = -0.1 }, "monitor_gain"},
		{"bad application", func(o *Options) { o.EncoderApplication = 1 }, "encoder_application"},
		{"bad frame size", func(o *Options) { o.EncoderFrameSize = 15 }, "encoder_frame_size"},
		{"bad quality", func(o *Options) { o.ResampleQuality = 11 }, "resample_quality"},
		{"bad bit depth", func(o *Options) { o.WavBitDepth = 12 }, "wav_bit_depth"},
		{"negative bit rate", func(o *Options) { o.BitRate = -5 }, "bit_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Options{}.WithDefaults()
			tt.mutate(&opts)
			err := opts.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestMergeConfigs_ProfileOverridesAndInheritance(t *testing.T) {
	base := Default()
	base.Device.Backend = BackendPortAudio

	profile := &Config{
		Recorder: Options{
			BufferLength: 2048,
			StreamPages:  true,
		},
		Output: OutputConfig{
			Directory: "~/Audio/Studio",
		},
	}

	result := mergeConfigs(base, profile)

	if result.Recorder.BufferLength != 2048 {
		t.Errorf("Expected buffer length 2048, got %d", result.Recorder.BufferLength)
	}
	if !result.Recorder.StreamPages {
		t.Errorf("Expected stream pages to be enabled")
	}
	if result.Recorder.MaxBuffersPerPage != 40 {
		t.Errorf("Expected inherited max buffers 40, got %d", result.Recorder.MaxBuffersPerPage)
	}
	if result.Device.Backend != BackendPortAudio {
		t.Errorf("Expected inherited backend portaudio, got %s", result.Device.Backend)
	}
	if result.Output.Directory != "~/Audio/Studio" {
		t.Errorf("Expected directory override, got %s", result.Output.Directory)
	}
	if result.Output.Format != FormatOgg {
		t.Errorf("Expected inherited format ogg, got %s", result.Output.Format)
	}

	if result.Inheritance.Recorder != "profile-specific" {
		t.Errorf("Expected recorder to be profile-specific, got %s", result.Inheritance.Recorder)
	}
	if result.Inheritance.Device.Backend != "inherited" {
		t.Errorf("Expected backend to be inherited, got %s", result.Inheritance.Device.Backend)
	}
	if result.Inheritance.Output.Directory != "profile-specific" {
		t.Errorf("Expected directory to be profile-specific, got %s", result.Inheritance.Output.Directory)
	}
	if result.Inheritance.Output.Format != "inherited" {
		t.Errorf("Expected format to be inherited, got %s", result.Inheritance.Output.Format)
	}
}

func TestMergeConfigs_NilProfile(t *testing.T) {
	base := Default()
	result := mergeConfigs(base, nil)

	if result.Recorder != base.Recorder {
		t.Errorf("Expected recorder options to equal base")
	}
	if result.Output != base.Output {
		t.Errorf("Expected output to equal base")
	}
}

func TestConfigValidate_FormatMustMatchEncoder(t *testing.T) {
	c := Default()
	c.Output.Format = FormatWav
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "requires encoder 'wav'") {
		t.Errorf("Expected wav/encoder mismatch error, got: %v", err)
	}

	c.Recorder.Encoder = EncoderWav
	if err := c.Validate(); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestConfigValidate_FileBackendNeedsFile(t *testing.T) {
	c := Default()
	c.Device.Backend = BackendFile
	if err := c.Validate(); err == nil {
		t.Errorf("Expected error for file backend without file")
	}

	c.Device.File = "/tmp/input.wav"
	if err := c.Validate(); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestFileExtension(t *testing.T) {
	tests := []struct {
		format  string
		encoder string
		want    string
	}{
		{FormatOgg, EncoderOpus, "ogg"},
		{FormatWav, EncoderWav, "wav"},
		{FormatRaw, EncoderWav, "pcm"},
		{FormatRaw, EncoderG711U, "ulaw"},
		{FormatRaw, EncoderG711A, "alaw"},
		{FormatRaw, EncoderOpus, "ogg"},
	}

	for _, tt := range tests {
		c := Default()
		c.Output.Format = tt.format
		c.Recorder.Encoder = tt.encoder
		if got := c.FileExtension(); got != tt.want {
			t.Errorf("FileExtension(%s, %s) = %s, want %s", tt.format, tt.encoder, got, tt.want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("Expected absolute path unchanged, got %s", got)
	}
	if got := expandPath("~/Audio"); strings.HasPrefix(got, "~") {
		t.Errorf("Expected tilde to be expanded, got %s", got)
	}
}
