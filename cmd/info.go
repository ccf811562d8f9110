package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/pagecapture/internal/audio"
	"github.com/audiolibrelab/pagecapture/internal/play"
)

var infoCmd = &cobra.Command{
	Use:   "info [name]",
	Short: "Show resolved recorder options and the output path for a recording",
	Long:  `Display the resolved configuration with inheritance indicators and the file path for the given recording name. Shows which values are inherited from default vs profile-specific.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			fmt.Printf("=== FILE PATHS ===\n")
			fmt.Printf("output: %s\n", play.RecordingPath(cfg, args[0]))
			fmt.Printf("clean_name: %s\n\n", play.CleanFileName(args[0]))
		}

		opts := cfg.Recorder.WithDefaults()
		var inh struct{ recorder, backend, file, directory, format string }
		if cfg.Inheritance != nil {
			inh.recorder = cfg.Inheritance.Recorder
			inh.backend = cfg.Inheritance.Device.Backend
			inh.file = cfg.Inheritance.Device.File
			inh.directory = cfg.Inheritance.Output.Directory
			inh.format = cfg.Inheritance.Output.Format
		}

		fmt.Printf("=== RESOLVED CONFIGURATION (%s) ===\n", cfg.Name)

		fmt.Printf("\n[Recorder] %s\n", getInheritanceIndicator(inh.recorder))
		fmt.Printf("encoder: %s\n", opts.Encoder)
		fmt.Printf("buffer_length: %d\n", opts.BufferLength)
		fmt.Printf("number_of_channels: %d\n", opts.NumberOfChannels)
		fmt.Printf("encoder_sample_rate: %d\n", opts.EncoderSampleRate)
		fmt.Printf("max_buffers_per_page: %d\n", opts.MaxBuffersPerPage)
		fmt.Printf("stream_pages: %t\n", opts.StreamPages)
		fmt.Printf("leave_stream_open: %t\n", opts.LeaveStreamOpen)
		fmt.Printf("monitor_gain: %.2f\n", opts.MonitorGain)
		fmt.Printf("encoder_application: %d\n", opts.EncoderApplication)
		fmt.Printf("encoder_frame_size: %gms\n", opts.EncoderFrameSize)
		fmt.Printf("resample_quality: %d\n", opts.ResampleQuality)
		fmt.Printf("wav_bit_depth: %d\n", opts.WavBitDepth)
		if opts.WavSampleRate == 0 {
			fmt.Printf("wav_sample_rate: device rate\n")
		} else {
			fmt.Printf("wav_sample_rate: %d\n", opts.WavSampleRate)
		}
		if opts.BitRate == 0 {
			fmt.Printf("bit_rate: codec default\n")
		} else {
			fmt.Printf("bit_rate: %d\n", opts.BitRate)
		}
		if c := opts.MediaTrackConstraints; c.Device != "" || c.Channels != 0 || c.SampleRate != 0 {
			fmt.Printf("media_track_constraints: device=%q channels=%d sample_rate=%d\n", c.Device, c.Channels, c.SampleRate)
		}

		fmt.Printf("\n[Device]\n")
		fmt.Printf("backend: %s %s (resolves to %s)\n", cfg.Device.Backend, getInheritanceIndicator(inh.backend),
			backendLabel(audio.ResolveBackend(cfg.Device)))
		if cfg.Device.File != "" {
			fmt.Printf("file: %s %s\n", cfg.Device.File, getInheritanceIndicator(inh.file))
		}

		fmt.Printf("\n[Output]\n")
		fmt.Printf("directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(inh.directory))
		fmt.Printf("format: %s %s\n", cfg.Output.Format, getInheritanceIndicator(inh.format))
		fmt.Printf("extension: .%s\n", cfg.FileExtension())

		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[built-in]"
	}
}
