package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/pagecapture/internal/audio"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long:  `List the available device backends, the portaudio capture devices and the PipeWire ports.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Audio Sources (%s)\n", runtime.GOOS)
		fmt.Printf("=======================================\n\n")

		fmt.Printf("Backends: %v\n", audio.GetAvailableBackends())
		fmt.Printf("Selected: %s\n\n", backendLabel(audio.ResolveBackend(cfg.Device)))

		sources, err := audio.ListSources()
		if err != nil {
			fmt.Printf("PORTAUDIO: %v\n", err)
		} else {
			fmt.Printf("PORTAUDIO CAPTURE DEVICES (%d found):\n", len(sources))
			for i, source := range sources {
				marker := ""
				if source.Default {
					marker = " [default]"
				}
				fmt.Printf("  %d. %s (%s, %d ch, %.0f Hz)%s\n", i+1, source.Name, source.HostAPI,
					source.MaxInputChannels, source.DefaultSampleRate, marker)
			}
		}

		ports, err := audio.ListPipeWireSources()
		if err != nil {
			fmt.Printf("\nPIPEWIRE: %v\n", err)
		} else {
			fmt.Printf("\nPIPEWIRE PORTS (%d found):\n", len(ports))
			for i, port := range ports {
				fmt.Printf("  %d. %s\n", i+1, port)
			}
		}

		fmt.Printf("\nUsage:\n")
		fmt.Printf("  Configure in recorder.media_track_constraints.device: \"<device or port name>\"\n")
		fmt.Printf("  Example: \"alsa_input.usb-Focusrite:capture_FL\"\n\n")
		return nil
	},
}

func backendLabel(b audio.BackendType) string {
	if b == audio.BackendTypeNone {
		return "none (recording not supported)"
	}
	return string(b)
}
