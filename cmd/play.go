package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/pagecapture/internal/audio"
	"github.com/audiolibrelab/pagecapture/internal/service"
)

var playCmd = &cobra.Command{
	Use:   "play [name]",
	Short: "Play a recording",
	Long: `Play a recording with the first available player (mpv, ffplay, vlc, aplay).
Without a name the most recent recording in the output directory is played.
Headerless raw recordings are played with the layout from the active profile.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}

		svc := service.New(cfg, cfgFile, audio.NewSharedContext(nil))
		defer svc.Close()

		if err := svc.Play(name); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}
