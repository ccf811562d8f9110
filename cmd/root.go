package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/pagecapture/internal/config"
	"github.com/audiolibrelab/pagecapture/internal/encoder"
	"github.com/audiolibrelab/pagecapture/internal/logging"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
	logLevel     string
	logFile      string

	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "pagecapture",
	Short: "Record audio into bounded, encoded pages",
	Long: `PageCapture records from an audio input device, encodes the audio
(Opus in Ogg, WAV/PCM, G.711 mu-law or A-law) and delivers it as bounded
pages, either to a file or live to web clients.

Recording options are organised in profiles in the config file; every
profile falls back to the "default" profile field by field.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(); err != nil {
			return err
		}

		if cfgFile == "" {
			cfgFile = os.ExpandEnv("$HOME/.config/pagecapture.yaml")
			// Without a config file the built-in profile is used
			if _, err := os.Stat(cfgFile); errors.Is(err, fs.ErrNotExist) {
				slog.Debug("No config file found, using built-in defaults", "config_file", cfgFile)
				cfg = builtinConfig()
				return nil
			}
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		slog.Debug("Configuration loaded", "config_file", cfgFile, "profile", cfg.Name)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pagecapture.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().CountVarP(&verboseLevel, "verbose", "v", "verbose output (-v for debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: none, error, warn, info, debug (overrides -v)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write JSON logs to this file (rotated)")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(infoCmd)
}

// builtinConfig is the configuration used without a config file. Builds
// without libopus record wav instead of opus/ogg.
func builtinConfig() *config.Config {
	c := config.Default()
	if !encoder.OpusAvailable && c.Recorder.WithDefaults().Encoder == config.EncoderOpus {
		slog.Debug("Opus support not built in, recording wav")
		c.Recorder.Encoder = config.EncoderWav
		c.Output.Format = config.FormatWav
	}
	return c
}

// setupLogging configures slog from -v or --log-level
func setupLogging() error {
	level := logging.Level(verboseLevel)
	if logLevel != "" {
		parsed, ok, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		if !ok {
			logging.Disable()
			return nil
		}
		level = parsed
	}
	logCloser = logging.Setup(level, logFile)
	return nil
}
