package play

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/audiolibrelab/pagecapture/internal/config"
	"github.com/audiolibrelab/pagecapture/internal/encoder"
)

// Players in order of preference.
var Players = []string{"mpv", "ffplay", "vlc", "aplay"}

type Player struct {
	cfg *config.Config

	lookPath func(string) (string, error)
	run      func(*exec.Cmd) error
}

func New(cfg *config.Config) *Player {
	return &Player{
		cfg:      cfg,
		lookPath: exec.LookPath,
		run:      func(cmd *exec.Cmd) error { return cmd.Run() },
	}
}

// Play plays the recording called name, or the latest recording in the
// output directory when name is empty.
func (p *Player) Play(name string) error {
	audioFile, err := p.resolve(name)
	if err != nil {
		return err
	}

	player, err := p.findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	cmd, err := p.command(player, audioFile)
	if err != nil {
		return err
	}

	slog.Info("Playing recording", "file", audioFile, "player", player)
	if err := p.run(cmd); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}
	slog.Info("Playback completed", "file", audioFile)
	return nil
}

func (p *Player) resolve(name string) (string, error) {
	if name == "" {
		return LatestRecording(p.cfg.Output.Directory)
	}
	audioFile := RecordingPath(p.cfg, name)
	if _, err := os.Stat(audioFile); err != nil {
		return "", fmt.Errorf("audio file not found: %s", audioFile)
	}
	return audioFile, nil
}

// command builds the player invocation. Raw files carry no header, so
// their layout is passed on the command line.
func (p *Player) command(player, audioFile string) (*exec.Cmd, error) {
	ext := strings.TrimPrefix(filepath.Ext(audioFile), ".")
	opts := p.cfg.Recorder.WithDefaults()
	channels := strconv.Itoa(opts.NumberOfChannels)

	switch player {
	case "mpv":
		if raw, ok := ffmpegRawFormat(ext, opts.WavBitDepth); ok {
			rate := strconv.Itoa(rawSampleRate(ext, opts))
			return exec.Command("mpv", "--no-video", "--demuxer=rawaudio",
				"--demuxer-rawaudio-format="+raw, "--demuxer-rawaudio-rate="+rate,
				"--demuxer-rawaudio-channels="+channels, audioFile), nil
		}
		return exec.Command("mpv", "--no-video", audioFile), nil
	case "ffplay":
		if raw, ok := ffmpegRawFormat(ext, opts.WavBitDepth); ok {
			rate := strconv.Itoa(rawSampleRate(ext, opts))
			return exec.Command("ffplay", "-nodisp", "-autoexit", "-f", raw,
				"-ar", rate, "-ch_layout", channelLayout(opts.NumberOfChannels), audioFile), nil
		}
		return exec.Command("ffplay", "-nodisp", "-autoexit", audioFile), nil
	case "vlc":
		if _, ok := ffmpegRawFormat(ext, opts.WavBitDepth); ok {
			return nil, fmt.Errorf("vlc cannot play headerless %s files", ext)
		}
		return exec.Command("vlc", "--play-and-exit", audioFile), nil
	case "aplay":
		switch ext {
		case "wav":
			return exec.Command("aplay", audioFile), nil
		case "ulaw":
			return exec.Command("aplay", "-f", "MU_LAW", "-r", "8000", "-c", channels, audioFile), nil
		case "alaw":
			return exec.Command("aplay", "-f", "A_LAW", "-r", "8000", "-c", channels, audioFile), nil
		}
		return nil, fmt.Errorf("aplay cannot play %s files", ext)
	}
	return nil, fmt.Errorf("unsupported player: %s", player)
}

func ffmpegRawFormat(ext string, bitDepth int) (string, bool) {
	switch ext {
	case "ulaw":
		return "mulaw", true
	case "alaw":
		return "alaw", true
	case "pcm":
		if bitDepth == 8 {
			return "u8", true
		}
		return fmt.Sprintf("s%dle", bitDepth), true
	}
	return "", false
}

func rawSampleRate(ext string, opts config.Options) int {
	if ext == "ulaw" || ext == "alaw" {
		return encoder.G711SampleRate
	}
	if opts.WavSampleRate != 0 {
		return opts.WavSampleRate
	}
	if opts.MediaTrackConstraints.SampleRate != 0 {
		return opts.MediaTrackConstraints.SampleRate
	}
	return 48000
}

func channelLayout(n int) string {
	if n == 2 {
		return "stereo"
	}
	if n == 1 {
		return "mono"
	}
	return strconv.Itoa(n) + "c"
}

func (p *Player) findAudioPlayer() (string, error) {
	for _, player := range Players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(Players, ", "))
}

// RecordingPath is where a recording called name is written.
func RecordingPath(cfg *config.Config, name string) string {
	return filepath.Join(cfg.Output.Directory, CleanFileName(name)+"."+cfg.FileExtension())
}

// DefaultName names a recording after its start time.
func DefaultName(t time.Time) string {
	return "recording-" + t.Format("20060102-150405")
}

// CleanFileName keeps letters, digits, spaces, hyphens and underscores and
// turns spaces into underscores.
func CleanFileName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

// RecordingExtensions are the file extensions a recording can have.
var RecordingExtensions = []string{".ogg", ".wav", ".ulaw", ".alaw", ".pcm"}

// LatestRecording returns the most recently modified recording in dir.
func LatestRecording(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read output directory: %w", err)
	}

	var latest string
	var latestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !isRecording(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().After(latestTime) {
			latest = filepath.Join(dir, e.Name())
			latestTime = info.ModTime()
		}
	}

	if latest == "" {
		return "", fmt.Errorf("no recordings found in %s", dir)
	}
	return latest, nil
}

func isRecording(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range RecordingExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
