//go:build !portaudio
// +build !portaudio

package audio

import "errors"

const portAudioAvailable = false

var errNoPortAudio = errors.New("portaudio backend not available: rebuild with -tags portaudio")

func newPortAudioContext() (Context, error) {
	return nil, errNoPortAudio
}

// ListSources stub when portaudio is not available
func ListSources() ([]SourceInfo, error) {
	return nil, errNoPortAudio
}
