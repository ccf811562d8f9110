package cmd

import (
	"testing"

	"github.com/audiolibrelab/pagecapture/internal/config"
	"github.com/audiolibrelab/pagecapture/internal/encoder"
)

func TestBuiltinConfig_RecordsWithAvailableEncoder(t *testing.T) {
	c := builtinConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("built-in config is invalid: %v", err)
	}

	opts := c.Recorder.WithDefaults()
	if _, err := encoder.NewFactory(opts.Encoder); err != nil {
		t.Errorf("built-in encoder %q not usable in this build: %v", opts.Encoder, err)
	}

	if encoder.OpusAvailable {
		if opts.Encoder != config.EncoderOpus || c.Output.Format != config.FormatOgg {
			t.Errorf("Expected opus/ogg, got %s/%s", opts.Encoder, c.Output.Format)
		}
	} else if opts.Encoder != config.EncoderWav || c.Output.Format != config.FormatWav {
		t.Errorf("Expected wav/wav without opus, got %s/%s", opts.Encoder, c.Output.Format)
	}
}
