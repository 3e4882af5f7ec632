package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-speak/internal/config"
)

// ContentTypeWAV is the media type of every result produced by this package.
const ContentTypeWAV = "audio/wav"

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	RequestID string
	Text      string
}

// Result holds a complete audio file. Nothing backing it remains on disk.
type Result struct {
	Audio       []byte
	ContentType string
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (Result, error)
}

// FromConfig builds the backend selected by cfg.Mode.
func FromConfig(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "piper", "":
		return NewPiperSynth(cfg)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
