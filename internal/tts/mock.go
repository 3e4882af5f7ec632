package tts

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that answers every request with a short
// silent clip.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (Result, error) {
	if req.Text == "" {
		return Result{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	data, err := SilentWAV(m.sampleRate, m.channels, 100*time.Millisecond)
	if err != nil {
		return Result{}, &SynthesisError{ExitCode: -1, Err: err}
	}
	return Result{Audio: data, ContentType: ContentTypeWAV}, nil
}

// SilentWAV encodes d of 16-bit silence.
func SilentWAV(sampleRate, channels int, d time.Duration) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid format %d Hz x %d", sampleRate, channels)
	}
	file, err := os.CreateTemp("", "loqa_silence_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	frames := int(int64(sampleRate) * int64(d) / int64(time.Second))
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   make([]int, frames*channels),
	}
	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return os.ReadFile(file.Name())
}
