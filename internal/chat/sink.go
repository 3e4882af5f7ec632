package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"
)

var ErrUndecodable = errors.New("audio is not a decodable wav stream")

// Sink plays audio. Play returns when playback has finished or ctx is done.
type Sink interface {
	Play(ctx context.Context, audio []byte) error
}

type SinkFunc func(ctx context.Context, audio []byte) error

func (f SinkFunc) Play(ctx context.Context, audio []byte) error { return f(ctx, audio) }

// WAVSink checks that audio is a WAV stream before handing it to Next.
// With a nil Next it only validates.
type WAVSink struct {
	Next Sink
}

func (s WAVSink) Play(ctx context.Context, audio []byte) error {
	dec := wav.NewDecoder(bytes.NewReader(audio))
	if !dec.IsValidFile() {
		return ErrUndecodable
	}
	if s.Next == nil {
		return nil
	}
	return s.Next.Play(ctx, audio)
}

// FileSink writes every playback into Dir.
type FileSink struct {
	Dir    string
	Logger *slog.Logger
}

func (s FileSink) Play(ctx context.Context, audio []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create playback dir: %w", err)
	}
	path := filepath.Join(s.Dir, "playback-"+uuid.NewString()+".wav")
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return fmt.Errorf("write playback: %w", err)
	}
	if s.Logger != nil {
		s.Logger.Info("playback written", slog.String("path", path), slog.Int("bytes", len(audio)))
	}
	return nil
}

// CommandSink pipes audio into an external player such as "aplay -q".
type CommandSink struct {
	bin  string
	args []string
}

func NewCommandSink(command string) (*CommandSink, error) {
	parts, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(parts) == 0 {
		return nil, errors.New("player command is empty")
	}
	return &CommandSink{bin: parts[0], args: parts[1:]}, nil
}

func (s *CommandSink) Play(ctx context.Context, audio []byte) error {
	cmd := exec.CommandContext(ctx, s.bin, s.args...)
	cmd.Stdin = bytes.NewReader(audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("player %s: %w: %s", s.bin, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}
