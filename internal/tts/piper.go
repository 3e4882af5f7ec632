package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/mattn/go-shellwords"
)

// pipeWaitDelay bounds how long a timed-out run waits for its pipes to close.
const pipeWaitDelay = 500 * time.Millisecond

type piperSynth struct {
	cmd        []string
	modelPath  string
	configPath string
	outputDir  string
	timeout    time.Duration
	newToken   func() string
}

// NewPiperSynth returns a synthesizer that runs the Piper CLI once per request.
// Missing model or config paths are reported per request with ErrMisconfigured.
func NewPiperSynth(cfg config.TTSConfig) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Bin)
	if err != nil {
		return nil, fmt.Errorf("parse piper command: %w", err)
	}
	if len(args) == 0 {
		args = []string{"piper"}
	}
	return &piperSynth{
		cmd:        args,
		modelPath:  strings.TrimSpace(cfg.ModelPath),
		configPath: strings.TrimSpace(cfg.ConfigPath),
		outputDir:  cfg.OutputDir,
		timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
		newToken:   uuid.NewString,
	}, nil
}

func (p *piperSynth) Synthesize(ctx context.Context, req SynthRequest) (Result, error) {
	if req.Text == "" {
		return Result{}, ErrInvalidInput
	}
	if p.modelPath == "" || p.configPath == "" {
		return Result{}, fmt.Errorf("%w: set PIPER_MODEL_PATH and PIPER_CONFIG_PATH", ErrMisconfigured)
	}

	outPath, release := p.reserveOutput()
	defer release()

	if err := p.run(ctx, req.Text, outPath); err != nil {
		return Result{}, err
	}

	audio, err := os.ReadFile(outPath)
	if err != nil {
		return Result{}, &SynthesisError{ExitCode: -1, Err: fmt.Errorf("read output: %w", err)}
	}
	return Result{Audio: audio, ContentType: ContentTypeWAV}, nil
}

// reserveOutput names a fresh output file and returns its release func.
// Removal is best-effort.
func (p *piperSynth) reserveOutput() (string, func()) {
	dir := p.outputDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "piper-"+p.newToken()+".wav")
	return path, func() { _ = os.Remove(path) }
}

func (p *piperSynth) run(ctx context.Context, text, outPath string) error {
	// A launched process runs to completion even if the caller goes away.
	runCtx := context.WithoutCancel(ctx)
	if p.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, p.timeout)
		defer cancel()
	}

	args := append([]string{}, p.cmd[1:]...)
	args = append(args,
		"--model", p.modelPath,
		"--config", p.configPath,
		"--output_file", outPath,
	)
	cmd := exec.CommandContext(runCtx, p.cmd[0], args...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if p.timeout > 0 {
		// Children of a killed wrapper can hold stderr open.
		cmd.WaitDelay = pipeWaitDelay
	}

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return &SynthesisError{ExitCode: code, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return nil
}
