package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/eventstore"
	"github.com/loqalabs/loqa-speak/internal/tts"
	"github.com/mattn/go-shellwords"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		text       string
		outPath    string
		limit      int
	)
	synthCmd := flag.NewFlagSet("synth", flag.ExitOnError)
	synthCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	synthCmd.StringVar(&text, "text", "", "Text to speak; read from stdin when empty")
	synthCmd.StringVar(&outPath, "out", "speech.wav", "Where to write the WAV file, - for stdout")

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	checkCmd.StringVar(&configPath, "config", "", "Path to configuration file")

	eventsCmd := flag.NewFlagSet("events", flag.ExitOnError)
	eventsCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	eventsCmd.IntVar(&limit, "n", 20, "Number of most recent events to show")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'synth', 'check', 'events' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "synth":
		synthCmd.Parse(os.Args[2:])
		if err := runSynth(configPath, text, outPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "check":
		checkCmd.Parse(os.Args[2:])
		if err := runCheck(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("piper configuration ok")
	case "events":
		eventsCmd.Parse(os.Args[2:])
		if err := runEvents(configPath, limit, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runSynth(configPath, text, outPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	}

	synth, err := tts.FromConfig(cfg.TTS)
	if err != nil {
		return err
	}
	res, err := synth.Synthesize(context.Background(), tts.SynthRequest{RequestID: uuid.NewString(), Text: text})
	if err != nil {
		return err
	}

	if outPath == "-" {
		_, err = os.Stdout.Write(res.Audio)
		return err
	}
	if err := os.WriteFile(outPath, res.Audio, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", len(res.Audio), outPath)
	return nil
}

// runCheck verifies that the piper command resolves and both model files exist.
func runCheck(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.TTS.Mode != "piper" {
		return nil
	}

	var problems []string
	parts, err := shellwords.Parse(cfg.TTS.Bin)
	if err != nil || len(parts) == 0 {
		problems = append(problems, fmt.Sprintf("invalid piper command %q", cfg.TTS.Bin))
	} else if _, err := exec.LookPath(parts[0]); err != nil {
		problems = append(problems, fmt.Sprintf("piper binary %q not found", parts[0]))
	}
	for name, path := range map[string]string{"PIPER_MODEL_PATH": cfg.TTS.ModelPath, "PIPER_CONFIG_PATH": cfg.TTS.ConfigPath} {
		if path == "" {
			problems = append(problems, name+" is not set")
			continue
		}
		if _, err := os.Stat(path); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "\n"))
	}
	return nil
}

// runEvents prints the most recent synthesis outcomes, oldest first.
func runEvents(configPath string, limit int, w io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.EventStore.RetentionMode == "ephemeral" {
		fmt.Fprintln(w, "event store is ephemeral, no events are recorded")
		return nil
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	events, err := store.ListEvents(ctx, limit)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	for _, e := range events {
		line := fmt.Sprintf("%s  %-11s  %s  text=%d audio=%d %dms",
			e.CreatedAt.Format(time.RFC3339), e.Outcome, e.RequestID, e.TextLength, e.AudioBytes, e.DurationMS)
		if e.Error != "" {
			line += "  error=" + e.Error
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
