package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/loqalabs/loqa-speak/internal/chat"
)

const (
	phonePrompt = "phone> "
	chatPrompt  = "you> "
)

func main() {
	var (
		gatewayURL string
		player     string
		outDir     string
		callDelay  time.Duration
	)
	flag.StringVar(&gatewayURL, "gateway", "http://localhost:3000", "Base URL of the loqad gateway")
	flag.StringVar(&player, "player", "", "Command that plays WAV from stdin, e.g. \"aplay -q\"")
	flag.StringVar(&outDir, "out", "playback", "Directory for playback files when no player is set")
	flag.DurationVar(&callDelay, "call-delay", chat.DefaultCallDelay, "How long the mock call takes")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	sink, err := buildSink(player, outDir, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	surface := chat.NewSurface(chat.Options{
		Speaker:   chat.NewClient(gatewayURL, nil),
		Sink:      sink,
		CallDelay: callDelay,
	})
	defer surface.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          phonePrompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".loqa_chat_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	if !dial(rl, surface) {
		return
	}
	fmt.Println("Connected. Type a message, or /help for commands.")
	rl.SetPrompt(chatPrompt)

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("Goodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}
		if strings.HasPrefix(input, "/") {
			runCommand(ctx, rl, surface, input)
			continue
		}

		surface.SetDraft(line)
		if _, err := surface.Submit(); err != nil {
			if !errors.Is(err, chat.ErrEmptyDraft) {
				fmt.Printf("Error: %v\n", err)
			}
			continue
		}
		msgs := surface.Messages()
		printMessages(msgs[len(msgs)-1:], len(msgs))
	}
}

func buildSink(player, outDir string, logger *slog.Logger) (chat.Sink, error) {
	if player != "" {
		cmd, err := chat.NewCommandSink(player)
		if err != nil {
			return nil, err
		}
		return chat.WAVSink{Next: cmd}, nil
	}
	return chat.WAVSink{Next: chat.FileSink{Dir: outDir, Logger: logger}}, nil
}

// dial runs the phone capture step. It returns false if the user quit.
func dial(rl *readline.Instance, surface *chat.Surface) bool {
	fmt.Println("Enter the phone number to call.")
	for {
		line, err := rl.Readline()
		if err != nil {
			return false
		}
		surface.SetPhone(line)
		if err := surface.Call(); err != nil {
			if errors.Is(err, chat.ErrEmptyPhone) {
				continue
			}
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("Calling %s...\n", strings.TrimSpace(line))
		<-surface.DialogClosed()
		return true
	}
}

func runCommand(ctx context.Context, rl *readline.Instance, surface *chat.Surface, input string) {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/help":
		fmt.Println("  <text>       send a message")
		fmt.Println("  /reply       simulate an incoming message")
		fmt.Println("  /list        show the conversation")
		fmt.Println("  /listen N    play message N")
		fmt.Println("  /stop        stop playback")
		fmt.Println("  exit         quit")
	case "/reply":
		if _, err := surface.SimulateReply(); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		msgs := surface.Messages()
		printMessages(msgs[len(msgs)-1:], len(msgs))
	case "/list":
		printMessages(surface.Messages(), len(surface.Messages()))
	case "/listen":
		msgs := surface.Messages()
		if len(fields) != 2 {
			fmt.Println("Usage: /listen N")
			return
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 || n > len(msgs) {
			fmt.Printf("No message %q\n", fields[1])
			return
		}
		msg := msgs[n-1]
		go func() {
			p, err := surface.Listen(ctx, msg.ID)
			if errors.Is(err, chat.ErrStopped) {
				return
			}
			if err != nil {
				fmt.Fprintf(rl.Stdout(), "Listen #%d failed: %v\n", n, err)
				return
			}
			if err := p.Wait(); err != nil {
				fmt.Fprintf(rl.Stdout(), "Playback #%d failed: %v\n", n, err)
			}
		}()
	case "/stop":
		surface.Stop()
	default:
		fmt.Printf("Unknown command %s, try /help\n", fields[0])
	}
}

// printMessages prints msgs, which end at position total in the conversation.
func printMessages(msgs []chat.Message, total int) {
	start := total - len(msgs)
	for i, m := range msgs {
		fmt.Printf("  #%d [%s] %s\n", start+i+1, m.Author, m.Text)
	}
}
