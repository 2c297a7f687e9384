// Command chat is a terminal client for the gateway. It streams replies to
// stdout as they arrive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/term"
)

const defaultGatewayURL = "http://127.0.0.1:3000"

var (
	replyColor = color.New(color.FgCyan)
	errorColor = color.New(color.FgRed)
	infoColor  = color.New(color.FgYellow)
)

func main() {
	if err := run(); err != nil {
		errorColor.Fprintf(os.Stderr, "chat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	gateway := flag.String("url", envOr("MCPX_CHAT_URL", defaultGatewayURL), "gateway base url")
	sessionID := flag.String("session", "", "session id (default: a new one)")
	flag.Parse()

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
	id := strings.TrimSpace(*sessionID)
	if id == "" {
		id = "cli-" + uuid.NewString()
	}
	client := newChatClient(*gateway, id, nil)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            color.GreenString("➤ "),
		HistoryFile:       historyFile(),
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "bye",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer rl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	infoColor.Fprintf(rl.Stdout(), "connected to %s, session %s. /tools lists tools, /new starts over, /quit exits.\n", *gateway, id)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			client.sessionID = "cli-" + uuid.NewString()
			infoColor.Fprintf(rl.Stdout(), "new session %s\n", client.sessionID)
			continue
		case "/tools":
			names, err := client.Tools(ctx)
			if err != nil {
				errorColor.Fprintf(rl.Stdout(), "%v\n", err)
				continue
			}
			infoColor.Fprintf(rl.Stdout(), "%s\n", strings.Join(names, ", "))
			continue
		}
		if err := chat(ctx, client, line, rl.Stdout()); err != nil {
			errorColor.Fprintf(rl.Stdout(), "%v\n", err)
		}
	}
}

// chat streams one reply to out. A reply that starts with "Error:" is the
// gateway reporting a failed turn and is shown as an error.
func chat(ctx context.Context, client *chatClient, query string, out io.Writer) error {
	first := true
	failed := false
	err := client.Stream(ctx, query, func(chunk string) {
		if first {
			failed = strings.HasPrefix(chunk, "Error:")
			first = false
		}
		if failed {
			errorColor.Fprint(out, chunk)
			return
		}
		replyColor.Fprint(out, chunk)
	})
	if !first {
		fmt.Fprintln(out)
	}
	return err
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".mcpx_chat_history")
}
