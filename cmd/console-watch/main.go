// Command console-watch is a terminal operator console: it watches the live
// conversations of one application, and lets the operator take over any
// session, answer as the application, and hand control back.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chatsight/console/internal/dotenv"
	"github.com/chatsight/console/pkg/console"
	"github.com/chatsight/console/pkg/console/channel"
	"github.com/chatsight/console/pkg/console/config"
	"github.com/chatsight/console/pkg/console/directory"
)

type watchConfig struct {
	EnvFile  string
	LogLevel string
}

func parseArgs(args []string) (watchConfig, error) {
	cfg := watchConfig{}
	fs := flag.NewFlagSet("console-watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.EnvFile, "env-file", ".env", "dotenv file for local development")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return watchConfig{}, err
	}
	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "console-watch:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	flags, err := parseArgs(args)
	if err != nil {
		return err
	}
	if err := dotenv.Load(flags.EnvFile); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(flags.LogLevel)}))
	slog.SetDefault(logger)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	sock, err := channel.Dial(dialCtx, cfg.ChannelURL,
		channel.WithHandshakeTimeout(cfg.HandshakeTimeout),
		channel.WithWriteTimeout(cfg.WriteTimeout),
		channel.WithLogger(logger),
	)
	cancel()
	if err != nil {
		return err
	}
	defer sock.Close()

	dir := directory.New(cfg.DirectoryBaseURL, directory.WithAPIKey(cfg.DirectoryAPIKey))
	coord := console.New(console.Options{
		ApplicationID:   cfg.ApplicationID,
		StalenessWindow: cfg.StalenessWindow,
		ReaperInterval:  cfg.ReaperInterval,
		EndedGraceDelay: cfg.EndedGraceDelay,
		Logger:          logger,
	}, sock, dir)
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Close()

	logger.Info("watching application", "application_id", cfg.ApplicationID)
	ui := &operatorUI{coord: coord, out: stdout}
	ui.printSessions()

	go ui.renderUpdates(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sock.Done():
			if err := sock.Err(); err != nil {
				return fmt.Errorf("event channel: %w", err)
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := ui.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

type operatorUI struct {
	coord  *console.Coordinator
	out    io.Writer
	openID string
}

func (u *operatorUI) renderUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-u.coord.Updates():
			switch update.Kind {
			case console.UpdateNotice:
				fmt.Fprintf(u.out, "! %s", update.Title)
				if update.Detail != "" {
					fmt.Fprintf(u.out, ": %s", update.Detail)
				}
				fmt.Fprintln(u.out)
			case console.UpdateTakeover:
				if id, ok := u.coord.Controlled(); ok {
					fmt.Fprintf(u.out, "* you are speaking for session %s\n", id)
				} else {
					fmt.Fprintln(u.out, "* AI is back in control")
				}
			}
		}
	}
}

func (u *operatorUI) handle(ctx context.Context, line string) (quit bool) {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "", "ls":
		u.printSessions()
	case "open":
		u.open(ctx, strings.TrimSpace(rest))
	case "take":
		u.withCurrent(func(id string) error { return u.coord.RequestTakeover(id) })
		if id, ok := u.coord.Controlled(); ok {
			fmt.Fprintf(u.out, "* you are speaking for session %s\n", id)
		}
	case "say":
		u.withCurrent(func(id string) error {
			_, err := u.coord.SendMessage(id, strings.TrimSpace(rest))
			return err
		})
	case "release":
		if id, ok := u.coord.Controlled(); ok {
			if err := u.coord.Release(id); err != nil {
				fmt.Fprintf(u.out, "! %v\n", err)
			}
		}
	case "back":
		u.coord.CloseSession()
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(u.out, "commands: ls, open <n|session-id>, take, say <text>, release, back, quit")
	default:
		fmt.Fprintf(u.out, "! unknown command %q (try help)\n", cmd)
	}
	return false
}

// withCurrent resolves the open detail-view session and applies fn to it.
func (u *operatorUI) withCurrent(fn func(sessionID string) error) {
	id := u.currentSessionID()
	if id == "" {
		fmt.Fprintln(u.out, "! open a session first")
		return
	}
	if err := fn(id); err != nil {
		fmt.Fprintf(u.out, "! %v\n", err)
	}
}

func (u *operatorUI) currentSessionID() string {
	if id, ok := u.coord.Controlled(); ok {
		return id
	}
	return u.openID
}

func (u *operatorUI) open(ctx context.Context, arg string) {
	if arg == "" {
		fmt.Fprintln(u.out, "! usage: open <n|session-id>")
		return
	}
	sessions := u.coord.Sessions()
	id := arg
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(sessions) {
			fmt.Fprintf(u.out, "! no session #%d\n", n)
			return
		}
		id = sessions[n-1].SessionID
	}

	fmt.Fprintf(u.out, "loading transcript for %s...\n", id)
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	messages, err := u.coord.OpenSession(openCtx, id)
	if err != nil {
		if errors.Is(err, console.ErrUnknownSession) {
			fmt.Fprintf(u.out, "! session %s is not live\n", id)
			return
		}
		fmt.Fprintf(u.out, "! %v (retry with open)\n", err)
		return
	}
	u.openID = id
	for _, m := range messages {
		u.printMessage(m.Sender == "user", m.HumanAuthored, m.Content)
	}
}

func (u *operatorUI) printMessage(fromUser, humanAuthored bool, content string) {
	tag := "bot"
	if fromUser {
		tag = "user"
	} else if humanAuthored {
		tag = "you"
	}
	fmt.Fprintf(u.out, "  [%s] %s\n", tag, content)
}

func (u *operatorUI) printSessions() {
	sessions := u.coord.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(u.out, "no live sessions")
		return
	}
	for i, s := range sessions {
		who := s.ConsumerIdentity
		if who == "" {
			who = "anonymous"
		}
		age := time.Since(s.LastActivityAt).Round(time.Second)
		fmt.Fprintf(u.out, "%2d. %s  %-9s %-5s %-6s %4s ago  %s\n",
			i+1, s.SessionID, who, s.Presence, s.Control, age, s.MessagePreview)
	}
}
