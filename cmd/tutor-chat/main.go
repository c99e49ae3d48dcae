package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/tutor-relay/internal/dotenv"
	tutor "github.com/vango-go/tutor-relay/sdk"
)

const (
	defaultBaseURL = "http://127.0.0.1:8080"
	defaultTimeout = 90 * time.Second

	noTranslation = "번역 결과를 찾을 수 없습니다."
	noExplanation = "설명을 찾을 수 없습니다."
)

type chatConfig struct {
	BaseURL    string
	Timeout    time.Duration
	ChatPrompt string
	NoAudio    bool
	Verbose    bool
}

func parseChatConfig(args []string, getenv func(string) string) (chatConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	base := strings.TrimSpace(getenv("TUTOR_RELAY_URL"))
	if base == "" {
		base = defaultBaseURL
	}

	cfg := chatConfig{}
	fs := flag.NewFlagSet("tutor-chat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.BaseURL, "base-url", base, "tutor relay base URL (or TUTOR_RELAY_URL)")
	fs.DurationVar(&cfg.Timeout, "timeout", defaultTimeout, "per-request timeout (e.g. 90s)")
	fs.StringVar(&cfg.ChatPrompt, "system", "", "chat persona prompt (defaults to the English tutor)")
	fs.BoolVar(&cfg.NoAudio, "no-audio", false, "disable /say playback")
	fs.BoolVar(&cfg.Verbose, "v", false, "log client warnings to stderr")

	if err := fs.Parse(args); err != nil {
		return chatConfig{}, err
	}
	if err := validateChatConfig(cfg); err != nil {
		return chatConfig{}, err
	}
	return cfg, nil
}

func validateChatConfig(cfg chatConfig) error {
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid -base-url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		return errors.New("-timeout must be > 0")
	}
	return nil
}

type chatRuntime struct {
	session   *tutor.Session
	lastReply string
	replies   int
}

// streamPrinter writes only the part of each display update not yet printed.
type streamPrinter struct {
	out     io.Writer
	printed string
}

func (p *streamPrinter) update(display string) {
	if strings.HasPrefix(display, p.printed) {
		fmt.Fprint(p.out, display[len(p.printed):])
	} else {
		fmt.Fprint(p.out, "\n"+display)
	}
	p.printed = display
}

func handleSlashCommand(ctx context.Context, line string, state *chatRuntime, cfg chatConfig, out io.Writer, errOut io.Writer) (handled bool, err error) {
	if state == nil || state.session == nil {
		return false, errors.New("chat state must not be nil")
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	client := state.session.Client()

	switch cmd {
	case "/help":
		printHelp(out)
		return true, nil
	case "/reset":
		state.session.ResetChat()
		state.session.StopAudio()
		state.lastReply = ""
		fmt.Fprintln(out, "conversation cleared")
		return true, nil
	case "/stop":
		state.session.StopChat()
		state.session.StopAudio()
		return true, nil
	case "/translate":
		if arg == "" {
			fmt.Fprintln(errOut, "usage: /translate <korean sentence>")
			return true, nil
		}
		reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		t, err := client.Translate(reqCtx, arg)
		if err != nil {
			fmt.Fprintf(errOut, "translate error: %v\n", err)
			return true, nil
		}
		expr, why := t.Expression, t.Explanation
		if expr == "" {
			expr = noTranslation
		}
		if why == "" {
			why = noExplanation
		}
		fmt.Fprintf(out, "자연스러운 표현: %s\n💡 이렇게 표현하는 이유: %s\n", expr, why)
		return true, nil
	case "/suggest":
		if arg == "" && state.lastReply == "" {
			fmt.Fprintln(errOut, "nothing to reply to yet")
			return true, nil
		}
		reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		var suggestions []tutor.Suggestion
		var err error
		if arg == "" {
			suggestions, err = state.session.SuggestReplies(reqCtx)
		} else {
			suggestions, err = client.SuggestReplies(reqCtx, arg, state.session.History())
		}
		if err != nil {
			fmt.Fprintf(errOut, "suggest error: %v\n", err)
			return true, nil
		}
		for i, s := range suggestions {
			fmt.Fprintf(out, "%d. %s (%s)\n", i+1, s.English, s.Korean)
		}
		return true, nil
	case "/say":
		if cfg.NoAudio {
			fmt.Fprintln(errOut, "audio is disabled")
			return true, nil
		}
		text, control := arg, tutor.ControlID("say:"+arg)
		if text == "" {
			text, control = state.lastReply, tutor.ControlID("reply-"+strconv.Itoa(state.replies))
		}
		if text == "" {
			fmt.Fprintln(errOut, "nothing to say yet")
			return true, nil
		}
		reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if err := state.session.Play(reqCtx, text, control); err != nil {
			fmt.Fprintf(errOut, "audio error: %v\n", err)
		}
		return true, nil
	default:
		return false, nil
	}
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Chat in English. Ctrl-C stops the current answer; /exit or Ctrl-D quits.")
	fmt.Fprintln(out, "  /translate <korean>  natural English expression with explanation")
	fmt.Fprintln(out, "  /suggest [message]   reply ideas for the last answer or a message")
	fmt.Fprintln(out, "  /say [text]          play the last answer or text; again to stop")
	fmt.Fprintln(out, "  /stop                stop the answer and audio")
	fmt.Fprintln(out, "  /reset               clear the conversation")
}

func runChatbot(ctx context.Context, cfg chatConfig, player tutor.Player, interrupts <-chan os.Signal, in io.Reader, out io.Writer, errOut io.Writer) error {
	if err := validateChatConfig(cfg); err != nil {
		return err
	}
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}

	level := slog.LevelError
	if cfg.Verbose {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	client := tutor.NewClient(cfg.BaseURL, tutor.WithLogger(logger))
	sessionCfg := tutor.SessionConfig{ChatPrompt: cfg.ChatPrompt, Logger: logger}
	if !cfg.NoAudio {
		sessionCfg.Player = player
	}
	session, err := tutor.NewSession(client, sessionCfg)
	if err != nil {
		return err
	}
	if player == nil {
		cfg.NoAudio = true
	}

	var wg sync.WaitGroup
	stopWatch := make(chan struct{})
	defer func() {
		close(stopWatch)
		wg.Wait()
	}()
	if interrupts != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-interrupts:
					session.StopChat()
					session.StopAudio()
				case <-stopWatch:
					return
				}
			}
		}()
	}

	fmt.Fprintf(out, "English tutor connected to %s\n", cfg.BaseURL)
	printHelp(out)

	scanner := bufio.NewScanner(in)
	state := chatRuntime{session: session}
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(out)
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch line {
		case "/exit", "/quit":
			session.StopAudio()
			fmt.Fprintln(out, "bye")
			return nil
		}

		if strings.HasPrefix(line, "/") {
			if handled, err := handleSlashCommand(ctx, line, &state, cfg, out, errOut); err != nil {
				return err
			} else if handled {
				continue
			}
			fmt.Fprintf(errOut, "unknown command %s (try /help)\n", line)
			continue
		}

		turnCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		printer := &streamPrinter{out: out}
		reply, err := session.SendChat(turnCtx, line, printer.update)
		cancel()
		fmt.Fprintln(out)
		if reply != nil && reply.Text != "" {
			state.lastReply = strings.TrimSuffix(reply.Text, tutor.StoppedSuffix)
			state.replies++
		}
		if err != nil {
			fmt.Fprintf(errOut, "chat error: %v\n", err)
		}
	}
}

func main() {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "tutor-chat: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseChatConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tutor-chat: %v\n", err)
		os.Exit(1)
	}

	var player tutor.Player
	if !cfg.NoAudio {
		p, err := newFFplayWAVPlayer()
		if err != nil {
			fmt.Fprintf(os.Stderr, "tutor-chat: %v; audio disabled\n", err)
		} else {
			player = p
		}
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	if err := runChatbot(context.Background(), cfg, player, interrupts, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "tutor-chat: %v\n", err)
		os.Exit(1)
	}
}
