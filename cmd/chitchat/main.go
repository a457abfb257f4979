// Command chitchat is the CLI entry point.
//
// An anonymous one-to-one chat client. A matchmaking relay pairs two users;
// messages then travel over a WebRTC DataChannel, falling back to the relay
// until the channel opens.
//
// It runs an interactive menu by default, or reads line commands from stdin
// with --plain.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/chitchat/internal/app"
	"github.com/1ureka/chitchat/internal/config"
	"github.com/1ureka/chitchat/internal/session"
	"github.com/1ureka/chitchat/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var (
		configPath string
		signalURL  string
		stunURLs   string
		filters    map[string]string
		debugMode  bool
		loopback   bool
		plain      bool
		autoStart  bool
	)

	flagSet := pflag.NewFlagSet("chitchat", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVarP(&signalURL, "url", "u", "", "signaling relay URL (e.g. wss://chat.example.com/ws)")
	flagSet.StringVar(&stunURLs, "stun", "", "comma-separated STUN URLs, replacing the configured ICE servers")
	flagSet.StringToStringVar(&filters, "filter", nil, "matchmaking filter key=value (repeatable)")
	flagSet.BoolVar(&debugMode, "debug", false, "enable debug logging")
	flagSet.BoolVar(&loopback, "loopback", false, "offer loopback ICE candidates (local testing)")
	flagSet.BoolVar(&plain, "plain", false, "read line commands from stdin instead of the interactive menu")
	flagSet.BoolVar(&autoStart, "start", false, "join the queue right after connecting")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("url") {
		cfg.SignalingURL = signalURL
	}
	if flagSet.Changed("stun") {
		if err := cfg.SetSTUNURLs(stunURLs); err != nil {
			return fmt.Errorf("--stun: %w", err)
		}
	}
	for k, v := range filters {
		if cfg.Filters == nil {
			cfg.Filters = map[string]string{}
		}
		cfg.Filters[k] = v
	}
	if flagSet.Changed("loopback") {
		cfg.IncludeLoopback = loopback
	}
	if debugMode {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Chitchat — v%s", version))
	pterm.Println()

	intents := make(chan app.Intent, 8)
	if autoStart {
		intents <- app.Intent{Kind: app.IntentStart}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer close(intents)
		if plain {
			readCommands(ctx, os.Stdin, intents)
		} else {
			runMenu(ctx, intents)
		}
	}()

	err = app.Run(ctx, cfg, intents, renderNotice)
	cancel()
	if err != nil {
		return err
	}

	util.LogInfo("disconnected")
	return nil
}

// ---------------------------------------------------------------------------
// Shells
// ---------------------------------------------------------------------------

const (
	menuStart  = "Start   — Join the queue"
	menuSend   = "Send    — Message your peer"
	menuNext   = "Next    — Skip to a new peer"
	menuLeave  = "Leave   — Leave the queue or chat"
	menuReport = "Report  — Report your peer"
	menuQuit   = "Quit"
)

// runMenu loops over the interactive action menu until quit or ctx ends.
func runMenu(ctx context.Context, intents chan<- app.Intent) {
	for ctx.Err() == nil {
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions([]string{menuStart, menuSend, menuNext, menuLeave, menuReport, menuQuit}).
			WithDefaultText("Select an action").
			Show()
		if err != nil || choice == menuQuit {
			return
		}

		var in app.Intent
		switch choice {
		case menuStart:
			in.Kind = app.IntentStart
		case menuSend:
			in.Kind = app.IntentSend
			in.Text, _ = pterm.DefaultInteractiveTextInput.WithDefaultText("Message").Show()
		case menuNext:
			in.Kind = app.IntentNext
		case menuLeave:
			in.Kind = app.IntentLeave
		case menuReport:
			in.Kind = app.IntentReport
			in.Text, _ = pterm.DefaultInteractiveTextInput.WithDefaultText("Reason (optional)").Show()
		}

		if !send(ctx, intents, in) {
			return
		}
	}
}

// readCommands maps stdin lines to intents: /start, /next, /leave,
// /report [reason] and /quit; any other line is sent as chat text.
func readCommands(ctx context.Context, r io.Reader, intents chan<- app.Intent) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		in, quit := parseCommand(line)
		if quit {
			return
		}
		if !send(ctx, intents, in) {
			return
		}
	}
}

func parseCommand(line string) (app.Intent, bool) {
	if !strings.HasPrefix(line, "/") {
		return app.Intent{Kind: app.IntentSend, Text: line}, false
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	switch cmd {
	case "quit", "exit":
		return app.Intent{}, true
	case "start":
		return app.Intent{Kind: app.IntentStart}, false
	case "next":
		return app.Intent{Kind: app.IntentNext}, false
	case "leave":
		return app.Intent{Kind: app.IntentLeave}, false
	case "report":
		return app.Intent{Kind: app.IntentReport, Text: strings.TrimSpace(arg)}, false
	default:
		return app.Intent{Kind: app.IntentSend, Text: line}, false
	}
}

func send(ctx context.Context, intents chan<- app.Intent, in app.Intent) bool {
	select {
	case intents <- in:
		return true
	case <-ctx.Done():
		return false
	}
}

// renderNotice prints one controller notice.
func renderNotice(n session.Notice) {
	switch n.Kind {
	case session.NoticeStatus:
		pterm.Info.Println("status: " + n.Text)
	case session.NoticeChannel:
		pterm.Info.Println("datachannel: " + n.Text)
	case session.NoticePeer:
		pterm.DefaultBasicText.Println(pterm.LightCyan("peer: ") + n.Text)
	case session.NoticeRelay:
		pterm.DefaultBasicText.Println(pterm.LightMagenta("peer (relay): ") + n.Text)
	case session.NoticeSelf:
		pterm.DefaultBasicText.Println(pterm.LightGreen("me: ") + n.Text)
	case session.NoticeError:
		pterm.Warning.Println(n.Text)
	default:
		pterm.Println(pterm.Gray(n.Text))
	}
}
