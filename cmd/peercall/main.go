// Peercall: CLI entry point.
//
// This tool places and answers one-to-one audio/video calls over WebRTC. Call
// setup goes through a relay that keeps an ordered log of signaling updates;
// ICE candidates then travel over the call's own data channel.
//
// Run it as a peer (the default) or as the relay (--role relay). Without
// --relay, a peer asks for the relay URL interactively.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/peercall/internal/app"
	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Peercall v%s", version))
	pterm.Println()

	switch cfg.Role {
	case config.RoleRelay:
		err = app.RunRelay(ctx, cfg)

	default:
		if cfg.RelayURL == "" {
			if cfg.Headless {
				util.LogError("missing --relay (required with --headless)")
				os.Exit(1)
			}
			cfg.RelayURL = askRelayURL(cfg.Transport)
		}
		err = app.RunPeer(ctx, cfg)
	}

	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("bye")
}

// askRelayURL prompts the user for a valid relay URL until one is entered.
func askRelayURL(t config.Transport) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. wss://relay.example.com)").
			Show()

		relayURL, err := config.NormalizeRelayURL(raw, t)
		if err == nil {
			pterm.Println()
			return relayURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
