// Package app contains the top-level orchestration for the peer and relay
// roles.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/peercall/internal/call"
	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/store"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/util"
)

const (
	optStart  = "Start a call"
	optAccept = "Accept incoming call"
	optEnd    = "End call"
	optQuit   = "Quit"
)

// RunPeer orchestrates the peer lifecycle:
//  1. Open the relay adapter and the serial store
//  2. Build the call machine around a pion-backed connection factory
//  3. Consume the relay log into the machine
//  4. Drive Start/Accept/End from the menu until shutdown
func RunPeer(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── 1. Relay adapter & store ───────────────────────────────────────
	adapter, err := newAdapter(cfg)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	iceSource, err := cfg.ICESource(&http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return fmt.Errorf("ice servers: %w", err)
	}

	mediaSource, err := newMediaSource(cfg.Media)
	if err != nil {
		return err
	}

	api, err := transport.NewAPI()
	if err != nil {
		return err
	}

	// ── 2. Call machine ────────────────────────────────────────────────
	client := signaling.NewClient(adapter, cfg.PeerID)
	m := call.NewMachine(call.Options{
		Signal: client,
		NewConn: func(ctx context.Context, servers []webrtc.ICEServer) (call.Conn, error) {
			t, err := transport.NewTransport(ctx, api, transport.Options{ICEServers: servers, RelayOnly: cfg.RelayOnly})
			if err != nil {
				return nil, err
			}
			return t, nil
		},
		ICE:          iceSource,
		Media:        mediaSource,
		EagerMedia:   cfg.EagerMedia,
		AutoAccept:   cfg.AutoAccept,
		StallWarning: cfg.StallWarning,
		OnStateChange: func(s call.State) {
			if s == call.InCall {
				util.LogSuccess("connected, media is flowing")
			}
		},
		OnIncomingCall: func(from string, token *call.AcceptToken) {
			util.LogSuccess("incoming call from %s, choose %q to answer", from, optAccept)
			go watchPrompt(ctx, from, token)
		},
		OnRemoteStream: func(*media.RemoteStream) {
			util.LogInfo("receiving remote media")
		},
	})

	machineDone := make(chan error, 1)
	go func() { machineDone <- m.Run(ctx) }()

	// ── 3. Consume the relay log ───────────────────────────────────────
	consumer := signaling.NewConsumer(adapter, st, m.Dispatch)
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			util.LogError("relay stream stopped: %v", err)
			cancel()
		}
	}()

	if cfg.Metrics != "" {
		if err := serveMetrics(ctx, cfg.Metrics); err != nil {
			return err
		}
	}
	util.StartStatsReporter(ctx)

	util.LogInfo("peer %s on %s (%s)", cfg.PeerID, cfg.RelayURL, cfg.Transport)

	// ── 4. Menu ────────────────────────────────────────────────────────
	if !cfg.Headless {
		go func() {
			runMenu(ctx, m)
			cancel()
		}()
	}

	<-ctx.Done()
	<-machineDone
	return nil
}

// runMenu shows the action menu until the user quits or ctx ends.
func runMenu(ctx context.Context, m *call.Machine) {
	for ctx.Err() == nil {
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions([]string{optStart, optAccept, optEnd, optQuit}).
			WithDefaultText(fmt.Sprintf("Call state: %s", m.State())).
			Show()
		if err != nil {
			util.LogError("menu: %v", err)
			return
		}

		switch choice {
		case optStart:
			m.Start()
		case optAccept:
			m.Accept()
		case optEnd:
			m.End()
		case optQuit:
			m.End()
			return
		}
	}
}

// watchPrompt reports an incoming call that was withdrawn or replaced before
// the user answered.
func watchPrompt(ctx context.Context, from string, token *call.AcceptToken) {
	outcome, err := token.Wait(ctx)
	if err != nil {
		return
	}
	if outcome == call.Interrupted {
		util.LogWarning("call from %s is no longer available", from)
	}
}

func newAdapter(cfg config.Config) (signaling.Adapter, error) {
	if cfg.RelayURL == "" {
		return nil, errors.New("missing relay URL")
	}
	switch cfg.Transport {
	case config.TransportSSE:
		return signaling.NewSSE(cfg.RelayURL, &http.Client{}), nil
	default:
		return signaling.NewWS(cfg.RelayURL), nil
	}
}

// openStore returns the serial store and its release function.
func openStore(cfg config.Config) (store.SerialStore, func(), error) {
	if cfg.StatePath == "" {
		return store.NewMemory(0), func() {}, nil
	}
	st, err := store.OpenSQLite(cfg.StatePath, cfg.PeerID)
	if err != nil {
		return nil, nil, err
	}
	return st, func() {
		if err := st.Close(); err != nil {
			util.LogWarning("close state: %v", err)
		}
	}, nil
}

func newMediaSource(kind config.MediaSource) (media.Source, error) {
	if kind == config.MediaDevices {
		return media.NewDeviceSource()
	}
	return media.Synthetic{}, nil
}

// serveMetrics exposes the Prometheus registry on addr until ctx ends.
func serveMetrics(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", util.MetricsHandler())
	srv := &http.Server{Handler: mux}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("metrics server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	util.LogInfo("metrics on http://%s/metrics", listener.Addr())
	return nil
}
