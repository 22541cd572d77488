package app

import (
	"context"
	"fmt"

	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/relay"
	"github.com/1ureka/peercall/internal/util"
)

// RunRelay hosts the signaling log until ctx is cancelled.
func RunRelay(ctx context.Context, cfg config.Config) error {
	srv := relay.NewServer(nil)
	addr, err := srv.Start(ctx, cfg.Listen)
	if err != nil {
		return err
	}
	defer srv.Close()

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║             Signaling Relay              ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  WebSocket : ws://%-22s ║\n", addr+"/ws")
	fmt.Printf("║  SSE       : http://%-20s ║\n", addr+"/events")
	fmt.Printf("║  Metrics   : http://%-20s ║\n", addr+"/metrics")
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Println()

	util.StartStatsReporter(ctx)
	<-ctx.Done()
	util.LogInfo("relay stopped")
	return nil
}
