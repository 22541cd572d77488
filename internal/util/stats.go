package util

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide call/signaling counter.
var Stats = &stats{}

type stats struct {
	CallsStarted       atomic.Int64 // outgoing offers sent
	CallsAnswered      atomic.Int64 // answers sent after local acceptance
	CallsConnected     atomic.Int64 // attempts that reached InCall
	CallsEnded         atomic.Int64 // teardowns, local or remote
	PromptsInterrupted atomic.Int64 // accept prompts abandoned by a newer command
	SignalsProcessed   atomic.Int64 // signaling records consumed in serial order
	SignalsMalformed   atomic.Int64 // records that failed to decode
	CandidatesSent     atomic.Int64 // candidates written to the trickle channel
	CandidatesRecv     atomic.Int64 // candidates read from the trickle channel
	MediaBytesRecv     atomic.Int64 // RTP payload bytes from remote tracks
}

func (s *stats) AddStarted()             { s.CallsStarted.Add(1) }
func (s *stats) AddAnswered()            { s.CallsAnswered.Add(1) }
func (s *stats) AddConnected()           { s.CallsConnected.Add(1) }
func (s *stats) AddEnded()               { s.CallsEnded.Add(1) }
func (s *stats) AddInterrupted()         { s.PromptsInterrupted.Add(1) }
func (s *stats) AddProcessed()           { s.SignalsProcessed.Add(1) }
func (s *stats) AddMalformed()           { s.SignalsMalformed.Add(1) }
func (s *stats) AddCandidatesSent(n int) { s.CandidatesSent.Add(int64(n)) }
func (s *stats) AddCandidateRecv()       { s.CandidatesRecv.Add(1) }
func (s *stats) AddMediaRecv(n int)      { s.MediaBytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Prometheus export
// ──────────────────────────────────────────────────────────────────────────────

// Registry holds the process metrics. A private registry keeps the Go runtime
// collectors out of the exported set.
var Registry = prometheus.NewRegistry()

func init() {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "peercall",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	Registry.MustRegister(
		counter("calls_started_total", "Outgoing offers sent.", &Stats.CallsStarted),
		counter("calls_answered_total", "Answers sent after local acceptance.", &Stats.CallsAnswered),
		counter("calls_connected_total", "Attempts that received remote media.", &Stats.CallsConnected),
		counter("calls_ended_total", "Call teardowns.", &Stats.CallsEnded),
		counter("prompts_interrupted_total", "Accept prompts abandoned by a newer command.", &Stats.PromptsInterrupted),
		counter("signals_processed_total", "Signaling records consumed.", &Stats.SignalsProcessed),
		counter("signals_malformed_total", "Signaling records that failed to decode.", &Stats.SignalsMalformed),
		counter("candidates_sent_total", "ICE candidates written to the trickle channel.", &Stats.CandidatesSent),
		counter("candidates_received_total", "ICE candidates read from the trickle channel.", &Stats.CandidatesRecv),
		counter("media_received_bytes_total", "RTP payload bytes received.", &Stats.MediaBytesRecv),
	)
}

// MetricsHandler serves Registry in the Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevMedia, prevSignals int64
		for {
			select {
			case <-ticker.C:
				media := Stats.MediaBytesRecv.Load()
				signals := Stats.SignalsProcessed.Load()

				inS := float64(media-prevMedia) / 10.0
				sig := signals - prevSignals

				if sig > 0 || inS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, sig, Stats.CallsConnected.Load(), Stats.CallsEnded.Load()))
				}

				prevMedia = media
				prevSignals = signals

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(mediaIn float64, signals, connected, ended int64) string {
	return fmt.Sprintf("Media: %s/s | Signals: %3d | Calls: %2d✓ %2d✕",
		formatBytes(mediaIn),
		signals,
		connected,
		ended,
	)
}
