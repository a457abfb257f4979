package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide chat counter.
var Stats = &stats{}

type stats struct {
	Matches      atomic.Int64 // sessions created since process start
	MessagesSent atomic.Int64 // text frames written to a DataChannel
	MessagesRecv atomic.Int64 // text frames read from a DataChannel
	Relayed      atomic.Int64 // text sent through the signaling relay instead
	BytesSent    atomic.Int64
	BytesRecv    atomic.Int64
}

func (s *stats) AddMatch() { s.Matches.Add(1) }
func (s *stats) AddRelayed() { s.Relayed.Add(1) }

func (s *stats) AddSent(n int) {
	s.MessagesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.MessagesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// snapshot is a point-in-time copy of the counters.
type snapshot struct {
	matches, sent, recv, relayed, bytesSent, bytesRecv int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		matches:   s.Matches.Load(),
		sent:      s.MessagesSent.Load(),
		recv:      s.MessagesRecv.Load(),
		relayed:   s.Relayed.Load(),
		bytesSent: s.BytesSent.Load(),
		bytesRecv: s.BytesRecv.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs chat statistics every
// interval, skipping quiet periods. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur))
				}
				prev = cur

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

// formatStats describes the activity between two snapshots.
func formatStats(prev, cur snapshot) string {
	return fmt.Sprintf("Matches: %d | Msg: %2d↑ %2d↓ (%d relayed) | Bytes: %s↑ %s↓",
		cur.matches,
		cur.sent-prev.sent,
		cur.recv-prev.recv,
		cur.relayed-prev.relayed,
		formatBytes(float64(cur.bytesSent-prev.bytesSent)),
		formatBytes(float64(cur.bytesRecv-prev.bytesRecv)),
	)
}
