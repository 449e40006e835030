package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Stats counts mux traffic process-wide: connection and channel lifecycles
// plus frames and payload bytes in each direction.
var Stats statsCounters

type statsCounters struct {
	Conns       atomic.Int64
	ClosedConns atomic.Int64
	Channels    atomic.Int64
	FramesSent  atomic.Int64
	FramesRecv  atomic.Int64
	BytesSent   atomic.Int64
	BytesRecv   atomic.Int64
}

func (s *statsCounters) AddConn()      { s.Conns.Add(1) }
func (s *statsCounters) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *statsCounters) AddChannel()   { s.Channels.Add(1) }
func (s *statsCounters) AddSent(n int) { s.FramesSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *statsCounters) AddRecv(n int) { s.FramesRecv.Add(1); s.BytesRecv.Add(int64(n)) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Conns       int64
	ClosedConns int64
	Channels    int64
	FramesSent  int64
	FramesRecv  int64
	BytesSent   int64
	BytesRecv   int64
}

// Snapshot reads all counters at once.
func (s *statsCounters) Snapshot() Snapshot {
	return Snapshot{
		Conns:       s.Conns.Load(),
		ClosedConns: s.ClosedConns.Load(),
		Channels:    s.Channels.Load(),
		FramesSent:  s.FramesSent.Load(),
		FramesRecv:  s.FramesRecv.Load(),
		BytesSent:   s.BytesSent.Load(),
		BytesRecv:   s.BytesRecv.Load(),
	}
}

// delta returns the per-field difference since an earlier snapshot.
func (cur Snapshot) delta(prev Snapshot) Snapshot {
	return Snapshot{
		Conns:       cur.Conns - prev.Conns,
		ClosedConns: cur.ClosedConns - prev.ClosedConns,
		Channels:    cur.Channels - prev.Channels,
		FramesSent:  cur.FramesSent - prev.FramesSent,
		FramesRecv:  cur.FramesRecv - prev.FramesRecv,
		BytesSent:   cur.BytesSent - prev.BytesSent,
		BytesRecv:   cur.BytesRecv - prev.BytesRecv,
	}
}

// quiet reports whether nothing worth logging happened in the interval.
func (d Snapshot) quiet() bool {
	return d.Conns == 0 && d.ClosedConns == 0 && d.Channels == 0 &&
		d.FramesSent == 0 && d.FramesRecv == 0
}

// StartStatsReporter launches a goroutine that logs a traffic summary at
// each interval in which something happened. It stops when ctx ends.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				d := cur.delta(prev)
				prev = cur
				if d.quiet() {
					continue
				}
				Infof("conns %d (+%d/−%d) · channels +%d · tx %d frames %s · rx %d frames %s",
					cur.Conns-cur.ClosedConns, d.Conns, d.ClosedConns, d.Channels,
					d.FramesSent, rate(d.BytesSent, interval),
					d.FramesRecv, rate(d.BytesRecv, interval))

			case <-ctx.Done():
				return
			}
		}
	}()
}

// rate renders a byte count over an interval as a per-second figure in the
// largest of B/s, KiB/s and MiB/s whose value is at least 1.
func rate(n int64, per time.Duration) string {
	bps := float64(n) / per.Seconds()
	switch {
	case bps >= 1<<20:
		return fmt.Sprintf("%.1f MiB/s", bps/(1<<20))
	case bps >= 1<<10:
		return fmt.Sprintf("%.1f KiB/s", bps/(1<<10))
	default:
		return fmt.Sprintf("%.0f B/s", bps)
	}
}
