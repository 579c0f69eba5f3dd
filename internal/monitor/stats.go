package monitor

import "sync/atomic"

// Stats counts the monitor's work since start. Counters are atomic so the
// status reporter can read them off the monitor goroutine.
type Stats struct {
	FramesRead    atomic.Int64
	FramesSkipped atomic.Int64
	PagesSkipped  atomic.Int64
	CellsSkipped  atomic.Int64
	Events        atomic.Int64
	Reseeds       atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	FramesRead    int64
	FramesSkipped int64
	PagesSkipped  int64
	CellsSkipped  int64
	Events        int64
	Reseeds       int64
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FramesRead:    s.FramesRead.Load(),
		FramesSkipped: s.FramesSkipped.Load(),
		PagesSkipped:  s.PagesSkipped.Load(),
		CellsSkipped:  s.CellsSkipped.Load(),
		Events:        s.Events.Load(),
		Reseeds:       s.Reseeds.Load(),
	}
}
