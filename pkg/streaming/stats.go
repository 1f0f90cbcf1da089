package streaming

import (
	"sync"
	"time"
)

// Observer receives ingestion events as they happen. Implementations must be
// safe for concurrent use; the prometheus exporter is one.
type Observer interface {
	BatchSent(rows, bytes int)
	AppendFailed(kind FailureKind)
	OffsetCommitted(offset int64)
}

// Stats accumulates ingestion counters for one client instance. Counters only
// reset by constructing a new client.
type Stats struct {
	mu          sync.Mutex
	rowsSent    int64
	batchesSent int64
	bytesSent   int64
	errors      int64
	warnings    int64
	startTime   time.Time
}

func newStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) recordBatch(rows, bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rowsSent += int64(rows)
	s.batchesSent++
	s.bytesSent += int64(bytes)
}

func (s *Stats) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

func (s *Stats) recordWarning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings++
}

// Snapshot is a point-in-time read of the counters.
type Snapshot struct {
	RowsSent    int64
	BatchesSent int64
	BytesSent   int64
	Errors      int64
	Warnings    int64
	Elapsed     time.Duration
	RowsPerSec  float64
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.startTime)
	snap := Snapshot{
		RowsSent:    s.rowsSent,
		BatchesSent: s.batchesSent,
		BytesSent:   s.bytesSent,
		Errors:      s.errors,
		Warnings:    s.warnings,
		Elapsed:     elapsed,
	}
	if seconds := elapsed.Seconds(); seconds > 0 {
		snap.RowsPerSec = float64(s.rowsSent) / seconds
	}
	return snap
}
