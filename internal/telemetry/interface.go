package telemetry

import (
	"context"
	"time"
)

// Recorder defines the core domain interface
type Recorder interface {
	Record(ctx context.Context, row *SnapshotRow) error
	Close() error
}

// SnapshotRow is one recorded emulation snapshot.
type SnapshotRow struct {
	Timestamp      time.Time
	SessionID      string
	JunctionTempC  float64
	AvgRateMHS     float64
	Accepted       uint64
	Rejected       uint64
	HardwareErrors uint64
	ErrorRate      float64
	SilencedUnit   int
	Profile        string
	PowerLimitW    int
	FanPercent     int
}
