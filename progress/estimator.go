// Package progress estimates how far a download has got without any help
// from the fetch tool: it compares the size of the task's artifacts on disk
// with the total the probe predicted before the download started.
//
// Both numbers are best-effort. The total is an estimate (declared size, or
// bitrate times duration) and may be missing; the current size reflects the
// last flush to disk, not what has been received from the network.
package progress

import (
	"time"

	"mediafetchd/artifact"
)

type Snapshot struct {
	CurrentBytes int64    `json:"currentBytes"`
	TotalBytes   int64    `json:"totalBytes"`
	Percent      *float64 `json:"percent"`
}

type Estimator struct {
	store *artifact.Store
}

func NewEstimator(store *artifact.Store) *Estimator {
	return &Estimator{store: store}
}

// Measure polls the filesystem for the task's artifacts.
func (e *Estimator) Measure(taskID string, totalBytes int64) (Snapshot, error) {
	current, err := e.store.Size(taskID)
	if err != nil {
		return Snapshot{TotalBytes: totalBytes}, err
	}
	return Snapshot{
		CurrentBytes: current,
		TotalBytes:   totalBytes,
		Percent:      Percent(current, totalBytes),
	}, nil
}

// Percent is nil when the total is unknown.
func Percent(current, total int64) *float64 {
	if total <= 0 {
		return nil
	}
	p := float64(current) / float64(total) * 100
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return &p
}

// Meter turns successive byte counts into a transfer rate.
type Meter struct {
	lastBytes int64
	lastAt    time.Time
}

// Sample records bytes observed at now and returns bytes per second since the
// previous sample. The first sample, and any sample where the count went
// backwards (artifact finalized or replaced), yields 0.
func (m *Meter) Sample(bytes int64, now time.Time) int64 {
	defer func() {
		m.lastBytes = bytes
		m.lastAt = now
	}()
	if m.lastAt.IsZero() || bytes < m.lastBytes {
		return 0
	}
	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(bytes-m.lastBytes) / elapsed)
}
