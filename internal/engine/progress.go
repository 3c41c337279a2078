package engine

import (
	"time"

	"beam/internal/sessionstore"
)

// tracker accumulates transfer telemetry between snapshots. The remaining
// time estimate is the plain bytes/elapsed average projected over what is
// left.
type tracker struct {
	started time.Time
	bytes   uint64
}

func newTracker() *tracker {
	return &tracker{started: time.Now()}
}

func (t *tracker) add(n int) {
	t.bytes += uint64(n)
}

func (t *tracker) snapshot(sessionID, fileName string, fileSize uint64, current, total int) sessionstore.Snapshot {
	now := time.Now()
	elapsed := now.Sub(t.started).Seconds()

	var percent float64 = 100
	if total > 0 {
		percent = float64(current) / float64(total) * 100
	}

	var speed float64
	if elapsed > 0 {
		speed = float64(t.bytes) / elapsed
	}

	var etaMs int64
	if speed > 0 && fileSize > t.bytes {
		etaMs = int64(float64(fileSize-t.bytes) / speed * 1000)
	}

	return sessionstore.Snapshot{
		SessionID:        sessionID,
		FileName:         fileName,
		FileSize:         fileSize,
		CurrentChunk:     current,
		TotalChunks:      total,
		PercentComplete:  percent,
		TransferSpeed:    speed,
		EstimatedTimeMs:  etaMs,
		BytesTransferred: t.bytes,
		StartedTime:      t.started,
		UpdatedTime:      now,
	}
}
