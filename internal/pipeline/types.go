package pipeline

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/keagan/scintillate/internal/export"
	"github.com/keagan/scintillate/internal/ffmpeg"
	"github.com/keagan/scintillate/internal/peaks"
	"github.com/keagan/scintillate/internal/sampler"
)

// Result is the outcome of one analysis run.
type Result struct {
	RunID     uuid.UUID
	Source    string
	FrameRate float64
	Signal    *sampler.Signal
	Threshold float64
	Peaks     []peaks.Event
	Elapsed   time.Duration

	// Video is set when the source was decoded with ffmpeg.
	Video *ffmpeg.VideoInfo
	// Snapshots lists the still images written for each peak, in peak order.
	Snapshots []string
}

// SourceName identifies the source in exported records.
func (r *Result) SourceName() string {
	return filepath.Base(r.Source)
}

// Records returns one export row per peak.
func (r *Result) Records() []export.PeakRecord {
	return export.Records(r.SourceName(), r.Peaks)
}

// Truncated reports whether the source failed before its natural end.
func (r *Result) Truncated() bool {
	return r.Signal != nil && r.Signal.Truncated
}
