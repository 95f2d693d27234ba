package ffmpeg

import (
	"image"
	"time"
)

// VideoInfo contains metadata about a video file
type VideoInfo struct {
	FilePath   string
	Duration   time.Duration
	Width      int
	Height     int
	FPS        float64 // 0 when the container reports no usable rate
	FrameCount int     // 0 when unknown
	VideoCodec string
	PixFmt     string
}

// Progress represents ffmpeg progress data
type Progress struct {
	Frame int
	FPS   float64
	Time  string
	Speed string
}

// RunOptions configures ffmpeg execution
type RunOptions struct {
	Args            []string
	ProgressHandler func(*Progress)
	LogHandler      func(line string)
}

// ProgressFunc is a callback for progress updates during ffmpeg operations.
type ProgressFunc func(*Progress)

// FrameOptions shapes the raw frames handed to the sampler.
type FrameOptions struct {
	// ROI crops frames in source pixel coordinates. Zero keeps the full frame.
	ROI image.Rectangle
	// ScaleWidth downsizes frames to this width keeping aspect. 0 disables.
	ScaleWidth int
}

// rawPixFmt is the pixel format of the frame pipe; rawChannels is its
// sample count per pixel.
const (
	rawPixFmt   = "rgb24"
	rawChannels = 3
)
