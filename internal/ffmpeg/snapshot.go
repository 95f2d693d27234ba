package ffmpeg

import (
	"context"
	"fmt"
	"time"

	"github.com/keagan/scintillate/pkg/util"
)

// ExtractFrame writes the frame shown at timestamp as a still image. The
// output format follows the extension of output (.jpg, .png).
func (e *Executor) ExtractFrame(ctx context.Context, input, output string, timestamp time.Duration, progressFunc ProgressFunc) error {
	if input == "" {
		return fmt.Errorf("input path is required")
	}
	if output == "" {
		return fmt.Errorf("output path is required")
	}

	e.logger.Debug().
		Str("input", input).
		Str("output", output).
		Dur("timestamp", timestamp).
		Msg("extracting frame")

	args := []string{
		"-ss", util.FormatDuration(timestamp),
		"-i", input,
		"-frames:v", "1",
		"-q:v", "2", // high quality JPEG
		output,
	}

	opts := RunOptions{
		Args:            args,
		ProgressHandler: progressFunc,
		LogHandler: func(line string) {
			e.logger.Trace().Str("ffmpeg", line).Msg("frame extraction")
		},
	}

	if err := e.Run(ctx, opts); err != nil {
		return fmt.Errorf("failed to extract frame at %s: %w", util.FormatDuration(timestamp), err)
	}
	return nil
}
