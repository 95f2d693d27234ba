package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"

	"github.com/keagan/scintillate/internal/frames"
	"github.com/rs/zerolog"
)

// stderrTailLines bounds how much ffmpeg stderr is kept for error messages.
const stderrTailLines = 20

// FrameReader decodes a video into raw rgb24 frames through an ffmpeg pipe.
// It implements frames.Source and reuses a single frame buffer.
// Not safe for concurrent use.
type FrameReader struct {
	logger zerolog.Logger
	ctx    context.Context
	cmd    *exec.Cmd
	out    *bufio.Reader
	buf    []byte
	width  int
	height int
	rate   float64

	stderrDone chan struct{}
	tail       []string

	finished bool
	finalErr error
}

// FrameGeometry returns the frame size OpenFrames will produce for info and opts,
// together with the filter chain that produces it. The chain converts to
// rgb24 first so crop and scale work on whole pixels.
func FrameGeometry(info *VideoInfo, opts FrameOptions) (width, height int, filter string, err error) {
	if info.Width <= 0 || info.Height <= 0 {
		return 0, 0, "", fmt.Errorf("video %s reports no frame size", info.FilePath)
	}

	fb := NewFilterBuilder().Format(rawPixFmt)
	width, height = info.Width, info.Height

	if !opts.ROI.Empty() {
		r := opts.ROI.Intersect(image.Rect(0, 0, width, height))
		if r.Empty() {
			return 0, 0, "", fmt.Errorf("roi %v outside frame %dx%d", opts.ROI, width, height)
		}
		fb.Crop(r.Dx(), r.Dy(), r.Min.X, r.Min.Y)
		width, height = r.Dx(), r.Dy()
	}

	if opts.ScaleWidth > 0 && opts.ScaleWidth < width {
		h := (height*opts.ScaleWidth + width/2) / width
		if h < 1 {
			h = 1
		}
		width, height = opts.ScaleWidth, h
		fb.Scale(width, height)
	}

	return width, height, fb.Build(), nil
}

// OpenFrames starts decoding input. info must come from ProbeVideo on the same
// file; its FPS is reported as the source frame rate.
func (e *Executor) OpenFrames(ctx context.Context, info *VideoInfo, opts FrameOptions) (*FrameReader, error) {
	width, height, filter, err := FrameGeometry(info, opts)
	if err != nil {
		return nil, err
	}

	args := e.frameArgs(info.FilePath, filter)

	e.logger.Debug().
		Str("cmd", "ffmpeg").
		Strs("args", args).
		Int("width", width).
		Int("height", height).
		Msg("opening frame pipe")

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	size := width * height * rawChannels
	r := &FrameReader{
		logger:     e.logger,
		ctx:        ctx,
		cmd:        cmd,
		out:        bufio.NewReaderSize(stdout, size),
		buf:        make([]byte, size),
		width:      width,
		height:     height,
		rate:       info.FPS,
		stderrDone: make(chan struct{}),
	}
	go r.drainStderr(stderr)

	return r, nil
}

// frameArgs builds the decode command line. Rotation metadata is ignored so
// frames keep the stored size ffprobe reports.
func (e *Executor) frameArgs(input, filter string) []string {
	args := append(e.baseArgs("error"), "-noautorotate", "-i", input, "-an", "-sn", "-dn")
	if filter != "" {
		args = append(args, "-vf", filter)
	}
	return append(args,
		"-fps_mode", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", rawPixFmt,
		"pipe:1",
	)
}

func (r *FrameReader) drainStderr(stderr io.Reader) {
	defer close(r.stderrDone)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		r.logger.Debug().Str("stderr", line).Msg("frame pipe output")
		r.tail = append(r.tail, line)
		if len(r.tail) > stderrTailLines {
			r.tail = r.tail[1:]
		}
	}
}

// FrameRate returns the probed rate.
func (r *FrameReader) FrameRate() float64 {
	return r.rate
}

// Size returns the frame dimensions produced by the pipe.
func (r *FrameReader) Size() (width, height int) {
	return r.width, r.height
}

// Next reads one frame. It returns io.EOF only when ffmpeg ended cleanly on a
// frame boundary.
func (r *FrameReader) Next() (frames.Frame, error) {
	if r.finished {
		if r.finalErr != nil {
			return frames.Frame{}, r.finalErr
		}
		return frames.Frame{}, io.EOF
	}

	_, err := io.ReadFull(r.out, r.buf)
	switch {
	case err == nil:
		return frames.Frame{Width: r.width, Height: r.height, Channels: rawChannels, Pix: r.buf}, nil
	case errors.Is(err, io.EOF):
		r.finish(nil)
	case errors.Is(err, io.ErrUnexpectedEOF):
		r.finish(errors.New("stream ended mid-frame"))
	default:
		r.finish(err)
	}

	if r.finalErr != nil {
		return frames.Frame{}, r.finalErr
	}
	return frames.Frame{}, io.EOF
}

// finish reaps ffmpeg and records why the stream ended. readErr is the
// error seen on stdout, nil for a clean EOF.
func (r *FrameReader) finish(readErr error) {
	if r.finished {
		return
	}
	r.finished = true

	<-r.stderrDone
	waitErr := r.cmd.Wait()

	switch {
	case r.ctx.Err() != nil:
		r.finalErr = r.ctx.Err()
	case waitErr != nil:
		r.finalErr = fmt.Errorf("ffmpeg decode failed: %w%s", waitErr, r.stderrSummary())
	case readErr != nil:
		r.finalErr = fmt.Errorf("ffmpeg frame pipe: %w%s", readErr, r.stderrSummary())
	}
}

func (r *FrameReader) stderrSummary() string {
	if len(r.tail) == 0 {
		return ""
	}
	return ": " + strings.Join(r.tail, "; ")
}

// Close stops ffmpeg if it is still running. It is safe to call more than once.
func (r *FrameReader) Close() error {
	if r.finished {
		return nil
	}
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	r.finished = true
	<-r.stderrDone
	_ = r.cmd.Wait()
	r.finalErr = errors.New("frame reader closed")
	return nil
}
