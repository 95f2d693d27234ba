// Package pipeline runs sampling and peak detection end to end, over a
// decoded video, an image sequence or an already exported signal.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/keagan/scintillate/internal/config"
	"github.com/keagan/scintillate/internal/ffmpeg"
	"github.com/keagan/scintillate/internal/frames"
	"github.com/keagan/scintillate/internal/peaks"
	"github.com/keagan/scintillate/internal/sampler"
	"github.com/keagan/scintillate/pkg/util"
	"github.com/rs/zerolog"
)

// Analyzer composes the sampler and the detector over any frame source.
// It holds no per-run state.
type Analyzer struct {
	logger   zerolog.Logger
	sampling sampler.Options
	detector *peaks.Detector
}

// NewAnalyzer validates both parameter sets.
func NewAnalyzer(logger zerolog.Logger, sampling sampler.Options, detection peaks.Config) (*Analyzer, error) {
	if _, err := sampler.ParseReduction(string(sampling.Reduction)); err != nil {
		return nil, err
	}
	det, err := peaks.NewDetector(detection)
	if err != nil {
		return nil, fmt.Errorf("detection: %w", err)
	}
	return &Analyzer{
		logger:   logger.With().Str("component", "analyzer").Logger(),
		sampling: sampling,
		detector: det,
	}, nil
}

// Run samples src and detects peaks in the resulting signal.
//
// An invalid frame rate aborts with no Result. A source that fails mid-stream
// still yields a Result over the frames read so far, flagged Truncated. When
// no samples were gathered at all, the Result is returned together with
// peaks.ErrEmptySequence, joined with the source's read error if it had one.
func (a *Analyzer) Run(source string, src frames.Source) (*Result, error) {
	start := time.Now()

	a.logger.Info().Str("source", source).Msg("sampling frames")

	sig, err := sampler.Collect(a.logger, src, a.sampling)
	if err != nil {
		return nil, fmt.Errorf("sampling %s: %w", source, err)
	}

	res, err := a.detect(source, sig)
	res.Elapsed = time.Since(start)
	return res, err
}

// Detect runs detection alone over a signal loaded from elsewhere.
func (a *Analyzer) Detect(source string, sig *sampler.Signal) (*Result, error) {
	start := time.Now()
	res, err := a.detect(source, sig)
	res.Elapsed = time.Since(start)
	return res, err
}

func (a *Analyzer) detect(source string, sig *sampler.Signal) (*Result, error) {
	res := &Result{
		RunID:     uuid.New(),
		Source:    source,
		FrameRate: sig.FrameRate,
		Signal:    sig,
		Peaks:     []peaks.Event{},
	}

	if sig.Len() == 0 {
		err := fmt.Errorf("detecting peaks in %s: %w", source, peaks.ErrEmptySequence)
		if sig.ReadErr != nil {
			// the source failed before its first frame
			err = errors.Join(err, sig.ReadErr)
		}
		return res, err
	}

	res.Threshold = a.detector.Threshold(sig.Intensities)

	events, err := a.detector.Detect(sig.Intensities, sig.Timestamps)
	if err != nil {
		return res, fmt.Errorf("detecting peaks in %s: %w", source, err)
	}
	res.Peaks = events

	a.logger.Info().
		Str("source", source).
		Int("samples", sig.Len()).
		Float64("threshold", res.Threshold).
		Int("peaks", len(events)).
		Bool("truncated", sig.Truncated).
		Msg("detection complete")

	return res, nil
}

// Pipeline wires configuration, ffmpeg decoding and the Analyzer together.
type Pipeline struct {
	logger   zerolog.Logger
	cfg      *config.Config
	analyzer *Analyzer
	ffmpeg   *ffmpeg.Executor
}

// New creates a pipeline from application config. ffmpeg is located on
// first use so image sequences and signal files work without it.
func New(logger zerolog.Logger, cfg *config.Config) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	red, err := sampler.ParseReduction(cfg.Sampling.Reduction)
	if err != nil {
		return nil, err
	}

	analyzer, err := NewAnalyzer(logger, sampler.Options{
		Reduction: red,
		FrameRate: cfg.Sampling.FrameRate,
	}, cfg.Detection.Peaks())
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		logger:   logger.With().Str("component", "pipeline").Logger(),
		cfg:      cfg,
		analyzer: analyzer,
	}, nil
}

// Analyzer returns the analyzer built from the pipeline's config.
func (p *Pipeline) Analyzer() *Analyzer {
	return p.analyzer
}

// Executor returns the ffmpeg executor, locating the binaries on first call.
func (p *Pipeline) Executor() (*ffmpeg.Executor, error) {
	if p.ffmpeg != nil {
		return p.ffmpeg, nil
	}

	ff, err := ffmpeg.New(p.logger, ffmpeg.ExecutorOptions{
		FFmpegPath:  p.cfg.FFmpeg.BinaryPath,
		FFprobePath: p.cfg.FFmpeg.ProbePath,
		Threads:     p.cfg.FFmpeg.Threads,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ffmpeg: %w", err)
	}
	ffmpegPath, ffprobePath := ff.Paths()
	p.logger.Debug().
		Str("ffmpeg", ffmpegPath).
		Str("ffprobe", ffprobePath).
		Msg("ffmpeg located")

	p.ffmpeg = ff
	return ff, nil
}

// Probe returns the metadata of a video file.
func (p *Pipeline) Probe(ctx context.Context, input string) (*ffmpeg.VideoInfo, error) {
	ff, err := p.Executor()
	if err != nil {
		return nil, err
	}
	return ff.ProbeVideo(ctx, input)
}

// Analyze decodes a video file and analyzes it. A directory is treated as an
// image sequence.
func (p *Pipeline) Analyze(ctx context.Context, input string) (*Result, error) {
	if input == "" {
		return nil, fmt.Errorf("input path cannot be empty")
	}
	if util.IsDir(input) {
		return p.AnalyzeImageDir(input)
	}

	ff, err := p.Executor()
	if err != nil {
		return nil, err
	}

	info, err := ff.ProbeVideo(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to probe video: %w", err)
	}

	p.logger.Info().
		Str("input", input).
		Dur("duration", info.Duration).
		Int("width", info.Width).
		Int("height", info.Height).
		Float64("fps", info.FPS).
		Int("frames", info.FrameCount).
		Msg("video metadata extracted")

	// Reject a bad rate before ffmpeg is started.
	rate := info.FPS
	if p.cfg.Sampling.FrameRate > 0 {
		rate = p.cfg.Sampling.FrameRate
	}
	if !sampler.ValidFrameRate(rate) {
		return nil, fmt.Errorf("sampling %s: %w: %v", input, sampler.ErrInvalidFrameRate, rate)
	}

	reader, err := ff.OpenFrames(ctx, info, ffmpeg.FrameOptions{
		ROI:        p.cfg.Sampling.ROI.Rect(),
		ScaleWidth: p.cfg.Sampling.DownscaleWidth,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open frames: %w", err)
	}
	defer reader.Close()

	w, h := reader.Size()
	p.logger.Debug().Int("width", w).Int("height", h).Msg("decoding frames")

	res, err := p.analyzer.Run(input, reader)
	if res != nil {
		res.Video = info
	}
	return res, err
}

// AnalyzeImageDir analyzes a directory of numbered still images. The frame
// rate must come from sampling.frame_rate.
func (p *Pipeline) AnalyzeImageDir(dir string) (*Result, error) {
	src, err := frames.OpenImageDir(p.logger, dir, frames.ImageDirOptions{
		Rate:           p.cfg.Sampling.FrameRate,
		ROI:            p.cfg.Sampling.ROI.Rect(),
		DownscaleWidth: uint(p.cfg.Sampling.DownscaleWidth),
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("dir", dir).
		Int("frames", src.Len()).
		Msg("image sequence opened")

	return p.analyzer.Run(dir, src)
}

// Snapshots writes one still per peak of res into dir, named after the
// source and the peak ordinal. It needs the original video.
func (p *Pipeline) Snapshots(ctx context.Context, res *Result, dir string) ([]string, error) {
	if res.Video == nil {
		return nil, fmt.Errorf("snapshots need a video source, %s is not one", res.Source)
	}
	ff, err := p.Executor()
	if err != nil {
		return nil, err
	}
	if err := util.EnsureDir(dir); err != nil {
		return nil, err
	}

	base := util.BaseName(res.Source)
	var errs []error
	paths := make([]string, 0, len(res.Peaks))

	for _, ev := range res.Peaks {
		out := filepath.Join(dir, fmt.Sprintf("%s_flash_%03d.png", base, ev.Ordinal))
		if err := ff.ExtractFrame(ctx, res.Source, out, util.Seconds(ev.Timestamp), nil); err != nil {
			p.logger.Warn().Err(err).Int("ordinal", ev.Ordinal).Msg("snapshot failed")
			errs = append(errs, err)
			continue
		}
		paths = append(paths, out)
	}

	res.Snapshots = paths
	p.logger.Info().Int("written", len(paths)).Str("dir", dir).Msg("snapshots extracted")
	return paths, errors.Join(errs...)
}
