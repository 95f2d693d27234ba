// Package sampler turns a frame source into a brightness-over-time signal:
// one scalar intensity per frame, stamped with index / frame rate.
package sampler

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/keagan/scintillate/internal/frames"
	"github.com/rs/zerolog"
)

// ErrInvalidFrameRate is returned when the frame rate is missing, non-positive
// or not finite. No samples are produced.
var ErrInvalidFrameRate = errors.New("invalid frame rate")

// SourceReadError records a mid-stream read failure. The sequence ends at the
// last good frame; it is reported on the Signal, not returned as a failure.
type SourceReadError struct {
	Frame int // index of the frame that could not be read
	Err   error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("frame %d: source read failed: %v", e.Frame, e.Err)
}

func (e *SourceReadError) Unwrap() error {
	return e.Err
}

// Reduction selects how a frame collapses to one brightness value.
type Reduction string

const (
	// ReduceMean averages every sample of every channel.
	ReduceMean Reduction = "mean"
	// ReduceLuma averages BT.601 luma over pixels (grayscale conversion).
	ReduceLuma Reduction = "luma"
)

// ParseReduction validates a reduction name. The empty string means ReduceMean.
func ParseReduction(s string) (Reduction, error) {
	switch Reduction(s) {
	case "", ReduceMean:
		return ReduceMean, nil
	case ReduceLuma:
		return ReduceLuma, nil
	}
	return "", fmt.Errorf("unknown reduction %q (want mean or luma)", s)
}

// Options configures sampling.
type Options struct {
	Reduction Reduction
	// FrameRate overrides the source's reported rate when > 0.
	FrameRate float64
}

// Sample is the brightness of one frame.
type Sample struct {
	Index     int
	Value     float64
	Timestamp float64
}

// ValidFrameRate reports whether r can be used to derive timestamps.
func ValidFrameRate(r float64) bool {
	return r > 0 && !math.IsInf(r, 0) && !math.IsNaN(r)
}

// Scanner pulls frames lazily, one Sample per Scan, in the style of bufio.Scanner.
//
//	sc, err := sampler.NewScanner(src, opts)
//	for sc.Scan() {
//		s := sc.Sample()
//	}
//	if err := sc.Err(); err != nil { ... } // truncated by a read failure
//
// Not safe for concurrent use.
type Scanner struct {
	src    frames.Source
	rate   float64
	reduce func(frames.Frame) float64

	next   int // frames pulled from the source so far
	sample Sample
	err    error
	done   bool
}

// NewScanner checks the frame rate and prepares a scan. It reads no frames.
func NewScanner(src frames.Source, opts Options) (*Scanner, error) {
	rate := opts.FrameRate
	if rate <= 0 {
		rate = src.FrameRate()
	}
	if !ValidFrameRate(rate) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrameRate, rate)
	}

	red, err := ParseReduction(string(opts.Reduction))
	if err != nil {
		return nil, err
	}
	reduce := MeanIntensity
	if red == ReduceLuma {
		reduce = LumaIntensity
	}

	return &Scanner{src: src, rate: rate, reduce: reduce}, nil
}

// FrameRate returns the rate timestamps are derived from.
func (s *Scanner) FrameRate() float64 {
	return s.rate
}

// Scan advances to the next non-empty frame. It returns false at the end of
// the source or after a read failure.
func (s *Scanner) Scan() bool {
	for !s.done {
		idx := s.next
		f, err := s.src.Next()
		if err != nil {
			s.done = true
			if !errors.Is(err, io.EOF) {
				s.err = &SourceReadError{Frame: idx, Err: err}
			}
			return false
		}
		s.next++

		if f.Empty() {
			continue
		}
		if err := f.Validate(); err != nil {
			s.done = true
			s.err = &SourceReadError{Frame: idx, Err: err}
			return false
		}

		s.sample = Sample{
			Index:     idx,
			Value:     s.reduce(f),
			Timestamp: float64(idx) / s.rate,
		}
		return true
	}
	return false
}

// Sample returns the sample produced by the last successful Scan.
func (s *Scanner) Sample() Sample {
	return s.sample
}

// Err returns the read failure that ended the scan, or nil on natural exhaustion.
func (s *Scanner) Err() error {
	return s.err
}

// Collect drains src into a Signal. The only error it returns is
// ErrInvalidFrameRate (or a bad reduction); a read failure truncates the
// Signal and is recorded on it.
func Collect(logger zerolog.Logger, src frames.Source, opts Options) (*Signal, error) {
	sc, err := NewScanner(src, opts)
	if err != nil {
		return nil, err
	}

	sig := &Signal{FrameRate: sc.FrameRate()}
	for sc.Scan() {
		sig.Append(sc.Sample())
	}

	if err := sc.Err(); err != nil {
		sig.Truncated = true
		sig.ReadErr = err
		logger.Warn().
			Err(err).
			Int("samples", sig.Len()).
			Msg("frame source failed mid-stream, keeping samples read so far")
	}

	logger.Debug().
		Int("samples", sig.Len()).
		Float64("fps", sig.FrameRate).
		Msg("sampling complete")

	return sig, nil
}
