// Package peaks finds flash events in an intensity sequence.
//
// A sample (or a flat run of equal samples) is a peak when it rises above both
// neighbours, reaches the global threshold mean + k*stddev + offset, and stands
// at least MinProminence above the higher of its two valley floors.
package peaks

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

var (
	// ErrEmptySequence is returned when detection is asked to run on no samples.
	ErrEmptySequence = errors.New("empty intensity sequence")
	// ErrLengthMismatch is returned when values and timestamps are not aligned.
	ErrLengthMismatch = errors.New("intensity and timestamp lengths differ")
)

// Config tunes detection sensitivity.
type Config struct {
	// Sensitivity is k in mean + k*stddev.
	Sensitivity float64
	// Offset is added to the threshold after the stddev margin.
	Offset float64
	// MinProminence is the drop required on both sides of a peak.
	MinProminence float64
}

// DefaultConfig uses a one-stddev margin and a prominence of 2 brightness levels.
func DefaultConfig() Config {
	return Config{
		Sensitivity:   1.0,
		Offset:        0,
		MinProminence: 2.0,
	}
}

// Validate rejects non-finite parameters and negative prominence.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"sensitivity":    c.Sensitivity,
		"offset":         c.Offset,
		"min_prominence": c.MinProminence,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be finite, got %v", name, v)
		}
	}
	if c.MinProminence < 0 {
		return fmt.Errorf("min_prominence must be >= 0, got %v", c.MinProminence)
	}
	return nil
}

// Event is one detected flash.
type Event struct {
	Ordinal    int // 1-based, in time order
	Index      int // position in the input sequence
	Intensity  float64
	Timestamp  float64
	Prominence float64
}

// Detector holds detection parameters only; it keeps no state between calls.
type Detector struct {
	cfg Config
}

// NewDetector returns a detector for cfg.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

// Threshold returns mean + k*stddev + offset using population statistics.
func (d *Detector) Threshold(values []float64) float64 {
	mean, std := stat.PopMeanStdDev(values, nil)
	return mean + d.cfg.Sensitivity*std + d.cfg.Offset
}

// Detect returns the peaks of values in increasing index order. timestamps
// must be aligned with values. An empty result is not an error.
func (d *Detector) Detect(values, timestamps []float64) ([]Event, error) {
	n := len(values)
	if n == 0 {
		return nil, ErrEmptySequence
	}
	if len(timestamps) != n {
		return nil, fmt.Errorf("%w: %d values, %d timestamps", ErrLengthMismatch, n, len(timestamps))
	}

	events := make([]Event, 0)
	if n < 3 {
		return events, nil
	}

	threshold := d.Threshold(values)

	for i := 1; i < n-1; {
		if values[i] <= values[i-1] {
			i++
			continue
		}

		// values[i] rose above its left neighbour; walk any plateau.
		end := i
		for end+1 < n && values[end+1] == values[i] {
			end++
		}
		if end+1 < n && values[end+1] < values[i] && values[i] >= threshold {
			prom := prominence(values, i, end)
			if prom >= d.cfg.MinProminence {
				events = append(events, Event{
					Ordinal:    len(events) + 1,
					Index:      i,
					Intensity:  values[i],
					Timestamp:  timestamps[i],
					Prominence: prom,
				})
			}
		}
		i = end + 1
	}

	return events, nil
}

// prominence measures the peak spanning values[left..right] against the
// valley floors on each side. A floor is the lowest sample crossed before
// reaching a sample at least as high as the peak, or the sequence edge.
func prominence(values []float64, left, right int) float64 {
	peak := values[left]

	leftFloor := peak
	for k := left - 1; k >= 0 && values[k] < peak; k-- {
		leftFloor = math.Min(leftFloor, values[k])
	}

	rightFloor := peak
	for k := right + 1; k < len(values) && values[k] < peak; k++ {
		rightFloor = math.Min(rightFloor, values[k])
	}

	return peak - math.Max(leftFloor, rightFloor)
}
