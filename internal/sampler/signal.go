package sampler

// Signal is a completed intensity sequence with aligned timestamps.
type Signal struct {
	Indices     []int
	Intensities []float64
	Timestamps  []float64
	FrameRate   float64

	// Truncated is set when a read failure ended the sequence early.
	Truncated bool
	ReadErr   error
}

// Append adds one sample to the end of the signal.
func (s *Signal) Append(smp Sample) {
	s.Indices = append(s.Indices, smp.Index)
	s.Intensities = append(s.Intensities, smp.Value)
	s.Timestamps = append(s.Timestamps, smp.Timestamp)
}

// Len returns the number of samples.
func (s *Signal) Len() int {
	return len(s.Intensities)
}

// Duration returns the timestamp of the last sample, 0 when empty.
func (s *Signal) Duration() float64 {
	if s.Len() == 0 {
		return 0
	}
	return s.Timestamps[s.Len()-1]
}
