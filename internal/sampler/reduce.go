package sampler

import "github.com/keagan/scintillate/internal/frames"

// MeanIntensity averages all samples of f across channels and pixels.
func MeanIntensity(f frames.Frame) float64 {
	var sum uint64
	for _, v := range f.Pix {
		sum += uint64(v)
	}
	return float64(sum) / float64(len(f.Pix))
}

// LumaIntensity averages 0.299 R + 0.587 G + 0.114 B over all pixels.
// Frames with fewer than 3 channels fall back to MeanIntensity; extra
// channels (alpha) are ignored.
func LumaIntensity(f frames.Frame) float64 {
	if f.Channels < 3 {
		return MeanIntensity(f)
	}
	var r, g, b uint64
	for i := 0; i+2 < len(f.Pix); i += f.Channels {
		r += uint64(f.Pix[i])
		g += uint64(f.Pix[i+1])
		b += uint64(f.Pix[i+2])
	}
	n := float64(f.Width * f.Height)
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / n
}
