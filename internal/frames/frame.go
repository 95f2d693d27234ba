package frames

import (
	"fmt"
	"io"
)

// Frame is one decoded video frame as packed, row-major 8-bit samples.
// Pix holds Width*Height*Channels bytes. Sources may reuse the backing
// array, so Pix is only valid until the next call to Next.
type Frame struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// Empty reports whether the frame carries no pixel data.
func (f Frame) Empty() bool {
	return f.Width <= 0 || f.Height <= 0 || f.Channels <= 0 || len(f.Pix) == 0
}

// Validate checks that Pix matches the declared geometry.
func (f Frame) Validate() error {
	want := f.Width * f.Height * f.Channels
	if len(f.Pix) != want {
		return fmt.Errorf("frame %dx%dx%d: have %d bytes, want %d",
			f.Width, f.Height, f.Channels, len(f.Pix), want)
	}
	return nil
}

// Source yields frames in display order.
//
// Next returns io.EOF once the source is exhausted. Any other error is a
// read failure; callers stop reading at the first error of either kind.
// FrameRate reports frames per second, or 0 when the source does not know.
type Source interface {
	Next() (Frame, error)
	FrameRate() float64
}

// Memory is a Source over frames already held in memory. After the last
// frame it returns Err, or io.EOF when Err is nil.
type Memory struct {
	Rate   float64
	Frames []Frame
	Err    error

	pos int
}

// NewMemory returns a Memory source with the given rate.
func NewMemory(rate float64, frames ...Frame) *Memory {
	return &Memory{Rate: rate, Frames: frames}
}

// Next returns the next frame.
func (m *Memory) Next() (Frame, error) {
	if m.pos >= len(m.Frames) {
		if m.Err != nil {
			return Frame{}, m.Err
		}
		return Frame{}, io.EOF
	}
	f := m.Frames[m.pos]
	m.pos++
	return f, nil
}

// FrameRate returns the configured rate.
func (m *Memory) FrameRate() float64 {
	return m.Rate
}

// Uniform builds a frame whose every sample equals v.
func Uniform(width, height, channels int, v byte) Frame {
	pix := make([]byte, width*height*channels)
	for i := range pix {
		pix[i] = v
	}
	return Frame{Width: width, Height: height, Channels: channels, Pix: pix}
}
