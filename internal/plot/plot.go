// Package plot draws the brightness signal and its detected flashes as a PNG.
package plot

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"slices"

	"github.com/keagan/scintillate/internal/peaks"
	"github.com/keagan/scintillate/internal/sampler"
	"github.com/keagan/scintillate/pkg/util"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// Options controls the chart.
type Options struct {
	// Width and Height are in pixels.
	Width  int
	Height int
	Title  string
	// Threshold draws a dashed line at this brightness when set.
	Threshold *float64
}

var (
	signalLine = color.RGBA{150, 170, 245, 255}
	peakLine   = color.RGBA{220, 30, 30, 255}
	threshLine = color.RGBA{120, 120, 120, 255}
	gridColor  = color.RGBA{225, 225, 225, 255}
)

const (
	dpi       = 96
	minWidth  = 120
	minHeight = 100
)

// ErrNoData is returned for an empty signal.
var ErrNoData = errors.New("nothing to plot")

// Render writes the chart to w as PNG.
func Render(w io.Writer, sig *sampler.Signal, events []peaks.Event, opts Options) error {
	c, err := render(sig, events, opts)
	if err != nil {
		return err
	}
	_, err = vgimg.PngCanvas{Canvas: c}.WriteTo(w)
	return err
}

// RenderFile writes the chart to path.
func RenderFile(path string, sig *sampler.Signal, events []peaks.Event, opts Options) error {
	if err := util.EnsureParent(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := Render(f, sig, events, opts); err != nil {
		return err
	}
	return f.Close()
}

// Draw renders the chart into an image of opts.Width by opts.Height pixels.
func Draw(sig *sampler.Signal, events []peaks.Event, opts Options) (image.Image, error) {
	c, err := render(sig, events, opts)
	if err != nil {
		return nil, err
	}
	return c.Image(), nil
}

func render(sig *sampler.Signal, events []peaks.Event, opts Options) (*vgimg.Canvas, error) {
	if sig == nil || sig.Len() == 0 {
		return nil, ErrNoData
	}
	if opts.Width <= 0 {
		opts.Width = 1024
	}
	if opts.Height <= 0 {
		opts.Height = 600
	}
	if opts.Width < minWidth || opts.Height < minHeight {
		return nil, fmt.Errorf("plot size %dx%d too small", opts.Width, opts.Height)
	}
	if opts.Title == "" {
		opts.Title = "Scintillator Brightness vs Time"
	}

	p, err := chart(sig, events, opts)
	if err != nil {
		return nil, err
	}

	c := vgimg.NewWith(
		vgimg.UseWH(pixels(opts.Width), pixels(opts.Height)),
		vgimg.UseDPI(dpi),
	)
	p.Draw(draw.New(c))
	return c, nil
}

// chart lays out the signal, the threshold and the peak polyline.
func chart(sig *sampler.Signal, events []peaks.Event, opts Options) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = opts.Title
	p.X.Label.Text = "Time (seconds)"
	p.Y.Label.Text = "Brightness"
	p.Legend.Top = true

	grid := plotter.NewGrid()
	grid.Vertical.Color = gridColor
	grid.Horizontal.Color = gridColor
	p.Add(grid)

	xys := make(plotter.XYs, sig.Len())
	for i := range xys {
		xys[i].X = sig.Timestamps[i]
		xys[i].Y = sig.Intensities[i]
	}
	line, err := plotter.NewLine(xys)
	if err != nil {
		return nil, fmt.Errorf("signal: %w", err)
	}
	line.Color = signalLine
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("Brightness", line)

	xMin, xMax := sig.Timestamps[0], sig.Timestamps[sig.Len()-1]
	if xMax <= xMin {
		xMax = xMin + 1
	}

	if opts.Threshold != nil {
		th, err := plotter.NewLine(plotter.XYs{{X: xMin, Y: *opts.Threshold}, {X: xMax, Y: *opts.Threshold}})
		if err != nil {
			return nil, fmt.Errorf("threshold: %w", err)
		}
		th.Color = threshLine
		th.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
		p.Add(th)
		p.Legend.Add("Threshold", th)
	}

	if len(events) > 0 {
		pts := make(plotter.XYs, len(events))
		for i, ev := range events {
			pts[i].X = ev.Timestamp
			pts[i].Y = ev.Intensity
		}
		pl, ps, err := plotter.NewLinePoints(pts)
		if err != nil {
			return nil, fmt.Errorf("peaks: %w", err)
		}
		pl.Color = peakLine
		pl.Width = vg.Points(1.5)
		ps.Shape = draw.CircleGlyph{}
		ps.Color = peakLine
		ps.Radius = vg.Points(3)
		p.Add(pl, ps)
		p.Legend.Add(fmt.Sprintf("Flashes (%d)", len(events)), pl, ps)
	}

	// one brightness level of headroom on each side
	p.X.Min, p.X.Max = xMin, xMax
	p.Y.Min = slices.Min(sig.Intensities) - 1
	p.Y.Max = slices.Max(sig.Intensities) + 1

	return p, nil
}

func pixels(n int) vg.Length {
	return vg.Length(n) * vg.Inch / dpi
}
