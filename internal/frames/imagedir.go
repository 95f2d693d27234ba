package frames

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nfnt/resize"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// ImageDirOptions configures an image sequence source.
type ImageDirOptions struct {
	// Rate is the capture rate of the sequence in frames per second.
	Rate float64
	// ROI crops every frame before reduction. The zero rectangle keeps the full frame.
	ROI image.Rectangle
	// DownscaleWidth resizes frames to this width, keeping aspect ratio. 0 disables.
	DownscaleWidth uint
}

// ImageDir reads a directory of still frames (png, jpeg, tiff, bmp) in lexical
// file order.
// Not safe for concurrent use.
type ImageDir struct {
	logger zerolog.Logger
	opts   ImageDirOptions
	paths  []string
	pos    int
	buf    []byte
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true,
	".tif": true, ".tiff": true, ".bmp": true,
}

// OpenImageDir lists the frames in dir. It fails if dir holds no images.
func OpenImageDir(logger zerolog.Logger, dir string, opts ImageDirOptions) (*ImageDir, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no image frames in %s", dir)
	}
	sort.Strings(paths)

	l := logger.With().Str("component", "imagedir").Logger()
	l.Debug().
		Str("dir", dir).
		Int("frames", len(paths)).
		Float64("fps", opts.Rate).
		Msg("image sequence opened")

	return &ImageDir{logger: l, opts: opts, paths: paths}, nil
}

// Len returns the number of frames in the sequence.
func (d *ImageDir) Len() int {
	return len(d.paths)
}

// FrameRate returns the rate given at open time.
func (d *ImageDir) FrameRate() float64 {
	return d.opts.Rate
}

// Next decodes the next file. The returned frame shares a buffer with the
// previous one.
func (d *ImageDir) Next() (Frame, error) {
	if d.pos >= len(d.paths) {
		return Frame{}, io.EOF
	}
	path := d.paths[d.pos]
	d.pos++

	img, err := decodeFile(path)
	if err != nil {
		return Frame{}, err
	}

	if !d.opts.ROI.Empty() {
		img, err = crop(img, d.opts.ROI)
		if err != nil {
			return Frame{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}

	if d.opts.DownscaleWidth > 0 && uint(img.Bounds().Dx()) > d.opts.DownscaleWidth {
		img = resize.Resize(d.opts.DownscaleWidth, 0, img, resize.Bilinear)
	}

	f := d.pack(img)
	d.logger.Trace().Str("file", filepath.Base(path)).Int("w", f.Width).Int("h", f.Height).Msg("frame decoded")
	return f, nil
}

func decodeFile(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// crop returns the part of img inside roi, with roi relative to the image origin.
func crop(img image.Image, roi image.Rectangle) (image.Image, error) {
	b := img.Bounds()
	r := roi.Add(b.Min).Intersect(b)
	if r.Empty() {
		return nil, fmt.Errorf("roi %v outside frame %dx%d", roi, b.Dx(), b.Dy())
	}
	if sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(r), nil
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out, nil
}

// pack converts img into a 3-channel RGB frame backed by d.buf.
func (d *ImageDir) pack(img image.Image) Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	needed := w * h * 3
	if cap(d.buf) < needed {
		d.buf = make([]byte, needed)
	}
	pix := d.buf[:needed]

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			pix[i], pix[i+1], pix[i+2] = c.R, c.G, c.B
			i += 3
		}
	}
	return Frame{Width: w, Height: h, Channels: 3, Pix: pix}
}
