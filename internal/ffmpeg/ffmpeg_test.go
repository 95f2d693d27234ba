package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not available
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH - install with: brew install ffmpeg")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not found in PATH - install with: brew install ffmpeg")
	}
}

// makeTestVideo renders a black 64x48 clip at 10 fps whose frames listed in
// flashes are filled white.
func makeTestVideo(t *testing.T, seconds int, flashes ...int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flashes.mp4")

	enable := "0"
	if len(flashes) > 0 {
		terms := make([]string, len(flashes))
		for i, n := range flashes {
			terms[i] = fmt.Sprintf("eq(n,%d)", n)
		}
		enable = strings.Join(terms, "+")
	}

	src := fmt.Sprintf("color=c=black:s=64x48:r=10:d=%d", seconds)
	vf := fmt.Sprintf("drawbox=x=0:y=0:w=iw:h=ih:color=white:t=fill:enable='%s'", enable)
	cmd := exec.Command("ffmpeg", "-y", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", src, "-vf", vf,
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-g", "1", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("could not generate test video: %v: %s", err, out)
	}
	return path
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	exec, err := New(logger, ExecutorOptions{Threads: 2})
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	return exec
}

func TestExecutorCreation(t *testing.T) {
	skipIfNoFFmpeg(t)

	exec := newTestExecutor(t)
	ffmpegPath, ffprobePath := exec.Paths()
	if ffmpegPath == "" {
		t.Error("ffmpeg path is empty")
	}
	if ffprobePath == "" {
		t.Error("ffprobe path is empty")
	}
	t.Logf("ffmpeg: %s", ffmpegPath)
	t.Logf("ffprobe: %s", ffprobePath)
}

func TestExecutorMissingBinary(t *testing.T) {
	_, err := New(zerolog.Nop(), ExecutorOptions{FFmpegPath: "/nonexistent/ffmpeg-binary"})
	if err == nil {
		t.Fatal("expected error for missing ffmpeg binary")
	}
}

func TestFilterBuilder(t *testing.T) {
	filter := NewFilterBuilder().Format("rgb24").Crop(101, 51, 11, 21).Scale(50, 25).Build()

	expected := "format=rgb24,crop=101:51:11:21:exact=1,scale=50:25"
	if filter != expected {
		t.Errorf("expected %q, got %q", expected, filter)
	}
}

func TestFilterBuilderEmpty(t *testing.T) {
	filter := NewFilterBuilder().Format("").Crop(0, 10, 0, 0).Scale(-1, 10).Build()
	if filter != "" {
		t.Errorf("expected empty string, got %q", filter)
	}
}

func TestParseProbe(t *testing.T) {
	out := []byte(`{
		"streams": [
			{"codec_type": "audio", "codec_name": "aac"},
			{"codec_type": "video", "codec_name": "h264", "width": 1280, "height": 720,
			 "pix_fmt": "yuv420p", "r_frame_rate": "60/1", "avg_frame_rate": "30000/1001",
			 "nb_frames": "899"}
		],
		"format": {"duration": "29.996667"}
	}`)

	info, err := parseProbe(out, "clip.mp4")
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("unexpected size %dx%d", info.Width, info.Height)
	}
	if info.FPS != 30000.0/1001.0 {
		t.Errorf("expected avg_frame_rate to win, got %v", info.FPS)
	}
	if info.FrameCount != 899 {
		t.Errorf("expected 899 frames, got %d", info.FrameCount)
	}
	if info.Duration < 29*time.Second || info.Duration > 30*time.Second {
		t.Errorf("unexpected duration %v", info.Duration)
	}
}

func TestParseProbeRateFallbacks(t *testing.T) {
	out := []byte(`{"streams": [{"codec_type": "video", "width": 8, "height": 8,
		"r_frame_rate": "25/1", "avg_frame_rate": "0/0"}], "format": {}}`)
	info, err := parseProbe(out, "a.avi")
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if info.FPS != 25 {
		t.Errorf("expected r_frame_rate fallback, got %v", info.FPS)
	}

	out = []byte(`{"streams": [{"codec_type": "video", "width": 8, "height": 8,
		"r_frame_rate": "0/0", "avg_frame_rate": "0/0"}], "format": {}}`)
	info, err = parseProbe(out, "b.avi")
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if info.FPS != 0 {
		t.Errorf("expected missing rate to read as 0, got %v", info.FPS)
	}
}

func TestParseProbeNoVideo(t *testing.T) {
	out := []byte(`{"streams": [{"codec_type": "audio"}], "format": {}}`)
	if _, err := parseProbe(out, "song.m4a"); err == nil {
		t.Error("expected error for file without video stream")
	}
	if _, err := parseProbe([]byte("not json"), "x"); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestFrameGeometry(t *testing.T) {
	info := &VideoInfo{FilePath: "v.mp4", Width: 640, Height: 480}

	w, h, filter, err := FrameGeometry(info, FrameOptions{})
	if err != nil || w != 640 || h != 480 || filter != "format=rgb24" {
		t.Errorf("full frame: %d %d %q %v", w, h, filter, err)
	}

	w, h, filter, err = FrameGeometry(info, FrameOptions{ROI: image.Rect(600, 400, 700, 500)})
	if err != nil {
		t.Fatalf("roi: %v", err)
	}
	if w != 40 || h != 80 || filter != "format=rgb24,crop=40:80:600:400:exact=1" {
		t.Errorf("clamped roi: %d %d %q", w, h, filter)
	}

	w, h, filter, err = FrameGeometry(info, FrameOptions{ScaleWidth: 160})
	if err != nil || w != 160 || h != 120 || filter != "format=rgb24,scale=160:120" {
		t.Errorf("scale: %d %d %q %v", w, h, filter, err)
	}

	w, h, filter, err = FrameGeometry(info, FrameOptions{ROI: image.Rect(1, 1, 102, 52)})
	if err != nil || w != 101 || h != 51 || filter != "format=rgb24,crop=101:51:1:1:exact=1" {
		t.Errorf("odd roi: %d %d %q %v", w, h, filter, err)
	}

	if _, _, _, err := FrameGeometry(info, FrameOptions{ROI: image.Rect(700, 500, 800, 600)}); err == nil {
		t.Error("expected error for roi outside frame")
	}
	if _, _, _, err := FrameGeometry(&VideoInfo{}, FrameOptions{}); err == nil {
		t.Error("expected error for unknown frame size")
	}
}

func TestFrameArgs(t *testing.T) {
	e := &Executor{logger: zerolog.Nop()}
	args := e.frameArgs("in.mp4", "format=rgb24,crop=33:25:1:1:exact=1")
	joined := strings.Join(args, " ")

	// rotation metadata must not swap the probed width and height
	if !strings.Contains(joined, "-noautorotate -i in.mp4") {
		t.Errorf("expected -noautorotate before the input, got %q", joined)
	}
	if !strings.Contains(joined, "-vf format=rgb24,crop=33:25:1:1:exact=1") {
		t.Errorf("filter missing: %q", joined)
	}
	if !strings.HasSuffix(joined, "-f rawvideo -pix_fmt rgb24 pipe:1") {
		t.Errorf("unexpected output args: %q", joined)
	}
}

func TestStreamOutputProgress(t *testing.T) {
	e := &Executor{logger: zerolog.Nop()}
	input := strings.Join([]string{
		"frame=12", "fps=24.5", "out_time=00:00:00.500000", "speed=2.1x", "progress=continue",
		"frame=24", "progress=end",
	}, "\n")

	var got []Progress
	var lines int
	e.streamOutput(strings.NewReader(input), func(p *Progress) { got = append(got, *p) }, func(string) { lines++ })

	if lines != 7 {
		t.Errorf("expected 7 log lines, got %d", lines)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 progress blocks, got %d", len(got))
	}
	if got[0].Frame != 12 || got[0].FPS != 24.5 || got[0].Speed != "2.1x" {
		t.Errorf("unexpected first block %+v", got[0])
	}
	if got[1].Frame != 24 {
		t.Errorf("unexpected second block %+v", got[1])
	}
}

func TestProbeVideo(t *testing.T) {
	skipIfNoFFmpeg(t)

	path := makeTestVideo(t, 2)
	exec := newTestExecutor(t)

	start := time.Now()
	info, err := exec.ProbeVideo(context.Background(), path)
	if err != nil {
		t.Fatalf("ProbeVideo failed: %v", err)
	}
	if info.Width != 64 || info.Height != 48 {
		t.Errorf("expected 64x48, got %dx%d", info.Width, info.Height)
	}
	if info.FPS != 10 {
		t.Errorf("expected 10 fps, got %v", info.FPS)
	}
	t.Logf("Video info: %dx%d, %.2f fps, %d frames, duration: %v (probed in %v)",
		info.Width, info.Height, info.FPS, info.FrameCount, info.Duration, time.Since(start))
}

func TestProbeVideoInvalidFile(t *testing.T) {
	skipIfNoFFmpeg(t)

	exec := newTestExecutor(t)
	ctx := context.Background()

	if _, err := exec.ProbeVideo(ctx, "nonexistent.mp4"); err == nil {
		t.Error("ProbeVideo should fail for non-existent file")
	}

	invalidPath := filepath.Join(t.TempDir(), "invalid.txt")
	os.WriteFile(invalidPath, []byte("not a video"), 0644)
	if _, err := exec.ProbeVideo(ctx, invalidPath); err == nil {
		t.Error("ProbeVideo should fail for invalid video file")
	}
}

func TestFrameReader(t *testing.T) {
	skipIfNoFFmpeg(t)

	path := makeTestVideo(t, 2, 5)
	exec := newTestExecutor(t)
	ctx := context.Background()

	info, err := exec.ProbeVideo(ctx, path)
	if err != nil {
		t.Fatalf("ProbeVideo failed: %v", err)
	}

	r, err := exec.OpenFrames(ctx, info, FrameOptions{ScaleWidth: 32})
	if err != nil {
		t.Fatalf("OpenFrames failed: %v", err)
	}
	defer r.Close()

	if w, h := r.Size(); w != 32 || h != 24 {
		t.Errorf("expected 32x24 frames, got %dx%d", w, h)
	}

	var means []float64
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed after %d frames: %v", len(means), err)
		}
		var sum float64
		for _, v := range f.Pix {
			sum += float64(v)
		}
		means = append(means, sum/float64(len(f.Pix)))
	}

	if len(means) != 20 {
		t.Fatalf("expected 20 frames, got %d", len(means))
	}
	if means[5] < 200 || means[4] > 50 || means[6] > 50 {
		t.Errorf("flash not where expected: %v", means[3:8])
	}

	// reading past the end keeps reporting EOF
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after end, got %v", err)
	}
}

func TestFrameReaderOddROI(t *testing.T) {
	skipIfNoFFmpeg(t)

	path := makeTestVideo(t, 2, 5, 12)
	exec := newTestExecutor(t)
	ctx := context.Background()

	info, err := exec.ProbeVideo(ctx, path)
	if err != nil {
		t.Fatalf("ProbeVideo failed: %v", err)
	}

	r, err := exec.OpenFrames(ctx, info, FrameOptions{ROI: image.Rect(1, 1, 34, 26)})
	if err != nil {
		t.Fatalf("OpenFrames failed: %v", err)
	}
	defer r.Close()

	if w, h := r.Size(); w != 33 || h != 25 {
		t.Fatalf("expected 33x25 frames, got %dx%d", w, h)
	}

	var lit []int
	count := 0
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed after %d frames: %v", count, err)
		}
		if f.Width != 33 || f.Height != 25 || len(f.Pix) != 33*25*3 {
			t.Fatalf("frame %d has geometry %dx%d (%d bytes)", count, f.Width, f.Height, len(f.Pix))
		}
		var sum float64
		for _, v := range f.Pix {
			sum += float64(v)
		}
		if sum/float64(len(f.Pix)) > 200 {
			lit = append(lit, count)
		}
		count++
	}

	if count != 20 || (info.FrameCount > 0 && count != info.FrameCount) {
		t.Errorf("expected 20 frames (nb_frames %d), got %d", info.FrameCount, count)
	}
	if len(lit) != 2 || lit[0] != 5 || lit[1] != 12 {
		t.Errorf("expected flashes at frames 5 and 12, got %v", lit)
	}
}

func TestFrameReaderCloseEarly(t *testing.T) {
	skipIfNoFFmpeg(t)

	path := makeTestVideo(t, 3)
	exec := newTestExecutor(t)
	ctx := context.Background()

	info, err := exec.ProbeVideo(ctx, path)
	if err != nil {
		t.Fatalf("ProbeVideo failed: %v", err)
	}
	r, err := exec.OpenFrames(ctx, info, FrameOptions{})
	if err != nil {
		t.Fatalf("OpenFrames failed: %v", err)
	}
	if _, err := r.Next(); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := r.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("expected closed error, got %v", err)
	}
}

func TestExtractFrame(t *testing.T) {
	skipIfNoFFmpeg(t)

	path := makeTestVideo(t, 1, 3)
	exec := newTestExecutor(t)
	out := filepath.Join(t.TempDir(), "flash.png")

	if err := exec.ExtractFrame(context.Background(), path, out, 300*time.Millisecond, nil); err != nil {
		t.Fatalf("ExtractFrame failed: %v", err)
	}
	stat, err := os.Stat(out)
	if err != nil {
		t.Fatalf("output file was not created: %v", err)
	}
	t.Logf("Frame written: %s (%d bytes)", out, stat.Size())
}
