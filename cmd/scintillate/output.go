package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/keagan/scintillate/internal/config"
	"github.com/keagan/scintillate/internal/export"
	"github.com/keagan/scintillate/internal/ffmpeg"
	"github.com/keagan/scintillate/internal/logging"
	"github.com/keagan/scintillate/internal/peaks"
	"github.com/keagan/scintillate/internal/pipeline"
	"github.com/keagan/scintillate/internal/plot"
	"github.com/keagan/scintillate/internal/sampler"
	"github.com/spf13/cobra"
)

func addDetectionFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("sensitivity", 0, "threshold multiplier k in mean + k*stddev")
	cmd.Flags().Float64("offset", 0, "constant added to the threshold")
	cmd.Flags().Float64("min-prominence", 0, "minimum drop on both sides of a flash")
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("csv", "", "append peaks to this CSV file")
	cmd.Flags().Bool("no-csv", false, "do not write the peak CSV")
	cmd.Flags().String("signal-out", "", "write the full signal as CSV")
	cmd.Flags().String("plot", "", "write a PNG chart of the signal")
	cmd.Flags().Bool("json", false, "print the result as JSON")
}

// effectiveConfig copies the loaded config and applies any flags the user set.
func effectiveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := *config.FromContext(cmd.Context())
	flags := cmd.Flags()

	floats := map[string]*float64{
		"sensitivity":    &cfg.Detection.Sensitivity,
		"offset":         &cfg.Detection.Offset,
		"min-prominence": &cfg.Detection.MinProminence,
		"fps":            &cfg.Sampling.FrameRate,
	}
	for name, dst := range floats {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst, _ = flags.GetFloat64(name)
		}
	}

	strs := map[string]*string{
		"reduction":  &cfg.Sampling.Reduction,
		"csv":        &cfg.Export.CSVPath,
		"signal-out": &cfg.Export.SignalPath,
		"plot":       &cfg.Export.PlotPath,
		"snapshots":  &cfg.Export.SnapshotDir,
	}
	for name, dst := range strs {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}

	if flags.Lookup("downscale") != nil && flags.Changed("downscale") {
		cfg.Sampling.DownscaleWidth, _ = flags.GetInt("downscale")
	}

	if flags.Lookup("roi") != nil && flags.Changed("roi") {
		s, _ := flags.GetString("roi")
		roi, err := parseROI(s)
		if err != nil {
			return nil, err
		}
		cfg.Sampling.ROI = roi
	}

	if noCSV, _ := flags.GetBool("no-csv"); noCSV {
		cfg.Export.CSVPath = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseROI reads "x,y,w,h".
func parseROI(s string) (config.ROIConfig, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return config.ROIConfig{}, fmt.Errorf("roi %q: want x,y,w,h", s)
	}

	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return config.ROIConfig{}, fmt.Errorf("roi %q: %w", s, err)
		}
		v[i] = n
	}
	return config.ROIConfig{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
}

// finish writes every configured artifact and prints the result.
func finish(cmd *cobra.Command, cfg *config.Config, res *pipeline.Result) error {
	exp := cfg.Export
	logger := logging.WithComponent("export")

	if exp.CSVPath != "" {
		if err := export.AppendPeaksFile(exp.CSVPath, res.Records()); err != nil {
			return fmt.Errorf("failed to save peaks: %w", err)
		}
		logger.Info().Str("path", exp.CSVPath).Int("rows", len(res.Peaks)).Msg("peaks appended")
	}

	if exp.SignalPath != "" {
		if err := export.WriteSignalFile(exp.SignalPath, res.Signal); err != nil {
			return fmt.Errorf("failed to save signal: %w", err)
		}
		logger.Info().Str("path", exp.SignalPath).Msg("signal written")
	}

	if exp.PlotPath != "" {
		th := res.Threshold
		opts := plot.Options{
			Width:     exp.PlotWidth,
			Height:    exp.PlotHeight,
			Title:     "Scintillator Brightness vs Time: " + res.SourceName(),
			Threshold: &th,
		}
		if err := plot.RenderFile(exp.PlotPath, res.Signal, res.Peaks, opts); err != nil {
			return fmt.Errorf("failed to render plot: %w", err)
		}
		logger.Info().Str("path", exp.PlotPath).Msg("plot written")
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	printTable(cmd.OutOrStdout(), res)
	return nil
}

type peakView struct {
	Ordinal    int     `json:"ordinal"`
	Index      int     `json:"index"`
	Intensity  float64 `json:"intensity"`
	Timestamp  float64 `json:"timestamp"`
	Prominence float64 `json:"prominence"`
}

type resultView struct {
	RunID     string     `json:"run_id"`
	Source    string     `json:"source"`
	FrameRate float64    `json:"frame_rate"`
	Samples   int        `json:"samples"`
	Duration  float64    `json:"duration"`
	Threshold float64    `json:"threshold"`
	Truncated bool       `json:"truncated"`
	ReadError string     `json:"read_error,omitempty"`
	Peaks     []peakView `json:"peaks"`
	Snapshots []string   `json:"snapshots,omitempty"`
	ElapsedMS int64      `json:"elapsed_ms"`
}

func newResultView(res *pipeline.Result) resultView {
	v := resultView{
		RunID:     res.RunID.String(),
		Source:    res.SourceName(),
		FrameRate: res.FrameRate,
		Samples:   res.Signal.Len(),
		Duration:  res.Signal.Duration(),
		Threshold: res.Threshold,
		Truncated: res.Truncated(),
		Peaks:     make([]peakView, len(res.Peaks)),
		Snapshots: res.Snapshots,
		ElapsedMS: res.Elapsed.Milliseconds(),
	}
	if res.Signal.ReadErr != nil {
		v.ReadError = res.Signal.ReadErr.Error()
	}
	for i, ev := range res.Peaks {
		v.Peaks[i] = peakView(ev)
	}
	return v
}

func printJSON(w io.Writer, res *pipeline.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(newResultView(res))
}

func printTable(w io.Writer, res *pipeline.Result) {
	fmt.Fprintf(w, "%s: %d samples at %.3f fps, threshold %.3f\n",
		res.SourceName(), res.Signal.Len(), res.FrameRate, res.Threshold)
	if res.Truncated() {
		fmt.Fprintf(w, "warning: source ended early: %v\n", res.Signal.ReadErr)
	}
	if len(res.Peaks) == 0 {
		fmt.Fprintln(w, "no flashes detected")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tframe\ttime (s)\tintensity\tprominence\t")
	for _, ev := range res.Peaks {
		fmt.Fprintf(tw, "%d\t%d\t%.3f\t%.3f\t%.3f\t\n", ev.Ordinal, ev.Index, ev.Timestamp, ev.Intensity, ev.Prominence)
	}
	tw.Flush()
}

func printVideoInfo(w io.Writer, info *ffmpeg.VideoInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "file\t%s\n", info.FilePath)
	fmt.Fprintf(tw, "duration\t%s\n", info.Duration)
	fmt.Fprintf(tw, "size\t%dx%d\n", info.Width, info.Height)
	fmt.Fprintf(tw, "fps\t%.3f\n", info.FPS)
	fmt.Fprintf(tw, "frames\t%d\n", info.FrameCount)
	fmt.Fprintf(tw, "codec\t%s\n", info.VideoCodec)
	fmt.Fprintf(tw, "pix_fmt\t%s\n", info.PixFmt)
	tw.Flush()
}

// errorKind names the typed failures for the final log line. A read error
// outranks the empty sequence it caused.
func errorKind(err error) string {
	var readErr *sampler.SourceReadError
	switch {
	case errors.Is(err, sampler.ErrInvalidFrameRate):
		return "InvalidFrameRate"
	case errors.As(err, &readErr):
		return "SourceReadError"
	case errors.Is(err, peaks.ErrEmptySequence):
		return "EmptySequence"
	case errors.Is(err, export.ErrHeaderMismatch):
		return "HeaderMismatch"
	}
	return ""
}
