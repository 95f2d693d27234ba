package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keagan/scintillate/internal/config"
	"github.com/keagan/scintillate/internal/export"
	"github.com/keagan/scintillate/internal/peaks"
	"github.com/keagan/scintillate/internal/pipeline"
	"github.com/keagan/scintillate/internal/sampler"
	"github.com/keagan/scintillate/pkg/util"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseROI(t *testing.T) {
	roi, err := parseROI("10, 20,300,200")
	require.NoError(t, err)
	assert.Equal(t, config.ROIConfig{X: 10, Y: 20, Width: 300, Height: 200}, roi)

	for _, bad := range []string{"", "1,2,3", "a,b,c,d", "1,2,3,4,5"} {
		_, err := parseROI(bad)
		assert.Error(t, err, bad)
	}
}

func newTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addDetectionFlags(cmd)
	addOutputFlags(cmd)
	cmd.Flags().Float64("fps", 0, "")
	cmd.Flags().String("roi", "", "")
	cmd.Flags().Int("downscale", 0, "")
	require.NoError(t, cmd.Flags().Parse(args))
	cmd.SetContext(config.WithConfig(context.Background(), config.Default()))
	return cmd
}

func TestEffectiveConfigAppliesChangedFlags(t *testing.T) {
	cmd := newTestCommand(t, "--sensitivity", "2.5", "--roi", "0,0,32,16", "--no-csv", "--fps", "60")

	cfg, err := effectiveConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, 2.5, cfg.Detection.Sensitivity)
	assert.Equal(t, 2.0, cfg.Detection.MinProminence)
	assert.Equal(t, 60.0, cfg.Sampling.FrameRate)
	assert.Equal(t, 32, cfg.Sampling.ROI.Width)
	assert.Equal(t, "", cfg.Export.CSVPath)

	// the loaded config is left alone
	assert.Equal(t, "analysis_results.csv", config.FromContext(cmd.Context()).Export.CSVPath)
}

func TestEffectiveConfigRejectsInvalid(t *testing.T) {
	_, err := effectiveConfig(newTestCommand(t, "--min-prominence", "-1"))
	assert.Error(t, err)

	_, err = effectiveConfig(newTestCommand(t, "--roi", "1,2"))
	assert.Error(t, err)
}

func testResult(t *testing.T) *pipeline.Result {
	t.Helper()
	a, err := pipeline.NewAnalyzer(zerolog.Nop(), sampler.Options{}, peaks.DefaultConfig())
	require.NoError(t, err)

	sig := &sampler.Signal{FrameRate: 1}
	for i, v := range []float64{1, 1, 1, 8, 1, 1, 1} {
		sig.Append(sampler.Sample{Index: i, Value: v, Timestamp: float64(i)})
	}
	res, err := a.Detect(filepath.Join("data", "run_01.mp4"), sig)
	require.NoError(t, err)
	return res
}

func TestFinishWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	cmd := newTestCommand(t, "--json")
	var out bytes.Buffer
	cmd.SetOut(&out)

	cfg := config.Default()
	cfg.Export.CSVPath = filepath.Join(dir, "peaks.csv")
	cfg.Export.SignalPath = filepath.Join(dir, "signal.csv")
	cfg.Export.PlotPath = filepath.Join(dir, "plot.png")
	cfg.Export.PlotWidth, cfg.Export.PlotHeight = 300, 200

	require.NoError(t, finish(cmd, cfg, testResult(t)))

	assert.True(t, util.FileExists(cfg.Export.PlotPath))
	sig, err := export.ReadSignalFile(cfg.Export.SignalPath)
	require.NoError(t, err)
	assert.Equal(t, 7, sig.Len())

	var view resultView
	require.NoError(t, json.Unmarshal(out.Bytes(), &view))
	assert.Equal(t, "run_01.mp4", view.Source)
	require.Len(t, view.Peaks, 1)
	assert.Equal(t, 3.0, view.Peaks[0].Timestamp)
}

func TestPrintTable(t *testing.T) {
	var out bytes.Buffer
	printTable(&out, testResult(t))
	assert.Contains(t, out.String(), "run_01.mp4: 7 samples")
	assert.Contains(t, out.String(), "8.000")

	res := testResult(t)
	res.Peaks = nil
	out.Reset()
	printTable(&out, res)
	assert.True(t, strings.HasSuffix(out.String(), "no flashes detected\n"))
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "InvalidFrameRate", errorKind(fmt.Errorf("sampling x: %w", sampler.ErrInvalidFrameRate)))
	assert.Equal(t, "EmptySequence", errorKind(fmt.Errorf("x: %w", peaks.ErrEmptySequence)))
	assert.Equal(t, "SourceReadError", errorKind(&sampler.SourceReadError{Frame: 3}))
	assert.Equal(t, "", errorKind(fmt.Errorf("other")))

	undecodable := errors.Join(
		fmt.Errorf("detecting peaks in x: %w", peaks.ErrEmptySequence),
		&sampler.SourceReadError{Frame: 0, Err: errors.New("invalid data found when processing input")},
	)
	assert.Equal(t, "SourceReadError", errorKind(undecodable))
}
