package config

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/keagan/scintillate/internal/peaks"
	"github.com/keagan/scintillate/internal/sampler"
	"gopkg.in/yaml.v3"
)

type contextKey string

const configKey contextKey = "config"

// Environment variables that override file settings.
const (
	EnvFFmpegPath  = "SCINTILLATE_FFMPEG"
	EnvFFprobePath = "SCINTILLATE_FFPROBE"
	EnvCSVPath     = "SCINTILLATE_CSV"
)

// Config holds all application configuration
type Config struct {
	FFmpeg    FFmpegConfig    `yaml:"ffmpeg"`
	Sampling  SamplingConfig  `yaml:"sampling"`
	Detection DetectionConfig `yaml:"detection"`
	Export    ExportConfig    `yaml:"export"`
}

type FFmpegConfig struct {
	BinaryPath string `yaml:"binary_path"`
	ProbePath  string `yaml:"probe_path"`
	Threads    int    `yaml:"threads"`
}

type SamplingConfig struct {
	// Reduction is "mean" (all channels) or "luma" (BT.601 grayscale).
	Reduction string `yaml:"reduction"`
	// FrameRate overrides the rate reported by the video when > 0.
	// Required for image sequences.
	FrameRate      float64   `yaml:"frame_rate"`
	ROI            ROIConfig `yaml:"roi"`
	DownscaleWidth int       `yaml:"downscale_width"`
}

// ROIConfig is a crop rectangle in source pixels. Zero width or height disables it.
type ROIConfig struct {
	X      int `yaml:"x"`
	Y      int `yaml:"y"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Rect returns the ROI as an image.Rectangle, empty when disabled.
func (r ROIConfig) Rect() image.Rectangle {
	if r.Width <= 0 || r.Height <= 0 {
		return image.Rectangle{}
	}
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

type DetectionConfig struct {
	Sensitivity   float64 `yaml:"sensitivity"`
	Offset        float64 `yaml:"offset"`
	MinProminence float64 `yaml:"min_prominence"`
}

// Peaks converts the section to detector parameters.
func (d DetectionConfig) Peaks() peaks.Config {
	return peaks.Config{
		Sensitivity:   d.Sensitivity,
		Offset:        d.Offset,
		MinProminence: d.MinProminence,
	}
}

type ExportConfig struct {
	// CSVPath receives one row per peak, appended across runs. Empty disables.
	CSVPath    string `yaml:"csv_path"`
	SignalPath string `yaml:"signal_path"`
	PlotPath   string `yaml:"plot_path"`
	PlotWidth  int    `yaml:"plot_width"`
	PlotHeight int    `yaml:"plot_height"`
	// SnapshotDir receives one still image per detected flash. Empty disables.
	SnapshotDir string `yaml:"snapshot_dir"`
}

// Load reads configuration from file or returns defaults
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes configuration to file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := sampler.ParseReduction(c.Sampling.Reduction); err != nil {
		return fmt.Errorf("sampling.reduction: %w", err)
	}
	if c.Sampling.FrameRate < 0 {
		return fmt.Errorf("sampling.frame_rate must be >= 0")
	}
	if c.Sampling.DownscaleWidth < 0 {
		return fmt.Errorf("sampling.downscale_width must be >= 0")
	}
	roi := c.Sampling.ROI
	if roi.X < 0 || roi.Y < 0 || roi.Width < 0 || roi.Height < 0 {
		return fmt.Errorf("sampling.roi values must be >= 0")
	}
	if err := c.Detection.Peaks().Validate(); err != nil {
		return fmt.Errorf("detection: %w", err)
	}
	if c.Export.PlotWidth < 0 || c.Export.PlotHeight < 0 {
		return fmt.Errorf("export plot size must be >= 0")
	}
	if c.FFmpeg.Threads < 0 {
		return fmt.Errorf("ffmpeg.threads must be >= 0")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	det := peaks.DefaultConfig()
	return &Config{
		FFmpeg: FFmpegConfig{
			BinaryPath: "ffmpeg",
			ProbePath:  "ffprobe",
			Threads:    0,
		},
		Sampling: SamplingConfig{
			Reduction: string(sampler.ReduceMean),
		},
		Detection: DetectionConfig{
			Sensitivity:   det.Sensitivity,
			Offset:        det.Offset,
			MinProminence: det.MinProminence,
		},
		Export: ExportConfig{
			CSVPath:    "analysis_results.csv",
			PlotWidth:  1024,
			PlotHeight: 600,
		},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvFFmpegPath); v != "" {
		c.FFmpeg.BinaryPath = v
	}
	if v := os.Getenv(EnvFFprobePath); v != "" {
		c.FFmpeg.ProbePath = v
	}
	if v, ok := os.LookupEnv(EnvCSVPath); ok {
		c.Export.CSVPath = v
	}
}

func findConfigFile() string {
	candidates := []string{
		"./scintillate.yaml",
		"./scintillate.yml",
		filepath.Join(os.Getenv("HOME"), ".scintillate", "config.yaml"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// WithConfig stores config in context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// FromContext retrieves config from context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configKey).(*Config); ok {
		return cfg
	}
	return defaultConfig()
}
