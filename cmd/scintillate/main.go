package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/keagan/scintillate/internal/config"
	"github.com/keagan/scintillate/internal/export"
	"github.com/keagan/scintillate/internal/logging"
	"github.com/keagan/scintillate/internal/pipeline"
	"github.com/keagan/scintillate/pkg/util"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	cfgFile string
	verbose bool
	logJSON bool
)

func main() {
	ctx := context.Background()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if kind := errorKind(err); kind != "" {
			log.Error().Str("kind", kind).Err(err).Msg("analysis failed")
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "scintillate",
	Short:        "scintillate - flash detection for scintillator recordings",
	Long:         "Samples per-frame brightness from a scintillator video and reports each flash with its time and intensity.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading .env: %w", err)
		}

		logging.Init(verbose, logJSON)

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		ctx := config.WithConfig(cmd.Context(), cfg)
		cmd.SetContext(ctx)

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./scintillate.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON lines")

	addDetectionFlags(analyzeCmd)
	addOutputFlags(analyzeCmd)
	analyzeCmd.Flags().Float64("fps", 0, "frame rate override (required for image directories)")
	analyzeCmd.Flags().String("reduction", "", "frame reduction: mean or luma")
	analyzeCmd.Flags().String("roi", "", "region of interest x,y,w,h in source pixels")
	analyzeCmd.Flags().Int("downscale", 0, "downscale frames to this width before sampling")
	analyzeCmd.Flags().String("snapshots", "", "write one still per flash into this directory")

	addDetectionFlags(detectCmd)
	addOutputFlags(detectCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [video or image directory]",
	Short: "Sample brightness and detect flashes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig(cmd)
		if err != nil {
			return err
		}

		pipe, err := pipeline.New(log.Logger, cfg)
		if err != nil {
			return err
		}

		res, err := pipe.Analyze(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if cfg.Export.SnapshotDir != "" {
			if res.Video == nil {
				log.Warn().Msg("snapshots need a video input, skipping")
			} else if _, err := pipe.Snapshots(cmd.Context(), res, cfg.Export.SnapshotDir); err != nil {
				log.Warn().Err(err).Msg("some snapshots could not be written")
			}
		}

		return finish(cmd, cfg, res)
	},
}

var detectCmd = &cobra.Command{
	Use:   "detect [signal.csv]",
	Short: "Re-run flash detection on an exported signal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig(cmd)
		if err != nil {
			return err
		}

		sig, err := export.ReadSignalFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read signal: %w", err)
		}

		pipe, err := pipeline.New(log.Logger, cfg)
		if err != nil {
			return err
		}

		res, err := pipe.Analyzer().Detect(args[0], sig)
		if err != nil {
			return err
		}

		// the signal already lives on disk
		cfg.Export.SignalPath = ""
		return finish(cmd, cfg, res)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe [video]",
	Short: "Print video metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe, err := pipeline.New(log.Logger, config.FromContext(cmd.Context()))
		if err != nil {
			return err
		}

		info, err := pipe.Probe(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		printVideoInfo(cmd.OutOrStdout(), info)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Config management commands",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(config.FromContext(cmd.Context()))
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "scintillate.yaml"
		if len(args) == 1 {
			path = args[0]
		}

		force, _ := cmd.Flags().GetBool("force")
		if util.FileExists(path) && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := util.EnsureParent(path); err != nil {
			return err
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}

		log.Info().Str("path", path).Msg("config written")
		return nil
	},
}
