package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/audiolibrelab/screencap/internal/config"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "screencap",
	Short: "Record a screen, window or browser tab to a video file",
	Long: `screencap records a whole screen, a single window or a browser tab,
optionally mixed with the microphone, and saves it as recording-<unix-ms>.webm
(or .mp4 when only MP4 is available).

Recordings are written to the output directory of the active profile or
uploaded to S3, GCS or Azure when a sink is configured.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Use default config path if not specified
		if cfgFile == "" {
			cfgFile = os.ExpandEnv("$HOME/.config/screencap.yaml")
		}

		var err error
		cfg, err = config.LoadOrDefault(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		setupLogging(verboseLevel, cfg.Logging)
		slog.Debug("Configuration loaded", "config", cfgFile, "profile", profile)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/screencap.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().CountVarP(&verboseLevel, "verbose", "v", "verbose level: -v debug, -vv ffmpeg output, -vvv ffmpeg report files")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(formatsCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int, logging config.LoggingConfig) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	if logging.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logging.File,
			MaxSize:    logging.MaxSizeMB,
			MaxBackups: logging.MaxBackups,
			MaxAge:     logging.MaxAgeDays,
		})
	}

	// Configure text handler for clean terminal output
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))

	// Level 3 asks ffmpeg for a report file per run
	if level >= 3 && os.Getenv("FFREPORT") == "" {
		os.Setenv("FFREPORT", "file=screencap-%p-%t.log:level=48")
	}
}

// ffmpegVerbose reports whether ffmpeg output goes to the debug log
func ffmpegVerbose() bool {
	return verboseLevel >= 2
}
