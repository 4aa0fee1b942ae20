package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/ashureev/replyhelper/internal/face"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	flagDetector string
	flagTimeout  time.Duration
	flagVerbose  bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "facecli",
		Short:         "Run the face model service against image files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if flagVerbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	// .env is optional; flags and the real environment still win.
	_ = godotenv.Load()

	cmd.PersistentFlags().StringVar(&flagDetector, "detector", os.Getenv("DETECTOR_ADDR"), "face model service address (host:port)")
	cmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "per-request timeout")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newAnnotateCmd())
	cmd.AddCommand(newModelsCmd())

	return cmd
}

func dialDetector() (*face.GrpcDetector, error) {
	cfg := face.DefaultGrpcDetectorConfig(flagDetector)
	cfg.RequestTimeout = flagTimeout
	return face.NewGrpcDetector(cfg, slog.Default())
}
