package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/PageStreamer/internal/api"
	"github.com/bryanchriswhite/PageStreamer/internal/config"
	"github.com/bryanchriswhite/PageStreamer/internal/failure"
	"github.com/bryanchriswhite/PageStreamer/internal/logger"
	"github.com/bryanchriswhite/PageStreamer/internal/pipeline"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command flags onto config keys. Both stream commands define
// some of the same flags, so they are bound when the command runs.
var flagKeys = map[string]string{
	"rtmp":        "destinations",
	"fps":         "fps",
	"quality":     "quality",
	"resolution":  "resolution",
	"display":     "display",
	"color-depth": "color_depth",
	"xvfb":        "binaries.xvfb",
	"tolerate":    "encoder.tolerate_destination_failure",
}

func bindStreamFlags(flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	return nil
}

// addStreamFlags registers the flags shared by every capture strategy
func addStreamFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("rtmp", nil, "RTMP destination URL (repeatable, at least one required)")
	cmd.Flags().Int("fps", 30, "frames per second")
	cmd.Flags().Bool("tolerate", false, "keep streaming to the other destinations when one drops")
	cmd.MarkFlagRequired("rtmp")
}

// runStream loads configuration, builds the pipeline for strategy and runs it
// until it fails or the process is interrupted
func runStream(cmd *cobra.Command, strategy config.Strategy, pageURL string) error {
	if err := bindStreamFlags(cmd.Flags()); err != nil {
		return err
	}

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	configMgr.ApplyOverrides(viper.GetViper())
	configMgr.SetURL(pageURL)
	cfg := configMgr.Get()

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.WithComponent("cli")

	supervisor, err := pipeline.Build(cfg, strategy)
	if err != nil {
		return err
	}

	log.Info().
		Str("run_id", supervisor.RunID()).
		Str("strategy", string(strategy)).
		Str("url", cfg.URL).
		Int("destinations", len(cfg.Destinations)).
		Int("fps", cfg.FPS).
		Msg("PageStreamer starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.StatusPort > 0 {
		srv := api.NewServer(supervisor)
		if p := supervisor.Preview(); p != nil {
			srv.MountPreview(p)
		}
		go func() {
			if err := srv.Start(ctx, cfg.StatusPort); err != nil {
				log.Warn().Err(err).Msg("Status server stopped")
			}
		}()
	}

	if err := supervisor.Run(ctx); err != nil {
		log.Error().
			Err(err).
			Str("kind", failure.KindOf(err).String()).
			Msg("Pipeline failed; no reconnection is attempted")
		return err
	}
	log.Info().Msg("PageStreamer stopped")
	return nil
}
