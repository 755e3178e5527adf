package commands

import (
	"github.com/bryanchriswhite/PageStreamer/internal/config"
	"github.com/spf13/cobra"
)

var headlessCmd = &cobra.Command{
	Use:   "headless URL",
	Short: "Stream a page rendered on a virtual X display",
	Long: `Start an Xvfb display, open URL full screen in Chromium on it and let
ffmpeg grab the display directly, encoding once and duplicating the stream to
every --rtmp destination.`,
	Example: `  # Default 1280x720 on :99
  pagestreamer headless https://example.com --rtmp rtmp://a.example/live/key

  # 1080p on another display
  pagestreamer headless https://example.com --rtmp rtmp://a.example/live/key \
    --resolution 1920x1080 --display :42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStream(cmd, config.StrategySurfaceGrab, args[0])
	},
}

func init() {
	rootCmd.AddCommand(headlessCmd)

	addStreamFlags(headlessCmd)
	headlessCmd.Flags().String("resolution", "1280x720", "display resolution WIDTHxHEIGHT")
	headlessCmd.Flags().String("display", ":99", "X display address")
	headlessCmd.Flags().Int("color-depth", 24, "display color depth (16, 24 or 32)")
	headlessCmd.Flags().String("xvfb", "", "Xvfb binary")
}
