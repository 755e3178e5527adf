package commands

import (
	"github.com/bryanchriswhite/PageStreamer/internal/config"
	"github.com/spf13/cobra"
)

var screencastCmd = &cobra.Command{
	Use:   "screencast URL",
	Short: "Stream a page captured over the DevTools screencast",
	Long: `Launch headless Chromium on URL, pull its screencast frames over the
DevTools protocol and pipe them into a single ffmpeg encode that is
duplicated to every --rtmp destination.

Frames are forwarded strictly in order; the browser does not send the next
frame until the previous one has been handed to the encoder.`,
	Example: `  # Stream to two destinations
  pagestreamer screencast https://example.com \
    --rtmp rtmp://a.example/live/key --rtmp rtmp://b.example/live/key

  # Lower quality, 24 fps
  pagestreamer screencast https://example.com --rtmp rtmp://a.example/live/key --quality 60 --fps 24`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStream(cmd, config.StrategyScreencast, args[0])
	},
}

func init() {
	rootCmd.AddCommand(screencastCmd)

	addStreamFlags(screencastCmd)
	screencastCmd.Flags().Int("quality", 80, "JPEG quality of screencast frames (0-100)")
	screencastCmd.Flags().String("resolution", "1280x720", "output resolution WIDTHxHEIGHT")
}
