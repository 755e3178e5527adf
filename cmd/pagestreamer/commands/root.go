package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "pagestreamer",
		Short: "PageStreamer - Stream a web page to RTMP destinations",
		Long: `PageStreamer renders a web page in Chromium, captures its output and
encodes it once, duplicating the stream to every RTMP destination.

Capture strategies:
  • screencast  JPEG frames pulled from a headless browser over DevTools
  • headless    a full browser window on a virtual X display, grabbed by ffmpeg

Any failure of the browser, the display or the encoder ends the whole run;
nothing is restarted or reconnected.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pagestreamer/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "human readable console logs")
	rootCmd.PersistentFlags().Int("status-port", 0, "serve the status API on this port (0 disables it)")
	rootCmd.PersistentFlags().String("ffmpeg", "", "ffmpeg binary")
	rootCmd.PersistentFlags().String("browser", "", "Chromium binary")
	rootCmd.PersistentFlags().Duration("stop-timeout", 0, "graceful stop wait per process before it is killed")

	// Bind flags to viper
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_pretty", rootCmd.PersistentFlags().Lookup("log-pretty"))
	viper.BindPFlag("status_port", rootCmd.PersistentFlags().Lookup("status-port"))
	viper.BindPFlag("binaries.ffmpeg", rootCmd.PersistentFlags().Lookup("ffmpeg"))
	viper.BindPFlag("binaries.browser", rootCmd.PersistentFlags().Lookup("browser"))
	viper.BindPFlag("stop_timeout", rootCmd.PersistentFlags().Lookup("stop-timeout"))
}

func initConfig() {
	// PAGESTREAMER_FPS, PAGESTREAMER_BINARIES_FFMPEG, ...
	viper.SetEnvPrefix("PAGESTREAMER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
