package pipeline

import (
	"context"

	"github.com/bryanchriswhite/PageStreamer/internal/browser"
	"github.com/bryanchriswhite/PageStreamer/internal/capture"
	"github.com/bryanchriswhite/PageStreamer/internal/config"
	"github.com/bryanchriswhite/PageStreamer/internal/display"
	"github.com/bryanchriswhite/PageStreamer/internal/encoder"
	"github.com/bryanchriswhite/PageStreamer/internal/failure"
	"github.com/bryanchriswhite/PageStreamer/internal/preview"
)

// Build validates cfg and assembles the real stages for strategy. Nothing is
// spawned; an invalid configuration fails here with failure.Configuration.
func Build(cfg *config.Config, strategy config.Strategy) (*Supervisor, error) {
	if err := cfg.Validate(strategy); err != nil {
		return nil, err
	}
	opts := Options{
		StopTimeout:  cfg.StopTimeout,
		Destinations: len(cfg.Destinations),
	}

	switch strategy {
	case config.StrategyScreencast:
		// Resolution is optional here: without it frames keep the page size
		var width, height int
		if cfg.Resolution != "" {
			var err error
			if width, height, err = cfg.Size(); err != nil {
				return nil, failure.New(failure.Configuration, "build pipeline", err)
			}
		}

		session := browser.New(browser.Options{
			Binary:          cfg.Binaries.Browser,
			URL:             cfg.URL,
			Headless:        true,
			Width:           width,
			Height:          height,
			DevToolsTimeout: cfg.StartupTimeout,
		})

		encOpts := encoder.OptionsFromConfig(cfg)
		encOpts.Width, encOpts.Height = width, height
		enc, err := encoder.New(encoder.PipedImages{Codec: "mjpeg"}, cfg.Destinations, encOpts)
		if err != nil {
			return nil, err
		}

		comps := Components{
			Browser: session,
			Connect: func(ctx context.Context) (capture.Session, error) {
				return session.Connect(ctx)
			},
			Encoder: enc,
		}
		// The preview is served by the status API, so it only exists with it
		if cfg.StatusPort > 0 {
			comps.Preview = preview.NewMJPEG()
		}

		return NewSupervisor(
			capture.ScreencastStrategy{Quality: cfg.Quality, MaxWidth: width, MaxHeight: height},
			comps,
			opts,
		)

	case config.StrategySurfaceGrab:
		width, height, err := cfg.Size()
		if err != nil {
			return nil, failure.New(failure.Configuration, "build pipeline", err)
		}

		vd := display.New(display.Options{
			Binary:       cfg.Binaries.Xvfb,
			Address:      cfg.Display,
			Width:        width,
			Height:       height,
			ColorDepth:   cfg.ColorDepth,
			ReadyTimeout: cfg.StartupTimeout,
		})

		session := browser.New(browser.Options{
			Binary: cfg.Binaries.Browser,
			URL:    cfg.URL,
			Width:  width,
			Height: height,
			Env:    vd.Env(),
		})

		encOpts := encoder.OptionsFromConfig(cfg)
		encOpts.Env = vd.Env()
		enc, err := encoder.New(encoder.SurfaceGrab{Display: cfg.Display, Width: width, Height: height}, cfg.Destinations, encOpts)
		if err != nil {
			return nil, err
		}

		return NewSupervisor(
			capture.SurfaceGrabStrategy{Display: cfg.Display, Width: width, Height: height, ColorDepth: cfg.ColorDepth},
			Components{
				Display: vd,
				Browser: session,
				Encoder: enc,
			},
			opts,
		)
	}

	return nil, failure.Newf(failure.Configuration, "build pipeline", "unknown capture strategy %q", strategy)
}
