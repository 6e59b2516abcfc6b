package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/rgbdinput/config"
	"go.viam.com/rgbdinput/data"
	"go.viam.com/rgbdinput/logging"
	"go.viam.com/rgbdinput/rgbd"
)

// newLogger returns the root logger of a command, writing to the app's error writer.
func newLogger(c *cli.Context) logging.Logger {
	logger := logging.NewBlankLogger("rgbd-capture")
	logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	logger.SetLevel(logging.INFO)
	return logger
}

// loadConfig reads the file given with --config, or returns the defaults without one.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String(flagConfig)
	if path == "" {
		return config.Default(), nil
	}
	return config.Read(path)
}

func printf(c *cli.Context, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(c.App.Writer, format+"\n", a...)
}

// RunAction captures frames until --frames were written, the stream ends or the process is
// interrupted, then prints a summary.
func RunAction(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if out := c.String(flagOut); out != "" {
		cfg.Output.Dir = out
	}
	frames := c.Int(flagFrames)
	if frames < 0 {
		return errors.Errorf("--%s cannot be negative", flagFrames)
	}
	if err := cfg.Ensure(); err != nil {
		return err
	}

	logger := newLogger(c)
	logging.ReplaceGlobal(logger)
	config.InitLoggingSettings(logger, c.Bool(flagDebug))
	config.UpdateFileConfigLevel(cfg.Log.Level)
	if cfg.Log.File != nil {
		appender, closer := logging.NewFileAppender(*cfg.Log.File)
		logger.AddAppender(appender)
		defer func() {
			err = multierr.Combine(err, closer.Close())
		}()
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Bool(flagWatch) {
		if cfg.ConfigFilePath == "" {
			return errors.Errorf("--%s needs --%s", flagWatch, flagConfig)
		}
		prev := cfg
		watcher, err := config.NewWatcher(cfg.ConfigFilePath, config.DefaultWatchDebounce, logger.Sublogger("config"),
			func(next *config.Config) {
				config.UpdateFileConfigLevel(next.Log.Level)
				if diff := config.InputDiff(prev, next); diff != "" {
					logger.Warnw("input settings changed, they apply to the next capture", "diff", diff)
				}
			})
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Combine(err, watcher.Close())
		}()
	}

	backend, err := rgbd.NewBackend(ctx, cfg.Input, logger.Sublogger(cfg.Input.Backend))
	if err != nil {
		return err
	}
	in, err := rgbd.NewInput(backend, cfg.Input, logger.Sublogger("input"))
	if err != nil {
		return err
	}
	collector, err := data.NewCollector(cfg.Output, logger.Sublogger("output"))
	if err != nil {
		return err
	}
	if err := in.Start(ctx, collector); err != nil {
		return err
	}
	if cfg.Output.Dir != "" {
		logger.Infow("writing frames", "dir", cfg.Output.Dir, "session", in.SessionID())
	}

	captureErr := capture(ctx, in, frames)
	if err := in.Close(context.Background()); err != nil {
		captureErr = multierr.Combine(captureErr, err)
	}
	stats := in.Stats()
	logger.Infow("capture finished",
		"captures", stats.Captures,
		"timeouts", stats.Timeouts,
		"dropped_missing", stats.DroppedMissing,
		"dropped_decode", stats.DroppedDecode,
		"dropped_overflow", stats.Queue.Dropped,
	)

	summary, err := collector.Summary()
	if err != nil {
		return multierr.Combine(captureErr, err)
	}
	printf(c, "%s", summary.Table())
	return multierr.Combine(captureErr, collector.Err())
}

// capture moves frames into the input's sink until frames were moved, zero meaning no limit.
// An interrupt or the stream ending early is not an error, the capture loop failing is.
func capture(ctx context.Context, in *rgbd.Input, frames int) error {
	for n := 0; frames == 0 || n < frames; n++ {
		err := in.NextFrame(ctx)
		switch {
		case err == nil:
		case errors.Is(err, rgbd.ErrStreamClosed):
			return in.Err()
		case ctx.Err() != nil:
			return nil
		default:
			return err
		}
	}
	return nil
}

// DevicesAction lists the registered backends with their device counts and the registered
// undistorters.
func DevicesAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(c)
	if c.Bool(flagDebug) {
		logger.SetLevel(logging.DEBUG)
	}

	t := table.NewWriter()
	t.AppendHeader(table.Row{"Backend", "Devices", "Error"})
	for _, name := range rgbd.RegisteredBackends() {
		backendCfg := cfg.Input
		backendCfg.Backend = name
		backend, err := rgbd.NewBackend(c.Context, backendCfg, logger.Sublogger(name))
		if err != nil {
			t.AppendRow(table.Row{name, "-", err})
			continue
		}
		count, err := backend.InstalledCount(c.Context)
		if err != nil {
			t.AppendRow(table.Row{name, "-", err})
			continue
		}
		t.AppendRow(table.Row{name, count, ""})
	}
	printf(c, "%s", t.Render())
	printf(c, "undistorters: %v", rgbd.RegisteredUndistorters())
	return nil
}

// SchemaAction prints the JSON schema of the config file.
func SchemaAction(c *cli.Context) error {
	schema, err := config.SchemaJSON()
	if err != nil {
		return err
	}
	if !json.Valid(schema) {
		return errors.New("generated schema is not valid JSON")
	}
	printf(c, "%s", schema)
	return nil
}
