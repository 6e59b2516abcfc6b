// Package cli contains the rgbd-capture command line tool.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

const (
	// Global flags.
	flagConfig = "config"
	flagDebug  = "debug"

	// Run flags.
	flagFrames = "frames"
	flagOut    = "out"
	flagWatch  = "watch"
)

// NewApp returns the rgbd-capture app writing its output to out.
func NewApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:            "rgbd-capture",
		Usage:           "stream undistorted depth and color frames from a depth camera",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "capture frames and write them to the output directory",
				UsageText: "rgbd-capture [--config FILE] run [--frames N] [--out DIR] [--watch]",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  flagFrames,
						Usage: "stop after `N` frames, 0 captures until interrupted",
					},
					&cli.StringFlag{
						Name:  flagOut,
						Usage: "write frames under `DIR`, overriding output.dir",
					},
					&cli.BoolFlag{
						Name:  flagWatch,
						Usage: "apply log level changes made to the config file while running",
					},
				},
				Action: RunAction,
			},
			{
				Name:   "devices",
				Usage:  "list capture backends and how many devices each sees",
				Action: DevicesAction,
			},
			{
				Name:   "schema",
				Usage:  "print the JSON schema of the config file",
				Action: SchemaAction,
			},
		},
	}
}
