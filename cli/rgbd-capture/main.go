// Package main is the rgbd-capture command.
package main

import (
	"fmt"
	"os"

	"go.viam.com/rgbdinput/cli"
)

func main() {
	if err := cli.NewApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
