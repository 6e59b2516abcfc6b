// Package config defines the structures to configure a capture session and reads them from
// disk.
package config

import (
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/rgbdinput/data"
	"go.viam.com/rgbdinput/logging"
	"go.viam.com/rgbdinput/rgbd"
)

// A Config describes the configuration of a capture session.
type Config struct {
	Input  rgbd.Config `json:"input"`
	Log    LogConfig   `json:"log"`
	Output data.Config `json:"output"`

	ConfigFilePath string `json:"-"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level logging.Level `json:"level"`
	// File additionally writes JSON log lines to a rotated file.
	File *logging.FileAppenderConfig `json:"file,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (lc *LogConfig) Validate(path string) error {
	if lc.File != nil && lc.File.Path == "" {
		return utils.NewConfigValidationFieldRequiredError(path+".file", "path")
	}
	if lc.File != nil && (lc.File.MaxSizeMB < 0 || lc.File.MaxBackups < 0 || lc.File.MaxAgeDays < 0) {
		return utils.NewConfigValidationError(path+".file", errors.New("rotation limits must not be negative"))
	}
	return nil
}

// Default returns the configuration used for every field a file leaves out.
func Default() *Config {
	return &Config{
		Input:  rgbd.DefaultConfig(),
		Log:    LogConfig{Level: logging.INFO},
		Output: data.DefaultConfig(),
	}
}

// Ensure ensures all parts of the config are valid.
func (c *Config) Ensure() error {
	if err := c.Input.Validate("input"); err != nil {
		return err
	}
	if err := c.Log.Validate("log"); err != nil {
		return err
	}
	return c.Output.Validate("output")
}
