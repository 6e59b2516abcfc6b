package config

import (
	"bytes"
	"io"
	"reflect"
	"strings"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"

	"go.viam.com/rgbdinput/logging"
)

// Read reads a config from the given file. Environment variables referenced as $VAR or ${VAR}
// are substituted first.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	return FromReader(filePath, bytes.NewReader(buf))
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from.
// The input is JSON5, so comments and trailing commas are allowed. Fields left out keep the
// values of Default.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var attributes map[string]interface{}
	if err := json5.Unmarshal(raw, &attributes); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      cfg,
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			logLevelHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	cfg.ConfigFilePath = originalPath

	if err := cfg.Ensure(); err != nil {
		return nil, errors.Wrap(err, "failed to process config")
	}
	return cfg, nil
}

var levelType = reflect.TypeOf(logging.INFO)

// logLevelHook decodes log levels from their names.
func logLevelHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != levelType || from.Kind() != reflect.String {
		return data, nil
	}
	return logging.LevelFromString(strings.TrimSpace(data.(string)))
}
