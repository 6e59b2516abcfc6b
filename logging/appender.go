package logging

import (
	"io"
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Appender is an output for log entries. This is a subset of the `zapcore.Core` interface.
type Appender interface {
	// Write submits a structured log entry to the appender for logging.
	Write(zapcore.Entry, []zapcore.Field) error
	// Sync is for signaling that any buffered logs to `Write` should be flushed. E.g: at shutdown.
	Sync() error
}

// ConsoleAppender will create human readable, tab separated, lines of log output.
type ConsoleAppender struct {
	io.Writer
	encoder zapcore.Encoder
}

// NewStdoutAppender creates a new appender that writes console formatted lines to stdout.
func NewStdoutAppender() ConsoleAppender {
	return NewWriterAppender(os.Stdout)
}

// NewWriterAppender creates a new appender that writes console formatted lines to the given writer.
func NewWriterAppender(writer io.Writer) ConsoleAppender {
	return ConsoleAppender{writer, zapcore.NewConsoleEncoder(NewZapLoggerConfig().EncoderConfig)}
}

// Write outputs the log entry to the underlying stream.
func (appender ConsoleAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	buf, err := appender.encoder.EncodeEntry(entry, fields)
	if err != nil {
		return err
	}
	defer buf.Free()

	_, err = appender.Writer.Write(buf.Bytes())
	return err
}

// Sync is a no-op.
func (appender ConsoleAppender) Sync() error {
	return nil
}

// FileAppenderConfig describes a size-rotated log file.
type FileAppenderConfig struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

type fileAppender struct {
	file    *lumberjack.Logger
	encoder zapcore.Encoder
}

// NewFileAppender returns an appender writing JSON lines into a rotated log file. The returned
// closer must be called once logging to the file is done.
func NewFileAppender(conf FileAppenderConfig) (Appender, io.Closer) {
	file := &lumberjack.Logger{
		Filename:   conf.Path,
		MaxSize:    conf.MaxSizeMB,
		MaxBackups: conf.MaxBackups,
		MaxAge:     conf.MaxAgeDays,
		Compress:   conf.Compress,
	}
	return &fileAppender{file, zapcore.NewJSONEncoder(NewZapLoggerConfig().EncoderConfig)}, file
}

func (fa *fileAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	buf, err := fa.encoder.EncodeEntry(entry, fields)
	if err != nil {
		return err
	}
	defer buf.Free()

	_, err = fa.file.Write(buf.Bytes())
	return err
}

func (fa *fileAppender) Sync() error {
	return nil
}
