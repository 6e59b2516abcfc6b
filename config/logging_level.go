package config

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"go.viam.com/rgbdinput/logging"
)

var globalLogger struct {
	// These variables are initialized once at startup. No need for special synchronization.
	logger           logging.Logger
	cmdLineDebugFlag bool

	// fileLevel can change while capturing when the config file is edited. Every time it
	// changes the log level is re-evaluated.
	mu        sync.Mutex
	fileLevel logging.Level
}

// InitLoggingSettings initializes the global logging settings.
func InitLoggingSettings(logger logging.Logger, cmdLineDebugFlag bool) {
	globalLogger.logger = logger
	globalLogger.cmdLineDebugFlag = cmdLineDebugFlag
	if cmdLineDebugFlag {
		logging.GlobalLogLevel.SetLevel(zapcore.DebugLevel)
	} else {
		logging.GlobalLogLevel.SetLevel(zapcore.InfoLevel)
	}
	globalLogger.logger.Info("Log level initialized: ", logging.GlobalLogLevel.Level())
}

// UpdateFileConfigLevel is used to update the level whenever the config file is (re)read.
func UpdateFileConfigLevel(level logging.Level) {
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()

	globalLogger.fileLevel = level
	refreshLogLevelInLock()
}

func refreshLogLevelInLock() {
	if globalLogger.logger == nil {
		return
	}
	globalLogger.logger.SetLevel(globalLogger.fileLevel)

	var newLevel zapcore.Level
	if globalLogger.cmdLineDebugFlag || globalLogger.fileLevel == logging.DEBUG {
		// Debug from anywhere turns on debug logs for every logger, including the subloggers
		// that copied their level when they were created.
		newLevel = zap.DebugLevel
	} else {
		newLevel = zap.InfoLevel
	}

	if logging.GlobalLogLevel.Level() == newLevel {
		return
	}
	globalLogger.logger.Info("New log level: ", newLevel)
	logging.GlobalLogLevel.SetLevel(newLevel)
}
