package common

import (
	"errors"
	"os"

	"github.com/sirupsen/logrus"
)

// LoggerWrapper provides a verbosity-gated Info/Error surface backed by a
// structured logrus.Logger instead of the stdlib log package, so every
// line can carry a traceID/sessionID field instead of being formatted into
// free text.
type LoggerWrapper struct {
	impl              *logrus.Logger
	fileName          string
	verbosity         int
	duplicateToStderr bool
}

func MakeLogger(logFile string, verbosity int64, noLogsIfEmpty bool, duplicateToStderr bool) (*LoggerWrapper, error) {
	if verbosity < -1 || verbosity > 2 {
		return nil, errors.New("incorrect verbosity passed")
	}

	impl := logrus.New()
	impl.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch {
	case logFile != "" && logFile != "stderr":
		out, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			return nil, err
		}
		impl.SetOutput(out)
	case !noLogsIfEmpty:
		impl.SetOutput(os.Stderr)
	default:
		impl.SetOutput(nil)
		impl.SetLevel(logrus.PanicLevel + 1) // effectively silent
	}

	return &LoggerWrapper{
		impl:              impl,
		fileName:          logFile,
		verbosity:         int(verbosity),
		duplicateToStderr: duplicateToStderr,
	}, nil
}

// WithFields returns a logrus entry pre-populated with correlation fields
// (traceID, sessionID, state...) for one task's lifetime.
func (logger *LoggerWrapper) WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.impl.WithFields(fields)
}

func (logger *LoggerWrapper) Info(verbosity int, v ...interface{}) {
	if logger.verbosity >= verbosity {
		logger.impl.Info(v...)
	}
}

func (logger *LoggerWrapper) Error(v ...interface{}) {
	logger.impl.Error(v...)
	if logger.duplicateToStderr {
		logrus.New().Error(v...)
	}
}

func (logger *LoggerWrapper) TmpDebug(v ...interface{}) {
	logger.impl.Debug(v...)
}

func (logger *LoggerWrapper) RotateLogFile() error {
	if logger.fileName == "" {
		return nil
	}
	out, err := os.OpenFile(logger.fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}

	logger.impl.SetOutput(out)
	return nil
}

func (logger *LoggerWrapper) GetFileName() string {
	return logger.fileName
}

func (logger *LoggerWrapper) GetFileSize() int64 {
	if logger.fileName == "" {
		return 0
	}
	stat, err := os.Stat(logger.fileName)
	if err != nil {
		return 0
	}
	return stat.Size()
}
