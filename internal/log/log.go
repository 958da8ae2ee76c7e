// Package log holds the loggers of a shardkv node. Replication events go
// to the default logger; grpc-go gets a logger of its own so that its
// chatter can be turned down independently.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogTimestampFormat defines the timestamp format in log files
const LogTimestampFormat = "2006-01-02T15:04:05.000Z"

var (
	defaultLogger = logrus.StandardLogger()
	grpcGo        = logrus.New()

	// Loggers lists every logger of the process.
	Loggers = []*logrus.Logger{defaultLogger, grpcGo}
)

func init() {
	// Anything logged before the configuration is loaded goes to stdout.
	for _, l := range Loggers {
		l.Out = os.Stdout
	}
}

func formatter(format string) (logrus.Formatter, error) {
	switch format {
	case "json":
		return &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat}, nil
	case "text":
		return &logrus.TextFormatter{TimestampFormat: LogTimestampFormat}, nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// Configure sets the format and level of the loggers. An unknown level
// falls back to info. The grpc-go logger is one level quieter unless
// GRPC_GO_LOG_SEVERITY_LEVEL says otherwise.
func Configure(loggers []*logrus.Logger, format string, level string) error {
	f, err := formatter(format)
	if err != nil {
		return err
	}

	logrusLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logrusLevel = logrus.InfoLevel
	}

	for _, l := range loggers {
		if l == grpcGo {
			l.SetLevel(grpcGoLevel(logrusLevel))
		} else {
			l.SetLevel(logrusLevel)
		}

		if f != nil {
			l.Formatter = f
		}
	}
	return nil
}

func grpcGoLevel(level logrus.Level) logrus.Level {
	// https://github.com/grpc/grpc-go#how-to-turn-on-logging
	if severity := os.Getenv("GRPC_GO_LOG_SEVERITY_LEVEL"); severity != "" {
		if parsed, err := logrus.ParseLevel(strings.ToLower(severity)); err == nil {
			return parsed
		}
	}

	if level == logrus.InfoLevel {
		return logrus.WarnLevel
	}
	return level
}

// RedirectToDir makes all loggers append to the file name inside dir. The
// returned function closes the file.
func RedirectToDir(loggers []*logrus.Logger, dir, name string) (func() error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	for _, l := range loggers {
		l.SetOutput(logFile)
	}

	return logFile.Close, nil
}

// Default returns the logger for replication events.
func Default() *logrus.Entry { return defaultLogger.WithField("pid", os.Getpid()) }

// GrpcGo returns the logger handed to grpc-go.
func GrpcGo() *logrus.Entry { return grpcGo.WithField("pid", os.Getpid()) }
