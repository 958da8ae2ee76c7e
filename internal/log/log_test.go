package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		format string
		level  string
		logger *logrus.Logger
	}{
		{
			desc:   "json format with info level",
			format: "json",
			logger: &logrus.Logger{
				Formatter: &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
		{
			desc:   "text format with info level",
			format: "text",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
		{
			desc: "empty format with info level",
			logger: &logrus.Logger{
				Level: logrus.InfoLevel,
			},
		},
		{
			desc:   "text format with debug level",
			format: "text",
			level:  "debug",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.DebugLevel,
			},
		},
		{
			desc:   "text format with invalid level",
			format: "text",
			level:  "invalid-level",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			loggers := []*logrus.Logger{{}, {}}
			require.NoError(t, Configure(loggers, tc.format, tc.level))
			require.Equal(t, []*logrus.Logger{tc.logger, tc.logger}, loggers)
		})
	}
}

func TestConfigure_invalidFormat(t *testing.T) {
	logger := &logrus.Logger{Level: logrus.DebugLevel}
	require.EqualError(t, Configure([]*logrus.Logger{logger}, "yaml", "info"), `invalid log format "yaml"`)
	require.Equal(t, logrus.DebugLevel, logger.Level)
}

func TestGrpcGoLevel(t *testing.T) {
	t.Setenv("GRPC_GO_LOG_SEVERITY_LEVEL", "")
	require.Equal(t, logrus.WarnLevel, grpcGoLevel(logrus.InfoLevel))
	require.Equal(t, logrus.DebugLevel, grpcGoLevel(logrus.DebugLevel))

	t.Setenv("GRPC_GO_LOG_SEVERITY_LEVEL", "ERROR")
	require.Equal(t, logrus.ErrorLevel, grpcGoLevel(logrus.InfoLevel))

	t.Setenv("GRPC_GO_LOG_SEVERITY_LEVEL", "bogus")
	require.Equal(t, logrus.WarnLevel, grpcGoLevel(logrus.InfoLevel))
}

func TestRedirectToDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger := logrus.New()
	logger.Formatter = &logrus.JSONFormatter{}

	closeLog, err := RedirectToDir([]*logrus.Logger{logger}, dir, "shardkv.log")
	require.NoError(t, err)

	logger.WithField("component", "test").Info("hello")
	require.NoError(t, closeLog())

	content, err := os.ReadFile(filepath.Join(dir, "shardkv.log"))
	require.NoError(t, err)
	require.Contains(t, string(content), `"component":"test"`)
	require.Contains(t, string(content), `"msg":"hello"`)
}
