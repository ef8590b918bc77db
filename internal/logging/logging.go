package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the service logger: logrus writing to stdout and, when dir is
// set, a size-rotated file beneath it. An unparseable level falls back to
// info rather than failing startup.
func New(dir, level string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	if dir == "" {
		logger.SetOutput(os.Stdout)
		return logger, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory failed: %w", err)
	}
	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "rotation-service.log"),
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotated))
	return logger, nil
}
