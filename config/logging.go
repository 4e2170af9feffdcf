package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger. With LogFile set, output goes to
// stdout and to a rotated file.
func NewLogger(cfg *Config) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   true,
		})
	}
	log.SetOutput(out)
	return log, nil
}

// NewRequestLogger writes gin access logs through log, so they share its
// formatter and rotated file. The returned closer ends the pipe into log.
func NewRequestLogger(log *logrus.Logger, skipPaths ...string) (gin.HandlerFunc, io.Closer) {
	w := log.WithField("component", "http").Writer()
	return logger.SetLogger(
		logger.WithWriter(w),
		logger.WithUTC(true),
		logger.WithSkipPath(skipPaths),
	), w
}
