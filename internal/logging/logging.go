// Package logging builds the logrus loggers used across the service.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls console and file logging.
type Config struct {
	Level      string `yaml:"level" ini:"level"`
	FileLevel  string `yaml:"file_level" ini:"file_level"`
	File       string `yaml:"file" ini:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" ini:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" ini:"max_backups"`
	JSON       bool   `yaml:"json" ini:"json"`
}

// Logger is the root logger plus the rotating file behind it, if any.
type Logger struct {
	*logrus.Logger
	file *lumberjack.Logger
}

// New configures a logger. Console output goes to stdout at Level; when File
// is set, entries at FileLevel and above are also written to a rotating file.
func New(cfg Config) (*Logger, error) {
	level, err := parseLevel(cfg.Level, logrus.InfoLevel)
	if err != nil {
		return nil, err
	}
	fileLevel, err := parseLevel(cfg.FileLevel, level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if cfg.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	}

	maxLevel := level
	logger.AddHook(&writerHook{Writer: os.Stdout, LogLevels: availableLevels(level)})

	out := &Logger{Logger: logger}
	if cfg.File != "" {
		if cfg.MaxSizeMB <= 0 {
			cfg.MaxSizeMB = 100
		}
		if cfg.MaxBackups <= 0 {
			cfg.MaxBackups = 1
		}
		out.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
		}
		logger.AddHook(&writerHook{Writer: out.file, LogLevels: availableLevels(fileLevel)})
		if fileLevel > maxLevel {
			maxLevel = fileLevel
		}
	}
	logger.SetLevel(maxLevel)
	return out, nil
}

// Component returns an entry tagged with a component name.
func (l *Logger) Component(name string) *logrus.Entry {
	return l.WithField("component", name)
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Discard returns an entry that drops everything, for tests and defaults.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// writerHook writes logs to the specified writer for provided levels.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := e.Bytes()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write(line)
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

func parseLevel(s string, def logrus.Level) (logrus.Level, error) {
	if s == "" {
		return def, nil
	}
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return def, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
