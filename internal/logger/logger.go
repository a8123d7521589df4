package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for training output logs.
const (
	DefaultMaxSizeMB  = 50 // training logs are chatty; a long run emits hundreds of MB
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 14
)

// Config describes where the supervisor persists the training subprocess
// output. If Path is empty and Dir is set, the file is Dir/<name>.train.log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	Path       string `json:"path" mapstructure:"path"` // explicit path overrides Dir
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Writer returns an io.WriteCloser for the combined training output of the
// named run, or nil when no file logging is configured.
func (c Config) Writer(name string) (io.WriteCloser, error) {
	path := c.Path
	if path == "" && c.Dir != "" {
		path = filepath.Join(c.Dir, fmt.Sprintf("%s.train.log", name))
	}
	if path == "" {
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// NewDefault returns the application logger used by the CLI and server.
func NewDefault(debug bool) *slog.Logger {
	lvl := slog.LevelInfo
	if debug {
		lvl = slog.LevelDebug
	}
	h := NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}, true)
	return slog.New(h)
}
