// Package cli holds the pieces shared by the netroute binaries: logging,
// proxy authentication, and route definitions read from flags or files.
package cli

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`
	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// DefaultLogConfig logs at info level to stderr, leaving stdout free for
// tunnelled data.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:   "info",
		Format:  "console",
		Outputs: []string{"stderr"},
		Rotation: RotationConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// RegisterFlags adds -log-level, -log-format and -log-file to fs.
func (c *LogConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Level, "log-level", c.Level, "Log level: debug, info, warn, error")
	fs.StringVar(&c.Format, "log-format", c.Format, "Log format: console or json")
	fs.Var(&logFiles{c: c}, "log-file", "Also log to this file, rotated (can be repeated)")
}

// ApplyFlags overrides c with the logging flags explicitly set on fs, for
// use after c has been read from a file.
func (c *LogConfig) ApplyFlags(fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			c.Level = f.Value.String()
		case "log-format":
			c.Format = f.Value.String()
		case "log-file":
			if files, ok := f.Value.(*logFiles); ok {
				c.Outputs = append(slices.Clone(c.Outputs), files.paths...)
				c.Rotation.Enable = true
			}
		}
	})
}

// logFiles is the -log-file flag. It keeps the paths it was given so
// ApplyFlags can add them again.
type logFiles struct {
	c     *LogConfig
	paths []string
}

func (f *logFiles) String() string {
	return strings.Join(f.paths, ",")
}

func (f *logFiles) Set(path string) error {
	f.paths = append(f.paths, path)
	f.c.Outputs = append(f.c.Outputs, path)
	f.c.Rotation.Enable = true
	return nil
}

// NewLogger builds a zap.Logger from c. The caller should defer
// logger.Sync().
func NewLogger(c LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(c.Level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	switch strings.ToLower(c.Format) {
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "", "console":
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format %q", c.Format)
	}

	outputs := c.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	var cores []zapcore.Core
	for _, out := range outputs {
		ws, err := writeSyncer(out, c.Rotation)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)), nil
}

func writeSyncer(out string, r RotationConfig) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
	}
	if r.Enable {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   out,
			MaxSize:    max(r.MaxSizeMB, 10),
			MaxBackups: max(r.MaxBackups, 1),
			MaxAge:     max(r.MaxAgeDays, 7),
			Compress:   r.Compress,
		}), nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return zapcore.AddSync(f), nil
}
