package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config bundles the supervisor's own structured logging (Slog) with the
// file destinations used for child process output (File).
type Config struct {
	Slog SlogConfig `json:"slog" mapstructure:"slog"`
	File FileConfig `json:"file" mapstructure:"file"`
}

// SlogConfig controls the application logger.
// When Path is set the log is written to a rotating file instead of stderr.
type SlogConfig struct {
	Level      Level  `json:"level" mapstructure:"level"`
	Format     Format `json:"format" mapstructure:"format"`
	Color      bool   `json:"color" mapstructure:"color"`
	TimeStamps bool   `json:"timestamps" mapstructure:"timestamps"`
	Source     bool   `json:"source" mapstructure:"source"`
	Path       string `json:"path" mapstructure:"path"`
}

// FileConfig describes logging destinations for a process.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `json:"dir" mapstructure:"dir"`                   // base directory for logs
	StdoutPath string `json:"stdout_path" mapstructure:"stdout_path"`   // explicit stdout path overrides Dir
	StderrPath string `json:"stderr_path" mapstructure:"stderr_path"`   // explicit stderr path overrides Dir
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`   // megabytes before rotation (default 10)
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`   // number of backups to keep (default 3)
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `json:"compress" mapstructure:"compress"`         // Gzip rotated files
}

// ProcessWriters returns io.WriteClosers for stdout and stderr for given process name.
// Either writer is nil when no destination resolves for that stream. Parent
// directories are created first; on failure both writers are nil.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.File.StdoutPath
	stderr := c.File.StderrPath
	if stdout == "" && c.File.Dir != "" {
		stdout = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.File.Dir != "" {
		stderr = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	for _, p := range []string{stdout, stderr} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir for %s: %w", name, err)
		}
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotating(stdout)
	}
	if stderr != "" {
		errW = c.File.rotating(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// NewSlogger builds the application logger described by c.Slog.
func (c Config) NewSlogger() *slog.Logger {
	var w io.Writer = os.Stderr
	color := c.Slog.Color
	if c.Slog.Path != "" {
		_ = os.MkdirAll(filepath.Dir(c.Slog.Path), 0o750)
		w = c.File.rotating(c.Slog.Path)
		color = false
	}
	return c.Slog.newLogger(w, color)
}

// NewProcessLogger returns a logger tagged with the process name.
func (c Config) NewProcessLogger(name string) *slog.Logger {
	return c.NewSlogger().With(slog.String("process", name))
}

func (s SlogConfig) newLogger(w io.Writer, color bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(string(s.Level)),
		AddSource: s.Source,
	}
	if !s.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	var h slog.Handler
	switch {
	case s.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case color:
		h = NewColorTextHandler(w, opts, s.TimeStamps)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// ParseLevel maps a level name to slog.Level; unknown names yield Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
