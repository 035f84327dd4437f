package nxjit

import (
	"fmt"
	"os"

	"github.com/docker/go-units"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	log        *zap.Logger
	bufferSize int
	validate   bool
	mem        Memory
	pager      pager
	protect    func(r Range, prot int) error
}

func defaultOptions() options {
	return options{
		log:        zap.NewNop(),
		bufferSize: DefaultBufferSize,
		validate:   true,
		mem:        ProcessMemory(),
		protect:    protect,
	}
}

// WithLogger sets the logger. Nothing is logged by default.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithBufferSize sets the size of code buffers that are allocated on demand.
// Buffers reserved for a section are always the size of the section.
func WithBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithValidation turns decoding of every translated region, and comparing
// it with the original, on or off. Differences are only logged. It's on by
// default.
func WithValidation(validate bool) Option {
	return func(o *options) {
		o.validate = validate
	}
}

// WithMemory sets where code is read from. The default is the current
// process.
func WithMemory(mem Memory) Option {
	return func(o *options) {
		if mem != nil {
			o.mem = mem
		}
	}
}

func withPager(p pager) Option {
	return func(o *options) {
		o.pager = p
	}
}

func withProtect(fn func(r Range, prot int) error) Option {
	return func(o *options) {
		o.protect = fn
	}
}

// Environment variables read by ConfigFromEnv.
const (
	EnvLog        = "NXJIT_LOG"
	EnvLogLevel   = "NXJIT_LOG_LEVEL"
	EnvBufferSize = "NXJIT_BUFFER_SIZE"
	EnvValidate   = "NXJIT_VALIDATE"
)

// DefaultLogPath is where the log goes when NXJIT_LOG isn't set.
const DefaultLogPath = "nxjit.log"

// Config is the configuration of an injected engine.
type Config struct {
	// LogPath is the log file. Empty means no log.
	LogPath  string
	LogLevel zapcore.Level

	BufferSize int
	Validate   bool
}

// ConfigFromEnv builds a Config from the environment:
//
//	NXJIT_LOG          log file, "-" to disable (default nxjit.log)
//	NXJIT_LOG_LEVEL    debug, info, warn or error (default info)
//	NXJIT_BUFFER_SIZE  size of on-demand code buffers, e.g. "4MiB" (default 1MiB)
//	NXJIT_VALIDATE     "0" to turn off validation of translated code
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		LogPath:    DefaultLogPath,
		LogLevel:   zapcore.InfoLevel,
		BufferSize: DefaultBufferSize,
		Validate:   true,
	}

	if v, ok := os.LookupEnv(EnvLog); ok {
		if v == "-" {
			v = ""
		}
		cfg.LogPath = v
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		level, err := zapcore.ParseLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvLogLevel, err)
		}
		cfg.LogLevel = level
	}

	if v := os.Getenv(EnvBufferSize); v != "" {
		size, err := units.RAMInBytes(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvBufferSize, err)
		}
		if size <= 0 {
			return Config{}, fmt.Errorf("%s: size must be positive, got %q", EnvBufferSize, v)
		}
		cfg.BufferSize = int(size)
	}

	if v := os.Getenv(EnvValidate); v != "" {
		cfg.Validate = v != "0"
	}

	return cfg, nil
}

// Options turns the config into engine options, opening the log file if
// there is one.
func (c Config) Options() ([]Option, error) {
	opts := []Option{
		WithBufferSize(c.BufferSize),
		WithValidation(c.Validate),
	}

	if c.LogPath != "" {
		log, err := NewFileLogger(c.LogPath, c.LogLevel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithLogger(log))
	}

	return opts, nil
}

// NewFileLogger returns a JSON logger that appends to path.
func NewFileLogger(path string, level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}
	// The stack of whatever thread faulted isn't interesting.
	cfg.DisableStacktrace = true

	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}
	return log, nil
}
