package nxjit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// clearEnv unsets the config variables for the duration of the test.
func clearEnv(t *testing.T) {
	for _, name := range []string{EnvLog, EnvLogLevel, EnvBufferSize, EnvValidate} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestConfigFromEnv(t *testing.T) {
	cases := map[string]struct {
		env  map[string]string
		want Config
	}{
		"defaults": {
			want: Config{
				LogPath:    DefaultLogPath,
				LogLevel:   zapcore.InfoLevel,
				BufferSize: DefaultBufferSize,
				Validate:   true,
			},
		},
		"everything": {
			env: map[string]string{
				EnvLog:        "/tmp/x.log",
				EnvLogLevel:   "debug",
				EnvBufferSize: "4MiB",
				EnvValidate:   "0",
			},
			want: Config{
				LogPath:    "/tmp/x.log",
				LogLevel:   zapcore.DebugLevel,
				BufferSize: 4 << 20,
				Validate:   false,
			},
		},
		"no log": {
			env: map[string]string{EnvLog: "-"},
			want: Config{
				LogLevel:   zapcore.InfoLevel,
				BufferSize: DefaultBufferSize,
				Validate:   true,
			},
		},
		"short size": {
			env: map[string]string{EnvBufferSize: "64k"},
			want: Config{
				LogPath:    DefaultLogPath,
				LogLevel:   zapcore.InfoLevel,
				BufferSize: 64 << 10,
				Validate:   true,
			},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := ConfigFromEnv()
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg)
		})
	}
}

func TestConfigFromEnvErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"bad size":  {EnvBufferSize: "lots"},
		"zero size": {EnvBufferSize: "0"},
		"bad level": {EnvLogLevel: "loud"},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}

			_, err := ConfigFromEnv()
			assert.Error(t, err)
		})
	}
}

func TestConfigOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nxjit.log")

	cfg := Config{
		LogPath:    path,
		LogLevel:   zapcore.InfoLevel,
		BufferSize: 0x2000,
		Validate:   false,
	}
	opts, err := cfg.Options()
	require.NoError(t, err)

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	assert.Equal(t, 0x2000, o.bufferSize)
	assert.False(t, o.validate)

	o.log.Info("hello")
	require.NoError(t, o.log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestNewFileLoggerBadPath(t *testing.T) {
	_, err := NewFileLogger(filepath.Join(t.TempDir(), "missing", "nxjit.log"), zapcore.InfoLevel)
	assert.Error(t, err)
}

func TestOptionsIgnoreZeroValues(t *testing.T) {
	o := defaultOptions()
	for _, opt := range []Option{WithLogger(nil), WithBufferSize(0), WithMemory(nil)} {
		opt(&o)
	}

	assert.NotNil(t, o.log)
	assert.Equal(t, DefaultBufferSize, o.bufferSize)
	assert.NotNil(t, o.mem)
}
