// Package config loads runtime options from defaults, a TOML file and the
// environment, in that order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/marshal-runtime/errors"
)

// Options tunes a runtime.
type Options struct {
	LogLevel       string        `toml:"log_level"        env:"MARSHAL_LOG_LEVEL"`
	LogFormat      string        `toml:"log_format"       env:"MARSHAL_LOG_FORMAT"`
	CallTimeout    time.Duration `toml:"call_timeout"     env:"MARSHAL_CALL_TIMEOUT"`
	RetryTimeout   time.Duration `toml:"retry_timeout"    env:"MARSHAL_RETRY_TIMEOUT"`
	RetryInitial   time.Duration `toml:"retry_initial"    env:"MARSHAL_RETRY_INITIAL"`
	RetryMax       time.Duration `toml:"retry_max"        env:"MARSHAL_RETRY_MAX"`
	QueueSize      int           `toml:"queue_size"       env:"MARSHAL_QUEUE_SIZE"`
	MaxMessageSize uint32        `toml:"max_message_size" env:"MARSHAL_MAX_MESSAGE_SIZE"`
}

// Default returns the built-in options.
func Default() Options {
	return Options{
		LogLevel:       "info",
		LogFormat:      "console",
		RetryTimeout:   30 * time.Second,
		RetryInitial:   10 * time.Millisecond,
		RetryMax:       time.Second,
		QueueSize:      256,
		MaxMessageSize: 16 << 20,
	}
}

// Load builds options from defaults, the TOML file at path (skipped when
// path is empty) and MARSHAL_* environment variables.
func Load(path string) (Options, error) {
	o := Default()
	if path != "" {
		if err := LoadFile(path, &o); err != nil {
			return Options{}, err
		}
	}
	if err := ParseEnv(&o); err != nil {
		return Options{}, err
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// LoadFile overlays the keys present in a TOML file onto o.
func LoadFile(path string, o *Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read "+path)
	}
	md, err := toml.Decode(string(data), o)
	if err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode "+path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return errors.InvalidInput(errors.PhaseConfig,
			fmt.Sprintf("unknown keys in %s: %s", path, strings.Join(keys, ", ")))
	}
	return nil
}

// ParseEnv overlays MARSHAL_* environment variables onto target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects options the runtime cannot honor.
func (o Options) Validate() error {
	switch {
	case o.CallTimeout < 0:
		return errors.InvalidInput(errors.PhaseConfig, "call_timeout must not be negative")
	case o.RetryTimeout <= 0:
		return errors.InvalidInput(errors.PhaseConfig, "retry_timeout must be positive")
	case o.RetryInitial <= 0 || o.RetryMax < o.RetryInitial:
		return errors.InvalidInput(errors.PhaseConfig, "retry_initial must be positive and at most retry_max")
	case o.QueueSize <= 0:
		return errors.InvalidInput(errors.PhaseConfig, "queue_size must be positive")
	case o.MaxMessageSize == 0:
		return errors.InvalidInput(errors.PhaseConfig, "max_message_size must be positive")
	}
	if _, err := zapcore.ParseLevel(o.LogLevel); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log_level")
	}
	if o.LogFormat != "console" && o.LogFormat != "json" {
		return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("log_format %q is not console or json", o.LogFormat))
	}
	return nil
}

// Logger builds a zap logger for the configured level and format.
func (o Options) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(o.LogLevel)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log_level")
	}
	cfg := zap.NewProductionConfig()
	if o.LogFormat == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
