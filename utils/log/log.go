// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log configures the process-wide zap logger used throughout the
// engine, and exposes package-level convenience functions for call sites
// that do not hold a scoped *zap.SugaredLogger of their own.
package log

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config defines logger configuration.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Disable silences all output. Used in tests.
	Disable bool `yaml:"disable"`

	// OutputPaths are the sinks logs are written to. Defaults to stderr.
	OutputPaths []string `yaml:"output_paths"`
}

func (c Config) applyDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = []string{"stderr"}
	}
	return c
}

func (c Config) level() zapcore.Level {
	var l zapcore.Level
	if err := l.Set(c.Level); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// New builds a *zap.Logger from config. tags, if non-nil, are attached to
// every entry emitted by the logger (e.g. peer id, zone).
func New(config Config, tags map[string]interface{}) (*zap.Logger, error) {
	config = config.applyDefaults()

	if config.Disable {
		return zap.NewNop(), nil
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(config.level())
	zc.OutputPaths = config.OutputPaths
	zc.EncoderConfig.TimeKey = "ts"

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %s", err)
	}
	if len(tags) > 0 {
		fields := make([]zap.Field, 0, len(tags))
		for k, v := range tags {
			fields = append(fields, zap.Any(k, v))
		}
		logger = logger.With(fields...)
	}
	return logger, nil
}

var (
	mu      sync.RWMutex
	global  = zap.NewExample().Sugar()
)

// SetGlobal overrides the package-level logger used by Debug/Info/Warn/Error/Fatal.
func SetGlobal(l *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	global = l
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Debugf logs at debug level on the global logger.
func Debugf(format string, args ...interface{}) { get().Debugf(format, args...) }

// Infof logs at info level on the global logger.
func Infof(format string, args ...interface{}) { get().Infof(format, args...) }

// Info logs at info level on the global logger.
func Info(args ...interface{}) { get().Info(args...) }

// Warnf logs at warn level on the global logger.
func Warnf(format string, args ...interface{}) { get().Warnf(format, args...) }

// Warn logs at warn level on the global logger.
func Warn(args ...interface{}) { get().Warn(args...) }

// Errorf logs at error level on the global logger.
func Errorf(format string, args ...interface{}) { get().Errorf(format, args...) }

// Error logs at error level on the global logger.
func Error(args ...interface{}) { get().Error(args...) }

// Fatalf logs at fatal level on the global logger and exits.
func Fatalf(format string, args ...interface{}) {
	get().Fatalf(format, args...)
	os.Exit(1)
}
