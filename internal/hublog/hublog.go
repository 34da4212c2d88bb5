/*
 *
 * Copyright 2026 The Dodeca Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package hublog provides leveled logging for the hub and its cells.
//
// Debug logging is off by default; set CELLHUB_DEBUG=1 (or call SetDebug)
// to enable it. Every logger is scoped to a component so host and cell
// output can be told apart when they share a terminal.
package hublog

import (
	"fmt"
	"log/slog"
	"os"
)

var level slog.LevelVar

func init() {
	if os.Getenv("CELLHUB_DEBUG") != "" {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
}

// SetDebug toggles debug-level output for all loggers.
func SetDebug(on bool) {
	if on {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
}

// DebugEnabled reports whether debug-level output is currently on.
func DebugEnabled() bool {
	return level.Level() <= slog.LevelDebug
}

// Logger is a component-scoped leveled logger.
type Logger struct {
	s *slog.Logger
}

// New returns a logger scoped to the given component name.
func New(component string) *Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})
	return &Logger{s: slog.New(h).With("component", component)}
}

// With returns a logger with an extra key/value attached to every record.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{s: l.s.With(key, value)}
}

func (l *Logger) Debugf(format string, args ...any) {
	l.s.Debug(fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.s.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.s.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.s.Error(fmt.Sprintf(format, args...))
}
