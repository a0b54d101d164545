// Copyright 2023 LiveKit, Inc.
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

package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/logging"

	"github.com/livekit/protocol/logger"
)

// NewLoggerFactory routes pion logs through the structured logger. Messages below level are dropped.
func NewLoggerFactory(l logger.Logger, level string) logging.LoggerFactory {
	return &loggerFactory{
		logger: l,
		level:  parseLevel(level),
	}
}

type loggerFactory struct {
	logger logger.Logger
	level  logging.LogLevel
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &logAdapter{
		logger: f.logger.WithValues("scope", scope),
		level:  f.level,
	}
}

func parseLevel(level string) logging.LogLevel {
	switch strings.ToLower(level) {
	case "trace":
		return logging.LogLevelTrace
	case "debug":
		return logging.LogLevelDebug
	case "info":
		return logging.LogLevelInfo
	case "warn":
		return logging.LogLevelWarn
	case "disabled":
		return logging.LogLevelDisabled
	default:
		return logging.LogLevelError
	}
}

// implements logging.LeveledLogger
type logAdapter struct {
	logger logger.Logger
	level  logging.LogLevel
}

func (l *logAdapter) Trace(msg string) {
	l.Tracef("%s", msg)
}

func (l *logAdapter) Tracef(format string, args ...interface{}) {
	if l.level < logging.LogLevelTrace {
		return
	}
	l.logger.Debugw(fmt.Sprintf(format, args...))
}

func (l *logAdapter) Debug(msg string) {
	l.Debugf("%s", msg)
}

func (l *logAdapter) Debugf(format string, args ...interface{}) {
	if l.level < logging.LogLevelDebug {
		return
	}
	l.logger.Debugw(fmt.Sprintf(format, args...))
}

func (l *logAdapter) Info(msg string) {
	l.Infof("%s", msg)
}

// treat info as debug
func (l *logAdapter) Infof(format string, args ...interface{}) {
	if l.level < logging.LogLevelInfo {
		return
	}
	l.logger.Debugw(fmt.Sprintf(format, args...))
}

func (l *logAdapter) Warn(msg string) {
	l.Warnf("%s", msg)
}

func (l *logAdapter) Warnf(format string, args ...interface{}) {
	if l.level < logging.LogLevelWarn {
		return
	}
	l.logger.Warnw(fmt.Sprintf(format, args...), nil)
}

func (l *logAdapter) Error(msg string) {
	l.Errorf("%s", msg)
}

func (l *logAdapter) Errorf(format string, args ...interface{}) {
	if l.level < logging.LogLevelError {
		return
	}
	l.logger.Errorw(fmt.Sprintf(format, args...), nil)
}
