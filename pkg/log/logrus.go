// Copyright 2024 The gVisor Authors.
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

package log

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards log statements to a logrus logger. Fields attached
// to Entry (for example a run identifier) are carried on every line.
type LogrusEmitter struct {
	Entry *logrus.Entry
}

// NewLogrusEmitter returns an emitter writing to w with the given logrus
// formatter. A nil formatter selects logrus.TextFormatter with full
// timestamps.
func NewLogrusEmitter(w io.Writer, formatter logrus.Formatter) *LogrusEmitter {
	l := logrus.New()
	l.SetOutput(w)
	// Level filtering is done by BasicLogger.
	l.SetLevel(logrus.DebugLevel)
	if formatter == nil {
		formatter = &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000000",
		}
	}
	l.SetFormatter(formatter)
	return &LogrusEmitter{Entry: logrus.NewEntry(l)}
}

// WithField returns a copy of the emitter with an additional field.
func (e *LogrusEmitter) WithField(key string, value any) *LogrusEmitter {
	return &LogrusEmitter{Entry: e.Entry.WithField(key, value)}
}

// Emit implements Emitter.Emit.
func (e *LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Entry.WithTime(timestamp)
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, byte('/')); slash >= 0 {
			file = file[slash+1:]
		}
		entry = entry.WithField("caller", fmt.Sprintf("%s:%d", file, line))
	}
	msg := fmt.Sprintf(format, v...)
	switch level {
	case Warning:
		entry.Warn(msg)
	case Info:
		entry.Info(msg)
	default:
		entry.Debug(msg)
	}
}
