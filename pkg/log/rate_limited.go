// Copyright 2018 The gVisor Authors.
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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger forwards at most one message per interval of the clock
// it was given. The number of messages dropped since the last one forwarded
// is appended to the next message.
type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter
	now    func() time.Time

	mu         sync.Mutex
	suppressed int
}

func (rl *rateLimitedLogger) allow() (suffix string, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if !rl.limit.AllowN(rl.now(), 1) {
		rl.suppressed++
		return "", false
	}
	if rl.suppressed > 0 {
		suffix = fmt.Sprintf(" (%d similar messages suppressed)", rl.suppressed)
		rl.suppressed = 0
	}
	return suffix, true
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if suffix, ok := rl.allow(); ok {
		rl.logger.Debugf(format+suffix, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if suffix, ok := rl.allow(); ok {
		rl.logger.Infof(format+suffix, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if suffix, ok := rl.allow(); ok {
		rl.logger.Warningf(format+suffix, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration of now. A nil now uses the wall clock.
func RateLimitedLogger(logger Logger, every time.Duration, now func() time.Time) Logger {
	if now == nil {
		now = time.Now
	}
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
		now:    now,
	}
}
