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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger passes at most one message per limiter token. Messages
// dropped in between are counted, and the count is appended to the next
// message that gets through. Log ingestion reports progress through one of
// these so that a debug log does not get a line per operation.
type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter
	now    func() time.Time

	mu         sync.Mutex
	suppressed int
}

// pass reports whether a message may be emitted now, and if so the suffix
// that accounts for the messages dropped since the last one.
func (rl *rateLimitedLogger) pass() (string, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if !rl.limit.AllowN(rl.now(), 1) {
		rl.suppressed++
		return "", false
	}
	n := rl.suppressed
	rl.suppressed = 0
	if n == 0 {
		return "", true
	}
	return fmt.Sprintf(" (%d similar messages suppressed)", n), true
}

func (rl *rateLimitedLogger) emit(logf func(string, ...any), format string, v []any) {
	if suffix, ok := rl.pass(); ok {
		logf("%s%s", fmt.Sprintf(format, v...), suffix)
	}
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.logger.IsLogging(Debug) {
		rl.emit(rl.logger.Debugf, format, v)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if rl.logger.IsLogging(Info) {
		rl.emit(rl.logger.Infof, format, v)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	rl.emit(rl.logger.Warningf, format, v)
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
		now:    time.Now,
	}
}
