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
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// levelNames are the JSON names of the levels, indexed by Level.
var levelNames = [...]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// jsonRecord is one line of a JSON debug log.
type jsonRecord struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Command string    `json:"cmd,omitempty"`
	Source  string    `json:"src,omitempty"`
	Msg     string    `json:"msg"`
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown level %d", l)
	}
	return strconv.AppendQuote(nil, levelNames[l]), nil
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. Both the level
// names and their numbers are accepted.
func (l *Level) UnmarshalJSON(b []byte) error {
	s := string(b)
	if name, err := strconv.Unquote(s); err == nil {
		for i, n := range levelNames {
			if n == name {
				*l = Level(i)
				return nil
			}
		}
		return fmt.Errorf("unknown level %q", name)
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n >= uint64(len(levelNames)) {
		return fmt.Errorf("unknown level %s", s)
	}
	*l = Level(n)
	return nil
}

// JSONEmitter logs messages in json format, one object per line.
type JSONEmitter struct {
	*Writer

	// Command, if set, tags every line with the mi subcommand that produced
	// it. analyze and run may share one debug log.
	Command string
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	r := jsonRecord{
		Time:    timestamp,
		Level:   level,
		Command: e.Command,
		Msg:     fmt.Sprintf(format, v...),
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		r.Source = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	b, err := json.Marshal(r)
	if err != nil {
		// Only an out of range level gets here.
		r.Level = Warning
		r.Msg = fmt.Sprintf("%s (bad level: %v)", r.Msg, err)
		b, _ = json.Marshal(r)
	}
	e.Writer.Write(append(b, '\n'))
}
