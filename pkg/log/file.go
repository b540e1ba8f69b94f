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
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Variables recognized in debug log patterns.
const (
	commandVar   = "%COMMAND%"
	timestampVar = "%TIMESTAMP%"
)

// FileOpts describes the substitutions applied to a debug log pattern.
type FileOpts struct {
	// Command replaces %COMMAND%, e.g. "analyze" or "run".
	Command string

	// Start replaces %TIMESTAMP%.
	Start time.Time
}

// Build constructs the log file path based on the given pattern. A pattern
// ending in '/' names a directory, and a default file name is appended.
func (o FileOpts) Build(logPattern string) string {
	if strings.HasSuffix(logPattern, "/") {
		logPattern += "mi.%TIMESTAMP%.%COMMAND%.log"
	}
	logPattern = strings.ReplaceAll(logPattern, timestampVar, o.Start.Format("20060102-150405.000000"))
	return strings.ReplaceAll(logPattern, commandVar, o.Command)
}

// OpenFile opens a log file for appending. It uses `opts` to construct the
// log file path based on the given `logPattern`. An empty pattern yields a
// nil file and no error.
func OpenFile(logPattern string, opts FileOpts) (*os.File, error) {
	if len(logPattern) == 0 {
		return nil, nil
	}

	// Replace variables in the log pattern.
	logPath := opts.Build(logPattern)

	// Create parent directory if it doesn't exist.
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}

	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", logPath, err)
	}
	return f, nil
}
