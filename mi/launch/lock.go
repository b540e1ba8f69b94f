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

package launch

import (
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// lockSuffix is appended to the log file path to name its lock file.
const lockSuffix = ".lock"

// ErrLogBusy is returned when the log lock is held by someone else.
var ErrLogBusy = errors.New("log file is in use by a running session")

// LockPath returns the path of the lock file guarding logFile.
func LockPath(logFile string) string {
	return logFile + lockSuffix
}

// LockLog takes the lock guarding logFile without blocking. A running
// session holds it exclusively while the target writes the log; readers hold
// it shared. It returns ErrLogBusy if the lock is taken in a conflicting
// mode.
//
// Readers never create the lock file. If no session has created it, there is
// nothing to wait for and the returned unlock does nothing.
func LockLog(logFile string, exclusive bool) (func() error, error) {
	f := LockPath(logFile)
	if !exclusive {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			return func() error { return nil }, nil
		}
	}
	l := flock.NewFlock(f)
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = l.TryLock()
	} else {
		ok, err = l.TryRLock()
	}
	if err != nil {
		return nil, fmt.Errorf("error acquiring lock on log lock file %q: %v", f, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q is locked", ErrLogBusy, f)
	}
	return l.Unlock, nil
}
