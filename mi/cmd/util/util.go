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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/mi/pkg/diag"
	"gvisor.dev/mi/pkg/log"
)

// ErrorLogger is where error messages are additionally written. It is set
// to the debug log, if any.
var ErrorLogger io.Writer

func writeError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "mi: %s\n", msg)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, "mi: %s\n", msg)
	}
}

// Fatalf logs the error to stderr and exits with the fatal exit code.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	writeError(format, args...)
	os.Exit(diag.ExitFatal)
}

// Errorf logs the error to stderr and returns subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf("FATAL ERROR: "+format, args...)
	writeError(format, args...)
	return subcommands.ExitFailure
}
