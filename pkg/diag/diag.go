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

// Package diag counts and prints the warnings and errors found while
// analyzing a lock log, and derives the process exit code from them.
//
// Conditions are printed as soon as they are reported so that a single run
// surfaces every anomaly in the log, even when a later fatal error aborts
// the analysis.
package diag

import (
	"fmt"
	"io"
	"strings"
)

// Ceiling is the number of warnings, or of errors, at which the analysis
// gives up. A corrupt log would otherwise produce unbounded output.
const Ceiling = 1000

// Process exit codes.
const (
	ExitClean    = 0
	ExitWarnings = 1
	ExitErrors   = 2
	ExitFatal    = 3
	ExitUsage    = 4
)

// Severity classifies a reported condition.
type Severity int

const (
	// SeverityWarning conditions are suspicious but legal.
	SeverityWarning Severity = iota

	// SeverityError conditions are lock discipline violations.
	SeverityError
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	if s == SeverityError {
		return "ERROR"
	}
	return "WARNING"
}

// Condition is a recoverable finding. Error returns a possibly multi-line
// description carrying enough context to understand the finding without
// the raw log.
type Condition interface {
	error
	Severity() Severity
}

// TooManyDiagnosticsError is returned by Report once either counter reaches
// Ceiling. It is fatal.
type TooManyDiagnosticsError struct {
	Warnings int
	Errors   int
}

// Error implements error.Error.
func (e *TooManyDiagnosticsError) Error() string {
	return fmt.Sprintf("too many diagnostics (%d warnings, %d errors), the log is probably corrupt", e.Warnings, e.Errors)
}

// Aggregator prints conditions and keeps the warning and error counts.
//
// It is not safe for concurrent use; the analysis is single threaded.
type Aggregator struct {
	out      io.Writer
	warnings int
	errors   int
}

// New returns an Aggregator printing to out.
func New(out io.Writer) *Aggregator {
	return &Aggregator{out: out}
}

// Report prints c and counts it. It returns a *TooManyDiagnosticsError when
// the ceiling is reached; the caller must abort.
func (a *Aggregator) Report(c Condition) error {
	sev := c.Severity()
	msg := strings.TrimRight(c.Error(), "\n")
	fmt.Fprintf(a.out, "%s: %s\n", sev, strings.ReplaceAll(msg, "\n", "\n    "))
	if sev == SeverityError {
		a.errors++
	} else {
		a.warnings++
	}
	if a.warnings >= Ceiling || a.errors >= Ceiling {
		return &TooManyDiagnosticsError{Warnings: a.warnings, Errors: a.errors}
	}
	return nil
}

// Warnings returns the number of warnings reported so far.
func (a *Aggregator) Warnings() int {
	return a.warnings
}

// Errors returns the number of errors reported so far.
func (a *Aggregator) Errors() int {
	return a.errors
}

// ExitCode returns the exit code for a completed analysis.
func (a *Aggregator) ExitCode() int {
	return ExitCode(a.warnings, a.errors)
}

// ExitCode maps warning and error counts to an exit code: errors win over
// warnings.
func ExitCode(warnings, errors int) int {
	switch {
	case errors > 0:
		return ExitErrors
	case warnings > 0:
		return ExitWarnings
	default:
		return ExitClean
	}
}
