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

// Package lockevent defines the records read from a mutex instrumentation
// log: one Operation per intercepted lock, trylock or unlock call, and the
// legends that give raw mutex and thread identifiers short display names.
package lockevent

import (
	"fmt"
	"slices"
	"strings"
)

// Kind is the kind of a lock operation.
type Kind int

// Operation kinds. Unknown carries kinds the shim may emit that the
// analyzer does not understand; the original text is kept in
// Operation.RawKind.
const (
	Unknown Kind = iota
	Lock
	Trylock
	Unlock
)

// ParseKind maps the kind word of an Op record to a Kind.
func ParseKind(s string) Kind {
	switch s {
	case "lock":
		return Lock
	case "trylock":
		return Trylock
	case "unlock":
		return Unlock
	default:
		return Unknown
	}
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Lock:
		return "lock"
	case Trylock:
		return "trylock"
	case Unlock:
		return "unlock"
	default:
		return "unknown"
	}
}

// Acquires returns true for kinds that push a mutex on the thread's stack.
func (k Kind) Acquires() bool {
	return k == Lock || k == Trylock
}

// Operation is one intercepted mutex operation.
//
// Operations are created by the log parser and are immutable afterwards,
// except that ShortObject and ShortThread are assigned exactly once during
// ingestion.
type Operation struct {
	// Kind is the operation kind.
	Kind Kind `json:"-" yaml:"-"`

	// RawKind is the kind as written in the log.
	RawKind string `json:"kind" yaml:"kind"`

	// Object is the raw mutex identifier, typically an address.
	Object string `json:"object" yaml:"object"`

	// Thread is the raw thread identifier.
	Thread string `json:"thread" yaml:"thread"`

	// RetCode is the value returned by the intercepted call. Zero means
	// success.
	RetCode int `json:"retcode" yaml:"retcode"`

	// Cost is the time spent in the call, in clock ticks.
	Cost float64 `json:"cost" yaml:"cost"`

	// Backtrace is the call stack at the time of the call, innermost
	// frame first. It is empty unless the shim ran with stack traces.
	Backtrace []string `json:"backtrace,omitempty" yaml:"backtrace,omitempty"`

	// ShortObject and ShortThread are the legend names, e.g. "m3", "t0".
	ShortObject string `json:"mutex" yaml:"mutex"`
	ShortThread string `json:"tid" yaml:"tid"`

	// Line is the log line of the Op record.
	Line int `json:"line" yaml:"line"`
}

// Succeeded returns true if the intercepted call returned zero.
func (op *Operation) Succeeded() bool {
	return op.RetCode == 0
}

// SameEvent reports whether two operations are the same event for the purpose of
// chain comparison: kind, mutex, thread and backtrace match. Cost and return
// code are not compared.
func (op *Operation) SameEvent(o *Operation) bool {
	return op.Kind == o.Kind &&
		op.RawKind == o.RawKind &&
		op.Object == o.Object &&
		op.Thread == o.Thread &&
		slices.Equal(op.Backtrace, o.Backtrace)
}

// String returns a one line description using legend names.
func (op *Operation) String() string {
	return fmt.Sprintf("%s %s (%s) by %s (%s), retcode %d, cost %g", op.RawKind, op.ShortObject, op.Object, op.ShortThread, op.Thread, op.RetCode, op.Cost)
}

// Format writes op followed by its backtrace, each line prefixed by indent.
func (op *Operation) Format(indent string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s\n", indent, op)
	for _, frame := range op.Backtrace {
		fmt.Fprintf(&b, "%s    %s\n", indent, frame)
	}
	return b.String()
}
