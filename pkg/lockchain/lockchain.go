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

// Package lockchain replays lock operations per thread and records lock
// chains.
//
// For each thread the builder keeps the stack of currently held mutexes,
// most recent on top. Every unlock is checked against that stack, and while
// a thread holds two or more mutexes the acquisition sequence is recorded as
// a chain. Chains are the input of lock order analysis: a chain m0 -> m1
// says that the thread acquired m1 while holding m0.
//
// Unlike a lock validator running inside the program, the builder does not
// assume strict nesting: a mutex released from the middle of the stack is
// reported and removed from where it is.
package lockchain

import (
	"fmt"
	"slices"
	"strings"

	"gvisor.dev/mi/pkg/diag"
	"gvisor.dev/mi/pkg/lockevent"
	"gvisor.dev/mi/pkg/log"
)

// Reporter receives recoverable conditions. A non-nil error aborts the
// replay. *diag.Aggregator implements it.
type Reporter interface {
	Report(c diag.Condition) error
}

// formatStack lists the held mutexes, top first.
func formatStack(stack []*lockevent.Operation) string {
	if len(stack) == 0 {
		return "  (no mutexes held)\n"
	}
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteString(stack[i].Format("  "))
	}
	return b.String()
}

// UnmatchedUnlockError is reported when a thread unlocks a mutex that it does
// not hold.
type UnmatchedUnlockError struct {
	Op    *lockevent.Operation
	Stack []*lockevent.Operation
}

// Error implements error.Error.
func (e *UnmatchedUnlockError) Error() string {
	return fmt.Sprintf("thread %s unlocks mutex %s which it does not hold (line %d):\n%sheld by %s, top first:\n%s",
		e.Op.ShortThread, e.Op.ShortObject, e.Op.Line, e.Op.Format("  "), e.Op.ShortThread, formatStack(e.Stack))
}

// Severity implements diag.Condition.
func (*UnmatchedUnlockError) Severity() diag.Severity { return diag.SeverityError }

// OutOfOrderUnlockWarning is reported when a thread unlocks a mutex while
// still holding one acquired after it.
type OutOfOrderUnlockWarning struct {
	Op    *lockevent.Operation
	Stack []*lockevent.Operation
}

// Error implements error.Error.
func (e *OutOfOrderUnlockWarning) Error() string {
	return fmt.Sprintf("thread %s unlocks mutex %s out of order (line %d):\n%sheld by %s, top first:\n%s",
		e.Op.ShortThread, e.Op.ShortObject, e.Op.Line, e.Op.Format("  "), e.Op.ShortThread, formatStack(e.Stack))
}

// Severity implements diag.Condition.
func (*OutOfOrderUnlockWarning) Severity() diag.Severity { return diag.SeverityWarning }

// LeakedLockError is reported at the end of the log for each thread still
// holding mutexes.
type LeakedLockError struct {
	Thread string

	// Held lists the held mutexes, top first.
	Held []*lockevent.Operation
}

// Error implements error.Error.
func (e *LeakedLockError) Error() string {
	names := make([]string, 0, len(e.Held))
	for _, op := range e.Held {
		names = append(names, op.ShortObject)
	}
	var b strings.Builder
	for _, op := range e.Held {
		b.WriteString(op.Format("  "))
	}
	return fmt.Sprintf("thread %s still holds %s at the end of the log, top first:\n%s", e.Thread, strings.Join(names, ", "), b.String())
}

// Severity implements diag.Condition.
func (*LeakedLockError) Severity() diag.Severity { return diag.SeverityError }

// UnknownOperationWarning is reported for an operation kind the analyzer does
// not know when unknown kinds are tolerated.
type UnknownOperationWarning struct {
	Op *lockevent.Operation
}

// Error implements error.Error.
func (e *UnknownOperationWarning) Error() string {
	return fmt.Sprintf("ignoring unknown operation %q (line %d):\n%s", e.Op.RawKind, e.Op.Line, e.Op.Format("  "))
}

// Severity implements diag.Condition.
func (*UnknownOperationWarning) Severity() diag.Severity { return diag.SeverityWarning }

// UnknownOperationError is returned for an unknown operation kind in strict
// mode. It is fatal.
type UnknownOperationError struct {
	Op *lockevent.Operation
}

// Error implements error.Error.
func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation %q at line %d (thread %s, mutex %s)", e.Op.RawKind, e.Op.Line, e.Op.ShortThread, e.Op.ShortObject)
}

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	// IgnoreUnknown downgrades unknown operation kinds from a fatal error
	// to a warning.
	IgnoreUnknown bool
}

// threadState is the replay state of one thread.
type threadState struct {
	// stack holds the acquisitions currently held, most recent last.
	stack []*lockevent.Operation

	// dirty is set by every acquisition and cleared when the stack
	// empties. While set, an unlock with two or more mutexes held records
	// the stack as a chain.
	dirty bool
}

// Builder replays successful operations and fills a Store.
type Builder struct {
	store    *Store
	reporter Reporter
	opts     BuilderOptions
	threads  map[string]*threadState
}

// NewBuilder returns a Builder adding chains to store and reporting
// conditions to reporter.
func NewBuilder(store *Store, reporter Reporter, opts BuilderOptions) *Builder {
	return &Builder{
		store:    store,
		reporter: reporter,
		opts:     opts,
		threads:  make(map[string]*threadState),
	}
}

func (b *Builder) thread(name string) *threadState {
	ts, ok := b.threads[name]
	if !ok {
		ts = &threadState{}
		b.threads[name] = ts
	}
	return ts
}

// Process replays one successful operation. Operations must be processed in
// log order. The returned error is fatal.
func (b *Builder) Process(op *lockevent.Operation) error {
	switch op.Kind {
	case lockevent.Lock, lockevent.Trylock:
		ts := b.thread(op.ShortThread)
		ts.stack = append(ts.stack, op)
		ts.dirty = true
		return nil
	case lockevent.Unlock:
		return b.unlock(b.thread(op.ShortThread), op)
	default:
		if !b.opts.IgnoreUnknown {
			return &UnknownOperationError{Op: op}
		}
		return b.reporter.Report(&UnknownOperationWarning{Op: op})
	}
}

func (b *Builder) unlock(ts *threadState, op *lockevent.Operation) error {
	idx := -1
	for i := len(ts.stack) - 1; i >= 0; i-- {
		if ts.stack[i].ShortObject == op.ShortObject {
			idx = i
			break
		}
	}
	if idx < 0 {
		return b.reporter.Report(&UnmatchedUnlockError{Op: op, Stack: slices.Clone(ts.stack)})
	}
	if idx != len(ts.stack)-1 {
		if err := b.reporter.Report(&OutOfOrderUnlockWarning{Op: op, Stack: slices.Clone(ts.stack)}); err != nil {
			return err
		}
	}
	if ts.dirty && len(ts.stack) > 1 {
		chain := Chain(slices.Clone(ts.stack))
		if log.IsLogging(log.Debug) {
			log.Debugf("Thread %s: chain %s at line %d", op.ShortThread, chain, op.Line)
		}
		b.store.Add(op.ShortThread, chain)
	}
	ts.stack = slices.Delete(ts.stack, idx, idx+1)
	if len(ts.stack) == 0 {
		ts.dirty = false
	}
	return nil
}

// Finalize reports a LeakedLockError for every thread that still holds
// mutexes, in short-name order. Stacks are left as they are.
func (b *Builder) Finalize() error {
	names := make([]string, 0, len(b.threads))
	for name := range b.threads {
		names = append(names, name)
	}
	slices.SortFunc(names, lockevent.CompareShortNames)
	for _, name := range names {
		ts := b.threads[name]
		if len(ts.stack) == 0 {
			continue
		}
		held := slices.Clone(ts.stack)
		slices.Reverse(held)
		if err := b.reporter.Report(&LeakedLockError{Thread: name, Held: held}); err != nil {
			return err
		}
	}
	return nil
}

// Stack returns the mutexes thread currently holds, bottom first.
func (b *Builder) Stack(thread string) []*lockevent.Operation {
	if ts, ok := b.threads[thread]; ok {
		return slices.Clone(ts.stack)
	}
	return nil
}
