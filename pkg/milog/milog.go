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

// Package milog reads the text log written by the mutex instrumentation
// shim.
//
// The log is line oriented:
//
//	Env: <free text>
//	Op: <kind> Object: <object> Thread: <thread> RetCode: <rc> Clocks: <cost>
//	Bt: <frame>
//
// Bt lines immediately following an Op line form its backtrace. The compact
// record form "Op: <kind> <object> <thread> <rc> <cost>" is also accepted.
// Blank lines are ignored and anything else is a fatal parse error.
package milog

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"gvisor.dev/mi/pkg/lockevent"
	"gvisor.dev/mi/pkg/log"
)

// Line markers.
const (
	EnvMarker       = "Env:"
	OpMarker        = "Op:"
	BacktraceMarker = "Bt:"
)

// Field counts of the two Op layouts, marker included.
const (
	compactFields = 6
	shimFields    = 10
)

// shimLabels are the labels of the shim layout and their field indices.
var shimLabels = []struct {
	index int
	label string
}{
	{2, "Object:"},
	{4, "Thread:"},
	{6, "RetCode:"},
	{8, "Clocks:"},
}

// maxLineSize bounds a single log line. Backtrace frames of C++ programs
// with demangled templates can be long.
const maxLineSize = 1 << 20

// MalformedLogError is returned for the first line that cannot be parsed.
type MalformedLogError struct {
	// Line is the 1-based line number.
	Line int

	// Text is the offending line, verbatim.
	Text string

	// Reason says what is wrong with it.
	Reason string
}

// Error implements error.Error.
func (e *MalformedLogError) Error() string {
	return fmt.Sprintf("malformed log line %d (%s): %q", e.Line, e.Reason, e.Text)
}

// Offerer receives every successful operation with a nonzero cost.
// *hotops.Tracker implements it.
type Offerer interface {
	Offer(op *lockevent.Operation)
}

// Log is a parsed log.
type Log struct {
	// Env holds the environment annotations, trimmed, in log order.
	Env []string

	// Operations holds every operation in log order.
	Operations []*lockevent.Operation

	// Succeeded and Failed partition Operations by return code, each in
	// log order. Only Succeeded participates in chain building.
	Succeeded []*lockevent.Operation
	Failed    []*lockevent.Operation

	// Mutexes and Threads name the raw identifiers in first-seen order.
	Mutexes *lockevent.Legend
	Threads *lockevent.Legend
}

// Parse reads a complete log from r. hot may be nil.
func Parse(r io.Reader, hot Offerer) (*Log, error) {
	p := parser{
		scanner:  bufio.NewScanner(r),
		hot:      hot,
		progress: log.BasicRateLimitedLogger(time.Second),
		log: &Log{
			Mutexes: lockevent.NewLegend(lockevent.MutexPrefix),
			Threads: lockevent.NewLegend(lockevent.ThreadPrefix),
		},
	}
	p.scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	if err := p.run(); err != nil {
		return nil, err
	}
	log.Debugf("Parsed %d lines: %d operations (%d failed), %d threads, %d mutexes", p.lineNo, len(p.log.Operations), len(p.log.Failed), p.log.Threads.Len(), p.log.Mutexes.Len())
	return p.log, nil
}

type parser struct {
	scanner  *bufio.Scanner
	hot      Offerer
	progress log.Logger
	log      *Log

	// lineNo is the number of the line in line.
	lineNo int
	line   string

	// pending is true when line has been read but not consumed.
	pending bool
}

// next makes the next line current. It returns false at end of input.
func (p *parser) next() bool {
	if p.pending {
		p.pending = false
		return true
	}
	if !p.scanner.Scan() {
		return false
	}
	p.lineNo++
	p.line = p.scanner.Text()
	return true
}

func (p *parser) malformed(reason string) error {
	return &MalformedLogError{Line: p.lineNo, Text: p.line, Reason: reason}
}

func (p *parser) run() error {
	for p.next() {
		line := strings.TrimSpace(p.line)
		switch {
		case line == "":
		case strings.HasPrefix(line, EnvMarker):
			p.log.Env = append(p.log.Env, strings.TrimSpace(strings.TrimPrefix(line, EnvMarker)))
		case strings.HasPrefix(line, OpMarker):
			op, err := p.parseOp(line)
			if err != nil {
				return err
			}
			p.readBacktrace(op)
			p.add(op)
		default:
			return p.malformed("unrecognized record")
		}
	}
	if err := p.scanner.Err(); err != nil {
		return fmt.Errorf("reading log after line %d: %w", p.lineNo, err)
	}
	return nil
}

// parseOp parses an Op record in either layout.
func (p *parser) parseOp(line string) (*lockevent.Operation, error) {
	fields := strings.Fields(line)
	var kind, object, thread, rc, cost string
	switch len(fields) {
	case compactFields:
		kind, object, thread, rc, cost = fields[1], fields[2], fields[3], fields[4], fields[5]
	case shimFields:
		for _, l := range shimLabels {
			if fields[l.index] != l.label {
				return nil, p.malformed(fmt.Sprintf("field %d is %q, expected %q", l.index, fields[l.index], l.label))
			}
		}
		kind, object, thread, rc, cost = fields[1], fields[3], fields[5], fields[7], fields[9]
	default:
		return nil, p.malformed(fmt.Sprintf("%d fields, expected %d or %d", len(fields), compactFields, shimFields))
	}
	// "Op:lock" glued to the marker leaves the marker field wrong.
	if fields[0] != OpMarker {
		return nil, p.malformed("marker is not followed by a space")
	}

	retCode, err := strconv.Atoi(rc)
	if err != nil {
		return nil, p.malformed(fmt.Sprintf("bad return code %q", rc))
	}
	clocks, err := strconv.ParseFloat(cost, 64)
	if err != nil || clocks < 0 || math.IsNaN(clocks) || math.IsInf(clocks, 0) {
		return nil, p.malformed(fmt.Sprintf("bad cost %q", cost))
	}
	return &lockevent.Operation{
		Kind:    lockevent.ParseKind(kind),
		RawKind: kind,
		Object:  object,
		Thread:  thread,
		RetCode: retCode,
		Cost:    clocks,
		Line:    p.lineNo,
	}, nil
}

// readBacktrace consumes the Bt lines following an Op record. The first
// line that is not a Bt line is left pending for the main loop.
func (p *parser) readBacktrace(op *lockevent.Operation) {
	for p.next() {
		line := strings.TrimSpace(p.line)
		if !strings.HasPrefix(line, BacktraceMarker) {
			p.pending = true
			return
		}
		op.Backtrace = append(op.Backtrace, strings.TrimSpace(strings.TrimPrefix(line, BacktraceMarker)))
	}
}

// add names op's mutex and thread, offers it to the hot operation tracker and
// files it by outcome.
func (p *parser) add(op *lockevent.Operation) {
	op.ShortObject = p.log.Mutexes.Name(op.Object)
	op.ShortThread = p.log.Threads.Name(op.Thread)
	if p.hot != nil && op.Cost > 0 && op.Succeeded() {
		p.hot.Offer(op)
	}
	p.log.Operations = append(p.log.Operations, op)
	if op.Succeeded() {
		p.log.Succeeded = append(p.log.Succeeded, op)
	} else {
		p.log.Failed = append(p.log.Failed, op)
	}
	p.progress.Debugf("Parsed %d operations, at line %d", len(p.log.Operations), p.lineNo)
}
