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

// Package analysis runs a complete lock log analysis: ingestion, chain
// building, leak detection and lock order inversion detection.
//
// Conditions are printed as they are found. Summaries follow once the log
// has been fully analyzed.
package analysis

import (
	"fmt"
	"io"

	"gvisor.dev/mi/pkg/diag"
	"gvisor.dev/mi/pkg/hotops"
	"gvisor.dev/mi/pkg/lockchain"
	"gvisor.dev/mi/pkg/lockevent"
	"gvisor.dev/mi/pkg/lockorder"
	"gvisor.dev/mi/pkg/log"
	"gvisor.dev/mi/pkg/milog"
)

// Options configures Run.
type Options struct {
	// Out receives conditions and summaries. nil discards them.
	Out io.Writer

	// Verbose lists every operation and every stored chain.
	Verbose bool

	// IgnoreUnknown reports unknown operation kinds as warnings instead of
	// failing.
	IgnoreUnknown bool

	// PrintFailed lists operations that returned an error.
	PrintFailed bool

	// HotLimit is the number of most expensive operations listed.
	HotLimit int
}

// ChainReport is one stored chain.
type ChainReport struct {
	Thread  string   `json:"thread" yaml:"thread"`
	Mutexes []string `json:"mutexes" yaml:"mutexes"`
}

// ConflictReport is one lock order inversion.
type ConflictReport struct {
	Threads [2]string `json:"threads" yaml:"threads"`
	Pairs   [2]string `json:"pairs" yaml:"pairs"`
	Chains  [2]string `json:"chains" yaml:"chains"`
}

// Result is the outcome of a completed analysis.
type Result struct {
	Env        []string                `json:"env,omitempty" yaml:"env,omitempty"`
	Operations int                     `json:"operations" yaml:"operations"`
	Succeeded  int                     `json:"succeeded" yaml:"succeeded"`
	Failed     int                     `json:"failed" yaml:"failed"`
	Mutexes    []lockevent.LegendEntry `json:"mutexes,omitempty" yaml:"mutexes,omitempty"`
	Threads    []lockevent.LegendEntry `json:"threads,omitempty" yaml:"threads,omitempty"`

	// Hot lists the most expensive successful operations, most expensive
	// first.
	Hot []*lockevent.Operation `json:"hot,omitempty" yaml:"hot,omitempty"`

	// FailedOperations is only filled when Options.PrintFailed is set.
	FailedOperations []*lockevent.Operation `json:"failed_operations,omitempty" yaml:"failed_operations,omitempty"`

	Chains    []ChainReport    `json:"chains,omitempty" yaml:"chains,omitempty"`
	Conflicts []ConflictReport `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`

	Warnings int `json:"warnings" yaml:"warnings"`
	Errors   int `json:"errors" yaml:"errors"`
	ExitCode int `json:"exit_code" yaml:"exit_code"`
}

// Run analyzes the log read from r.
//
// The returned error is fatal: the log is malformed, an unknown operation
// was found in strict mode, or too many conditions were reported. Conditions
// printed before a fatal error are not part of any Result.
func Run(r io.Reader, opts Options) (*Result, error) {
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	agg := diag.New(out)
	hot := hotops.New(opts.HotLimit)

	l, err := milog.Parse(r, hot)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Env:        l.Env,
		Operations: len(l.Operations),
		Succeeded:  len(l.Succeeded),
		Failed:     len(l.Failed),
		Mutexes:    l.Mutexes.Entries(),
		Threads:    l.Threads.Entries(),
	}
	printEnv(out, l.Env)
	if len(l.Operations) == 0 {
		fmt.Fprintf(out, "No mutex operations detected\n")
		return res, nil
	}
	fmt.Fprintf(out, "Collected %d operations (%d succeeded, %d failed).\n", res.Operations, res.Succeeded, res.Failed)
	fmt.Fprintf(out, "Number of threads: %d\n", l.Threads.Len())
	fmt.Fprintf(out, "Number of mutexes: %d\n", l.Mutexes.Len())
	printLegend(out, "Threads", res.Threads)
	printLegend(out, "Mutexes", res.Mutexes)

	log.Debugf("Building lock chains from %d operations", len(l.Succeeded))
	store := lockchain.NewStore()
	b := lockchain.NewBuilder(store, agg, lockchain.BuilderOptions{IgnoreUnknown: opts.IgnoreUnknown})
	for _, op := range l.Succeeded {
		if err := b.Process(op); err != nil {
			return nil, err
		}
	}
	if err := b.Finalize(); err != nil {
		return nil, err
	}

	log.Debugf("Comparing %d chains of %d threads", store.Len(), len(store.Threads()))
	if err := lockorder.Detect(store, func(c *lockorder.Conflict) error {
		res.Conflicts = append(res.Conflicts, ConflictReport{
			Threads: c.Threads,
			Pairs:   [2]string{c.Pairs[0].String(), c.Pairs[1].String()},
			Chains:  [2]string{c.Chains[0].String(), c.Chains[1].String()},
		})
		return agg.Report(c)
	}); err != nil {
		return nil, err
	}

	for _, t := range store.Threads() {
		for _, c := range store.Chains(t) {
			cr := ChainReport{Thread: t}
			for _, op := range c {
				cr.Mutexes = append(cr.Mutexes, op.ShortObject)
			}
			res.Chains = append(res.Chains, cr)
		}
	}
	res.Hot = hot.List()
	printOps(out, "Most expensive operations", res.Hot)
	if opts.PrintFailed {
		res.FailedOperations = l.Failed
		printOps(out, "Failed operations", res.FailedOperations)
	}
	if opts.Verbose {
		printOps(out, "Operations", l.Operations)
		printChains(out, store)
	}

	res.Warnings = agg.Warnings()
	res.Errors = agg.Errors()
	res.ExitCode = agg.ExitCode()
	fmt.Fprintf(out, "Warnings: %d\nErrors: %d\n", res.Warnings, res.Errors)
	return res, nil
}

func printEnv(out io.Writer, env []string) {
	if len(env) == 0 {
		return
	}
	fmt.Fprintf(out, "Execution environment:\n")
	for _, e := range env {
		fmt.Fprintf(out, "    %s\n", e)
	}
}

func printLegend(out io.Writer, title string, entries []lockevent.LegendEntry) {
	fmt.Fprintf(out, "%s:\n", title)
	for _, e := range entries {
		fmt.Fprintf(out, "    %-5s %s\n", e.Short, e.Raw)
	}
}

func printOps(out io.Writer, title string, ops []*lockevent.Operation) {
	if len(ops) == 0 {
		return
	}
	fmt.Fprintf(out, "%s:\n", title)
	for _, op := range ops {
		io.WriteString(out, op.Format("    "))
	}
}

func printChains(out io.Writer, store *lockchain.Store) {
	if store.Len() == 0 {
		return
	}
	fmt.Fprintf(out, "Lock chains:\n")
	for _, t := range store.Threads() {
		for _, c := range store.Chains(t) {
			fmt.Fprintf(out, "    %s: %s\n", t, c)
			io.WriteString(out, c.Format("        "))
		}
	}
}
