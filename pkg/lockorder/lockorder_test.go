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

package lockorder

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/mi/pkg/diag"
	"gvisor.dev/mi/pkg/lockchain"
	"gvisor.dev/mi/pkg/lockevent"
)

func newOp(kind, m, t string) *lockevent.Operation {
	return &lockevent.Operation{
		Kind:        lockevent.ParseKind(kind),
		RawKind:     kind,
		Object:      m,
		Thread:      t,
		ShortObject: m,
		ShortThread: t,
	}
}

// chain returns a chain of locks of the named mutexes by thread t.
func chain(t string, mutexes ...string) lockchain.Chain {
	var c lockchain.Chain
	for _, m := range mutexes {
		c = append(c, newOp("lock", m, t))
	}
	return c
}

// detect runs Detect and returns every conflict as "pair / pair".
func detect(t *testing.T, s *lockchain.Store) []string {
	t.Helper()
	var got []string
	if err := Detect(s, func(c *Conflict) error {
		got = append(got, c.Pairs[0].String()+" / "+c.Pairs[1].String())
		return nil
	}); err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	return got
}

func TestPairs(t *testing.T) {
	c := chain("t0", "m0", "m1", "m2")
	var got []string
	for _, p := range Pairs(c) {
		got = append(got, p.String())
	}
	want := []string{"m0 -> m1", "m0 -> m2", "m1 -> m2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Pairs mismatch (-want +got):\n%s", diff)
	}
	if got := Pairs(chain("t0", "m0")); len(got) != 0 {
		t.Errorf("single lock chain has pairs %v", got)
	}
}

func TestCrossThreadInversion(t *testing.T) {
	s := lockchain.NewStore()
	agg := diag.New(io.Discard)
	b := lockchain.NewBuilder(s, agg, lockchain.BuilderOptions{})
	for _, op := range []*lockevent.Operation{
		newOp("lock", "m0", "t0"),
		newOp("lock", "m1", "t0"),
		newOp("unlock", "m1", "t0"),
		newOp("unlock", "m0", "t0"),
		newOp("lock", "m1", "t1"),
		newOp("lock", "m0", "t1"),
		newOp("unlock", "m0", "t1"),
		newOp("unlock", "m1", "t1"),
	} {
		if err := b.Process(op); err != nil {
			t.Fatalf("Process(%v) failed: %v", op, err)
		}
	}

	var conflicts []*Conflict
	if err := Detect(s, func(c *Conflict) error {
		conflicts = append(conflicts, c)
		return agg.Report(c)
	}); err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.Threads != [2]string{"t0", "t1"} {
		t.Errorf("threads = %v, want [t0 t1]", c.Threads)
	}
	if got := c.Pairs[0].String() + " / " + c.Pairs[1].String(); got != "m0 -> m1 / m1 -> m0" {
		t.Errorf("pairs = %s, want m0 -> m1 / m1 -> m0", got)
	}
	if c.Chains[0].String() != "m0 -> m1" || c.Chains[1].String() != "m1 -> m0" {
		t.Errorf("chains = %s and %s", c.Chains[0], c.Chains[1])
	}
	if agg.Errors() != 1 || agg.Warnings() != 0 {
		t.Errorf("got %d errors and %d warnings, want 1 and 0", agg.Errors(), agg.Warnings())
	}
	if !strings.Contains(c.Error(), "between threads t0 and t1") {
		t.Errorf("unexpected message %q", c.Error())
	}
}

func TestDetect(t *testing.T) {
	for _, tc := range []struct {
		name   string
		chains map[string][]lockchain.Chain
		want   []string
	}{
		{
			name: "consistent order",
			chains: map[string][]lockchain.Chain{
				"t0": {chain("t0", "m0", "m1")},
				"t1": {chain("t1", "m0", "m1")},
			},
		},
		{
			name: "self lock",
			chains: map[string][]lockchain.Chain{
				"t0": {chain("t0", "m0", "m0")},
				"t1": {chain("t1", "m0", "m0")},
			},
		},
		{
			name: "same thread",
			chains: map[string][]lockchain.Chain{
				"t0": {chain("t0", "m0", "m1"), chain("t0", "m1", "m0")},
			},
		},
		{
			name: "every trigger is reported",
			chains: map[string][]lockchain.Chain{
				"t0": {chain("t0", "m0", "m1", "m2")},
				"t1": {chain("t1", "m2", "m1", "m0")},
			},
			want: []string{
				"m0 -> m1 / m1 -> m0",
				"m0 -> m2 / m2 -> m0",
				"m1 -> m2 / m2 -> m1",
			},
		},
		{
			name: "threads in short-name order",
			chains: map[string][]lockchain.Chain{
				"t10": {chain("t10", "m1", "m0")},
				"t2":  {chain("t2", "m0", "m1")},
				"t3":  {chain("t3", "m2", "m3")},
			},
			want: []string{"m0 -> m1 / m1 -> m0"},
		},
		{
			// Each pair of threads agrees on the order of the mutexes
			// they share, but together they form a cycle.
			name: "three thread cycle is not reported",
			chains: map[string][]lockchain.Chain{
				"t0": {chain("t0", "m0", "m1")},
				"t1": {chain("t1", "m1", "m2")},
				"t2": {chain("t2", "m2", "m0")},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := lockchain.NewStore()
			for thread, chains := range tc.chains {
				for _, c := range chains {
					s.Add(thread, c)
				}
			}
			if diff := cmp.Diff(tc.want, detect(t, s)); diff != "" {
				t.Errorf("conflicts mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDetectThreadOrder(t *testing.T) {
	s := lockchain.NewStore()
	s.Add("t10", chain("t10", "m1", "m0"))
	s.Add("t2", chain("t2", "m0", "m1"))
	var threads [][2]string
	if err := Detect(s, func(c *Conflict) error {
		threads = append(threads, c.Threads)
		return nil
	}); err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if diff := cmp.Diff([][2]string{{"t2", "t10"}}, threads); diff != "" {
		t.Errorf("threads mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectStopsOnError(t *testing.T) {
	s := lockchain.NewStore()
	s.Add("t0", chain("t0", "m0", "m1", "m2"))
	s.Add("t1", chain("t1", "m2", "m1", "m0"))
	stop := errors.New("stop")
	calls := 0
	err := Detect(s, func(*Conflict) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("Detect returned %v, want %v", err, stop)
	}
	if calls != 1 {
		t.Errorf("report called %d times, want 1", calls)
	}
}
