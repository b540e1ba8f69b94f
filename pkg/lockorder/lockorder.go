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

// Package lockorder finds lock order inversions between pairs of threads.
//
// Two threads invert the order of two mutexes when one acquires A then B
// and the other acquires B then A. An inversion is a necessary condition
// for a deadlock but not a sufficient one.
//
// Detection is pairwise. A cycle through three or more threads, where each
// pair of threads agrees on the order of the mutexes they share, is not
// reported.
package lockorder

import (
	"fmt"
	"strings"

	"gvisor.dev/mi/pkg/diag"
	"gvisor.dev/mi/pkg/lockchain"
	"gvisor.dev/mi/pkg/lockevent"
)

// Pair is an ordered acquisition pair taken from a chain: First was held
// when Second was acquired.
type Pair struct {
	First  *lockevent.Operation
	Second *lockevent.Operation
}

// String implements fmt.Stringer.
func (p Pair) String() string {
	return fmt.Sprintf("%s -> %s", p.First.ShortObject, p.Second.ShortObject)
}

// SelfPair returns true if both operations are on the same mutex.
func (p Pair) SelfPair() bool {
	return p.First.Object == p.Second.Object
}

// Pairs returns every (c[i], c[j]) with i < j, in index order.
func Pairs(c lockchain.Chain) []Pair {
	if len(c) < 2 {
		return nil
	}
	pairs := make([]Pair, 0, len(c)*(len(c)-1)/2)
	for i := 0; i < len(c); i++ {
		for j := i + 1; j < len(c); j++ {
			pairs = append(pairs, Pair{First: c[i], Second: c[j]})
		}
	}
	return pairs
}

// Inverted returns true if a and b acquire the same two distinct mutexes in
// opposite orders.
func Inverted(a, b Pair) bool {
	return a.First.Object == b.Second.Object &&
		a.Second.Object == b.First.Object &&
		!a.SelfPair() && !b.SelfPair()
}

// Conflict is a lock order inversion between two threads.
type Conflict struct {
	Threads [2]string
	Chains  [2]lockchain.Chain
	Pairs   [2]Pair
}

// Error implements error.Error.
func (c *Conflict) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "lock order inversion between threads %s and %s: %s in %s, %s in %s\n",
		c.Threads[0], c.Threads[1], c.Pairs[0], c.Threads[0], c.Pairs[1], c.Threads[1])
	for i := range c.Threads {
		fmt.Fprintf(&b, "chain of %s (%s):\n", c.Threads[i], c.Chains[i])
		b.WriteString(c.Chains[i].Format("  "))
	}
	return b.String()
}

// Severity implements diag.Condition.
func (*Conflict) Severity() diag.Severity { return diag.SeverityError }

// Detect compares the chains of every pair of distinct threads and calls
// report for each inversion found.
//
// Threads are visited in short-name order, chains in storage order and
// pairs in index order. Every triggering pair combination is reported, so a
// single pair of chains can produce several conflicts. A non-nil error from
// report stops the detection and is returned.
func Detect(store *lockchain.Store, report func(*Conflict) error) error {
	threads := store.Threads()
	for i := 0; i < len(threads); i++ {
		for j := i + 1; j < len(threads); j++ {
			if err := detectThreads(store, threads[i], threads[j], report); err != nil {
				return err
			}
		}
	}
	return nil
}

func detectThreads(store *lockchain.Store, t1, t2 string, report func(*Conflict) error) error {
	for _, c1 := range store.Chains(t1) {
		p1s := Pairs(c1)
		for _, c2 := range store.Chains(t2) {
			p2s := Pairs(c2)
			for _, p1 := range p1s {
				for _, p2 := range p2s {
					if !Inverted(p1, p2) {
						continue
					}
					c := &Conflict{
						Threads: [2]string{t1, t2},
						Chains:  [2]lockchain.Chain{c1, c2},
						Pairs:   [2]Pair{p1, p2},
					}
					if err := report(c); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}
