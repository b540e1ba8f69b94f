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

package lockchain

import (
	"fmt"
	"slices"
	"strings"

	"gvisor.dev/mi/pkg/lockevent"
)

// Chain is the sequence of acquisitions a thread made while continuously
// holding at least one lock, in acquisition order.
type Chain []*lockevent.Operation

// String returns the chain as mutex names, e.g. "m0 -> m1 -> m3".
func (c Chain) String() string {
	names := make([]string, 0, len(c))
	for _, op := range c {
		names = append(names, op.ShortObject)
	}
	return strings.Join(names, " -> ")
}

// Format writes every operation of the chain with its backtrace.
func (c Chain) Format(indent string) string {
	var b strings.Builder
	for i, op := range c {
		fmt.Fprintf(&b, "%s#%d ", indent, i)
		b.WriteString(strings.TrimPrefix(op.Format(indent), indent))
	}
	return b.String()
}

// Relation is the result of Compare.
type Relation int

const (
	// Unrelated chains differ somewhere in their common prefix.
	Unrelated Relation = iota

	// Redundant means the candidate is a prefix of, or equal to, the
	// stored chain.
	Redundant

	// Extends means the stored chain is a proper prefix of the candidate.
	Extends
)

// String implements fmt.Stringer.
func (r Relation) String() string {
	switch r {
	case Redundant:
		return "redundant"
	case Extends:
		return "extends"
	default:
		return "unrelated"
	}
}

// Compare relates candidate a to stored chain b by comparing operations
// (lockevent.Operation.SameEvent) over their common length.
func Compare(a, b Chain) Relation {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if !a[i].SameEvent(b[i]) {
			return Unrelated
		}
	}
	if len(a) <= len(b) {
		return Redundant
	}
	return Extends
}

// Store holds the chains of every thread, deduplicated by prefix
// subsumption.
type Store struct {
	chains map[string][]Chain
	count  int
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{chains: make(map[string][]Chain)}
}

// Add stores chain under thread unless a stored chain of that thread makes
// it redundant. A chain that extends a stored one replaces it in place. The
// rules are tried against the thread's chains in storage order and the
// first that applies wins; a chain unrelated to all of them is appended.
func (s *Store) Add(thread string, chain Chain) {
	stored := s.chains[thread]
	for i, b := range stored {
		switch Compare(chain, b) {
		case Redundant:
			return
		case Extends:
			stored[i] = chain
			return
		}
	}
	s.chains[thread] = append(stored, chain)
	s.count++
}

// Threads returns the names of threads with at least one chain, in
// short-name order.
func (s *Store) Threads() []string {
	threads := make([]string, 0, len(s.chains))
	for t := range s.chains {
		threads = append(threads, t)
	}
	slices.SortFunc(threads, lockevent.CompareShortNames)
	return threads
}

// Chains returns the chains of thread in storage order. The slice must not
// be modified.
func (s *Store) Chains(thread string) []Chain {
	return s.chains[thread]
}

// Len returns the total number of stored chains.
func (s *Store) Len() int {
	return s.count
}
