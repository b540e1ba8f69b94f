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

// Package hotops keeps the most expensive lock operations of a run.
package hotops

import (
	"github.com/google/btree"
	"gvisor.dev/mi/pkg/lockevent"
)

// DefaultLimit is the default number of retained operations.
const DefaultLimit = 10

// degree is the btree degree. The tree never holds more than limit+1 items.
const degree = 4

type entry struct {
	op  *lockevent.Operation
	seq uint64
}

// less orders by cost, most expensive first, then by arrival.
func less(a, b entry) bool {
	if a.op.Cost != b.op.Cost {
		return a.op.Cost > b.op.Cost
	}
	return a.seq < b.seq
}

// Tracker retains the limit operations with the largest cost among those
// offered. The zero value is not usable; call New.
type Tracker struct {
	limit int
	seq   uint64
	tree  *btree.BTreeG[entry]
}

// New returns a Tracker retaining at most limit operations. A nonpositive
// limit retains nothing.
func New(limit int) *Tracker {
	return &Tracker{
		limit: limit,
		tree:  btree.NewG[entry](degree, less),
	}
}

// Offer considers op for the retained set. Operations with zero cost are
// never retained. When the set overflows, the cheapest operation is evicted,
// the most recently offered one among equal costs.
func (t *Tracker) Offer(op *lockevent.Operation) {
	if op.Cost <= 0 || t.limit <= 0 {
		return
	}
	t.seq++
	t.tree.ReplaceOrInsert(entry{op: op, seq: t.seq})
	if t.tree.Len() > t.limit {
		t.tree.DeleteMax()
	}
}

// Len returns the number of retained operations.
func (t *Tracker) Len() int {
	return t.tree.Len()
}

// List returns the retained operations, most expensive first. Operations of
// equal cost keep the order in which they were offered.
func (t *Tracker) List() []*lockevent.Operation {
	ops := make([]*lockevent.Operation, 0, t.tree.Len())
	t.tree.Ascend(func(e entry) bool {
		ops = append(ops, e.op)
		return true
	})
	return ops
}
