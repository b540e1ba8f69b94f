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

package lockevent

import (
	"strconv"
	"strings"
)

// Legend prefixes.
const (
	MutexPrefix  = "m"
	ThreadPrefix = "t"
)

// LegendEntry is one raw identifier and its short name.
type LegendEntry struct {
	Short string `json:"short" yaml:"short"`
	Raw   string `json:"raw" yaml:"raw"`
}

// Legend assigns short names to raw identifiers in first-seen order: the Nth
// distinct identifier gets prefix+(N-1). Names are never reassigned.
type Legend struct {
	prefix string
	names  map[string]string
	order  []string
}

// NewLegend returns an empty legend naming identifiers prefix0, prefix1, ...
func NewLegend(prefix string) *Legend {
	return &Legend{
		prefix: prefix,
		names:  make(map[string]string),
	}
}

// Name returns the short name of id, assigning the next one if id has not
// been seen.
func (l *Legend) Name(id string) string {
	if name, ok := l.names[id]; ok {
		return name
	}
	name := l.prefix + strconv.Itoa(len(l.order))
	l.names[id] = name
	l.order = append(l.order, id)
	return name
}

// Lookup returns the short name of id without assigning one.
func (l *Legend) Lookup(id string) (string, bool) {
	name, ok := l.names[id]
	return name, ok
}

// Len returns the number of named identifiers.
func (l *Legend) Len() int {
	return len(l.order)
}

// Entries returns all entries in short-name numeric order.
func (l *Legend) Entries() []LegendEntry {
	entries := make([]LegendEntry, 0, len(l.order))
	for _, id := range l.order {
		entries = append(entries, LegendEntry{Short: l.names[id], Raw: id})
	}
	return entries
}

// CompareShortNames orders legend names by prefix and then numerically, so
// that "t2" sorts before "t10". Names without a numeric suffix compare as
// strings after all numbered names with the same prefix.
func CompareShortNames(a, b string) int {
	pa, na, oka := splitShortName(a)
	pb, nb, okb := splitShortName(b)
	if c := strings.Compare(pa, pb); c != 0 {
		return c
	}
	switch {
	case oka && okb:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case oka:
		return -1
	case okb:
		return 1
	}
	return strings.Compare(a, b)
}

func splitShortName(s string) (string, int, bool) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(s[i:])
	if err != nil {
		return s, 0, false
	}
	return s[:i], n, true
}
