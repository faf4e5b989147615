/*
Copyright 2024 The Dropwire Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package rangeset implements a compact, sorted representation of which
// chunk indices of a blob are present or missing, as used by the content
// store's local() and execute_get() operations.
package rangeset

import "sort"

// Range is a half-open chunk index interval [Start, End).
type Range struct {
	Start, End int
}

// Len returns the number of chunk indices the range covers.
func (r Range) Len() int { return r.End - r.Start }

// Set is a sorted, non-overlapping, non-adjacent list of Ranges. The zero
// value is an empty Set.
type Set struct {
	ranges []Range
}

// Empty reports whether the set covers no indices at all.
func (s *Set) Empty() bool { return len(s.ranges) == 0 }

// Ranges returns the set's ranges in ascending order. The caller must not
// mutate the returned slice.
func (s *Set) Ranges() []Range { return s.ranges }

// Count returns the total number of indices covered by the set.
func (s *Set) Count() int {
	n := 0
	for _, r := range s.ranges {
		n += r.Len()
	}
	return n
}

// Contains reports whether index i is covered by the set.
func (s *Set) Contains(i int) bool {
	j := sort.Search(len(s.ranges), func(k int) bool { return s.ranges[k].End > i })
	return j < len(s.ranges) && s.ranges[j].Start <= i
}

// Add inserts [start, end) into the set, merging with any overlapping or
// adjacent existing ranges. It is a no-op if end <= start.
func (s *Set) Add(start, end int) {
	if end <= start {
		return
	}
	out := make([]Range, 0, len(s.ranges)+1)
	inserted := false
	for _, r := range s.ranges {
		switch {
		case r.End < start:
			out = append(out, r)
		case end < r.Start:
			if !inserted {
				out = append(out, Range{start, end})
				inserted = true
			}
			out = append(out, r)
		default:
			if r.Start < start {
				start = r.Start
			}
			if r.End > end {
				end = r.End
			}
		}
	}
	if !inserted {
		out = append(out, Range{start, end})
	}
	s.ranges = out
}

// Full returns a Set covering [0, n) in a single range.
func Full(n int) *Set {
	s := &Set{}
	s.Add(0, n)
	return s
}

// Missing returns a new Set containing every index in [0, total) that is
// not covered by present.
func Missing(present *Set, total int) *Set {
	missing := &Set{}
	cursor := 0
	if present != nil {
		for _, r := range present.ranges {
			if r.Start > cursor {
				missing.Add(cursor, r.Start)
			}
			if r.End > cursor {
				cursor = r.End
			}
		}
	}
	if cursor < total {
		missing.Add(cursor, total)
	}
	return missing
}
