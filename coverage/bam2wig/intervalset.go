// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package bam2wig

import (
	"github.com/biogo/store/llrb"
)

// span is a half-open interval stored in an intervalSet.  Spans in a set
// never overlap or touch, so ordering by start is a total order.
type span struct {
	start, end int
}

func (s span) Compare(c llrb.Comparable) int {
	return s.start - c.(span).start
}

// intervalSet is a set of disjoint half-open intervals.  Added intervals are
// coalesced with every interval they overlap or touch.
type intervalSet struct {
	tree llrb.Tree
}

// Add inserts [start, end) into the set.
func (s *intervalSet) Add(start, end int) {
	if end <= start {
		return
	}
	// Absorb a predecessor that reaches start.
	if c := s.tree.Floor(span{start: start}); c != nil {
		prev := c.(span)
		if prev.end >= start {
			if prev.end >= end {
				return
			}
			s.tree.Delete(prev)
			start = prev.start
		}
	}
	// Absorb successors that begin at or before end.
	for {
		c := s.tree.Ceil(span{start: start})
		if c == nil {
			break
		}
		next := c.(span)
		if next.start > end {
			break
		}
		s.tree.Delete(next)
		if next.end > end {
			end = next.end
		}
	}
	s.tree.Insert(span{start: start, end: end})
}

// Do calls fn on every interval in increasing order.
func (s *intervalSet) Do(fn func(start, end int)) {
	s.tree.Do(func(c llrb.Comparable) bool {
		sp := c.(span)
		fn(sp.start, sp.end)
		return false
	})
}

// Len returns the number of disjoint intervals.
func (s *intervalSet) Len() int {
	return s.tree.Len()
}

// Reset empties the set.
func (s *intervalSet) Reset() {
	s.tree = llrb.Tree{}
}
