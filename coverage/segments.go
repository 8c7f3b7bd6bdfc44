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
package coverage

import (
	"github.com/grailbio/hts/sam"
)

// Segment is a half-open, 0-based reference interval covered by one ungapped
// piece of an alignment.
type Segment struct {
	Start int
	End   int
}

// Len returns the number of reference bases in the segment.
func (s Segment) Len() int {
	return s.End - s.Start
}

// Segments appends the reference segments of samr, split at skipped-region
// (N) CIGAR operations, to dst.  Deletions do not split a segment.  maxGap is
// the longest skipped region, or 0 for an unspliced alignment.
func Segments(dst []Segment, samr *sam.Record) (segs []Segment, maxGap int) {
	segs = dst
	start := samr.Pos
	pos := samr.Pos
	for _, co := range samr.Cigar {
		cLen := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch, sam.CigarDeletion:
			pos += cLen
		case sam.CigarSkipped:
			if pos > start {
				segs = append(segs, Segment{Start: start, End: pos})
			}
			if cLen > maxGap {
				maxGap = cLen
			}
			pos += cLen
			start = pos
		default:
			// Insertions, clips and padding don't consume reference bases.
		}
	}
	if pos > start {
		segs = append(segs, Segment{Start: start, End: pos})
	}
	return segs, maxGap
}

var nhTag = sam.NewTag("NH")

// MultiMapCount returns the number of reported alignments for the read, taken
// from the NH aux tag.  It returns 1 when the tag is absent or invalid.
func MultiMapCount(samr *sam.Record) int {
	aux := samr.AuxFields.Get(nhTag)
	if aux == nil {
		return 1
	}
	var n int
	switch v := aux.Value().(type) {
	case int8:
		n = int(v)
	case uint8:
		n = int(v)
	case int16:
		n = int(v)
	case uint16:
		n = int(v)
	case int32:
		n = int(v)
	case uint32:
		n = int(v)
	}
	if n < 1 {
		return 1
	}
	return n
}
