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
	"fmt"
	"regexp"

	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
)

// Common coverage-track components.

// StrandType describes which strand an alignment or fragment is assigned to.
type StrandType int

const (
	// StrandNone means either no strand separation, or (when returned by
	// PairStrand) an undefined strand.
	StrandNone StrandType = iota
	// StrandFwd is the forward (+) strand.
	StrandFwd
	// StrandRev is the reverse (-) strand.
	StrandRev
)

func (s StrandType) String() string {
	switch s {
	case StrandFwd:
		return "f"
	case StrandRev:
		return "r"
	}
	return "n"
}

// Flip swaps forward and reverse.  StrandNone is unchanged.
func (s StrandType) Flip() StrandType {
	switch s {
	case StrandFwd:
		return StrandRev
	case StrandRev:
		return StrandFwd
	}
	return s
}

// ReadStrand returns the strand a single alignment is mapped to.
func ReadStrand(samr *sam.Record) StrandType {
	if samr.Flags&sam.Reverse != 0 {
		return StrandRev
	}
	return StrandFwd
}

// PairStrand returns the strand of the fragment a paired alignment belongs
// to, using the orientation of read 1.
func PairStrand(samr *sam.Record) StrandType {
	if samr.Ref != samr.MateRef {
		return StrandNone
	}
	flagStrand := samr.Flags & (sam.Reverse | sam.MateReverse | sam.Read1 | sam.Read2)
	if (flagStrand == (sam.MateReverse | sam.Read1)) || (flagStrand == (sam.Reverse | sam.Read2)) {
		return StrandFwd
	} else if (flagStrand == (sam.Reverse | sam.Read1)) || (flagStrand == (sam.MateReverse | sam.Read2)) {
		return StrandRev
	}
	return StrandNone
}

// Chromosome is a reference sequence selected for processing.  Chromosomes
// are kept in BAM header order.
type Chromosome struct {
	// ID is the sam.Reference ID in the header of the first sample.
	ID   int
	Name string
	Len  int
}

// NBins returns the number of bins of width binSize needed to cover a
// chromosome of the given length, i.e. ceil(length / binSize).
func NBins(length, binSize int) int {
	return (length + binSize - 1) / binSize
}

// Chromosomes returns the header references, in header order, that belong
// to keep if it is non-empty, and otherwise those not matched by skip (if
// non-nil).  An explicit keep list overrides skip.
func Chromosomes(header *sam.Header, skip *regexp.Regexp, keep []string) ([]Chromosome, error) {
	var keepSet map[string]bool
	if len(keep) > 0 {
		keepSet = make(map[string]bool, len(keep))
		for _, name := range keep {
			keepSet[name] = true
		}
	}
	var chroms []Chromosome
	nSkipped := 0
	for _, ref := range header.Refs() {
		name := ref.Name()
		excluded := skip != nil && skip.MatchString(name)
		if keepSet != nil {
			excluded = !keepSet[name]
		}
		if excluded {
			nSkipped++
			continue
		}
		chroms = append(chroms, Chromosome{ID: ref.ID(), Name: name, Len: ref.Len()})
		delete(keepSet, name)
	}
	for name := range keepSet {
		return nil, fmt.Errorf("coverage.Chromosomes: chromosome %s not present in header", name)
	}
	if len(chroms) == 0 {
		return nil, fmt.Errorf("coverage.Chromosomes: no chromosomes left after filtering %d", nSkipped)
	}
	if nSkipped != 0 {
		log.Printf("coverage.Chromosomes: %d of %d reference(s) excluded", nSkipped, len(header.Refs()))
	}
	return chroms, nil
}

// CheckConsistentRefs verifies that every chromosome in chroms is present in
// header with the same length, returning the header's reference ID for each.
func CheckConsistentRefs(chroms []Chromosome, header *sam.Header) ([]int, error) {
	byName := make(map[string]*sam.Reference, len(header.Refs()))
	for _, ref := range header.Refs() {
		byName[ref.Name()] = ref
	}
	ids := make([]int, len(chroms))
	for i, c := range chroms {
		ref := byName[c.Name]
		if ref == nil {
			return nil, fmt.Errorf("coverage.CheckConsistentRefs: chromosome %s missing", c.Name)
		}
		if ref.Len() != c.Len {
			return nil, fmt.Errorf("coverage.CheckConsistentRefs: inconsistent lengths for chromosome %s (%d vs. %d)", c.Name, c.Len, ref.Len())
		}
		ids[i] = ref.ID()
	}
	return ids, nil
}
