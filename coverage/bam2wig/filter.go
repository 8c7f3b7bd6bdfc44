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
	"fmt"
	"strings"

	"github.com/grailbio/bam2wig/coverage"
	"github.com/grailbio/bam2wig/interval"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
)

// Reason describes why an alignment was rejected.
type Reason int

const (
	// Accept means the alignment passed every filter.
	Accept Reason = iota
	Unmapped
	MapQ
	Secondary
	Duplicate
	Supplementary
	QCFail
	ImproperPair
	Blacklist
	MaxDup
	Orphan
	// LongIntron means a skipped region exceeded the intron limit.
	LongIntron
	nReasons
)

var reasonNames = [nReasons]string{
	"accept", "unmapped", "mapq", "secondary", "duplicate", "supplementary",
	"qcfail", "improper_pair", "blacklist", "max_dup", "orphan", "long_intron",
}

func (r Reason) String() string {
	if r >= 0 && r < nReasons {
		return reasonNames[r]
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// FilterOpts selects the alignments that are recorded.
type FilterOpts struct {
	MinMapQ           int
	KeepSecondary     bool
	KeepDuplicate     bool
	KeepSupplementary bool
	KeepQCFail        bool
	// Paired requires proper pairs: both mates mapped to the same chromosome
	// in FR orientation, with |TLEN| in [MinInsert, MaxInsert] and mate
	// starts at most MaxInsert apart.
	Paired    bool
	MinInsert int
	// MaxInsert of 0 means unlimited.
	MaxInsert int
}

// Filter decides whether alignments are recorded.  A Filter is owned by one
// worker, since its blacklist caches lookups.
type Filter struct {
	opts      FilterOpts
	blacklist *interval.BEDUnion
	// refID maps the alignment's reference to the blacklist's reference ID
	// space.  -1 disables the blacklist for the current chromosome.
	refID int
}

// NewFilter creates a Filter.  blacklist may be nil; otherwise the filter
// keeps its own clone, and blacklistRefID is the chromosome's ID in the
// header the blacklist was loaded against.
func NewFilter(opts FilterOpts, blacklist *interval.BEDUnion, blacklistRefID int) *Filter {
	f := &Filter{opts: opts, refID: -1}
	if blacklist != nil && !blacklist.Empty() {
		bl := blacklist.Clone()
		f.blacklist = &bl
		f.refID = blacklistRefID
	}
	return f
}

// Accept returns Accept if samr should be recorded, or the first reason it
// should not.
func (f *Filter) Accept(samr *sam.Record) Reason {
	flags := samr.Flags
	if flags&sam.Unmapped != 0 || samr.Ref == nil || samr.Pos < 0 {
		return Unmapped
	}
	if int(samr.MapQ) < f.opts.MinMapQ {
		return MapQ
	}
	if flags&sam.Secondary != 0 && !f.opts.KeepSecondary {
		return Secondary
	}
	if flags&sam.Duplicate != 0 && !f.opts.KeepDuplicate {
		return Duplicate
	}
	if flags&sam.Supplementary != 0 && !f.opts.KeepSupplementary {
		return Supplementary
	}
	if flags&sam.QCFail != 0 && !f.opts.KeepQCFail {
		return QCFail
	}
	if f.opts.Paired && !f.properPair(samr) {
		return ImproperPair
	}
	if f.blacklist != nil && f.refID >= 0 &&
		f.blacklist.OverlapsByID(f.refID, interval.PosType(samr.Pos), interval.PosType(samr.End())) {
		return Blacklist
	}
	return Accept
}

func (f *Filter) properPair(samr *sam.Record) bool {
	if samr.Flags&sam.Paired == 0 || samr.Flags&sam.MateUnmapped != 0 {
		return false
	}
	if samr.Ref != samr.MateRef {
		return false
	}
	tlen := samr.TempLen
	if tlen < 0 {
		tlen = -tlen
	}
	if tlen < f.opts.MinInsert {
		return false
	}
	if max := f.opts.MaxInsert; max > 0 {
		if d := samr.MatePos - samr.Pos; tlen > max || d > max || -d > max {
			return false
		}
	}
	return coverage.PairStrand(samr) != coverage.StrandNone
}

// FilterStats counts alignments by Reason.
type FilterStats [nReasons]int64

// Add folds o into s.
func (s *FilterStats) Add(o FilterStats) {
	for i := range s {
		s[i] += o[i]
	}
}

// Rejected returns the number of alignments that were not recorded.
func (s *FilterStats) Rejected() int64 {
	var n int64
	for i := Accept + 1; i < nReasons; i++ {
		n += s[i]
	}
	return n
}

func (s FilterStats) String() string {
	var b strings.Builder
	for i := Reason(0); i < nReasons; i++ {
		if s[i] == 0 && i != Accept {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%d", i, s[i])
	}
	return b.String()
}

func (s *FilterStats) log(unit string) {
	log.Printf("%s: %v", unit, *s)
}
