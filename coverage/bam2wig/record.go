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
	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
)

// Mode selects how an alignment (or pair) is turned into bin contributions.
type Mode int

const (
	// ModeStart records the 5' base of each alignment.
	ModeStart Mode = iota
	// ModeMid records the alignment midpoint.
	ModeMid
	// ModeSpan records every base the alignment covers.
	ModeSpan
	// ModeExtend records Extend bases from the 5' end, in the 3' direction.
	ModeExtend
	// ModeCenterSpan records a window of 2*floor(Extend/2) bases centred on
	// the alignment midpoint, moved 3' by the shift.
	ModeCenterSpan
	// ModeCoverage records the per-base read depth reported by the alignment
	// source.  Alignment filters do not apply.
	ModeCoverage
	// ModeSmartPairedCoverage records the union of both mates' footprints.
	ModeSmartPairedCoverage
	// ModePairedEndpoints records both outer ends of each fragment.
	ModePairedEndpoints
)

var modeNames = [...]string{"start", "mid", "span", "extend", "cspan", "coverage", "smartpe", "ends"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode is the inverse of Mode.String.  Matching is case-insensitive.
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(i), nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("bam2wig: unknown mode %q, want one of %s", s, strings.Join(modeNames[:], ",")))
}

// Paired returns true for the modes that record fragments from read pairs.
func (m Mode) Paired() bool {
	return m == ModeSmartPairedCoverage || m == ModePairedEndpoints
}

// Config is the validated recording configuration shared by every worker.
type Config struct {
	Mode        Mode
	StrandSplit bool
	// Shift moves single-end positions this many bases in the 3' direction.
	Shift int
	// Extend is the fragment length used by ModeExtend and ModeCenterSpan.
	Extend  int
	BinSize int
	// Splice re-dispatches spliced single-end alignments on each segment.
	Splice bool
	// MaxIntron drops alignments or pairs with a longer skipped region.  0
	// means unlimited.
	MaxIntron int
	// SpliceFraction divides the weight by the number of segments recorded.
	SpliceFraction bool
}

// validateConfig checks the mutual-exclusion rules.  When shiftPending is
// set, a shift will be estimated later, and a missing Extend is accepted.
func validateConfig(cfg Config, shiftPending bool) error {
	if cfg.Mode < ModeStart || cfg.Mode > ModePairedEndpoints {
		return errors.E(errors.Invalid, fmt.Sprintf("bam2wig: invalid mode %d", int(cfg.Mode)))
	}
	if cfg.BinSize < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("bam2wig: bin size must be at least 1, got %d", cfg.BinSize))
	}
	if cfg.Shift < 0 || cfg.Extend < 0 || cfg.MaxIntron < 0 {
		return errors.E(errors.Invalid, "bam2wig: shift, extend and max intron must be non-negative")
	}
	shifting := cfg.Shift > 0 || shiftPending
	if shifting && cfg.Splice {
		return errors.E(errors.Invalid, "bam2wig: shift and splice splitting are mutually exclusive")
	}
	if shifting && (cfg.Mode.Paired() || cfg.Mode == ModeCoverage) {
		return errors.E(errors.Invalid, fmt.Sprintf("bam2wig: shift cannot be used with %s mode", cfg.Mode))
	}
	if (cfg.Mode == ModeExtend || cfg.Mode == ModeCenterSpan) && cfg.Extend == 0 && !shiftPending {
		return errors.E(errors.Invalid, fmt.Sprintf("bam2wig: %s mode needs an extend value or shift estimation", cfg.Mode))
	}
	if cfg.Mode == ModeCenterSpan && cfg.Extend == 1 {
		return errors.E(errors.Invalid, "bam2wig: cspan mode needs an extend value of at least 2")
	}
	if cfg.Mode == ModeCoverage && (cfg.StrandSplit || cfg.Splice) {
		return errors.E(errors.Invalid, "bam2wig: coverage mode supports neither strand splitting nor splice splitting")
	}
	return nil
}

// Contribution is one weighted increment of one bin.
type Contribution struct {
	Bin    int
	Strand coverage.StrandType
	Weight float64
}

// Strategy maps one alignment, or one pair, to bin contributions.
type Strategy interface {
	// Record appends the contributions of reads to dst.  reads holds one
	// alignment for single-end strategies, and the two mates (leftmost first)
	// for paired ones.  w is the alignment weight.  An empty result means the
	// alignment was dropped.
	Record(dst []Contribution, reads []*sam.Record, w float64) []Contribution
	// Paired returns true if Record expects mate pairs.
	Paired() bool
	// Lookback is the largest distance, in bases, between an alignment's
	// start and the lowest position it may contribute to.
	Lookback() int
}

// NewStrategy validates cfg and returns the strategy for its mode.  A
// Strategy may keep scratch state, so each worker needs its own.
func NewStrategy(cfg Config) (Strategy, error) {
	if err := validateConfig(cfg, false); err != nil {
		return nil, err
	}
	base := baseStrategy{cfg: cfg}
	switch cfg.Mode {
	case ModeStart:
		return &singleStrategy{base, startPositions}, nil
	case ModeMid:
		return &singleStrategy{base, midPositions}, nil
	case ModeSpan:
		return &singleStrategy{base, spanPositions}, nil
	case ModeExtend:
		return &singleStrategy{base, extendPositions}, nil
	case ModeCenterSpan:
		return &singleStrategy{base, centerSpanPositions}, nil
	case ModeCoverage:
		return &coverageStrategy{base}, nil
	case ModeSmartPairedCoverage:
		return newSmartPairStrategy(base), nil
	case ModePairedEndpoints:
		return &pairEndpointStrategy{base}, nil
	}
	panic(cfg.Mode)
}

type baseStrategy struct {
	cfg Config
}

func (s *baseStrategy) strand(samr *sam.Record) coverage.StrandType {
	if !s.cfg.StrandSplit {
		return coverage.StrandNone
	}
	if s.cfg.Mode.Paired() {
		return coverage.PairStrand(samr)
	}
	return coverage.ReadStrand(samr)
}

// addRange appends one contribution per bin overlapping [start, end).
func (s *baseStrategy) addRange(dst []Contribution, start, end int, strand coverage.StrandType, w float64) []Contribution {
	if start < 0 {
		start = 0
	}
	if end <= start {
		return dst
	}
	b := s.cfg.BinSize
	for bin := start / b; bin <= (end-1)/b; bin++ {
		dst = append(dst, Contribution{Bin: bin, Strand: strand, Weight: w})
	}
	return dst
}

func (s *baseStrategy) addPos(dst []Contribution, pos int, strand coverage.StrandType, w float64) []Contribution {
	if pos < 0 {
		pos = 0
	}
	return append(dst, Contribution{Bin: pos / s.cfg.BinSize, Strand: strand, Weight: w})
}

func (s *baseStrategy) Lookback() int {
	if s.cfg.Mode.Paired() {
		// Pairs start at a pending mate, which the mate table tracks.
		return 0
	}
	return s.cfg.Shift + s.cfg.Extend
}

// positionFunc returns the [start, end) interval a single-end strategy
// records for an aligned interval [start, end) on the given strand.  An
// interval of length 1 is a single position.
type positionFunc func(start, end int, rev bool, cfg *Config) (int, int)

func shifted(start, end int, rev bool, shift int) (int, int) {
	if rev {
		return start - shift, end - shift
	}
	return start + shift, end + shift
}

func startPositions(start, end int, rev bool, cfg *Config) (int, int) {
	p := start
	if rev {
		p = end - 1
	}
	return shifted(p, p+1, rev, cfg.Shift)
}

func midPositions(start, end int, rev bool, cfg *Config) (int, int) {
	m := (start + end - 1) / 2
	return shifted(m, m+1, rev, cfg.Shift)
}

func spanPositions(start, end int, rev bool, cfg *Config) (int, int) {
	return shifted(start, end, rev, cfg.Shift)
}

func extendPositions(start, end int, rev bool, cfg *Config) (int, int) {
	if rev {
		return shifted(end-cfg.Extend, end, rev, cfg.Shift)
	}
	return shifted(start, start+cfg.Extend, rev, cfg.Shift)
}

// centerSpanPositions centres the window on the alignment midpoint, moved
// 3' by the shift.
func centerSpanPositions(start, end int, rev bool, cfg *Config) (int, int) {
	half := cfg.Extend / 2
	mid := (start + end - 1) / 2
	return shifted(mid-half, mid+half, rev, cfg.Shift)
}

// singleStrategy implements the single-end modes.
type singleStrategy struct {
	baseStrategy
	positions positionFunc
}

func (s *singleStrategy) Paired() bool { return false }

func (s *singleStrategy) Record(dst []Contribution, reads []*sam.Record, w float64) []Contribution {
	samr := reads[0]
	strand := s.strand(samr)
	rev := samr.Flags&sam.Reverse != 0
	if !s.cfg.Splice {
		start, end := s.positions(samr.Pos, samr.End(), rev, &s.cfg)
		return s.add(dst, start, end, strand, w)
	}
	var segBuf [4]coverage.Segment
	segs, maxGap := coverage.Segments(segBuf[:0], samr)
	if s.cfg.MaxIntron > 0 && maxGap > s.cfg.MaxIntron {
		return dst
	}
	if s.cfg.SpliceFraction && len(segs) > 1 {
		w /= float64(len(segs))
	}
	for _, seg := range segs {
		start, end := s.positions(seg.Start, seg.End, rev, &s.cfg)
		dst = s.add(dst, start, end, strand, w)
	}
	return dst
}

func (s *singleStrategy) add(dst []Contribution, start, end int, strand coverage.StrandType, w float64) []Contribution {
	if end-start == 1 {
		return s.addPos(dst, start, strand, w)
	}
	return s.addRange(dst, start, end, strand, w)
}

// coverageStrategy is never given alignments: depth comes from
// bamprovider.Depth.
type coverageStrategy struct {
	baseStrategy
}

func (s *coverageStrategy) Paired() bool { return false }

func (s *coverageStrategy) Record(dst []Contribution, reads []*sam.Record, w float64) []Contribution {
	panic("bam2wig: coverage mode does not record alignments")
}

// pairEndpointStrategy records the two outer ends of a fragment.
type pairEndpointStrategy struct {
	baseStrategy
}

func (s *pairEndpointStrategy) Paired() bool { return true }

func (s *pairEndpointStrategy) Record(dst []Contribution, reads []*sam.Record, w float64) []Contribution {
	start, end := fragmentBounds(reads)
	strand := s.strand(reads[0])
	dst = s.addPos(dst, start, strand, w)
	return s.addPos(dst, end-1, strand, w)
}

// fragmentBounds returns the outer span of a pair.
func fragmentBounds(reads []*sam.Record) (start, end int) {
	start, end = reads[0].Pos, reads[0].End()
	for _, r := range reads[1:] {
		if r.Pos < start {
			start = r.Pos
		}
		if e := r.End(); e > end {
			end = e
		}
	}
	return start, end
}

// smartPairStrategy records the union of both mates' aligned segments, so
// that bases covered by both mates are counted once.
type smartPairStrategy struct {
	baseStrategy
	set    intervalSet
	segBuf []coverage.Segment
}

func newSmartPairStrategy(base baseStrategy) *smartPairStrategy {
	return &smartPairStrategy{baseStrategy: base}
}

func (s *smartPairStrategy) Paired() bool { return true }

// Record is not safe for concurrent use; every worker builds its own
// strategy.
func (s *smartPairStrategy) Record(dst []Contribution, reads []*sam.Record, w float64) []Contribution {
	s.set.Reset()
	for _, r := range reads {
		var maxGap int
		s.segBuf, maxGap = coverage.Segments(s.segBuf[:0], r)
		if s.cfg.MaxIntron > 0 && maxGap > s.cfg.MaxIntron {
			return dst
		}
		for _, seg := range s.segBuf {
			s.set.Add(seg.Start, seg.End)
		}
	}
	strand := s.strand(reads[0])
	lastBin := -1
	b := s.cfg.BinSize
	s.set.Do(func(start, end int) {
		first := start / b
		if first <= lastBin {
			// Two intervals can share a bin when the gap between them is
			// narrower than a bin.
			first = lastBin + 1
		}
		for bin := first; bin <= (end-1)/b; bin++ {
			dst = append(dst, Contribution{Bin: bin, Strand: strand, Weight: w})
		}
		if last := (end - 1) / b; last > lastBin {
			lastBin = last
		}
	})
	return dst
}
