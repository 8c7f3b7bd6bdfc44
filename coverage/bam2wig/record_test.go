package bam2wig

import (
	"math/rand"
	"testing"

	"github.com/grailbio/bam2wig/coverage"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func mustStrategy(t *testing.T, cfg Config) Strategy {
	if cfg.BinSize == 0 {
		cfg.BinSize = 1
	}
	s, err := NewStrategy(cfg)
	assert.NoError(t, err)
	return s
}

func bins(cs []Contribution) []int {
	out := make([]int, len(cs))
	for i, c := range cs {
		out[i] = c.Bin
	}
	return out
}

func binRange(start, end int) []int {
	var out []int
	for i := start; i < end; i++ {
		out = append(out, i)
	}
	return out
}

func TestSpanAndStartContributionCounts(t *testing.T) {
	header := newTestHeader(t, 100000)
	ref := header.Refs()[0]
	span := mustStrategy(t, Config{Mode: ModeSpan})
	start := mustStrategy(t, Config{Mode: ModeStart})
	r := rand.New(rand.NewSource(0))
	for i := 0; i < 200; i++ {
		var flags sam.Flags
		if r.Intn(2) == 1 {
			flags = sam.Reverse
		}
		cigar := []string{"1M", "36M", "50M", "20M5D30M", "10M2I10M"}[r.Intn(5)]
		rec := newRead("r", ref, r.Intn(99000), cigar, flags)

		cs := span.Record(nil, []*sam.Record{rec}, 1)
		expect.EQ(t, bins(cs), binRange(rec.Pos, rec.End()))
		for _, c := range cs {
			expect.EQ(t, c.Weight, 1.0)
		}
		cs = start.Record(nil, []*sam.Record{rec}, 1)
		expect.EQ(t, len(cs), 1)
	}
}

func TestSingleEndPositions(t *testing.T) {
	header := newTestHeader(t, 10000)
	ref := header.Refs()[0]
	fwd := newRead("f", ref, 100, "20M", 0)
	rev := newRead("r", ref, 100, "20M", sam.Reverse)
	nearStart := newRead("n", ref, 0, "5M", sam.Reverse)
	short := newRead("s", ref, 1000, "36M", 0)
	shortRev := newRead("t", ref, 1000, "36M", sam.Reverse)
	tests := []struct {
		name string
		cfg  Config
		rec  *sam.Record
		want []int
	}{
		{"start_fwd", Config{Mode: ModeStart}, fwd, []int{100}},
		{"start_rev", Config{Mode: ModeStart}, rev, []int{119}},
		{"start_fwd_shift", Config{Mode: ModeStart, Shift: 5}, fwd, []int{105}},
		{"start_rev_shift", Config{Mode: ModeStart, Shift: 5}, rev, []int{114}},
		{"start_rev_clamped", Config{Mode: ModeStart, Shift: 10}, nearStart, []int{0}},
		{"mid_fwd", Config{Mode: ModeMid}, fwd, []int{109}},
		{"mid_rev", Config{Mode: ModeMid}, rev, []int{109}},
		{"mid_fwd_shift", Config{Mode: ModeMid, Shift: 5}, fwd, []int{114}},
		{"mid_rev_shift", Config{Mode: ModeMid, Shift: 5}, rev, []int{104}},
		{"span_bin10", Config{Mode: ModeSpan, BinSize: 10}, fwd, []int{10, 11}},
		{"span_shift", Config{Mode: ModeSpan, Shift: 3}, rev, binRange(97, 117)},
		{"extend_fwd", Config{Mode: ModeExtend, Extend: 50}, fwd, binRange(100, 150)},
		{"extend_rev", Config{Mode: ModeExtend, Extend: 50}, rev, binRange(70, 120)},
		{"extend_rev_clamped", Config{Mode: ModeExtend, Extend: 50}, nearStart, binRange(0, 5)},
		{"extend_fwd_bin", Config{Mode: ModeExtend, Extend: 50, BinSize: 25}, fwd, []int{4, 5}},
		{"cspan_fwd", Config{Mode: ModeCenterSpan, Extend: 51}, fwd, binRange(84, 134)},
		{"cspan_rev", Config{Mode: ModeCenterSpan, Extend: 51}, rev, binRange(84, 134)},
		{"cspan_fwd_shift", Config{Mode: ModeCenterSpan, Extend: 20, Shift: 5}, fwd, binRange(104, 124)},
		{"cspan_rev_shift", Config{Mode: ModeCenterSpan, Extend: 20, Shift: 5}, rev, binRange(94, 114)},
		// A window much wider than the read stays centred on the read.
		{"cspan_wide", Config{Mode: ModeCenterSpan, Extend: 200}, short, binRange(917, 1117)},
		{"cspan_wide_rev", Config{Mode: ModeCenterSpan, Extend: 200}, shortRev, binRange(917, 1117)},
		{"cspan_wide_clamped", Config{Mode: ModeCenterSpan, Extend: 200}, nearStart, binRange(0, 102)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := mustStrategy(t, test.cfg)
			expect.EQ(t, bins(s.Record(nil, []*sam.Record{test.rec}, 1)), test.want)
		})
	}
}

func TestSplice(t *testing.T) {
	header := newTestHeader(t, 10000)
	ref := header.Refs()[0]
	rec := newRead("s", ref, 0, "10M100N10M", 0)

	s := mustStrategy(t, Config{Mode: ModeSpan, Splice: true})
	expect.EQ(t, bins(s.Record(nil, []*sam.Record{rec}, 1)), append(binRange(0, 10), binRange(110, 120)...))

	s = mustStrategy(t, Config{Mode: ModeStart, Splice: true})
	expect.EQ(t, bins(s.Record(nil, []*sam.Record{rec}, 1)), []int{0, 110})

	s = mustStrategy(t, Config{Mode: ModeStart, Splice: true, SpliceFraction: true})
	cs := s.Record(nil, []*sam.Record{rec}, 1)
	expect.EQ(t, cs[0].Weight, 0.5)
	expect.EQ(t, cs[1].Weight, 0.5)

	s = mustStrategy(t, Config{Mode: ModeSpan, Splice: true, MaxIntron: 50})
	expect.EQ(t, len(s.Record(nil, []*sam.Record{rec}, 1)), 0)

	// Without splice splitting, the intron is part of the span.
	s = mustStrategy(t, Config{Mode: ModeSpan})
	expect.EQ(t, bins(s.Record(nil, []*sam.Record{rec}, 1)), binRange(0, 120))
}

func TestStrandSplit(t *testing.T) {
	header := newTestHeader(t, 10000)
	ref := header.Refs()[0]
	rev := newRead("r", ref, 100, "20M", sam.Reverse)
	s := mustStrategy(t, Config{Mode: ModeStart, StrandSplit: true})
	expect.EQ(t, s.Record(nil, []*sam.Record{rev}, 2), []Contribution{{Bin: 119, Strand: coverage.StrandRev, Weight: 2}})
	s = mustStrategy(t, Config{Mode: ModeStart})
	expect.EQ(t, s.Record(nil, []*sam.Record{rev}, 2), []Contribution{{Bin: 119, Strand: coverage.StrandNone, Weight: 2}})

	// Paired modes use the fragment strand, given by read 1.
	f, r := newPair("p", ref, 100, "20M", 150, "20M", false)
	s = mustStrategy(t, Config{Mode: ModePairedEndpoints, StrandSplit: true})
	expect.EQ(t, s.Record(nil, []*sam.Record{f, r}, 1), []Contribution{
		{Bin: 100, Strand: coverage.StrandRev, Weight: 1},
		{Bin: 169, Strand: coverage.StrandRev, Weight: 1},
	})
}

func TestSmartPairedCoverage(t *testing.T) {
	header := newTestHeader(t, 10000)
	ref := header.Refs()[0]

	// Overlapping mates are counted once.
	f, r := newPair("p", ref, 100, "50M", 130, "50M", true)
	s := mustStrategy(t, Config{Mode: ModeSmartPairedCoverage})
	expect.EQ(t, bins(s.Record(nil, []*sam.Record{f, r}, 1)), binRange(100, 180))

	s = mustStrategy(t, Config{Mode: ModeSmartPairedCoverage, BinSize: 10})
	expect.EQ(t, bins(s.Record(nil, []*sam.Record{f, r}, 1)), binRange(10, 18))

	// The gap between mates is not filled, but a bin shared by both mates is
	// recorded once.
	f, r = newPair("q", ref, 100, "22M", 125, "20M", true)
	expect.EQ(t, bins(s.Record(nil, []*sam.Record{f, r}, 1)), binRange(10, 15))

	// Introns are not filled either.
	f, r = newPair("s", ref, 100, "10M50N10M", 200, "20M", true)
	s = mustStrategy(t, Config{Mode: ModeSmartPairedCoverage})
	want := append(append(binRange(100, 110), binRange(160, 170)...), binRange(200, 220)...)
	expect.EQ(t, bins(s.Record(nil, []*sam.Record{f, r}, 1)), want)

	s = mustStrategy(t, Config{Mode: ModeSmartPairedCoverage, MaxIntron: 20})
	expect.EQ(t, len(s.Record(nil, []*sam.Record{f, r}, 1)), 0)
}

func TestPairedEndpoints(t *testing.T) {
	header := newTestHeader(t, 10000)
	ref := header.Refs()[0]
	f, r := newPair("p", ref, 100, "50M", 130, "50M", true)
	s := mustStrategy(t, Config{Mode: ModePairedEndpoints})
	expect.True(t, s.Paired())
	expect.EQ(t, bins(s.Record(nil, []*sam.Record{f, r}, 1)), []int{100, 179})
}

func TestValidateConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Mode: ModeStart, BinSize: 0},
		{Mode: ModeStart, BinSize: 1, Shift: 10, Splice: true},
		{Mode: ModeSmartPairedCoverage, BinSize: 1, Shift: 10},
		{Mode: ModePairedEndpoints, BinSize: 1, Shift: 10},
		{Mode: ModeExtend, BinSize: 1},
		{Mode: ModeCenterSpan, BinSize: 1},
		{Mode: ModeCoverage, BinSize: 1, StrandSplit: true},
		{Mode: ModeStart, BinSize: 1, Shift: -1},
	} {
		_, err := NewStrategy(cfg)
		expect.True(t, errors.Is(errors.Invalid, err), "config %+v: %v", cfg, err)
	}
	// A pending shift estimate satisfies the extend requirement, but still
	// conflicts with splicing.
	expect.NoError(t, validateConfig(Config{Mode: ModeExtend, BinSize: 1}, true))
	expect.NotNil(t, validateConfig(Config{Mode: ModeStart, BinSize: 1, Splice: true}, true))

	m, err := ParseMode("SmartPE")
	assert.NoError(t, err)
	expect.EQ(t, m, ModeSmartPairedCoverage)
	_, err = ParseMode("bogus")
	expect.True(t, errors.Is(errors.Invalid, err))
}
