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
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/grailbio/bam2wig/coverage"
	"github.com/grailbio/bam2wig/coverage/stats"
	"github.com/grailbio/bam2wig/encoding/bamprovider"
	"github.com/grailbio/bam2wig/interval"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/tsv"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/grailbio/hts/sam"
)

// ShiftOpts configures shift estimation.
type ShiftOpts struct {
	// Chroms is the number of chromosomes sampled, largest first.
	Chroms int
	// Windows caps the number of windows kept per chromosome.
	Windows int
	// MinR is the minimum correlation for a window's best shift to be kept.
	MinR float64
	// Windows are kept when their depth z-score lies in [ZMin, ZMax].
	ZMin, ZMax float64
	// CoarseBin is the resolution of the strand profiles, in bases.
	CoarseBin int
	// WindowSize is the length of a scored window, in bases.
	WindowSize int
	// MaxShift is the largest candidate shift, in bases.  Candidates are
	// multiples of CoarseBin.
	MaxShift    int
	Parallelism int
}

// DefaultShiftOpts are the default shift-estimation settings.
var DefaultShiftOpts = ShiftOpts{
	Chroms:      4,
	Windows:     200,
	MinR:        0.25,
	ZMin:        3,
	ZMax:        10,
	CoarseBin:   10,
	WindowSize:  500,
	MaxShift:    500,
	Parallelism: 4,
}

// ShiftSample is one scored window.
type ShiftSample struct {
	Chrom string
	// Start and End delimit the window, in bases.
	Start, End int
	// Fwd and Rev are the strand start counts per coarse bin, from margin
	// bins before Start to margin bins after End.
	Fwd, Rev []float64
	margin   int
	// Curve[i] is the correlation at candidate shift i*CoarseBin.  Shifts
	// where the correlation is undefined hold NaN.
	Curve []float64
	Shift int
	R     float64
}

// ShiftProfile holds strand start-count curves averaged over the kept
// windows, each recentred on its peak.
type ShiftProfile struct {
	// Offset[i] is the distance, in bases, of point i from the window peak.
	Offset []int
	// Shifted is the reverse curve moved upstream by twice the estimated
	// shift.
	Fwd, Rev, Shifted []float64
}

// ShiftResult is the outcome of EstimateShift.
type ShiftResult struct {
	Shift   int
	Samples []ShiftSample
	// MeanCurve[i] is the mean correlation at candidate shift i*CoarseBin.
	MeanCurve []float64
	Profile   ShiftProfile
}

func validateShiftOpts(opts ShiftOpts) error {
	if opts.CoarseBin < 1 || opts.WindowSize < opts.CoarseBin || opts.MaxShift < 0 || opts.Chroms < 1 || opts.Windows < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("bam2wig: invalid shift estimation options %+v", opts))
	}
	if opts.ZMax < opts.ZMin {
		return errors.E(errors.Invalid, fmt.Sprintf("bam2wig: shift z-score range [%v, %v] is empty", opts.ZMin, opts.ZMax))
	}
	return nil
}

// EstimateShift estimates the distance between alignment 5' ends and the
// fragment centres.  Forward and reverse start counts around high-coverage
// windows of the largest chromosomes are cross-correlated: a fragment
// centred c bases from each 5' end puts the reverse-strand peak 2c bases
// downstream of the forward one.  Counts from every provider are pooled.
func EstimateShift(ctx context.Context, providers []bamprovider.Provider, chroms []coverage.Chromosome,
	filterOpts FilterOpts, blacklist *interval.BEDUnion, opts ShiftOpts) (ShiftResult, error) {
	if err := validateShiftOpts(opts); err != nil {
		return ShiftResult{}, err
	}
	sel := append([]coverage.Chromosome(nil), chroms...)
	sort.SliceStable(sel, func(i, j int) bool { return sel[i].Len > sel[j].Len })
	if len(sel) > opts.Chroms {
		sel = sel[:opts.Chroms]
	}
	filterOpts.Paired = false

	perChrom := make([][]ShiftSample, len(sel))
	parallelism := opts.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	if parallelism > len(sel) {
		parallelism = len(sel)
	}
	err := traverse.Each(parallelism, func(jobIdx int) error {
		for i := jobIdx; i < len(sel); i += parallelism {
			fwd, rev, err := strandStartCounts(providers, sel[i], filterOpts, blacklist, opts.CoarseBin)
			if err != nil {
				return err
			}
			perChrom[i] = scoreWindows(sel[i].Name, fwd, rev, opts)
			log.Printf("bam2wig: shift estimation: %s: %d window(s) kept", sel[i].Name, len(perChrom[i]))
		}
		return nil
	})
	if err != nil {
		return ShiftResult{}, err
	}
	var samples []ShiftSample
	for _, s := range perChrom {
		samples = append(samples, s...)
	}
	return aggregateShift(samples, opts)
}

// strandStartCounts returns the forward and reverse 5' counts of one
// chromosome, in coarse bins.
func strandStartCounts(providers []bamprovider.Provider, chrom coverage.Chromosome,
	filterOpts FilterOpts, blacklist *interval.BEDUnion, coarseBin int) (fwd, rev []uint32, err error) {
	n := coverage.NBins(chrom.Len, coarseBin)
	fwd = make([]uint32, n)
	rev = make([]uint32, n)
	filter := NewFilter(filterOpts, blacklist, chrom.ID)
	for _, p := range providers {
		iter := bamprovider.NewRefIterator(p, chrom.Name, 0, chrom.Len)
		for iter.Scan() {
			samr := iter.Record()
			if filter.Accept(samr) != Accept {
				continue
			}
			if samr.Flags&sam.Reverse == 0 {
				if samr.Pos < chrom.Len {
					fwd[samr.Pos/coarseBin]++
				}
			} else if end := samr.End() - 1; end >= 0 && end < chrom.Len {
				rev[end/coarseBin]++
			}
		}
		if err = iter.Close(); err != nil {
			return nil, nil, err
		}
	}
	return fwd, rev, nil
}

// scoreWindows picks the high-coverage windows of one chromosome, and scores
// each candidate shift on them.
func scoreWindows(chrom string, fwd, rev []uint32, opts ShiftOpts) []ShiftSample {
	winBins := opts.WindowSize / opts.CoarseBin
	nShifts := opts.MaxShift/opts.CoarseBin + 1
	margin := 2 * (nShifts - 1)
	nWin := len(fwd) / winBins
	if nWin == 0 {
		return nil
	}
	type window struct {
		idx   int
		score float64
	}
	scores := make([]float64, nWin)
	for w := range scores {
		var s uint32
		for i := w * winBins; i < (w+1)*winBins; i++ {
			s += fwd[i] + rev[i]
		}
		scores[w] = float64(s)
	}
	mean, std := stats.MeanStdDev(scores)
	var kept []window
	for w, s := range scores {
		if z := stats.ZScore(s, mean, std); z >= opts.ZMin && z <= opts.ZMax {
			kept = append(kept, window{w, s})
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	if len(kept) > opts.Windows {
		kept = kept[:opts.Windows]
	}

	var samples []ShiftSample
	for _, win := range kept {
		start := win.idx * winBins
		s := ShiftSample{
			Chrom:  chrom,
			Start:  start * opts.CoarseBin,
			End:    (start + winBins) * opts.CoarseBin,
			Fwd:    sliceCounts(fwd, start-margin, start+winBins+margin),
			Rev:    sliceCounts(rev, start-margin, start+winBins+margin),
			margin: margin,
			Curve:  make([]float64, nShifts),
			R:      math.Inf(-1),
		}
		fwdWin := s.Fwd[margin : margin+winBins]
		for k := 0; k < nShifts; k++ {
			lag := 2 * k
			r, ok := stats.Correlation(fwdWin, s.Rev[margin+lag:margin+lag+winBins])
			if !ok {
				s.Curve[k] = math.NaN()
				continue
			}
			s.Curve[k] = r
			if r > s.R {
				s.R, s.Shift = r, k*opts.CoarseBin
			}
		}
		if s.R >= opts.MinR {
			samples = append(samples, s)
		}
	}
	return samples
}

// sliceCounts copies counts[start:end], reading positions outside counts as
// zero.
func sliceCounts(counts []uint32, start, end int) []float64 {
	out := make([]float64, end-start)
	for i := range out {
		if j := start + i; j >= 0 && j < len(counts) {
			out[i] = float64(counts[j])
		}
	}
	return out
}

// aggregateShift combines the windows' best shifts into one value: their
// mean after discarding values more than 1.5 standard deviations from the
// mean.
func aggregateShift(samples []ShiftSample, opts ShiftOpts) (ShiftResult, error) {
	if len(samples) == 0 {
		return ShiftResult{}, errors.E(errors.NotExist, "bam2wig: shift estimation found no usable windows")
	}
	shifts := make([]float64, len(samples))
	for i, s := range samples {
		shifts[i] = float64(s.Shift)
	}
	mean, kept := stats.TrimmedMean(shifts, 1.5)
	res := ShiftResult{
		Shift:   int(math.Round(mean)),
		Samples: samples,
	}
	nShifts := opts.MaxShift/opts.CoarseBin + 1
	res.MeanCurve = make([]float64, nShifts)
	var rs []float64
	for k := range res.MeanCurve {
		rs = rs[:0]
		for _, s := range samples {
			if !math.IsNaN(s.Curve[k]) {
				rs = append(rs, s.Curve[k])
			}
		}
		res.MeanCurve[k], _ = stats.MeanStdDev(rs)
	}
	res.Profile = shiftProfile(samples, res.Shift, opts)
	log.Printf("bam2wig: estimated shift %d from %d window(s) (%d kept after trimming)", res.Shift, len(samples), kept)
	return res, nil
}

func shiftProfile(samples []ShiftSample, shift int, opts ShiftOpts) ShiftProfile {
	half := opts.WindowSize / opts.CoarseBin / 2
	n := 2*half + 1
	prof := ShiftProfile{
		Offset:  make([]int, n),
		Fwd:     make([]float64, n),
		Rev:     make([]float64, n),
		Shifted: make([]float64, n),
	}
	for i := range prof.Offset {
		prof.Offset[i] = (i - half) * opts.CoarseBin
	}
	lag := 2 * shift / opts.CoarseBin
	for _, s := range samples {
		winBins := len(s.Fwd) - 2*s.margin
		peak, best := s.margin, -1.0
		for i := s.margin; i < s.margin+winBins; i++ {
			if v := s.Fwd[i] + s.Rev[i]; v > best {
				peak, best = i, v
			}
		}
		for i := range prof.Offset {
			j := peak + i - half
			prof.Fwd[i] += at(s.Fwd, j)
			prof.Rev[i] += at(s.Rev, j)
			prof.Shifted[i] += at(s.Rev, j+lag)
		}
	}
	d := float64(len(samples))
	for i := range prof.Offset {
		prof.Fwd[i] /= d
		prof.Rev[i] /= d
		prof.Shifted[i] /= d
	}
	return prof
}

func at(xs []float64, i int) float64 {
	if i < 0 || i >= len(xs) {
		return 0
	}
	return xs[i]
}

// WriteShiftModel writes the diagnostic profile to prefix+"_profile.txt" and
// the mean correlation curve to prefix+"_correlation.txt".
func WriteShiftModel(ctx context.Context, prefix string, res ShiftResult, coarseBin int) error {
	var scratch []byte
	format := func(v float64) string {
		scratch = strconv.AppendFloat(scratch[:0], v, 'f', 4, 64)
		return gunsafe.BytesToString(scratch)
	}
	if err := writeTSV(ctx, prefix+"_profile.txt", func(w *tsv.Writer) error {
		w.WriteString("offset\tforward\treverse\tshifted")
		if err := w.EndLine(); err != nil {
			return err
		}
		p := res.Profile
		for i, off := range p.Offset {
			w.WriteString(strconv.Itoa(off))
			w.WriteString(format(p.Fwd[i]))
			w.WriteString(format(p.Rev[i]))
			w.WriteString(format(p.Shifted[i]))
			if err := w.EndLine(); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	return writeTSV(ctx, prefix+"_correlation.txt", func(w *tsv.Writer) error {
		w.WriteString("shift\tr")
		if err := w.EndLine(); err != nil {
			return err
		}
		for k, r := range res.MeanCurve {
			w.WriteUint32(uint32(k * coarseBin))
			w.WriteString(format(r))
			if err := w.EndLine(); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeTSV(ctx context.Context, path string, fn func(w *tsv.Writer) error) (err error) {
	var out file.File
	if out, err = file.Create(ctx, path); err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))
	if err = fn(w); err != nil {
		return err
	}
	return w.Flush()
}

// applyShift sets the shift or extension of cfg from an estimated shift.
// An explicit extension is kept.
func applyShift(cfg *Config, shift int) {
	switch cfg.Mode {
	case ModeExtend:
		if cfg.Extend == 0 {
			cfg.Extend = 2 * shift
		}
	case ModeCenterSpan:
		cfg.Shift = shift
		if cfg.Extend == 0 {
			cfg.Extend = 2 * shift
		}
	default:
		cfg.Shift = shift
	}
}
