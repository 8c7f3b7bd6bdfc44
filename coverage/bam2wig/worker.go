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
	"os"

	"github.com/grailbio/bam2wig/coverage"
	"github.com/grailbio/bam2wig/coverage/binpack"
	"github.com/grailbio/bam2wig/encoding/bamprovider"
	"github.com/grailbio/bam2wig/interval"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
)

// workerConfig is the read-only state shared by all workers of a run.
type workerConfig struct {
	cfg       Config
	filter    FilterOpts
	blacklist *interval.BEDUnion
	// fraction divides each alignment's weight by its NH count.
	fraction  bool
	maxDup    int
	threshold int
	width     binpack.Width
	codec     string
	dir       string
	strands   []coverage.StrandType
	// direct is set on the single-sample unnormalized path, where workers
	// write wig text instead of binary chunks.  chromNorm, if non-nil, is then
	// applied at record time.
	direct    bool
	wig       WigOpts
	chromNorm *NormalizationPlan
}

// workUnit identifies the (sample, chromosome) a worker processes.
type workUnit struct {
	sample   int
	chromIdx int
	chrom    coverage.Chromosome
	// blacklistRefID is the chromosome's reference ID in the header the
	// blacklist was loaded against.
	blacklistRefID int
}

func (u workUnit) String() string {
	return fmt.Sprintf("sample %d %s", u.sample, u.chrom.Name)
}

// abortSink is a Sink whose partial output can be discarded.
type abortSink interface {
	Sink
	abort()
}

// strandCounts are the recorded alignment counts of one strand.
type strandCounts struct {
	nAlignments int64
	weighted    float64
}

// WorkerState holds everything one worker needs to turn the alignments of one
// (sample, chromosome) into signal.  It is never shared between goroutines.
type WorkerState struct {
	wc          *workerConfig
	unit        workUnit
	strategy    Strategy
	filter      *Filter
	nBins       int
	chromFactor float64

	buffers [3]*SignalBuffer
	sinks   [3]abortSink
	counts  [3]strandCounts

	mates    *mateTable
	contribs []Contribution
	pair     [2]*sam.Record
	dups     dupTracker

	Stats FilterStats
}

// dupTracker counts alignments sharing a start position and strand.
// Alignments arrive sorted by position, so only the current position is
// tracked.
type dupTracker struct {
	pos    int
	counts [3]int
}

func (d *dupTracker) exceeds(samr *sam.Record, max int) bool {
	if samr.Pos != d.pos {
		d.pos = samr.Pos
		d.counts = [3]int{}
	}
	s := coverage.ReadStrand(samr)
	d.counts[s]++
	return d.counts[s] > max
}

func newWorker(ctx context.Context, wc *workerConfig, unit workUnit) (*WorkerState, error) {
	strategy, err := NewStrategy(wc.cfg)
	if err != nil {
		return nil, err
	}
	w := &WorkerState{
		wc:          wc,
		unit:        unit,
		strategy:    strategy,
		filter:      NewFilter(wc.filter, wc.blacklist, unit.blacklistRefID),
		nBins:       coverage.NBins(unit.chrom.Len, wc.cfg.BinSize),
		chromFactor: 1,
		dups:        dupTracker{pos: -1},
	}
	if strategy.Paired() {
		w.mates = newMateTable()
	}
	if wc.chromNorm != nil {
		w.chromFactor = wc.chromNorm.ChromFactorFor(unit.chrom.Name)
	}
	for _, strand := range wc.strands {
		var sink abortSink
		if wc.direct {
			opts := wc.wig
			opts.Chrom = unit.chrom.Name
			opts.ChromLen = unit.chrom.Len
			sink, err = newWigSink(ctx, wigChunkPath(wc.dir, unit.chromIdx, strand), opts, wc.width)
		} else {
			sink, err = newChunkWriter(ctx, chunkPath(wc.dir, unit.sample, unit.chromIdx, strand), ChunkInfo{
				Chrom:  unit.chrom.Name,
				Strand: strand,
				Width:  wc.width,
				Codec:  wc.codec,
				Sample: unit.sample,
			})
		}
		if err != nil {
			w.abort()
			return nil, err
		}
		w.sinks[strand] = sink
		w.buffers[strand] = NewSignalBuffer(wc.threshold, wc.width, sink)
	}
	return w, nil
}

func (w *WorkerState) abort() {
	for _, s := range w.sinks {
		if s != nil {
			s.abort()
		}
	}
}

// run processes the unit's alignments from p and writes its output.
func (w *WorkerState) run(p bamprovider.Provider) (err error) {
	defer func() {
		if err != nil {
			w.abort()
			err = errors.E(err, w.unit.String())
		}
	}()
	if w.wc.cfg.Mode == ModeCoverage {
		err = w.runDepth(p)
	} else {
		err = w.runAlignments(p)
	}
	if err != nil {
		return err
	}
	return w.finish()
}

func (w *WorkerState) runAlignments(p bamprovider.Provider) error {
	iter := bamprovider.NewRefIterator(p, w.unit.chrom.Name, 0, w.unit.chrom.Len)
	for iter.Scan() {
		if err := w.addRecord(iter.Record()); err != nil {
			iter.Close() // nolint: errcheck
			return err
		}
	}
	return iter.Close()
}

// addRecord filters, pairs and records one alignment.
func (w *WorkerState) addRecord(samr *sam.Record) error {
	if reason := w.filter.Accept(samr); reason != Accept {
		w.Stats[reason]++
		return w.advance(samr.Pos)
	}
	if w.wc.maxDup > 0 && w.dups.exceeds(samr, w.wc.maxDup) {
		w.Stats[MaxDup]++
		return w.advance(samr.Pos)
	}
	reads := w.pair[:1]
	reads[0] = samr
	if w.mates != nil {
		mate := w.mates.Match(samr)
		if mate == nil {
			return w.advance(samr.Pos)
		}
		w.pair[0], w.pair[1] = mate, samr
		reads = w.pair[:]
		if max := w.wc.filter.MaxInsert; max > 0 {
			if start, end := fragmentBounds(reads); end-start > max {
				w.Stats[ImproperPair]++
				w.pair = [2]*sam.Record{}
				return w.advance(samr.Pos)
			}
		}
	}
	weight := w.chromFactor
	if w.wc.fraction {
		weight /= float64(coverage.MultiMapCount(samr))
	}
	w.contribs = w.strategy.Record(w.contribs[:0], reads, weight)
	recorded := coverage.StrandType(-1)
	for _, c := range w.contribs {
		if c.Bin >= w.nBins {
			continue
		}
		buf := w.buffers[c.Strand]
		if buf == nil {
			continue
		}
		if err := buf.Add(c.Bin, c.Weight); err != nil {
			return err
		}
		recorded = c.Strand
	}
	if recorded >= 0 {
		w.Stats[Accept]++
		w.counts[recorded].nAlignments++
		w.counts[recorded].weighted += weight
	} else if len(w.contribs) == 0 {
		w.Stats[LongIntron]++
	}
	w.pair = [2]*sam.Record{}
	return w.advance(samr.Pos)
}

// advance declares that no alignment after the current one can contribute
// below the bin of pos minus the strategy's lookback, or below a pending
// mate, and flushes buffers that grew too large.  Mates are at most
// MaxInsert apart, so a pending mate holds the watermark back by at most
// MaxInsert bases.
func (w *WorkerState) advance(pos int) error {
	low := pos - w.strategy.Lookback()
	if w.mates != nil {
		w.mates.Expire(pos)
		if p, ok := w.mates.OldestPos(); ok && p < low {
			low = p
		}
	}
	if low < 0 {
		low = 0
	}
	bin := low / w.wc.cfg.BinSize
	for _, buf := range w.buffers {
		if buf == nil {
			continue
		}
		buf.Advance(bin)
		if err := buf.FlushIfLarge(); err != nil {
			return err
		}
	}
	return nil
}

// runDepth records the per-base depth of the chromosome.  With bins wider
// than one base, each bin holds the mean depth over its bases.
func (w *WorkerState) runDepth(p bamprovider.Provider) error {
	buf := w.buffers[coverage.StrandNone]
	b := w.wc.cfg.BinSize
	chromLen := w.unit.chrom.Len
	n, err := bamprovider.Depth(p, w.unit.chrom.Name, func(start, end, depth int) error {
		if depth == 0 {
			return nil
		}
		for bin := start / b; bin <= (end-1)/b; bin++ {
			lo, hi := bin*b, (bin+1)*b
			if hi > chromLen {
				hi = chromLen
			}
			width := hi - lo
			if lo < start {
				lo = start
			}
			if hi > end {
				hi = end
			}
			v := float64(depth*(hi-lo)) * w.chromFactor
			if b > 1 {
				v /= float64(width)
			}
			if err := buf.Add(bin, v); err != nil {
				return err
			}
			buf.Advance(bin)
			if buf.Large() {
				if err := buf.FlushIfLarge(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	w.counts[coverage.StrandNone] = strandCounts{nAlignments: n, weighted: float64(n)}
	w.Stats[Accept] = n
	return err
}

func (w *WorkerState) finish() error {
	if w.mates != nil {
		w.Stats[Orphan] += w.mates.Finish()
	}
	for _, strand := range w.wc.strands {
		if cw, ok := w.sinks[strand].(*chunkWriter); ok {
			cw.SetCounts(w.counts[strand].nAlignments, w.counts[strand].weighted)
		}
		if err := w.buffers[strand].Finalize(w.nBins); err != nil {
			return err
		}
		log.Debug.Printf("bam2wig: %v strand %s: peak live bins %d", w.unit, strand, w.buffers[strand].Peak())
	}
	w.Stats.log("bam2wig: " + w.unit.String())
	return nil
}

// wigSink writes the bins it receives directly as wig text.
type wigSink struct {
	ctx    context.Context
	path   string
	f      file.File
	ww     *WigWriter
	width  binpack.Width
	values []float64
	closed bool
}

func newWigSink(ctx context.Context, path string, opts WigOpts, width binpack.Width) (*wigSink, error) {
	f, err := file.Create(ctx, path+".partial")
	if err != nil {
		return nil, err
	}
	ww, err := NewWigWriter(f.Writer(ctx), opts)
	if err != nil {
		f.Close(ctx) // nolint: errcheck
		return nil, err
	}
	return &wigSink{ctx: ctx, path: path, f: f, ww: ww, width: width}, nil
}

// Write implements Sink.
func (s *wigSink) Write(packed []byte, count int) error {
	var err error
	if s.values, err = binpack.Decode(s.values[:0], packed, s.width, count); err != nil {
		return err
	}
	return s.ww.WriteBins(s.values)
}

// Close implements Sink.
func (s *wigSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.ww.Close()
	if e := s.f.Close(s.ctx); e != nil && err == nil {
		err = e
	}
	if err != nil {
		os.Remove(s.f.Name()) // nolint: errcheck
		return err
	}
	return os.Rename(s.f.Name(), s.path)
}

func (s *wigSink) abort() {
	if s.closed {
		return
	}
	s.closed = true
	s.f.Close(s.ctx)      // nolint: errcheck
	os.Remove(s.f.Name()) // nolint: errcheck
}
