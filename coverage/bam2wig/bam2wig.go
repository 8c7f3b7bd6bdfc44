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
	"io"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/grailbio/bam2wig/coverage"
	"github.com/grailbio/bam2wig/coverage/binpack"
	"github.com/grailbio/bam2wig/encoding/bamprovider"
	"github.com/grailbio/bam2wig/interval"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/hts/bgzf"
)

type Opts struct {
	// Commandline options.
	Mode         string
	Format       string
	BamIndexPath string
	BinSize      int
	StrandSplit  bool
	Flip         bool
	Shift        int
	Extend       int
	Splice       bool
	MaxIntron    int

	Fraction       bool
	SpliceFraction bool
	MaxDup         int

	MinMapQ           int
	KeepSecondary     bool
	KeepDuplicate     bool
	KeepSupplementary bool
	KeepQCFail        bool
	MinInsert         int
	MaxInsert         int
	BlacklistPath     string
	ChromSkip         string
	Chroms            []string

	RPM              bool
	Scale            []float64
	ChromNormPattern string
	ChromNormFactor  float64
	Combine          string

	Decimals int
	SkipZero bool
	Gzip     bool
	BigWig   bool

	EstimateShift  bool
	ShiftChroms    int
	ShiftWindows   int
	ShiftMinR      float64
	ShiftZMin      float64
	ShiftZMax      float64
	ShiftModelPath string

	BufferThreshold  int
	WindowBins       int
	ChunkCompression string
	TempDir          string
	Parallelism      int
	MergeParallelism int
}

// DefaultMaxInsert is the default largest fragment recorded by the paired
// modes.
const DefaultMaxInsert = 600

var DefaultOpts = Opts{
	Mode:             "start",
	BinSize:          1,
	ChromSkip:        `^chrM$|^MT$|_random$|^chrUn_|_alt$|_decoy$|^HLA-`,
	ChromNormFactor:  1,
	Combine:          "sum",
	MaxInsert:        DefaultMaxInsert,
	Decimals:         4,
	ShiftChroms:      DefaultShiftOpts.Chroms,
	ShiftWindows:     DefaultShiftOpts.Windows,
	ShiftMinR:        DefaultShiftOpts.MinR,
	ShiftZMin:        DefaultShiftOpts.ZMin,
	ShiftZMax:        DefaultShiftOpts.ZMax,
	BufferThreshold:  DefaultBufferThreshold,
	WindowBins:       DefaultWindowBins,
	ChunkCompression: CodecSnappy,
}

// bam2wigOpts is the validated form of Opts.
type bam2wigOpts struct {
	cfg        Config
	flip       bool
	format     Format
	filter     FilterOpts
	norm       NormOpts
	fraction   bool
	maxDup     int
	chromSkip  *regexp.Regexp
	chroms     []string
	blacklist  string
	decimals   int
	skipZero   bool
	gzip       bool
	bigWig     bool
	shift      *ShiftOpts
	shiftModel string

	threshold        int
	windowBins       int
	codec            string
	tempDir          string
	parallelism      int
	mergeParallelism int
}

func parseOpts(raw *Opts, nSamples int) (opts bam2wigOpts, err error) {
	if nSamples == 0 {
		return opts, errors.E(errors.Invalid, "bam2wig: no input alignments")
	}
	if opts.cfg.Mode, err = ParseMode(raw.Mode); err != nil {
		return
	}
	opts.cfg.StrandSplit = raw.StrandSplit
	opts.cfg.Shift = raw.Shift
	opts.cfg.Extend = raw.Extend
	opts.cfg.BinSize = raw.BinSize
	opts.cfg.Splice = raw.Splice
	opts.cfg.MaxIntron = raw.MaxIntron
	opts.cfg.SpliceFraction = raw.SpliceFraction
	if raw.EstimateShift && raw.Shift > 0 {
		return opts, errors.E(errors.Invalid, "bam2wig: an explicit shift cannot be combined with shift estimation")
	}
	if err = validateConfig(opts.cfg, raw.EstimateShift); err != nil {
		return
	}
	opts.flip = raw.Flip
	switch raw.Format {
	case "":
		opts.format = VariableStep
		if raw.BinSize > 1 {
			opts.format = FixedStep
		}
	default:
		if opts.format, err = ParseFormat(raw.Format); err != nil {
			return
		}
	}
	if opts.format == VariableStep && raw.BinSize > 1 {
		return opts, errors.E(errors.Invalid, "bam2wig: variableStep output requires a bin size of 1")
	}
	opts.filter = FilterOpts{
		MinMapQ:           raw.MinMapQ,
		KeepSecondary:     raw.KeepSecondary,
		KeepDuplicate:     raw.KeepDuplicate,
		KeepSupplementary: raw.KeepSupplementary,
		KeepQCFail:        raw.KeepQCFail,
		Paired:            opts.cfg.Mode.Paired(),
		MinInsert:         raw.MinInsert,
		MaxInsert:         raw.MaxInsert,
	}
	if opts.cfg.Mode.Paired() && raw.MaxInsert <= 0 {
		return opts, errors.E(errors.Invalid, fmt.Sprintf("bam2wig: %s mode needs a positive max insert size", opts.cfg.Mode))
	}
	if raw.MaxInsert > 0 && raw.MaxInsert < raw.MinInsert {
		return opts, errors.E(errors.Invalid, fmt.Sprintf("bam2wig: insert size range [%d, %d] is empty", raw.MinInsert, raw.MaxInsert))
	}
	opts.norm = NormOpts{
		RPM:          raw.RPM,
		Scale:        raw.Scale,
		ChromPattern: raw.ChromNormPattern,
		ChromFactor:  raw.ChromNormFactor,
	}
	if opts.norm.Combine, err = ParseCombine(raw.Combine); err != nil {
		return
	}
	if len(raw.Scale) > 1 && len(raw.Scale) != nSamples {
		return opts, errors.E(errors.Invalid, fmt.Sprintf("bam2wig: %d scale factors given for %d samples", len(raw.Scale), nSamples))
	}
	if _, err = compileChromPattern(raw.ChromNormPattern); err != nil {
		return
	}
	if raw.ChromSkip != "" {
		if opts.chromSkip, err = regexp.Compile(raw.ChromSkip); err != nil {
			return opts, errors.E(errors.Invalid, "bam2wig: chromosome skip pattern", err)
		}
	}
	opts.chroms = raw.Chroms
	opts.fraction = raw.Fraction
	opts.maxDup = raw.MaxDup
	opts.blacklist = raw.BlacklistPath
	opts.decimals = raw.Decimals
	opts.skipZero = raw.SkipZero
	opts.gzip = raw.Gzip
	opts.bigWig = raw.BigWig
	if opts.cfg.Mode == ModeCoverage && (raw.MaxDup > 0 || raw.BlacklistPath != "") {
		log.Printf("bam2wig: alignment filters are not applied in coverage mode")
	}

	opts.parallelism = raw.Parallelism
	if opts.parallelism <= 0 {
		opts.parallelism = runtime.NumCPU()
	}
	opts.mergeParallelism = raw.MergeParallelism
	if opts.mergeParallelism <= 0 {
		opts.mergeParallelism = opts.parallelism
	}
	if raw.EstimateShift {
		s := DefaultShiftOpts
		s.Chroms = raw.ShiftChroms
		s.Windows = raw.ShiftWindows
		s.MinR = raw.ShiftMinR
		s.ZMin = raw.ShiftZMin
		s.ZMax = raw.ShiftZMax
		s.Parallelism = opts.parallelism
		if err = validateShiftOpts(s); err != nil {
			return
		}
		opts.shift = &s
		opts.shiftModel = raw.ShiftModelPath
	}
	opts.threshold = raw.BufferThreshold
	if opts.threshold <= 0 {
		opts.threshold = DefaultBufferThreshold
	}
	if opts.cfg.Mode.Paired() {
		// A pending mate keeps up to MaxInsert bases live behind the current
		// position, and a completed fragment reaches up to MaxInsert ahead.
		if span := 2*coverage.NBins(raw.MaxInsert, raw.BinSize) + 2; opts.threshold < span {
			return opts, errors.E(errors.Invalid, fmt.Sprintf("bam2wig: buffer threshold %d bins is below the %d bins a max insert of %d needs", opts.threshold, span, raw.MaxInsert))
		}
	}
	opts.windowBins = raw.WindowBins
	if opts.windowBins <= 0 {
		opts.windowBins = DefaultWindowBins
	}
	opts.codec = raw.ChunkCompression
	if opts.codec == "" {
		opts.codec = CodecSnappy
	}
	if !validCodec(opts.codec) {
		return opts, errors.E(errors.Invalid, fmt.Sprintf("bam2wig: unknown chunk compression %q", opts.codec))
	}
	opts.tempDir = raw.TempDir
	return opts, nil
}

// testHookAfterWorkers, if set, is called with the temporary directory once
// every worker has finished.
var testHookAfterWorkers func(dir string)

// Bam2Wig converts the alignments in bamPaths into signal tracks named after
// outPrefix.  Every BAM is one sample; samples are combined into a single
// track.
func Bam2Wig(ctx context.Context, bamPaths []string, outPrefix string, rawOpts *Opts) (err error) {
	if rawOpts.BamIndexPath != "" && len(bamPaths) > 1 {
		return errors.E(errors.Invalid, "bam2wig: an index path can only be given for a single BAM")
	}
	providers := make([]bamprovider.Provider, len(bamPaths))
	for i, path := range bamPaths {
		providers[i] = bamprovider.NewProvider(path, bamprovider.ProviderOpts{Index: rawOpts.BamIndexPath})
	}
	defer func() {
		for _, p := range providers {
			if e := p.Close(); e != nil && err == nil {
				err = e
			}
		}
	}()
	return Run(ctx, providers, outPrefix, rawOpts)
}

// Run is Bam2Wig over already-open alignment providers.  It does not close
// them.
func Run(ctx context.Context, providers []bamprovider.Provider, outPrefix string, rawOpts *Opts) (err error) {
	// 1. Validate options.
	// 2. Read headers, choose chromosomes, load the blacklist.
	// 3. Estimate the shift if requested.
	// 4. Process each (sample, chromosome) into binary or wig chunks.
	// 5. Normalize and merge the binary chunks, and serialize them.
	// 6. Concatenate the wig chunks, and optionally convert to bigWig.
	opts, err := parseOpts(rawOpts, len(providers))
	if err != nil {
		return err
	}
	header, err := providers[0].GetHeader()
	if err != nil {
		return err
	}
	chroms, err := coverage.Chromosomes(header, opts.chromSkip, opts.chroms)
	if err != nil {
		return errors.E(errors.Invalid, err)
	}
	for i, p := range providers[1:] {
		h, err := p.GetHeader()
		if err != nil {
			return err
		}
		if _, err := coverage.CheckConsistentRefs(chroms, h); err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("bam2wig: sample %d", i+1), err)
		}
	}
	var blacklist *interval.BEDUnion
	if opts.blacklist != "" {
		bl, err := interval.NewBEDUnionFromPath(opts.blacklist, interval.NewBEDOpts{SAMHeader: header})
		if err != nil {
			return err
		}
		blacklist = &bl
	}

	if opts.shift != nil {
		res, err := EstimateShift(ctx, providers, chroms, opts.filter, blacklist, *opts.shift)
		if err != nil {
			return err
		}
		applyShift(&opts.cfg, res.Shift)
		log.Printf("bam2wig: using shift %d, extend %d", opts.cfg.Shift, opts.cfg.Extend)
		if opts.shiftModel != "" {
			if err := WriteShiftModel(ctx, opts.shiftModel, res, opts.shift.CoarseBin); err != nil {
				return err
			}
		}
	}
	if _, err = NewStrategy(opts.cfg); err != nil {
		return err
	}

	dir, err := ioutil.TempDir(opts.tempDir, "bam2wig")
	if err != nil {
		return err
	}
	defer func() {
		if e := os.RemoveAll(dir); e != nil {
			log.Error.Printf("bam2wig: remove %s: %v", dir, e)
		}
	}()

	strands := []coverage.StrandType{coverage.StrandNone}
	if opts.cfg.StrandSplit {
		strands = []coverage.StrandType{coverage.StrandFwd, coverage.StrandRev}
	}
	direct := len(providers) == 1 && !opts.norm.RPM && len(opts.norm.Scale) == 0
	fractional := opts.fraction || opts.cfg.SpliceFraction || opts.norm.ChromPattern != "" ||
		(opts.cfg.Mode == ModeCoverage && opts.cfg.BinSize > 1)
	normalized := !direct || opts.norm.ChromPattern != ""
	wigOpts := WigOpts{
		Format:   opts.format,
		BinSize:  opts.cfg.BinSize,
		Decimals: -1,
		SkipZero: opts.skipZero,
	}
	// RPM and scaling are only known after the workers ran; mergeChunks
	// switches to decimals when its plan is active.
	if fractional || (normalized && opts.norm.Combine == CombineMean) {
		wigOpts.Decimals = opts.decimals
	}
	wc := &workerConfig{
		cfg:       opts.cfg,
		filter:    opts.filter,
		blacklist: blacklist,
		fraction:  opts.fraction,
		maxDup:    opts.maxDup,
		threshold: opts.threshold,
		width:     binpack.ChooseWidth(fractional, math.MaxUint32),
		codec:     opts.codec,
		dir:       dir,
		strands:   strands,
		direct:    direct,
		wig:       wigOpts,
	}
	if direct && opts.norm.ChromPattern != "" {
		plan, err := PlanNormalization(NormOpts{ChromPattern: opts.norm.ChromPattern, ChromFactor: opts.norm.ChromFactor}, []float64{0})
		if err != nil {
			return err
		}
		wc.chromNorm = &plan
	}

	var units []workUnit
	for sample := range providers {
		for chromIdx, c := range chroms {
			units = append(units, workUnit{sample: sample, chromIdx: chromIdx, chrom: c, blacklistRefID: c.ID})
		}
	}
	if err = runWorkers(ctx, providers, wc, units, opts.parallelism); err != nil {
		return err
	}
	if testHookAfterWorkers != nil {
		testHookAfterWorkers(dir)
	}

	if !direct {
		if err = mergeChunks(ctx, dir, len(providers), chroms, strands, opts, wigOpts); err != nil {
			return err
		}
	}
	if _, err = globChunks(dir, chunkPrefix+".*.wigchunk", len(chroms)*len(strands)); err != nil {
		return err
	}

	outputs := make([]string, 0, len(strands))
	for _, strand := range strands {
		parts := make([]string, len(chroms))
		for chromIdx := range chroms {
			parts[chromIdx] = wigChunkPath(dir, chromIdx, strand)
		}
		path := outputPath(outPrefix, strand, opts.flip, opts.format, opts.gzip)
		if err = concatenate(ctx, path, parts, opts.gzip, opts.parallelism); err != nil {
			return err
		}
		outputs = append(outputs, path)
		log.Printf("bam2wig: wrote %s", path)
	}
	if opts.bigWig {
		if opts.gzip {
			log.Error.Printf("bam2wig: bigWig conversion skipped for gzipped output")
		} else {
			convertBigWig(ctx, outputs, opts.format, chroms, dir)
		}
	}
	return nil
}

func runWorkers(ctx context.Context, providers []bamprovider.Provider, wc *workerConfig, units []workUnit, parallelism int) error {
	if parallelism > len(units) {
		parallelism = len(units)
	}
	unitStats := make([]FilterStats, len(units))
	log.Printf("bam2wig: starting %d work unit(s) (%d jobs)", len(units), parallelism)
	err := traverse.Each(parallelism, func(jobIdx int) error {
		for i := jobIdx; i < len(units); i += parallelism {
			w, err := newWorker(ctx, wc, units[i])
			if err != nil {
				return err
			}
			if err := w.run(providers[units[i].sample]); err != nil {
				return err
			}
			unitStats[i] = w.Stats
		}
		return nil
	})
	if err != nil {
		return err
	}
	var total FilterStats
	for _, s := range unitStats {
		total.Add(s)
	}
	log.Printf("bam2wig: all work units done: %v", total)
	return nil
}

// globChunks returns the files in dir matching pattern, and fails unless
// there are exactly want of them.
func globChunks(dir, pattern string, want int) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	if len(matches) != want {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("bam2wig: found %d intermediate file(s) matching %s, expected %d", len(matches), pattern, want))
	}
	return matches, nil
}

// mergeChunks normalizes and combines the binary chunks of every (chromosome,
// strand), and serializes each result as a wig chunk.
func mergeChunks(ctx context.Context, dir string, nSamples int, chroms []coverage.Chromosome,
	strands []coverage.StrandType, opts bam2wigOpts, wigOpts WigOpts) error {
	paths, err := globChunks(dir, chunkPrefix+".*.chunk", nSamples*len(chroms)*len(strands))
	if err != nil {
		return err
	}
	totals := make([]float64, nSamples)
	for _, path := range paths {
		r, err := openChunk(ctx, path)
		if err != nil {
			return err
		}
		info := r.Info()
		if err := r.Close(); err != nil {
			return err
		}
		if info.Sample < 0 || info.Sample >= nSamples {
			return errors.E(errors.Integrity, fmt.Sprintf("bam2wig: chunk %s has sample %d", path, info.Sample))
		}
		totals[info.Sample] += info.Weighted
	}
	plan, err := PlanNormalization(opts.norm, totals)
	if err != nil {
		return err
	}
	if plan.Active() {
		wigOpts.Decimals = opts.decimals
	}

	type job struct {
		chromIdx int
		strand   coverage.StrandType
	}
	var jobs []job
	for chromIdx := range chroms {
		for _, strand := range strands {
			jobs = append(jobs, job{chromIdx, strand})
		}
	}
	parallelism := opts.mergeParallelism
	if parallelism > len(jobs) {
		parallelism = len(jobs)
	}
	return traverse.Each(parallelism, func(jobIdx int) error {
		for i := jobIdx; i < len(jobs); i += parallelism {
			j := jobs[i]
			inputs := make([]string, nSamples)
			for s := range inputs {
				inputs[s] = chunkPath(dir, s, j.chromIdx, j.strand)
			}
			merged := mergedPath(dir, j.chromIdx, j.strand)
			if err := Merge(ctx, inputs, merged, &plan, opts.windowBins, opts.codec); err != nil {
				return err
			}
			wo := wigOpts
			wo.Chrom = chroms[j.chromIdx].Name
			wo.ChromLen = chroms[j.chromIdx].Len
			if err := writeWigChunk(ctx, merged, wigChunkPath(dir, j.chromIdx, j.strand), wo, opts.windowBins); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeWigChunk serializes a binary chunk as wig text, then deletes the
// chunk.
func writeWigChunk(ctx context.Context, chunk, path string, wigOpts WigOpts, windowBins int) error {
	r, err := openChunk(ctx, chunk)
	if err != nil {
		return err
	}
	s, err := newWigSink(ctx, path, wigOpts, binpack.Float32)
	if err != nil {
		r.Close() // nolint: errcheck
		return err
	}
	values := make([]float64, windowBins)
	for {
		n, err := r.Read(values)
		if n > 0 {
			if e := s.ww.WriteBins(values[:n]); e != nil && err == nil {
				err = e
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.abort()
			r.Close() // nolint: errcheck
			return err
		}
	}
	if err := r.Close(); err != nil {
		s.abort()
		return err
	}
	if err := s.Close(); err != nil {
		return err
	}
	return os.Remove(chunk)
}

// outputPath returns the name of the final track holding the given strand.
func outputPath(prefix string, strand coverage.StrandType, flip bool, format Format, gzip bool) string {
	if flip {
		strand = strand.Flip()
	}
	var b strings.Builder
	b.WriteString(prefix)
	switch strand {
	case coverage.StrandFwd:
		b.WriteString("_f")
	case coverage.StrandRev:
		b.WriteString("_r")
	}
	b.WriteString(".")
	b.WriteString(format.Ext())
	if gzip {
		b.WriteString(".gz")
	}
	return b.String()
}

// concatenate writes the files in parts, in order, to path.  A failed
// output is removed.
func concatenate(ctx context.Context, path string, parts []string, gzip bool, parallelism int) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if e := out.Close(ctx); e != nil && err == nil {
			err = e
		}
		if err != nil {
			os.Remove(path) // nolint: errcheck
		}
	}()
	var w io.Writer = out.Writer(ctx)
	if gzip {
		bw := bgzf.NewWriter(w, parallelism)
		defer func() {
			if e := bw.Close(); e != nil && err == nil {
				err = e
			}
		}()
		w = bw
	}
	for _, part := range parts {
		if err = appendFile(ctx, w, part); err != nil {
			return err
		}
	}
	return nil
}

func appendFile(ctx context.Context, w io.Writer, path string) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)
	_, err = io.Copy(w, in.Reader(ctx))
	return err
}
