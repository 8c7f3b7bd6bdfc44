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
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/bam2wig/coverage/bam2wig"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
)

var (
	mode           = flag.String("mode", bam2wig.DefaultOpts.Mode, "Recording mode: start, mid, span, extend, cspan, coverage, smartpe or ends")
	format         = flag.String("format", bam2wig.DefaultOpts.Format, "Output format: bedgraph, fixedstep or variablestep; default is variablestep for -bin=1 and fixedstep otherwise")
	bamIndexPath   = flag.String("index", bam2wig.DefaultOpts.BamIndexPath, "Input BAM index path, for a single BAM. Defaults to bampath + .bai")
	binSize        = flag.Int("bin", bam2wig.DefaultOpts.BinSize, "Bin size, in bases")
	strand         = flag.Bool("strand", bam2wig.DefaultOpts.StrandSplit, "Write separate forward and reverse strand tracks")
	flip           = flag.Bool("flip", bam2wig.DefaultOpts.Flip, "Swap the forward and reverse strand output files")
	shift          = flag.Int("shift", bam2wig.DefaultOpts.Shift, "Move single-end positions this many bases in the 3' direction")
	estimateShift  = flag.Bool("estimate-shift", bam2wig.DefaultOpts.EstimateShift, "Estimate the shift by cross-strand correlation")
	extend         = flag.Int("extend", bam2wig.DefaultOpts.Extend, "Fragment length for the extend and cspan modes")
	splice         = flag.Bool("splice", bam2wig.DefaultOpts.Splice, "Record each segment of spliced alignments separately")
	maxIntron      = flag.Int("max-intron", bam2wig.DefaultOpts.MaxIntron, "Skip alignments or pairs with a longer skipped region; 0 = unlimited")
	fraction       = flag.Bool("fraction", bam2wig.DefaultOpts.Fraction, "Weight multi-mapping alignments by 1/NH")
	spliceFraction = flag.Bool("splice-fraction", bam2wig.DefaultOpts.SpliceFraction, "With -splice, divide an alignment's weight among its segments")
	maxDup         = flag.Int("max-dup", bam2wig.DefaultOpts.MaxDup, "Maximum number of alignments recorded per start position and strand; 0 = unlimited")
	minMapQ        = flag.Int("mapq", bam2wig.DefaultOpts.MinMapQ, "Alignments with MAPQ below this level are skipped")
	keepSecondary  = flag.Bool("secondary", bam2wig.DefaultOpts.KeepSecondary, "Record secondary alignments")
	keepDuplicate  = flag.Bool("duplicate", bam2wig.DefaultOpts.KeepDuplicate, "Record alignments flagged as duplicates")
	keepSupp       = flag.Bool("supplementary", bam2wig.DefaultOpts.KeepSupplementary, "Record supplementary alignments")
	keepQCFail     = flag.Bool("qcfail", bam2wig.DefaultOpts.KeepQCFail, "Record alignments failing QC")
	minInsert      = flag.Int("min-insert", bam2wig.DefaultOpts.MinInsert, "Minimum paired insert size")
	maxInsert      = flag.Int("max-insert", bam2wig.DefaultOpts.MaxInsert, "Maximum paired insert size, and largest distance between mate starts")
	blacklistPath  = flag.String("blacklist", bam2wig.DefaultOpts.BlacklistPath, "BED file of regions whose alignments are skipped")
	chromSkip      = flag.String("chrom-skip", bam2wig.DefaultOpts.ChromSkip, "Regular expression of chromosomes to skip")
	chroms         = flag.String("chroms", "", "Comma-separated list of chromosomes to process; default is all")
	rpm            = flag.Bool("rpm", bam2wig.DefaultOpts.RPM, "Normalize to reads per million")
	scale          = flag.String("scale", "", "Comma-separated scale factor, either one for all BAMs or one per BAM")
	chromNorm      = flag.String("chrom-norm", bam2wig.DefaultOpts.ChromNormPattern, "Regular expression of chromosomes multiplied by -chrom-norm-factor")
	chromNormF     = flag.Float64("chrom-norm-factor", bam2wig.DefaultOpts.ChromNormFactor, "Extra factor for chromosomes matching -chrom-norm")
	combine        = flag.String("combine", bam2wig.DefaultOpts.Combine, "How signals of several BAMs are combined: sum or mean")
	decimals       = flag.Int("decimals", bam2wig.DefaultOpts.Decimals, "Number of decimal places for fractional values")
	skipZero       = flag.Bool("skip-zero", bam2wig.DefaultOpts.SkipZero, "Omit zero-valued intervals")
	gzip           = flag.Bool("gz", bam2wig.DefaultOpts.Gzip, "Compress the output with BGZF")
	bigWig         = flag.Bool("bw", bam2wig.DefaultOpts.BigWig, "Convert the output to bigWig with the UCSC converters, if they are on PATH")
	shiftChroms    = flag.Int("shift-chroms", bam2wig.DefaultOpts.ShiftChroms, "Number of (largest) chromosomes sampled for shift estimation")
	shiftWindows   = flag.Int("shift-windows", bam2wig.DefaultOpts.ShiftWindows, "Maximum number of windows per chromosome for shift estimation")
	shiftMinR      = flag.Float64("shift-min-r", bam2wig.DefaultOpts.ShiftMinR, "Minimum correlation of a window used for shift estimation")
	shiftZMin      = flag.Float64("shift-zmin", bam2wig.DefaultOpts.ShiftZMin, "Minimum window depth z-score for shift estimation")
	shiftZMax      = flag.Float64("shift-zmax", bam2wig.DefaultOpts.ShiftZMax, "Maximum window depth z-score for shift estimation")
	shiftModel     = flag.String("shift-model", bam2wig.DefaultOpts.ShiftModelPath, "If set, write shift estimation profiles to <path>_profile.txt and <path>_correlation.txt")
	bufThreshold   = flag.Int("buffer-bins", bam2wig.DefaultOpts.BufferThreshold, "Number of live bins a worker buffers before flushing")
	windowBins     = flag.Int("window-bins", bam2wig.DefaultOpts.WindowBins, "Number of bins per merge window")
	chunkComp      = flag.String("chunk-compression", bam2wig.DefaultOpts.ChunkCompression, "Intermediate chunk compression: snappy, zstd or none")
	outPrefix      = flag.String("out", "bio-bam2wig", "Output path prefix")
	parallelism    = flag.Int("parallelism", 0, "Maximum number of simultaneous work units; 0 = runtime.NumCPU()")
	mergeParallel  = flag.Int("merge-parallelism", 0, "Maximum number of simultaneous merges; 0 = -parallelism")
	tempDir        = flag.String("temp-dir", bam2wig.DefaultOpts.TempDir, "Directory to write temporary files to (default os.TempDir())")
)

func bioBam2WigUsage() {
	fmt.Printf("Usage: %s [OPTIONS] bampath...\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func parseScale(s string) []float64 {
	var scales []float64
	for _, field := range splitList(s) {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			log.Fatalf("Invalid -scale value %q: %v", field, err)
		}
		scales = append(scales, v)
	}
	return scales
}

func main() {
	flag.Usage = bioBam2WigUsage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() == 0 {
		log.Fatalf("Missing positional arguments (at least one bampath required); please check flag syntax")
	}
	ctx := vcontext.Background()
	opts := bam2wig.Opts{
		Mode:              *mode,
		Format:            *format,
		BamIndexPath:      *bamIndexPath,
		BinSize:           *binSize,
		StrandSplit:       *strand,
		Flip:              *flip,
		Shift:             *shift,
		Extend:            *extend,
		Splice:            *splice,
		MaxIntron:         *maxIntron,
		Fraction:          *fraction,
		SpliceFraction:    *spliceFraction,
		MaxDup:            *maxDup,
		MinMapQ:           *minMapQ,
		KeepSecondary:     *keepSecondary,
		KeepDuplicate:     *keepDuplicate,
		KeepSupplementary: *keepSupp,
		KeepQCFail:        *keepQCFail,
		MinInsert:         *minInsert,
		MaxInsert:         *maxInsert,
		BlacklistPath:     *blacklistPath,
		ChromSkip:         *chromSkip,
		Chroms:            splitList(*chroms),
		RPM:               *rpm,
		Scale:             parseScale(*scale),
		ChromNormPattern:  *chromNorm,
		ChromNormFactor:   *chromNormF,
		Combine:           *combine,
		Decimals:          *decimals,
		SkipZero:          *skipZero,
		Gzip:              *gzip,
		BigWig:            *bigWig,
		EstimateShift:     *estimateShift,
		ShiftChroms:       *shiftChroms,
		ShiftWindows:      *shiftWindows,
		ShiftMinR:         *shiftMinR,
		ShiftZMin:         *shiftZMin,
		ShiftZMax:         *shiftZMax,
		ShiftModelPath:    *shiftModel,
		BufferThreshold:   *bufThreshold,
		WindowBins:        *windowBins,
		ChunkCompression:  *chunkComp,
		TempDir:           *tempDir,
		Parallelism:       *parallelism,
		MergeParallelism:  *mergeParallel,
	}
	if err := bam2wig.Bam2Wig(ctx, flag.Args(), *outPrefix, &opts); err != nil {
		log.Fatalf("%v", err)
	}
	log.Debug.Printf("exiting")
}
