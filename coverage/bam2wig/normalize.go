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
	"regexp"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Combine selects how the signals of several samples are combined.
type Combine int

const (
	// CombineSum adds the per-sample signals.
	CombineSum Combine = iota
	// CombineMean averages the per-sample signals.
	CombineMean
)

func (c Combine) String() string {
	if c == CombineMean {
		return "mean"
	}
	return "sum"
}

// ParseCombine is the inverse of Combine.String.
func ParseCombine(s string) (Combine, error) {
	switch strings.ToLower(s) {
	case "sum", "":
		return CombineSum, nil
	case "mean":
		return CombineMean, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("bam2wig: unknown combine method %q", s))
}

// NormOpts configures normalization.
type NormOpts struct {
	// RPM scales signal to reads per million recorded alignments.
	RPM bool
	// Scale is either empty, a single factor applied to every sample, or one
	// factor per sample.
	Scale []float64
	// ChromPattern, if non-empty, selects chromosomes whose signal is
	// additionally multiplied by ChromFactor.
	ChromPattern string
	ChromFactor  float64
	Combine      Combine
}

// NormalizationPlan holds the per-sample factors computed once all workers
// have finished.
type NormalizationPlan struct {
	// Factors is the sample-wide factor of each sample.
	Factors []float64
	// Totals is the weighted alignment count of each sample.
	Totals       []float64
	ChromPattern *regexp.Regexp
	ChromFactor  float64
	Combine      Combine
	rpm          bool
	scaled       bool
}

// compileChromPattern returns nil for an empty pattern.
func compileChromPattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.E(errors.Invalid, "bam2wig: chromosome normalization pattern", err)
	}
	return re, nil
}

// PlanNormalization computes the normalization factors of len(totals)
// samples, where totals[i] is the weighted alignment count of sample i.
func PlanNormalization(opts NormOpts, totals []float64) (NormalizationPlan, error) {
	n := len(totals)
	if len(opts.Scale) > 1 && len(opts.Scale) != n {
		return NormalizationPlan{}, errors.E(errors.Invalid,
			fmt.Sprintf("bam2wig: %d scale factors given for %d samples", len(opts.Scale), n))
	}
	re, err := compileChromPattern(opts.ChromPattern)
	if err != nil {
		return NormalizationPlan{}, err
	}
	plan := NormalizationPlan{
		Factors:      make([]float64, n),
		Totals:       append([]float64(nil), totals...),
		ChromPattern: re,
		ChromFactor:  opts.ChromFactor,
		Combine:      opts.Combine,
		rpm:          opts.RPM,
		scaled:       len(opts.Scale) > 0,
	}
	if re == nil {
		plan.ChromFactor = 1
	}
	var sum float64
	for _, t := range totals {
		sum += t
	}
	for i := range plan.Factors {
		f := 1.0
		if opts.RPM {
			total := sum
			if opts.Combine == CombineMean {
				total = totals[i]
			}
			if total > 0 {
				f = 1e6 / total
			} else {
				f = 0
			}
		}
		switch len(opts.Scale) {
		case 0:
		case 1:
			f *= opts.Scale[0]
		default:
			f *= opts.Scale[i]
		}
		plan.Factors[i] = f
	}
	if opts.RPM {
		log.Printf("bam2wig: RPM normalization: totals %v, factors %v", totals, plan.Factors)
	}
	return plan, nil
}

// Active returns true if the plan changes any value.
func (p *NormalizationPlan) Active() bool {
	return p.rpm || p.scaled || p.ChromPattern != nil
}

// ChromFactorFor returns the chromosome-specific factor of chrom.
func (p *NormalizationPlan) ChromFactorFor(chrom string) float64 {
	if p.ChromPattern != nil && p.ChromPattern.MatchString(chrom) {
		return p.ChromFactor
	}
	return 1
}

// SampleFactor returns the factor applied to the signal of one sample on one
// chromosome.
func (p *NormalizationPlan) SampleFactor(sample int, chrom string) float64 {
	return p.Factors[sample] * p.ChromFactorFor(chrom)
}
