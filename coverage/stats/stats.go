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

// Package stats contains the small statistics helpers used by the fragment
// shift estimator.
package stats

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Correlation returns the Pearson correlation of x and y, which must have the
// same length.  ok is false when either slice is constant.
func Correlation(x, y []float64) (r float64, ok bool) {
	if len(x) < 2 || floats.Min(x) == floats.Max(x) || floats.Min(y) == floats.Max(y) {
		return 0, false
	}
	return stat.Correlation(x, y, nil), true
}

// MeanStdDev returns the mean and population standard deviation of xs.
func MeanStdDev(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	if len(xs) == 1 {
		return xs[0], 0
	}
	mean, variance := stat.MeanVariance(xs, nil)
	n := float64(len(xs))
	return mean, math.Sqrt(variance * (n - 1) / n)
}

// ZScore returns (x - mean) / std, or 0 when std is zero.
func ZScore(x, mean, std float64) float64 {
	if std == 0 {
		return 0
	}
	return stat.StdScore(x, mean, std)
}

// TrimmedMean discards values further than k standard deviations from the
// mean, and returns the mean of the remaining values together with the number
// kept.  An empty input yields (0, 0).
func TrimmedMean(xs []float64, k float64) (mean float64, kept int) {
	if len(xs) == 0 {
		return 0, 0
	}
	m, sd := MeanStdDev(xs)
	var sum float64
	for _, x := range xs {
		if math.Abs(x-m) <= k*sd {
			sum += x
			kept++
		}
	}
	if kept == 0 {
		return m, len(xs)
	}
	return sum / float64(kept), kept
}
