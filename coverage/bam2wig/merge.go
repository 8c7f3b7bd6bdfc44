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
	"os"

	"github.com/grailbio/bam2wig/coverage/binpack"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// DefaultWindowBins is the default number of bins merged per step.
const DefaultWindowBins = 1 << 16

// Merge combines the binary chunks in inputs, which must describe the same
// chromosome and strand, into one chunk at out.  Each input's values are
// multiplied by its sample factor under plan (nil means no normalization),
// then summed, or averaged under CombineMean.  At most windowBins bins per
// input are held in memory.  On success the inputs are deleted.
//
// Merge with a single input applies normalization only.
func Merge(ctx context.Context, inputs []string, out string, plan *NormalizationPlan, windowBins int, codec string) (err error) {
	if len(inputs) == 0 {
		return errors.E(errors.Invalid, "bam2wig: nothing to merge")
	}
	if windowBins <= 0 {
		windowBins = DefaultWindowBins
	}
	readers := make([]*chunkReader, 0, len(inputs))
	defer func() {
		for _, r := range readers {
			if e := r.Close(); e != nil && err == nil {
				err = e
			}
		}
	}()
	for _, path := range inputs {
		r, err := openChunk(ctx, path)
		if err != nil {
			return err
		}
		readers = append(readers, r)
	}

	first := readers[0].Info()
	factors := make([]float64, len(readers))
	combine := CombineSum
	if plan != nil {
		combine = plan.Combine
	}
	fractional := combine == CombineMean && len(readers) > 1
	info := ChunkInfo{Chrom: first.Chrom, Strand: first.Strand, Codec: codec, Sample: -1}
	for i, r := range readers {
		ri := r.Info()
		if ri.Chrom != first.Chrom || ri.Strand != first.Strand || ri.NBins != first.NBins {
			return errors.E(errors.Integrity, fmt.Sprintf("bam2wig: chunk %s (%s/%s, %d bins) does not match %s (%s/%s, %d bins)",
				inputs[i], ri.Chrom, ri.Strand, ri.NBins, inputs[0], first.Chrom, first.Strand, first.NBins))
		}
		factors[i] = 1
		if plan != nil && ri.Sample >= 0 {
			factors[i] = plan.SampleFactor(ri.Sample, ri.Chrom)
		}
		if factors[i] != 1 || ri.Width.Fractional() {
			fractional = true
		}
		info.NAlignments += ri.NAlignments
		info.Weighted += ri.Weighted
	}
	info.Width = binpack.ChooseWidth(fractional, 1<<32-1)

	cw, err := newChunkWriter(ctx, out, info)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			cw.abort()
		}
	}()
	cw.SetCounts(info.NAlignments, info.Weighted)

	var (
		acc    = make([]float64, windowBins)
		tmp    = make([]float64, windowBins)
		packed []byte
		total  int
	)
	for {
		n := -1
		for i, r := range readers {
			k, err := r.Read(tmp)
			if err != nil && err != io.EOF {
				return err
			}
			if n < 0 {
				n = k
				for j := 0; j < n; j++ {
					acc[j] = tmp[j] * factors[i]
				}
				continue
			}
			if k != n {
				return errors.E(errors.Integrity, fmt.Sprintf("bam2wig: chunk %s yielded %d bins at bin %d, want %d", inputs[i], k, total, n))
			}
			for j := 0; j < n; j++ {
				acc[j] += tmp[j] * factors[i]
			}
		}
		if n == 0 {
			break
		}
		if combine == CombineMean {
			d := float64(len(readers))
			for j := 0; j < n; j++ {
				acc[j] /= d
			}
		}
		packed = binpack.Encode(packed[:0], acc[:n], info.Width)
		if err = cw.Write(packed, n); err != nil {
			return err
		}
		total += n
	}
	if err = cw.Close(); err != nil {
		return err
	}
	rs := readers
	readers = nil
	for _, r := range rs {
		if e := r.Close(); e != nil && err == nil {
			err = e
		}
	}
	if err != nil {
		return err
	}
	for _, path := range inputs {
		if e := os.Remove(path); e != nil {
			log.Error.Printf("bam2wig: remove %s: %v", path, e)
		}
	}
	log.Debug.Printf("bam2wig: merged %d chunk(s) of %s/%s into %s, %d bins", len(inputs), info.Chrom, info.Strand, out, total)
	return nil
}
