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

	"github.com/grailbio/bam2wig/coverage/binpack"
	"github.com/grailbio/base/errors"
)

// ErrOutOfOrderWrite is returned by SignalBuffer.Add when a bin below the
// flushed prefix is written, i.e. the alignments were not delivered in
// coordinate order.
var ErrOutOfOrderWrite = errors.E(errors.Integrity, "bam2wig: out-of-order write")

// DefaultBufferThreshold is the default SignalBuffer flush threshold, in
// bins.
const DefaultBufferThreshold = 1 << 20

// Sink receives the packed bins flushed by a SignalBuffer, in bin order.
type Sink interface {
	// Write consumes count packed values.  packed may be reused after Write
	// returns.
	Write(packed []byte, count int) error
	// Close is called once, after the last Write.
	Close() error
}

// MemSink is a Sink that keeps the packed bytes in memory.
type MemSink struct {
	Bytes []byte
	Count int
}

// Write implements Sink.
func (s *MemSink) Write(packed []byte, count int) error {
	s.Bytes = append(s.Bytes, packed...)
	s.Count += count
	return nil
}

// Close implements Sink.
func (s *MemSink) Close() error { return nil }

// SignalBuffer accumulates per-bin weights for one (sample, chromosome,
// strand) unit.  The live window starts at bin offset; bins below it have
// already been packed and handed to the sink.  Offset never decreases.
//
// A SignalBuffer is owned by a single worker and is not thread safe.
type SignalBuffer struct {
	threshold int
	width     binpack.Width
	sink      Sink

	live   []float64
	offset int
	// watermark is the lowest bin a future Add may touch.
	watermark int
	scratch   []byte
	peak      int
	finalized bool
}

// NewSignalBuffer creates a buffer that flushes half of its live window to
// sink whenever the window grows beyond threshold bins.
func NewSignalBuffer(threshold int, width binpack.Width, sink Sink) *SignalBuffer {
	if threshold < 2 {
		threshold = 2
	}
	return &SignalBuffer{
		threshold: threshold,
		width:     width,
		sink:      sink,
	}
}

// Offset returns the bin index of the first live value.
func (b *SignalBuffer) Offset() int { return b.offset }

// Live returns the number of live (unflushed) bins.
func (b *SignalBuffer) Live() int { return len(b.live) }

// Peak returns the largest live size observed after a FlushIfLarge call.
func (b *SignalBuffer) Peak() int { return b.peak }

// Add adds weight to the given bin.
func (b *SignalBuffer) Add(bin int, weight float64) error {
	if bin < b.offset {
		return errors.E(errors.Integrity, ErrOutOfOrderWrite, fmt.Sprintf("bin %d is below offset %d", bin, b.offset))
	}
	i := bin - b.offset
	if i >= len(b.live) {
		if i < cap(b.live) {
			n := len(b.live)
			b.live = b.live[:i+1]
			for j := n; j <= i; j++ {
				b.live[j] = 0
			}
		} else {
			b.live = append(b.live, make([]float64, i+1-len(b.live))...)
		}
	}
	b.live[i] += weight
	return nil
}

// Advance declares that no future Add will target a bin below bin.
func (b *SignalBuffer) Advance(bin int) {
	if bin > b.watermark {
		b.watermark = bin
	}
}

// Large reports whether the live window exceeds the flush threshold.
func (b *SignalBuffer) Large() bool { return len(b.live) > b.threshold }

// FlushIfLarge flushes the oldest bins, half a threshold at a time, while the
// live window exceeds the threshold.  It never flushes at or past the
// watermark.
func (b *SignalBuffer) FlushIfLarge() error {
	for len(b.live) > b.threshold {
		n := b.threshold / 2
		if limit := b.watermark - b.offset; n > limit {
			n = limit
		}
		if n <= 0 {
			break
		}
		if err := b.flush(n); err != nil {
			return err
		}
	}
	if len(b.live) > b.peak {
		b.peak = len(b.live)
	}
	return nil
}

func (b *SignalBuffer) flush(n int) error {
	b.scratch = binpack.Encode(b.scratch[:0], b.live[:n], b.width)
	if err := b.sink.Write(b.scratch, n); err != nil {
		return err
	}
	rest := copy(b.live, b.live[n:])
	b.live = b.live[:rest]
	b.offset += n
	return nil
}

// Finalize pads the live window to end at nBins, flushes everything and
// closes the sink.  Bins at or past nBins must not have been written.
func (b *SignalBuffer) Finalize(nBins int) error {
	if b.finalized {
		return errors.E(errors.Invalid, "bam2wig: SignalBuffer finalized twice")
	}
	b.finalized = true
	if b.offset+len(b.live) > nBins {
		return errors.E(errors.Integrity, fmt.Sprintf("bam2wig: %d bins written, chromosome has %d", b.offset+len(b.live), nBins))
	}
	if nBins > b.offset {
		if err := b.Add(nBins-1, 0); err != nil {
			return err
		}
	}
	for len(b.live) > 0 {
		n := len(b.live)
		if n > b.threshold {
			n = b.threshold
		}
		if err := b.flush(n); err != nil {
			return err
		}
	}
	return b.sink.Close()
}
