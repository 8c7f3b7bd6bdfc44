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
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	gunsafe "github.com/grailbio/base/unsafe"
)

// Format is a text signal-track encoding.
type Format int

const (
	// BedGraph emits run-length encoded "chrom start end value" lines.
	BedGraph Format = iota
	// FixedStep emits one value per bin under a fixedStep declaration.
	FixedStep
	// VariableStep emits "position value" lines for nonzero positions.  It
	// requires a bin size of 1.
	VariableStep
)

var formatNames = [...]string{"bedgraph", "fixedstep", "variablestep"}

func (f Format) String() string {
	if int(f) < len(formatNames) {
		return formatNames[f]
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Ext returns the file extension used for the format.
func (f Format) Ext() string {
	if f == BedGraph {
		return "bdg"
	}
	return "wig"
}

// ParseFormat is the inverse of Format.String.  "bdg" and "wig" (fixedStep)
// are accepted as well.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "bdg":
		return BedGraph, nil
	case "wig":
		return FixedStep, nil
	}
	for i, name := range formatNames {
		if strings.EqualFold(s, name) {
			return Format(i), nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("bam2wig: unknown output format %q", s))
}

// WigOpts configures a WigWriter.
type WigOpts struct {
	Format   Format
	Chrom    string
	ChromLen int
	BinSize  int
	// Decimals is the number of fractional digits printed.  A negative value
	// prints values rounded to integers.
	Decimals int
	// SkipZero omits zero-valued bedGraph intervals, and zero-valued
	// fixedStep stretches (a new declaration line follows each gap).
	// variableStep output never contains zeros.
	SkipZero bool
}

// WigWriter serializes the bins of one chromosome (and strand).  Bins are
// passed in order through any number of WriteBins calls.
type WigWriter struct {
	opts    WigOpts
	out     *tsv.Writer
	nextBin int
	scratch []byte

	// Current bedGraph run.
	runStart int
	runValue float64
	// needDecl is set when a fixedStep/variableStep declaration must precede
	// the next data line.
	needDecl bool
}

// NewWigWriter creates a WigWriter writing to w.
func NewWigWriter(w io.Writer, opts WigOpts) (*WigWriter, error) {
	if opts.BinSize < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bam2wig: invalid bin size %d", opts.BinSize))
	}
	if opts.Format == VariableStep && opts.BinSize != 1 {
		return nil, errors.E(errors.Invalid, "bam2wig: variableStep output requires a bin size of 1")
	}
	return &WigWriter{
		opts:     opts,
		out:      tsv.NewWriter(w),
		runStart: -1,
		needDecl: true,
	}, nil
}

func (w *WigWriter) formatValue(v float64) string {
	if w.opts.Decimals < 0 {
		w.scratch = strconv.AppendInt(w.scratch[:0], int64(math.Round(v)), 10)
	} else {
		w.scratch = strconv.AppendFloat(w.scratch[:0], v, 'f', w.opts.Decimals, 64)
	}
	return gunsafe.BytesToString(w.scratch)
}

// WriteBins writes the next len(values) bins.
func (w *WigWriter) WriteBins(values []float64) error {
	var err error
	switch w.opts.Format {
	case BedGraph:
		err = w.writeBedGraph(values)
	case FixedStep:
		err = w.writeFixedStep(values)
	case VariableStep:
		err = w.writeVariableStep(values)
	default:
		err = errors.E(errors.Invalid, fmt.Sprintf("bam2wig: invalid format %v", w.opts.Format))
	}
	w.nextBin += len(values)
	return err
}

func (w *WigWriter) writeBedGraph(values []float64) error {
	for i, v := range values {
		bin := w.nextBin + i
		if w.runStart >= 0 && v == w.runValue {
			continue
		}
		if err := w.endRun(bin); err != nil {
			return err
		}
		w.runStart, w.runValue = bin, v
	}
	return nil
}

// endRun emits the current bedGraph run, which ends before bin end.
func (w *WigWriter) endRun(end int) error {
	if w.runStart < 0 || (w.opts.SkipZero && w.runValue == 0) {
		return nil
	}
	b := w.opts.BinSize
	endPos := end * b
	if endPos > w.opts.ChromLen {
		endPos = w.opts.ChromLen
	}
	w.out.WriteString(w.opts.Chrom)
	w.out.WriteUint32(uint32(w.runStart * b))
	w.out.WriteUint32(uint32(endPos))
	w.out.WriteString(w.formatValue(w.runValue))
	return w.out.EndLine()
}

func (w *WigWriter) writeFixedStep(values []float64) error {
	b := w.opts.BinSize
	for i, v := range values {
		if w.opts.SkipZero && v == 0 {
			w.needDecl = true
			continue
		}
		if w.needDecl {
			w.out.WriteString(fmt.Sprintf("fixedStep chrom=%s start=%d step=%d span=%d", w.opts.Chrom, (w.nextBin+i)*b+1, b, b))
			if err := w.out.EndLine(); err != nil {
				return err
			}
			w.needDecl = false
		}
		w.out.WriteString(w.formatValue(v))
		if err := w.out.EndLine(); err != nil {
			return err
		}
	}
	return nil
}

func (w *WigWriter) writeVariableStep(values []float64) error {
	for i, v := range values {
		if v == 0 {
			continue
		}
		if w.needDecl {
			w.out.WriteString("variableStep chrom=" + w.opts.Chrom)
			if err := w.out.EndLine(); err != nil {
				return err
			}
			w.needDecl = false
		}
		w.out.WriteUint32(uint32(w.nextBin + i + 1))
		w.out.WriteString(w.formatValue(v))
		if err := w.out.EndLine(); err != nil {
			return err
		}
	}
	return nil
}

// Close emits any pending run and flushes the output.  It does not close the
// underlying writer.
func (w *WigWriter) Close() error {
	if w.opts.Format == BedGraph {
		if err := w.endRun(w.nextBin); err != nil {
			return err
		}
		w.runStart = -1
	}
	return w.out.Flush()
}
