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

// Package binpack converts between in-memory bin values and the flat
// little-endian byte representation used by intermediate signal chunks.
package binpack

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Width is the on-disk element type of a packed bin array.
type Width uint8

const (
	// Uint8 stores each bin as an unsigned byte.
	Uint8 Width = iota + 1
	// Uint16 stores each bin as a little-endian uint16.
	Uint16
	// Uint32 stores each bin as a little-endian uint32.
	Uint32
	// Float32 stores each bin as a little-endian IEEE-754 float32.  It is
	// required whenever a bin can hold a fractional value.
	Float32
)

// ErrTruncated is the cause of every Decode error due to a short buffer.
var ErrTruncated = errors.New("binpack: truncated buffer")

// Bytes returns the number of bytes used by one element.
func (w Width) Bytes() int {
	switch w {
	case Uint8:
		return 1
	case Uint16:
		return 2
	case Uint32, Float32:
		return 4
	}
	panic(fmt.Sprintf("binpack: invalid width %d", w))
}

// Fractional returns true iff w can represent non-integer values.
func (w Width) Fractional() bool {
	return w == Float32
}

func (w Width) String() string {
	switch w {
	case Uint8:
		return "u8"
	case Uint16:
		return "u16"
	case Uint32:
		return "u32"
	case Float32:
		return "f32"
	}
	return fmt.Sprintf("Width(%d)", uint8(w))
}

// ParseWidth is the inverse of Width.String.
func ParseWidth(s string) (Width, error) {
	switch s {
	case "u8":
		return Uint8, nil
	case "u16":
		return Uint16, nil
	case "u32":
		return Uint32, nil
	case "f32":
		return Float32, nil
	}
	return 0, errors.Errorf("binpack: unknown width %q", s)
}

// ChooseWidth returns the narrowest width able to hold every value.  If
// fractional is set, Float32 is always returned.  maxValue is an upper bound
// on the integer values that will be stored.
func ChooseWidth(fractional bool, maxValue uint64) Width {
	if fractional {
		return Float32
	}
	if maxValue <= math.MaxUint8 {
		return Uint8
	}
	if maxValue <= math.MaxUint16 {
		return Uint16
	}
	return Uint32
}

// roundSat rounds v to the nearest integer, saturating to [0, max].
func roundSat(v float64, max float64) float64 {
	if v <= 0 {
		return 0
	}
	v = math.Floor(v + 0.5)
	if v > max {
		return max
	}
	return v
}

// Encode appends the packed representation of values to dst and returns the
// extended slice.  Integer widths round to the nearest integer and saturate.
func Encode(dst []byte, values []float64, w Width) []byte {
	n := len(values) * w.Bytes()
	start := len(dst)
	if cap(dst)-start < n {
		newDst := make([]byte, start, start+n)
		copy(newDst, dst)
		dst = newDst
	}
	dst = dst[:start+n]
	out := dst[start:]
	switch w {
	case Uint8:
		for i, v := range values {
			out[i] = byte(roundSat(v, math.MaxUint8))
		}
	case Uint16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[2*i:], uint16(roundSat(v, math.MaxUint16)))
		}
	case Uint32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[4*i:], uint32(roundSat(v, math.MaxUint32)))
		}
	case Float32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(float32(v)))
		}
	default:
		panic(fmt.Sprintf("binpack.Encode: invalid width %d", w))
	}
	return dst
}

// Decode unpacks the first count elements of src, appending them to dst.  It
// returns an error wrapping ErrTruncated if src holds fewer than count
// elements.
func Decode(dst []float64, src []byte, w Width, count int) ([]float64, error) {
	need := count * w.Bytes()
	if len(src) < need {
		return dst, errors.Wrapf(ErrTruncated, "need %d bytes for %d %v values, have %d", need, count, w, len(src))
	}
	src = src[:need]
	switch w {
	case Uint8:
		for _, b := range src {
			dst = append(dst, float64(b))
		}
	case Uint16:
		for i := 0; i < count; i++ {
			dst = append(dst, float64(binary.LittleEndian.Uint16(src[2*i:])))
		}
	case Uint32:
		for i := 0; i < count; i++ {
			dst = append(dst, float64(binary.LittleEndian.Uint32(src[4*i:])))
		}
	case Float32:
		for i := 0; i < count; i++ {
			dst = append(dst, float64(math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))))
		}
	default:
		return dst, errors.Errorf("binpack.Decode: invalid width %d", w)
	}
	return dst, nil
}

// Count returns the number of whole elements contained in src.
func Count(src []byte, w Width) int {
	return len(src) / w.Bytes()
}

// IsTruncated returns true if err was caused by a short buffer.
func IsTruncated(err error) bool {
	return errors.Cause(err) == ErrTruncated
}
