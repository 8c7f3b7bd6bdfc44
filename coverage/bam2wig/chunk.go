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
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/grailbio/bam2wig/coverage"
	"github.com/grailbio/bam2wig/coverage/binpack"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
)

// Binary chunks are recordio files.  Each record is one window of packed bins
// (a uvarint bin count followed by the packed values, optionally
// snappy-compressed).  The header names the chromosome, strand, width and
// window codec; the trailer carries the counts needed for normalization.

const (
	chunkVersion = 1

	chromHeader  = "chrom"
	strandHeader = "strand"
	widthHeader  = "width"
	codecHeader  = "codec"
)

// Window codecs for ChunkCompression.
const (
	CodecSnappy = "snappy"
	CodecZstd   = "zstd"
	CodecNone   = "none"
)

// ChunkInfo describes one binary chunk.
type ChunkInfo struct {
	Chrom  string
	Strand coverage.StrandType
	Width  binpack.Width
	Codec  string
	// Sample is the sample index, or -1 for a merged chunk.
	Sample int
	NBins  int
	// NAlignments is the number of alignments (or fragments) recorded.
	NAlignments int64
	// Weighted is the sum of alignment weights, used for RPM.
	Weighted float64
}

func validCodec(codec string) bool {
	switch codec {
	case CodecSnappy, CodecZstd, CodecNone:
		return true
	}
	return false
}

type chunkWindow struct {
	count  int
	packed []byte
}

func chunkTrailer(info ChunkInfo) []byte {
	var buffer bytes.Buffer
	for _, v := range []interface{}{
		int64(chunkVersion), int64(info.Sample), int64(info.NBins), info.NAlignments, info.Weighted,
	} {
		if err := binary.Write(&buffer, binary.LittleEndian, v); err != nil {
			panic(err)
		}
	}
	return buffer.Bytes()
}

func parseChunkTrailer(trailer []byte, info *ChunkInfo) error {
	r := bytes.NewReader(trailer)
	var version, sample, nBins int64
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return errors.E(errors.Integrity, "bam2wig: malformed chunk trailer", err)
	}
	if version != chunkVersion {
		return errors.E(errors.Integrity, fmt.Sprintf("bam2wig: unrecognized chunk version: got %d, want %d", version, chunkVersion))
	}
	for _, v := range []interface{}{&sample, &nBins, &info.NAlignments, &info.Weighted} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return errors.E(errors.Integrity, "bam2wig: malformed chunk trailer", err)
		}
	}
	info.Sample = int(sample)
	info.NBins = int(nBins)
	return nil
}

// chunkWriter is the file-backed Sink.  The chunk is written under a
// temporary name and renamed into place by Close, so a chunk that is visible
// under its final name is always complete.
type chunkWriter struct {
	ctx      context.Context
	path     string
	info     ChunkInfo
	f        file.File
	w        recordio.Writer
	compress bool
	nWritten int
	closed   bool
}

// newChunkWriter creates a chunk at path.  info.NBins, NAlignments and
// Weighted are filled in when the chunk is closed.
func newChunkWriter(ctx context.Context, path string, info ChunkInfo) (*chunkWriter, error) {
	if !validCodec(info.Codec) {
		return nil, errors.E(errors.Invalid, "bam2wig: unknown chunk compression", info.Codec)
	}
	f, err := file.Create(ctx, path+".partial")
	if err != nil {
		return nil, err
	}
	cw := &chunkWriter{
		ctx:      ctx,
		path:     path,
		info:     info,
		f:        f,
		compress: info.Codec == CodecSnappy,
	}
	opts := recordio.WriterOpts{Marshal: cw.marshal}
	if info.Codec == CodecZstd {
		opts.Transformers = []string{recordiozstd.Name}
	}
	cw.w = recordio.NewWriter(f.Writer(ctx), opts)
	cw.w.AddHeader(chromHeader, info.Chrom)
	cw.w.AddHeader(strandHeader, info.Strand.String())
	cw.w.AddHeader(widthHeader, info.Width.String())
	cw.w.AddHeader(codecHeader, info.Codec)
	cw.w.AddHeader(recordio.KeyTrailer, true)
	return cw, nil
}

func (cw *chunkWriter) marshal(scratch []byte, v interface{}) ([]byte, error) {
	win := v.(*chunkWindow)
	out := scratch[:0]
	out = appendUvarint(out, uint64(win.count))
	if cw.compress {
		return append(out, snappy.Encode(nil, win.packed)...), nil
	}
	return append(out, win.packed...), nil
}

func appendUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

// SetCounts records the alignment counts stored in the trailer.
func (cw *chunkWriter) SetCounts(nAlignments int64, weighted float64) {
	cw.info.NAlignments = nAlignments
	cw.info.Weighted = weighted
}

// Write implements Sink.
func (cw *chunkWriter) Write(packed []byte, count int) error {
	if count == 0 {
		return nil
	}
	cw.w.Append(&chunkWindow{count: count, packed: append([]byte(nil), packed...)})
	cw.nWritten += count
	return nil
}

// Close implements Sink.
func (cw *chunkWriter) Close() (err error) {
	if cw.closed {
		return nil
	}
	cw.closed = true
	cw.info.NBins = cw.nWritten
	cw.w.SetTrailer(chunkTrailer(cw.info))
	err = cw.w.Finish()
	if e := cw.f.Close(cw.ctx); e != nil && err == nil {
		err = e
	}
	if err != nil {
		os.Remove(cw.f.Name()) // nolint: errcheck
		return err
	}
	return os.Rename(cw.f.Name(), cw.path)
}

// abort discards a partially written chunk.
func (cw *chunkWriter) abort() {
	if cw.closed {
		return
	}
	cw.closed = true
	cw.w.Finish()          // nolint: errcheck
	cw.f.Close(cw.ctx)     // nolint: errcheck
	os.Remove(cw.f.Name()) // nolint: errcheck
}

// chunkReader streams the bins of a binary chunk.
type chunkReader struct {
	ctx     context.Context
	f       file.File
	scanner recordio.Scanner
	info    ChunkInfo

	pending []float64
	nRead   int
}

func openChunk(ctx context.Context, path string) (*chunkReader, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	r := &chunkReader{ctx: ctx, f: f}
	r.scanner = recordio.NewScanner(f.Reader(ctx), recordio.ScannerOpts{Unmarshal: r.unmarshal})
	if err := r.readInfo(); err != nil {
		r.Close() // nolint: errcheck
		return nil, errors.E(err, path)
	}
	return r, nil
}

func (r *chunkReader) readInfo() error {
	if err := r.scanner.Err(); err != nil {
		return errors.E(errors.Integrity, err)
	}
	for _, kv := range r.scanner.Header() {
		value, ok := kv.Value.(string)
		if !ok {
			continue
		}
		switch kv.Key {
		case chromHeader:
			r.info.Chrom = value
		case strandHeader:
			switch value {
			case "f":
				r.info.Strand = coverage.StrandFwd
			case "r":
				r.info.Strand = coverage.StrandRev
			}
		case widthHeader:
			w, err := binpack.ParseWidth(value)
			if err != nil {
				return errors.E(errors.Integrity, err)
			}
			r.info.Width = w
		case codecHeader:
			r.info.Codec = value
		}
	}
	if r.info.Width == 0 {
		return errors.E(errors.Integrity, "bam2wig: chunk has no width")
	}
	trailer := r.scanner.Trailer()
	if len(trailer) == 0 {
		return errors.E(errors.Integrity, "bam2wig: chunk has no trailer")
	}
	return parseChunkTrailer(trailer, &r.info)
}

func (r *chunkReader) unmarshal(in []byte) (interface{}, error) {
	count, n := binary.Uvarint(in)
	if n <= 0 {
		return nil, errors.E(errors.Integrity, "bam2wig: malformed chunk window")
	}
	payload := in[n:]
	if r.info.Codec == CodecSnappy {
		var err error
		if payload, err = snappy.Decode(nil, payload); err != nil {
			return nil, errors.E(errors.Integrity, err)
		}
	} else {
		payload = append([]byte(nil), payload...)
	}
	if got := binpack.Count(payload, r.info.Width); got != int(count) {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("bam2wig: chunk window holds %d bins, declares %d", got, count))
	}
	return &chunkWindow{count: int(count), packed: payload}, nil
}

// Info returns the chunk's header and trailer information.
func (r *chunkReader) Info() ChunkInfo { return r.info }

// Read fills dst with the next bins of the chunk, and returns the number of
// bins read.  At the end of the chunk it returns io.EOF.  A chunk holding
// fewer bins than its trailer declares is an Integrity error.
func (r *chunkReader) Read(dst []float64) (int, error) {
	n := 0
	for n < len(dst) {
		if len(r.pending) == 0 {
			if !r.scanner.Scan() {
				if err := r.scanner.Err(); err != nil {
					return n, errors.E(errors.Integrity, err)
				}
				if r.nRead != r.info.NBins {
					return n, errors.E(errors.Integrity,
						fmt.Sprintf("bam2wig: truncated chunk %s: read %d of %d bins", r.f.Name(), r.nRead, r.info.NBins))
				}
				if n == 0 {
					return 0, io.EOF
				}
				return n, nil
			}
			win := r.scanner.Get().(*chunkWindow)
			var err error
			if r.pending, err = binpack.Decode(r.pending[:0], win.packed, r.info.Width, win.count); err != nil {
				return n, errors.E(errors.Integrity, err)
			}
			r.nRead += win.count
		}
		k := copy(dst[n:], r.pending)
		r.pending = r.pending[k:]
		n += k
	}
	return n, nil
}

// Close closes the underlying file.
func (r *chunkReader) Close() error {
	err := r.scanner.Finish()
	if e := r.f.Close(r.ctx); e != nil && err == nil {
		err = e
	}
	return err
}

// chunkPath returns the path of the binary chunk of one work unit.
func chunkPath(dir string, sample, chromIdx int, strand coverage.StrandType) string {
	return fmt.Sprintf("%s/%s.%d.%d.%s.chunk", dir, chunkPrefix, sample, chromIdx, strand)
}

// mergedPath returns the path of the merged chunk of one (chromosome,
// strand).
func mergedPath(dir string, chromIdx int, strand coverage.StrandType) string {
	return fmt.Sprintf("%s/merged.%d.%s.chunk", dir, chromIdx, strand)
}

// wigChunkPath returns the path of the wig text of one (chromosome, strand).
func wigChunkPath(dir string, chromIdx int, strand coverage.StrandType) string {
	return fmt.Sprintf("%s/%s.%d.%s.wigchunk", dir, chunkPrefix, chromIdx, strand)
}

const chunkPrefix = "bam2wig"
