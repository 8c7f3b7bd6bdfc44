package bam2wig

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/grailbio/bam2wig/coverage"
	"github.com/grailbio/bam2wig/coverage/binpack"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

// writeChunk writes values through a SignalBuffer into a chunk at path.
func writeChunk(t *testing.T, path string, info ChunkInfo, values []float64, nAlign int64) {
	ctx := vcontext.Background()
	cw, err := newChunkWriter(ctx, path, info)
	assert.NoError(t, err)
	buf := NewSignalBuffer(8, info.Width, cw)
	for i, v := range values {
		buf.Advance(i)
		assert.NoError(t, buf.Add(i, v))
		assert.NoError(t, buf.FlushIfLarge())
	}
	cw.SetCounts(nAlign, float64(nAlign))
	assert.NoError(t, buf.Finalize(len(values)))
}

func readChunk(t *testing.T, path string, window int) (ChunkInfo, []float64) {
	r, err := openChunk(vcontext.Background(), path)
	assert.NoError(t, err)
	var values []float64
	dst := make([]float64, window)
	for {
		n, err := r.Read(dst)
		values = append(values, dst[:n]...)
		if err == io.EOF {
			break
		}
		assert.NoError(t, err)
	}
	assert.NoError(t, r.Close())
	return r.Info(), values
}

func TestChunkRoundTrip(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i % 7)
	}
	for _, codec := range []string{CodecSnappy, CodecZstd, CodecNone} {
		for _, width := range []binpack.Width{binpack.Uint8, binpack.Float32} {
			path := filepath.Join(tmpdir, codec+width.String()+".chunk")
			info := ChunkInfo{Chrom: "chr1", Strand: coverage.StrandRev, Width: width, Codec: codec, Sample: 2}
			writeChunk(t, path, info, values, 42)
			got, gotValues := readChunk(t, path, 13)
			expect.EQ(t, gotValues, values)
			info.NBins = len(values)
			info.NAlignments = 42
			info.Weighted = 42
			expect.EQ(t, got, info)
		}
	}
}

func TestChunkTruncated(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	path := filepath.Join(tmpdir, "short.chunk")
	cw, err := newChunkWriter(ctx, path, ChunkInfo{Chrom: "chr1", Width: binpack.Uint8, Codec: CodecSnappy})
	assert.NoError(t, err)
	assert.NoError(t, cw.Write([]byte{1, 2, 3}, 3))
	// Declare more bins than were written.
	cw.nWritten += 5
	assert.NoError(t, cw.Close())

	r, err := openChunk(ctx, path)
	assert.NoError(t, err)
	dst := make([]float64, 100)
	n, err := r.Read(dst)
	expect.EQ(t, n, 3)
	expect.True(t, errors.Is(errors.Integrity, err))
	expect.HasSubstr(t, err.Error(), "truncated")
	assert.NoError(t, r.Close())

	_, err = openChunk(ctx, filepath.Join(tmpdir, "missing.chunk"))
	expect.NotNil(t, err)
}

func TestChunkWindowMismatch(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	path := filepath.Join(tmpdir, "mismatch.chunk")
	cw, err := newChunkWriter(ctx, path, ChunkInfo{Chrom: "chr1", Width: binpack.Uint8, Codec: CodecNone})
	assert.NoError(t, err)
	// Three packed bytes declared as five bins.
	assert.NoError(t, cw.Write([]byte{1, 2, 3}, 5))
	assert.NoError(t, cw.Close())

	r, err := openChunk(ctx, path)
	assert.NoError(t, err)
	_, err = r.Read(make([]float64, 10))
	expect.True(t, errors.Is(errors.Integrity, err))
	expect.HasSubstr(t, err.Error(), "declares 5")
	_ = r.Close()
}

func TestChunkAbort(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	path := filepath.Join(tmpdir, "aborted.chunk")
	cw, err := newChunkWriter(ctx, path, ChunkInfo{Chrom: "chr1", Width: binpack.Uint8, Codec: CodecNone})
	assert.NoError(t, err)
	assert.NoError(t, cw.Write([]byte{1}, 1))
	cw.abort()
	matches, err := filepath.Glob(filepath.Join(tmpdir, "*"))
	assert.NoError(t, err)
	expect.EQ(t, len(matches), 0)
}
