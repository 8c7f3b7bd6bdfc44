package bam2wig

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/grailbio/bam2wig/coverage"
	"github.com/grailbio/bam2wig/coverage/binpack"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestSignalBufferBounded(t *testing.T) {
	const (
		chromLen  = 100003
		binSize   = 7
		threshold = 64
		readLen   = 50
	)
	r := rand.New(rand.NewSource(1))
	starts := make([]int, 5000)
	for i := range starts {
		starts[i] = r.Intn(chromLen - readLen)
	}
	sort.Ints(starts)

	nBins := coverage.NBins(chromLen, binSize)
	want := make([]float64, nBins)
	var sink MemSink
	buf := NewSignalBuffer(threshold, binpack.Uint16, &sink)
	for _, s := range starts {
		buf.Advance(s / binSize)
		for bin := s / binSize; bin <= (s+readLen-1)/binSize; bin++ {
			assert.NoError(t, buf.Add(bin, 1))
			want[bin]++
		}
		assert.NoError(t, buf.FlushIfLarge())
		expect.LE(t, buf.Live(), threshold)
	}
	expect.LE(t, buf.Peak(), threshold)
	assert.NoError(t, buf.Finalize(nBins))
	expect.EQ(t, sink.Count, nBins)

	got, err := binpack.Decode(nil, sink.Bytes, binpack.Uint16, sink.Count)
	assert.NoError(t, err)
	expect.EQ(t, got, want)
}

func TestSignalBufferFinalizePads(t *testing.T) {
	for _, nBins := range []int{1, 10, 1000} {
		var sink MemSink
		buf := NewSignalBuffer(16, binpack.Uint8, &sink)
		assert.NoError(t, buf.Add(0, 3))
		assert.NoError(t, buf.Finalize(nBins))
		expect.EQ(t, sink.Count, nBins)
		expect.EQ(t, len(sink.Bytes), nBins)
		expect.EQ(t, sink.Bytes[0], byte(3))
	}

	var sink MemSink
	buf := NewSignalBuffer(16, binpack.Uint8, &sink)
	assert.NoError(t, buf.Add(12, 1))
	err := buf.Finalize(10)
	expect.True(t, errors.Is(errors.Integrity, err))
	err = buf.Finalize(20)
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestSignalBufferOutOfOrder(t *testing.T) {
	var sink MemSink
	buf := NewSignalBuffer(4, binpack.Uint8, &sink)
	for bin := 0; bin < 10; bin++ {
		buf.Advance(bin)
		assert.NoError(t, buf.Add(bin, 1))
		assert.NoError(t, buf.FlushIfLarge())
	}
	expect.GT(t, buf.Offset(), 0)
	err := buf.Add(0, 1)
	expect.True(t, errors.Is(errors.Integrity, err))
	expect.HasSubstr(t, err.Error(), "out-of-order")
}

func TestSignalBufferWatermark(t *testing.T) {
	var sink MemSink
	buf := NewSignalBuffer(4, binpack.Uint8, &sink)
	// Without Advance, nothing may be flushed.
	for bin := 0; bin < 10; bin++ {
		assert.NoError(t, buf.Add(bin, 1))
		assert.NoError(t, buf.FlushIfLarge())
	}
	expect.EQ(t, buf.Offset(), 0)
	buf.Advance(1)
	assert.NoError(t, buf.FlushIfLarge())
	expect.EQ(t, buf.Offset(), 1)
	assert.NoError(t, buf.Add(1, 1))
}
