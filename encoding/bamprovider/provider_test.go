package bamprovider_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/bam2wig/encoding/bamprovider"
	"github.com/grailbio/base/grail"
	hbam "github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	status := m.Run()
	shutdown()
	os.Exit(status)
}

func newHeader(t *testing.T) *sam.Header {
	chr1, err := sam.NewReference("chr1", "", "", 100, nil, nil)
	require.NoError(t, err)
	chr2, err := sam.NewReference("chr2", "", "", 50, nil, nil)
	require.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{chr1, chr2})
	require.NoError(t, err)
	header.SortOrder = sam.Coordinate
	return header
}

// newRecord creates a mapped record with a query sequence matching its CIGAR.
func newRecord(name string, ref *sam.Reference, pos int, cigar string) *sam.Record {
	co, err := sam.ParseCigar([]byte(cigar))
	if err != nil {
		panic(err)
	}
	_, qLen := sam.Cigar(co).Lengths()
	seq := []byte(strings.Repeat("A", qLen))
	qual := make([]byte, qLen)
	for i := range qual {
		qual[i] = 30
	}
	return &sam.Record{
		Name:    name,
		Ref:     ref,
		Pos:     pos,
		MapQ:    60,
		Cigar:   co,
		MatePos: -1,
		Seq:     sam.NewSeq(seq),
		Qual:    qual,
	}
}

func testRecords(header *sam.Header) []*sam.Record {
	chr1, chr2 := header.Refs()[0], header.Refs()[1]
	unmapped := newRecord("u", chr1, 40, "10M")
	unmapped.Flags = sam.Unmapped
	return []*sam.Record{
		newRecord("a", chr1, 10, "20M"),
		newRecord("b", chr1, 15, "5M10N5M"),
		newRecord("c", chr1, 15, "3M2D4M"),
		unmapped,
		newRecord("d", chr1, 95, "10M"),
		newRecord("e", chr2, 0, "10M"),
	}
}

func readNames(t *testing.T, p bamprovider.Provider, ref string, start, limit int) []string {
	iter := bamprovider.NewRefIterator(p, ref, start, limit)
	var names []string
	for iter.Scan() {
		names = append(names, iter.Record().Name)
	}
	require.NoError(t, iter.Close())
	return names
}

// bruteForceDepth computes per-base depth directly from the CIGARs.
func bruteForceDepth(recs []*sam.Record, ref *sam.Reference) []int {
	depth := make([]int, ref.Len())
	for _, r := range recs {
		if r.Ref != ref || r.Flags&sam.Unmapped != 0 {
			continue
		}
		pos := r.Pos
		for _, co := range r.Cigar {
			switch co.Type() {
			case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch, sam.CigarDeletion:
				for i := 0; i < co.Len(); i++ {
					if pos+i < ref.Len() {
						depth[pos+i]++
					}
				}
				pos += co.Len()
			case sam.CigarSkipped:
				pos += co.Len()
			}
		}
	}
	return depth
}

func collectDepth(t *testing.T, p bamprovider.Provider, ref *sam.Reference) []int {
	depth := make([]int, 0, ref.Len())
	prevEnd := 0
	_, err := bamprovider.Depth(p, ref.Name(), func(start, end, d int) error {
		require.Equal(t, prevEnd, start)
		require.True(t, end > start)
		prevEnd = end
		for i := start; i < end; i++ {
			depth = append(depth, d)
		}
		return nil
	})
	require.NoError(t, err)
	return depth
}

func TestFakeProvider(t *testing.T) {
	header := newHeader(t)
	recs := testRecords(header)
	p := bamprovider.NewFakeProvider(header, recs)
	require.Equal(t, []string{"a", "b", "c", "u", "d"}, readNames(t, p, "chr1", 0, 100))
	require.Equal(t, []string{"b", "c"}, readNames(t, p, "chr1", 11, 16))
	require.Equal(t, []string{"e"}, readNames(t, p, "chr2", 0, 50))

	iter := bamprovider.NewRefIterator(p, "chrX", 0, 10)
	require.False(t, iter.Scan())
	require.Error(t, iter.Close())
	require.NoError(t, p.Close())
}

func TestDepth(t *testing.T) {
	header := newHeader(t)
	recs := testRecords(header)
	p := bamprovider.NewFakeProvider(header, recs)
	for _, ref := range header.Refs() {
		require.Equal(t, bruteForceDepth(recs, ref), collectDepth(t, p, ref), ref.Name())
	}
	n, err := bamprovider.Depth(p, "chr1", func(start, end, d int) error { return nil })
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
	_, err = bamprovider.Depth(p, "chrX", func(start, end, d int) error { return nil })
	require.Error(t, err)
}

func TestBAMProvider(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	header := newHeader(t)
	recs := testRecords(header)

	path := filepath.Join(tmpDir, "test.bam")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := hbam.NewWriter(f, header, 1)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	// The BAM has no index, so iterators scan sequentially.
	p := bamprovider.NewProvider(path)
	h, err := p.GetHeader()
	require.NoError(t, err)
	require.Equal(t, 2, len(h.Refs()))
	// Repeat to exercise iterator reuse.
	for i := 0; i < 2; i++ {
		require.Equal(t, []string{"b", "c"}, readNames(t, p, "chr1", 11, 16))
		require.Equal(t, []string{"e"}, readNames(t, p, "chr2", 0, 50))
	}
	require.Equal(t, bruteForceDepth(recs, header.Refs()[0]), collectDepth(t, p, h.Refs()[0]))
	require.NoError(t, p.Close())
}
