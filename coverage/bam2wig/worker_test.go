package bam2wig

import (
	"fmt"
	"testing"

	"github.com/grailbio/bam2wig/coverage"
	"github.com/grailbio/bam2wig/coverage/binpack"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

// A mate whose partner is far downstream must not pin the buffers.
func TestPairedWorkerLiveBound(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	const chromLen = 200000
	header := newTestHeader(t, chromLen)
	ref := header.Refs()[0]
	far1, far2 := newPair("far", ref, 10, "50M", 90000, "50M", true)
	// A short TLEN must not let the pair through either.
	lying1, lying2 := newPair("lying", ref, 20, "50M", 120000, "50M", true)
	lying1.TempLen, lying2.TempLen = 200, -200
	recs := []*sam.Record{far1, far2, lying1, lying2}
	const nPairs = 1000
	for i := 0; i < nPairs; i++ {
		pos := 100 + i*150
		fwd, rev := newPair(fmt.Sprintf("p%d", i), ref, pos, "50M", pos+100, "50M", i%2 == 0)
		recs = append(recs, fwd, rev)
	}
	sortRecords(recs)

	for _, mode := range []Mode{ModeSmartPairedCoverage, ModePairedEndpoints} {
		t.Run(mode.String(), func(t *testing.T) {
			wc := &workerConfig{
				cfg:       Config{Mode: mode, BinSize: 1},
				filter:    FilterOpts{Paired: true, MaxInsert: DefaultMaxInsert},
				threshold: 2*DefaultMaxInsert + 2,
				width:     binpack.Uint32,
				codec:     CodecSnappy,
				dir:       tmpdir,
				strands:   []coverage.StrandType{coverage.StrandNone},
			}
			unit := workUnit{sample: int(mode), chrom: coverage.Chromosome{Name: "chr1", Len: chromLen}}
			w, err := newWorker(vcontext.Background(), wc, unit)
			require.NoError(t, err)
			for _, r := range recs {
				require.NoError(t, w.addRecord(r))
				expect.LE(t, w.buffers[coverage.StrandNone].Live(), wc.threshold)
			}
			require.NoError(t, w.finish())
			expect.LE(t, w.buffers[coverage.StrandNone].Peak(), wc.threshold)
			expect.EQ(t, w.Stats[Accept], int64(nPairs))
			expect.EQ(t, w.Stats[ImproperPair], int64(4))
			expect.EQ(t, w.Stats[Orphan], int64(0))
		})
	}
}

// Mates that pass the filter but never meet are orphans, and release the
// watermark once their partner's position is passed.
func TestPairedWorkerOrphans(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	const chromLen = 100000
	header := newTestHeader(t, chromLen)
	ref := header.Refs()[0]
	var recs []*sam.Record
	for i := 0; i < 200; i++ {
		pos := 100 + i*400
		fwd, rev := newPair(fmt.Sprintf("p%d", i), ref, pos, "30M", pos+50, "30M", true)
		// Every other fragment loses its reverse mate.
		recs = append(recs, fwd)
		if i%2 == 0 {
			recs = append(recs, rev)
		}
	}
	sortRecords(recs)

	wc := &workerConfig{
		cfg:       Config{Mode: ModeSmartPairedCoverage, BinSize: 1},
		filter:    FilterOpts{Paired: true, MaxInsert: 100},
		threshold: 202,
		width:     binpack.Uint32,
		codec:     CodecSnappy,
		dir:       tmpdir,
		strands:   []coverage.StrandType{coverage.StrandNone},
	}
	w, err := newWorker(vcontext.Background(), wc, workUnit{chrom: coverage.Chromosome{Name: "chr1", Len: chromLen}})
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.addRecord(r))
		if pos, ok := w.mates.OldestPos(); ok {
			expect.GE(t, pos, r.Pos-wc.filter.MaxInsert)
		}
	}
	require.NoError(t, w.finish())
	expect.LE(t, w.buffers[coverage.StrandNone].Peak(), wc.threshold)
	expect.EQ(t, w.Stats[Accept], int64(100))
	expect.EQ(t, w.Stats[Orphan], int64(100))
}
