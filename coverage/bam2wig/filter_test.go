package bam2wig

import (
	"strings"
	"testing"

	"github.com/grailbio/bam2wig/interval"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestFilter(t *testing.T) {
	header := newTestHeader(t, 10000, 5000)
	ref := header.Refs()[0]
	other := header.Refs()[1]
	bl, err := interval.NewBEDUnion(strings.NewReader("chr1\t1000\t2000\n"), interval.NewBEDOpts{SAMHeader: header})
	assert.NoError(t, err)

	f := NewFilter(FilterOpts{MinMapQ: 20}, &bl, 0)
	read := func(pos int, flags sam.Flags) *sam.Record { return newRead("r", ref, pos, "50M", flags) }
	lowQ := read(100, 0)
	lowQ.MapQ = 10
	tests := []struct {
		rec  *sam.Record
		want Reason
	}{
		{read(100, 0), Accept},
		{read(100, sam.Unmapped), Unmapped},
		{lowQ, MapQ},
		{read(100, sam.Secondary), Secondary},
		{read(100, sam.Duplicate), Duplicate},
		{read(100, sam.Supplementary), Supplementary},
		{read(100, sam.QCFail), QCFail},
		{read(960, 0), Blacklist},
		{read(950, 0), Accept},
		{read(1999, 0), Blacklist},
		{read(2000, 0), Accept},
	}
	for i, test := range tests {
		expect.EQ(t, f.Accept(test.rec), test.want, "test %d", i)
	}

	keep := NewFilter(FilterOpts{KeepDuplicate: true, KeepSecondary: true}, nil, 0)
	expect.EQ(t, keep.Accept(read(100, sam.Duplicate|sam.Secondary)), Accept)

	paired := NewFilter(FilterOpts{Paired: true, MinInsert: 100, MaxInsert: 500}, nil, 0)
	fwd, rev := newPair("p", ref, 100, "50M", 300, "50M", true)
	expect.EQ(t, paired.Accept(fwd), Accept)
	expect.EQ(t, paired.Accept(rev), Accept)
	_, far := newPair("q", ref, 100, "50M", 900, "50M", true)
	expect.EQ(t, paired.Accept(far), ImproperPair)
	// A short TLEN does not hide a distant mate.
	distant, _ := newPair("r", ref, 100, "50M", 300, "50M", true)
	distant.MatePos = 90000
	expect.EQ(t, paired.Accept(distant), ImproperPair)
	expect.EQ(t, paired.Accept(read(100, 0)), ImproperPair)
	tandem, _ := newPair("s", ref, 100, "50M", 300, "50M", true)
	tandem.Flags &^= sam.MateReverse
	expect.EQ(t, paired.Accept(tandem), ImproperPair)
	split, _ := newPair("u", ref, 100, "50M", 300, "50M", true)
	split.MateRef = other
	expect.EQ(t, paired.Accept(split), ImproperPair)

	var stats FilterStats
	stats[Accept] = 3
	stats[MapQ] = 2
	stats[Orphan] = 1
	expect.EQ(t, stats.Rejected(), int64(3))
	expect.EQ(t, stats.String(), "accept=3 mapq=2 orphan=1")
}
