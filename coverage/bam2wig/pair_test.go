package bam2wig

import (
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil/expect"
)

func TestMateTable(t *testing.T) {
	header := newTestHeader(t, 10000)
	ref := header.Refs()[0]
	f1, r1 := newPair("a", ref, 100, "50M", 300, "50M", true)
	f2, r2 := newPair("b", ref, 120, "50M", 120, "50M", true)
	f3, _ := newPair("c", ref, 150, "50M", 250, "50M", true)
	_, r4 := newPair("d", ref, 50, "50M", 400, "50M", true)

	m := newMateTable()
	expect.True(t, m.Match(f1) == nil)
	pos, ok := m.OldestPos()
	expect.True(t, ok)
	expect.EQ(t, pos, 100)

	// Mates at the same position.
	expect.True(t, m.Match(f2) == nil)
	expect.EQ(t, m.Match(r2), f2)

	expect.True(t, m.Match(f3) == nil)
	// f3's mate was due at 250; reaching 300 evicts it.
	expect.EQ(t, m.Match(r1), f1)
	expect.EQ(t, m.orphans, int64(1))
	_, ok = m.OldestPos()
	expect.False(t, ok)

	// A mate whose partner should have come first is an orphan.
	expect.True(t, m.Match(r4) == nil)
	expect.EQ(t, m.orphans, int64(2))

	unpaired := newRead("e", ref, 500, "50M", sam.Paired|sam.MateReverse)
	unpaired.MateRef, unpaired.MatePos = ref, 600
	expect.True(t, m.Match(unpaired) == nil)
	expect.EQ(t, m.Finish(), int64(3))
	_, ok = m.OldestPos()
	expect.False(t, ok)
}
