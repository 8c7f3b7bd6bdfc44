package bamprovider

import (
	"fmt"

	"github.com/grailbio/bam2wig/encoding/bam"
	"github.com/grailbio/hts/sam"
)

// fakeProvider is only for unittests. It yields the given records.
type fakeProvider struct {
	header *sam.Header
	recs   []*sam.Record
}

type fakeIterator struct {
	recs  []*sam.Record
	rec   *sam.Record
	err   error
	shard bam.Shard
}

// NewFakeProvider creates a provider that returns "header" in response to a
// GetHeader() call, and those of recs that fall in the requested shard from
// NewIterator.  recs must be sorted by coordinate.
func NewFakeProvider(header *sam.Header, recs []*sam.Record) Provider {
	return &fakeProvider{header, recs}
}

// GetHeader implements the Provider interface. It returns the header passed to
// the constructor.
func (b *fakeProvider) GetHeader() (*sam.Header, error) {
	return b.header, nil
}

// Close implements the Provider interface.
func (b *fakeProvider) Close() error {
	return nil
}

// NewIterator implements the Provider interface.
func (b *fakeProvider) NewIterator(shard bam.Shard) Iterator {
	it := &fakeIterator{recs: b.recs, shard: shard}
	for i := 1; i < len(b.recs); i++ {
		if bam.CoordFromSAMRecord(b.recs[i]).LT(bam.CoordFromSAMRecord(b.recs[i-1])) {
			it.err = fmt.Errorf("fakeProvider: record %s is out of coordinate order", b.recs[i].Name)
			break
		}
	}
	return it
}

// Err implements the Iterator interface.
func (i *fakeIterator) Err() error {
	return i.err
}

// Close implements the Iterator interface.
func (i *fakeIterator) Close() error {
	return i.err
}

func (i *fakeIterator) Scan() bool {
	if i.err != nil {
		return false
	}
	for len(i.recs) > 0 {
		i.rec = i.recs[0]
		i.recs = i.recs[1:]
		if i.shard.RecordInShard(i.rec) {
			return true
		}
	}
	return false
}

func (i *fakeIterator) Record() *sam.Record {
	// Return a copy so that the code under test cannot alter the
	// original test input data.
	copy := sam.GetFromFreePool()
	*copy = *i.rec
	return copy
}
