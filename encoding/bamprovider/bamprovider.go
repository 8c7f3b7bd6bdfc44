package bamprovider

import (
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/bam2wig/encoding/bam"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	hbam "github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/bgzf/index"
	"github.com/grailbio/hts/sam"
	"v.io/x/lib/vlog"
)

// BAMProvider implements Provider for BAM files.  Both BAM and the index
// filenames may be any path understood by grailbio/base/file.
//
// When the index cannot be opened, iterators fall back to scanning the file
// from the first record, skipping records before the requested range.
type BAMProvider struct {
	// Path of the *.bam file. Must be nonempty.
	Path string
	// Index is the pathname of *.bam.bai file. If "", Path + ".bai"
	Index string
	err   errors.Once

	mu         sync.Mutex
	nActive    int
	freeIters  []*bamIterator
	header     *sam.Header
	warnedNoIx bool
}

type bamIterator struct {
	provider *BAMProvider
	in       file.File
	reader   *hbam.Reader
	// index is nil when the BAM has no usable index.
	index *hbam.Index
	// Offset of the first record in the file.
	firstRecord bgzf.Offset
	// Half-open coordinate range to read.
	startAddr, limitAddr bam.Coord

	active bool
	err    error
	next   *sam.Record
}

func (b *BAMProvider) indexPath() string {
	index := b.Index
	if index == "" {
		index = b.Path + ".bai"
	}
	return index
}

// GetHeader implements the Provider interface.
func (b *BAMProvider) GetHeader() (*sam.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.header != nil {
		return b.header, nil
	}

	ctx := vcontext.Background()
	reader, err := file.Open(ctx, b.Path)
	if err != nil {
		b.err.Set(err)
		return nil, err
	}
	defer reader.Close(ctx) // nolint: errcheck
	bamReader, err := hbam.NewReader(reader.Reader(ctx), 1)
	if err != nil {
		b.err.Set(err)
		return nil, err
	}
	defer bamReader.Close() // nolint: errcheck
	b.header = bamReader.Header()
	return b.header, nil
}

// Close implements the Provider interface.
func (b *BAMProvider) Close() error {
	if b.nActive > 0 {
		vlog.Fatalf("%d iterators still active for %+v", b.nActive, b)
	}
	for _, iter := range b.freeIters {
		iter.internalClose()
	}
	b.freeIters = nil
	return b.err.Err()
}

func (b *BAMProvider) freeIterator(i *bamIterator) {
	if !i.active {
		vlog.Fatal(i)
	}
	i.active = false
	if i.Err() != nil || i.reader == nil {
		// The iter may be invalid. Don't reuse it.
		i.internalClose() // Will set b.err
		i = nil
	}
	b.mu.Lock()
	if i != nil {
		b.freeIters = append(b.freeIters, i)
	}
	b.nActive--
	if b.nActive < 0 {
		vlog.Fatalf("Negative active count for %+v", b)
	}
	b.mu.Unlock()
}

// Return an unused iterator. If b.freeIters is nonempty, this function returns
// one from freeIters. Else, it opens the BAM file, creates a BAM reader and
// returns an iterator containing them. On error, returns an iterator with
// non-nil err field.
func (b *BAMProvider) allocateIterator() *bamIterator {
	b.mu.Lock()
	b.nActive++
	if len(b.freeIters) > 0 {
		iter := b.freeIters[len(b.freeIters)-1]
		iter.active = true
		iter.err = nil
		iter.next = nil
		b.freeIters = b.freeIters[:len(b.freeIters)-1]
		b.mu.Unlock()
		return iter
	}
	b.mu.Unlock()

	iter := bamIterator{
		provider: b,
		active:   true,
	}
	ctx := vcontext.Background()
	if iter.in, iter.err = file.Open(ctx, b.Path); iter.err != nil {
		return &iter
	}
	if iter.reader, iter.err = hbam.NewReader(iter.in.Reader(ctx), 1); iter.err != nil {
		return &iter
	}
	iter.firstRecord = iter.reader.LastChunk().End

	indexIn, err := file.Open(ctx, b.indexPath())
	if err != nil {
		b.warnNoIndex(err)
		return &iter
	}
	defer indexIn.Close(ctx) // nolint: errcheck
	if iter.index, iter.err = hbam.ReadIndex(indexIn.Reader(ctx)); iter.err != nil {
		return &iter
	}
	return &iter
}

func (b *BAMProvider) warnNoIndex(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.warnedNoIx {
		log.Printf("bamprovider: %s: no usable index (%v), falling back to sequential scans", b.Path, err)
		b.warnedNoIx = true
	}
}

// NewIterator implements the Provider interface.
func (b *BAMProvider) NewIterator(shard bam.Shard) Iterator {
	iter := b.allocateIterator()
	if iter.err != nil {
		return iter
	}
	if shard.StartRef == nil || shard.EndRef == nil || shard.StartRef.ID() != shard.EndRef.ID() {
		iter.err = fmt.Errorf("bamprovider: start and limit ref must be the same, but got %v, %v",
			shard.StartRef, shard.EndRef)
		return iter
	}
	iter.reset(shard.StartRef, shard.PaddedStart(), shard.PaddedEnd())
	return iter
}

// Reset the iterator to read the range [<ref,startPos>, <ref, endPos>).
func (i *bamIterator) reset(ref *sam.Reference, startPos, endPos int) {
	i.startAddr = bam.NewCoord(ref, startPos)
	i.limitAddr = bam.NewCoord(ref, endPos)
	if i.startAddr.GE(i.limitAddr) {
		i.err = fmt.Errorf("start coord (%v) not before limit coord (%v)", i.startAddr, i.limitAddr)
		return
	}
	offset := i.firstRecord
	if i.index != nil {
		chunks, err := i.index.Chunks(ref, startPos, endPos)
		if err == index.ErrInvalid || (err == nil && len(chunks) == 0) {
			// No reads for this interval.
			i.err = io.EOF
			return
		}
		if err != nil {
			i.err = err
			return
		}
		offset = chunks[0].Begin
	}
	i.err = i.reader.Seek(offset)
}

// Err implements the Iterator interface.
func (i *bamIterator) Err() error {
	if i.err == io.EOF {
		return nil
	}
	return i.err
}

// Close implements the Iterator interface.
func (i *bamIterator) Close() error {
	err := i.Err()
	i.provider.freeIterator(i)
	return err
}

func (i *bamIterator) Scan() bool {
	if !i.active {
		vlog.Fatal("Reusing iterator")
	}
	if i.err != nil {
		return false
	}
	for {
		i.next, i.err = i.reader.Read()
		if i.err != nil {
			return false
		}
		recAddr := bam.CoordFromSAMRecord(i.next)
		if recAddr.LT(i.startAddr) {
			continue
		}
		if !recAddr.LT(i.limitAddr) {
			i.err = io.EOF
			return false
		}
		return true
	}
}

func (i *bamIterator) Record() *sam.Record {
	return i.next
}

func (i *bamIterator) internalClose() {
	if i.reader != nil {
		if err := i.reader.Close(); err != nil && i.err == nil {
			i.err = err
		}
		i.reader = nil
	}
	if i.in != nil {
		if err := i.in.Close(vcontext.Background()); err != nil && i.err == nil {
			i.err = err
		}
		i.in = nil
	}
	i.provider.err.Set(i.Err())
}
