package interval

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/sam"
	"github.com/klauspost/compress/gzip"
)

// getTokens identifies up to the first len(tokens) tokens from curLine,
// returning the number of tokens saved.  Any (group of) characters <= ' ' is
// treated as a delimiter.
func getTokens(tokens [][]byte, curLine []byte) int {
	posEnd := 0
	lineLen := len(curLine)
	for tokenIdx := range tokens {
		pos := posEnd
		for ; pos != lineLen; pos++ {
			if curLine[pos] > ' ' {
				break
			}
		}
		if pos == lineLen {
			return tokenIdx
		}
		posEnd = pos
		for ; posEnd != lineLen; posEnd++ {
			if curLine[posEnd] <= ' ' {
				break
			}
		}
		tokens[tokenIdx] = curLine[pos:posEnd]
	}
	return len(tokens)
}

// NewBEDOpts defines behavior of this package's BED-loading function(s).
type NewBEDOpts struct {
	// SAMHeader enables ID-based lookup.
	SAMHeader *sam.Header
	// OneBasedInput interprets the BED interval boundaries as one-based [start,
	// end] instead of the usual zero-based [start, end).
	OneBasedInput bool
}

// PosType is BEDUnion's coordinate type.
type PosType int32

const posTypeMax = math.MaxInt32

// searchPosType returns the index of x in a[], or the position where x would
// be inserted if x isn't in a (this could be len(a)).
func searchPosType(a []PosType, x PosType) int {
	return sort.Search(len(a), func(i int) bool { return a[i] >= x })
}

// fwdsearchPosType checks a[idx], then a[idx + 1], then a[idx + 3], then
// a[idx + 7], etc., and then uses binary search to finish the job.  It's
// usually a better choice than searchPosType when iterating.
func fwdsearchPosType(a []PosType, x PosType, idx int) int {
	nextIncr := 1
	startIdx := idx
	endIdx := len(a)
	for idx < endIdx {
		if a[idx] >= x {
			endIdx = idx
			break
		}
		startIdx = idx + 1
		idx += nextIncr
		nextIncr *= 2
	}
	for startIdx < endIdx {
		midIdx := int(uint(startIdx+endIdx) >> 1)
		if a[midIdx] >= x {
			endIdx = midIdx
		} else {
			startIdx = midIdx + 1
		}
	}
	return startIdx
}

// BEDUnion is a collection of length-2N sequences, where N is the number of
// intervals on a chromosome, the (0-based) start position of interval #k is in
// element [2k] and the end position is in element [2k+1], and the intervals
// are stored in increasing order.
//
// A BEDUnion caches its last lookup, so a single instance must not be queried
// concurrently.  Use Clone to give each goroutine its own copy.
type BEDUnion struct {
	// nameMap is a chromosome-keyed map with disjoint-interval-set values.
	// Always initialized.
	nameMap map[string]([]PosType)
	// idMap is an optional slice of disjoint-interval-sets, indexed by
	// sam.Header reference ID.  It is only initialized if NewBEDUnion{FromPath}
	// was called with SAMHeader initialized.
	idMap [][]PosType

	lastChrIntervals []PosType
	// lastChrID is the ID of the last queried chromosome, or -1.
	lastChrID int
	// lastStartPlus1 is 1 plus the last queried start position.
	lastStartPlus1 PosType
	// lastIdx is searchPosType(lastChrIntervals, lastStartPlus1).
	lastIdx int
	// isSequential is true if all queries since the last chromosome change have
	// been in order of nondecreasing position.
	isSequential bool
}

// Empty returns true if the union contains no intervals at all.
func (u *BEDUnion) Empty() bool {
	for _, intervals := range u.nameMap {
		if len(intervals) > 0 {
			return false
		}
	}
	return true
}

// lookup returns the index of the first endpoint > start, reusing the previous
// search position for nondecreasing queries.
func (u *BEDUnion) lookup(chrID int, start PosType) int {
	startPlus1 := start + 1
	if chrID != u.lastChrID {
		u.lastChrID = chrID
		u.lastChrIntervals = nil
		if chrID < len(u.idMap) {
			u.lastChrIntervals = u.idMap[chrID]
		}
		u.lastIdx = searchPosType(u.lastChrIntervals, startPlus1)
		u.lastStartPlus1 = startPlus1
		u.isSequential = true
		return u.lastIdx
	}
	if u.isSequential {
		if startPlus1 >= u.lastStartPlus1 {
			u.lastIdx = fwdsearchPosType(u.lastChrIntervals, startPlus1, u.lastIdx)
			u.lastStartPlus1 = startPlus1
			return u.lastIdx
		}
		u.isSequential = false
	}
	return searchPosType(u.lastChrIntervals, startPlus1)
}

// OverlapsByID checks whether the half-open interval [start, end) on the
// given chromosome shares at least one position with the BEDUnion.  Queries
// with nondecreasing start positions are cheapest.
func (u *BEDUnion) OverlapsByID(chrID int, start, end PosType) bool {
	if end <= start {
		return false
	}
	idx := u.lookup(chrID, start)
	if idx&1 == 1 {
		return true
	}
	return idx < len(u.lastChrIntervals) && u.lastChrIntervals[idx] < end
}

func initBEDUnion() (bedUnion BEDUnion) {
	bedUnion.nameMap = make(map[string]([]PosType))
	bedUnion.lastChrID = -1
	return
}

func (u *BEDUnion) nameToIDData(header *sam.Header) {
	samRefs := header.Refs()
	u.idMap = make([][]PosType, len(samRefs))
	for refID, ref := range samRefs {
		if refID != ref.ID() {
			panic("internal error: sam.header ref.ID != array position")
		}
		u.idMap[refID] = u.nameMap[ref.Name()]
	}
}

// isBEDMetaLine returns true for comment, track and browser lines.
func isBEDMetaLine(firstToken []byte) bool {
	if firstToken[0] == '#' {
		return true
	}
	s := gunsafe.BytesToString(firstToken)
	return s == "track" || s == "browser"
}

// bedBuilder accumulates the intervals of one chromosome, merging touching
// and overlapping ones.
type bedBuilder struct {
	chrom     string
	intervals []PosType
	nBases    int
}

func (b *bedBuilder) add(start, end PosType) error {
	if end == start {
		return nil
	}
	if n := len(b.intervals); n > 0 {
		if start < b.intervals[n-2] {
			return fmt.Errorf("interval.scanBEDUnion: unsorted input")
		}
		if last := b.intervals[n-1]; start <= last {
			if end > last {
				b.nBases += int(end - last)
				b.intervals[n-1] = end
			}
			return nil
		}
	}
	b.intervals = append(b.intervals, start, end)
	b.nBases += int(end - start)
	return nil
}

// parseBEDRange parses the start and end columns of a BED line.
func parseBEDRange(startTok, endTok []byte, startSubtract int) (start, end PosType, err error) {
	s, err := strconv.Atoi(gunsafe.BytesToString(startTok))
	if err != nil {
		return
	}
	if s -= startSubtract; s < 0 {
		err = fmt.Errorf("negative start coordinate %s", startTok)
		return
	}
	e, err := strconv.Atoi(gunsafe.BytesToString(endTok))
	if err != nil {
		return
	}
	if e < s || e >= posTypeMax {
		err = fmt.Errorf("invalid coordinate pair %s %s", startTok, endTok)
		return
	}
	return PosType(s), PosType(e), nil
}

func scanBEDUnion(scanner *bufio.Scanner, opts NewBEDOpts) (bedUnion BEDUnion, err error) {
	bedUnion = initBEDUnion()
	startSubtract := 0
	if opts.OneBasedInput {
		startSubtract = 1
	}
	var (
		tokens     [3][]byte
		cur        *bedBuilder
		start, end PosType
		totBases   int
	)
	flush := func() {
		if cur != nil {
			bedUnion.nameMap[cur.chrom] = cur.intervals
			totBases += cur.nBases
		}
	}
	for lineIdx := 1; scanner.Scan(); lineIdx++ {
		nToken := getTokens(tokens[:], scanner.Bytes())
		if nToken == 0 || isBEDMetaLine(tokens[0]) {
			continue
		}
		if nToken != 3 {
			err = fmt.Errorf("interval.scanBEDUnion: line %d has fewer tokens than expected", lineIdx)
			return
		}
		if start, end, err = parseBEDRange(tokens[1], tokens[2], startSubtract); err != nil {
			err = fmt.Errorf("interval.scanBEDUnion: line %d: %v", lineIdx, err)
			return
		}
		if cur == nil || cur.chrom != gunsafe.BytesToString(tokens[0]) {
			flush()
			// tokens[0] points into the scanner buffer.
			chrom := string(tokens[0])
			if _, found := bedUnion.nameMap[chrom]; found {
				err = fmt.Errorf("interval.scanBEDUnion: unsorted input (split chromosome %s)", chrom)
				return
			}
			cur = &bedBuilder{chrom: chrom, intervals: []PosType{}}
		}
		if err = cur.add(start, end); err != nil {
			return
		}
	}
	if err = scanner.Err(); err != nil {
		return
	}
	flush()
	log.Printf("BED loaded, %d base(s) covered.", totBases)
	return
}

// NewBEDUnion loads just the intervals from a sorted (by first coordinate)
// interval-BED, merging touching/overlapping intervals and eliminating empty
// ones in the process.  Comment, track and browser lines are skipped.
func NewBEDUnion(reader io.Reader, opts NewBEDOpts) (bedUnion BEDUnion, err error) {
	scanner := bufio.NewScanner(reader)
	if bedUnion, err = scanBEDUnion(scanner, opts); err != nil {
		return
	}
	if opts.SAMHeader != nil {
		bedUnion.nameToIDData(opts.SAMHeader)
	}
	return
}

// NewBEDUnionFromPath is a wrapper for NewBEDUnion that takes a path instead
// of an io.Reader.  Paths ending in .gz are decompressed.
func NewBEDUnionFromPath(path string, opts NewBEDOpts) (bedUnion BEDUnion, err error) {
	ctx := vcontext.Background()
	var infile file.File
	if infile, err = file.Open(ctx, path); err != nil {
		return
	}
	defer func() {
		if cerr := infile.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	reader := io.Reader(infile.Reader(ctx))
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		if reader, err = gzip.NewReader(reader); err != nil {
			return
		}
	}
	return NewBEDUnion(reader, opts)
}

// Clone returns a copy of the BEDUnion with an independent lookup cache.  The
// interval slices themselves are shared, since they are never modified after
// loading.
func (u *BEDUnion) Clone() (bedUnion BEDUnion) {
	bedUnion.nameMap = u.nameMap
	bedUnion.idMap = u.idMap
	bedUnion.lastChrID = -1
	return
}
