package interval

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
)

const testBED = `track name=blacklist
chr1	100	200
chr1	150	250
chr1	400	500
chr2	0	0
chr3	10	20
`

func testHeader(t *testing.T) *sam.Header {
	var refs []*sam.Reference
	for _, name := range []string{"chr1", "chr2", "chr3", "chr4"} {
		ref, err := sam.NewReference(name, "", "", 1000, nil, nil)
		assert.NoError(t, err)
		refs = append(refs, ref)
	}
	header, err := sam.NewHeader(nil, refs)
	assert.NoError(t, err)
	return header
}

func TestLoadSortedBEDIntervals(t *testing.T) {
	u, err := NewBEDUnion(strings.NewReader(testBED), NewBEDOpts{})
	assert.NoError(t, err)
	expect.EQ(t, u.nameMap, map[string]([]PosType){
		"chr1": {100, 250, 400, 500},
		"chr2": {},
		"chr3": {10, 20},
	})
	expect.False(t, u.Empty())

	u, err = NewBEDUnion(strings.NewReader("chr1\t1\t10\n"), NewBEDOpts{OneBasedInput: true})
	assert.NoError(t, err)
	expect.EQ(t, u.nameMap["chr1"], []PosType{0, 10})

	_, err = NewBEDUnion(strings.NewReader("chr1\t100\t200\nchr2\t1\t2\nchr1\t300\t400\n"), NewBEDOpts{})
	expect.HasSubstr(t, err.Error(), "unsorted")
	_, err = NewBEDUnion(strings.NewReader("chr1\t100\n"), NewBEDOpts{})
	expect.HasSubstr(t, err.Error(), "fewer tokens")
}

func TestOverlapsByID(t *testing.T) {
	u, err := NewBEDUnion(strings.NewReader(testBED), NewBEDOpts{SAMHeader: testHeader(t)})
	assert.NoError(t, err)
	tests := []struct {
		chrID      int
		start, end PosType
		want       bool
	}{
		{0, 0, 100, false},
		{0, 0, 101, true},
		{0, 120, 130, true},
		{0, 249, 260, true},
		{0, 250, 400, false},
		{0, 499, 600, true},
		{0, 500, 600, false},
		{1, 0, 1000, false},
		{2, 15, 16, true},
		{3, 0, 1000, false},
		// Out-of-order query after the sequential ones.
		{0, 90, 110, true},
	}
	for _, tt := range tests {
		expect.EQ(t, u.OverlapsByID(tt.chrID, tt.start, tt.end), tt.want, "%+v", tt)
	}
	c := u.Clone()
	expect.True(t, c.OverlapsByID(0, 100, 101))
	expect.False(t, c.OverlapsByID(0, 250, 251))
	expect.True(t, c.OverlapsByID(2, 19, 20))
	expect.False(t, c.OverlapsByID(3, 19, 20))
}

func TestNewBEDUnionFromGzipPath(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	path := filepath.Join(tmpdir, "blacklist.bed.gz")
	f, err := os.Create(path)
	assert.NoError(t, err)
	w := gzip.NewWriter(f)
	_, err = w.Write([]byte(testBED))
	assert.NoError(t, err)
	assert.NoError(t, w.Close())
	assert.NoError(t, f.Close())

	u, err := NewBEDUnionFromPath(path, NewBEDOpts{})
	assert.NoError(t, err)
	expect.EQ(t, u.nameMap["chr1"], []PosType{100, 250, 400, 500})
}
