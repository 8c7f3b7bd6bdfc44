package bam2wig

import (
	"testing"

	"github.com/grailbio/testutil/expect"
)

func TestIntervalSet(t *testing.T) {
	var s intervalSet
	collect := func() [][2]int {
		var out [][2]int
		s.Do(func(start, end int) { out = append(out, [2]int{start, end}) })
		return out
	}
	s.Add(10, 20)
	s.Add(30, 40)
	s.Add(5, 5)
	expect.EQ(t, collect(), [][2]int{{10, 20}, {30, 40}})

	// Touching intervals coalesce.
	s.Add(20, 25)
	expect.EQ(t, collect(), [][2]int{{10, 25}, {30, 40}})

	// Contained interval.
	s.Add(12, 18)
	expect.EQ(t, s.Len(), 2)

	// Bridging several intervals.
	s.Add(50, 60)
	s.Add(0, 55)
	expect.EQ(t, collect(), [][2]int{{0, 60}})

	s.Reset()
	expect.EQ(t, s.Len(), 0)
	s.Add(3, 4)
	expect.EQ(t, collect(), [][2]int{{3, 4}})
}
