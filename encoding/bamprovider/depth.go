package bamprovider

import (
	"container/heap"
	"fmt"

	"github.com/grailbio/hts/sam"
)

// DepthFunc receives one run of constant read depth covering the half-open
// interval [start, end).
type DepthFunc func(start, end int, depth int) error

type depthEvent struct {
	pos   int
	delta int
}

type depthEvents []depthEvent

func (h depthEvents) Len() int            { return len(h) }
func (h depthEvents) Less(i, j int) bool  { return h[i].pos < h[j].pos }
func (h depthEvents) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *depthEvents) Push(x interface{}) { *h = append(*h, x.(depthEvent)) }
func (h *depthEvents) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// depthState turns a coordinate-sorted stream of aligned intervals into runs
// of constant depth.
type depthState struct {
	events depthEvents
	cursor int
	depth  int
	fn     DepthFunc

	// Pending run, merged with the next one when the depth is unchanged.
	runStart, runEnd, runDepth int
}

func (s *depthState) emit(start, end, depth int) error {
	if start == end {
		return nil
	}
	if s.runEnd == start && s.runDepth == depth {
		s.runEnd = end
		return nil
	}
	if s.runEnd > s.runStart {
		if err := s.fn(s.runStart, s.runEnd, s.runDepth); err != nil {
			return err
		}
	}
	s.runStart, s.runEnd, s.runDepth = start, end, depth
	return nil
}

// advance emits every position before upto.  No interval added later may start
// before upto.
func (s *depthState) advance(upto int) error {
	for s.cursor < upto {
		for len(s.events) > 0 && s.events[0].pos <= s.cursor {
			s.depth += heap.Pop(&s.events).(depthEvent).delta
		}
		next := upto
		if len(s.events) > 0 && s.events[0].pos < next {
			next = s.events[0].pos
		}
		if err := s.emit(s.cursor, next, s.depth); err != nil {
			return err
		}
		s.cursor = next
	}
	return nil
}

func (s *depthState) add(start, end int) {
	if end <= start {
		return
	}
	heap.Push(&s.events, depthEvent{start, 1})
	heap.Push(&s.events, depthEvent{end, -1})
}

func (s *depthState) finish(refLen int) error {
	if err := s.advance(refLen); err != nil {
		return err
	}
	if s.runEnd > s.runStart {
		return s.fn(s.runStart, s.runEnd, s.runDepth)
	}
	return nil
}

// Depth computes the per-base read depth of the named reference, and calls fn
// for consecutive runs of constant depth that together cover [0, reference
// length) in order.  Matches, mismatches and deletions count as covered;
// skipped regions (CIGAR N), insertions and clips do not.  Only unmapped
// records are excluded: no mapping-quality or flag filter is applied.
//
// Depth returns the number of records that contributed.
func Depth(p Provider, refName string, fn DepthFunc) (nRecords int64, err error) {
	h, err := p.GetHeader()
	if err != nil {
		return 0, err
	}
	ref := RefByName(h, refName)
	if ref == nil {
		return 0, fmt.Errorf("bamprovider.Depth: reference '%s' not found", refName)
	}
	refLen := ref.Len()
	iter := NewRefIterator(p, refName, 0, refLen)
	defer func() {
		if e := iter.Close(); e != nil && err == nil {
			err = e
		}
	}()
	s := depthState{fn: fn}
	for iter.Scan() {
		r := iter.Record()
		if r.Flags&sam.Unmapped != 0 {
			continue
		}
		if err = s.advance(r.Pos); err != nil {
			return nRecords, err
		}
		nRecords++
		start := r.Pos
		pos := r.Pos
		for _, co := range r.Cigar {
			switch co.Type() {
			case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch, sam.CigarDeletion:
				pos += co.Len()
			case sam.CigarSkipped:
				s.add(start, min(pos, refLen))
				pos += co.Len()
				start = pos
			}
		}
		s.add(start, min(pos, refLen))
	}
	if err = iter.Err(); err != nil {
		return nRecords, err
	}
	return nRecords, s.finish(refLen)
}

func min(x, y int) int {
	if y < x {
		return y
	}
	return x
}
