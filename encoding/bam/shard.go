// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam

import (
	"fmt"
	"math"

	"github.com/grailbio/hts/sam"
)

// Coord is a <refid, pos> pair.  Unmapped records sort after every mapped
// record, with RefID=UnmappedRefID and Pos=0.
type Coord struct {
	RefID int
	Pos   int
}

// UnmappedRefID is the Coord.RefID of unmapped records.
const UnmappedRefID = math.MaxInt32

// Compare returns a negative, zero or positive value depending on whether c
// sorts before, equal to or after o.
func (c Coord) Compare(o Coord) int {
	if c.RefID != o.RefID {
		return c.RefID - o.RefID
	}
	return c.Pos - o.Pos
}

// LT returns true if c < o.
func (c Coord) LT(o Coord) bool { return c.Compare(o) < 0 }

// GE returns true if c >= o.
func (c Coord) GE(o Coord) bool { return c.Compare(o) >= 0 }

func (c Coord) String() string {
	return fmt.Sprintf("%d:%d", c.RefID, c.Pos)
}

// NewCoord generates a Coord from the given parameters.  A nil ref yields the
// unmapped coordinate.
func NewCoord(ref *sam.Reference, pos int) Coord {
	if ref == nil {
		// Pos for unmapped reads is meaningless.
		return Coord{RefID: UnmappedRefID}
	}
	return Coord{RefID: ref.ID(), Pos: pos}
}

// CoordFromSAMRecord computes the Coord of the record's alignment start.
func CoordFromSAMRecord(rec *sam.Record) Coord {
	return NewCoord(rec.Ref, rec.Pos)
}

// Shard represents a genomic interval. The <StartRef,Start> and <EndRef,End>
// coordinates form a half-open, 0-based interval. An iterator for such a range
// will return reads whose start positions fall within that range.
//
// Padding must be >=0. It expands the read range to [PaddedStart, PaddedEnd),
// where PaddedStart=max(0, Start-Padding) and PaddedEnd=min(EndRef.Len(),
// End+Padding)).
type Shard struct {
	StartRef *sam.Reference
	EndRef   *sam.Reference
	Start    int
	End      int

	Padding  int
	ShardIdx int
}

// RefShard creates a Shard that covers [start, end) on a single reference.
func RefShard(ref *sam.Reference, start, end int) Shard {
	return Shard{StartRef: ref, EndRef: ref, Start: start, End: end}
}

// PaddedStart computes the effective start of the range to read, including
// padding.
func (s *Shard) PaddedStart() int {
	return max(0, s.Start-s.Padding)
}

// PaddedEnd computes the effective limit of the range to read, including
// padding.
func (s *Shard) PaddedEnd() int {
	if s.EndRef == nil {
		// Unmapped reads are all at position 0, so limit can be any positive value.
		return min(math.MaxInt32, s.End+s.Padding)
	}
	return min(s.EndRef.Len(), s.End+s.Padding)
}

// StartCoord returns the padded start of the shard.
func (s *Shard) StartCoord() Coord {
	return NewCoord(s.StartRef, s.PaddedStart())
}

// EndCoord returns the padded limit of the shard.
func (s *Shard) EndCoord() Coord {
	return NewCoord(s.EndRef, s.PaddedEnd())
}

// RecordInShard returns true if r is in s+padding.
func (s *Shard) RecordInShard(r *sam.Record) bool {
	coord := CoordFromSAMRecord(r)
	return !coord.LT(s.StartCoord()) && coord.LT(s.EndCoord())
}

// String returns a debug string for s.
func (s *Shard) String() string {
	return fmt.Sprintf("%d:(%s[%d],%d(%d))-(%s[%d],%d(%d))",
		s.ShardIdx, s.StartRef.Name(), s.StartRef.ID(), s.Start, s.PaddedStart(),
		s.EndRef.Name(), s.EndRef.ID(), s.End, s.PaddedEnd())
}

func min(x, y int) int {
	if y < x {
		return y
	}
	return x
}

func max(x, y int) int {
	if y > x {
		return y
	}
	return x
}
