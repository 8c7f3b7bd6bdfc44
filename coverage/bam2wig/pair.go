// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package bam2wig

import (
	"container/heap"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/unsafe"
	"github.com/grailbio/hts/sam"
)

const numMateShards = 64

// pendingMate is a leftmost mate waiting for its partner.
type pendingMate struct {
	rec  *sam.Record
	done bool
}

// mateTable pairs up the mates of one chromosome.  Records arrive in
// coordinate order; the leftmost mate waits in the table until its partner
// arrives.  A waiting mate whose partner's position has been passed is an
// orphan.
//
// mateTable is owned by one worker and is not thread safe.
type mateTable struct {
	shards [numMateShards]map[string]*pendingMate
	// fifo holds pending mates in arrival order, hence in nondecreasing
	// position order.  Entries before head have been consumed.
	fifo []*pendingMate
	head int
	// due orders pending mates by the position of their partner.
	due     dueHeap
	pending int
	orphans int64
}

type dueHeap []*pendingMate

func (h dueHeap) Len() int            { return len(h) }
func (h dueHeap) Less(i, j int) bool  { return h[i].rec.MatePos < h[j].rec.MatePos }
func (h dueHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *dueHeap) Push(x interface{}) { *h = append(*h, x.(*pendingMate)) }
func (h *dueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

func newMateTable() *mateTable {
	t := &mateTable{}
	for i := range t.shards {
		t.shards[i] = make(map[string]*pendingMate)
	}
	return t
}

func (t *mateTable) shard(name string) map[string]*pendingMate {
	h := seahash.Sum64(unsafe.StringToBytes(name))
	return t.shards[h%numMateShards]
}

// Match adds samr to the table.  If samr completes a pair, Match returns the
// mate that arrived first.  Otherwise it returns nil, and samr either waits
// for its partner or, if the partner can no longer arrive, is counted as an
// orphan.
func (t *mateTable) Match(samr *sam.Record) *sam.Record {
	t.evict(samr.Pos)
	m := t.shard(samr.Name)
	if p, ok := m[samr.Name]; ok {
		delete(m, samr.Name)
		p.done = true
		t.pending--
		return p.rec
	}
	if samr.MatePos < samr.Pos {
		// The mate was due earlier, and was filtered or is missing.
		t.orphans++
		return nil
	}
	p := &pendingMate{rec: samr}
	m[samr.Name] = p
	t.fifo = append(t.fifo, p)
	heap.Push(&t.due, p)
	t.pending++
	return nil
}

// Expire counts as orphans the pending mates whose partner was due before
// pos.  Positions passed to Expire and Match must not decrease.
func (t *mateTable) Expire(pos int) {
	t.evict(pos)
}

// evict drops pending mates whose partner was due before pos.
func (t *mateTable) evict(pos int) {
	for len(t.due) > 0 {
		p := t.due[0]
		if !p.done {
			if p.rec.MatePos >= pos {
				break
			}
			delete(t.shard(p.rec.Name), p.rec.Name)
			p.done = true
			t.pending--
			t.orphans++
		}
		heap.Pop(&t.due)
	}
	for t.head < len(t.fifo) && t.fifo[t.head].done {
		t.fifo[t.head] = nil
		t.head++
	}
	if t.head > 1024 && t.head > len(t.fifo)/2 {
		n := copy(t.fifo, t.fifo[t.head:])
		t.fifo = t.fifo[:n]
		t.head = 0
	}
}

// OldestPos returns the position of the leftmost pending mate.  ok is false
// if no mate is pending.
func (t *mateTable) OldestPos() (pos int, ok bool) {
	for i := t.head; i < len(t.fifo); i++ {
		if !t.fifo[i].done {
			return t.fifo[i].rec.Pos, true
		}
	}
	return 0, false
}

// Finish counts every still-pending mate as an orphan and empties the
// table.  It returns the total number of orphans.
func (t *mateTable) Finish() int64 {
	t.orphans += int64(t.pending)
	for i := range t.shards {
		t.shards[i] = make(map[string]*pendingMate)
	}
	t.fifo = t.fifo[:0]
	t.head = 0
	t.due = t.due[:0]
	t.pending = 0
	return t.orphans
}
