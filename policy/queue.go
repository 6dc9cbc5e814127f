// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package policy

// pickHandle identifies a queued request's slot in a pickQueue. The
// zero value means not queued; slot numbers are 1-based so the zero
// value stays distinct. The generation guards against a recycled slot
// matching a stale handle.
type pickHandle struct {
	slot int32
	gen  uint32
}

// pickQueue holds the not-yet-completed pick requests of one policy in
// FIFO submission order. Entries live in a slot arena addressed by
// stable handles instead of pointers linked through the requests; the
// queue stores identity only and never owns a request. Only the
// serialization domain touches it, so it needs no locking.
type pickQueue struct {
	slots []pickSlot
	free  []int32 // 1-based slot numbers available for reuse
	head  int32   // 1-based; 0 when empty
	tail  int32
	size  int
	gen   uint32
}

type pickSlot struct {
	req  *PickRequest
	gen  uint32
	next int32
	prev int32
}

func (q *pickQueue) len() int {
	return q.size
}

// enqueue links req at the tail and records its handle.
func (q *pickQueue) enqueue(req *PickRequest) {
	var slot int32
	if n := len(q.free); n > 0 {
		slot = q.free[n-1]
		q.free = q.free[:n-1]
	} else {
		q.slots = append(q.slots, pickSlot{})
		slot = int32(len(q.slots))
	}
	q.gen++
	entry := &q.slots[slot-1]
	entry.req = req
	entry.gen = q.gen
	entry.next = 0
	entry.prev = q.tail
	if q.tail != 0 {
		q.slots[q.tail-1].next = slot
	} else {
		q.head = slot
	}
	q.tail = slot
	q.size++
	req.handle = pickHandle{slot: slot, gen: q.gen}
}

// contains reports whether req is currently queued here.
func (q *pickQueue) contains(req *PickRequest) bool {
	handle := req.handle
	if handle.slot <= 0 || int(handle.slot) > len(q.slots) {
		return false
	}
	entry := &q.slots[handle.slot-1]
	return entry.gen == handle.gen && entry.req == req
}

// remove unlinks req if it is queued, reporting whether it was.
func (q *pickQueue) remove(req *PickRequest) bool {
	if !q.contains(req) {
		return false
	}
	q.unlink(req.handle.slot)
	req.handle = pickHandle{}
	return true
}

// drain removes every queued request, returning them in FIFO order.
func (q *pickQueue) drain() []*PickRequest {
	if q.size == 0 {
		return nil
	}
	reqs := make([]*PickRequest, 0, q.size)
	for slot := q.head; slot != 0; {
		entry := &q.slots[slot-1]
		next := entry.next
		entry.req.handle = pickHandle{}
		reqs = append(reqs, entry.req)
		slot = next
	}
	q.slots = q.slots[:0]
	q.free = q.free[:0]
	q.head = 0
	q.tail = 0
	q.size = 0
	return reqs
}

// drainMatching removes and returns, in FIFO order, every queued
// request whose flags satisfy flags&mask == match.
func (q *pickQueue) drainMatching(mask, match uint32) []*PickRequest {
	var reqs []*PickRequest
	for slot := q.head; slot != 0; {
		entry := &q.slots[slot-1]
		next := entry.next
		if entry.req.Flags&mask == match {
			req := entry.req
			req.handle = pickHandle{}
			q.unlink(slot)
			reqs = append(reqs, req)
		}
		slot = next
	}
	return reqs
}

func (q *pickQueue) unlink(slot int32) {
	entry := &q.slots[slot-1]
	if entry.prev != 0 {
		q.slots[entry.prev-1].next = entry.next
	} else {
		q.head = entry.next
	}
	if entry.next != 0 {
		q.slots[entry.next-1].prev = entry.prev
	} else {
		q.tail = entry.prev
	}
	entry.req = nil
	entry.next = 0
	entry.prev = 0
	q.free = append(q.free, slot)
	q.size--
}
