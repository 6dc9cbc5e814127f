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

import (
	"container/heap"
	"context"
	"fmt"
	"math/bits"
	"sync"

	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/internal/conns"
	"github.com/bufbuild/rpclb/rlog"
	"github.com/bytedance/gopkg/lang/fastrand"
)

// LeastLoadedName is the name under which the least-loaded policy is
// registered.
const LeastLoadedName = "least_loaded"

// InFlightLoad is recorded in the CallContext of every pick completed
// by a load-aware policy (least-loaded and power-of-two). It reports
// the number of calls in flight on the chosen connection, including
// the call being placed.
//
//nolint:gochecknoglobals
var InFlightLoad = attribute.NewKey[int64]()

func init() {
	Register(leastLoadedBuilder{})
}

type leastLoadedBuilder struct{}

func (leastLoadedBuilder) Name() string {
	return LeastLoadedName
}

func (leastLoadedBuilder) Build(opts BuildOptions) Policy {
	policy := &leastLoaded{loads: newLoadHeap(nil)}
	policy.init(LeastLoadedName, opts)
	policy.group = newConnGroup(opts.Domain, opts.Pool, policy.onConnChange)
	if !opts.Update.IsZero() {
		if err := policy.Update(opts.Update); err != nil {
			rlog.Warnf("%s: initial update: %v", LeastLoadedName, err)
		}
	}
	return policy
}

type leastLoadedConfig struct {
	// TieBreak selects how connections with equal load are ordered:
	// "round_robin" (the default) cycles through them sequentially,
	// "random" picks among them at random.
	TieBreak string `json:"tieBreak"`
}

// leastLoaded connects to every resolved address and completes each
// pick with the ready connection carrying the fewest in-flight calls.
// A call counts against its connection from pick completion until the
// call layer delivers trailers for it, so accounting relies on the
// trailer hook firing once per completed pick.
type leastLoaded struct {
	core
	group *connGroup

	randomTie bool
	readySet  conns.Set

	// loadMu guards the heap because trailer hooks release load from
	// whatever goroutine finishes the call, outside the policy's
	// serialization domain.
	loadMu sync.Mutex
	// +checklocks:loadMu
	loads *loadHeap
	// +checklocks:loadMu
	counter uint64
}

// Update implements part of the Policy interface.
func (p *leastLoaded) Update(update Update) error {
	if p.closed {
		return ErrPolicyClosed
	}
	var cfg leastLoadedConfig
	if len(update.Config) > 0 {
		if err := json.Unmarshal(update.Config, &cfg); err != nil {
			return p.configFailure(&ConfigError{Policy: LeastLoadedName, Err: err})
		}
	}
	switch cfg.TieBreak {
	case "", "round_robin":
		p.randomTie = false
	case "random":
		p.randomTie = true
	default:
		return p.configFailure(&ConfigError{
			Policy: LeastLoadedName,
			Err:    fmt.Errorf("unknown tieBreak %q", cfg.TieBreak),
		})
	}

	p.group.setAddresses(update.Addresses)
	p.setConnRefs(p.group.ordered())

	if p.group.size() == 0 {
		p.replaceReady(nil, nil)
		p.setState(connectivity.TransientFailure, ErrNoResolverAddresses)
		p.CancelMatchingPicks(PickFlagWaitForReady, 0, ErrNoResolverAddresses)
		p.tryReresolution(ErrNoResolverAddresses)
		return ErrNoResolverAddresses
	}
	p.recompute()
	return nil
}

func (p *leastLoaded) configFailure(cfgErr *ConfigError) error {
	p.setState(connectivity.TransientFailure, cfgErr)
	p.CancelMatchingPicks(PickFlagWaitForReady, 0, cfgErr)
	return cfgErr
}

// Pick implements part of the Policy interface.
func (p *leastLoaded) Pick(req *PickRequest) (PickResult, error) {
	if p.closed {
		return PickComplete, ErrPolicyClosed
	}
	if p.completeLeastLoaded(req) {
		return PickComplete, nil
	}
	if state, err := p.tracker.get(); state == connectivity.TransientFailure && req.Flags&PickFlagWaitForReady == 0 {
		if err == nil {
			err = ErrNoReadyConnections
		}
		return PickComplete, err
	}
	return p.queuePick(req)
}

// ExitIdle implements part of the Policy interface.
func (p *leastLoaded) ExitIdle() {
	if p.closed {
		return
	}
	if state, _ := p.tracker.get(); state != connectivity.Idle {
		return
	}
	p.connectIdle()
}

// ResetBackoff implements part of the Policy interface.
func (p *leastLoaded) ResetBackoff() {
	for _, c := range p.group.ordered() {
		c.ResetBackoff()
	}
}

// Close implements part of the Policy interface.
func (p *leastLoaded) Close() {
	if !p.markClosed() {
		return
	}
	p.group.clear()
	p.setConnRefs(nil)
	p.replaceReady(nil, nil)
	p.setState(connectivity.Shutdown, ErrPolicyClosed)
}

func (p *leastLoaded) onConnChange(_ context.Context, _ conn.Conn) {
	if p.closed {
		return
	}
	p.recompute()
}

func (p *leastLoaded) recompute() {
	p.connectIdle()

	state, err := p.group.aggregate()
	readyNow := p.group.readyConns(nil)
	readySet := conns.SetFromSlice(readyNow)
	if !readySet.Equals(p.readySet) {
		p.replaceReady(readyNow, readySet)
	}

	prev, _ := p.tracker.get()
	p.setState(state, err)
	if state == connectivity.TransientFailure && prev != connectivity.TransientFailure {
		if err == nil {
			err = ErrNoReadyConnections
		}
		p.CancelMatchingPicks(PickFlagWaitForReady, 0, err)
		p.tryReresolution(err)
	}

	if len(readyNow) > 0 {
		for _, req := range p.flushQueue() {
			p.completeLeastLoaded(req)
			p.dispatchCompletion(req, nil)
		}
	}
}

func (p *leastLoaded) connectIdle() {
	for _, c := range p.group.ordered() {
		if status, ok := p.group.connState(c); ok && status.state == connectivity.Idle {
			c.Connect()
		}
	}
}

// replaceReady swaps the heap membership. Entries for connections that
// remain ready keep their in-flight counts across the swap.
func (p *leastLoaded) replaceReady(ready []conn.Conn, readySet conns.Set) {
	p.readySet = readySet
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	p.loads.update(conns.FromSlice(ready))
}

// completeLeastLoaded fills req's outputs from the least-loaded ready
// connection. It reports false when no connection is ready.
func (p *leastLoaded) completeLeastLoaded(req *PickRequest) bool {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if p.loads.Len() == 0 {
		return false
	}
	tieBreak := fastrand.Uint64()
	if !p.randomTie {
		p.counter++
		tieBreak = p.counter
	}
	entry := p.loads.acquire(tieBreak)
	req.Conn = entry.conn
	req.CallContext = attribute.NewValues(InFlightLoad.Value(int64(entry.load)))
	req.ObserveTrailers(func(Metadata) {
		p.loadMu.Lock()
		defer p.loadMu.Unlock()
		p.loads.release(entry)
	})
	return true
}

//nolint:recvcheck // mix of pointer and non-pointer receiver methods is intentional
type loadHeap []*loadHeapItem

type loadHeapItem struct {
	conn     conn.Conn
	load     uint64
	tieBreak uint64
	index    int
}

func newLoadHeap(allConns conn.Conns) *loadHeap {
	var length int
	if allConns != nil {
		length = allConns.Len()
	}
	items := make([]*loadHeapItem, length)
	newHeap := loadHeap(items)
	for i := range items {
		items[i] = &loadHeapItem{
			conn:  allConns.Get(i),
			index: i,
		}
	}
	heap.Init(&newHeap)
	return &newHeap
}

func (h *loadHeap) update(allConns conn.Conns) {
	newMap := map[conn.Conn]struct{}{}
	for i, l := 0, allConns.Len(); i < l; i++ {
		newMap[allConns.Get(i)] = struct{}{}
	}
	j := 0 //nolint:varnamelen
	slice := *h
	// Remove items from slice that aren't in the new set of conns,
	// compacting the slice as we go.
	for i, item := range slice {
		if _, ok := newMap[item.conn]; ok {
			delete(newMap, item.conn)
			if i != j {
				item.index = j
				(*h)[j] = item
			}
			j++
		} else {
			// If there are pending calls on this one, make sure it
			// knows it's been evicted.
			item.index = -1
		}
	}
	newLen := j + len(newMap)
	if j == len(slice) {
		// No items removed, so we haven't broken any heap invariants.
		if len(newMap) == 0 {
			return
		}
		// If we don't have too many items to add, just heap.Push them
		// and return.
		threshold := newLen / bits.Len(uint(newLen))
		// Push is O(log n). Init (aka heapify) is O(n). So threshold
		// is (n / log n). If there are more items than that, it's
		// better to fall through below and re-init.
		if len(newMap) <= threshold {
			for cn := range newMap {
				heap.Push(h, &loadHeapItem{conn: cn})
			}
			return
		}
	} else if len(slice) > newLen {
		// Make sure we don't leak memory with dangling pointers
		// in unused regions of the slice.
		for i := range slice[newLen:] {
			slice[newLen+i] = nil
		}
	}
	// Now add remaining new connections.
	slice = slice[:j]
	for cn := range newMap {
		slice = append(slice, &loadHeapItem{conn: cn, index: len(slice)})
	}
	*h = slice
	// Re-heapify
	heap.Init(h)
}

func (h *loadHeap) acquire(nextTieBreak uint64) *loadHeapItem {
	entry := (*h)[0]
	entry.load++
	entry.tieBreak = nextTieBreak
	heap.Fix(h, entry.index)
	return entry
}

func (h *loadHeap) release(entry *loadHeapItem) {
	entry.load--
	if entry.index != -1 {
		heap.Fix(h, entry.index)
	}
}

func (h loadHeap) Len() int { return len(h) }

func (h loadHeap) Less(i, j int) bool {
	if h[i].load == h[j].load {
		return h[i].tieBreak < h[j].tieBreak
	}
	return h[i].load < h[j].load
}

func (h loadHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *loadHeap) Push(x any) {
	n := len(*h)
	item := x.(*loadHeapItem) //nolint:forcetypeassert,errcheck
	item.index = n
	*h = append(*h, item)
}

func (h *loadHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}
