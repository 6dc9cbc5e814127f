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
	"testing"

	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/internal/conns"
	"github.com/stretchr/testify/require"
)

func TestLoadHeap(t *testing.T) {
	t.Parallel()

	testHeap := newLoadHeap(conns.FromSlice([]conn.Conn{
		heapConn{id: "a"},
		heapConn{id: "b"},
		heapConn{id: "c"},
		heapConn{id: "d"},
		heapConn{id: "e"},
		heapConn{id: "f"},
	}))
	counts := map[string]uint64{
		"a": 0,
		"b": 0,
		"c": 0,
		"d": 0,
		"e": 0,
		"f": 0,
	}
	verifyHeap(t, testHeap, counts)

	// Note: order may not be intuitive, due to how nodes in the heap
	// are sifted up and down as the root is acquired, but it is
	// deterministic.

	// No repeats since they all have load zero.
	verifyAcquires(t, testHeap, counts, "abdecf")
	// Now they all have load one, so they all repeat. But we don't see
	// any item a third time until we've seen all of 'em 2x.
	verifyAcquires(t, testHeap, counts, "fdabce")

	verifyReleases(t, testHeap, counts, "aabb")

	// Now a and b have a load of zero, but the others have load 2.
	// So we'll acquire them next.
	verifyAcquires(t, testHeap, counts, "abba")

	snapshot := snapshotHeap(testHeap)
	// Update membership: forget a, b, c, and d and add g and h.
	testHeap.update(conns.FromSlice([]conn.Conn{
		heapConn{id: "e"},
		heapConn{id: "f"},
		heapConn{id: "g"},
		heapConn{id: "h"},
	}))
	counts = map[string]uint64{
		"e": 2,
		"f": 2,
		"g": 0,
		"h": 0,
	}
	verifyHeap(t, testHeap, counts)

	// Releasing items no longer present has no impact.
	testHeap.release(snapshot["a"])
	testHeap.release(snapshot["b"])
	testHeap.release(snapshot["c"])
	testHeap.release(snapshot["a"])
	verifyHeap(t, testHeap, counts)

	// g and h have less load, so we favor them.
	verifyAcquires(t, testHeap, counts, "hggh")
	// Now everything has load == 2. So next four picks see each of the
	// four items.
	verifyAcquires(t, testHeap, counts, "hefg")

	// No-op update.
	testHeap.update(conns.FromSlice([]conn.Conn{
		heapConn{id: "h"},
		heapConn{id: "g"},
		heapConn{id: "f"},
		heapConn{id: "e"},
	}))
	verifyHeap(t, testHeap, counts)

	// Update that must grow the backing slice and re-heapify.
	testHeap.update(conns.FromSlice([]conn.Conn{
		heapConn{id: "a"},
		heapConn{id: "b"},
		heapConn{id: "c"},
		heapConn{id: "d"},
		heapConn{id: "e"},
		heapConn{id: "f"},
		heapConn{id: "g"},
		heapConn{id: "h"},
		heapConn{id: "i"},
		heapConn{id: "j"},
		heapConn{id: "k"},
		heapConn{id: "l"},
	}))
	counts = map[string]uint64{
		"a": 0,
		"b": 0,
		"c": 0,
		"d": 0,
		"e": 3,
		"f": 3,
		"g": 3,
		"h": 3,
		"i": 0,
		"j": 0,
		"k": 0,
		"l": 0,
	}
	verifyHeap(t, testHeap, counts)

	// Small addition with loads in place takes the push path instead
	// of re-heapifying; the new zero-load items must sift into valid
	// positions.
	testHeap.update(conns.FromSlice([]conn.Conn{
		heapConn{id: "a"},
		heapConn{id: "b"},
		heapConn{id: "c"},
		heapConn{id: "d"},
		heapConn{id: "e"},
		heapConn{id: "f"},
		heapConn{id: "g"},
		heapConn{id: "h"},
		heapConn{id: "i"},
		heapConn{id: "j"},
		heapConn{id: "k"},
		heapConn{id: "l"},
		heapConn{id: "m"},
		heapConn{id: "n"},
	}))
	counts["m"] = 0
	counts["n"] = 0
	verifyHeap(t, testHeap, counts)

	// Evict everything; updating the now-empty heap again is a no-op.
	testHeap.update(conns.FromSlice(nil))
	verifyHeap(t, testHeap, map[string]uint64{})
	testHeap.update(conns.FromSlice(nil))
	require.Zero(t, testHeap.Len())

	// Growing back from empty re-heapifies from scratch.
	testHeap.update(conns.FromSlice([]conn.Conn{
		heapConn{id: "a"},
		heapConn{id: "b"},
	}))
	verifyHeap(t, testHeap, map[string]uint64{"a": 0, "b": 0})
}

func verifyAcquires(t *testing.T, testHeap *loadHeap, counts map[string]uint64, ids string) {
	t.Helper()
	for _, ch := range ids {
		id := string(ch)
		item := testHeap.acquire(0)
		require.Equal(t, id, heapConnID(item.conn))
		counts[id]++
		verifyHeap(t, testHeap, counts)
	}
}

func verifyReleases(t *testing.T, testHeap *loadHeap, counts map[string]uint64, ids string) {
	t.Helper()
	for _, ch := range ids {
		id := string(ch)
		releaseByID(t, testHeap, id)
		counts[id]--
		verifyHeap(t, testHeap, counts)
	}
}

func releaseByID(t *testing.T, testHeap *loadHeap, id string) { //nolint:varnamelen
	t.Helper()
	for _, item := range *testHeap {
		if heapConnID(item.conn) == id {
			testHeap.release(item)
			return
		}
	}
	t.Fatalf("item %s not found in heap", id)
}

func snapshotHeap(testHeap *loadHeap) map[string]*loadHeapItem {
	snapshot := make(map[string]*loadHeapItem, len(*testHeap))
	for _, item := range *testHeap {
		snapshot[heapConnID(item.conn)] = item
	}
	return snapshot
}

func verifyHeap(t *testing.T, testHeap *loadHeap, counts map[string]uint64) {
	t.Helper()
	for i, item := range *testHeap {
		require.Equal(t, i, item.index)
		count, ok := counts[heapConnID(item.conn)]
		require.True(t, ok)
		require.Equal(t, count, item.load)
		if i > 0 {
			// heap invariant
			parent := (i - 1) / 2
			require.LessOrEqual(t, (*testHeap)[parent].load, item.load)
		}
	}
	backingArray := (*testHeap)[:cap(*testHeap)]
	for i := len(*testHeap); i < len(backingArray); i++ {
		// Everything in the backing array past the end of the heap
		// must be cleared so it isn't pinning any item.
		require.Nil(t, backingArray[i])
	}
}

type heapConn struct {
	conn.Conn
	id string
}

func heapConnID(cn conn.Conn) string {
	return cn.(heapConn).id //nolint:forcetypeassert,errcheck
}
