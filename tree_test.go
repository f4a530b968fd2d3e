// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package kadcast

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/dusk-network/kadcast/encoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable(t *testing.T) *RoutingTable {
	t.Helper()

	root := genPeer(t, "192.168.0.1:666")
	return NewRoutingTable(root, testBucketConfig())
}

func populate(t *testing.T, table *RoutingTable, n int) []encoding.PeerInfo {
	t.Helper()

	var inserted []encoding.PeerInfo

	for i := 2; len(inserted) < n && i < 255; i++ {
		p := genPeer(t, fmt.Sprintf("192.168.0.%d:666", i))

		res := table.Insert(p)
		if res.Status == Inserted {
			inserted = append(inserted, p)
		}
	}

	return inserted
}

func TestTableRejectsSelf(t *testing.T) {
	table := testTable(t)
	root := table.Root()

	res := table.Insert(root)
	assert.Equal(t, RejectedInvalid, res.Status)
	assert.Equal(t, 0, table.TotalPeers())
}

func TestTableBucketHeightInvariant(t *testing.T) {
	table := testTable(t)
	populate(t, table, 100)

	root := table.Root()

	table.lock.RLock()
	defer table.lock.RUnlock()

	for height := range table.buckets {
		for _, p := range table.buckets[height].peers() {
			d, ok := encoding.Distance(&root.ID.Key, &p.ID.Key)
			require.True(t, ok)
			assert.Equal(t, byte(height), d, "peer sits in the bucket of its distance")
		}
	}
}

func TestTableClosestOrdering(t *testing.T) {
	table := testTable(t)
	populate(t, table, 60)

	target := genPeer(t, "10.77.0.1:666")

	closest := table.ClosestTo(&target.ID.Key, 10)
	require.NotEmpty(t, closest)
	require.True(t, len(closest) <= 10)

	for i := 1; i < len(closest); i++ {
		prev := xorDist(&closest[i-1].ID.Key, &target.ID.Key)
		cur := xorDist(&closest[i].ID.Key, &target.ID.Key)
		assert.False(t, lessDist(&cur, &prev), "distances are non-decreasing")
	}
}

func TestTableClosestExcludesTarget(t *testing.T) {
	table := testTable(t)
	peers := populate(t, table, 20)

	target := peers[3]

	for _, p := range table.ClosestTo(&target.ID.Key, DefaultK) {
		assert.NotEqual(t, target.ID.Key, p.ID.Key)
	}
}

func TestTableTouchAndRemove(t *testing.T) {
	table := testTable(t)
	peers := populate(t, table, 10)

	assert.True(t, table.Touch(&peers[0].ID.Key))

	unknown := genPeer(t, "10.99.0.1:666")
	assert.False(t, table.Touch(&unknown.ID.Key))

	removed := table.Remove(&peers[0].ID.Key)
	require.NotNil(t, removed)
	_, known := table.HasPeer(&peers[0].ID.Key)
	assert.False(t, known)
}

func TestTableAliveNodes(t *testing.T) {
	table := testTable(t)
	populate(t, table, 30)

	rnd := rand.New(rand.NewSource(5))

	alive := table.AliveNodes(10, rnd)
	assert.Len(t, alive, 10)
	assert.Equal(t, table.TotalPeers(), table.AliveCount())
}

func TestRandomKeyInBucket(t *testing.T) {
	table := testTable(t)
	root := table.Root()
	rnd := rand.New(rand.NewSource(9))

	for _, height := range []byte{0, 1, 7, 63, 127} {
		key := table.RandomKeyInBucket(height, rnd)

		d, ok := encoding.Distance(&root.ID.Key, &key)
		require.True(t, ok)
		assert.Equal(t, height, d)
	}
}

func TestExtractHonoursHeightBound(t *testing.T) {
	table := testTable(t)
	populate(t, table, 100)

	rnd := rand.New(rand.NewSource(3))

	for _, max := range []int{0, 1, 64, MaxBuckets} {
		for _, set := range table.Extract(max, DefaultBeta, rnd) {
			assert.Less(t, int(set.height), max)
			assert.True(t, len(set.peers) <= DefaultBeta)
		}
	}
}
