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
	"time"

	"github.com/dusk-network/kadcast/encoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDifficulty = 4

func testBucketConfig() BucketConfig {
	return BucketConfig{
		K:              DefaultK,
		MinPeers:       3,
		NodeTTL:        30 * time.Second,
		NodeEvictAfter: 5 * time.Second,
		BucketTTL:      time.Hour,
	}
}

func genPeer(t *testing.T, addr string) encoding.PeerInfo {
	t.Helper()

	peer, err := encoding.GeneratePeer(addr, testDifficulty)
	require.NoError(t, err)

	return peer
}

func fillBucket(t *testing.T, b *bucket, now time.Time) []encoding.PeerInfo {
	t.Helper()

	peers := make([]encoding.PeerInfo, 0, b.conf.K)

	for i := 0; len(peers) < b.conf.K; i++ {
		p := genPeer(t, fmt.Sprintf("10.1.%d.%d:7000", i/250, i%250+1))

		res := b.insert(p, now)
		require.Equal(t, Inserted, res.Status)

		peers = append(peers, p)
	}

	return peers
}

func TestBucketInsertLRUOrder(t *testing.T) {
	b := makeBucket(testBucketConfig())
	now := time.Now()

	a := genPeer(t, "10.0.0.1:7000")
	c := genPeer(t, "10.0.0.2:7000")

	require.Equal(t, Inserted, b.insert(a, now).Status)
	require.Equal(t, Inserted, b.insert(c, now).Status)

	// Refreshing a moves it to MRU.
	require.Equal(t, Updated, b.insert(a, now).Status)

	peers := b.peers()
	require.Len(t, peers, 2)
	assert.True(t, peers[0].IsEqual(&c), "c is LRU")
	assert.True(t, peers[1].IsEqual(&a), "a is MRU")
}

func TestBucketFullGoesPending(t *testing.T) {
	b := makeBucket(testBucketConfig())
	now := time.Now()

	peers := fillBucket(t, &b, now)
	lru := peers[0]

	candidate := genPeer(t, "10.9.0.1:7000")
	res := b.insert(candidate, now)

	require.Equal(t, PendingEviction, res.Status)
	require.NotNil(t, res.ProbeLRU)
	assert.True(t, res.ProbeLRU.IsEqual(&lru))

	// Only one probe per bucket at a time.
	second := genPeer(t, "10.9.0.2:7000")
	assert.Equal(t, RejectedFull, b.insert(second, now).Status)
}

func TestBucketPendingPromotedOnSilence(t *testing.T) {
	b := makeBucket(testBucketConfig())
	now := time.Now()

	peers := fillBucket(t, &b, now)
	lru := peers[0]

	candidate := genPeer(t, "10.9.0.1:7000")
	require.Equal(t, PendingEviction, b.insert(candidate, now).Status)

	// No PONG within the eviction window.
	later := now.Add(b.conf.NodeEvictAfter + time.Second)
	removed, promoted := b.removeExpired(later)

	require.Len(t, removed, 1)
	assert.True(t, removed[0].IsEqual(&lru))
	require.Len(t, promoted, 1)
	assert.True(t, promoted[0].IsEqual(&candidate))

	// The candidate is in-bucket as MRU, the LRU is gone.
	entries := b.peers()
	require.Len(t, entries, b.conf.K)
	assert.True(t, entries[len(entries)-1].IsEqual(&candidate))
	assert.Less(t, b.indexOf(&lru.ID.Key), 0)
}

func TestBucketPendingDroppedOnPong(t *testing.T) {
	b := makeBucket(testBucketConfig())
	now := time.Now()

	peers := fillBucket(t, &b, now)
	lru := peers[0]

	candidate := genPeer(t, "10.9.0.1:7000")
	require.Equal(t, PendingEviction, b.insert(candidate, now).Status)

	// The LRU answers in time: refreshed as MRU, candidate demoted.
	require.True(t, b.touch(&lru.ID.Key, now.Add(time.Second)))
	require.Nil(t, b.pending)

	later := now.Add(b.conf.NodeEvictAfter + time.Second)
	removed, promoted := b.removeExpired(later)
	assert.Empty(t, removed)
	assert.Empty(t, promoted)

	entries := b.peers()
	assert.True(t, entries[len(entries)-1].IsEqual(&lru), "confirmed LRU becomes MRU")
	assert.Less(t, b.indexOf(&candidate.ID.Key), 0)
}

func TestBucketFlagIdle(t *testing.T) {
	b := makeBucket(testBucketConfig())
	now := time.Now()

	fresh := genPeer(t, "10.0.0.1:7000")
	stale := genPeer(t, "10.0.0.2:7000")

	b.insert(stale, now.Add(-time.Minute))
	b.insert(fresh, now)

	idle := b.flagIdle(now)
	require.Len(t, idle, 1)
	assert.True(t, idle[0].IsEqual(&stale))

	// Already-flagged nodes are not reported twice.
	assert.Empty(t, b.flagIdle(now))
}

func TestBucketPickDelegates(t *testing.T) {
	b := makeBucket(testBucketConfig())
	now := time.Now()
	rnd := rand.New(rand.NewSource(1))

	assert.Nil(t, b.pickDelegates(DefaultBeta, rnd))

	fillBucket(t, &b, now)

	picked := b.pickDelegates(DefaultBeta, rnd)
	require.Len(t, picked, DefaultBeta)

	// Without replacement.
	seen := make(map[encoding.BinaryKey]bool)
	for i := range picked {
		assert.False(t, seen[picked[i].ID.Key])
		seen[picked[i].ID.Key] = true
	}
}
