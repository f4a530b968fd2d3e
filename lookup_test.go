// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package kadcast

import (
	"fmt"
	"testing"
	"time"

	"github.com/dusk-network/kadcast/encoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLookups(t *testing.T, table *RoutingTable, rec *sendRecorder, timeout time.Duration) *lookupManager {
	t.Helper()

	root := table.Root()
	hdr := root.ToHeader(0, "1.0.0")

	return newLookupManager(table, rec.send,
		func(target encoding.BinaryKey) encoding.Message {
			return &encoding.FindNodes{Hdr: hdr, Target: target}
		},
		DefaultAlpha, DefaultK, timeout)
}

func TestLookupQueriesAlphaClosest(t *testing.T) {
	table := testTable(t)
	populate(t, table, 30)

	rec := &sendRecorder{}
	lm := newTestLookups(t, table, rec, time.Minute)

	target := genPeer(t, "10.50.0.1:600")
	lm.Start(target.ID.Key)

	assert.Equal(t, 1, lm.ActiveCount())
	assert.Equal(t, DefaultAlpha, rec.countType(encoding.FindNodesMsg),
		"exactly alpha concurrent queries at start")
}

func TestLookupMergesAndRequeries(t *testing.T) {
	table := testTable(t)
	seeds := populate(t, table, 5)

	rec := &sendRecorder{}
	lm := newTestLookups(t, table, rec, time.Minute)

	target := genPeer(t, "10.50.0.1:600")
	lm.Start(target.ID.Key)

	before := rec.countType(encoding.FindNodesMsg)
	require.NotEmpty(t, rec.all())

	// Find a seed that actually got queried and answer as it.
	queriedAddr := rec.all()[0].targets[0]

	var queried *encoding.PeerInfo
	for i := range seeds {
		if seeds[i].IP.Equal(queriedAddr.IP) && int(seeds[i].Port) == queriedAddr.Port {
			queried = &seeds[i]
			break
		}
	}

	require.NotNil(t, queried)

	// The queried seed responds with fresh records.
	freshPeer1 := genPeer(t, "10.50.0.2:600")
	freshPeer2 := genPeer(t, "10.50.0.3:600")
	fresh := []encoding.PeerEncodedInfo{
		freshPeer1.Encoded(),
		freshPeer2.Encoded(),
	}

	claimed := lm.OnNodes(&queried.ID.Key, fresh)
	require.True(t, claimed, "response from a queried peer belongs to the lookup")

	after := rec.countType(encoding.FindNodesMsg)
	assert.Greater(t, after, before, "closer records get queried")
}

func TestLookupIgnoresUnsolicitedNodes(t *testing.T) {
	table := testTable(t)
	populate(t, table, 5)

	rec := &sendRecorder{}
	lm := newTestLookups(t, table, rec, time.Minute)

	stranger := genPeer(t, "10.60.0.1:600")
	assert.False(t, lm.OnNodes(&stranger.ID.Key, nil))
}

func TestLookupTerminatesOnTimeouts(t *testing.T) {
	table := testTable(t)
	populate(t, table, 6)

	rec := &sendRecorder{}
	lm := newTestLookups(t, table, rec, 50*time.Millisecond)

	target := genPeer(t, "10.50.0.1:600")
	lm.Start(target.ID.Key)
	require.Equal(t, 1, lm.ActiveCount())

	// Nobody answers; every query times out and the lookup winds down.
	require.Eventually(t, func() bool {
		return lm.ActiveCount() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLookupStartNoopWithEmptyTable(t *testing.T) {
	table := testTable(t)

	rec := &sendRecorder{}
	lm := newTestLookups(t, table, rec, time.Minute)

	target := genPeer(t, "10.50.0.1:600")
	lm.Start(target.ID.Key)

	assert.Equal(t, 0, lm.ActiveCount())
	assert.Empty(t, rec.all())
}

func TestLookupDoesNotDuplicateActiveTarget(t *testing.T) {
	table := testTable(t)
	populate(t, table, 30)

	rec := &sendRecorder{}
	lm := newTestLookups(t, table, rec, time.Minute)

	target := genPeer(t, "10.50.0.1:600")
	lm.Start(target.ID.Key)

	sent := len(rec.all())
	lm.Start(target.ID.Key)

	assert.Equal(t, sent, len(rec.all()), "restarting an active lookup is a no-op")
	assert.Equal(t, 1, lm.ActiveCount())
}

func populateN(t *testing.T, table *RoutingTable, prefix string, n int) {
	t.Helper()

	for i := 1; i <= n; i++ {
		table.Insert(genPeer(t, fmt.Sprintf("%s.%d:666", prefix, i)))
	}
}

func TestLookupAlphaBoundHolds(t *testing.T) {
	table := testTable(t)
	populateN(t, table, "192.168.1", 40)

	rec := &sendRecorder{}
	lm := newTestLookups(t, table, rec, time.Minute)

	target := genPeer(t, "10.50.0.1:600")
	lm.Start(target.ID.Key)

	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, l := range lm.active {
		assert.True(t, l.inFlight <= DefaultAlpha)
	}
}
