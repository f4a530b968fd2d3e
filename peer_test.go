// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package kadcast

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dusk-network/kadcast/encoding"
	"github.com/dusk-network/kadcast/fec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEncoder mirrors the chunking parameters a peer with this
// configuration uses, so tests can inject wire-identical chunks.
func newTestEncoder(cfg *Config) (*fec.Encoder, error) {
	return fec.NewEncoder(
		chunkSymbolBudget(cfg),
		cfg.FEC.RedundancyFactor,
		cfg.FEC.MinRepairPacketsPerBlock,
	)
}

type recordingListener struct {
	mu     sync.Mutex
	msgs   [][]byte
	events []PeerEvent
}

func (l *recordingListener) OnMessage(data []byte, info MessageInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	copied := make([]byte, len(data))
	copy(copied, data)
	l.msgs = append(l.msgs, copied)
}

func (l *recordingListener) OnPeerEvent(evt PeerEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, evt)
}

func (l *recordingListener) received() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([][]byte, len(l.msgs))
	copy(out, l.msgs)

	return out
}

func testConfig(port int, bootstrap []string) Config {
	cfg := DefaultConfig()
	cfg.PublicAddress = fmt.Sprintf("127.0.0.1:%d", port)
	cfg.BootstrapNodes = bootstrap
	cfg.PowDifficulty = testDifficulty
	cfg.Maintenance.Interval = 500 * time.Millisecond

	return cfg
}

func startPeer(t *testing.T, cfg Config, l Listener) *Peer {
	t.Helper()

	p, err := NewPeer(cfg, l)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = p.Close()
	})

	return p
}

// Bootstrap: A knows B as seed. After the handshake both tables hold the
// other side: FIND_NODES(A) -> NODES([]) inserts A at B, and B's reply
// header inserts B at A.
func TestBootstrapHandshake(t *testing.T) {
	b := startPeer(t, testConfig(42801, nil), &recordingListener{})
	a := startPeer(t, testConfig(42802, []string{"127.0.0.1:42801"}), &recordingListener{})

	require.Eventually(t, func() bool {
		return a.Table().TotalPeers() >= 1 && b.Table().TotalPeers() >= 1
	}, 10*time.Second, 100*time.Millisecond, "bootstrap handshake did not converge")

	bRoot := b.Table().Root()
	_, known := a.Table().HasPeer(&bRoot.ID.Key)
	assert.True(t, known, "A's table contains B")

	aRoot := a.Table().Root()
	_, known = b.Table().HasPeer(&aRoot.ID.Key)
	assert.True(t, known, "B's table contains A")
}

// Two-hop discovery: A bootstraps off B, B already knows C; A ends up
// knowing both.
func TestTwoHopDiscovery(t *testing.T) {
	c := startPeer(t, testConfig(42811, nil), &recordingListener{})
	b := startPeer(t, testConfig(42812, []string{"127.0.0.1:42811"}), &recordingListener{})

	require.Eventually(t, func() bool {
		return b.Table().TotalPeers() >= 1
	}, 10*time.Second, 100*time.Millisecond)

	a := startPeer(t, testConfig(42813, []string{"127.0.0.1:42812"}), &recordingListener{})

	require.Eventually(t, func() bool {
		return a.Table().TotalPeers() >= 2
	}, 15*time.Second, 100*time.Millisecond, "A never discovered C through B")

	cRoot := c.Table().Root()
	_, known := a.Table().HasPeer(&cRoot.ID.Key)
	assert.True(t, known)
}

// A broadcast frame large enough to need several chunks arrives whole and
// exactly once.
func TestBroadcastDelivery(t *testing.T) {
	lb := &recordingListener{}

	b := startPeer(t, testConfig(42821, nil), lb)
	a := startPeer(t, testConfig(42822, []string{"127.0.0.1:42821"}), &recordingListener{})

	require.Eventually(t, func() bool {
		return a.Table().TotalPeers() >= 1 && b.Table().TotalPeers() >= 1
	}, 10*time.Second, 100*time.Millisecond)

	payload := make([]byte, 100_000)
	rnd := rand.New(rand.NewSource(11))
	_, _ = rnd.Read(payload)

	require.NoError(t, a.Broadcast(context.Background(), payload))

	require.Eventually(t, func() bool {
		return len(lb.received()) >= 1
	}, 10*time.Second, 100*time.Millisecond, "broadcast never delivered")

	// Give late duplicates time to arrive, then check the dedup held.
	time.Sleep(2 * time.Second)

	msgs := lb.received()
	require.Len(t, msgs, 1, "delivered more than once")
	assert.True(t, bytes.Equal(payload, msgs[0]))
}

// Point-to-point send arrives with height 0 and is not re-propagated.
func TestSendPointToPoint(t *testing.T) {
	lb := &recordingListener{}

	b := startPeer(t, testConfig(42831, nil), lb)
	a := startPeer(t, testConfig(42832, []string{"127.0.0.1:42831"}), &recordingListener{})

	require.Eventually(t, func() bool {
		return a.Table().TotalPeers() >= 1
	}, 10*time.Second, 100*time.Millisecond)

	rootPeer := b.Table().Root()
	target := rootPeer.UDPAddr()
	require.NoError(t, a.Send(context.Background(), []byte("direct"), target))

	require.Eventually(t, func() bool {
		return len(lb.received()) == 1
	}, 10*time.Second, 100*time.Millisecond)

	assert.Equal(t, []byte("direct"), lb.received()[0])
}

// Injecting the same chunk burst three times produces exactly one
// delivery.
func TestDuplicateChunkInjection(t *testing.T) {
	lb := &recordingListener{}

	cfg := testConfig(42841, nil)
	startPeer(t, cfg, lb)

	// A synthetic sender with a valid identity on the loopback.
	sender, err := encoding.GeneratePeer("127.0.0.1:42842", testDifficulty)
	require.NoError(t, err)

	hdr := sender.ToHeader(cfg.NetworkID, cfg.Version)

	encoder, err := newTestEncoder(&cfg)
	require.NoError(t, err)

	frame := make([]byte, 50_000)
	rnd := rand.New(rand.NewSource(13))
	_, _ = rnd.Read(frame)

	chunks, err := encoder.Encode(frame)
	require.NoError(t, err)

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 42841})
	require.NoError(t, err)

	defer func() {
		_ = conn.Close()
	}()

	for round := 0; round < 3; round++ {
		for i := range chunks {
			msg := encoding.Broadcast{
				Hdr: hdr,
				Payload: encoding.BroadcastPayload{
					Height:      0,
					GossipFrame: chunks[i].Marshal(),
				},
			}

			var buf bytes.Buffer
			require.NoError(t, msg.MarshalBinary(&buf))

			_, err := conn.Write(buf.Bytes())
			require.NoError(t, err)
		}

		time.Sleep(300 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(lb.received()) >= 1
	}, 10*time.Second, 100*time.Millisecond, "injected broadcast never delivered")

	time.Sleep(time.Second)

	msgs := lb.received()
	require.Len(t, msgs, 1, "dedup failed, callback fired more than once")
	assert.True(t, bytes.Equal(frame, msgs[0]))
}
