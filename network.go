// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package kadcast

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/dusk-network/kadcast/encoding"
	"github.com/dusk-network/kadcast/fec"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// maxDatagramSize is the absolute ceiling on a received datagram.
const maxDatagramSize = 65507

type rawDatagram struct {
	data []byte
	src  net.UDPAddr
}

// wireNetwork owns the sockets and the three transport tasks: the receive
// loop, the decode worker (which also runs chunk reassembly, keeping the
// CPU-heavy FEC off the socket path) and the paced send loop.
type wireNetwork struct {
	cfg *Config

	listener *net.UDPConn
	sendV4   *net.UDPConn
	sendV6   *net.UDPConn

	raw     chan rawDatagram
	inbound chan messageIn

	// Control traffic (PING/PONG/FIND_NODES/NODES) and broadcast data
	// take separate queues so maintenance probes survive broadcast storms.
	outCtrl chan messageOut
	outData chan messageOut

	encoder *fec.Encoder
	cache   *fec.ChunkCache

	limiter *rate.Limiter

	blocklistMu     sync.RWMutex
	blocklist       map[string]struct{}
	blocklistSource func() []string
}

func newWireNetwork(cfg *Config, encoder *fec.Encoder, cache *fec.ChunkCache) (*wireNetwork, error) {
	listenAddr := cfg.ListenAddress
	if listenAddr == "" {
		listenAddr = cfg.PublicAddress
	}

	lAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid listen address %s", listenAddr)
	}

	listener, err := net.ListenUDP("udp", lAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "could not bind %s", listenAddr)
	}

	if err := listener.SetReadBuffer(cfg.Network.UDPRecvBufferSize); err != nil {
		log.WithError(err).Trace("could not grow udp recv buffer")
	}

	sendV4, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		_ = listener.Close()
		return nil, errors.Wrap(err, "could not open ipv4 send socket")
	}

	sendV6, err := net.ListenUDP("udp6", &net.UDPAddr{})
	if err != nil {
		// IPv6-less hosts still work; sends to v6 targets will fail loudly.
		log.WithError(err).Warn("could not open ipv6 send socket")
	}

	for _, s := range []*net.UDPConn{sendV4, sendV6} {
		if s == nil {
			continue
		}

		if err := s.SetWriteBuffer(cfg.Network.UDPSendBufferSize); err != nil {
			log.WithError(err).Trace("could not grow udp send buffer")
		}
	}

	limit := rate.Inf
	if cfg.Network.UDPSendBackoff > 0 {
		limit = rate.Every(cfg.Network.UDPSendBackoff)
	}

	w := &wireNetwork{
		cfg:       cfg,
		listener:  listener,
		sendV4:    sendV4,
		sendV6:    sendV6,
		raw:       make(chan rawDatagram, cfg.Channel.InboundCapacity),
		inbound:   make(chan messageIn, cfg.Channel.InboundCapacity),
		outCtrl:   make(chan messageOut, cfg.Channel.OutboundCapacity),
		outData:   make(chan messageOut, cfg.Channel.OutboundCapacity),
		encoder:   encoder,
		cache:     cache,
		limiter:   rate.NewLimiter(limit, 1),
		blocklist: make(map[string]struct{}),
	}

	w.blocklistSource = func() []string { return cfg.Blocklist }
	w.refreshBlocklist()

	return w, nil
}

// serve starts the transport tasks; they stop when ctx is cancelled.
func (w *wireNetwork) serve(ctx context.Context) {
	log.WithField("l_addr", w.listener.LocalAddr().String()).Info("wire network listening")

	go w.readLoop(ctx)
	go w.decodeLoop(ctx)
	go w.sendLoop(ctx)
}

func (w *wireNetwork) close() error {
	err := w.listener.Close()

	_ = w.sendV4.Close()
	if w.sendV6 != nil {
		_ = w.sendV6.Close()
	}

	return err
}

// enqueueCtrl queues a control message. Control traffic blocks briefly
// rather than dropping; losing liveness probes corrupts eviction state.
func (w *wireNetwork) enqueueCtrl(msg encoding.Message, targets []net.UDPAddr) {
	if len(targets) == 0 {
		return
	}

	select {
	case w.outCtrl <- messageOut{msg: msg, targets: targets}:
	case <-time.After(time.Second):
		log.Warn("control queue saturated, message dropped")
	}
}

// enqueueData queues broadcast traffic. The newest chunks lose when the
// queue is full.
func (w *wireNetwork) enqueueData(msg encoding.Message, targets []net.UDPAddr) {
	if len(targets) == 0 {
		return
	}

	select {
	case w.outData <- messageOut{msg: msg, targets: targets}:
	default:
		log.Warn("outbound queue full, dropping broadcast")
	}
}

func (w *wireNetwork) refreshBlocklist() {
	fresh := make(map[string]struct{})

	for _, b := range w.blocklistSource() {
		if addr, err := net.ResolveUDPAddr("udp", b); err == nil {
			fresh[addr.IP.String()] = struct{}{}
		}
	}

	w.blocklistMu.Lock()
	w.blocklist = fresh
	w.blocklistMu.Unlock()
}

func (w *wireNetwork) blocked(ip net.IP) bool {
	w.blocklistMu.RLock()
	defer w.blocklistMu.RUnlock()

	_, ok := w.blocklist[ip.String()]
	return ok
}

// readLoop pulls datagrams off the socket into the bounded raw queue.
// When the queue is full the datagram is dropped; UDP made no promises.
// The resolved blocklist snapshot is rebuilt on an interval rather than
// resolved per datagram; each datagram only takes the snapshot's read lock.
func (w *wireNetwork) readLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	lastRefresh := time.Now()

	for {
		if time.Since(lastRefresh) > w.cfg.Network.BlocklistRefresh {
			w.refreshBlocklist()
			lastRefresh = time.Now()
		}

		n, src, err := w.listener.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			log.WithError(err).Warn("udp read failed")
			continue
		}

		if w.blocked(src.IP) {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case w.raw <- rawDatagram{data: data, src: *src}:
		default:
			messagesDropped.WithLabelValues("inbound_full").Inc()
		}
	}
}

// decodeLoop unmarshals datagrams and reassembles chunked broadcasts.
// Completed frames move to the inbound queue; partial groups stop here.
func (w *wireNetwork) decodeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-w.raw:
			w.decodeDatagram(d)
		}
	}
}

func (w *wireNetwork) decodeDatagram(d rawDatagram) {
	// A malformed frame from an adversary must never take the loop down.
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("decode recovered from %v", r)
		}
	}()

	msg, err := encoding.UnmarshalMessage(bytes.NewBuffer(d.data))
	if err != nil {
		messagesDropped.WithLabelValues("invalid_format").Inc()
		log.WithError(err).WithField("r_addr", d.src.String()).
			Warn("rejecting datagram")

		return
	}

	in := messageIn{msg: msg, src: d.src}

	if b, ok := msg.(*encoding.Broadcast); ok && w.cfg.FEC.Enabled {
		chunk, err := fec.UnmarshalChunk(b.Payload.GossipFrame)
		if err != nil {
			// Not chunked; a plain broadcast passes through whole.
			log.WithField("r_addr", d.src.String()).
				Trace("broadcast frame not chunked")
		} else {
			frame, err := w.cache.Consume(chunk)

			switch {
			case err == fec.ErrDuplicate || err == fec.ErrPoisoned:
				dedupHits.Inc()
				return
			case err != nil:
				log.WithError(err).WithField("r_addr", d.src.String()).
					Warn("chunk rejected")
				return
			case frame == nil:
				// Still accumulating.
				return
			}

			in.msg = &encoding.Broadcast{
				Hdr: b.Hdr,
				Payload: encoding.BroadcastPayload{
					Height:      b.Payload.Height,
					GossipFrame: frame,
				},
			}

			ray := make([]byte, fec.RayLen)
			copy(ray, chunk.Ray[:])
			in.ray = ray
		}
	}

	select {
	case w.inbound <- in:
	default:
		messagesDropped.WithLabelValues("inbound_full").Inc()
		log.Warn("inbound queue full, message dropped")
	}
}

// sendLoop drains the outbound queues, control first, encoding and pacing
// each datagram.
func (w *wireNetwork) sendLoop(ctx context.Context) {
	for {
		// Control traffic always wins when both queues are ready.
		select {
		case <-ctx.Done():
			return
		case out := <-w.outCtrl:
			w.sendMessage(ctx, out)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case out := <-w.outCtrl:
			w.sendMessage(ctx, out)
		case out := <-w.outData:
			w.sendMessage(ctx, out)
		}
	}
}

// sendMessage turns a message into datagrams (chunking broadcasts through
// the FEC encoder) and writes them to every target.
func (w *wireNetwork) sendMessage(ctx context.Context, out messageOut) {
	frames, err := w.encodeFrames(out.msg)
	if err != nil {
		log.WithError(err).Warn("could not encode message")
		return
	}

	for i := range out.targets {
		target := out.targets[i]

		for _, frame := range frames {
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}

			if err := w.writeDatagram(frame, &target); err != nil {
				sendErrors.Inc()
				log.WithError(err).WithField("r_addr", target.String()).
					Warn("datagram write failed")

				break
			}

			if out.msg.Type() == encoding.BroadcastMsg {
				chunksSent.Inc()
			}
		}
	}
}

// encodeFrames marshals the message; broadcasts under FEC expand into one
// frame per chunk. Anything past the datagram budget is rejected here.
func (w *wireNetwork) encodeFrames(msg encoding.Message) ([][]byte, error) {
	b, isBroadcast := msg.(*encoding.Broadcast)

	if isBroadcast && w.cfg.FEC.Enabled {
		chunks, err := w.encoder.Encode(b.Payload.GossipFrame)
		if err != nil {
			return nil, err
		}

		frames := make([][]byte, 0, len(chunks))

		for i := range chunks {
			chunked := &encoding.Broadcast{
				Hdr: b.Hdr,
				Payload: encoding.BroadcastPayload{
					Height:      b.Payload.Height,
					GossipFrame: chunks[i].Marshal(),
				},
			}

			frame, err := marshalFrame(chunked, w.cfg.maxDatagramLen())
			if err != nil {
				return nil, err
			}

			frames = append(frames, frame)
		}

		return frames, nil
	}

	frame, err := marshalFrame(msg, w.cfg.maxDatagramLen())
	if err != nil {
		return nil, err
	}

	return [][]byte{frame}, nil
}

func marshalFrame(msg encoding.Message, maxLen int) ([]byte, error) {
	var buf bytes.Buffer
	if err := msg.MarshalBinary(&buf); err != nil {
		return nil, err
	}

	if buf.Len() > maxLen {
		return nil, errors.Errorf("frame of %d bytes exceeds datagram budget %d", buf.Len(), maxLen)
	}

	return buf.Bytes(), nil
}

// writeDatagram writes with retry; transient send errors are absorbed up
// to the configured count.
func (w *wireNetwork) writeDatagram(data []byte, target *net.UDPAddr) error {
	conn := w.sendV4
	if target.IP.To4() == nil {
		conn = w.sendV6
	}

	if conn == nil {
		return errors.New("no socket for address family")
	}

	retries := w.cfg.Network.SendRetryCount
	if retries < 1 {
		retries = 1
	}

	var err error

	for i := 0; i < retries; i++ {
		if _, err = conn.WriteToUDP(data, target); err == nil {
			if i > 0 {
				log.Info("datagram sent, recovered from previous error")
			}

			return nil
		}

		if i < retries-1 {
			time.Sleep(w.cfg.Network.SendRetryInterval)
		}
	}

	return err
}
