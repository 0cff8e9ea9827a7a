package radio

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// ProtocolID is the libp2p stream protocol frames travel on.
const ProtocolID = "/waggle/signal/1.0.0"

// maxFrameBytes caps one inbound stream read. Real frames are 79
// bytes; anything bigger is garbage that the codec will reject anyway.
const maxFrameBytes = 512

// dedupPrefix covers the frame header fields that uniquely identify a
// transmission: version, sender MAC, timestamp, sequence.
const dedupPrefix = 12

// P2PRadio carries frames over a libp2p host: TCP and QUIC listeners,
// mDNS discovery inside the service tag, broadcast as fan-out to every
// connected peer. Inbound streams pass a per-peer token bucket and a
// bloom duplicate filter before reaching the receiver.
type P2PRadio struct {
	host host.Host
	mac  [6]byte
	cfg  Config

	recvMu sync.RWMutex
	recv   Receiver

	seenMu         sync.Mutex
	seenFilter     *bloom.BloomFilter
	seenTimestamps map[string]time.Time

	limiter      *limiter.TokenBucket
	limiterStore store.Store

	breaker *gobreaker.CircuitBreaker

	metrics   Metrics
	metricsMu sync.RWMutex

	discovery mdns.Service

	logger   *slog.Logger
	started  atomic.Bool
	shutdown chan struct{}
}

// NewP2PRadio builds the radio but does not start listening for
// discovery yet; call Start. logger may be nil.
func NewP2PRadio(cfg Config, logger *slog.Logger) (*P2PRadio, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = defaults.ListenAddrs
	}
	if cfg.ServiceTag == "" {
		cfg.ServiceTag = defaults.ServiceTag
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaults.SendTimeout
	}
	if cfg.SeenTTL == 0 {
		cfg.SeenTTL = defaults.SeenTTL
	}
	if cfg.BloomFilter.ExpectedElements == 0 {
		cfg.BloomFilter = defaults.BloomFilter
	}
	if cfg.RateLimit.FramesPerSecond == 0 {
		cfg.RateLimit = defaults.RateLimit
	}
	if cfg.Breaker.ConsecutiveFailures == 0 {
		cfg.Breaker = defaults.Breaker
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	mac := macFromPeerID(h.ID())
	if cfg.MACOverride != "" {
		mac, err = ParseMAC(cfg.MACOverride)
		if err != nil {
			h.Close()
			return nil, err
		}
	}

	r := &P2PRadio{
		host:           h,
		mac:            mac,
		cfg:            cfg,
		seenFilter:     bloom.NewWithEstimates(cfg.BloomFilter.ExpectedElements, cfg.BloomFilter.FalsePositiveRate),
		seenTimestamps: make(map[string]time.Time),
		shutdown:       make(chan struct{}),
		logger:         logger.With("component", "radio", "node_id", getShortID(h.ID().String())),
	}

	r.limiterStore = store.NewMemoryStore(time.Minute)
	r.limiter, err = limiter.NewTokenBucket(
		limiter.Config{
			Rate:     int64(cfg.RateLimit.FramesPerSecond),
			Duration: time.Second,
			Burst:    int64(cfg.RateLimit.BurstSize),
		},
		r.limiterStore,
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "radio-send",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.Breaker.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("send breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	h.SetStreamHandler(ProtocolID, r.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			r.logger.Debug("peer connected", "peer", getShortID(c.RemotePeer().String()))
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			r.logger.Debug("peer disconnected", "peer", getShortID(c.RemotePeer().String()))
		},
	})

	r.discovery = mdns.NewMdnsService(h, cfg.ServiceTag, &discoveryNotifee{radio: r})

	return r, nil
}

// Start begins mDNS discovery and the duplicate-filter sweeper. A
// network without multicast leaves discovery off; directly connected
// peers still work.
func (r *P2PRadio) Start(ctx context.Context) error {
	if r.started.Load() {
		return errors.New("radio already started")
	}

	if err := r.discovery.Start(); err != nil {
		r.logger.Warn("mdns discovery unavailable", "error", err)
		r.discovery = nil
	}
	go r.sweepSeen()

	r.started.Store(true)
	r.logger.Info("radio started",
		"mac", macString(r.mac),
		"service_tag", r.cfg.ServiceTag,
		"listen_addrs", r.host.Addrs())
	return nil
}

// Broadcast implements Transport: best-effort fan-out to every
// connected peer. An empty mesh is not an error; a mesh where every
// send fails is, and trips the breaker.
func (r *P2PRadio) Broadcast(ctx context.Context, payload []byte) error {
	if !r.started.Load() {
		return ErrNotStarted
	}

	_, err := r.breaker.Execute(func() (interface{}, error) {
		peers := r.host.Network().Peers()
		if len(peers) == 0 {
			return nil, nil
		}

		var delivered int
		for _, p := range peers {
			if err := r.sendToPeer(ctx, p, payload); err != nil {
				r.logger.Debug("send failed", "peer", getShortID(p.String()), "error", err)
				continue
			}
			delivered++
		}
		if delivered == 0 {
			return nil, fmt.Errorf("all %d sends failed", len(peers))
		}
		return nil, nil
	})
	if err != nil {
		r.metricsMu.Lock()
		r.metrics.SendErrors++
		r.metricsMu.Unlock()
		return err
	}

	r.metricsMu.Lock()
	r.metrics.FramesSent++
	r.metricsMu.Unlock()
	return nil
}

// Send implements Transport: unicast to the peer whose derived MAC
// matches. Peers running with a MAC override cannot be addressed this
// way.
func (r *P2PRadio) Send(ctx context.Context, mac [6]byte, payload []byte) error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	if mac == BroadcastMAC {
		return r.Broadcast(ctx, payload)
	}

	var target peer.ID
	found := false
	for _, p := range r.host.Network().Peers() {
		if macFromPeerID(p) == mac {
			target, found = p, true
			break
		}
	}
	if !found {
		return fmt.Errorf("no connected peer at %s", macString(mac))
	}

	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.sendToPeer(ctx, target, payload)
	})
	if err != nil {
		r.metricsMu.Lock()
		r.metrics.SendErrors++
		r.metricsMu.Unlock()
		return err
	}

	r.metricsMu.Lock()
	r.metrics.FramesSent++
	r.metricsMu.Unlock()
	return nil
}

func (r *P2PRadio) sendToPeer(ctx context.Context, p peer.ID, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()

	s, err := r.host.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer s.Close()

	_ = s.SetWriteDeadline(time.Now().Add(r.cfg.SendTimeout))
	if _, err := s.Write(payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (r *P2PRadio) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()

	if !r.limiter.Allow(remote.String()) {
		r.metricsMu.Lock()
		r.metrics.RateLimited++
		r.metricsMu.Unlock()
		r.logger.Debug("peer rate limited", "peer", getShortID(remote.String()))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(s, maxFrameBytes))
	if err != nil {
		r.logger.Debug("stream read failed", "peer", getShortID(remote.String()), "error", err)
		return
	}
	if len(payload) == 0 {
		return
	}

	if r.alreadySeen(payload) {
		r.metricsMu.Lock()
		r.metrics.DupesDropped++
		r.metricsMu.Unlock()
		return
	}

	r.metricsMu.Lock()
	r.metrics.FramesReceived++
	r.metricsMu.Unlock()

	r.recvMu.RLock()
	rcv := r.recv
	r.recvMu.RUnlock()
	if rcv == nil {
		return
	}
	rcv(Frame{From: macFromPeerID(remote), Payload: payload, At: time.Now()})
}

// alreadySeen tests and records the frame's dedup signature.
func (r *P2PRadio) alreadySeen(payload []byte) bool {
	key := payload
	if len(payload) > dedupPrefix {
		key = payload[:dedupPrefix]
	}

	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if r.seenFilter.Test(key) {
		return true
	}
	r.seenFilter.Add(key)
	r.seenTimestamps[string(key)] = time.Now()
	return false
}

// sweepSeen expires old dedup signatures and rotates the bloom filter
// once the live set drains, since filters cannot forget individually.
func (r *P2PRadio) sweepSeen() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdown:
			return
		case now := <-ticker.C:
			r.seenMu.Lock()
			for key, ts := range r.seenTimestamps {
				if now.Sub(ts) > r.cfg.SeenTTL {
					delete(r.seenTimestamps, key)
				}
			}
			if len(r.seenTimestamps) == 0 {
				r.seenFilter = bloom.NewWithEstimates(
					r.cfg.BloomFilter.ExpectedElements,
					r.cfg.BloomFilter.FalsePositiveRate,
				)
			}
			r.seenMu.Unlock()
		}
	}
}

// SetReceiver implements Transport.
func (r *P2PRadio) SetReceiver(fn Receiver) {
	r.recvMu.Lock()
	r.recv = fn
	r.recvMu.Unlock()
}

// LocalMAC implements Transport.
func (r *P2PRadio) LocalMAC() [6]byte { return r.mac }

// Host exposes the underlying libp2p host, mainly for tests that wire
// nodes together directly.
func (r *P2PRadio) Host() host.Host { return r.host }

// Metrics returns a copy of the counters plus the live peer count.
func (r *P2PRadio) Metrics() Metrics {
	r.metricsMu.RLock()
	m := r.metrics
	r.metricsMu.RUnlock()
	m.PeersConnected = len(r.host.Network().Peers())
	return m
}

// Close implements Transport.
func (r *P2PRadio) Close() error {
	if r.started.CompareAndSwap(true, false) {
		r.logger.Info("radio stopping")
		close(r.shutdown)
		if r.discovery != nil {
			r.discovery.Close()
		}
	}
	return r.host.Close()
}

// macFromPeerID derives a stable 6-byte radio identity from a libp2p
// peer ID.
func macFromPeerID(p peer.ID) [6]byte {
	sum := sha256.Sum256([]byte(p))
	var mac [6]byte
	copy(mac[:], sum[:6])
	return mac
}

func macString(mac [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// discoveryNotifee connects to peers found over mDNS.
type discoveryNotifee struct {
	radio *P2PRadio
}

func (n *discoveryNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.radio.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := n.radio.host.Connect(ctx, info); err != nil {
		n.radio.logger.Debug("mdns connect failed",
			"peer", getShortID(info.ID.String()), "error", err)
		return
	}
	n.radio.logger.Info("peer discovered",
		"peer", getShortID(info.ID.String()))
}
