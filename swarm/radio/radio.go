// Package radio is the transport boundary: it moves opaque frame
// payloads between bots and knows nothing about what they mean. The
// engine hands it encoded messages and registers a receiver for
// whatever arrives.
package radio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BroadcastMAC addresses every listener in range.
var BroadcastMAC = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

var (
	ErrNotStarted = errors.New("radio not started")
	ErrClosed     = errors.New("radio closed")
)

// Frame is one received payload with transport-level envelope data.
// From identifies the link-layer sender; the payload usually embeds
// its own sender identity as well.
type Frame struct {
	From    [6]byte
	Payload []byte
	At      time.Time
}

// Receiver consumes inbound frames. It runs on the transport's
// delivery goroutine and must not block.
type Receiver func(Frame)

// Transport is the radio boundary the engine talks to.
type Transport interface {
	// Broadcast fans the payload out to every reachable peer.
	Broadcast(ctx context.Context, payload []byte) error
	// Send targets one peer by MAC. Unknown MACs are an error.
	Send(ctx context.Context, mac [6]byte, payload []byte) error
	// SetReceiver registers the inbound callback. A nil receiver
	// drops frames.
	SetReceiver(fn Receiver)
	// LocalMAC returns this node's radio identity.
	LocalMAC() [6]byte
	Close() error
}

// Metrics counts transport activity.
type Metrics struct {
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	DupesDropped   uint64 `json:"dupes_dropped"`
	RateLimited    uint64 `json:"rate_limited"`
	SendErrors     uint64 `json:"send_errors"`
	PeersConnected int    `json:"peers_connected"`
}

// BloomConfig tunes duplicate suppression.
type BloomConfig struct {
	ExpectedElements  uint    `json:"expected_elements"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
}

// RateLimitConfig tunes the per-peer inbound token bucket.
type RateLimitConfig struct {
	FramesPerSecond int `json:"frames_per_second"`
	BurstSize       int `json:"burst_size"`
}

// BreakerConfig tunes the send circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32        `json:"max_requests"`
	Interval            time.Duration `json:"interval"`
	Timeout             time.Duration `json:"timeout"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
}

// Config holds P2P radio configuration.
type Config struct {
	// ListenAddrs are libp2p multiaddrs to listen on.
	ListenAddrs []string `json:"listen_addrs"`
	// ServiceTag names the mDNS discovery group. Bots only find
	// others advertising the same tag.
	ServiceTag string `json:"service_tag"`
	// MACOverride pins the radio identity ("AA:BB:CC:DD:EE:FF")
	// instead of deriving it from the peer ID.
	MACOverride string `json:"mac_override"`
	// SendTimeout bounds one stream open + write.
	SendTimeout time.Duration `json:"send_timeout"`
	// SeenTTL is how long a frame signature stays in the duplicate
	// filter.
	SeenTTL time.Duration `json:"seen_ttl"`

	BloomFilter BloomConfig     `json:"bloom_filter"`
	RateLimit   RateLimitConfig `json:"rate_limit"`
	Breaker     BreakerConfig   `json:"breaker"`
}

// DefaultConfig returns production defaults: ephemeral TCP and QUIC
// listeners, a shared discovery tag, dedup sized for a small swarm
// chattering for hours.
func DefaultConfig() Config {
	return Config{
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		},
		ServiceTag:  "waggle-swarm",
		SendTimeout: 5 * time.Second,
		SeenTTL:     5 * time.Minute,
		BloomFilter: BloomConfig{
			ExpectedElements:  100000,
			FalsePositiveRate: 0.01,
		},
		RateLimit: RateLimitConfig{
			FramesPerSecond: 20,
			BurstSize:       40,
		},
		Breaker: BreakerConfig{
			MaxRequests:         3,
			Interval:            30 * time.Second,
			Timeout:             15 * time.Second,
			ConsecutiveFailures: 5,
		},
	}
}

// ParseMAC parses "AA:BB:CC:DD:EE:FF".
func ParseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, fmt.Errorf("malformed MAC %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, fmt.Errorf("malformed MAC %q: %w", s, err)
		}
		mac[i] = byte(v)
	}
	return mac, nil
}

func getShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
