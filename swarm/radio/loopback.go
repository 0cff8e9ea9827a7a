package radio

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// LoopbackNet is an in-process radio medium: every attached transport
// hears every other's broadcasts. Simulations dial in packet loss and
// latency; tests usually leave both at zero.
type LoopbackNet struct {
	mu    sync.RWMutex
	nodes map[[6]byte]*LoopbackTransport

	rngMu    sync.Mutex
	rng      *rand.Rand
	dropRate float64
	latency  time.Duration
}

// NewLoopbackNet builds an empty medium.
func NewLoopbackNet() *LoopbackNet {
	return &LoopbackNet{
		nodes: make(map[[6]byte]*LoopbackTransport),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetDropRate makes each delivery fail independently with probability
// p in [0,1].
func (n *LoopbackNet) SetDropRate(p float64) {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	n.dropRate = p
}

// SetLatency delays every delivery by d.
func (n *LoopbackNet) SetLatency(d time.Duration) {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	n.latency = d
}

// Attach joins a node to the medium under the given MAC and starts its
// delivery pump.
func (n *LoopbackNet) Attach(mac [6]byte) *LoopbackTransport {
	t := &LoopbackTransport{
		net:   n,
		mac:   mac,
		inbox: make(chan Frame, 64),
		done:  make(chan struct{}),
	}
	go t.pump()

	n.mu.Lock()
	n.nodes[mac] = t
	n.mu.Unlock()
	return t
}

func (n *LoopbackNet) detach(mac [6]byte) {
	n.mu.Lock()
	delete(n.nodes, mac)
	n.mu.Unlock()
}

// route copies the payload and queues it at every matching node except
// the sender. Returns how many nodes were addressed (before loss).
func (n *LoopbackNet) route(from, to [6]byte, payload []byte) int {
	n.mu.RLock()
	targets := make([]*LoopbackTransport, 0, len(n.nodes))
	for mac, node := range n.nodes {
		if mac == from {
			continue
		}
		if to != BroadcastMAC && mac != to {
			continue
		}
		targets = append(targets, node)
	}
	n.mu.RUnlock()

	n.rngMu.Lock()
	dropRate := n.dropRate
	latency := n.latency
	survivors := targets[:0]
	for _, node := range targets {
		if dropRate > 0 && n.rng.Float64() < dropRate {
			continue
		}
		survivors = append(survivors, node)
	}
	n.rngMu.Unlock()

	frame := Frame{From: from, Payload: append([]byte(nil), payload...), At: time.Now()}
	for _, node := range survivors {
		if latency > 0 {
			target := node
			time.AfterFunc(latency, func() { target.enqueue(frame) })
		} else {
			node.enqueue(frame)
		}
	}
	return len(targets)
}

// LoopbackTransport implements Transport over a LoopbackNet.
type LoopbackTransport struct {
	net   *LoopbackNet
	mac   [6]byte
	inbox chan Frame
	done  chan struct{}

	recvMu sync.RWMutex
	recv   Receiver

	closed atomic.Bool
}

func (t *LoopbackTransport) pump() {
	for {
		select {
		case f := <-t.inbox:
			t.recvMu.RLock()
			rcv := t.recv
			t.recvMu.RUnlock()
			if rcv != nil {
				rcv(f)
			}
		case <-t.done:
			return
		}
	}
}

func (t *LoopbackTransport) enqueue(f Frame) {
	if t.closed.Load() {
		return
	}
	select {
	case t.inbox <- f:
	default:
		// Inbox full: the air does not queue either.
	}
}

// Broadcast implements Transport.
func (t *LoopbackTransport) Broadcast(ctx context.Context, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.net.route(t.mac, BroadcastMAC, payload)
	return nil
}

// Send implements Transport.
func (t *LoopbackTransport) Send(ctx context.Context, mac [6]byte, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.net.route(t.mac, mac, payload) == 0 {
		return fmt.Errorf("no node at %02X:%02X:%02X:%02X:%02X:%02X",
			mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
	}
	return nil
}

// SetReceiver implements Transport.
func (t *LoopbackTransport) SetReceiver(fn Receiver) {
	t.recvMu.Lock()
	t.recv = fn
	t.recvMu.Unlock()
}

// LocalMAC implements Transport.
func (t *LoopbackTransport) LocalMAC() [6]byte { return t.mac }

// Close implements Transport.
func (t *LoopbackTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.net.detach(t.mac)
	close(t.done)
	return nil
}
