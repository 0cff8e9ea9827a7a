package signal

import "fmt"

// PeerProfile tracks what one remote bot sounds like: the words heard
// from it, a trust EMA, and the personality signature it stamps on its
// signals.
type PeerProfile struct {
	MAC       [6]byte
	Known     []Word // bounded at MaxPeerSignals
	Trust     float32
	Signature uint8
	LastHeard uint32
}

// PeerTable is the bounded profile store. When full, new peers are
// refused: existing relationships are never overwritten by strangers.
type PeerTable struct {
	peers []*PeerProfile
}

func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make([]*PeerProfile, 0, MaxPeers)}
}

func (t *PeerTable) Len() int { return len(t.peers) }

// At returns the i-th profile in insertion order.
func (t *PeerTable) At(i int) *PeerProfile { return t.peers[i] }

// Find returns the profile for mac, nil when unknown.
func (t *PeerTable) Find(mac [6]byte) *PeerProfile {
	for _, p := range t.peers {
		if p.MAC == mac {
			return p
		}
	}
	return nil
}

// add creates a profile with neutral trust, or returns nil when the
// table is full.
func (t *PeerTable) add(mac [6]byte, signature uint8, now uint32) *PeerProfile {
	if len(t.peers) >= MaxPeers {
		return nil
	}
	p := &PeerProfile{
		MAC:       mac,
		Known:     make([]Word, 0, MaxPeerSignals),
		Trust:     0.5,
		Signature: signature,
		LastHeard: now,
	}
	t.peers = append(t.peers, p)
	return p
}

// LearnFrom records a word heard from a peer: find-or-create the
// profile, append the word while the per-peer table has room, and note
// the reception in context memory for later outcome scoring. A full
// peer table drops the lesson silently.
func (g *Generator) LearnFrom(mac [6]byte, w Word, ctx Context) {
	now := g.clock()

	profile := g.peers.Find(mac)
	if profile == nil {
		profile = g.peers.add(mac, w.Signature, now)
		if profile == nil {
			g.logger.Debug("peer table full, lesson dropped", "peer", FormatMAC(mac))
			return
		}
		g.logger.Info("new peer heard", "peer", FormatMAC(mac), "signature", w.Signature)
	}

	if len(profile.Known) < MaxPeerSignals {
		profile.Known = append(profile.Known, w)
	}
	profile.LastHeard = now

	g.memory.Record(MemoryEntry{
		Sender:  mac,
		Signal:  w,
		Context: ctx,
		HeardAt: now,
	})

	g.logger.Debug("learned peer signal",
		"peer", FormatMAC(mac), "context", ctx, "known", len(profile.Known))
}

// UpdatePeerTrust folds an interaction outcome in [0,1] into the
// peer's trust EMA. Unknown peers are ignored.
func (g *Generator) UpdatePeerTrust(mac [6]byte, outcome float32) {
	p := g.peers.Find(mac)
	if p == nil {
		return
	}
	if outcome < 0 {
		outcome = 0
	} else if outcome > 1 {
		outcome = 1
	}
	const alpha = 0.1
	p.Trust = (1-alpha)*p.Trust + alpha*outcome
	if p.Trust < 0 {
		p.Trust = 0
	} else if p.Trust > 1 {
		p.Trust = 1
	}
}

// Peers exposes the profile table for stats and telemetry.
func (g *Generator) Peers() *PeerTable { return g.peers }

// FormatMAC renders a radio identity the conventional way.
func FormatMAC(mac [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
