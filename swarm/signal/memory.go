package signal

// MemoryEntry is one remembered reception: who sent what, in which of
// our contexts we heard it, and eventually how the exchange worked
// out.
type MemoryEntry struct {
	Sender  [6]byte
	Signal  Word
	Context Context
	HeardAt uint32
	Outcome float32
	Scored  bool
}

// ContextMemory is a fixed ring of recent receptions. Once full the
// oldest entry is overwritten.
type ContextMemory struct {
	entries [MaxContextMemory]MemoryEntry
	size    int
	head    int // next write slot
}

func (m *ContextMemory) Len() int { return m.size }

// Record stores an entry, overwriting the oldest when full.
func (m *ContextMemory) Record(e MemoryEntry) {
	m.entries[m.head] = e
	m.head = (m.head + 1) % MaxContextMemory
	if m.size < MaxContextMemory {
		m.size++
	}
}

// LatestUnscored returns the newest entry still awaiting an outcome,
// nil when every remembered reception is scored.
func (m *ContextMemory) LatestUnscored() *MemoryEntry {
	for i := 0; i < m.size; i++ {
		idx := ((m.head-1-i)%MaxContextMemory + MaxContextMemory) % MaxContextMemory
		if !m.entries[idx].Scored {
			return &m.entries[idx]
		}
	}
	return nil
}

// ScoreOutcome closes the loop on the most recent unscored reception:
// the entry is stamped with the outcome and the sender's trust absorbs
// it. Reports which peer was scored, or false when nothing was pending.
func (g *Generator) ScoreOutcome(outcome float32) ([6]byte, bool) {
	e := g.memory.LatestUnscored()
	if e == nil {
		return [6]byte{}, false
	}
	if outcome < 0 {
		outcome = 0
	} else if outcome > 1 {
		outcome = 1
	}
	e.Outcome = outcome
	e.Scored = true
	g.UpdatePeerTrust(e.Sender, outcome)
	g.logger.Debug("outcome scored", "peer", FormatMAC(e.Sender), "outcome", outcome)
	return e.Sender, true
}

// Memory exposes the reception ring for stats.
func (g *Generator) Memory() *ContextMemory { return g.memory }
