package signal

// Stats is a point-in-time summary of the generator for logs and the
// telemetry bridge.
type Stats struct {
	VocabularySize int               `json:"vocabulary_size"`
	AverageUtility float32           `json:"average_utility"`
	Generation     uint16            `json:"generation"`
	PeerCount      int               `json:"peer_count"`
	MemoryDepth    int               `json:"memory_depth"`
	MostUsed       string            `json:"most_used,omitempty"`
	MostUsedCount  uint32            `json:"most_used_count,omitempty"`
	ByContext      map[string]int    `json:"by_context"`
	Counters       GeneratorCounters `json:"counters"`
}

// PeerSummary describes one learned peer for telemetry, including how
// far our vocabulary has converged toward theirs.
type PeerSummary struct {
	MAC         string  `json:"mac"`
	Signature   uint8   `json:"signature"`
	Trust       float32 `json:"trust"`
	KnownWords  int     `json:"known_words"`
	LastHeard   uint32  `json:"last_heard"`
	Convergence float32 `json:"convergence"`
}

// Stats summarizes the current vocabulary and learning state.
func (g *Generator) Stats() Stats {
	byContext := make(map[string]int)
	for i := 0; i < g.vocab.Len(); i++ {
		byContext[g.vocab.At(i).Context.String()]++
	}

	s := Stats{
		VocabularySize: g.vocab.Len(),
		AverageUtility: g.vocab.AverageUtility(),
		Generation:     g.generation,
		PeerCount:      g.peers.Len(),
		MemoryDepth:    g.memory.Len(),
		ByContext:      byContext,
		Counters:       g.counters,
	}
	if mostUsed := g.vocab.MostUsed(); mostUsed != nil {
		s.MostUsed = mostUsed.Describe()
		s.MostUsedCount = mostUsed.TimesUsed
	}
	return s
}

// PeerSummaries renders the peer table for telemetry.
func (g *Generator) PeerSummaries() []PeerSummary {
	out := make([]PeerSummary, 0, g.peers.Len())
	for i := 0; i < g.peers.Len(); i++ {
		p := g.peers.At(i)
		out = append(out, PeerSummary{
			MAC:         FormatMAC(p.MAC),
			Signature:   p.Signature,
			Trust:       p.Trust,
			KnownWords:  len(p.Known),
			LastHeard:   p.LastHeard,
			Convergence: g.convergence(p),
		})
	}
	return out
}

// convergence measures dialect overlap with a peer: for each word heard
// from them, the best acoustic similarity against our own vocabulary,
// averaged. 0 when either side has nothing yet.
func (g *Generator) convergence(p *PeerProfile) float32 {
	if len(p.Known) == 0 || g.vocab.Len() == 0 {
		return 0
	}
	var sum float32
	for i := range p.Known {
		var best float32
		for j := 0; j < g.vocab.Len(); j++ {
			if s := AcousticSimilarity(&p.Known[i], g.vocab.At(j)); s > best {
				best = s
			}
		}
		sum += best
	}
	return sum / float32(len(p.Known))
}
