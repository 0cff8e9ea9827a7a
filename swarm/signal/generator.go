package signal

import (
	"log/slog"
	"math/rand"
	"time"
)

// Clock returns monotonic milliseconds on the owning bot's timeline.
// The zero point is arbitrary; only differences matter. Wraps after
// ~49.7 days like the firmware clocks these bots ran on.
type Clock func() uint32

// WallClock builds the default clock: milliseconds elapsed since the
// call.
func WallClock() Clock {
	start := time.Now()
	return func() uint32 {
		return uint32(time.Since(start).Milliseconds())
	}
}

// Personality fixes a bot's acoustic character at construction. The
// innovation rate is the percent chance to mutate or invent instead of
// reusing a matched word; complexity preference caps synthesized
// component counts for non-urgent contexts.
type Personality struct {
	Signature            uint8 `json:"signature"`
	ComplexityPreference uint8 `json:"complexity_preference"` // 1..7
	InnovationRate       uint8 `json:"innovation_rate"`       // 0..100
}

// RollPersonality draws a fresh personality the way factory firmware
// did: signature in [1,254], complexity preference in [1,7], innovation
// rate in [10,89].
func RollPersonality(rng *rand.Rand) Personality {
	return Personality{
		Signature:            uint8(1 + rng.Intn(254)),
		ComplexityPreference: uint8(1 + rng.Intn(7)),
		InnovationRate:       uint8(10 + rng.Intn(80)),
	}
}

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	// Personality to use. A zero Signature means roll one from the
	// generator's randomness source.
	Personality Personality `json:"personality"`
	// Seed for the randomness source. 0 seeds from the current time.
	Seed int64 `json:"seed"`
}

// GeneratorCounters tallies which strategy produced each emitted word
// and how the vocabulary churns.
type GeneratorCounters struct {
	Reused  uint64 `json:"reused"`
	Mutated uint64 `json:"mutated"`
	Created uint64 `json:"created"`
	Evolved uint64 `json:"evolved"` // low-utility pressure mutations
	Pruned  uint64 `json:"pruned"`
	Evicted uint64 `json:"evicted"`
}

// Generator owns one bot's emergent vocabulary: it mints, reuses,
// mutates and retires signal words, and tracks what peers sound like.
// All state is instance-owned. Not safe for concurrent use; the engine
// serializes access.
type Generator struct {
	vocab       *Vocabulary
	peers       *PeerTable
	memory      *ContextMemory
	personality Personality
	generation  uint16
	operators   []MutationOperator
	rng         *rand.Rand
	clock       Clock
	logger      *slog.Logger
	counters    GeneratorCounters
}

// NewGenerator builds a generator. clock and logger may be nil, in
// which case a process-start wall clock and slog.Default are used.
func NewGenerator(cfg GeneratorConfig, clock Clock, logger *slog.Logger) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	personality := cfg.Personality
	if personality.Signature == 0 {
		personality = RollPersonality(rng)
	}
	if personality.ComplexityPreference == 0 {
		personality.ComplexityPreference = 1
	} else if personality.ComplexityPreference > MaxComponents {
		personality.ComplexityPreference = MaxComponents
	}
	if personality.InnovationRate > 100 {
		personality.InnovationRate = 100
	}

	if clock == nil {
		clock = WallClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Generator{
		vocab:       NewVocabulary(),
		peers:       NewPeerTable(),
		memory:      &ContextMemory{},
		personality: personality,
		operators:   mutationOperators(),
		rng:         rng,
		clock:       clock,
		logger:      logger.With("component", "signal"),
	}

	g.logger.Info("signal generator ready",
		"signature", personality.Signature,
		"complexity_preference", personality.ComplexityPreference,
		"innovation_rate", personality.InnovationRate,
	)
	return g
}

// Personality returns the fixed traits this generator was built with.
func (g *Generator) Personality() Personality { return g.personality }

// Generation returns the current evolution cycle counter.
func (g *Generator) Generation() uint16 { return g.generation }

// AdvanceGeneration bumps the cycle counter. The engine calls this on
// each evolution tick so freshly minted and pressure-mutated words
// carry their era.
func (g *Generator) AdvanceGeneration() { g.generation++ }

// Counters returns strategy tallies accumulated so far.
func (g *Generator) Counters() GeneratorCounters { return g.counters }

// Vocabulary exposes the word store for persistence and stats.
func (g *Generator) Vocabulary() *Vocabulary { return g.vocab }

// GenerateForContext returns the word to voice for the given situation.
// It never returns nil: a matched word is reused verbatim (or, at the
// personality's innovation rate, forked through one mutation), and a
// cold vocabulary synthesizes from scratch.
func (g *Generator) GenerateForContext(ctx Context, emo Emotion) *Word {
	now := g.clock()

	if match := g.findMatch(ctx, emo); match != nil {
		roll := g.rng.Intn(100)
		if roll >= int(g.personality.InnovationRate) {
			match.TimesUsed++
			match.LastUsed = now
			g.counters.Reused++
			g.logger.Debug("reusing signal",
				"context", ctx, "utility", match.Utility, "uses", match.TimesUsed)
			return match
		}

		fork := *match
		g.Mutate(&fork)
		fork.Utility = 0.5
		fork.TimesUsed = 1
		fork.TimesUnderstood = 0
		fork.Generation = g.generation
		fork.CreatedAt = now
		fork.LastUsed = now
		stored, evicted := g.vocab.Insert(fork)
		if evicted {
			g.counters.Evicted++
		}
		g.counters.Mutated++
		g.logger.Debug("forked signal variant", "context", ctx, "components", stored.ComponentCount)
		return stored
	}

	fresh := g.synthesize(ctx, emo, now)
	stored, evicted := g.vocab.Insert(fresh)
	if evicted {
		g.counters.Evicted++
	}
	g.counters.Created++
	g.logger.Debug("minted new signal",
		"context", ctx, "emotion", emo, "components", stored.ComponentCount)
	return stored
}

// findMatch scores every word against the requested situation: 0.6 for
// an exact context hit plus 0.4 for valence within one step, weighted
// by the word's utility so proven signals win. Below 0.3 nothing
// matches.
func (g *Generator) findMatch(ctx Context, emo Emotion) *Word {
	var best *Word
	bestScore := float32(0)

	for i := 0; i < g.vocab.Len(); i++ {
		w := g.vocab.At(i)

		var contextMatch, emotionMatch float32
		if w.Context == ctx {
			contextMatch = 1
		}
		d := int(w.Valence) - int(emo)
		if d < 0 {
			d = -d
		}
		if d <= 1 {
			emotionMatch = 1
		}

		score := (contextMatch*0.6 + emotionMatch*0.4) * w.Utility
		if score > bestScore {
			bestScore = score
			best = w
		}
	}

	if bestScore > 0.3 {
		return best
	}
	return nil
}

// synthesize mints a word from the context- and mood-driven
// distributions: urgent contexts get more, shorter components; positive
// moods pull bright rising primitives, negative moods low falling ones.
func (g *Generator) synthesize(ctx Context, emo Emotion, now uint32) Word {
	w := Word{
		Context:              ctx,
		Valence:              emo,
		Generation:           g.generation,
		Utility:              0.5,
		TimesUsed:            1,
		LastUsed:             now,
		CreatedAt:            now,
		Signature:            g.personality.Signature,
		ComplexityPreference: g.personality.ComplexityPreference,
	}

	switch ctx {
	case ContextDangerSensed, ContextTaskFailure:
		w.ComponentCount = uint8(3 + g.rng.Intn(3))
	case ContextTaskSuccess, ContextResourceFound:
		w.ComponentCount = uint8(2 + g.rng.Intn(2))
	default:
		w.ComponentCount = uint8(1 + g.rng.Intn(int(g.personality.ComplexityPreference)))
	}

	positive := [3]Component{ComponentToneHigh, ComponentSweepUp, ComponentPulseFast}
	negative := [3]Component{ComponentToneLow, ComponentSweepDown, ComponentPulseSlow}

	for i := uint8(0); i < w.ComponentCount; i++ {
		switch {
		case emo >= EmotionPositive:
			w.Components[i] = positive[g.rng.Intn(3)]
			w.Intensities[i] = uint8(150 + g.rng.Intn(105))
		case emo <= EmotionNegative:
			w.Components[i] = negative[g.rng.Intn(3)]
			w.Intensities[i] = uint8(100 + g.rng.Intn(100))
		default:
			w.Components[i] = componentPalette[g.rng.Intn(len(componentPalette))]
			w.Intensities[i] = uint8(100 + g.rng.Intn(155))
		}

		switch {
		case ctx == ContextDangerSensed || ctx == ContextTaskFailure:
			w.Durations[i] = uint16(50 + g.rng.Intn(150))
		case ctx == ContextWaiting || ctx == ContextExploration:
			w.Durations[i] = uint16(200 + g.rng.Intn(600))
		default:
			w.Durations[i] = uint16(100 + g.rng.Intn(300))
		}
	}

	return w
}

// Mutate applies one uniformly chosen mutation operator in place.
func (g *Generator) Mutate(w *Word) {
	op := g.operators[g.rng.Intn(len(g.operators))]
	op.Apply(g.rng, w)
	g.logger.Debug("signal mutated", "op", op.Name())
}

// UpdateUtility folds an outcome in [0,1] into the word's fitness EMA.
// Outcomes above 0.5 count as the peer having understood. Chronic
// underperformers (utility < 0.2 after more than 5 uses) are mutated in
// place and restamped with the current generation.
func (g *Generator) UpdateUtility(w *Word, outcome float32) {
	if w == nil {
		return
	}
	if outcome < 0 {
		outcome = 0
	} else if outcome > 1 {
		outcome = 1
	}

	const alpha = 0.1
	w.Utility = (1-alpha)*w.Utility + alpha*outcome
	if w.Utility < 0 {
		w.Utility = 0
	} else if w.Utility > 1 {
		w.Utility = 1
	}

	if outcome > 0.5 {
		w.TimesUnderstood++
	}

	if w.Utility < 0.2 && w.TimesUsed > 5 {
		g.Mutate(w)
		w.Generation = g.generation
		g.counters.Evolved++
		g.logger.Debug("evolution pressure applied", "context", w.Context, "utility", w.Utility)
	}
}

// Prune retires stale words and reports how many were dropped.
func (g *Generator) Prune() int {
	dropped := g.vocab.Prune(g.clock())
	if dropped > 0 {
		g.counters.Pruned += uint64(dropped)
		g.logger.Info("vocabulary pruned", "dropped", dropped, "remaining", g.vocab.Len())
	}
	return dropped
}
