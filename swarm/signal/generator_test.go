package signal

import (
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testGenerator(t *testing.T, p Personality) (*Generator, *uint32) {
	t.Helper()
	now := new(uint32)
	clock := func() uint32 { return *now }
	g := NewGenerator(GeneratorConfig{Personality: p, Seed: 42}, clock, quietLogger())
	return g, now
}

func TestColdStartSynthesizes(t *testing.T) {
	g, _ := testGenerator(t, Personality{Signature: 9, ComplexityPreference: 4, InnovationRate: 50})

	w := g.GenerateForContext(ContextExploration, EmotionNeutral)
	require.NotNil(t, w)
	assert.Equal(t, 1, g.Vocabulary().Len())
	assert.Equal(t, ContextExploration, w.Context)
	assert.Equal(t, EmotionNeutral, w.Valence)
	assert.InDelta(t, 0.5, w.Utility, 1e-6)
	assert.Equal(t, uint32(1), w.TimesUsed)
	assert.GreaterOrEqual(t, w.ComponentCount, uint8(1))
	assert.LessOrEqual(t, w.ComponentCount, uint8(4))
	for i := uint8(0); i < w.ComponentCount; i++ {
		assert.True(t, w.Components[i].Valid())
	}
}

func TestZeroInnovationReusesSameWord(t *testing.T) {
	g, _ := testGenerator(t, Personality{Signature: 9, ComplexityPreference: 3, InnovationRate: 0})

	first := g.GenerateForContext(ContextDangerSensed, EmotionNegative)
	second := g.GenerateForContext(ContextDangerSensed, EmotionNegative)

	assert.Same(t, first, second, "pure reuse must return the stored word")
	assert.Equal(t, uint32(2), second.TimesUsed)
	assert.Equal(t, 1, g.Vocabulary().Len())
}

func TestFullInnovationForksVariant(t *testing.T) {
	g, _ := testGenerator(t, Personality{Signature: 9, ComplexityPreference: 3, InnovationRate: 100})

	first := g.GenerateForContext(ContextTaskSuccess, EmotionPositive)
	second := g.GenerateForContext(ContextTaskSuccess, EmotionPositive)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, g.Vocabulary().Len())
	assert.InDelta(t, 0.5, second.Utility, 1e-6)
	assert.Equal(t, uint32(1), second.TimesUsed)
	assert.Equal(t, uint32(0), second.TimesUnderstood)
}

func TestSynthesisDistributions(t *testing.T) {
	g, _ := testGenerator(t, Personality{Signature: 9, ComplexityPreference: 7, InnovationRate: 100})

	for i := 0; i < 200; i++ {
		urgent := g.synthesize(ContextDangerSensed, EmotionVeryNegative, 0)
		assert.GreaterOrEqual(t, urgent.ComponentCount, uint8(3))
		assert.LessOrEqual(t, urgent.ComponentCount, uint8(5))
		for j := uint8(0); j < urgent.ComponentCount; j++ {
			assert.Contains(t,
				[]Component{ComponentToneLow, ComponentSweepDown, ComponentPulseSlow},
				urgent.Components[j], "negative mood draws the low palette")
			assert.GreaterOrEqual(t, urgent.Durations[j], uint16(50))
			assert.Less(t, urgent.Durations[j], uint16(200))
		}

		success := g.synthesize(ContextTaskSuccess, EmotionVeryPositive, 0)
		assert.GreaterOrEqual(t, success.ComponentCount, uint8(2))
		assert.LessOrEqual(t, success.ComponentCount, uint8(3))
		for j := uint8(0); j < success.ComponentCount; j++ {
			assert.Contains(t,
				[]Component{ComponentToneHigh, ComponentSweepUp, ComponentPulseFast},
				success.Components[j], "positive mood draws the bright palette")
			assert.GreaterOrEqual(t, success.Intensities[j], uint8(150))
		}

		relaxed := g.synthesize(ContextWaiting, EmotionNeutral, 0)
		for j := uint8(0); j < relaxed.ComponentCount; j++ {
			assert.GreaterOrEqual(t, relaxed.Durations[j], uint16(200))
			assert.Less(t, relaxed.Durations[j], uint16(800))
		}
	}
}

func TestUtilityStaysBounded(t *testing.T) {
	g, _ := testGenerator(t, Personality{Signature: 9, ComplexityPreference: 3, InnovationRate: 0})
	w := g.GenerateForContext(ContextWaiting, EmotionNeutral)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		outcome := rng.Float32()*4 - 2 // deliberately out of range
		g.UpdateUtility(w, outcome)
		assert.GreaterOrEqual(t, w.Utility, float32(0))
		assert.LessOrEqual(t, w.Utility, float32(1))
	}
}

func TestUtilityTracksUnderstanding(t *testing.T) {
	g, _ := testGenerator(t, Personality{Signature: 9, ComplexityPreference: 3, InnovationRate: 0})
	w := g.GenerateForContext(ContextWaiting, EmotionNeutral)

	g.UpdateUtility(w, 1.0)
	g.UpdateUtility(w, 0.4)
	g.UpdateUtility(w, 0.9)
	assert.Equal(t, uint32(2), w.TimesUnderstood)
	assert.InDelta(t, 0.5*0.9*0.9*0.9+0.1*(1.0*0.9*0.9+0.4*0.9+0.9), float64(w.Utility), 1e-5)
}

func TestChronicUnderperformerEvolves(t *testing.T) {
	g, _ := testGenerator(t, Personality{Signature: 9, ComplexityPreference: 3, InnovationRate: 0})
	g.AdvanceGeneration()
	g.AdvanceGeneration()

	w := g.GenerateForContext(ContextWaiting, EmotionNeutral)
	w.TimesUsed = 10
	before := *w

	for w.Utility >= 0.2 {
		g.UpdateUtility(w, 0)
	}

	assert.Equal(t, uint16(2), w.Generation, "pressure restamps the generation")
	assert.GreaterOrEqual(t, w.ComponentCount, uint8(1))
	assert.LessOrEqual(t, w.ComponentCount, uint8(MaxComponents))
	_ = before
	assert.Equal(t, uint64(1), g.Counters().Evolved)
}

func TestMutationRespectsBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	ops := mutationOperators()

	w := Word{ComponentCount: 3}
	for i := 0; i < 3; i++ {
		w.Components[i] = ComponentToneMid
		w.Durations[i] = 100
		w.Intensities[i] = 120
	}

	for i := 0; i < 5000; i++ {
		ops[rng.Intn(len(ops))].Apply(rng, &w)
		require.GreaterOrEqual(t, w.ComponentCount, uint8(1))
		require.LessOrEqual(t, w.ComponentCount, uint8(MaxComponents))
		for j := uint8(0); j < w.ComponentCount; j++ {
			require.True(t, w.Components[j].Valid())
			require.GreaterOrEqual(t, w.Durations[j], uint16(50))
			require.LessOrEqual(t, w.Durations[j], uint16(1000))
			require.GreaterOrEqual(t, w.Intensities[j], uint8(50))
		}
	}
}

func TestPruneDropsOnlyUnprotected(t *testing.T) {
	g, now := testGenerator(t, Personality{Signature: 9, ComplexityPreference: 3, InnovationRate: 0})
	*now = 700000

	g.Vocabulary().Restore([]Word{
		{Context: ContextWaiting, ComponentCount: 1, LastUsed: 650000, Utility: 0.1, TimesUsed: 1},  // recent
		{Context: ContextWaiting, ComponentCount: 1, LastUsed: 0, Utility: 0.9, TimesUsed: 1},       // valuable
		{Context: ContextWaiting, ComponentCount: 1, LastUsed: 0, Utility: 0.1, TimesUsed: 9},       // habitual
		{Context: ContextExploration, ComponentCount: 1, LastUsed: 0, Utility: 0.1, TimesUsed: 2},   // stale
		{Context: ContextObstacleNear, ComponentCount: 1, LastUsed: 50000, Utility: 0.2, TimesUsed: 3}, // stale
	})

	dropped := g.Prune()
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 3, g.Vocabulary().Len())
	assert.Equal(t, ContextWaiting, g.Vocabulary().At(0).Context)

	assert.Zero(t, g.Prune(), "pruning twice at the same instant is a no-op")
	assert.Equal(t, 3, g.Vocabulary().Len())
}

func TestGenerationAdvances(t *testing.T) {
	g, _ := testGenerator(t, Personality{Signature: 9, ComplexityPreference: 3, InnovationRate: 0})
	assert.Equal(t, uint16(0), g.Generation())
	g.AdvanceGeneration()
	w := g.GenerateForContext(ContextLeading, EmotionNeutral)
	assert.Equal(t, uint16(1), w.Generation)
}

func TestStatsSummarizes(t *testing.T) {
	g, _ := testGenerator(t, Personality{Signature: 9, ComplexityPreference: 3, InnovationRate: 0})
	g.GenerateForContext(ContextWaiting, EmotionNeutral)
	g.GenerateForContext(ContextDangerSensed, EmotionNegative)

	s := g.Stats()
	assert.Equal(t, 2, s.VocabularySize)
	assert.InDelta(t, 0.5, s.AverageUtility, 1e-6)
	assert.Equal(t, 1, s.ByContext["WAITING"])
	assert.Equal(t, 1, s.ByContext["DANGER_SENSED"])
	assert.NotEmpty(t, s.MostUsed)
}
