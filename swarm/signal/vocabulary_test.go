package signal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVocabularyNeverExceedsCapacity(t *testing.T) {
	v := NewVocabulary()
	for i := 0; i < MaxVocabulary+16; i++ {
		v.Insert(Word{Context: ContextWaiting, ComponentCount: 1, Utility: 0.5})
		assert.LessOrEqual(t, v.Len(), MaxVocabulary)
	}
	assert.Equal(t, MaxVocabulary, v.Len())
}

func TestInsertEvictsLowestUtility(t *testing.T) {
	v := NewVocabulary()
	for i := 0; i < MaxVocabulary; i++ {
		v.Insert(Word{
			Context:        ContextWaiting,
			ComponentCount: 1,
			Utility:        0.3 + float32(i)*0.01,
			TimesUsed:      uint32(i),
		})
	}
	// Bury a clear minimum mid-table.
	v.At(17).Utility = 0.01

	stored, evicted := v.Insert(Word{Context: ContextLeading, ComponentCount: 1, Utility: 0.5})
	require.True(t, evicted)
	assert.Same(t, stored, v.At(17), "the minimum-utility slot is the one replaced")
	assert.Equal(t, ContextLeading, v.At(17).Context)
	assert.Equal(t, MaxVocabulary, v.Len())
}

func TestEvictionTieBreaksOnLowestIndex(t *testing.T) {
	v := NewVocabulary()
	for i := 0; i < MaxVocabulary; i++ {
		v.Insert(Word{Context: ContextWaiting, ComponentCount: 1, Utility: 0.25})
	}

	stored, evicted := v.Insert(Word{Context: ContextFollowing, ComponentCount: 1, Utility: 0.5})
	require.True(t, evicted)
	assert.Same(t, stored, v.At(0))
	assert.Equal(t, ContextFollowing, v.At(0).Context)
	for i := 1; i < v.Len(); i++ {
		assert.Equal(t, ContextWaiting, v.At(i).Context)
	}
}

func TestInsertReturnsStableFallback(t *testing.T) {
	v := NewVocabulary()
	stored, evicted := v.Insert(Word{Context: ContextWaiting, ComponentCount: 1})
	assert.False(t, evicted)

	stored.Utility = 0.77
	assert.InDelta(t, 0.77, v.At(0).Utility, 1e-6, "Insert must return the stored entry, not a copy")
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	v := NewVocabulary()
	for i := 0; i < 5; i++ {
		v.Insert(Word{
			Context:        ContextExploration,
			ComponentCount: uint8(1 + i%3),
			Utility:        float32(i) * 0.2,
			TimesUsed:      uint32(i * 3),
			Generation:     uint16(i),
		})
	}

	snap := v.Snapshot()
	restored := NewVocabulary()
	restored.Restore(snap)

	require.Equal(t, v.Len(), restored.Len())
	for i := 0; i < v.Len(); i++ {
		assert.Equal(t, *v.At(i), *restored.At(i), fmt.Sprintf("word %d", i))
	}

	// Snapshot is a copy: mutating it must not touch the vocabulary.
	snap[0].Utility = 0.99
	assert.NotEqual(t, snap[0].Utility, v.At(0).Utility)
}

func TestRestoreTruncatesAtCapacity(t *testing.T) {
	words := make([]Word, MaxVocabulary+8)
	for i := range words {
		words[i] = Word{Context: ContextWaiting, ComponentCount: 1}
	}
	v := NewVocabulary()
	v.Restore(words)
	assert.Equal(t, MaxVocabulary, v.Len())
}

func TestAverageUtilityAndMostUsed(t *testing.T) {
	v := NewVocabulary()
	assert.Zero(t, v.AverageUtility())
	assert.Nil(t, v.MostUsed())

	v.Insert(Word{ComponentCount: 1, Utility: 0.2, TimesUsed: 3})
	v.Insert(Word{ComponentCount: 1, Utility: 0.6, TimesUsed: 9})
	v.Insert(Word{ComponentCount: 1, Utility: 0.4, TimesUsed: 6})

	assert.InDelta(t, 0.4, v.AverageUtility(), 1e-6)
	assert.Equal(t, uint32(9), v.MostUsed().TimesUsed)
}
