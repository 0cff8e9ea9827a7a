package signal

// pruneRetentionMs is how long an idle word survives pruning when its
// utility and usage counters do not protect it.
const pruneRetentionMs = 600000 // 10 minutes

// Vocabulary is the bounded word store owned by one generator. Entries
// are pointer-stable: a *Word returned from Insert stays valid until
// that entry is evicted or pruned. Not safe for concurrent use; the
// owning engine serializes access.
type Vocabulary struct {
	words []*Word
}

func NewVocabulary() *Vocabulary {
	return &Vocabulary{words: make([]*Word, 0, MaxVocabulary)}
}

func (v *Vocabulary) Len() int { return len(v.words) }

// At returns the i-th word. Index order is stable between mutations.
func (v *Vocabulary) At(i int) *Word { return v.words[i] }

// Insert stores a copy of w. With free capacity it appends; at capacity
// it overwrites the entry with the strictly lowest utility, first index
// winning ties. Returns the stored word and whether an entry was
// evicted to make room.
func (v *Vocabulary) Insert(w Word) (*Word, bool) {
	if len(v.words) < MaxVocabulary {
		stored := new(Word)
		*stored = w
		v.words = append(v.words, stored)
		return stored, false
	}

	lowest := float32(1.0)
	replace := 0
	for i, existing := range v.words {
		if existing.Utility < lowest {
			lowest = existing.Utility
			replace = i
		}
	}

	stored := new(Word)
	*stored = w
	v.words[replace] = stored
	return stored, true
}

// Prune drops words that have gone stale: kept iff used within the
// retention window, or utility above 0.5, or used more than 5 times.
// Compaction is stable and the operation is idempotent for a fixed
// now. Returns the number of dropped words.
func (v *Vocabulary) Prune(now uint32) int {
	kept := v.words[:0]
	for _, w := range v.words {
		sinceUse := now - w.LastUsed
		if sinceUse < pruneRetentionMs || w.Utility > 0.5 || w.TimesUsed > 5 {
			kept = append(kept, w)
		}
	}
	dropped := len(v.words) - len(kept)
	for i := len(kept); i < len(v.words); i++ {
		v.words[i] = nil
	}
	v.words = kept
	return dropped
}

// Snapshot copies every word out, in index order, for persistence and
// telemetry.
func (v *Vocabulary) Snapshot() []Word {
	out := make([]Word, len(v.words))
	for i, w := range v.words {
		out[i] = *w
	}
	return out
}

// Restore replaces the vocabulary contents with the given words,
// truncating at capacity.
func (v *Vocabulary) Restore(words []Word) {
	if len(words) > MaxVocabulary {
		words = words[:MaxVocabulary]
	}
	v.words = make([]*Word, len(words))
	for i := range words {
		stored := new(Word)
		*stored = words[i]
		v.words[i] = stored
	}
}

// AverageUtility is the mean utility across the vocabulary, 0 when
// empty.
func (v *Vocabulary) AverageUtility() float32 {
	if len(v.words) == 0 {
		return 0
	}
	var sum float32
	for _, w := range v.words {
		sum += w.Utility
	}
	return sum / float32(len(v.words))
}

// MostUsed returns the word with the highest use count, nil when the
// vocabulary is empty.
func (v *Vocabulary) MostUsed() *Word {
	var best *Word
	for _, w := range v.words {
		if best == nil || w.TimesUsed > best.TimesUsed {
			best = w
		}
	}
	return best
}
