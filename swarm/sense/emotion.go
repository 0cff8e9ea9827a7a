package sense

import "github.com/projectjumbo/waggle/swarm/signal"

// counterCap bounds the consecutive outcome counters so a long streak
// cannot take ages to unwind.
const counterCap = 10

// Decay and tier windows, in ms.
const (
	decayQuietMs    = 60000
	recentWindowMs  = 10000
	distantWindowMs = 30000
)

// EmotionTracker derives a coarse emotional state from task outcome
// streaks. Outcomes arrive through RecordSuccess/RecordFailure; the
// current tier is re-evaluated on every read so old streaks fade even
// when nothing new happens. Not safe for concurrent use.
type EmotionTracker struct {
	current     signal.Emotion
	successes   uint8
	failures    uint8
	lastSuccess uint32
	lastFailure uint32
}

// NewEmotionTracker starts neutral.
func NewEmotionTracker() *EmotionTracker {
	return &EmotionTracker{current: signal.EmotionNeutral}
}

// RecordSuccess notes a completed task. A success breaks a failure
// streak.
func (t *EmotionTracker) RecordSuccess(now uint32) {
	if t.successes < counterCap {
		t.successes++
	}
	t.failures = 0
	t.lastSuccess = now
}

// RecordFailure notes a failed or stuck task. A failure breaks a
// success streak.
func (t *EmotionTracker) RecordFailure(now uint32) {
	if t.failures < counterCap {
		t.failures++
	}
	t.successes = 0
	t.lastFailure = now
}

// Current re-evaluates and returns the emotional tier. Streak tiers
// need both a run of outcomes and the right recency; once a full quiet
// minute has passed the tier is no longer re-derived, and each read
// steps the held state one notch back toward neutral.
func (t *EmotionTracker) Current(now uint32) signal.Emotion {
	if now-t.lastSuccess > decayQuietMs && now-t.lastFailure > decayQuietMs {
		if t.current > signal.EmotionNeutral {
			t.current--
		} else if t.current < signal.EmotionNeutral {
			t.current++
		}
		return t.current
	}

	switch {
	case t.successes >= 3 && now-t.lastFailure > distantWindowMs:
		t.current = signal.EmotionVeryPositive
	case t.successes >= 2 && now-t.lastSuccess < recentWindowMs:
		t.current = signal.EmotionPositive
	case t.failures >= 3 && now-t.lastSuccess > distantWindowMs:
		t.current = signal.EmotionVeryNegative
	case t.failures >= 2 && now-t.lastFailure < recentWindowMs:
		t.current = signal.EmotionNegative
	default:
		t.current = signal.EmotionNeutral
	}
	return t.current
}

// Streaks reports the consecutive success and failure counters, for
// status surfaces.
func (t *EmotionTracker) Streaks() (successes, failures uint8) {
	return t.successes, t.failures
}
