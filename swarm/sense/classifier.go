// Package sense turns raw sensor snapshots into the environmental
// contexts and emotional state that drive signal generation. It
// consumes readings; it never talks to hardware.
package sense

import (
	"log/slog"

	"github.com/projectjumbo/waggle/swarm/signal"
)

// Snapshot is one poll of the bot's sensors. Fields a chassis lacks
// stay zero.
type Snapshot struct {
	DistanceCm     int     // forward range; 0 means no reading / clear
	Moving         bool    // drive currently engaged
	TaskInProgress bool    // main loop is working a task
	TaskSuccessful bool    // that task just completed
	MotionDetected bool    // auxiliary motion sensor, when fitted
	AccelMagnitude float32 // g-force magnitude, when fitted
	LastPeerHeard  uint32  // clock ms of the latest peer frame, 0 = never
}

// Capability is a chassis-specific classification override, consulted
// after the shared priority ladder. Replaces the per-bot firmware
// builds: a node declares the sentries its hardware supports.
type Capability interface {
	Classify(s Snapshot, now uint32) (signal.Context, bool)
	Name() string
}

// MotionSentry maps an auxiliary motion hit in open space to a
// resource discovery (scout chassis).
type MotionSentry struct {
	// MinDistanceCm gates the override so obstacle handling keeps
	// priority. 0 means the 30cm default.
	MinDistanceCm int
}

func (MotionSentry) Name() string { return "motion" }

func (m MotionSentry) Classify(s Snapshot, _ uint32) (signal.Context, bool) {
	gate := m.MinDistanceCm
	if gate == 0 {
		gate = 30
	}
	if s.MotionDetected && s.DistanceCm > gate {
		return signal.ContextResourceFound, true
	}
	return signal.ContextUnknown, false
}

// ShockSentry maps an unexpected acceleration while stationary to
// danger: the bot is being picked up or shoved (accelerometer chassis).
type ShockSentry struct {
	// Threshold in g. 0 means the 2.0 default.
	Threshold float32
}

func (ShockSentry) Name() string { return "shock" }

func (s ShockSentry) Classify(snap Snapshot, _ uint32) (signal.Context, bool) {
	threshold := s.Threshold
	if threshold == 0 {
		threshold = 2.0
	}
	if snap.AccelMagnitude > threshold && !snap.Moving {
		return signal.ContextDangerSensed, true
	}
	return signal.ContextUnknown, false
}

// ClassifierConfig tunes the priority ladder thresholds.
type ClassifierConfig struct {
	DebounceMs   uint32 `json:"debounce_ms"`
	ObstacleCm   int    `json:"obstacle_cm"`
	OpenSpaceCm  int    `json:"open_space_cm"`
	PeerWindowMs uint32 `json:"peer_window_ms"`
}

// DefaultClassifierConfig returns the thresholds the swarm shipped
// with.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		DebounceMs:   500,
		ObstacleCm:   15,
		OpenSpaceCm:  100,
		PeerWindowMs: 5000,
	}
}

// Classifier runs the shared priority ladder plus capability
// overrides, debounced so the context cannot flap faster than the
// configured window. Not safe for concurrent use.
type Classifier struct {
	cfg        ClassifierConfig
	caps       []Capability
	emotions   *EmotionTracker
	current    signal.Context
	lastUpdate uint32
	stuck      stuckDetector
	history    contextHistory
	logger     *slog.Logger
}

// NewClassifier builds a classifier. emotions must not be nil: task
// outcomes feed it. logger may be nil.
func NewClassifier(cfg ClassifierConfig, caps []Capability, emotions *EmotionTracker, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		cfg:      cfg,
		caps:     caps,
		emotions: emotions,
		current:  signal.ContextUnknown,
		logger:   logger.With("component", "sense"),
	}
}

// Current returns the last stable context without re-evaluating.
func (c *Classifier) Current() signal.Context { return c.current }

// Classify evaluates the snapshot. Within the debounce window the
// previous stable context is returned untouched; outside it the ladder
// runs: obstacle, then task state, then recent peer contact, then
// movement, then idle. Capability sentries get the final word.
func (c *Classifier) Classify(s Snapshot, now uint32) signal.Context {
	if now-c.lastUpdate < c.cfg.DebounceMs {
		return c.current
	}

	next := c.ladder(s, now)
	for _, sentry := range c.caps {
		if ctx, ok := sentry.Classify(s, now); ok {
			next = ctx
		}
	}

	if next != c.current {
		c.logger.Debug("context changed", "from", c.current, "to", next)
	}
	c.current = next
	c.lastUpdate = now
	c.history.record(next, now)
	return next
}

func (c *Classifier) ladder(s Snapshot, now uint32) signal.Context {
	switch {
	case s.DistanceCm > 0 && s.DistanceCm < c.cfg.ObstacleCm:
		return signal.ContextObstacleNear

	case s.TaskInProgress:
		if s.TaskSuccessful {
			c.emotions.RecordSuccess(now)
			return signal.ContextTaskSuccess
		}
		if c.stuck.update(s) {
			c.emotions.RecordFailure(now)
			return signal.ContextTaskFailure
		}
		return signal.ContextExploration

	case s.LastPeerHeard != 0 && now-s.LastPeerHeard < c.cfg.PeerWindowMs:
		return signal.ContextPeerDetected

	case s.Moving:
		if s.DistanceCm > c.cfg.OpenSpaceCm || s.DistanceCm == 0 {
			return signal.ContextOpenSpace
		}
		return signal.ContextExploration

	default:
		return signal.ContextWaiting
	}
}

// Stability scores recent context steadiness in [0,1]: 1 means no
// transitions across the recent history window, 0.5 means not enough
// data yet.
func (c *Classifier) Stability() float32 { return c.history.stability() }

// MostFrequentRecent returns the dominant context over the history
// window.
func (c *Classifier) MostFrequentRecent() signal.Context { return c.history.mostFrequent() }

// stuckDetector flags a bot that keeps driving without the forward
// range changing: three consecutive no-progress polls while moving.
type stuckDetector struct {
	lastDistance int
	counter      uint8
}

func (d *stuckDetector) update(s Snapshot) bool {
	if s.Moving {
		delta := s.DistanceCm - d.lastDistance
		if delta < 0 {
			delta = -delta
		}
		if delta < 5 {
			if d.counter < 3 {
				d.counter++
			}
		} else {
			d.counter = 0
		}
		d.lastDistance = s.DistanceCm
	}
	return d.counter >= 3
}

// Intensity ranks how much a context matters when deciding whether to
// voice it immediately.
func Intensity(ctx signal.Context) float32 {
	switch ctx {
	case signal.ContextDangerSensed, signal.ContextTaskFailure:
		return 0.9
	case signal.ContextObstacleNear, signal.ContextTaskSuccess:
		return 0.7
	case signal.ContextPeerDetected, signal.ContextResourceFound, signal.ContextExploration:
		return 0.5
	case signal.ContextOpenSpace, signal.ContextFollowing, signal.ContextLeading:
		return 0.3
	default:
		return 0.1
	}
}

const historySize = 20

// contextHistory is a fixed ring of recent classifications used for
// stability scoring.
type contextHistory struct {
	contexts [historySize]signal.Context
	at       [historySize]uint32
	idx      int
	full     bool
}

func (h *contextHistory) record(ctx signal.Context, now uint32) {
	h.contexts[h.idx] = ctx
	h.at[h.idx] = now
	h.idx = (h.idx + 1) % historySize
	if h.idx == 0 {
		h.full = true
	}
}

func (h *contextHistory) size() int {
	if h.full {
		return historySize
	}
	return h.idx
}

func (h *contextHistory) stability() float32 {
	if !h.full && h.idx < 5 {
		return 0.5
	}

	window := h.size()
	if window > 10 {
		window = 10
	}

	changes := 0
	for i := 1; i < window; i++ {
		prev := ((h.idx-i-1)%historySize + historySize) % historySize
		curr := ((h.idx-i)%historySize + historySize) % historySize
		if h.contexts[prev] != h.contexts[curr] {
			changes++
		}
	}
	return 1 - float32(changes)/float32(window-1)
}

func (h *contextHistory) mostFrequent() signal.Context {
	counts := make(map[signal.Context]int)
	best := signal.ContextUnknown
	bestCount := 0
	for i := 0; i < h.size(); i++ {
		ctx := h.contexts[i]
		counts[ctx]++
		if counts[ctx] > bestCount {
			bestCount = counts[ctx]
			best = ctx
		}
	}
	return best
}
