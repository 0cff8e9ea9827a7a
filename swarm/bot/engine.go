// Package bot runs one swarm node: it polls sensors, classifies
// context, voices signals over the radio, learns from what it hears,
// and feeds outcomes back into its vocabulary.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/projectjumbo/waggle/swarm/ecosystem"
	"github.com/projectjumbo/waggle/swarm/radio"
	"github.com/projectjumbo/waggle/swarm/sense"
	"github.com/projectjumbo/waggle/swarm/signal"
)

// SensorSource supplies one sensor snapshot per tick.
type SensorSource interface {
	Read() sense.Snapshot
}

// SensorFunc adapts a function to SensorSource.
type SensorFunc func() sense.Snapshot

func (f SensorFunc) Read() sense.Snapshot { return f() }

// VocabularyStore persists vocabulary snapshots between runs.
type VocabularyStore interface {
	Save(words []signal.Word) error
	Load() ([]signal.Word, error)
}

// Config tunes one engine.
type Config struct {
	BotID string `json:"bot_id"`

	// TickInterval is the sensor poll cadence.
	TickInterval time.Duration `json:"tick_interval"`
	// BroadcastInterval re-voices the current context even when
	// nothing changes, so a quiet swarm stays audible.
	BroadcastInterval time.Duration `json:"broadcast_interval"`
	// PruneInterval runs vocabulary pruning and advances the
	// generation counter.
	PruneInterval time.Duration `json:"prune_interval"`
	// PersistInterval snapshots the vocabulary to the store.
	PersistInterval time.Duration `json:"persist_interval"`
	// SequenceExpiry is how long an outbound sequence stays
	// answerable.
	SequenceExpiry time.Duration `json:"sequence_expiry"`

	Classifier   sense.ClassifierConfig `json:"classifier"`
	Capabilities []sense.Capability     `json:"-"`

	Personality signal.Personality `json:"personality"`
	Seed        int64              `json:"seed"`

	// Clock overrides the monotonic ms clock, for tests.
	Clock signal.Clock `json:"-"`
}

// DefaultConfig returns the cadences the swarm ships with.
func DefaultConfig() Config {
	return Config{
		TickInterval:      100 * time.Millisecond,
		BroadcastInterval: 10 * time.Second,
		PruneInterval:     60 * time.Second,
		PersistInterval:   5 * time.Minute,
		SequenceExpiry:    5 * time.Second,
		Classifier:        sense.DefaultClassifierConfig(),
	}
}

// Reply jitter window, ms. Spreads simultaneous responders apart.
const (
	replyJitterBaseMs = 100
	replyJitterSpanMs = 400
)

// Deps are the engine's collaborators. Transport and Sensors are
// required; a nil Registry mutes reputation reporting and a nil Store
// disables persistence.
type Deps struct {
	Transport radio.Transport
	Sensors   SensorSource
	Registry  *ecosystem.Registry
	Store     VocabularyStore
}

// Metrics counts engine activity.
type Metrics struct {
	SignalsSent    uint64 `json:"signals_sent"`
	FramesHandled  uint64 `json:"frames_handled"`
	DecodeErrors   uint64 `json:"decode_errors"`
	RepliesSent    uint64 `json:"replies_sent"`
	LoopsClosed    uint64 `json:"loops_closed"`
	SendFailures   uint64 `json:"send_failures"`
	WordsPruned    uint64 `json:"words_pruned"`
	SelfEchoes     uint64 `json:"self_echoes"`
	DistrustDrops  uint64 `json:"distrust_drops"`
	OutcomesScored uint64 `json:"outcomes_scored"`
}

type inflightEntry struct {
	word   *signal.Word
	sentAt uint32
}

// Engine is one bot's brain stem: the loop between sensors, the
// signal generator and the radio.
type Engine struct {
	cfg Config

	transport  radio.Transport
	sensors    SensorSource
	registry   *ecosystem.Registry
	reporter   ecosystem.Reporter
	vocabStore VocabularyStore

	clock signal.Clock

	// mu guards everything below: the generator and classifier are
	// single-owner structures shared between the tick loop, the
	// radio callback and reply timers.
	mu            sync.Mutex
	gen           *signal.Generator
	classifier    *sense.Classifier
	emotions      *sense.EmotionTracker
	rng           *rand.Rand
	inflight      map[uint8]inflightEntry
	lastSent      *signal.Word
	lastExpressed signal.Context
	lastVoicedAt  uint32
	lastPeerHeard uint32
	metrics       Metrics

	logger   *slog.Logger
	started  atomic.Bool
	closed   atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewEngine wires an engine from its collaborators. The vocabulary is
// loaded from the store when one is configured; a corrupt snapshot
// logs and starts cold.
func NewEngine(cfg Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	if deps.Transport == nil {
		return nil, errors.New("engine needs a transport")
	}
	if deps.Sensors == nil {
		return nil, errors.New("engine needs a sensor source")
	}
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = defaults.BroadcastInterval
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaults.PruneInterval
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = defaults.PersistInterval
	}
	if cfg.SequenceExpiry <= 0 {
		cfg.SequenceExpiry = defaults.SequenceExpiry
	}
	if cfg.Classifier.DebounceMs == 0 {
		cfg.Classifier.DebounceMs = defaults.Classifier.DebounceMs
	}
	if cfg.Classifier.ObstacleCm == 0 {
		cfg.Classifier.ObstacleCm = defaults.Classifier.ObstacleCm
	}
	if cfg.Classifier.OpenSpaceCm == 0 {
		cfg.Classifier.OpenSpaceCm = defaults.Classifier.OpenSpaceCm
	}
	if cfg.Classifier.PeerWindowMs == 0 {
		cfg.Classifier.PeerWindowMs = defaults.Classifier.PeerWindowMs
	}

	clock := cfg.Clock
	if clock == nil {
		start := time.Now()
		clock = func() uint32 {
			return uint32(time.Since(start).Milliseconds())
		}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	log := logger.With("component", "engine", "bot_id", cfg.BotID)

	emotions := sense.NewEmotionTracker()
	e := &Engine{
		cfg:        cfg,
		transport:  deps.Transport,
		sensors:    deps.Sensors,
		registry:   deps.Registry,
		vocabStore: deps.Store,
		clock:      clock,
		gen: signal.NewGenerator(signal.GeneratorConfig{
			Personality: cfg.Personality,
			Seed:        cfg.Seed,
		}, clock, logger),
		classifier:    sense.NewClassifier(cfg.Classifier, cfg.Capabilities, emotions, logger),
		emotions:      emotions,
		rng:           rand.New(rand.NewSource(seed)),
		inflight:      make(map[uint8]inflightEntry),
		lastExpressed: signal.ContextUnknown,
		shutdown:      make(chan struct{}),
		logger:        log,
	}
	if deps.Registry != nil {
		e.reporter = deps.Registry
	} else {
		e.reporter = ecosystem.NopReporter{}
	}

	if e.vocabStore != nil {
		words, err := e.vocabStore.Load()
		switch {
		case err != nil:
			log.Warn("vocabulary snapshot unreadable, starting cold", "error", err)
		case len(words) > 0:
			e.gen.Vocabulary().Restore(words)
			log.Info("vocabulary restored", "words", len(words))
		}
	}

	return e, nil
}

// Start registers the radio receiver and launches the tick loop.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}

	e.transport.SetReceiver(e.HandleFrame)
	e.wg.Add(1)
	go e.run(ctx)

	e.logger.Info("engine started",
		"mac", signal.FormatMAC(e.transport.LocalMAC()),
		"personality", e.gen.Personality())
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	tick := time.NewTicker(e.cfg.TickInterval)
	prune := time.NewTicker(e.cfg.PruneInterval)
	persist := time.NewTicker(e.cfg.PersistInterval)
	defer tick.Stop()
	defer prune.Stop()
	defer persist.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.shutdown:
			return
		case <-tick.C:
			e.step(ctx)
		case <-prune.C:
			e.pruneCycle()
		case <-persist.C:
			e.persist()
		}
	}
}

// step is one sense-classify-express cycle. The bot speaks when its
// context changes or when it has been quiet for a full broadcast
// interval.
func (e *Engine) step(ctx context.Context) {
	snap := e.sensors.Read()
	now := e.clock()

	e.mu.Lock()
	if snap.LastPeerHeard == 0 {
		snap.LastPeerHeard = e.lastPeerHeard
	}
	current := e.classifier.Classify(snap, now)
	emotion := e.emotions.Current(now)
	changed := current != e.lastExpressed
	quiet := now-e.lastVoicedAt >= uint32(e.cfg.BroadcastInterval.Milliseconds())
	e.mu.Unlock()

	if current == signal.ContextUnknown {
		return
	}
	if !changed && !quiet {
		return
	}

	if err := e.SendSignal(ctx, current, emotion); err != nil {
		return
	}

	e.mu.Lock()
	e.lastExpressed = current
	e.lastVoicedAt = now
	e.mu.Unlock()
}

// pruneCycle retires stale words, ages the generation counter and
// sweeps silent bots.
func (e *Engine) pruneCycle() {
	now := e.clock()

	e.mu.Lock()
	dropped := e.gen.Prune()
	e.gen.AdvanceGeneration()
	e.metrics.WordsPruned += uint64(dropped)
	e.mu.Unlock()

	if e.registry != nil {
		e.registry.Sweep(now)
	}
}

func (e *Engine) persist() {
	if e.vocabStore == nil {
		return
	}

	e.mu.Lock()
	words := e.gen.Vocabulary().Snapshot()
	e.mu.Unlock()

	if err := e.vocabStore.Save(words); err != nil {
		e.logger.Warn("vocabulary snapshot failed", "error", err)
	}
}

// RecordOutcome closes the loop on the most recent exchange: the
// newest unscored heard signal gets the outcome stamped and its
// sender's trust nudged, and the word we last voiced absorbs the
// outcome into its utility.
func (e *Engine) RecordOutcome(outcome float32) {
	e.mu.Lock()
	mac, scored := e.gen.ScoreOutcome(outcome)
	if scored {
		e.metrics.OutcomesScored++
	}
	if e.lastSent != nil {
		e.gen.UpdateUtility(e.lastSent, outcome)
	}
	e.mu.Unlock()

	if scored && outcome > 0.5 {
		e.reporter.SignalUnderstood(mac)
	}
}

// Metrics returns a copy of the engine counters.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// Generator exposes the signal generator for status surfaces. Callers
// must treat it as read-only; the engine owns its locking.
func (e *Engine) Generator() *signal.Generator { return e.gen }

// Close stops the loop, takes a final vocabulary snapshot and shuts
// the transport.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.transport.SetReceiver(nil)
	if e.started.Load() {
		close(e.shutdown)
		e.wg.Wait()
	}
	e.persist()

	err := e.transport.Close()
	e.logger.Info("engine stopped")
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}
