// Package ecosystem tracks per-bot communication health. It consumes
// radio outcomes and answers trust queries; it takes no part in signal
// generation.
package ecosystem

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/projectjumbo/waggle/swarm/signal"
)

const (
	// MaxTrackedBots bounds the registry. When a new bot appears at
	// capacity the quietest profile is evicted.
	MaxTrackedBots = 16

	// MinTrustScore is the reliability floor below which a bot's
	// frames are treated as noise.
	MinTrustScore = 0.3

	// maxConsecutiveFailures cuts trust for a bot that keeps failing
	// even if its long-run reliability is still decent.
	maxConsecutiveFailures = 5

	// silenceTimeoutMs is how long a tracked bot can go unheard
	// before a sweep counts it as a failure.
	silenceTimeoutMs = 30000

	reliabilityAlpha = 0.1
)

// Reporter receives communication outcomes from the radio and engine.
type Reporter interface {
	// CommError notes a failed exchange with mac: a malformed frame,
	// a checksum mismatch, a send failure. kind labels the failure.
	CommError(mac [6]byte, kind string)
	// FrameDelivered notes a frame from mac that parsed cleanly.
	FrameDelivered(mac [6]byte)
	// SignalUnderstood notes that an exchange with mac closed the
	// loop: they answered, or their answer matched what we expected.
	SignalUnderstood(mac [6]byte)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) CommError([6]byte, string) {}
func (NopReporter) FrameDelivered([6]byte)    {}
func (NopReporter) SignalUnderstood([6]byte)  {}

// BotRecord is one tracked bot's communication profile.
type BotRecord struct {
	MAC                 string  `json:"mac"`
	FirstSeen           uint32  `json:"first_seen"`
	LastSeen            uint32  `json:"last_seen"`
	FramesOK            uint64  `json:"frames_ok"`
	CommErrors          uint64  `json:"comm_errors"`
	Understood          uint64  `json:"understood"`
	Reliability         float32 `json:"reliability"`
	ConsecutiveFailures uint32  `json:"consecutive_failures"`
	Blacklisted         bool    `json:"blacklisted"`
}

type profile struct {
	mac                 [6]byte
	firstSeen           uint32
	lastSeen            uint32
	framesOK            uint64
	commErrors          uint64
	understood          uint64
	reliability         float32
	consecutiveFailures uint32
	blacklisted         bool
}

// Registry is the concrete Reporter: an RWMutex-guarded table of bot
// profiles with reliability tracking and trust queries.
type Registry struct {
	mu     sync.RWMutex
	bots   map[[6]byte]*profile
	clock  signal.Clock
	logger *slog.Logger
}

// NewRegistry builds an empty registry. clock and logger may be nil.
func NewRegistry(clock signal.Clock, logger *slog.Logger) *Registry {
	if clock == nil {
		clock = signal.WallClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bots:   make(map[[6]byte]*profile),
		clock:  clock,
		logger: logger.With("component", "ecosystem"),
	}
}

// touch returns the profile for mac, creating (and if necessary
// evicting) under the write lock.
func (r *Registry) touch(mac [6]byte, now uint32) *profile {
	if p, ok := r.bots[mac]; ok {
		p.lastSeen = now
		return p
	}
	if len(r.bots) >= MaxTrackedBots {
		r.evictQuietest()
	}
	p := &profile{
		mac:         mac,
		firstSeen:   now,
		lastSeen:    now,
		reliability: 1.0,
	}
	r.bots[mac] = p
	r.logger.Info("tracking new bot", "mac", signal.FormatMAC(mac))
	return p
}

func (r *Registry) evictQuietest() {
	var victim [6]byte
	oldest := uint32(0)
	first := true
	for mac, p := range r.bots {
		if first || p.lastSeen < oldest {
			victim, oldest, first = mac, p.lastSeen, false
		}
	}
	delete(r.bots, victim)
	r.logger.Info("evicted quietest bot", "mac", signal.FormatMAC(victim))
}

// CommError implements Reporter.
func (r *Registry) CommError(mac [6]byte, kind string) {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.touch(mac, now)
	p.commErrors++
	p.consecutiveFailures++
	p.reliability += reliabilityAlpha * (0 - p.reliability)
	r.logger.Debug("comm error", "mac", signal.FormatMAC(mac), "kind", kind,
		"consecutive", p.consecutiveFailures)
}

// FrameDelivered implements Reporter.
func (r *Registry) FrameDelivered(mac [6]byte) {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.touch(mac, now)
	p.framesOK++
	p.consecutiveFailures = 0
	p.reliability += reliabilityAlpha * (1 - p.reliability)
}

// SignalUnderstood implements Reporter.
func (r *Registry) SignalUnderstood(mac [6]byte) {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.touch(mac, now)
	p.understood++
	p.consecutiveFailures = 0
	p.reliability += reliabilityAlpha * (1 - p.reliability)
}

// ShouldTrust reports whether frames from mac deserve attention.
// Unknown bots get the benefit of the doubt.
func (r *Registry) ShouldTrust(mac [6]byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.bots[mac]
	if !ok {
		return true
	}
	if p.blacklisted {
		return false
	}
	return p.reliability >= MinTrustScore && p.consecutiveFailures < maxConsecutiveFailures
}

// Blacklist excludes mac until rehabilitated.
func (r *Registry) Blacklist(mac [6]byte, reason string) {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.touch(mac, now)
	p.blacklisted = true
	r.logger.Warn("bot blacklisted", "mac", signal.FormatMAC(mac), "reason", reason)
}

// Rehabilitate clears the blacklist flag and failure streak, giving
// the bot a second chance at moderate standing.
func (r *Registry) Rehabilitate(mac [6]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.bots[mac]
	if !ok {
		return
	}
	p.blacklisted = false
	p.consecutiveFailures = 0
	if p.reliability < 0.5 {
		p.reliability = 0.5
	}
	r.logger.Info("bot rehabilitated", "mac", signal.FormatMAC(p.mac))
}

// Sweep counts a failure against every tracked bot silent longer than
// the timeout. Chronic silence decays reliability. Call it from a
// periodic tick.
func (r *Registry) Sweep(now uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.bots {
		if now-p.lastSeen <= silenceTimeoutMs {
			continue
		}
		p.consecutiveFailures++
		if p.consecutiveFailures > 10 {
			p.reliability *= 0.9
			r.logger.Debug("bot appears offline", "mac", signal.FormatMAC(p.mac),
				"consecutive", p.consecutiveFailures)
		}
	}
}

// Len reports how many bots are tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bots)
}

// Snapshot returns the tracked profiles, most recently heard first.
func (r *Registry) Snapshot() []BotRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BotRecord, 0, len(r.bots))
	for _, p := range r.bots {
		out = append(out, BotRecord{
			MAC:                 signal.FormatMAC(p.mac),
			FirstSeen:           p.firstSeen,
			LastSeen:            p.lastSeen,
			FramesOK:            p.framesOK,
			CommErrors:          p.commErrors,
			Understood:          p.understood,
			Reliability:         p.reliability,
			ConsecutiveFailures: p.consecutiveFailures,
			Blacklisted:         p.blacklisted,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })
	return out
}
