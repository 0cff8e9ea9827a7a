package bot

import (
	"github.com/projectjumbo/waggle/swarm/ecosystem"
	"github.com/projectjumbo/waggle/swarm/signal"
)

// Status is a point-in-time picture of one bot, shaped for the
// telemetry bridge and the observability gauges.
type Status struct {
	BotID       string             `json:"bot_id"`
	MAC         string             `json:"mac"`
	UptimeMs    uint32             `json:"uptime_ms"`
	Context     string             `json:"context"`
	Stability   float32            `json:"context_stability"`
	Emotion     int                `json:"emotion"`
	Mood        string             `json:"mood"`
	Personality signal.Personality `json:"personality"`

	Signal signal.Stats         `json:"signal"`
	Peers  []signal.PeerSummary `json:"peers"`

	// Bots is the reliability ledger, newest contact first. Empty
	// when the engine runs without a registry.
	Bots []ecosystem.BotRecord `json:"bots,omitempty"`

	Engine   Metrics `json:"engine"`
	Inflight int     `json:"inflight"`
}

// Status snapshots the engine. Safe to call from any goroutine.
func (e *Engine) Status() Status {
	now := e.clock()

	e.mu.Lock()
	mood := e.emotions.Current(now)
	st := Status{
		BotID:       e.cfg.BotID,
		MAC:         signal.FormatMAC(e.transport.LocalMAC()),
		UptimeMs:    now,
		Context:     e.classifier.Current().String(),
		Stability:   e.classifier.Stability(),
		Emotion:     int(mood),
		Mood:        mood.String(),
		Personality: e.gen.Personality(),
		Signal:      e.gen.Stats(),
		Peers:       e.gen.PeerSummaries(),
		Engine:      e.metrics,
		Inflight:    len(e.inflight),
	}
	e.mu.Unlock()

	if e.registry != nil {
		st.Bots = e.registry.Snapshot()
	}
	return st
}
