package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/metric"

	"github.com/projectjumbo/waggle/swarm/bot"
	"github.com/projectjumbo/waggle/swarm/radio"
)

// WatchNode registers observable instruments that read the engine's and
// transport's own counters on every metrics scrape. The engine keeps
// plain integers on its hot path; this is the only place they meet OTel.
//
// status is required and is polled once per collection cycle (it takes
// the engine lock, so scrape intervals below the tick interval are a
// waste). radioStats may be nil when the transport keeps no counters,
// e.g. the in-process loopback; the radio instruments then export
// nothing.
//
// The returned registration unhooks the callback; callers that outlive
// their engine must unregister before closing it.
func WatchNode(mp metric.MeterProvider, status func() bot.Status, radioStats func() radio.Metrics) (metric.Registration, error) {
	if status == nil {
		return nil, errors.New("observe: nil status sampler")
	}
	m := mp.Meter(meterName)
	var err error

	var (
		signalsVoiced  metric.Int64ObservableCounter
		repliesSent    metric.Int64ObservableCounter
		loopsClosed    metric.Int64ObservableCounter
		outcomesScored metric.Int64ObservableCounter
		sendFailures   metric.Int64ObservableCounter
		inflight       metric.Int64ObservableGauge
		framesHandled  metric.Int64ObservableCounter
		framesDropped  metric.Int64ObservableCounter
		vocabSize      metric.Int64ObservableGauge
		avgUtility     metric.Float64ObservableGauge
		wordsPruned    metric.Int64ObservableCounter
		generation     metric.Int64ObservableGauge
		stability      metric.Float64ObservableGauge
		peersKnown     metric.Int64ObservableGauge
		botsTracked    metric.Int64ObservableGauge

		radioSent       metric.Int64ObservableCounter
		radioReceived   metric.Int64ObservableCounter
		radioDropped    metric.Int64ObservableCounter
		radioSendErrors metric.Int64ObservableCounter
		radioPeers      metric.Int64ObservableGauge
	)

	if signalsVoiced, err = m.Int64ObservableCounter("waggle.signals.voiced",
		metric.WithDescription("Signal messages broadcast onto the radio."),
	); err != nil {
		return nil, err
	}
	if repliesSent, err = m.Int64ObservableCounter("waggle.signals.replies",
		metric.WithDescription("Signals voiced in response to an urgent peer signal."),
	); err != nil {
		return nil, err
	}
	if loopsClosed, err = m.Int64ObservableCounter("waggle.signals.loops_closed",
		metric.WithDescription("Urgent signals that received a matching response in time."),
	); err != nil {
		return nil, err
	}
	if outcomesScored, err = m.Int64ObservableCounter("waggle.signals.outcomes_scored",
		metric.WithDescription("Interaction outcomes fed back into word utility and peer trust."),
	); err != nil {
		return nil, err
	}
	if sendFailures, err = m.Int64ObservableCounter("waggle.signals.send_failures",
		metric.WithDescription("Broadcasts refused by the transport."),
	); err != nil {
		return nil, err
	}
	if inflight, err = m.Int64ObservableGauge("waggle.signals.inflight",
		metric.WithDescription("Urgent signals still waiting for a response."),
	); err != nil {
		return nil, err
	}
	if framesHandled, err = m.Int64ObservableCounter("waggle.frames.handled",
		metric.WithDescription("Peer frames decoded and learned from."),
	); err != nil {
		return nil, err
	}
	if framesDropped, err = m.Int64ObservableCounter("waggle.frames.dropped",
		metric.WithDescription("Peer frames discarded before learning, by reason."),
	); err != nil {
		return nil, err
	}
	if vocabSize, err = m.Int64ObservableGauge("waggle.vocabulary.size",
		metric.WithDescription("Words currently in the vocabulary."),
	); err != nil {
		return nil, err
	}
	if avgUtility, err = m.Float64ObservableGauge("waggle.vocabulary.avg_utility",
		metric.WithDescription("Mean utility score across the vocabulary."),
	); err != nil {
		return nil, err
	}
	if wordsPruned, err = m.Int64ObservableCounter("waggle.vocabulary.pruned",
		metric.WithDescription("Words retired by the prune cycle."),
	); err != nil {
		return nil, err
	}
	if generation, err = m.Int64ObservableGauge("waggle.vocabulary.generation",
		metric.WithDescription("Current evolution generation."),
	); err != nil {
		return nil, err
	}
	if stability, err = m.Float64ObservableGauge("waggle.context.stability",
		metric.WithDescription("Fraction of recent classifications agreeing with the current context."),
	); err != nil {
		return nil, err
	}
	if peersKnown, err = m.Int64ObservableGauge("waggle.peers.known",
		metric.WithDescription("Peers with a learned signal profile."),
	); err != nil {
		return nil, err
	}
	if botsTracked, err = m.Int64ObservableGauge("waggle.bots.tracked",
		metric.WithDescription("Bots in the reliability ledger."),
	); err != nil {
		return nil, err
	}

	if radioSent, err = m.Int64ObservableCounter("waggle.radio.frames.sent",
		metric.WithDescription("Frames handed to the transport for delivery."),
	); err != nil {
		return nil, err
	}
	if radioReceived, err = m.Int64ObservableCounter("waggle.radio.frames.received",
		metric.WithDescription("Frames delivered by the transport."),
	); err != nil {
		return nil, err
	}
	if radioDropped, err = m.Int64ObservableCounter("waggle.radio.frames.dropped",
		metric.WithDescription("Frames suppressed by the transport, by reason."),
	); err != nil {
		return nil, err
	}
	if radioSendErrors, err = m.Int64ObservableCounter("waggle.radio.send_errors",
		metric.WithDescription("Transport-level send failures."),
	); err != nil {
		return nil, err
	}
	if radioPeers, err = m.Int64ObservableGauge("waggle.radio.peers.connected",
		metric.WithDescription("Live transport connections."),
	); err != nil {
		return nil, err
	}

	return m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := status()
		o.ObserveInt64(signalsVoiced, int64(st.Engine.SignalsSent))
		o.ObserveInt64(repliesSent, int64(st.Engine.RepliesSent))
		o.ObserveInt64(loopsClosed, int64(st.Engine.LoopsClosed))
		o.ObserveInt64(outcomesScored, int64(st.Engine.OutcomesScored))
		o.ObserveInt64(sendFailures, int64(st.Engine.SendFailures))
		o.ObserveInt64(inflight, int64(st.Inflight))
		o.ObserveInt64(framesHandled, int64(st.Engine.FramesHandled))
		o.ObserveInt64(framesDropped, int64(st.Engine.DecodeErrors),
			metric.WithAttributes(Attr("reason", "decode")))
		o.ObserveInt64(framesDropped, int64(st.Engine.SelfEchoes),
			metric.WithAttributes(Attr("reason", "self_echo")))
		o.ObserveInt64(framesDropped, int64(st.Engine.DistrustDrops),
			metric.WithAttributes(Attr("reason", "distrust")))
		o.ObserveInt64(vocabSize, int64(st.Signal.VocabularySize))
		o.ObserveFloat64(avgUtility, float64(st.Signal.AverageUtility))
		o.ObserveInt64(wordsPruned, int64(st.Engine.WordsPruned))
		o.ObserveInt64(generation, int64(st.Signal.Generation))
		o.ObserveFloat64(stability, float64(st.Stability))
		o.ObserveInt64(peersKnown, int64(st.Signal.PeerCount))
		o.ObserveInt64(botsTracked, int64(len(st.Bots)))

		if radioStats != nil {
			rm := radioStats()
			o.ObserveInt64(radioSent, int64(rm.FramesSent))
			o.ObserveInt64(radioReceived, int64(rm.FramesReceived))
			o.ObserveInt64(radioDropped, int64(rm.DupesDropped),
				metric.WithAttributes(Attr("reason", "duplicate")))
			o.ObserveInt64(radioDropped, int64(rm.RateLimited),
				metric.WithAttributes(Attr("reason", "rate_limited")))
			o.ObserveInt64(radioSendErrors, int64(rm.SendErrors))
			o.ObserveInt64(radioPeers, int64(rm.PeersConnected))
		}
		return nil
	},
		signalsVoiced, repliesSent, loopsClosed, outcomesScored, sendFailures,
		inflight, framesHandled, framesDropped, vocabSize, avgUtility,
		wordsPruned, generation, stability, peersKnown, botsTracked,
		radioSent, radioReceived, radioDropped, radioSendErrors, radioPeers,
	)
}
