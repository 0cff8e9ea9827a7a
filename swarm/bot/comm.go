package bot

import (
	"context"
	"time"

	"github.com/projectjumbo/waggle/swarm/radio"
	"github.com/projectjumbo/waggle/swarm/signal"
	"github.com/projectjumbo/waggle/swarm/wire"
)

// noReply marks a send that is not answering anyone.
const noReply = -1

// SendSignal voices a fresh signal for the given context and emotion.
// Urgent contexts ask the swarm to answer; the outbound sequence is
// then tracked so a reply can close the feedback loop.
func (e *Engine) SendSignal(ctx context.Context, sigCtx signal.Context, emo signal.Emotion) error {
	return e.sendSignal(ctx, sigCtx, emo, noReply)
}

func (e *Engine) sendSignal(ctx context.Context, sigCtx signal.Context, emo signal.Emotion, replyTo int) error {
	if e.closed.Load() {
		return nil
	}
	now := e.clock()

	e.mu.Lock()
	word := e.gen.GenerateForContext(sigCtx, emo)
	seq := uint8(e.rng.Intn(256))
	msg := &wire.Message{
		SenderMAC:  e.transport.LocalMAC(),
		Timestamp:  now,
		Sequence:   seq,
		Word:       *word,
		Context:    sigCtx,
		Emotion:    emo,
		Confidence: confidenceByte(word.Utility),
		SignalAge:  ageSeconds(now, word.CreatedAt),
	}
	if replyTo >= 0 {
		msg.IsResponse = true
		msg.RespondingTo = uint8(replyTo)
	} else if sigCtx.Urgent() {
		msg.ExpectsResponse = true
	}
	if msg.ExpectsResponse {
		e.expireInflightLocked(now)
		e.inflight[seq] = inflightEntry{word: word, sentAt: now}
	}
	e.lastSent = word
	e.mu.Unlock()

	err := e.transport.Broadcast(ctx, wire.EncodeMessage(msg))

	e.mu.Lock()
	if err != nil {
		e.metrics.SendFailures++
		// An urgent sequence that never left stays in the table;
		// expiry reclaims it.
	} else {
		e.metrics.SignalsSent++
		if msg.IsResponse {
			e.metrics.RepliesSent++
		}
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("broadcast refused",
			"context", sigCtx.String(), "seq", seq, "error", err)
		return err
	}

	e.logger.Debug("signal voiced",
		"context", sigCtx.String(),
		"emotion", int(emo),
		"seq", seq,
		"components", word.ComponentCount,
		"utility", word.Utility,
		"is_response", msg.IsResponse,
		"expects_response", msg.ExpectsResponse)
	return nil
}

// HandleFrame is the radio receiver. It runs on the transport's
// delivery path and must stay quick: decode, learn, bookkeep, and
// hand any reply to a timer.
func (e *Engine) HandleFrame(f radio.Frame) {
	if e.closed.Load() {
		return
	}

	msg, err := wire.DecodeMessage(f.Payload)
	if err != nil {
		e.reporter.CommError(f.From, "decode")
		e.mu.Lock()
		e.metrics.DecodeErrors++
		e.mu.Unlock()
		e.logger.Debug("frame rejected",
			"from", signal.FormatMAC(f.From), "error", err)
		return
	}

	if msg.SenderMAC == e.transport.LocalMAC() {
		e.mu.Lock()
		e.metrics.SelfEchoes++
		e.mu.Unlock()
		return
	}

	// Activity is recorded before the trust gate: even a bot we will
	// not listen to is audibly alive.
	e.reporter.FrameDelivered(msg.SenderMAC)
	if e.registry != nil && !e.registry.ShouldTrust(msg.SenderMAC) {
		e.mu.Lock()
		e.metrics.DistrustDrops++
		e.mu.Unlock()
		e.logger.Debug("distrusted bot ignored",
			"from", signal.FormatMAC(msg.SenderMAC))
		return
	}

	now := e.clock()

	e.mu.Lock()
	e.lastPeerHeard = now
	e.gen.LearnFrom(msg.SenderMAC, msg.Word, msg.Context)

	var understoodBy [6]byte
	understood := false
	if msg.IsResponse {
		if entry, ok := e.inflight[msg.RespondingTo]; ok && now-entry.sentAt <= e.expiryMs() {
			delete(e.inflight, msg.RespondingTo)
			e.gen.UpdateUtility(entry.word, 1.0)
			e.gen.UpdatePeerTrust(msg.SenderMAC, 1.0)
			e.metrics.LoopsClosed++
			understoodBy = msg.SenderMAC
			understood = true
		}
	}
	e.metrics.FramesHandled++
	e.mu.Unlock()

	if understood {
		e.reporter.SignalUnderstood(understoodBy)
		e.logger.Debug("signal understood",
			"by", signal.FormatMAC(understoodBy), "seq", msg.RespondingTo)
	}

	if msg.ExpectsResponse && !msg.IsResponse {
		e.scheduleReply(msg.Sequence, msg.SenderMAC)
	}
}

// scheduleReply answers an urgent signal after a random delay so a
// whole swarm does not shout back in the same instant. The reply is
// generated at fire time, against whatever the bot's context and
// emotion are by then.
func (e *Engine) scheduleReply(seq uint8, to [6]byte) {
	e.mu.Lock()
	delay := time.Duration(replyJitterBaseMs+e.rng.Intn(replyJitterSpanMs)) * time.Millisecond
	e.mu.Unlock()

	e.logger.Debug("reply scheduled",
		"to", signal.FormatMAC(to), "seq", seq, "delay", delay)

	time.AfterFunc(delay, func() {
		if e.closed.Load() {
			return
		}
		now := e.clock()

		e.mu.Lock()
		current := e.classifier.Current()
		emotion := e.emotions.Current(now)
		e.mu.Unlock()

		_ = e.sendSignal(context.Background(), current, emotion, int(seq))
	})
}

// expireInflightLocked drops sequences nobody answered in time.
// Callers hold e.mu.
func (e *Engine) expireInflightLocked(now uint32) {
	ttl := e.expiryMs()
	for seq, entry := range e.inflight {
		if now-entry.sentAt > ttl {
			delete(e.inflight, seq)
		}
	}
}

func (e *Engine) expiryMs() uint32 {
	return uint32(e.cfg.SequenceExpiry.Milliseconds())
}

// confidenceByte maps utility [0,1] onto a wire byte.
func confidenceByte(utility float32) uint8 {
	if utility <= 0 {
		return 0
	}
	if utility >= 1 {
		return 255
	}
	return uint8(utility*255 + 0.5)
}

// ageSeconds reports how long ago the word was minted, saturating at
// the byte ceiling.
func ageSeconds(now, createdAt uint32) uint8 {
	if createdAt >= now {
		return 0
	}
	secs := (now - createdAt) / 1000
	if secs > 255 {
		return 255
	}
	return uint8(secs)
}
