package bot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectjumbo/waggle/swarm/ecosystem"
	"github.com/projectjumbo/waggle/swarm/radio"
	"github.com/projectjumbo/waggle/swarm/sense"
	"github.com/projectjumbo/waggle/swarm/signal"
	"github.com/projectjumbo/waggle/swarm/store"
	"github.com/projectjumbo/waggle/swarm/wire"
)

type frameSink struct {
	ch chan radio.Frame
}

func newFrameSink() *frameSink {
	return &frameSink{ch: make(chan radio.Frame, 32)}
}

func (s *frameSink) recv(f radio.Frame) {
	select {
	case s.ch <- f:
	default:
	}
}

func (s *frameSink) next(t *testing.T) radio.Frame {
	t.Helper()
	select {
	case f := <-s.ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame arrived")
		return radio.Frame{}
	}
}

// dialSensors lets a test swap what the bot is feeling mid-run.
type dialSensors struct {
	mu   sync.Mutex
	snap sense.Snapshot
}

func (d *dialSensors) Read() sense.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snap
}

func (d *dialSensors) Set(s sense.Snapshot) {
	d.mu.Lock()
	d.snap = s
	d.mu.Unlock()
}

// fastConfig ticks quickly enough for loop tests on a real clock.
func fastConfig(id string) Config {
	return Config{
		BotID:        id,
		TickInterval: 10 * time.Millisecond,
		Classifier: sense.ClassifierConfig{
			DebounceMs:   30,
			ObstacleCm:   15,
			OpenSpaceCm:  100,
			PeerWindowMs: 5000,
		},
		Seed: 42,
	}
}

func TestEngineSpeaksWhenContextChanges(t *testing.T) {
	net := radio.NewLoopbackNet()
	ear := newFrameSink()
	net.Attach(botMAC(9)).SetReceiver(ear.recv)

	dial := &dialSensors{snap: sense.Snapshot{DistanceCm: 10}}
	e, err := NewEngine(fastConfig("wheelie"), Deps{
		Transport: net.Attach(botMAC(1)),
		Sensors:   dial,
	}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Close() })

	first, err := wire.DecodeMessage(ear.next(t).Payload)
	require.NoError(t, err)
	assert.Equal(t, signal.ContextObstacleNear, first.Context)
	assert.Equal(t, botMAC(1), first.SenderMAC)

	dial.Set(sense.Snapshot{DistanceCm: 200, Moving: true})

	second, err := wire.DecodeMessage(ear.next(t).Payload)
	require.NoError(t, err)
	assert.Equal(t, signal.ContextOpenSpace, second.Context)
}

func TestQuietEngineRebroadcasts(t *testing.T) {
	net := radio.NewLoopbackNet()
	ear := newFrameSink()
	net.Attach(botMAC(9)).SetReceiver(ear.recv)

	cfg := fastConfig("steady")
	cfg.BroadcastInterval = 150 * time.Millisecond
	e, err := NewEngine(cfg, Deps{
		Transport: net.Attach(botMAC(1)),
		Sensors:   SensorFunc(func() sense.Snapshot { return sense.Snapshot{DistanceCm: 10} }),
	}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Close() })

	first, err := wire.DecodeMessage(ear.next(t).Payload)
	require.NoError(t, err)
	second, err := wire.DecodeMessage(ear.next(t).Payload)
	require.NoError(t, err)

	assert.Equal(t, signal.ContextObstacleNear, first.Context)
	assert.Equal(t, signal.ContextObstacleNear, second.Context)
	assert.GreaterOrEqual(t, second.Timestamp, first.Timestamp+150)
}

func TestVocabularySurvivesRestart(t *testing.T) {
	net := radio.NewLoopbackNet()
	now := new(uint32)
	*now = 1000
	clock := func() uint32 { return *now }
	fs := store.NewFileStore(filepath.Join(t.TempDir(), "vocab.bin"), quietLogger())

	a, err := NewEngine(Config{BotID: "keeper", Seed: 3, Clock: clock}, Deps{
		Transport: net.Attach(botMAC(1)),
		Sensors:   stillSensors(),
		Store:     fs,
	}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, a.SendSignal(context.Background(), signal.ContextExploration, signal.EmotionNeutral))
	require.Equal(t, 1, a.Status().Signal.VocabularySize)
	require.NoError(t, a.Close())

	_, err = os.Stat(fs.Path())
	require.NoError(t, err)

	b, err := NewEngine(Config{BotID: "keeper", Seed: 3, Clock: clock}, Deps{
		Transport: net.Attach(botMAC(2)),
		Sensors:   stillSensors(),
		Store:     fs,
	}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	st := b.Status()
	assert.Equal(t, 1, st.Signal.VocabularySize)
	assert.InDelta(t, 0.5, st.Signal.AverageUtility, 1e-3)
}

func TestCorruptSnapshotStartsCold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.bin")
	require.NoError(t, os.WriteFile(path, []byte{0xFF, 0x01, 0x02}, 0o644))

	net := radio.NewLoopbackNet()
	e, err := NewEngine(Config{BotID: "fresh", Seed: 3}, Deps{
		Transport: net.Attach(botMAC(1)),
		Sensors:   stillSensors(),
		Store:     store.NewFileStore(path, quietLogger()),
	}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	assert.Zero(t, e.Status().Signal.VocabularySize)
}

func TestPruneCycleRetiresIdleWords(t *testing.T) {
	net := radio.NewLoopbackNet()
	now := new(uint32)
	*now = 1000
	e := testEngine(t, net, 1, now)

	require.NoError(t, e.SendSignal(context.Background(), signal.ContextExploration, signal.EmotionNeutral))
	require.Equal(t, 1, e.Status().Signal.VocabularySize)

	*now += 700000 // well past the retention window
	e.pruneCycle()

	st := e.Status()
	assert.Zero(t, st.Signal.VocabularySize)
	assert.Equal(t, uint16(1), st.Signal.Generation)
	assert.Equal(t, uint64(1), e.Metrics().WordsPruned)
}

func TestEngineLifecycle(t *testing.T) {
	net := radio.NewLoopbackNet()
	e, err := NewEngine(fastConfig("once"), Deps{
		Transport: net.Attach(botMAC(1)),
		Sensors:   stillSensors(),
	}, quietLogger())
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	assert.Error(t, e.Start(context.Background()))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	// The transport went down with the engine.
	err = e.transport.Broadcast(context.Background(), []byte{0x01})
	assert.ErrorIs(t, err, radio.ErrClosed)

	// Sends after close are quiet no-ops.
	sent := e.Metrics().SignalsSent
	require.NoError(t, e.SendSignal(context.Background(), signal.ContextWaiting, signal.EmotionNeutral))
	assert.Equal(t, sent, e.Metrics().SignalsSent)
}

func TestEngineRefusesHalfWiring(t *testing.T) {
	net := radio.NewLoopbackNet()

	_, err := NewEngine(fastConfig("no-sensors"), Deps{
		Transport: net.Attach(botMAC(1)),
	}, quietLogger())
	assert.Error(t, err)

	_, err = NewEngine(fastConfig("no-radio"), Deps{
		Sensors: stillSensors(),
	}, quietLogger())
	assert.Error(t, err)
}

// Two live engines on one net: a shaken scout cries danger, the
// ranger answers, and the scout's feedback loop closes on its own.
func TestTwoEnginesConverse(t *testing.T) {
	net := radio.NewLoopbackNet()

	mkEngine := func(id byte, sensors SensorSource, caps []sense.Capability) *Engine {
		cfg := fastConfig(fmt.Sprintf("scout-%d", id))
		cfg.Capabilities = caps
		cfg.Seed = int64(id) * 17
		e, err := NewEngine(cfg, Deps{
			Transport: net.Attach(botMAC(id)),
			Sensors:   sensors,
			Registry:  ecosystem.NewRegistry(nil, quietLogger()),
		}, quietLogger())
		require.NoError(t, err)
		require.NoError(t, e.Start(context.Background()))
		t.Cleanup(func() { _ = e.Close() })
		return e
	}

	shaken := SensorFunc(func() sense.Snapshot {
		return sense.Snapshot{DistanceCm: 50, AccelMagnitude: 5}
	})
	scout := mkEngine(1, shaken, []sense.Capability{sense.ShockSentry{}})
	ranger := mkEngine(2, stillSensors(), nil)

	require.Eventually(t, func() bool {
		return scout.Metrics().LoopsClosed >= 1
	}, 5*time.Second, 25*time.Millisecond, "danger cry was never answered")

	assert.GreaterOrEqual(t, scout.Status().Signal.PeerCount, 1)
	assert.GreaterOrEqual(t, ranger.Status().Signal.PeerCount, 1)

	ledger := scout.Status().Bots
	require.NotEmpty(t, ledger)
	assert.Equal(t, signal.FormatMAC(botMAC(2)), ledger[0].MAC)
	assert.GreaterOrEqual(t, ledger[0].Understood, uint64(1))
}
