package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectjumbo/waggle/swarm/bot"
	"github.com/projectjumbo/waggle/swarm/signal"
)

type sentSignal struct {
	sigCtx signal.Context
	emo    signal.Emotion
}

type fakeNode struct {
	mu       sync.Mutex
	status   bot.Status
	sent     []sentSignal
	outcomes []float32
	sendErr  error
}

func (f *fakeNode) Status() bot.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeNode) SendSignal(_ context.Context, sigCtx signal.Context, emo signal.Emotion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentSignal{sigCtx, emo})
	return nil
}

func (f *fakeNode) RecordOutcome(outcome float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
}

func (f *fakeNode) sentSignals() []sentSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentSignal, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeNode) recordedOutcomes() []float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float32, len(f.outcomes))
	copy(out, f.outcomes)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs a bridge on an ephemeral port and tears it down with
// the test.
func startServer(t *testing.T, node Node, interval time.Duration) (*Server, string) {
	t.Helper()

	srv, err := New(Config{ListenAddr: "127.0.0.1:0", StatusInterval: interval}, node, nil, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("bridge did not stop")
		}
	})

	require.Eventually(t, func() bool { return srv.Addr() != "" },
		2*time.Second, 10*time.Millisecond, "server never bound")
	return srv, srv.Addr()
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// readUntil skips interleaved frames (status pushes racing command
// replies) until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, conn)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %q frame in the first 10 messages", typ)
	return Envelope{}
}

func writeCommand(t *testing.T, conn *websocket.Conn, cmd any) {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoErrorf(t, err, "marshal %v", cmd)
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func statusData(t *testing.T, env Envelope) map[string]any {
	t.Helper()
	data, ok := env.Data.(map[string]any)
	require.True(t, ok, "status envelope carries no object data")
	return data
}

func TestNewRequiresNode(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil)
	require.Error(t, err)
}

func TestConnectReceivesInitialStatus(t *testing.T) {
	node := &fakeNode{status: bot.Status{BotID: "bot-7", Context: "WAITING"}}
	_, addr := startServer(t, node, time.Hour)

	conn := dialWS(t, addr)
	env := readEnvelope(t, conn)

	assert.Equal(t, "status", env.Type)
	assert.NotZero(t, env.Timestamp)
	data := statusData(t, env)
	assert.Equal(t, "bot-7", data["bot_id"])
	assert.Equal(t, "WAITING", data["context"])
}

func TestGetStatusCommand(t *testing.T) {
	node := &fakeNode{status: bot.Status{BotID: "bot-7"}}
	_, addr := startServer(t, node, time.Hour)

	conn := dialWS(t, addr)
	readEnvelope(t, conn) // initial push

	writeCommand(t, conn, Command{Type: "get_status"})
	env := readUntil(t, conn, "status")
	assert.Equal(t, "bot-7", statusData(t, env)["bot_id"])
}

func TestSayCommandRoutesToEngine(t *testing.T) {
	node := &fakeNode{}
	_, addr := startServer(t, node, time.Hour)

	conn := dialWS(t, addr)
	readEnvelope(t, conn)

	writeCommand(t, conn, Command{Type: "say", Context: "DANGER_SENSED", Emotion: -2})
	env := readUntil(t, conn, "response")

	assert.Equal(t, "say", env.Command)
	assert.Equal(t, "ok", env.Status)
	require.Eventually(t, func() bool { return len(node.sentSignals()) == 1 },
		time.Second, 10*time.Millisecond)
	sent := node.sentSignals()[0]
	assert.Equal(t, signal.ContextDangerSensed, sent.sigCtx)
	assert.Equal(t, signal.EmotionVeryNegative, sent.emo)
}

func TestSayRejectsUnknownContext(t *testing.T) {
	node := &fakeNode{}
	_, addr := startServer(t, node, time.Hour)

	conn := dialWS(t, addr)
	readEnvelope(t, conn)

	writeCommand(t, conn, Command{Type: "say", Context: "SINGING"})
	env := readUntil(t, conn, "error")

	assert.Equal(t, "say", env.Command)
	assert.Contains(t, env.Message, "SINGING")
	assert.Empty(t, node.sentSignals())
}

func TestSayRejectsEmotionOutOfRange(t *testing.T) {
	node := &fakeNode{}
	_, addr := startServer(t, node, time.Hour)

	conn := dialWS(t, addr)
	readEnvelope(t, conn)

	writeCommand(t, conn, Command{Type: "say", Context: "WAITING", Emotion: 9})
	env := readUntil(t, conn, "error")

	assert.Contains(t, env.Message, "emotion 9")
	assert.Empty(t, node.sentSignals())
}

func TestOutcomeCommand(t *testing.T) {
	node := &fakeNode{}
	_, addr := startServer(t, node, time.Hour)

	conn := dialWS(t, addr)
	readEnvelope(t, conn)

	writeCommand(t, conn, Command{Type: "outcome", Score: 0.9})
	env := readUntil(t, conn, "response")

	assert.Equal(t, "outcome", env.Command)
	assert.Equal(t, "ok", env.Status)
	require.Eventually(t, func() bool { return len(node.recordedOutcomes()) == 1 },
		time.Second, 10*time.Millisecond)
	assert.InDelta(t, 0.9, node.recordedOutcomes()[0], 1e-6)
}

func TestOutcomeRejectsScoreOutsideRange(t *testing.T) {
	node := &fakeNode{}
	_, addr := startServer(t, node, time.Hour)

	conn := dialWS(t, addr)
	readEnvelope(t, conn)

	writeCommand(t, conn, Command{Type: "outcome", Score: 1.5})
	env := readUntil(t, conn, "error")

	assert.Equal(t, "outcome", env.Command)
	assert.Empty(t, node.recordedOutcomes())
}

func TestUnknownCommandReturnsError(t *testing.T) {
	node := &fakeNode{}
	_, addr := startServer(t, node, time.Hour)

	conn := dialWS(t, addr)
	readEnvelope(t, conn)

	writeCommand(t, conn, Command{Type: "restart_warp_core"})
	env := readUntil(t, conn, "error")
	assert.Contains(t, env.Message, "restart_warp_core")
}

func TestMalformedCommandReturnsError(t *testing.T) {
	node := &fakeNode{}
	_, addr := startServer(t, node, time.Hour)

	conn := dialWS(t, addr)
	readEnvelope(t, conn)

	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	env := readUntil(t, conn, "error")
	assert.Contains(t, env.Message, "malformed")
}

func TestPeriodicStatusPush(t *testing.T) {
	node := &fakeNode{status: bot.Status{BotID: "ticker"}}
	_, addr := startServer(t, node, 50*time.Millisecond)

	conn := dialWS(t, addr)
	for i := 0; i < 3; i++ {
		env := readUntil(t, conn, "status")
		assert.Equal(t, "ticker", statusData(t, env)["bot_id"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	node := &fakeNode{status: bot.Status{BotID: "bot-9", Mood: "CALM"}}
	_, addr := startServer(t, node, time.Hour)

	resp, err := http.Get("http://" + addr + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "bot-9", got["bot_id"])
	assert.Equal(t, "CALM", got["mood"])
}

func TestStatusEndpointRejectsPost(t *testing.T) {
	node := &fakeNode{}
	_, addr := startServer(t, node, time.Hour)

	resp, err := http.Post("http://"+addr+"/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthEndpointCountsClients(t *testing.T) {
	node := &fakeNode{}
	_, addr := startServer(t, node, time.Hour)

	conn := dialWS(t, addr)
	readEnvelope(t, conn)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, float64(1), got["clients"])
}

func TestShutdownClosesSessions(t *testing.T) {
	node := &fakeNode{}

	srv, err := New(Config{ListenAddr: "127.0.0.1:0", StatusInterval: time.Hour}, node, nil, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	require.Eventually(t, func() bool { return srv.Addr() != "" },
		2*time.Second, 10*time.Millisecond)

	conn := dialWS(t, srv.Addr())
	readEnvelope(t, conn)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}

	// The hub close drains every session with a close frame.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
