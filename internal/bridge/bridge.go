// Package bridge exposes one bot to the outside world: a websocket hub
// that streams the engine's status as JSON and accepts a small command
// set, so a PC-side tool can watch a swarm and feed outcomes back in.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/projectjumbo/waggle/internal/observe"
	"github.com/projectjumbo/waggle/swarm/bot"
	"github.com/projectjumbo/waggle/swarm/signal"
)

// Node is the engine surface the bridge drives.
type Node interface {
	Status() bot.Status
	SendSignal(ctx context.Context, sigCtx signal.Context, emo signal.Emotion) error
	RecordOutcome(outcome float32)
}

// Config holds bridge server settings.
type Config struct {
	// ListenAddr is the TCP address for the HTTP server.
	ListenAddr string
	// StatusInterval is the cadence of unsolicited status pushes.
	StatusInterval time.Duration
}

// DefaultConfig matches the original PC-facing bridge: local port 8765,
// one status push per second.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8765",
		StatusInterval: time.Second,
	}
}

// Command is what clients send. Type selects the action; the remaining
// fields apply per type.
type Command struct {
	Type    string  `json:"type"`
	Context string  `json:"context,omitempty"`
	Emotion int     `json:"emotion,omitempty"`
	Score   float32 `json:"score,omitempty"`
}

// Envelope frames everything the bridge sends.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp_ms"`
	Command   string `json:"command,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bridge binds a trusted interface; browsers are not the
	// expected client.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the websocket telemetry hub for one node.
type Server struct {
	cfg     Config
	node    Node
	hub     *hub
	metrics *observe.Metrics
	log     *slog.Logger

	mu   sync.Mutex
	addr string
}

// New builds a bridge server around a node. metrics may be nil, in
// which case the package-level default instruments are used; logger
// may be nil.
func New(cfg Config, node Node, metrics *observe.Metrics, logger *slog.Logger) (*Server, error) {
	if node == nil {
		return nil, errors.New("bridge: nil node")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultConfig().StatusInterval
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		node:    node,
		hub:     newHub(),
		metrics: metrics,
		log:     logger.With("component", "bridge"),
	}, nil
}

// Addr returns the bound listen address, or "" before Start has one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler returns the HTTP surface: /ws for the hub, /status and
// /healthz for plain polling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/status", s.serveStatus)
	mux.HandleFunc("/healthz", s.serveHealth)
	return observe.Middleware(s.metrics, s.log)(mux)
}

// Start runs the server until ctx is cancelled, then shuts it down and
// drops every websocket session.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bridge listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("bridge listening", "addr", s.addr, "status_interval", s.cfg.StatusInterval)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.statusLoop(loopCtx)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		s.hub.close()
		return err
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		err := srv.Shutdown(shutdownCtx)
		s.hub.close()
		s.log.Info("bridge stopped")
		return err
	}
}

// statusLoop pushes the node's status to every session on a fixed
// cadence. Nothing is marshalled while no one is listening.
func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.count() == 0 {
				continue
			}
			if data := s.statusJSON(); data != nil {
				s.hub.broadcast(data)
			}
		}
	}
}

func (s *Server) statusJSON() []byte {
	data, err := json.Marshal(Envelope{
		Type:      "status",
		Timestamp: time.Now().UnixMilli(),
		Data:      s.node.Status(),
	})
	if err != nil {
		s.log.Warn("status marshal failed", "error", err)
		return nil
	}
	return data
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		srv:  s,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	if !s.hub.add(c) {
		_ = conn.Close()
		return
	}
	s.metrics.BridgeClients.Add(r.Context(), 1)
	s.log.Info("bridge client connected", "client_id", c.id, "remote", conn.RemoteAddr().String())

	go c.writePump()
	go c.readPump()

	// New sessions get the current picture without asking.
	if data := s.statusJSON(); data != nil {
		s.hub.sendTo(c, data)
	}
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.node.Status()); err != nil {
		s.log.Warn("status encode failed", "error", err)
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.hub.count(),
	})
}

// dispatch handles one inbound command frame. It runs on the session's
// read goroutine; the engine is safe to call from here.
func (s *Server) dispatch(c *client, raw []byte) {
	ctx := context.Background()

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.metrics.RecordCommand(ctx, "malformed", "error")
		s.reply(c, Envelope{Type: "error", Message: "malformed command"})
		return
	}

	switch cmd.Type {
	case "get_status":
		s.metrics.RecordCommand(ctx, cmd.Type, "ok")
		if data := s.statusJSON(); data != nil {
			s.hub.sendTo(c, data)
		}

	case "say":
		sigCtx, err := signal.ParseContext(cmd.Context)
		if err != nil {
			s.metrics.RecordCommand(ctx, cmd.Type, "error")
			s.reply(c, Envelope{Type: "error", Command: cmd.Type, Message: err.Error()})
			return
		}
		emo := signal.Emotion(cmd.Emotion)
		if !emo.Valid() {
			s.metrics.RecordCommand(ctx, cmd.Type, "error")
			s.reply(c, Envelope{Type: "error", Command: cmd.Type,
				Message: fmt.Sprintf("emotion %d out of range", cmd.Emotion)})
			return
		}
		if err := s.node.SendSignal(ctx, sigCtx, emo); err != nil {
			s.metrics.RecordCommand(ctx, cmd.Type, "error")
			s.reply(c, Envelope{Type: "error", Command: cmd.Type, Message: err.Error()})
			return
		}
		s.metrics.RecordCommand(ctx, cmd.Type, "ok")
		s.reply(c, Envelope{Type: "response", Command: cmd.Type, Status: "ok"})

	case "outcome":
		if cmd.Score < 0 || cmd.Score > 1 {
			s.metrics.RecordCommand(ctx, cmd.Type, "error")
			s.reply(c, Envelope{Type: "error", Command: cmd.Type,
				Message: fmt.Sprintf("score %v outside [0,1]", cmd.Score)})
			return
		}
		s.node.RecordOutcome(cmd.Score)
		s.metrics.RecordCommand(ctx, cmd.Type, "ok")
		s.reply(c, Envelope{Type: "response", Command: cmd.Type, Status: "ok"})

	default:
		s.metrics.RecordCommand(ctx, "unknown", "error")
		s.reply(c, Envelope{Type: "error", Command: cmd.Type,
			Message: fmt.Sprintf("unknown command %q", cmd.Type)})
	}
}

func (s *Server) reply(c *client, env Envelope) {
	env.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	s.hub.sendTo(c, data)
}
