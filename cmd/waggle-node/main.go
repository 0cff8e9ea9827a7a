// Command waggle-node runs one swarm bot on a host machine: the signal
// engine against a libp2p radio, a simulated chassis for sensor input,
// and the optional websocket bridge and Prometheus endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/projectjumbo/waggle/internal/bridge"
	"github.com/projectjumbo/waggle/internal/config"
	"github.com/projectjumbo/waggle/internal/observe"
	"github.com/projectjumbo/waggle/swarm/bot"
	"github.com/projectjumbo/waggle/swarm/ecosystem"
	"github.com/projectjumbo/waggle/swarm/radio"
	"github.com/projectjumbo/waggle/swarm/sense"
	swarmsig "github.com/projectjumbo/waggle/swarm/signal"
	"github.com/projectjumbo/waggle/swarm/store"
)

const version = "0.4.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML config file (built-in defaults when empty)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "waggle-node: %v\n", err)
			return 1
		}
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The provider comes up first so everything built afterwards binds
	// its instruments against the real meter provider.
	if cfg.Observe.Enabled {
		shutdownMetrics, err := observe.InitProvider(observe.ProviderConfig{
			ServiceName:    "waggle-node",
			ServiceVersion: version,
		})
		if err != nil {
			logger.Error("metrics provider init failed", "error", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownMetrics(shutdownCtx); err != nil {
				logger.Warn("metrics provider shutdown failed", "error", err)
			}
		}()
	}

	p2p, err := radio.NewP2PRadio(radioConfig(cfg.Radio), logger)
	if err != nil {
		logger.Error("radio init failed", "error", err)
		return 1
	}
	if err := p2p.Start(ctx); err != nil {
		logger.Error("radio start failed", "error", err)
		_ = p2p.Close()
		return 1
	}

	botID := cfg.Node.ID
	if botID == "" {
		mac := p2p.LocalMAC()
		botID = fmt.Sprintf("bot-%02x%02x%02x", mac[3], mac[4], mac[5])
	}

	var vocabStore bot.VocabularyStore
	if cfg.Node.DataDir != "" {
		vocabStore = store.NewFileStore(filepath.Join(cfg.Node.DataDir, botID+".vocab"), logger)
	}

	eng, err := bot.NewEngine(engineConfig(cfg, botID), bot.Deps{
		Transport: p2p,
		Sensors:   newSimChassis(cfg.Signal.Seed),
		Registry:  ecosystem.NewRegistry(nil, logger),
		Store:     vocabStore,
	}, logger)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		_ = p2p.Close()
		return 1
	}
	if err := eng.Start(ctx); err != nil {
		logger.Error("engine start failed", "error", err)
		_ = eng.Close()
		return 1
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("engine close failed", "error", err)
		}
	}()

	if cfg.Observe.Enabled {
		watch, err := observe.WatchNode(otel.GetMeterProvider(), eng.Status, p2p.Metrics)
		if err != nil {
			logger.Error("metrics registration failed", "error", err)
			return 1
		}
		defer func() { _ = watch.Unregister() }()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if cfg.Observe.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              cfg.Observe.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.Observe.ListenAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Bridge.Enabled {
		br, err := bridge.New(bridge.Config{
			ListenAddr:     cfg.Bridge.ListenAddr,
			StatusInterval: time.Duration(cfg.Bridge.StatusMs) * time.Millisecond,
		}, eng, nil, logger)
		if err != nil {
			logger.Error("bridge init failed", "error", err)
			return 1
		}
		g.Go(func() error { return br.Start(gctx) })
	}

	logger.Info("node up",
		"bot_id", botID,
		"mac", swarmsig.FormatMAC(p2p.LocalMAC()),
		"version", version,
		"bridge", cfg.Bridge.Enabled,
		"metrics", cfg.Observe.Enabled)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("node failed", "error", err)
		return 1
	}
	logger.Info("shutting down")
	return 0
}

func newLogger(lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lc.Level.Level()}
	if lc.Format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// radioConfig maps the file schema onto the radio's config. Zeroed
// fields keep the radio's own defaults.
func radioConfig(rc config.RadioConfig) radio.Config {
	return radio.Config{
		ListenAddrs: rc.ListenAddrs,
		ServiceTag:  rc.ServiceTag,
		MACOverride: rc.MAC,
		SendTimeout: time.Duration(rc.SendTimeoutMs) * time.Millisecond,
		RateLimit: radio.RateLimitConfig{
			FramesPerSecond: rc.RatePerSecond,
			BurstSize:       rc.Burst,
		},
	}
}

func engineConfig(cfg *config.Config, botID string) bot.Config {
	ec := bot.DefaultConfig()
	ec.BotID = botID

	if cfg.Bot.TickMs > 0 {
		ec.TickInterval = time.Duration(cfg.Bot.TickMs) * time.Millisecond
	}
	if cfg.Bot.BroadcastMs > 0 {
		ec.BroadcastInterval = time.Duration(cfg.Bot.BroadcastMs) * time.Millisecond
	}
	if cfg.Bot.PruneMs > 0 {
		ec.PruneInterval = time.Duration(cfg.Bot.PruneMs) * time.Millisecond
	}
	if cfg.Bot.PersistMs > 0 {
		ec.PersistInterval = time.Duration(cfg.Bot.PersistMs) * time.Millisecond
	}

	cl := cfg.Bot.Classifier
	if cl.DebounceMs > 0 {
		ec.Classifier.DebounceMs = uint32(cl.DebounceMs)
	}
	if cl.ObstacleCm > 0 {
		ec.Classifier.ObstacleCm = cl.ObstacleCm
	}
	if cl.OpenSpaceCm > 0 {
		ec.Classifier.OpenSpaceCm = cl.OpenSpaceCm
	}
	if cl.PeerWindowMs > 0 {
		ec.Classifier.PeerWindowMs = uint32(cl.PeerWindowMs)
	}

	// The sim chassis reports motion hits and shocks, so both sentries
	// earn their keep even on a host build.
	ec.Capabilities = []sense.Capability{sense.MotionSentry{}, sense.ShockSentry{}}

	ec.Personality = swarmsig.Personality{
		Signature:            uint8(cfg.Signal.Signature),
		ComplexityPreference: uint8(cfg.Signal.ComplexityPreference),
		InnovationRate:       uint8(cfg.Signal.InnovationRate),
	}
	ec.Seed = cfg.Signal.Seed
	return ec
}

// simChassis stands in for the sensor board when the node runs on a
// host: a random walk over the forward range with task episodes and
// the odd motion or shock event, enough to take the classifier through
// its whole ladder.
type simChassis struct {
	mu       sync.Mutex
	rng      *rand.Rand
	distance int
	episode  int // polls left in the current task episode
	report   int // polls left reporting a finished task's success
	pinned   bool
}

func newSimChassis(seed int64) *simChassis {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &simChassis{
		rng:      rand.New(rand.NewSource(seed)),
		distance: 120,
	}
}

func (s *simChassis) Read() sense.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := sense.Snapshot{Moving: true, AccelMagnitude: 1.0}

	switch {
	case s.episode > 0:
		s.episode--
		snap.TaskInProgress = true
		if !s.pinned {
			s.wander()
		}
		if s.episode == 0 && !s.pinned {
			s.report = 8
		}
	case s.report > 0:
		s.report--
		snap.TaskInProgress = true
		snap.TaskSuccessful = true
	default:
		s.wander()
		if s.rng.Intn(100) < 2 {
			// A pinned range reading reads as a stuck drive; the rest
			// wind down as successes.
			s.pinned = s.rng.Intn(100) < 25
			s.episode = 10 + s.rng.Intn(40)
			if s.pinned {
				s.episode = 30 + s.rng.Intn(30)
			}
		}
	}

	if s.rng.Intn(1000) < 5 {
		snap.MotionDetected = true
	}
	if s.rng.Intn(1000) < 2 {
		snap.AccelMagnitude = 2.5
		snap.Moving = false
	}

	snap.DistanceCm = s.distance
	return snap
}

func (s *simChassis) wander() {
	s.distance += s.rng.Intn(21) - 10
	if s.distance < 5 {
		s.distance = 5
	}
	if s.distance > 200 {
		s.distance = 200
	}
}
