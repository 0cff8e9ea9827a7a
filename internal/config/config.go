// Package config provides the configuration schema and loader for a
// waggle swarm node.
package config

import "log/slog"

// LogLevel controls log verbosity for the node.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the slog scale. Unknown levels read as info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler flavour.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// Config is the root configuration for one node. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader]; durations
// are plain millisecond integers so files stay unit-free.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Radio   RadioConfig   `yaml:"radio"`
	Signal  SignalConfig  `yaml:"signal"`
	Bot     BotConfig     `yaml:"bot"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Observe ObserveConfig `yaml:"observe"`
	Log     LogConfig     `yaml:"log"`
}

// NodeConfig identifies the bot and where it keeps state.
type NodeConfig struct {
	// ID is the bot's human-readable name. Empty means derive one
	// from the radio MAC at startup.
	ID string `yaml:"id"`

	// DataDir holds the vocabulary snapshot between runs.
	DataDir string `yaml:"data_dir"`
}

// RadioConfig tunes the mesh transport.
type RadioConfig struct {
	// ListenAddrs are libp2p multiaddrs to bind.
	ListenAddrs []string `yaml:"listen_addrs"`

	// ServiceTag namespaces mDNS discovery so separate swarms on one
	// network do not hear each other.
	ServiceTag string `yaml:"service_tag"`

	// MAC pins the bot's wire identity, e.g. "DE:AD:BE:EF:00:01".
	// Empty means derive it from the libp2p peer ID.
	MAC string `yaml:"mac"`

	SendTimeoutMs int `yaml:"send_timeout_ms"`

	// RatePerSecond and Burst cap inbound frames per sender.
	RatePerSecond int `yaml:"rate_per_second"`
	Burst         int `yaml:"burst"`
}

// SignalConfig seeds the bot's voice. Zero values mean "roll at first
// boot", which is how bots get distinct dialects.
type SignalConfig struct {
	Seed int64 `yaml:"seed"`

	// Signature stamps every minted word, 1..254.
	Signature int `yaml:"signature"`

	// ComplexityPreference caps calm-context word length, 1..8.
	ComplexityPreference int `yaml:"complexity_preference"`

	// InnovationRate is the percent chance to mutate instead of
	// reuse, 0..100.
	InnovationRate int `yaml:"innovation_rate"`
}

// BotConfig sets the engine cadences, in milliseconds. Zeroes fall
// back to the engine defaults.
type BotConfig struct {
	TickMs      int `yaml:"tick_ms"`
	BroadcastMs int `yaml:"broadcast_ms"`
	PruneMs     int `yaml:"prune_ms"`
	PersistMs   int `yaml:"persist_ms"`

	Classifier ClassifierConfig `yaml:"classifier"`
}

// ClassifierConfig sets the context thresholds.
type ClassifierConfig struct {
	DebounceMs   int `yaml:"debounce_ms"`
	ObstacleCm   int `yaml:"obstacle_cm"`
	OpenSpaceCm  int `yaml:"open_space_cm"`
	PeerWindowMs int `yaml:"peer_window_ms"`
}

// BridgeConfig exposes the websocket telemetry bridge.
type BridgeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`

	// StatusMs is how often connected clients get a status push.
	StatusMs int `yaml:"status_ms"`
}

// ObserveConfig exposes Prometheus metrics.
type ObserveConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig shapes the slog handler built at startup.
type LogConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// Default returns the configuration a node runs with when no file is
// given.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir: "data",
		},
		Radio: RadioConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/0",
				"/ip4/0.0.0.0/udp/0/quic-v1",
			},
			ServiceTag:    "waggle-swarm",
			SendTimeoutMs: 5000,
			RatePerSecond: 20,
			Burst:         40,
		},
		Bot: BotConfig{
			TickMs:      100,
			BroadcastMs: 10000,
			PruneMs:     60000,
			PersistMs:   300000,
			Classifier: ClassifierConfig{
				DebounceMs:   500,
				ObstacleCm:   15,
				OpenSpaceCm:  100,
				PeerWindowMs: 5000,
			},
		},
		Bridge: BridgeConfig{
			Enabled:    false,
			ListenAddr: ":8765",
			StatusMs:   1000,
		},
		Observe: ObserveConfig{
			Enabled:    false,
			ListenAddr: ":9090",
		},
		Log: LogConfig{
			Level:  LogInfo,
			Format: LogText,
		},
	}
}
