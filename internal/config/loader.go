package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"github.com/projectjumbo/waggle/swarm/radio"
)

// Load reads the YAML configuration file at path and returns a
// validated [Config]. It is a convenience wrapper around
// [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the
// result. Useful in tests where configs are constructed from string
// literals. Fields absent from the file keep the [Default] values.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if cfg.Log.Format != "" && !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}

	for i, addr := range cfg.Radio.ListenAddrs {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			errs = append(errs, fmt.Errorf("radio.listen_addrs[%d] %q is not a multiaddr: %w", i, addr, err))
		}
	}
	if cfg.Radio.MAC != "" {
		if _, err := radio.ParseMAC(cfg.Radio.MAC); err != nil {
			errs = append(errs, fmt.Errorf("radio.mac: %w", err))
		}
	}
	if cfg.Radio.SendTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("radio.send_timeout_ms %d is negative", cfg.Radio.SendTimeoutMs))
	}
	if cfg.Radio.RatePerSecond < 0 || cfg.Radio.Burst < 0 {
		errs = append(errs, errors.New("radio rate limits must not be negative"))
	}
	if cfg.Radio.Burst > 0 && cfg.Radio.Burst < cfg.Radio.RatePerSecond {
		slog.Warn("radio.burst below rate_per_second; bursts will throttle immediately",
			"burst", cfg.Radio.Burst, "rate_per_second", cfg.Radio.RatePerSecond)
	}

	if s := cfg.Signal.Signature; s < 0 || s > 254 {
		errs = append(errs, fmt.Errorf("signal.signature %d is out of range [0, 254] (0 rolls one at boot)", s))
	}
	if c := cfg.Signal.ComplexityPreference; c < 0 || c > 8 {
		errs = append(errs, fmt.Errorf("signal.complexity_preference %d is out of range [0, 8] (0 rolls one at boot)", c))
	}
	if r := cfg.Signal.InnovationRate; r < 0 || r > 100 {
		errs = append(errs, fmt.Errorf("signal.innovation_rate %d is out of range [0, 100]", r))
	}

	for name, v := range map[string]int{
		"bot.tick_ms":      cfg.Bot.TickMs,
		"bot.broadcast_ms": cfg.Bot.BroadcastMs,
		"bot.prune_ms":     cfg.Bot.PruneMs,
		"bot.persist_ms":   cfg.Bot.PersistMs,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s %d is negative", name, v))
		}
	}
	cl := cfg.Bot.Classifier
	if cl.DebounceMs < 0 || cl.PeerWindowMs < 0 {
		errs = append(errs, errors.New("bot.classifier windows must not be negative"))
	}
	if cl.ObstacleCm > 0 && cl.OpenSpaceCm > 0 && cl.ObstacleCm >= cl.OpenSpaceCm {
		errs = append(errs, fmt.Errorf("bot.classifier.obstacle_cm %d must be below open_space_cm %d", cl.ObstacleCm, cl.OpenSpaceCm))
	}

	if cfg.Bridge.Enabled && cfg.Bridge.ListenAddr == "" {
		errs = append(errs, errors.New("bridge.listen_addr is required when the bridge is enabled"))
	}
	if cfg.Bridge.StatusMs < 0 {
		errs = append(errs, fmt.Errorf("bridge.status_ms %d is negative", cfg.Bridge.StatusMs))
	}
	if cfg.Observe.Enabled && cfg.Observe.ListenAddr == "" {
		errs = append(errs, errors.New("observe.listen_addr is required when metrics are enabled"))
	}

	if cfg.Node.DataDir == "" {
		slog.Warn("node.data_dir is empty; the vocabulary will not survive restarts")
	}

	return errors.Join(errs...)
}
