// Package config loads the metacast configuration file. The set of enabled
// backends and their connection parameters is fixed at startup; the file is
// not watched or reloaded.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Source kinds. Each kind selects a listener implementation.
const (
	KindPipe  = "pipe"  // shairport-sync style metadata pipe
	KindEvent = "event" // atomically replaced event snapshot file
	KindPoll  = "poll"  // periodic HTTP status poll
	KindMPRIS = "mpris" // D-Bus MediaPlayer1/MPRIS adapter queries
)

// Duration wraps time.Duration for TOML decoding ("2s", "500ms").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration document.
type Config struct {
	Server      Server            `toml:"server"`
	Debug       Debug             `toml:"debug"`
	Arbitration Arbitration       `toml:"arbitration"`
	Sources     map[string]Source `toml:"sources"`
}

// Server configures the outbound Snapcast control channel.
type Server struct {
	ControlURL       string   `toml:"control_url"`
	CoverArtDir      string   `toml:"coverart_dir"`
	ResponseTimeout  Duration `toml:"response_timeout"`
	PositionInterval Duration `toml:"position_interval"`
	StaleDrop        Duration `toml:"stale_drop"`
	ReconnectMax     Duration `toml:"reconnect_max"`
}

// Debug configures the read-only inspection HTTP server.
type Debug struct {
	Listen string `toml:"listen"`
}

// Arbitration configures active-source selection.
type Arbitration struct {
	Grace     Duration `toml:"grace"`
	Freshness Duration `toml:"freshness"`
}

// Source configures one audio backend.
type Source struct {
	Kind     string `toml:"kind"`
	Stream   string `toml:"stream"`   // Snapcast stream name this source feeds
	Priority int    `toml:"priority"` // lower wins arbitration ties

	// Pipe and event listeners.
	Path string `toml:"path"`

	// Poll listener.
	URL      string   `toml:"url"`
	Interval Duration `toml:"interval"`

	// MPRIS listener.
	Bus    string `toml:"bus"`    // "system" (default) or "session"
	Player string `toml:"player"` // D-Bus name prefix to match, optional
}

// Default returns the configuration defaults applied before decoding.
func Default() Config {
	return Config{
		Server: Server{
			ControlURL:       "ws://127.0.0.1:1780/jsonrpc",
			CoverArtDir:      "/usr/share/snapserver/snapweb/coverart",
			ResponseTimeout:  Duration(5 * time.Second),
			PositionInterval: Duration(1 * time.Second),
			StaleDrop:        Duration(3 * time.Second),
			ReconnectMax:     Duration(5 * time.Second),
		},
		Debug: Debug{
			Listen: ":8089",
		},
		Arbitration: Arbitration{
			Grace:     Duration(1 * time.Second),
			Freshness: Duration(15 * time.Second),
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	for name, src := range cfg.Sources {
		if src.Interval == 0 {
			src.Interval = Duration(2 * time.Second)
		}
		if src.Bus == "" {
			src.Bus = "system"
		}
		if src.Stream == "" {
			src.Stream = name
		}
		cfg.Sources[name] = src
	}
	return cfg, nil
}

// Validate checks for configuration errors that must be fatal at startup.
func (c Config) Validate() error {
	if c.Server.ControlURL == "" {
		return fmt.Errorf("server.control_url is required")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	for name, src := range c.Sources {
		switch src.Kind {
		case KindPipe, KindEvent:
			if src.Path == "" {
				return fmt.Errorf("source %s: path is required for kind %q", name, src.Kind)
			}
		case KindPoll:
			if src.URL == "" {
				return fmt.Errorf("source %s: url is required for kind %q", name, src.Kind)
			}
		case KindMPRIS:
			if src.Bus != "" && src.Bus != "system" && src.Bus != "session" {
				return fmt.Errorf("source %s: bus must be \"system\" or \"session\"", name)
			}
		case "":
			return fmt.Errorf("source %s: kind is required", name)
		default:
			return fmt.Errorf("source %s: unknown kind %q", name, src.Kind)
		}
		if src.Priority < 0 {
			return fmt.Errorf("source %s: priority must be non-negative", name)
		}
	}
	return nil
}
