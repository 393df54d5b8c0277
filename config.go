package aggrd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":4567"
	// DefaultListenProto controls the listener network when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables the scrape listener.
	DefaultMetricsListen = ""
	// DefaultStateDir is where the snapshot and clock checkpoint live.
	DefaultStateDir = "aggrd-state"
	// DefaultExpireAfter is how long a station record survives without a
	// refreshing PUT.
	DefaultExpireAfter = 30 * time.Second
	// DefaultSweepInterval sets the tick frequency for expiry sweeps.
	DefaultSweepInterval = 30 * time.Second
	// DefaultPersistInterval sets how often dirty state is snapshotted.
	DefaultPersistInterval = 60 * time.Second
	// DefaultRequestTimeout bounds how long a handler waits for the
	// processor before answering 408.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultMaxPayloadBytes caps a single PUT body.
	DefaultMaxPayloadBytes = 1 << 20
	// DefaultConfigFileName is the config file searched for when --config is
	// omitted.
	DefaultConfigFileName = "config.yaml"
)

// SnapshotFileName is the snapshot file created under StateDir.
const SnapshotFileName = "weather_data.json"

// ClockFileName is the Lamport checkpoint file created under StateDir.
const ClockFileName = "lamport.clock"

// Config captures the tunables for an aggrd.Server instance.
type Config struct {
	// Listen is the server bind address (for example ":4567").
	Listen string
	// ListenProto selects the listener network (for example "tcp").
	ListenProto string
	// MetricsListen is the metrics endpoint bind address; empty disables
	// metrics.
	MetricsListen string
	// StateDir holds the snapshot and the clock checkpoint. Created on
	// startup when missing.
	StateDir string
	// ExpireAfter is the record TTL enforced by the sweeper.
	ExpireAfter time.Duration
	// SweepInterval is the expiry sweep cadence.
	SweepInterval time.Duration
	// PersistInterval is the snapshot save cadence.
	PersistInterval time.Duration
	// RequestTimeout caps how long a connection waits on the processor.
	RequestTimeout time.Duration
	// MaxPayloadBytes caps incoming PUT payload size.
	MaxPayloadBytes int64
	// NodeID names this server in logs. Generated when empty.
	NodeID string
}

// Validate fills in defaults and rejects contradictory settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = DefaultStateDir
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = DefaultExpireAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.SweepInterval > c.ExpireAfter {
		return fmt.Errorf("config: sweep interval %s must not exceed expire-after %s", c.SweepInterval, c.ExpireAfter)
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = DefaultPersistInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return nil
}

// DefaultConfigDir resolves the per-user config directory. AGGRD_CONFIG_DIR
// overrides the default of $HOME/.aggrd.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("AGGRD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".aggrd"), nil
}

// SnapshotPath returns the snapshot file location under StateDir.
func (c Config) SnapshotPath() string {
	return filepath.Join(c.StateDir, SnapshotFileName)
}

// ClockPath returns the Lamport checkpoint location under StateDir.
func (c Config) ClockPath() string {
	return filepath.Join(c.StateDir, ClockFileName)
}
