package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ethdn/beaconcore/chaincfg"
)

// Config holds the resolved CLI configuration for a beacon-core process.
type Config struct {
	DataDir string

	NetworkID   uint64
	GenesisTime uint64

	SecondsPerSlot    uint64
	SlotsPerEpoch     uint64
	EpochsForFinality uint64

	MetricsEnabled bool
	MetricsPort    int

	Verbosity int
}

// DefaultConfig returns a Config seeded with mainnet-shaped defaults.
func DefaultConfig() Config {
	c := chaincfg.DefaultConfig()
	return Config{
		DataDir:           defaultDataDir(),
		NetworkID:         1,
		GenesisTime:       0,
		SecondsPerSlot:    c.SecondsPerSlot,
		SlotsPerEpoch:     c.SlotsPerEpoch,
		EpochsForFinality: c.EpochsForFinality,
		MetricsEnabled:    false,
		MetricsPort:       9090,
		Verbosity:         3,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".beacon-core"
	}
	return filepath.Join(home, ".beacon-core")
}

// Validate checks the config for internal consistency before the node is
// built from it.
func (c *Config) Validate() error {
	chainCfg := c.chaincfgConfig()
	if err := chainCfg.Validate(); err != nil {
		return err
	}
	if c.MetricsEnabled && (c.MetricsPort <= 0 || c.MetricsPort > 65535) {
		return fmt.Errorf("config: invalid metrics port %d", c.MetricsPort)
	}
	if c.Verbosity < 0 || c.Verbosity > 5 {
		return fmt.Errorf("config: verbosity must be 0-5, got %d", c.Verbosity)
	}
	return nil
}

// chaincfgConfig projects the CLI config onto the consensus-timing config
// the rest of the core is parameterized over.
func (c *Config) chaincfgConfig() *chaincfg.Config {
	return &chaincfg.Config{
		SecondsPerSlot:    c.SecondsPerSlot,
		SlotsPerEpoch:     c.SlotsPerEpoch,
		MinGenesisTime:    c.GenesisTime,
		EpochsForFinality: c.EpochsForFinality,
	}
}

// InitDataDir creates the data directory if it does not already exist.
func (c *Config) InitDataDir() error {
	return os.MkdirAll(c.DataDir, 0o755)
}

// VerbosityToLogLevel translates a 0-5 verbosity flag into a slog.Level,
// following the same mapping cmd entrypoints in this codebase have always
// used. 0 and 1 both map to Error: slog has no "silent" level.
func VerbosityToLogLevel(v int) slog.Level {
	switch {
	case v <= 1:
		return slog.LevelError
	case v == 2:
		return slog.LevelWarn
	case v == 3:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
