// Package config holds the node's startup configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all node settings. Values come from an optional TOML file
// overridden by command-line flags.
type Config struct {
	Node    NodeConfig    `toml:"node"`
	Storage StorageConfig `toml:"storage"`
	Network NetworkConfig `toml:"network"`
}

// NodeConfig holds identity and HTTP settings.
type NodeConfig struct {
	IPPort     string `toml:"ipPort"`     // HTTP bind address, host:port
	Seed       int64  `toml:"seed"`       // identity seed
	Label      string `toml:"label"`      // optional human-readable name
	PowersPath string `toml:"powersPath"` // codec public parameters
}

// StorageConfig holds the on-disk layout and the send-storage budget.
type StorageConfig struct {
	BaseDir        string `toml:"baseDir"`        // defaults to ~/.share/dragoonfly
	Space          int64  `toml:"space"`          // budget magnitude
	Unit           string `toml:"unit"`           // "", K, M, G, T (powers of 10)
	ReplaceFileDir bool   `toml:"replaceFileDir"` // purge this identity's file dir at startup
}

// NetworkConfig holds swarm tuning knobs.
type NetworkConfig struct {
	CommandBuffer     int      `toml:"commandBuffer"`     // bounded command channel size
	RequestTimeout    Duration `toml:"requestTimeout"`    // per request task
	RepublishInterval Duration `toml:"republishInterval"` // provider record re-publication
}

// Duration wraps time.Duration for TOML parsing.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			IPPort: "127.0.0.1:3000",
		},
		Storage: StorageConfig{
			Space: 1,
			Unit:  "T",
		},
		Network: NetworkConfig{
			CommandBuffer:     64,
			RequestTimeout:    Duration{10 * time.Second},
			RepublishInterval: Duration{12 * time.Hour},
		},
	}
}

// Load reads a TOML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	return cfg, nil
}

// Flags carries command-line overrides. Empty strings and non-positive
// storage space mean "not set"; Seed and StorageUnit apply only when their
// *Set marker is true; ReplaceFileDir can only switch the purge on.
type Flags struct {
	IPPort         string
	Seed           int64
	SeedSet        bool
	StorageSpace   int64
	StorageUnit    string
	StorageUnitSet bool
	PowersPath     string
	Label          string
	ReplaceFileDir bool
}

// Merge applies command-line flags over the configuration.
func (c *Config) Merge(f Flags) {
	if f.IPPort != "" {
		c.Node.IPPort = f.IPPort
	}
	if f.SeedSet {
		c.Node.Seed = f.Seed
	}
	if f.StorageSpace > 0 {
		c.Storage.Space = f.StorageSpace
	}
	if f.StorageUnitSet {
		c.Storage.Unit = f.StorageUnit
	}
	if f.PowersPath != "" {
		c.Node.PowersPath = f.PowersPath
	}
	if f.Label != "" {
		c.Node.Label = f.Label
	}
	if f.ReplaceFileDir {
		c.Storage.ReplaceFileDir = true
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Node.IPPort == "" {
		return fmt.Errorf("http bind address must not be empty")
	}
	if c.Node.PowersPath == "" {
		return fmt.Errorf("powers path must not be empty")
	}
	if c.Storage.Space < 0 {
		return fmt.Errorf("storage space must not be negative")
	}
	if _, err := unitMultiplier(c.Storage.Unit); err != nil {
		return err
	}
	if c.Network.CommandBuffer <= 0 {
		return fmt.Errorf("command buffer size must be positive")
	}
	return nil
}

// unitMultiplier maps a storage unit to its decimal multiplier.
func unitMultiplier(unit string) (int64, error) {
	switch unit {
	case "":
		return 1, nil
	case "K":
		return 1e3, nil
	case "M":
		return 1e6, nil
	case "G":
		return 1e9, nil
	case "T":
		return 1e12, nil
	default:
		return 0, fmt.Errorf("unknown storage unit %q (want \"\", K, M, G or T)", unit)
	}
}

// Budget returns the send-storage budget in bytes.
func (c *Config) Budget() (uint64, error) {
	mul, err := unitMultiplier(c.Storage.Unit)
	if err != nil {
		return 0, err
	}
	return uint64(c.Storage.Space) * uint64(mul), nil
}

// FileBase returns the root under which per-identity file directories live.
func (c *Config) FileBase() (string, error) {
	if c.Storage.BaseDir != "" {
		return c.Storage.BaseDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".share", "dragoonfly"), nil
}
