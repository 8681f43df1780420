package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBudgetUnits(t *testing.T) {
	cases := []struct {
		space int64
		unit  string
		want  uint64
	}{
		{5, "", 5},
		{2, "K", 2000},
		{3, "M", 3000000},
		{20, "G", 20000000000},
		{1, "T", 1000000000000},
		{0, "G", 0},
	}
	for _, c := range cases {
		cfg := Default()
		cfg.Storage.Space = c.space
		cfg.Storage.Unit = c.unit
		got, err := cfg.Budget()
		if err != nil {
			t.Fatalf("Budget(%d, %q): %v", c.space, c.unit, err)
		}
		if got != c.want {
			t.Errorf("Budget(%d, %q) = %d, want %d", c.space, c.unit, got, c.want)
		}
	}
}

func TestBudgetUnknownUnit(t *testing.T) {
	cfg := Default()
	cfg.Storage.Unit = "Q"
	if _, err := cfg.Budget(); err == nil {
		t.Fatal("expected error for unknown unit")
	}
}

func TestMergeOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	data := `
[node]
ipPort = "127.0.0.1:4000"
seed = 7
label = "from-file"

[storage]
space = 10
unit = "G"

[network]
requestTimeout = "30s"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.IPPort != "127.0.0.1:4000" || cfg.Node.Seed != 7 {
		t.Fatalf("file values not loaded: %+v", cfg.Node)
	}
	if cfg.Network.RequestTimeout.Duration != 30*time.Second {
		t.Fatalf("requestTimeout = %v, want 30s", cfg.Network.RequestTimeout.Duration)
	}

	cfg.Merge(Flags{
		IPPort:         "127.0.0.1:5000",
		Seed:           42,
		SeedSet:        true,
		StorageSpace:   1,
		StorageUnit:    "K",
		StorageUnitSet: true,
		Label:          "flag-label",
	})
	if cfg.Node.IPPort != "127.0.0.1:5000" {
		t.Errorf("flag did not override ip-port: %s", cfg.Node.IPPort)
	}
	if cfg.Node.Seed != 42 {
		t.Errorf("flag did not override seed: %d", cfg.Node.Seed)
	}
	if cfg.Storage.Unit != "K" || cfg.Storage.Space != 1 {
		t.Errorf("flag did not override storage: %+v", cfg.Storage)
	}
	if cfg.Node.Label != "flag-label" {
		t.Errorf("flag did not override label: %s", cfg.Node.Label)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Node.PowersPath = "powers.bin"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.Node.PowersPath = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing powers path accepted")
	}

	cfg = Default()
	cfg.Node.PowersPath = "powers.bin"
	cfg.Storage.Unit = "X"
	if err := cfg.Validate(); err == nil {
		t.Error("bad unit accepted")
	}

	cfg = Default()
	cfg.Node.PowersPath = "powers.bin"
	cfg.Network.CommandBuffer = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero command buffer accepted")
	}
}
