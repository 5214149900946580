package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration loaded from a TOML file.
type Config struct {
	RPCAddress      string `toml:"RPCAddress"`
	MetricsAddress  string `toml:"MetricsAddress"`
	DataDir         string `toml:"DataDir"`
	Arbiter         string `toml:"Arbiter"`
	TrustedAttestor string `toml:"TrustedAttestor"`
	// VerifierMode selects the attestation verifier: "attestor" checks
	// signatures against TrustedAttestor, "accept" and "reject" are
	// static modes for development.
	VerifierMode  string `toml:"VerifierMode"`
	MaxRejections uint32 `toml:"MaxRejections"`
	// DisputeWindowSeconds is the default window applied to hybrid
	// records created without an explicit one.
	DisputeWindowSeconds int64  `toml:"DisputeWindowSeconds"`
	SweepIntervalSeconds int64  `toml:"SweepIntervalSeconds"`
	LogLevel             string `toml:"LogLevel"`
	LogFile              string `toml:"LogFile"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./proofpay-data"
	}
	if strings.TrimSpace(cfg.VerifierMode) == "" {
		cfg.VerifierMode = "attestor"
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = 60
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil config")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.VerifierMode)) {
	case "attestor":
		if strings.TrimSpace(cfg.TrustedAttestor) == "" {
			return fmt.Errorf("config: VerifierMode %q requires TrustedAttestor", cfg.VerifierMode)
		}
	case "accept", "reject":
	default:
		return fmt.Errorf("config: unknown VerifierMode %q", cfg.VerifierMode)
	}
	return nil
}

// createDefault creates and saves a default configuration file. The default
// runs the development verifier so a fresh node starts without key material.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:           ":8080",
		MetricsAddress:       ":9090",
		DataDir:              "./proofpay-data",
		VerifierMode:         "accept",
		SweepIntervalSeconds: 60,
		LogLevel:             "info",
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
