package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	GatewayAddress string `toml:"GatewayAddress"`
	GatewayConfig  string `toml:"GatewayConfig"`
	DataDir        string `toml:"DataDir"`
	DataBackend    string `toml:"DataBackend"`
	NetworkName    string `toml:"NetworkName"`

	Telemetry Telemetry `toml:"Telemetry"`
	Genesis   Genesis   `toml:"Genesis"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "RPCToken" {
			return nil, fmt.Errorf("config file %s uses removed RPCToken field; set the INVOCHAIND_RPC_TOKEN environment variable instead", path)
		}
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./invochain-data"
	}
	if strings.TrimSpace(cfg.DataBackend) == "" {
		cfg.DataBackend = "leveldb"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "inv-local"
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.DataBackend)) {
	case "leveldb", "bolt", "memory":
	default:
		return fmt.Errorf("unsupported DataBackend %q (expected leveldb, bolt or memory)", cfg.DataBackend)
	}
	return nil
}

// DatabasePath returns the backend-specific location inside the data
// directory.
func (cfg *Config) DatabasePath() string {
	switch strings.ToLower(strings.TrimSpace(cfg.DataBackend)) {
	case "bolt":
		return filepath.Join(cfg.DataDir, "invochain.db")
	case "memory":
		return ""
	default:
		return filepath.Join(cfg.DataDir, "leveldb")
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:  ":8080",
		DataDir:     "./invochain-data",
		DataBackend: "leveldb",
		NetworkName: "inv-local",
		Genesis: Genesis{
			FeePolicy: FeePolicySeed{
				FeeBps:           200,
				TreasuryShareBps: 6000,
			},
			Limits: LimitsSeed{
				MaxPageSize:   100,
				BidTTLSeconds: 604800,
			},
		},
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
