package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the node's runtime configuration. Zero values fall back to
// defaults; the loader merges file then environment on top.
type Config struct {
	Home string `yaml:"home"`

	Network NetworkConfig `yaml:"network"`
	Stake   StakeConfig   `yaml:"stake"`
	Policy  PolicyConfig  `yaml:"policy"`
}

type NetworkConfig struct {
	ListenAddress    string        `yaml:"listenAddress"`
	AdvertiseAddress string        `yaml:"advertiseAddress"`
	Port             int           `yaml:"port"`
	SeedNodes        []string      `yaml:"seedNodes"`
	LearnInterval    time.Duration `yaml:"learnInterval"`
	ExchangeSize     int           `yaml:"exchangeSize"`
	DirectoryCap     int           `yaml:"directoryCap"`
	DirectoryTTL     time.Duration `yaml:"directoryTTL"`
}

type StakeConfig struct {
	RPCURL    string `yaml:"rpcUrl"`
	Federated bool   `yaml:"federated"`
	Worker    string `yaml:"worker"`
}

type PolicyConfig struct {
	ArrangementCap int           `yaml:"arrangementCap"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
	RetrieveWindow time.Duration `yaml:"retrieveWindow"`
}

func Default() Config {
	return Config{
		Home: defaultHome(),
		Network: NetworkConfig{
			ListenAddress:    "0.0.0.0",
			AdvertiseAddress: "127.0.0.1",
			Port:             9151,
			LearnInterval:    30 * time.Second,
			ExchangeSize:     32,
			DirectoryCap:     512,
			DirectoryTTL:     4 * time.Hour,
		},
		Stake: StakeConfig{
			Federated: true,
		},
		Policy: PolicyConfig{
			ArrangementCap: 4096,
			AttemptTimeout: 5 * time.Second,
			RetrieveWindow: 10 * time.Second,
		},
	}
}

func defaultHome() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.prenet"
	}
	return ".prenet"
}

// Load reads the config file at path (missing file is not an error), merges
// it over the defaults and applies environment overrides last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else {
			var parsed Config
			if err := yaml.Unmarshal(data, &parsed); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
			merge(&cfg, parsed)
			applyFederatedFlag(&cfg, data)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func merge(dst *Config, src Config) {
	if src.Home != "" {
		dst.Home = src.Home
	}
	if src.Network.ListenAddress != "" {
		dst.Network.ListenAddress = src.Network.ListenAddress
	}
	if src.Network.AdvertiseAddress != "" {
		dst.Network.AdvertiseAddress = src.Network.AdvertiseAddress
	}
	if src.Network.Port != 0 {
		dst.Network.Port = src.Network.Port
	}
	if src.Network.SeedNodes != nil {
		dst.Network.SeedNodes = src.Network.SeedNodes
	}
	if src.Network.LearnInterval != 0 {
		dst.Network.LearnInterval = src.Network.LearnInterval
	}
	if src.Network.ExchangeSize != 0 {
		dst.Network.ExchangeSize = src.Network.ExchangeSize
	}
	if src.Network.DirectoryCap != 0 {
		dst.Network.DirectoryCap = src.Network.DirectoryCap
	}
	if src.Network.DirectoryTTL != 0 {
		dst.Network.DirectoryTTL = src.Network.DirectoryTTL
	}
	if src.Stake.RPCURL != "" {
		dst.Stake.RPCURL = src.Stake.RPCURL
		dst.Stake.Federated = false
	}
	if src.Stake.Worker != "" {
		dst.Stake.Worker = src.Stake.Worker
	}
	if src.Policy.ArrangementCap != 0 {
		dst.Policy.ArrangementCap = src.Policy.ArrangementCap
	}
	if src.Policy.AttemptTimeout != 0 {
		dst.Policy.AttemptTimeout = src.Policy.AttemptTimeout
	}
	if src.Policy.RetrieveWindow != 0 {
		dst.Policy.RetrieveWindow = src.Policy.RetrieveWindow
	}
}

// applyFederatedFlag re-reads stake.federated as a pointer. Through the plain
// bool an explicit "federated: false" is indistinguishable from the field
// being absent, and defaults would silently win.
func applyFederatedFlag(cfg *Config, data []byte) {
	var doc struct {
		Stake struct {
			Federated *bool `yaml:"federated"`
		} `yaml:"stake"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && doc.Stake.Federated != nil {
		cfg.Stake.Federated = *doc.Stake.Federated
	}
}

func applyEnvOverrides(cfg *Config) {
	if home := strings.TrimSpace(os.Getenv("PRENET_HOME")); home != "" {
		cfg.Home = home
	}
	if url := strings.TrimSpace(os.Getenv("PRENET_STAKE_RPC")); url != "" {
		cfg.Stake.RPCURL = url
		cfg.Stake.Federated = false
	}
	if raw := strings.TrimSpace(os.Getenv("PRENET_PORT")); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 {
			cfg.Network.Port = port
		}
	}
	if raw := strings.TrimSpace(os.Getenv("PRENET_SEEDS")); raw != "" {
		cfg.Network.SeedNodes = strings.Split(raw, ",")
	}
	if raw := strings.TrimSpace(os.Getenv("PRENET_FEDERATED")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Stake.Federated = v
		}
	}
}
