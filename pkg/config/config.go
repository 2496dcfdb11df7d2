package config

// Package config provides a reusable loader for Synnergy configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"filenet/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a filenet node. It mirrors
// the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ID             string   `mapstructure:"id" json:"id"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		P2PPort        int      `mapstructure:"p2p_port" json:"p2p_port"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	// Storage describes the on-disk layout of the three sibling KV tables
	// (headers, descriptors, parts) backing the FileIndex.
	Storage struct {
		RootPath string `mapstructure:"root_path" json:"root_path"`
		Prune    bool   `mapstructure:"prune" json:"prune"`
	} `mapstructure:"storage" json:"storage"`

	// Replication holds replication settings as loaded from configuration.
	// The Scheduler runs on fixed intervals and does not read these fields.
	Replication struct {
		APIAddr           string `mapstructure:"api_addr" json:"api_addr"`
		HeaderProbeSec    int    `mapstructure:"header_probe_sec" json:"header_probe_sec"`
		PartFetchSec      int    `mapstructure:"part_fetch_sec" json:"part_fetch_sec"`
		ReconcileSec      int    `mapstructure:"reconcile_sec" json:"reconcile_sec"`
		ProbeFanout       int    `mapstructure:"probe_fanout" json:"probe_fanout"`
		PartFetchFanout   int    `mapstructure:"part_fetch_fanout" json:"part_fetch_fanout"`
		EncryptionKeyFile string `mapstructure:"encryption_key_file" json:"encryption_key_file"`
	} `mapstructure:"replication" json:"replication"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SYNN_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SYNN_ENV", ""))
}
