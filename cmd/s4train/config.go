package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the user configuration file (~/.config/s4train/config.yaml).
type Config struct {
	ConfigsDir string `yaml:"configs_dir"`
	DataDir    string `yaml:"data_dir"`
	OutDir     string `yaml:"out_dir"`

	// Rendezvous. MasterPort is a pointer so an explicit 0 can be told
	// apart from unset.
	MasterAddr string `yaml:"master_addr"`
	MasterPort *int   `yaml:"master_port"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "s4train", "config.yaml")
}

// applyPathConfig fills the directory flags from the config file when they
// were not given on the command line or through the environment.
func applyPathConfig(c *cli.Command, cfg Config) {
	if cfg.ConfigsDir != "" && !c.IsSet("configs-dir") {
		configsDir = cfg.ConfigsDir
	}
	if cfg.DataDir != "" && !c.IsSet("data-dir") {
		dataDir = cfg.DataDir
	}
	if cfg.OutDir != "" && !c.IsSet("out-dir") {
		outDir = cfg.OutDir
	}
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyDistConfig(c *cli.Command, cfg Config, d *distOptions) {
	if cfg.MasterAddr != "" && !c.IsSet("master-addr") {
		d.masterAddr = cfg.MasterAddr
	}
	if cfg.MasterPort != nil && !c.IsSet("master-port") {
		d.masterPort = *cfg.MasterPort
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFile(configPath())
}

func loadConfigFile(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
