package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"github.com/woozymasta/pathrules"
	"gopkg.in/yaml.v3"

	"github.com/marblebag/nexusvault"
	"github.com/marblebag/nexusvault/codec"
)

// Config is the nexusvault configuration file. Flags override it.
type Config struct {
	Vault     string `yaml:"vault"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	CacheDir  string `yaml:"cache_dir"`

	CacheMaxBytes int64  `yaml:"cache_max_bytes"`
	HandleTTL     string `yaml:"handle_ttl"`
	Verify        *bool  `yaml:"verify"`

	Codec           string   `yaml:"codec"`
	Compress        []string `yaml:"compress"`
	NoCompress      []string `yaml:"no_compress"`
	MinCompressSize *int     `yaml:"min_compress_size"`

	Workers int `yaml:"workers"`
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "nexusvault", "config.yaml")
}

// LoadConfig reads the config file at path. With an empty path the default
// location is tried and a missing file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyGlobalConfig applies config file defaults to root flags that were not
// set explicitly.
func applyGlobalConfig(c *cli.Command, cfg Config, g *globals) {
	if cfg.Vault != "" && !c.IsSet("vault") {
		g.vaultPath = cfg.Vault
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		g.logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		g.logFormat = cfg.LogFormat
	}
	if cfg.CacheDir != "" && !c.IsSet("cache-dir") {
		g.cacheDir = cfg.CacheDir
	}
}

// compressRules turns the include and exclude pattern lists into rules.
// Later rules win, so exclusions follow inclusions.
func (cfg Config) compressRules() []pathrules.Rule {
	rules := make([]pathrules.Rule, 0, len(cfg.Compress)+len(cfg.NoCompress))
	for _, p := range cfg.Compress {
		rules = append(rules, pathrules.Rule{Action: pathrules.ActionInclude, Pattern: p})
	}
	for _, p := range cfg.NoCompress {
		rules = append(rules, pathrules.Rule{Action: pathrules.ActionExclude, Pattern: p})
	}
	return rules
}

func (cfg Config) vaultOptions() ([]nexusvault.Option, error) {
	var opts []nexusvault.Option
	if cfg.HandleTTL != "" {
		d, err := time.ParseDuration(cfg.HandleTTL)
		if err != nil {
			return nil, fmt.Errorf("handle_ttl: %w", err)
		}
		opts = append(opts, nexusvault.WithCacheTime(d))
	}
	if cfg.Verify != nil {
		opts = append(opts, nexusvault.WithVerify(*cfg.Verify))
	}
	if cfg.Codec != "" {
		c, err := codec.ParseCompression(cfg.Codec)
		if err != nil {
			return nil, fmt.Errorf("codec: %w", err)
		}
		opts = append(opts, nexusvault.WithCodec(c))
	}
	if rules := cfg.compressRules(); len(rules) > 0 {
		opts = append(opts, nexusvault.WithCompressRules(rules...))
	}
	if cfg.MinCompressSize != nil {
		opts = append(opts, nexusvault.WithMinCompressSize(*cfg.MinCompressSize))
	}
	return opts, nil
}
