package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTTL            = 3600 * time.Second
	DefaultRetention      = 24 * time.Hour
	DefaultAnchorInterval = 100
	DefaultSkewMargin     = 60 * time.Second
)

type Config struct {
	DataDir    string
	DBPath     string
	KeyDir     string
	PolicyPath string

	ApprovalTTL     time.Duration
	RetentionPeriod time.Duration
	AnchorInterval  int64
	ClockSkewMargin time.Duration
}

// fileConfig is the optional YAML overlay at <data-dir>/config.yaml.
// Durations are in seconds.
type fileConfig struct {
	ApprovalTTL     *int64 `yaml:"approval_ttl"`
	RetentionPeriod *int64 `yaml:"retention_period"`
	AnchorInterval  *int64 `yaml:"anchor_interval"`
	ClockSkewMargin *int64 `yaml:"clock_skew_margin"`
	PolicyPath      string `yaml:"policy_path"`
}

// New builds the config from defaults, the optional YAML file, and the
// COUNTERSIGN_DATA_DIR override, then validates the retention invariant.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("COUNTERSIGN_DATA_DIR", filepath.Join(homeDir, ".countersign"))

	c := &Config{
		DataDir:         dataDir,
		DBPath:          filepath.Join(dataDir, "countersign.db"),
		KeyDir:          filepath.Join(dataDir, "keys"),
		PolicyPath:      filepath.Join(dataDir, "policy.lua"),
		ApprovalTTL:     DefaultTTL,
		RetentionPeriod: DefaultRetention,
		AnchorInterval:  DefaultAnchorInterval,
		ClockSkewMargin: DefaultSkewMargin,
	}

	if err := c.loadFile(filepath.Join(dataDir, "config.yaml")); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if fc.ApprovalTTL != nil {
		c.ApprovalTTL = time.Duration(*fc.ApprovalTTL) * time.Second
	}
	if fc.RetentionPeriod != nil {
		c.RetentionPeriod = time.Duration(*fc.RetentionPeriod) * time.Second
	}
	if fc.AnchorInterval != nil {
		c.AnchorInterval = *fc.AnchorInterval
	}
	if fc.ClockSkewMargin != nil {
		c.ClockSkewMargin = time.Duration(*fc.ClockSkewMargin) * time.Second
	}
	if fc.PolicyPath != "" {
		c.PolicyPath = fc.PolicyPath
	}

	return nil
}

// Validate enforces the startup invariants. An envelope must never be
// purgeable while it could still legitimately be checked, so retention has
// to cover the TTL plus clock skew.
func (c *Config) Validate() error {
	if c.ApprovalTTL <= 0 {
		return fmt.Errorf("approval_ttl must be positive, got %s", c.ApprovalTTL)
	}
	if c.AnchorInterval <= 0 {
		return fmt.Errorf("anchor_interval must be positive, got %d", c.AnchorInterval)
	}
	if min := c.ApprovalTTL + c.ClockSkewMargin; c.RetentionPeriod < min {
		return fmt.Errorf("retention_period %s must be >= approval_ttl + clock_skew_margin (%s)", c.RetentionPeriod, min)
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}
	return os.MkdirAll(c.KeyDir, 0700)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
