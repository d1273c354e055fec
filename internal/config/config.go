package config

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Logging      LoggingConfig      `json:"logging"`
	Provider     ProviderConfig     `json:"provider"`
	Lease        LeaseConfig        `json:"lease"`
	Provisioning ProvisioningConfig `json:"provisioning"`
}

type ServerConfig struct {
	ListenAddr string `json:"listenAddr"`
	// AllocateRatePerMinute caps allocation requests per organization.
	AllocateRatePerMinute int `json:"allocateRatePerMinute"`
}

type DatabaseConfig struct {
	// Driver is "mysql" for production or "memory" for local development.
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// File enables rotated file output when set; empty logs to stderr only.
	File       string `json:"file"`
	MaxSizeMB  int    `json:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
	Compress   bool   `json:"compress"`
}

type ProviderConfig struct {
	// Vendor is one of aws, alibaba, mock.
	Vendor        string `json:"vendor"`
	Region        string `json:"region"`
	AccessKeyPath string `json:"accessKeyPath"`
	SecretKeyPath string `json:"secretKeyPath"`

	// InstanceTypes maps a requested GPU model to the vendor instance type.
	// Unknown models fall back to DefaultInstanceType.
	InstanceTypes       map[string]string `json:"instanceTypes"`
	DefaultInstanceType string            `json:"defaultInstanceType"`

	// Params carries vendor-specific settings (image id, security group,
	// key pair, vswitch). Each vendor decodes the subset it understands.
	Params map[string]any `json:"params"`
}

type LeaseConfig struct {
	// DefaultDuration bounds every lease; the sweeper reclaims past-deadline
	// leases automatically.
	DefaultDuration Duration `json:"defaultDuration"`
	SweepInterval   Duration `json:"sweepInterval"`
	SweepBatchSize  int      `json:"sweepBatchSize"`
}

type ProvisioningConfig struct {
	// Timeout bounds the wait for an instance to reach running state.
	Timeout      Duration `json:"timeout"`
	Workers      int      `json:"workers"`
	PollInterval Duration `json:"pollInterval"`
	// MaxAttempts bounds queue-level retries before a job is marked DEAD.
	MaxAttempts int `json:"maxAttempts"`
}

// Duration is a time.Duration that unmarshals from "1h30m" style strings.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:            ":8080",
			AllocateRatePerMinute: 30,
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Provider: ProviderConfig{
			Vendor:              "mock",
			Region:              "us-east-1",
			DefaultInstanceType: "g4dn.xlarge",
		},
		Lease: LeaseConfig{
			DefaultDuration: Duration(time.Hour),
			SweepInterval:   Duration(30 * time.Second),
			SweepBatchSize:  100,
		},
		Provisioning: ProvisioningConfig{
			Timeout:      Duration(10 * time.Minute),
			Workers:      4,
			PollInterval: Duration(2 * time.Second),
			MaxAttempts:  5,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing filename
// returns the defaults unchanged.
func LoadConfig(filename string) (*Config, error) {
	cfg := NewDefaultConfig()
	if filename == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the mysql driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Lease.DefaultDuration <= 0 {
		return fmt.Errorf("lease.defaultDuration must be positive")
	}
	if c.Provisioning.Workers <= 0 {
		return fmt.Errorf("provisioning.workers must be positive")
	}
	return nil
}
