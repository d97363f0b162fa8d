package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Database selects the backend and connection settings.
type Database struct {
	Driver       string `yaml:"driver"` // "postgres" or "sqlite"
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// DataService configures the replication service client.
type DataService struct {
	Endpoint string `yaml:"endpoint"`
	Account  string `yaml:"account"`
}

// Agent holds the tick parameters shared by both agents.
type Agent struct {
	PollPeriod      Duration `yaml:"poll_period"`
	BulkSize        int      `yaml:"bulk_size"`
	RetryPeriod     Duration `yaml:"retry_period"`
	MessageBulkSize int      `yaml:"message_bulk_size"`
	Submitter       string   `yaml:"submitter"`
}

// Janitor configures the stale-lock reaper.
type Janitor struct {
	Interval     Duration `yaml:"interval"`
	LockLifetime Duration `yaml:"lock_lifetime"`
}

// Log configures logging output.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full agent-process configuration.
type Config struct {
	Database        Database    `yaml:"database"`
	DataService     DataService `yaml:"data_service"`
	TransformAgent  Agent       `yaml:"transform_agent"`
	ProcessingAgent Agent       `yaml:"processing_agent"`
	Janitor         Janitor     `yaml:"janitor"`
	Log             Log         `yaml:"log"`
	MetricsListen   string      `yaml:"metrics_listen"`
}

// Default returns the configuration used when a field is absent.
func Default() Config {
	agent := Agent{
		PollPeriod:      Duration(10 * time.Second),
		BulkSize:        10,
		RetryPeriod:     Duration(60 * time.Second),
		MessageBulkSize: 1000,
		Submitter:       "carousel",
	}
	return Config{
		Database: Database{
			Driver:       "postgres",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		TransformAgent:  agent,
		ProcessingAgent: agent,
		Janitor: Janitor{
			Interval:     Duration(10 * time.Minute),
			LockLifetime: Duration(time.Hour),
		},
		Log:           Log{Level: "info", JSON: true},
		MetricsListen: ":9100",
	}
}

// Load reads a YAML config file, applying defaults for absent fields.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.TransformAgent.BulkSize <= 0 || c.ProcessingAgent.BulkSize <= 0 {
		return fmt.Errorf("agent bulk_size must be positive")
	}
	return nil
}
