package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"cargosure/internal/domain"
)

// Config models cargosure.yml.
type Config struct {
	Thresholds Thresholds `yaml:"thresholds"`
	Evaluation struct {
		// ObservationWindow is how long a shipment must be observed before a
		// no-breach verdict may settle the claim as rejected.
		ObservationWindow time.Duration `yaml:"observation_window"`
	} `yaml:"evaluation"`
	Ledger struct {
		NodeURL         string        `yaml:"node_url"`
		PlatformAccount string        `yaml:"platform_account"`
		PlatformSeed    string        `yaml:"platform_seed"`
		Preimage        string        `yaml:"preimage"`
		Timeout         time.Duration `yaml:"timeout"`
	} `yaml:"ledger"`
	Retry struct {
		Attempts  int           `yaml:"attempts"`
		BaseDelay time.Duration `yaml:"base_delay"`
		MaxDelay  time.Duration `yaml:"max_delay"`
	} `yaml:"retry"`
}

// Thresholds are the per-dimension breach levels on the 0-4 severity scale.
type Thresholds struct {
	Shock    float64 `yaml:"shock"`
	Temp     float64 `yaml:"temp"`
	Humidity float64 `yaml:"hum"`
}

// For returns the threshold for a single-dimension condition code.
func (t Thresholds) For(code int) (float64, bool) {
	switch code {
	case domain.ConditionShock:
		return t.Shock, true
	case domain.ConditionTemp:
		return t.Temp, true
	case domain.ConditionHumidity:
		return t.Humidity, true
	}
	return 0, false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Thresholds.Shock <= 0 || c.Thresholds.Temp <= 0 || c.Thresholds.Humidity <= 0 {
		return fmt.Errorf("config.thresholds must all be positive")
	}
	if c.Evaluation.ObservationWindow <= 0 {
		return fmt.Errorf("config.evaluation.observation_window must be positive")
	}
	if c.Ledger.NodeURL == "" {
		return fmt.Errorf("config.ledger.node_url is required")
	}
	if c.Ledger.PlatformAccount == "" {
		return fmt.Errorf("config.ledger.platform_account is required")
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("config.retry.attempts must be positive")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("config.retry delays invalid")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cargosure.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields left unset
// take their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default Config. Breach thresholds sit at the top of the
// 0-4 severity scale the monitoring devices report.
func Default() *Config {
	var cfg Config
	cfg.Thresholds = Thresholds{Shock: 4, Temp: 4, Humidity: 4}
	cfg.Evaluation.ObservationWindow = 72 * time.Hour
	cfg.Ledger.NodeURL = "https://s.altnet.rippletest.net:51234"
	cfg.Ledger.PlatformAccount = "rPLATFORMxxxxxxxxxxxxxxxxxxxxxxxxx"
	cfg.Ledger.Preimage = "shipment_damaged"
	cfg.Ledger.Timeout = 15 * time.Second
	cfg.Retry.Attempts = 4
	cfg.Retry.BaseDelay = 250 * time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Second
	return &cfg
}
