package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

type Config struct {
	Driver struct {
		ID    string
		Name  string
		Token string
	}
	Transport struct {
		Kind string // "websocket" or "rabbitmq"
		URL  string // websocket endpoint
	}
	RabbitMQ struct {
		Host     string
		Port     int
		User     string
		Password string
	}
	Backend struct {
		BaseURL string // authoritative ride status API
	}
	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		Name     string // YAML key: "database"
	}
	JWT struct {
		SecretKey string `yaml:"secret_key"`
	}
	Ops struct {
		Port int
	}
	Agent struct {
		AckTimeoutSeconds     int
		ReconnectGraceSeconds int
		ReconcileMaxAttempts  int
	}
}

const (
	TransportWebSocket = "websocket"
	TransportRabbitMQ  = "rabbitmq"
)

// LoadFromFile loads config from a YAML file to a Config struct, applies defaults, and validates required fields.
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := parseYAML(file, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets safe defaults for some fields.
func applyDefaults(cfg *Config) {
	// Transport
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = TransportWebSocket
	}
	if cfg.Transport.URL == "" {
		cfg.Transport.URL = "ws://localhost:8080/ws/driver"
	}

	// RabbitMQ
	if cfg.RabbitMQ.Host == "" {
		cfg.RabbitMQ.Host = "localhost"
	}
	if cfg.RabbitMQ.Port == 0 {
		cfg.RabbitMQ.Port = 5672
	}

	// Backend
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = "http://localhost:3000"
	}

	// Database
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}

	// Ops
	if cfg.Ops.Port == 0 {
		cfg.Ops.Port = 9100
	}

	// Agent
	if cfg.Agent.AckTimeoutSeconds == 0 {
		cfg.Agent.AckTimeoutSeconds = 5
	}
	if cfg.Agent.ReconnectGraceSeconds == 0 {
		cfg.Agent.ReconnectGraceSeconds = 3
	}
	if cfg.Agent.ReconcileMaxAttempts == 0 {
		cfg.Agent.ReconcileMaxAttempts = 8
	}
}

// JournalEnabled reports whether a Postgres settlement journal is configured.
// Without database credentials the agent keeps settlements in memory.
func (c *Config) JournalEnabled() bool {
	return c.Database.User != ""
}

// validate checks required fields and basic ranges.
func (c *Config) validate() error {
	var problems []string

	// Driver
	if c.Driver.ID == "" {
		problems = append(problems, "driver.id is required")
	}
	if c.Driver.Name == "" {
		problems = append(problems, "driver.name is required")
	}
	if c.Driver.Token == "" && c.JWT.SecretKey == "" {
		problems = append(problems, "either driver.token or jwt.secret_key is required")
	}

	// Transport
	switch c.Transport.Kind {
	case TransportWebSocket:
		if c.Transport.URL == "" {
			problems = append(problems, "transport.url is required for websocket")
		}
	case TransportRabbitMQ:
		if c.RabbitMQ.User == "" {
			problems = append(problems, "rabbitmq.user is required")
		}
		if c.RabbitMQ.Password == "" {
			problems = append(problems, "rabbitmq.password is required")
		}
		if c.RabbitMQ.Port <= 0 || c.RabbitMQ.Port > 65535 {
			problems = append(problems, "rabbitmq.port must be in 1..65535")
		}
	default:
		problems = append(problems, "transport.kind must be \"websocket\" or \"rabbitmq\"")
	}

	// Backend
	if c.Backend.BaseURL == "" {
		problems = append(problems, "backend.base_url is required")
	}

	// Database (optional; when set, all fields are required)
	if c.JournalEnabled() {
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			problems = append(problems, "database.port must be in 1..65535")
		}
		if c.Database.Password == "" {
			problems = append(problems, "database.password is required")
		}
		if c.Database.Name == "" {
			problems = append(problems, "database.name is required")
		}
	}

	// Ops
	if c.Ops.Port <= 0 || c.Ops.Port > 65535 {
		problems = append(problems, "ops.port must be in 1..65535")
	}

	// Agent
	if c.Agent.AckTimeoutSeconds < 1 {
		problems = append(problems, "agent.ack_timeout_seconds must be >= 1")
	}
	if c.Agent.ReconnectGraceSeconds < 1 {
		problems = append(problems, "agent.reconnect_grace_seconds must be >= 1")
	}
	if c.Agent.ReconcileMaxAttempts < 1 {
		problems = append(problems, "agent.reconcile_max_attempts must be >= 1")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
