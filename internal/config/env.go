package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Process holds per-process settings read from the environment. Domain
// policy lives in openwork.yml.
type Process struct {
	Workspace    string   `env:"OPENWORK_WORKSPACE"     envDefault:"."`
	JWTSecret    string   `env:"OPENWORK_JWT_SECRET"`
	RedisAddr    string   `env:"OPENWORK_REDIS_ADDR"`
	KafkaBrokers []string `env:"OPENWORK_KAFKA_BROKERS" envSeparator:","`
	LogLevel     string   `env:"OPENWORK_LOG_LEVEL"     envDefault:"info"`
	Addr         string   `env:"OPENWORK_ADDR"          envDefault:"127.0.0.1:8080"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadProcess parses Process from the environment.
func LoadProcess() (Process, error) {
	var p Process
	if err := ParseEnv(&p); err != nil {
		return Process{}, err
	}
	return p, nil
}
