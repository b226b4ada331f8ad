package app

import (
	"errors"
	"fmt"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	PlanPath string // hcl file or directory

	Goal      string
	Context   string
	SessionID string
	// Expert pins the job to one expert and skips decomposition.
	Expert string

	// Zero means the value from the plan's settings block, then the
	// built-in default.
	Workers   int
	LifeCycle int

	// StoreDir enables the file job store. Empty keeps records in memory.
	StoreDir string

	LogFormat  string
	LogLevel   string
	StatusPort int
}

// NewConfig validates cfg and returns a copy of it.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.PlanPath == "" {
		return nil, errors.New("PlanPath is a required configuration field and cannot be empty")
	}
	if cfg.Goal == "" {
		return nil, errors.New("Goal is a required configuration field and cannot be empty")
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("workers must not be negative, got %d", cfg.Workers)
	}
	if cfg.LifeCycle < 0 {
		return nil, fmt.Errorf("life cycle must not be negative, got %d", cfg.LifeCycle)
	}
	if cfg.StatusPort < 0 || cfg.StatusPort > 65535 {
		return nil, fmt.Errorf("status port out of range: %d", cfg.StatusPort)
	}
	return &cfg, nil
}
