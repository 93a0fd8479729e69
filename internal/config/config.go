// Package config loads annosync's YAML configuration and watches it for
// changes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
	"github.com/roach88/annosync/internal/retry"
)

// Config is the full configuration file.
type Config struct {
	// Database is the SQLite file served by "serve".
	Database string `yaml:"database"`

	// Listen is the address "serve" binds.
	Listen string `yaml:"listen"`

	// Remote is the base URL of a running server. Commands that talk to a
	// collection use it when set and open Database directly otherwise.
	Remote string `yaml:"remote,omitempty"`

	// PageSize is the number of records per list page served.
	PageSize int `yaml:"page_size"`

	// MaxPages bounds one paginated fetch; 0 means unbounded.
	MaxPages int `yaml:"max_pages,omitempty"`

	// Filter selects the mirrored subset.
	Filter record.Filter `yaml:"filter,omitempty"`

	Retry    Retry    `yaml:"retry"`
	Dispatch Dispatch `yaml:"dispatch"`
}

// Retry configures the retry policy for remote calls.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Multiplier  float64       `yaml:"multiplier"`
	RetryOn     []string      `yaml:"retry_on"`
}

// Dispatch configures the work-queue fan-out.
type Dispatch struct {
	Queue       string `yaml:"queue"`
	Concurrency int    `yaml:"concurrency"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	p := retry.DefaultPolicy()
	kinds := make([]string, len(p.RetryOn))
	for i, k := range p.RetryOn {
		kinds[i] = string(k)
	}
	return Config{
		Database: "annosync.db",
		Listen:   "127.0.0.1:8080",
		PageSize: 100,
		Retry: Retry{
			MaxAttempts: p.MaxAttempts,
			Initial:     p.Backoff.Initial,
			Max:         p.Backoff.Max,
			Multiplier:  p.Backoff.Multiplier,
			RetryOn:     kinds,
		},
		Dispatch: Dispatch{
			Queue:       "tasks",
			Concurrency: 8,
		},
	}
}

// Load reads the file at path over the defaults. Keys absent from the
// file keep their default value.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. The
// document is checked against the schema first, so unknown keys and
// mistyped values are reported even where the defaults would mask them.
func Parse(data []byte) (Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := checkSchema(doc); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every setting the schema rejects. It checks the
// effective configuration, flag overrides included.
func (c Config) Validate() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return checkSchema(doc)
}

// RetryPolicy converts the retry section into a policy.
func (c Config) RetryPolicy() retry.Policy {
	p := retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		Backoff: retry.Backoff{
			Initial:    c.Retry.Initial,
			Max:        c.Retry.Max,
			Multiplier: c.Retry.Multiplier,
		},
	}
	for _, s := range c.Retry.RetryOn {
		if k, err := remote.ParseKind(s); err == nil {
			p.RetryOn = append(p.RetryOn, k)
		}
	}
	return p
}
