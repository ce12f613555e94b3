package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "DEVLOOP_"

	maxConfigFileSize = 1024 * 1024
)

// nestedSections have sub-structs addressed by a second underscore.
var nestedSections = map[string]bool{"telemetry": true}

// Load reads the YAML file at path over the defaults, applies DEVLOOP_*
// environment overrides and validates the result. An empty path loads
// defaults and environment only.
//
// Environment variables map onto keys by splitting on the first underscore
// after the prefix:
//
//	DEVLOOP_GITHUB_TOKEN                  -> github.token
//	DEVLOOP_ORCHESTRATOR_MAX_CONCURRENCY  -> orchestrator.max_concurrency
//	DEVLOOP_TELEMETRY_LOGGING_LEVEL       -> telemetry.logging.level
//
// GITHUB_TOKEN is honoured when github.token is still empty.
func Load(path, dataDir string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default(dataDir)
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.GitHub.Token == "" {
		cfg.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	}

	if err := cfg.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	section, field := parts[0], parts[1]
	if nestedSections[section] {
		if sub := strings.SplitN(field, "_", 2); len(sub) == 2 {
			return section + "." + sub[0] + "." + sub[1]
		}
	}
	return section + "." + field
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// Validate checks struct tags, section invariants and the CUE schema.
func (c *Config) Validate(ctx context.Context) error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if c.Gates.UseCI && c.GitHub.Token == "" {
		return fmt.Errorf("gates: use_ci requires a github token")
	}
	return NewSchemaRegistry().ValidateConfig(ctx, c)
}
