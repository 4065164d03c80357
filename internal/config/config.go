// Package config loads the service configuration.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KESTREL_"

// Load builds a Config by layering, lowest precedence first:
//  1. tier defaults (domain.DefaultConfig or domain.ProConfig)
//  2. the YAML file named by KESTREL_CONFIG, if set
//  3. KESTREL_* environment variables
//
// Nested keys use a double underscore: KESTREL_SCORING__HIGH_FROM=70 sets
// scoring.high_from.
func Load(ctx context.Context) (*domain.Config, error) {
	k := koanf.New(".")

	if path := os.Getenv(EnvPrefix + "CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", envKey)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	base := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(k.String("tier"))) == domain.TierPro {
		base = domain.ProConfig()
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.TextSignal.Provider = strings.ToLower(strings.TrimSpace(cfg.TextSignal.Provider))

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps KESTREL_SCORING__HIGH_FROM to scoring.high_from.
// KESTREL_CONFIG names the file and is not a key.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	if s == "CONFIG" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate rejects configurations the service cannot start with.
func Validate(cfg *domain.Config) error {
	var problems []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", cfg.Server.Port))
	}

	switch cfg.Repository.Driver {
	case "file", "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("unsupported repository.driver %q", cfg.Repository.Driver))
	}

	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("unsupported cache.type %q", cfg.Cache.Type))
	}

	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		problems = append(problems, fmt.Sprintf("unsupported eventbus.type %q", cfg.EventBus.Type))
	}

	s := cfg.Scoring
	if s.MediumFrom < 0 || s.HighFrom > 100 || s.MediumFrom > s.HighFrom {
		problems = append(problems, fmt.Sprintf("scoring tiers must satisfy 0 <= medium_from (%v) <= high_from (%v) <= 100", s.MediumFrom, s.HighFrom))
	}
	if s.SignificanceThreshold < 0 || s.SignificanceThreshold > 1 {
		problems = append(problems, fmt.Sprintf("scoring.significance_threshold %v must be in [0,1]", s.SignificanceThreshold))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.TextSignal.Provider)) {
	case "", "none":
	case "lexicon":
		if cfg.TextSignal.LexiconPath == "" {
			problems = append(problems, "textsignal.lexicon_path is required for the lexicon provider")
		}
	case "http":
		if cfg.TextSignal.Endpoint == "" {
			problems = append(problems, "textsignal.endpoint is required for the http provider")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported textsignal.provider %q", cfg.TextSignal.Provider))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}
