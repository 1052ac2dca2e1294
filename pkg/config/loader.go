package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads a pipeline configuration from a YAML file, applies
// STRATA_-prefixed environment overrides, and validates the result.
func Load(path string) (*PipelineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("STRATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := NewPipelineConfig("")
	yamlTags := func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }
	if err := v.Unmarshal(cfg, yamlTags); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.kind", "local")
	v.SetDefault("storage.root", "./data")
	v.SetDefault("state.path", "./strata-state.db")

	v.SetDefault("resilience.retry.max_attempts", 5)
	v.SetDefault("resilience.retry.base_delay", "500ms")
	v.SetDefault("resilience.retry.max_delay", "8s")
	v.SetDefault("resilience.retry.multiplier", 2.0)
	v.SetDefault("resilience.retry.jitter", 0.2)
	v.SetDefault("resilience.breaker.failure_threshold", 5)
	v.SetDefault("resilience.breaker.cooldown", "30s")
	v.SetDefault("resilience.breaker.half_open_max_calls", 1)

	v.SetDefault("concurrency.max_parallel_entities", 4)
	v.SetDefault("concurrency.max_parallel_chunks", 2)
	v.SetDefault("concurrency.chunk_size", 100000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")
}
