package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	apperrors "github.com/lazypower/memgraph/internal/errors"
)

// EnvPrefix is prepended to every environment override, e.g.
// MEMGRAPH_PRUNING_MAX_NODES=5000.
const EnvPrefix = "MEMGRAPH"

// Load reads configuration from path (YAML, optional), layering it over
// Default() and under MEMGRAPH_* environment variables. A .env file in the
// working directory is loaded first if present. The result is validated.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The key is excluded from YAML so it never lands in a written config.
	if err := v.BindEnv("semantic.embeddings.openai_key", EnvPrefix+"_OPENAI_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, apperrors.Config("config", "bind env: %v", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Config("config", "read %s: %v", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Config("config", "decode: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every leaf of def as a viper default so that
// AutomaticEnv can see the key.
func setDefaults(v *viper.Viper, def Config) error {
	raw, err := yaml.Marshal(def)
	if err != nil {
		return apperrors.Config("config", "encode defaults: %v", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return apperrors.Config("config", "decode defaults: %v", err)
	}
	for key, val := range flatten("", tree) {
		v.SetDefault(key, val)
	}
	return nil
}

func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// Keys lists every configuration key in dotted form, sorted. Used by
// `memgraph config` to show what can be overridden.
func Keys() []string {
	raw, err := yaml.Marshal(Default())
	if err != nil {
		return nil
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil
	}
	keys := make([]string, 0, 64)
	for k := range flatten("", tree) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return fmt.Sprintf("%s_%s", EnvPrefix, strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
}
