package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config file names, in lookup order.
const (
	ConfigFileName    = "leapflow.yaml"
	ConfigFileNameAlt = "leapflow.yml"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// nested keys: LEAPFLOW_SERVER__ADDR sets server.addr.
const EnvPrefix = "LEAPFLOW_"

// flagKeys maps flag names whose config key is not the snake_case name.
var flagKeys = map[string]string{
	"state": "state_path",
	"addr":  "server.addr",
}

// findConfigFile returns the explicit path, or the first config file found
// in dir.
func findConfigFile(explicit, dir string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range []string{ConfigFileName, ConfigFileNameAlt} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// resolvePathRelativeTo resolves a path relative to baseDir if it's not absolute.
func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Load reads configuration from defaults, the config file, environment
// variables and flags. Precedence (highest to lowest): flags > env vars >
// config file > defaults. Relative paths in the file resolve against the
// file's directory.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	cwd, _ := os.Getwd()
	path := findConfigFile(cfgFile, cwd)
	baseDir := cwd
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
		if abs, err := filepath.Abs(path); err == nil {
			baseDir = filepath.Dir(abs)
		}
	}

	// 3. Environment: LEAPFLOW_REFRESH__WORKERS -> refresh.workers
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags that were explicitly set
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			if mapped, ok := flagKeys[f.Name]; ok {
				key = mapped
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.ConfigFile = path

	// Paths given as flags are relative to the working directory.
	if flags != nil && flags.Changed("state") {
		cfg.StatePath = resolvePathRelativeTo(cfg.StatePath, cwd)
	} else {
		cfg.StatePath = resolvePathRelativeTo(cfg.StatePath, baseDir)
	}
	cfg.Mirror.Path = resolvePathRelativeTo(cfg.Mirror.Path, baseDir)
	for i := range cfg.Tables {
		cfg.Tables[i].Location = resolvePathRelativeTo(cfg.Tables[i].Location, baseDir)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills per-entry defaults that confmap cannot express.
func (c *Config) applyDefaults() {
	for i := range c.Tables {
		if c.Tables[i].Pattern == "" {
			c.Tables[i].Pattern = DefaultFilePattern
		}
		if c.Tables[i].OnError == "" {
			c.Tables[i].OnError = "fail"
		}
	}
	for i := range c.Checks {
		if c.Checks[i].Interval == 0 {
			c.Checks[i].Interval = c.Quality.ScheduleInterval
		}
	}
}
