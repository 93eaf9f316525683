// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// GlobalConfig is the top-level static configuration. Maps to the `mcproxy:`
// root key in YAML; env vars use the MCPROXY_ prefix (e.g. MCPROXY_LOG_LEVEL).
type GlobalConfig struct {
	Instances []InstanceConfig `mapstructure:"instances"`
	Timers    TimersConfig     `mapstructure:"timers"`
	Log       LogConfig        `mapstructure:"log"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	PIDFile   string           `mapstructure:"pid_file"`
}

// InstanceConfig describes one proxy instance: the upstream interface the
// aggregated membership is mirrored to, the downstream interfaces running a
// querier, and an optional administrative source filter.
type InstanceConfig struct {
	Name        string       `mapstructure:"name"`
	Protocol    string       `mapstructure:"protocol"` // IGMPv3 | MLDv2
	Upstream    string       `mapstructure:"upstream"`
	Downstreams []string     `mapstructure:"downstreams"`
	Filter      FilterConfig `mapstructure:"filter"`
}

// FilterConfig is an optional whitelist/blacklist of sources applied to the
// aggregated upstream membership. A wildcard source (0.0.0.0 or ::) in the
// list stands for "every source".
type FilterConfig struct {
	Type    string   `mapstructure:"type"` // "" (disabled) | whitelist | blacklist
	Sources []string `mapstructure:"sources"`
}

// Enabled reports whether a filter is configured.
func (f FilterConfig) Enabled() bool { return f.Type != "" }

// ParsedSources returns the filter sources as addresses.
func (f FilterConfig) ParsedSources() ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(f.Sources))
	for _, s := range f.Sources {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid filter source %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// TimersConfig overrides the RFC 3376/3810 protocol constants. Durations are
// given as Go duration strings ("125s"); zero values keep the RFC defaults.
type TimersConfig struct {
	RobustnessVariable        int    `mapstructure:"robustness_variable"`
	QueryInterval             string `mapstructure:"query_interval"`
	QueryResponseInterval     string `mapstructure:"query_response_interval"`
	LastListenerQueryInterval string `mapstructure:"last_listener_query_interval"`
}

// Durations returns the parsed override values; a zero duration means "not
// overridden".
func (t TimersConfig) Durations() (qi, qri, llqi time.Duration, err error) {
	parse := func(field, value string) (time.Duration, error) {
		if value == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("invalid timers.%s: %q", field, value)
		}
		return d, nil
	}
	if qi, err = parse("query_interval", t.QueryInterval); err != nil {
		return
	}
	if qri, err = parse("query_response_interval", t.QueryResponseInterval); err != nil {
		return
	}
	llqi, err = parse("last_listener_query_interval", t.LastListenerQueryInterval)
	return
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures rotated file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// configRoot is the top-level wrapper matching the YAML structure `mcproxy: ...`.
type configRoot struct {
	Mcproxy GlobalConfig `mapstructure:"mcproxy"`
}

// Load loads configuration from file.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Environment variable overrides: the `mcproxy.` key prefix maps to
	// MCPROXY_ via the key replacer (key "mcproxy.log.level" → MCPROXY_LOG_LEVEL).
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Mcproxy

	// The instances list is decoded separately so per-instance maps keep
	// their own defaults and error positions.
	if err := decodeInstances(v.Get("mcproxy.instances"), &cfg.Instances); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// decodeInstances decodes the raw instances value with mapstructure, the
// same way plugin-style config maps are decoded elsewhere in this codebase's
// lineage: each list element is a loose map until this point.
func decodeInstances(raw any, out *[]InstanceConfig) error {
	if raw == nil {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("mcproxy.instances must be a list")
	}
	*out = (*out)[:0]
	for i, item := range list {
		var ic InstanceConfig
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &ic,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return err
		}
		if err := dec.Decode(item); err != nil {
			return fmt.Errorf("mcproxy.instances[%d]: %w", i, err)
		}
		*out = append(*out, ic)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mcproxy.pid_file", "/var/run/mcproxy.pid")

	v.SetDefault("mcproxy.log.level", "info")
	v.SetDefault("mcproxy.log.format", "text")
	v.SetDefault("mcproxy.log.outputs.file.enabled", false)
	v.SetDefault("mcproxy.log.outputs.file.path", "/var/log/mcproxy/mcproxy.log")
	v.SetDefault("mcproxy.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("mcproxy.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("mcproxy.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("mcproxy.log.outputs.file.rotation.compress", true)

	v.SetDefault("mcproxy.metrics.enabled", true)
	v.SetDefault("mcproxy.metrics.listen", ":9465")
	v.SetDefault("mcproxy.metrics.path", "/metrics")

	v.SetDefault("mcproxy.timers.robustness_variable", 2)
	v.SetDefault("mcproxy.timers.query_interval", "125s")
	v.SetDefault("mcproxy.timers.query_response_interval", "10s")
	v.SetDefault("mcproxy.timers.last_listener_query_interval", "1s")
}

// Validate checks the configuration for consistency.
func (cfg *GlobalConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	if cfg.Timers.RobustnessVariable < 1 {
		return fmt.Errorf("timers.robustness_variable must be >= 1, got %d", cfg.Timers.RobustnessVariable)
	}
	if _, _, _, err := cfg.Timers.Durations(); err != nil {
		return err
	}

	if len(cfg.Instances) == 0 {
		return fmt.Errorf("at least one proxy instance must be configured")
	}

	names := map[string]bool{}
	for i, inst := range cfg.Instances {
		if inst.Name == "" {
			return fmt.Errorf("instances[%d]: name is required", i)
		}
		if names[inst.Name] {
			return fmt.Errorf("duplicate instance name %q", inst.Name)
		}
		names[inst.Name] = true

		switch strings.ToUpper(inst.Protocol) {
		case "IGMPV3", "MLDV2":
		default:
			return fmt.Errorf("instance %q: invalid protocol %q (must be IGMPv3 or MLDv2)", inst.Name, inst.Protocol)
		}

		if inst.Upstream == "" {
			return fmt.Errorf("instance %q: upstream interface is required", inst.Name)
		}
		if len(inst.Downstreams) == 0 {
			return fmt.Errorf("instance %q: at least one downstream interface is required", inst.Name)
		}
		for _, d := range inst.Downstreams {
			if d == inst.Upstream {
				return fmt.Errorf("instance %q: interface %s cannot be both upstream and downstream", inst.Name, d)
			}
		}

		if inst.Filter.Enabled() {
			ft := strings.ToLower(inst.Filter.Type)
			if ft != "whitelist" && ft != "blacklist" {
				return fmt.Errorf("instance %q: invalid filter type %q (must be whitelist or blacklist)", inst.Name, inst.Filter.Type)
			}
			if _, err := inst.Filter.ParsedSources(); err != nil {
				return fmt.Errorf("instance %q: %w", inst.Name, err)
			}
		}
	}

	return nil
}
