// Package config loads the layered runtime configuration: defaults, an
// optional config file, then environment overrides, following the same
// viper-based shape used elsewhere in this stack.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// BACnetConfig binds §6's environment variables for the field-bus worker.
type BACnetConfig struct {
	BindHost       string `mapstructure:"bind_host"`
	BindPort       int    `mapstructure:"bind_port"`
	BroadcastAddr  string `mapstructure:"broadcast_addr"`
	Iface          string `mapstructure:"iface"`
	LocalPort      int    `mapstructure:"local_port"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
}

// BlueprintConfig configures the engine and its file watcher.
type BlueprintConfig struct {
	Dir                string        `mapstructure:"dir"`
	BehavioursDir      string        `mapstructure:"behaviours_dir"`
	StructsDir         string        `mapstructure:"structs_dir"`
	LatentTickInterval time.Duration `mapstructure:"latent_tick_interval"`
	WatchDebounce      time.Duration `mapstructure:"watch_debounce"`
}

// PluginsConfig configures the JS runtime pool.
type PluginsConfig struct {
	Dir         string `mapstructure:"dir"`
	WorkerCount int    `mapstructure:"worker_count"`
}

// LoggingConfig configures corelog's production logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	LogFile string `mapstructure:"log_file"`
}

// Config is the top-level runtime configuration.
type Config struct {
	BACnet     BACnetConfig    `mapstructure:"bacnet"`
	Blueprints BlueprintConfig `mapstructure:"blueprints"`
	Plugins    PluginsConfig   `mapstructure:"plugins"`
	Logging    LoggingConfig   `mapstructure:"logging"`
}

const envPrefix = "BARCORE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("bacnet.bind_host", "0.0.0.0")
	v.SetDefault("bacnet.bind_port", 47808)
	v.SetDefault("bacnet.broadcast_addr", "255.255.255.255")
	v.SetDefault("bacnet.local_port", 0)
	v.SetDefault("bacnet.poll_interval_ms", 200)

	v.SetDefault("blueprints.dir", "./blueprints")
	v.SetDefault("blueprints.behaviours_dir", "./behaviours")
	v.SetDefault("blueprints.structs_dir", "./structs")
	v.SetDefault("blueprints.latent_tick_interval", 100*time.Millisecond)
	v.SetDefault("blueprints.watch_debounce", 150*time.Millisecond)

	v.SetDefault("plugins.dir", "./plugins")
	v.SetDefault("plugins.worker_count", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_file", "")
}

func bindEnvVars(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The BACnet worker additionally honors the legacy/neo-prefixed
	// environment variables named explicitly in the wire-protocol contract.
	_ = v.BindEnv("bacnet.bind_host", "BACNET_IP", "NEO_BACNET_IP")
	_ = v.BindEnv("bacnet.bind_port", "BACNET_PORT")
	_ = v.BindEnv("bacnet.broadcast_addr", "BACNET_BROADCAST")
	_ = v.BindEnv("bacnet.iface", "BACNET_IFACE", "NEO_BACNET_IFACE")
	_ = v.BindEnv("bacnet.local_port", "BACNET_IP_PORT", "NEO_BACNET_LOCAL_PORT")
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Load reads configuration from an optional file path (ignored if empty or
// absent) plus environment, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnvVars(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.BACnet.BindPort < 0 || c.BACnet.BindPort > 65535 {
		return fmt.Errorf("bacnet.bind_port out of range: %d", c.BACnet.BindPort)
	}
	if c.Plugins.WorkerCount < 1 {
		return fmt.Errorf("plugins.worker_count must be >= 1, got %d", c.Plugins.WorkerCount)
	}
	if c.Blueprints.Dir == "" {
		return fmt.Errorf("blueprints.dir must not be empty")
	}
	return nil
}
