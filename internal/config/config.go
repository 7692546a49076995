package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Live       LiveConfig       `mapstructure:"live"`
	WS         WSConfig         `mapstructure:"ws"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type CheckpointConfig struct {
	CleanFrequency int           `mapstructure:"clean_frequency"`
	CleanAge       time.Duration `mapstructure:"clean_age"`
	IDIncrement    int64         `mapstructure:"id_increment"`
	SessionBase    int64         `mapstructure:"session_base"`
}

type LiveConfig struct {
	DataCacheExpire time.Duration `mapstructure:"data_cache_expire"`
	MaxEventListen  int           `mapstructure:"max_event_listen"`
	ListenTimeout   time.Duration `mapstructure:"listen_timeout"`
}

type WSConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("database.path", "forumlive.db")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("checkpoint.clean_frequency", 100)
	v.SetDefault("checkpoint.clean_age", 10*time.Minute)
	v.SetDefault("checkpoint.id_increment", 1)
	v.SetDefault("checkpoint.session_base", 0)
	v.SetDefault("live.data_cache_expire", 10*time.Second)
	v.SetDefault("live.max_event_listen", 50)
	v.SetDefault("live.listen_timeout", 5*time.Minute)
	v.SetDefault("ws.enabled", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	// Environment variable support
	v.SetEnvPrefix("FORUMLIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Keys without a default are invisible to AutomaticEnv during Unmarshal
	_ = v.BindEnv("auth.secret", "FORUMLIVE_AUTH_SECRET")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("forumlive")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
