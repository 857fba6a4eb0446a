// Package config loads the broadcaster's configuration via spf13/viper,
// layering built-in defaults, an optional config file, and
// BROADCASTER_-prefixed environment variables, in increasing order of
// precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the broker's full runtime configuration.
type Config struct {
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Queue struct {
		Size int `mapstructure:"size"`
	} `mapstructure:"queue"`

	WebSocket struct {
		Path        string `mapstructure:"path"`
		CheckOrigin bool   `mapstructure:"check_origin"`
	} `mapstructure:"websocket"`

	Mongo struct {
		URI string `mapstructure:"uri"`
	} `mapstructure:"mongo"`

	Metrics struct {
		EnablePrometheus     bool `mapstructure:"enable_prometheus"`
		SystemSampleInterval int  `mapstructure:"system_sample_interval"`
	} `mapstructure:"metrics"`
}

// SystemSampleDuration is metrics.system_sample_interval as a time.Duration.
func (c Config) SystemSampleDuration() time.Duration {
	return time.Duration(c.Metrics.SystemSampleInterval) * time.Second
}

// Load reads configuration from environment variables prefixed
// BROADCASTER_, configPath (if non-empty and present), and finally the
// defaults below, in that order of precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("broadcaster")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("queue.size", 4000)
	v.SetDefault("websocket.path", "/webs")
	v.SetDefault("websocket.check_origin", true)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("metrics.enable_prometheus", true)
	v.SetDefault("metrics.system_sample_interval", 5)
}
