package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode      string        `mapstructure:"mode"`
	Port      int           `mapstructure:"port"`
	Secret    string        `mapstructure:"secret"`
	ReadLimit int64         `mapstructure:"read_limit"`
	LogLevel  string        `mapstructure:"log_level"`
	Client    ClientConfig  `mapstructure:"client"`
	Ring      time.Duration `mapstructure:"ring_timeout"`
}

// ClientConfig drives the agent side: where the relay lives, how long an
// unanswered call may ring, and which ICE servers negotiation may use.
type ClientConfig struct {
	RelayURL   string        `mapstructure:"relay_url"`
	RingPeriod time.Duration `mapstructure:"ring_timeout"`
	ICEServers []string      `mapstructure:"ice_servers"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("log_level", "info")
	v.SetDefault("ring_timeout", "45s")
	v.SetDefault("client.relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.ring_timeout", "45s")
	v.SetDefault("client.ice_servers", []string{"stun:stun.l.google.com:19302"})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
