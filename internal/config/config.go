package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`

	// Address advertised to clients in READY and in SDP answers.
	PublicIP string `mapstructure:"public_ip"`

	// Legacy UDP relay bind.
	UDPBind string `mapstructure:"udp_bind"`
	UDPPort int    `mapstructure:"udp_port"`

	WorkerCount int `mapstructure:"worker_count"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
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
	v.SetDefault("public_ip", "127.0.0.1")
	v.SetDefault("udp_bind", "0.0.0.0")
	v.SetDefault("udp_port", 50001)
	v.SetDefault("worker_count", 4)
	v.SetDefault("heartbeat_interval", "41250ms")
	v.SetDefault("heartbeat_timeout", "65s")
	v.SetDefault("connect_timeout", "3s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
