package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	// Proximity radii, in world pixels.
	CallRadius float64 `mapstructure:"call_radius"`
	ChatRadius float64 `mapstructure:"chat_radius"`

	// Spatial audio curve.
	AudioMaxDistance float64 `mapstructure:"audio_max_distance"`
	AudioRolloff     float64 `mapstructure:"audio_rolloff"`

	// Call session retry policy.
	CallRetryLimit   int           `mapstructure:"call_retry_limit"`
	CallRetryBackoff time.Duration `mapstructure:"call_retry_backoff"`

	// Signaling reconnect policy (client side).
	ReconnectLimit   int           `mapstructure:"reconnect_limit"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`

	// Chat rate limiting.
	ChatRateLimit    int           `mapstructure:"chat_rate_limit"`
	ChatRateInterval time.Duration `mapstructure:"chat_rate_interval"`
}

// Load reads config/config.<env>.yaml (env from CONFIG_ENV, default
// "dev") with defaults for everything, then overlays bound flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
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
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("call_radius", 150.0)
	v.SetDefault("chat_radius", 150.0)
	v.SetDefault("audio_max_distance", 500.0)
	v.SetDefault("audio_rolloff", 2.0)

	v.SetDefault("call_retry_limit", 3)
	v.SetDefault("call_retry_backoff", "2s")
	v.SetDefault("reconnect_limit", 5)
	v.SetDefault("reconnect_backoff", "1s")

	v.SetDefault("chat_rate_limit", 10)
	v.SetDefault("chat_rate_interval", "10s")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
