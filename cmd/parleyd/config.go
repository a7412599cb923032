package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, loaded from a TOML file. Every field
// has a usable default so an empty file starts a daemon against a local
// broker.
type Config struct {
	Broker BrokerConfig `toml:"broker"`
	HTTP   HTTPConfig   `toml:"http"`
	Auth   AuthConfig   `toml:"auth"`
	Client ClientConfig `toml:"client"`
	Users  []UserConfig `toml:"users"`
}

type BrokerConfig struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type HTTPConfig struct {
	Listen          string `toml:"listen"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	TokenTTL  string `toml:"token_ttl"`
}

type ClientConfig struct {
	MinSendInterval string `toml:"min_send_interval"`
	PingInterval    string `toml:"ping_interval"`
	KeepAlive       string `toml:"keep_alive"`
	SessionExpiry   string `toml:"session_expiry"`
}

// UserConfig seeds one account into the in-memory user store at startup.
type UserConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
	Role     string `toml:"role"`
}

func DefaultConfig() Config {
	return Config{
		Broker: BrokerConfig{
			URL: "tcp://localhost:1883",
		},
		HTTP: HTTPConfig{
			Listen:          ":8080",
			ShutdownTimeout: "10s",
		},
		Auth: AuthConfig{
			JWTSecret: "change-me",
			TokenTTL:  "24h",
		},
		Client: ClientConfig{
			MinSendInterval: "100ms",
			PingInterval:    "30s",
			KeepAlive:       "60s",
			SessionExpiry:   "1h",
		},
	}
}

// LoadConfig reads path over the defaults. An empty path returns the
// defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url must not be empty")
	}
	durations := map[string]string{
		"http.shutdown_timeout":    c.HTTP.ShutdownTimeout,
		"auth.token_ttl":           c.Auth.TokenTTL,
		"client.min_send_interval": c.Client.MinSendInterval,
		"client.ping_interval":     c.Client.PingInterval,
		"client.keep_alive":        c.Client.KeepAlive,
		"client.session_expiry":    c.Client.SessionExpiry,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	for i, u := range c.Users {
		if u.Username == "" || u.Password == "" {
			return fmt.Errorf("users[%d]: username and password are required", i)
		}
	}
	return nil
}

// duration parses a config duration string, falling back when empty or
// invalid. validate has already rejected invalid values for loaded files.
func duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
