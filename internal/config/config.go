package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"wine-quiz-live/internal/auth"
)

type Config struct {
	Server struct {
		Port         string `yaml:"port"`
		ReadTimeout  string `yaml:"readTimeout"`
		WriteTimeout string `yaml:"writeTimeout"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Catalog struct {
		TTL      string `yaml:"ttl"`
		SeedFile string `yaml:"seedFile"`
	} `yaml:"catalog"`
	Gateway struct {
		SendBuffer     int    `yaml:"sendBuffer"`
		PingPeriod     string `yaml:"pingPeriod"`
		PongWait       string `yaml:"pongWait"`
		WriteWait      string `yaml:"writeWait"`
		MaxMessageSize int64  `yaml:"maxMessageSize"`
	} `yaml:"gateway"`
	Auth struct {
		Tokens      []auth.Token `yaml:"tokens"`
		RedisTokens bool         `yaml:"redisTokens"`
	} `yaml:"auth"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads YAML config from path. A missing file yields the zero config so the
// server can start on defaults and flags alone.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings that would otherwise fail late, at first use.
func (c Config) Validate() error {
	for field, raw := range map[string]string{
		"server.readTimeout":  c.Server.ReadTimeout,
		"server.writeTimeout": c.Server.WriteTimeout,
		"redis.ttl":           c.Redis.TTL,
		"catalog.ttl":         c.Catalog.TTL,
		"gateway.pingPeriod":  c.Gateway.PingPeriod,
		"gateway.pongWait":    c.Gateway.PongWait,
		"gateway.writeWait":   c.Gateway.WriteWait,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	ping := TTLDuration(c.Gateway.PingPeriod, 0)
	pong := TTLDuration(c.Gateway.PongWait, 0)
	if ping > 0 && pong > 0 && ping >= pong {
		return fmt.Errorf("gateway.pingPeriod %s must be shorter than pongWait %s", ping, pong)
	}
	for i, tok := range c.Auth.Tokens {
		if tok.Token == "" || tok.UserID == "" {
			return fmt.Errorf("auth.tokens[%d]: token and userId are required", i)
		}
	}
	return nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
