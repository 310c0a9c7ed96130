package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docsassist/web-ui/internal/bridge"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"logLevel"`
	PublicURL string `yaml:"publicURL"`

	Backend backendConfig `yaml:"backend"`
	Session sessionConfig `yaml:"session"`
	Embeds  []embedConfig `yaml:"embeds"`
}

type backendConfig struct {
	// BaseURL points at the assistant backend. When empty, it is derived from
	// publicURL with the backend's conventional port.
	BaseURL        string          `yaml:"baseURL"`
	MaxAttempts    int             `yaml:"maxAttempts"`
	RequestTimeout duration        `yaml:"requestTimeout"`
	RetryBaseDelay duration        `yaml:"retryBaseDelay"`
	RetryMaxDelay  duration        `yaml:"retryMaxDelay"`
	RateLimit      rateLimitConfig `yaml:"rateLimit"`
}

type rateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type sessionConfig struct {
	MaxRounds int    `yaml:"maxRounds"`
	StorePath string `yaml:"storePath"`
}

type embedConfig struct {
	Name        string              `yaml:"name"`
	URL         string              `yaml:"url"`
	LoadTimeout duration            `yaml:"loadTimeout"`
	Origins     bridge.OriginPolicy `yaml:"origins"`
}

// duration accepts Go duration scalars like "30s" or "500ms".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = duration(parsed)
	return nil
}

func defaultConfig() config {
	return config{
		Port:     "8080",
		LogLevel: "info",
	}
}

func (c config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.Backend.BaseURL == "" && c.PublicURL == "" {
		return fmt.Errorf("either backend.baseURL or publicURL is required")
	}
	names := make(map[string]struct{}, len(c.Embeds))
	for _, embed := range c.Embeds {
		if embed.Name == "" {
			return fmt.Errorf("embed name is required")
		}
		if embed.URL == "" {
			return fmt.Errorf("embed %s: url is required", embed.Name)
		}
		if _, ok := names[embed.Name]; ok {
			return fmt.Errorf("embed %s is declared twice", embed.Name)
		}
		names[embed.Name] = struct{}{}
	}
	return nil
}

func (c config) slogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
