package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/shaharia-lab/mcpstream/mcp"
	"github.com/shaharia-lab/mcpstream/observability"
)

type Config struct {
	LogLevel string                  `yaml:"log_level"`
	Servers  map[string]ServerConfig `yaml:"servers"`
}

type ServerConfig struct {
	URL            string            `yaml:"url"`
	Headers        map[string]string `yaml:"headers"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout"`
	ReadTimeout    time.Duration     `yaml:"read_timeout"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	LogRequests    bool              `yaml:"log_requests"`
	LogResponses   bool              `yaml:"log_responses"`
	RateLimit      float64           `yaml:"rate_limit"`
	MaxConcurrency int64             `yaml:"max_concurrency"`
	Traffic        TrafficConfig     `yaml:"traffic"`
}

type TrafficConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LoadConfig reads the YAML configuration at path. A missing file yields an
// empty configuration so that servers can be given by flag alone.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Servers: map[string]ServerConfig{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Servers == nil {
		cfg.Servers = map[string]ServerConfig{}
	}
	return cfg, nil
}

// Server resolves the server to talk to. A non-empty url overrides the
// configured one.
func (c *Config) Server(name, url string) (ServerConfig, error) {
	server, ok := c.Servers[name]
	if url != "" {
		server.URL = url
		return server, nil
	}
	if !ok {
		return ServerConfig{}, fmt.Errorf("server %q is not configured", name)
	}
	if server.URL == "" {
		return ServerConfig{}, fmt.Errorf("server %q has no url", name)
	}
	return server, nil
}

// TransportOptions turns the server settings into transport options. A
// configured traffic store turns on both logging toggles.
func (s ServerConfig) TransportOptions(logger observability.Logger) []mcp.TransportOption {
	store := s.Traffic.Driver != ""
	opts := []mcp.TransportOption{
		mcp.WithLogger(logger),
		mcp.WithRequestLogging(s.LogRequests || store),
		mcp.WithResponseLogging(s.LogResponses || store),
	}
	if s.ConnectTimeout > 0 {
		opts = append(opts, mcp.WithConnectTimeout(s.ConnectTimeout))
	}
	if s.ReadTimeout > 0 {
		opts = append(opts, mcp.WithReadTimeout(s.ReadTimeout))
	}
	if len(s.Headers) > 0 {
		h := http.Header{}
		for k, v := range s.Headers {
			h.Set(k, os.ExpandEnv(v))
		}
		opts = append(opts, mcp.WithHeaders(h))
	}
	if s.RateLimit > 0 {
		burst := int(s.RateLimit)
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, mcp.WithRateLimit(rate.Limit(s.RateLimit), burst))
	}
	if s.MaxConcurrency > 0 {
		opts = append(opts, mcp.WithExecutor(mcp.NewBoundedExecutor(s.MaxConcurrency)))
	}
	return opts
}
