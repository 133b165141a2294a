package broker

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the broker process configuration.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	TLS     TLSConfig     `yaml:"tls"`
	Control ControlConfig `yaml:"control"`
	Store   StoreConfig   `yaml:"store"`
}

// ListenConfig specifies the address to bind on.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// TLSConfig controls TLS certificate settings for the public listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ControlConfig controls the agent-facing control channel.
type ControlConfig struct {
	Path               string        `yaml:"path"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	AuthTimeout        time.Duration `yaml:"auth_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MaxFrameBytes      int64         `yaml:"max_frame_bytes"`
	StreamQueueDepth   int           `yaml:"stream_queue_depth"`
}

// StoreConfig points at the admin domain-record database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoadConfig reads and parses a broker configuration file, applying spec
// defaults for anything left unset.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Listen: ListenConfig{Addr: ":8080"},
		Control: ControlConfig{
			Path:              "/ws/tunnel",
			HeartbeatInterval: 30 * time.Second,
			AuthTimeout:       10 * time.Second,
			RequestTimeout:    300 * time.Second,
			MaxFrameBytes:     8 * 1024 * 1024,
			StreamQueueDepth:  128,
		},
		Store: StoreConfig{Path: "tunely.db"},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
