package agentcore

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the agent process configuration.
type Config struct {
	Broker  BrokerConfig  `yaml:"broker"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Backend BackendConfig `yaml:"backend"`
	Auth    AuthConfig    `yaml:"auth"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
}

// BrokerConfig specifies the broker's control-channel websocket endpoint.
type BrokerConfig struct {
	URL string `yaml:"url"`
}

// ProxyConfig controls the residential proxy settings.
type ProxyConfig struct {
	URL             string        `yaml:"url"`
	VerifyRouting   bool          `yaml:"verify_routing"`
	HealthTimeout   time.Duration `yaml:"health_timeout"`
	RecheckInterval time.Duration `yaml:"recheck_interval"`
}

// BackendConfig specifies the local target this agent forwards to.
type BackendConfig struct {
	TargetURL      string        `yaml:"target_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AuthConfig holds the per-domain opaque token presented in AUTH.
type AuthConfig struct {
	Token string `yaml:"token"`
	Force bool   `yaml:"force"`
}

// TunnelConfig controls reconnection backoff.
type TunnelConfig struct {
	ReconnectBaseS     float64 `yaml:"reconnect_base_s"`
	ReconnectMaxS      float64 `yaml:"reconnect_max_s"`
	ReconnectFactorCap int     `yaml:"reconnect_factor_cap"`
}

// LoadConfig reads and parses an agent configuration file, applying spec
// defaults for anything left unset.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Backend: BackendConfig{
			TargetURL:      "http://127.0.0.1:8080",
			RequestTimeout: 30 * time.Second,
		},
		Proxy: ProxyConfig{
			VerifyRouting:   true,
			HealthTimeout:   10 * time.Second,
			RecheckInterval: 5 * time.Minute,
		},
		Tunnel: TunnelConfig{
			ReconnectBaseS:     5,
			ReconnectMaxS:      300,
			ReconnectFactorCap: 8,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Broker.URL == "" {
		return nil, fmt.Errorf("broker.url is required")
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("auth.token is required")
	}
	return cfg, nil
}
