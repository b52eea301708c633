package meta

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ApplicationConfig is a top-level block for application-level meta configuration.
type ApplicationConfig struct {
	SentryDSN string `yaml:"sentry_dsn"`
}

// MetricsConfig is a top-level block for metrics configuration.
type MetricsConfig struct {
	Statsd *struct {
		Address    string  `yaml:"addr"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"statsd"`
}

// ListenerConfig is a top-level block for server listener configuration.
type ListenerConfig struct {
	TCP *struct {
		Address      string        `yaml:"addr"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"tcp"`
	UDP *struct {
		Address                  string        `yaml:"addr"`
		MaxConcurrentConnections int           `yaml:"max_concurrent_connections"`
		ReadTimeout              time.Duration `yaml:"read_timeout"`
		WriteTimeout             time.Duration `yaml:"write_timeout"`
	} `yaml:"udp"`
}

// Root describes a single plaintext upstream resolver. A zero port selects the standard DNS
// port, 53.
type Root struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// EncryptedRoot describes a single encrypted upstream resolver. Mode selects the encryption
// scheme, either "dot" (DNS-over-TLS, the default) or "doh" (DNS-over-HTTPS); a zero port selects
// the scheme's standard port, 853 for DoT and 443 for DoH.
type EncryptedRoot struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	ServerName string `yaml:"server_name"`
	Mode       string `yaml:"mode"`
}

// UpstreamConfig is a top-level block for upstream resolver configuration. Roots are tried in
// declared order; encrypted roots, if any, are tried after every plaintext root has failed.
type UpstreamConfig struct {
	AttemptTimeout time.Duration   `yaml:"attempt_timeout"`
	Roots          []Root          `yaml:"roots"`
	EncryptedRoots []EncryptedRoot `yaml:"encrypted_roots"`
}

// StoreConfig is a top-level block for the local authoritative record store.
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

// DenyRule describes a single client denylist entry: queries from ClientIP for RecordType are
// silently dropped. The record type is an opaque identifier; "*" conventionally denies all types.
type DenyRule struct {
	ClientIP   string `yaml:"client_ip"`
	RecordType string `yaml:"record_type"`
}

// Config describes all application configuration options.
type Config struct {
	Application *ApplicationConfig `yaml:"application"`
	Metrics     *MetricsConfig     `yaml:"metrics"`
	Listener    *ListenerConfig    `yaml:"listener"`
	Upstream    *UpstreamConfig    `yaml:"upstream"`
	Store       *StoreConfig       `yaml:"store"`
	Denylist    []DenyRule         `yaml:"denylist"`
}

// ParseConfig parses a Config struct instance from a file specified as a path on disk.
func ParseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: error reading config: err=%v", err)
	}

	var cfg *Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: error parsing config: err=%v", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate the contents of the configuration. Returns an error if validation failed; nil
// otherwise.
func (c *Config) validate() error {
	/* Metrics */

	// Users can omit the metrics block entirely to disable metrics reporting.
	if c.Metrics != nil && c.Metrics.Statsd != nil {
		if c.Metrics.Statsd.Address == "" {
			return fmt.Errorf("config: missing metrics statsd address")
		}

		if c.Metrics.Statsd.SampleRate < 0 || c.Metrics.Statsd.SampleRate > 1 {
			return fmt.Errorf("config: statsd sample rate must be in range [0.0, 1.0]")
		}
	}

	/* Listener */

	if c.Listener == nil {
		return fmt.Errorf("config: missing top-level listener config key")
	}

	if c.Listener.TCP == nil && c.Listener.UDP == nil {
		return fmt.Errorf("config: at least one TCP or UDP listener must be specified")
	}

	if c.Listener.TCP != nil && c.Listener.TCP.Address == "" {
		return fmt.Errorf("config: missing TCP server listening address")
	}

	if c.Listener.UDP != nil && c.Listener.UDP.Address == "" {
		return fmt.Errorf("config: missing UDP server listening address")
	}

	/* Upstream */

	if c.Upstream == nil {
		return fmt.Errorf("config: missing top-level upstream config key")
	}

	if len(c.Upstream.Roots) == 0 && len(c.Upstream.EncryptedRoots) == 0 {
		return fmt.Errorf("config: no upstream resolvers specified")
	}

	for idx, root := range c.Upstream.Roots {
		if root.Host == "" {
			return fmt.Errorf("config: missing upstream root host: idx=%d", idx)
		}

		if root.Port < 0 || root.Port > 65535 {
			return fmt.Errorf("config: upstream root port out of range: idx=%d", idx)
		}
	}

	for idx, root := range c.Upstream.EncryptedRoots {
		if root.Host == "" {
			return fmt.Errorf("config: missing encrypted root host: idx=%d", idx)
		}

		if root.Port < 0 || root.Port > 65535 {
			return fmt.Errorf("config: encrypted root port out of range: idx=%d", idx)
		}

		if root.ServerName == "" {
			return fmt.Errorf("config: missing encrypted root TLS server name: idx=%d", idx)
		}

		if root.Mode != "" && !strings.EqualFold(root.Mode, "dot") && !strings.EqualFold(root.Mode, "doh") {
			return fmt.Errorf("config: unknown encrypted root mode: idx=%d mode=%s", idx, root.Mode)
		}
	}

	/* Store */

	if c.Store == nil || c.Store.DBPath == "" {
		return fmt.Errorf("config: missing local record store database path")
	}

	/* Denylist */

	// The denylist may be empty, but every supplied rule must be fully specified.
	for idx, rule := range c.Denylist {
		if rule.ClientIP == "" {
			return fmt.Errorf("config: missing denylist client IP: idx=%d", idx)
		}

		if rule.RecordType == "" {
			return fmt.Errorf("config: missing denylist record type: idx=%d", idx)
		}
	}

	return nil
}
