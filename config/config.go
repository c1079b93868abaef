package config

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/streambus/errors"
)

// Transport kinds
const (
	TransportMemory = "memory" // In-process bus
	TransportNATS   = "nats"   // NATS server through nats.go
)

// Outbound buffer policies while disconnected
const (
	OutboundDropOldest = "drop_oldest"
	OutboundReject     = "reject"
)

// Consumer state store kinds
const (
	StateStoreMemory = "memory"
	StateStoreFile   = "file"
	StateStoreKV     = "kv"
)

// Config represents the complete client configuration
type Config struct {
	Client    ClientConfig    `json:"client" yaml:"client"`
	JetStream JetStreamConfig `json:"jetstream" yaml:"jetstream"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

// ClientConfig defines the connection and core pub/sub settings
type ClientConfig struct {
	Name      string   `json:"name,omitempty" yaml:"name,omitempty"`
	Transport string   `json:"transport" yaml:"transport"`
	Servers   []string `json:"servers,omitempty" yaml:"servers,omitempty"`

	Username        string    `json:"username,omitempty" yaml:"username,omitempty"`
	Password        string    `json:"password,omitempty" yaml:"password,omitempty"`
	Token           string    `json:"token,omitempty" yaml:"token,omitempty"`
	CredentialsFile string    `json:"credentials_file,omitempty" yaml:"credentials_file,omitempty"`
	TLS             TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`

	MaxReconnects    int           `json:"max_reconnects" yaml:"max_reconnects"` // -1 = unlimited
	ReconnectWait    time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnectWait time.Duration `json:"max_reconnect_wait" yaml:"max_reconnect_wait"`

	OutboundBufferSize int    `json:"outbound_buffer_size" yaml:"outbound_buffer_size"`
	OutboundPolicy     string `json:"outbound_policy" yaml:"outbound_policy"`
	InboundBufferSize  int    `json:"inbound_buffer_size" yaml:"inbound_buffer_size"`
	PendingLimit       int    `json:"pending_limit" yaml:"pending_limit"`

	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// TLSConfig holds the files handed to the transport for TLS
type TLSConfig struct {
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
}

// Enabled reports whether any TLS material is configured
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != "" || t.CAFile != ""
}

// JetStreamConfig defines stream storage and consumer state settings
type JetStreamConfig struct {
	StoreDir       string        `json:"store_dir,omitempty" yaml:"store_dir,omitempty"` // empty = memory storage
	StateStore     string        `json:"state_store" yaml:"state_store"`
	StateDir       string        `json:"state_dir,omitempty" yaml:"state_dir,omitempty"`
	KVBucket       string        `json:"kv_bucket,omitempty" yaml:"kv_bucket,omitempty"`
	AckWait        time.Duration `json:"ack_wait" yaml:"ack_wait"`
	JanitorPeriod  time.Duration `json:"janitor_period" yaml:"janitor_period"`
	CompactionRate int           `json:"compaction_rate,omitempty" yaml:"compaction_rate,omitempty"`
}

// LogConfig controls the slog handler built by the CLI
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Default returns the built-in configuration every load starts from
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Name:               "streambus",
			Transport:          TransportMemory,
			Servers:            []string{"nats://localhost:4222"},
			MaxReconnects:      -1,
			ReconnectWait:      50 * time.Millisecond,
			MaxReconnectWait:   2 * time.Second,
			OutboundBufferSize: 8192,
			OutboundPolicy:     OutboundDropOldest,
			InboundBufferSize:  65536,
			PendingLimit:       65536,
			RequestTimeout:     2 * time.Second,
		},
		JetStream: JetStreamConfig{
			StateStore:    StateStoreMemory,
			KVBucket:      "streambus_consumers",
			AckWait:       30 * time.Second,
			JanitorPeriod: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
	}
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{
		config: cfg,
	}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "nil config")
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}

	clone := *c
	clone.Client.Servers = slices.Clone(c.Client.Servers)
	return &clone
}

// Validate checks the configuration and normalizes enum casing
func (c *Config) Validate() error {
	c.Client.Transport = strings.ToLower(c.Client.Transport)
	switch c.Client.Transport {
	case TransportMemory:
	case TransportNATS:
		if len(c.Client.Servers) == 0 {
			return invalid("client.servers is required for the nats transport")
		}
		for i, server := range c.Client.Servers {
			if strings.TrimSpace(server) == "" {
				return invalid(fmt.Sprintf("client.servers[%d] is empty", i))
			}
		}
	default:
		return invalid(fmt.Sprintf("client.transport %q must be %q or %q",
			c.Client.Transport, TransportMemory, TransportNATS))
	}

	if c.Client.MaxReconnects < -1 {
		return invalid("client.max_reconnects must be -1 (unlimited) or >= 0")
	}
	if c.Client.ReconnectWait < 0 || c.Client.MaxReconnectWait < 0 {
		return invalid("client reconnect waits cannot be negative")
	}
	if c.Client.MaxReconnectWait > 0 && c.Client.MaxReconnectWait < c.Client.ReconnectWait {
		return invalid("client.max_reconnect_wait must be >= client.reconnect_wait")
	}
	if c.Client.OutboundBufferSize < 0 || c.Client.InboundBufferSize < 0 || c.Client.PendingLimit < 0 {
		return invalid("client buffer sizes cannot be negative")
	}

	c.Client.OutboundPolicy = strings.ToLower(c.Client.OutboundPolicy)
	switch c.Client.OutboundPolicy {
	case "", OutboundDropOldest, OutboundReject:
	default:
		return invalid(fmt.Sprintf("client.outbound_policy %q must be %q or %q",
			c.Client.OutboundPolicy, OutboundDropOldest, OutboundReject))
	}

	if c.Client.TLS.CertFile != "" || c.Client.TLS.KeyFile != "" {
		if c.Client.TLS.CertFile == "" || c.Client.TLS.KeyFile == "" {
			return invalid("client.tls.cert_file and client.tls.key_file must be set together")
		}
	}
	for name, path := range map[string]string{
		"client.tls.cert_file":    c.Client.TLS.CertFile,
		"client.tls.key_file":     c.Client.TLS.KeyFile,
		"client.tls.ca_file":      c.Client.TLS.CAFile,
		"client.credentials_file": c.Client.CredentialsFile,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%s: %w", name, err), "Config", "Validate", "stat file")
		}
	}

	c.JetStream.StateStore = strings.ToLower(c.JetStream.StateStore)
	switch c.JetStream.StateStore {
	case "", StateStoreMemory:
	case StateStoreFile:
		if c.JetStream.StateDir == "" {
			return invalid("jetstream.state_dir is required for the file state store")
		}
	case StateStoreKV:
		if c.Client.Transport != TransportNATS {
			return invalid("jetstream.state_store kv requires the nats transport")
		}
		if c.JetStream.KVBucket == "" {
			return invalid("jetstream.kv_bucket is required for the kv state store")
		}
	default:
		return invalid(fmt.Sprintf("jetstream.state_store %q is not supported", c.JetStream.StateStore))
	}
	if c.JetStream.AckWait < 0 || c.JetStream.JanitorPeriod < 0 {
		return invalid("jetstream durations cannot be negative")
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return invalid(fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return invalid(fmt.Sprintf("log.format %q must be json or text", c.Log.Format))
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics.addr is required when metrics are enabled")
	}
	if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return invalid("metrics.path must start with /")
	}

	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "Config", "Validate", "validation")
}

// SaveToFile writes the configuration as JSON or YAML, chosen by extension
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAMLPath(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "marshal")
	}

	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{&masked.Client.Password, &masked.Client.Token} {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
