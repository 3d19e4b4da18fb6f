// Package config loads the trust broker's configuration from environment
// variables, the same way the teacher loads its own: struct tags plus
// github.com/kelseyhightower/envconfig, with every field tagged explicitly
// so nested paths spell out the NEURON__SECTION__FIELD form the operator
// expects rather than relying on envconfig's single-underscore auto nesting.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/careagent/neuron/internal/domain"
)

// Config is the frozen configuration value object (spec §9 "Frozen/immutable
// config"). Load returns a fully validated *Config; callers pass it by
// reference for read-only access and never mutate it after construction.
type Config struct {
	Organization OrganizationConfig
	Server       ServerConfig
	WebSocket    WebSocketConfig
	Storage      StorageConfig
	Audit        AuditConfig
	LocalNetwork LocalNetworkConfig
	Heartbeat    HeartbeatConfig
	Axon         AxonConfig
	API          APIConfig
	Crypto       CryptoConfig
	IPC          IPCConfig
}

// OrganizationConfig identifies this organization to the directory and LAN
// advertisement.
type OrganizationConfig struct {
	NPI  string `envconfig:"NEURON__ORGANIZATION__NPI" required:"true"`
	Name string `envconfig:"NEURON__ORGANIZATION__NAME" required:"true"`
	Type string `envconfig:"NEURON__ORGANIZATION__TYPE" required:"true"`
}

// ServerConfig holds REST + WebSocket listener configuration.
type ServerConfig struct {
	Port int    `envconfig:"NEURON__SERVER__PORT" default:"3000"`
	Host string `envconfig:"NEURON__SERVER__HOST" default:"0.0.0.0"`
}

// Address returns the server address in host:port form.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WebSocketConfig holds handshake broker tuning (spec §6).
type WebSocketConfig struct {
	Path                    string `envconfig:"NEURON__WEBSOCKET__PATH" default:"/ws/handshake"`
	MaxConcurrentHandshakes int    `envconfig:"NEURON__WEBSOCKET__MAX_CONCURRENT_HANDSHAKES" default:"10"`
	AuthTimeoutMs           int    `envconfig:"NEURON__WEBSOCKET__AUTH_TIMEOUT_MS" default:"10000"`
	QueueTimeoutMs          int    `envconfig:"NEURON__WEBSOCKET__QUEUE_TIMEOUT_MS" default:"30000"`
	MaxPayloadBytes         int    `envconfig:"NEURON__WEBSOCKET__MAX_PAYLOAD_BYTES" default:"65536"`
}

func (w WebSocketConfig) AuthTimeout() time.Duration {
	return time.Duration(w.AuthTimeoutMs) * time.Millisecond
}

func (w WebSocketConfig) QueueTimeout() time.Duration {
	return time.Duration(w.QueueTimeoutMs) * time.Millisecond
}

// StorageConfig points at the embedded database file.
type StorageConfig struct {
	Path string `envconfig:"NEURON__STORAGE__PATH" default:"./data/neuron.db"`
}

// AuditConfig toggles and locates the hash-chained journal.
type AuditConfig struct {
	Path    string `envconfig:"NEURON__AUDIT__PATH" default:"./data/audit.jsonl"`
	Enabled bool   `envconfig:"NEURON__AUDIT__ENABLED" default:"true"`
}

// LocalNetworkConfig toggles mDNS/DNS-SD advertisement (spec §4.9).
type LocalNetworkConfig struct {
	Enabled     bool   `envconfig:"NEURON__LOCAL_NETWORK__ENABLED" default:"false"`
	ServiceName string `envconfig:"NEURON__LOCAL_NETWORK__SERVICE_NAME" default:"_neuron._tcp"`
}

// IPCConfig locates the local control-plane Unix socket used by
// neuronctl (spec §6).
type IPCConfig struct {
	SocketPath string `envconfig:"NEURON__IPC__SOCKET_PATH" default:"./data/neuron.sock"`
}

// HeartbeatConfig controls the registered-state heartbeat cadence.
type HeartbeatConfig struct {
	IntervalMs int `envconfig:"NEURON__HEARTBEAT__INTERVAL_MS" default:"60000"`
}

func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalMs) * time.Millisecond
}

// AxonConfig holds the national directory client configuration. ("Axon" is
// this organization's name for the registry collaborator.)
type AxonConfig struct {
	RegistryURL      string `envconfig:"NEURON__AXON__REGISTRY_URL" required:"true"`
	EndpointURL      string `envconfig:"NEURON__AXON__ENDPOINT_URL" required:"true"`
	BackoffCeilingMs int    `envconfig:"NEURON__AXON__BACKOFF_CEILING_MS" default:"300000"`
}

func (a AxonConfig) BackoffCeiling() time.Duration {
	return time.Duration(a.BackoffCeilingMs) * time.Millisecond
}

// APIConfig holds the REST surface's rate limiting and CORS configuration.
type APIConfig struct {
	RateLimitMaxRequests int      `envconfig:"NEURON__API__RATE_LIMIT__MAX_REQUESTS" default:"100"`
	RateLimitWindowMs    int      `envconfig:"NEURON__API__RATE_LIMIT__WINDOW_MS" default:"60000"`
	CORSAllowedOrigins   []string `envconfig:"NEURON__API__CORS__ALLOWED_ORIGINS"`
}

func (a APIConfig) RateLimitWindow() time.Duration {
	return time.Duration(a.RateLimitWindowMs) * time.Millisecond
}

// CryptoConfig holds the at-rest encryption key for sealing the directory
// bearer token (spec §3: "bearer_token never appears in audit entries or
// user-visible output").
type CryptoConfig struct {
	EncryptionKey string `envconfig:"NEURON__CRYPTO__ENCRYPTION_KEY" required:"true"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// validate checks the constraints in spec §6 that envconfig's default/
// required tags cannot express on their own.
func (c *Config) validate() error {
	if !domain.ValidNPI(c.Organization.NPI) {
		return fmt.Errorf("organization.npi must be a 10-digit Luhn-valid NPI")
	}
	if !domain.OrganizationType(c.Organization.Type).IsValid() {
		return fmt.Errorf("organization.type %q is not one of the defined types", c.Organization.Type)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.WebSocket.MaxConcurrentHandshakes < 1 {
		return fmt.Errorf("websocket.maxConcurrentHandshakes must be >= 1")
	}
	if c.WebSocket.AuthTimeoutMs < 1000 {
		return fmt.Errorf("websocket.authTimeoutMs must be >= 1000")
	}
	if c.WebSocket.QueueTimeoutMs < 1000 {
		return fmt.Errorf("websocket.queueTimeoutMs must be >= 1000")
	}
	if c.WebSocket.MaxPayloadBytes < 1024 {
		return fmt.Errorf("websocket.maxPayloadBytes must be >= 1024")
	}
	if c.Heartbeat.IntervalMs < 1000 {
		return fmt.Errorf("heartbeat.intervalMs must be >= 1000")
	}
	if c.Axon.BackoffCeilingMs < 1000 {
		return fmt.Errorf("axon.backoffCeilingMs must be >= 1000")
	}
	if c.API.RateLimitMaxRequests < 1 {
		return fmt.Errorf("api.rateLimit.maxRequests must be >= 1")
	}
	if c.API.RateLimitWindowMs < 1000 {
		return fmt.Errorf("api.rateLimit.windowMs must be >= 1000")
	}
	if len(c.Crypto.EncryptionKey) != 32 {
		return fmt.Errorf("crypto.encryptionKey must be exactly 32 bytes for AES-256")
	}
	return nil
}
