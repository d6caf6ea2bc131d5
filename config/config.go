// Package config loads and validates the daemon configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
)

// ConfigError represents a configuration error with field context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message, Err: ErrConfigurationError}
}

// MissingFieldError reports an absent required field.
func MissingFieldError(field string) *ConfigError {
	return &ConfigError{Field: field, Message: "required field is missing", Err: ErrMissingRequiredField}
}

// Duration wraps time.Duration so YAML values like "10m" decode directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the address the API binds to.
	Listen string `yaml:"listen" json:"listen"`

	// ReadTimeout and WriteTimeout bound each HTTP exchange. WriteTimeout
	// must cover a full synchronous signing round trip.
	ReadTimeout  Duration `yaml:"read-timeout" json:"read_timeout"`
	WriteTimeout Duration `yaml:"write-timeout" json:"write_timeout"`

	// ShutdownTimeout is the grace period for draining connections.
	ShutdownTimeout Duration `yaml:"shutdown-timeout" json:"shutdown_timeout"`

	// MaxUploadBytes caps the multipart request body.
	MaxUploadBytes int64 `yaml:"max-upload-bytes" json:"max_upload_bytes"`

	// ClientRedirectURL is where OAuth callbacks send the browser when the
	// authorize request did not carry its own redirect target.
	ClientRedirectURL string `yaml:"client-redirect-url" json:"client_redirect_url"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = Duration(30 * time.Second)
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = Duration(2 * time.Minute)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(15 * time.Second)
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = 32 << 20
	}
	if c.ClientRedirectURL == "" {
		c.ClientRedirectURL = "/"
	}
}

// SessionConfig configures the OAuth state store.
type SessionConfig struct {
	// TTL is how long an issued state stays claimable.
	TTL Duration `yaml:"ttl" json:"ttl"`

	// PostgresDSN selects the postgres-backed store when set. Empty means
	// the in-memory store.
	PostgresDSN string `yaml:"postgres-dsn" json:"postgres_dsn,omitempty"`

	// JanitorInterval is the sweep interval of the in-memory store.
	JanitorInterval Duration `yaml:"janitor-interval" json:"janitor_interval"`
}

func (c *SessionConfig) SetDefaults() {
	if c.TTL == 0 {
		c.TTL = Duration(10 * time.Minute)
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = Duration(time.Minute)
	}
}

// CardConfig configures the card middleware connection.
type CardConfig struct {
	// Endpoint is the base URL of the local card middleware. Empty
	// disables the card method.
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`
}

// OAuthProviderConfig is the shared OAuth client configuration.
type OAuthProviderConfig struct {
	ClientID     string `yaml:"client-id" json:"client_id,omitempty"`
	ClientSecret string `yaml:"client-secret" json:"client_secret,omitempty"`
	AuthorizeURL string `yaml:"authorize-url" json:"authorize_url,omitempty"`
	TokenURL     string `yaml:"token-url" json:"token_url,omitempty"`
	RedirectURI  string `yaml:"redirect-uri" json:"redirect_uri,omitempty"`
	Scope        string `yaml:"scope" json:"scope,omitempty"`
}

// Configured reports whether the client credentials are present.
func (c *OAuthProviderConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.AuthorizeURL != "" && c.TokenURL != ""
}

func (c *OAuthProviderConfig) validate(prefix string) error {
	if !c.Configured() {
		return nil
	}
	if c.RedirectURI == "" {
		return NewConfigError(prefix+".redirect-uri", "required when the provider is configured")
	}
	return nil
}

// ItsmeConfig configures the itsme provider.
type ItsmeConfig struct {
	OAuthProviderConfig `yaml:",inline"`

	// UserinfoURL and SignURL are the provider endpoints used after the
	// code exchange.
	UserinfoURL string `yaml:"userinfo-url" json:"userinfo_url,omitempty"`
	SignURL     string `yaml:"sign-url" json:"sign_url,omitempty"`
}

func (c *ItsmeConfig) Validate() error {
	if err := c.validate("providers.itsme"); err != nil {
		return err
	}
	if c.Configured() && (c.UserinfoURL == "" || c.SignURL == "") {
		return NewConfigError("providers.itsme", "userinfo-url and sign-url are required when the provider is configured")
	}
	return nil
}

// CSAMConfig configures the CSAM remote signing provider.
type CSAMConfig struct {
	OAuthProviderConfig `yaml:",inline"`

	// BaseURL is the root of the remote signing API.
	BaseURL string `yaml:"base-url" json:"base_url,omitempty"`

	// PollInterval and MaxPollAttempts bound the status polling loop.
	PollInterval    Duration `yaml:"poll-interval" json:"poll_interval"`
	MaxPollAttempts int      `yaml:"max-poll-attempts" json:"max_poll_attempts"`
}

func (c *CSAMConfig) SetDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = Duration(5 * time.Second)
	}
	if c.MaxPollAttempts == 0 {
		c.MaxPollAttempts = 60
	}
}

func (c *CSAMConfig) Validate() error {
	if err := c.validate("providers.csam"); err != nil {
		return err
	}
	if c.Configured() && c.BaseURL == "" {
		return NewConfigError("providers.csam.base-url", "required when the provider is configured")
	}
	if c.MaxPollAttempts < 0 {
		return NewConfigError("providers.csam.max-poll-attempts", "must not be negative")
	}
	return nil
}

// ProvidersConfig holds the per-method provider configuration.
type ProvidersConfig struct {
	Card  CardConfig  `yaml:"card" json:"card"`
	Itsme ItsmeConfig `yaml:"itsme" json:"itsme"`
	CSAM  CSAMConfig  `yaml:"csam" json:"csam"`
}

// AuditConfig configures signing event publication.
type AuditConfig struct {
	// Mode is "off" or "kafka".
	Mode string `yaml:"mode" json:"mode"`

	Brokers  []string `yaml:"brokers" json:"brokers,omitempty"`
	Topic    string   `yaml:"topic" json:"topic,omitempty"`
	ClientID string   `yaml:"client-id" json:"client_id,omitempty"`
}

func (c *AuditConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = "off"
	}
}

func (c *AuditConfig) Validate() error {
	switch c.Mode {
	case "off":
		return nil
	case "kafka":
		if len(c.Brokers) == 0 {
			return NewConfigError("audit.brokers", "at least one broker is required in kafka mode")
		}
		return nil
	default:
		return NewConfigError("audit.mode", fmt.Sprintf("unknown mode %q, expected off or kafka", c.Mode))
	}
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" json:"level"`

	// Format is text or json.
	Format string `yaml:"format" json:"format"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return NewConfigError("logging.level", fmt.Sprintf("unknown level %q", c.Level))
	}
	switch c.Format {
	case "text", "json":
	default:
		return NewConfigError("logging.format", fmt.Sprintf("unknown format %q", c.Format))
	}
	return nil
}

// JobsConfig configures the background signing job registry.
type JobsConfig struct {
	// Retention is how long finished jobs stay retrievable.
	Retention Duration `yaml:"retention" json:"retention"`
}

func (c *JobsConfig) SetDefaults() {
	if c.Retention == 0 {
		c.Retention = Duration(15 * time.Minute)
	}
}

// Config is the root daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Session   SessionConfig   `yaml:"session" json:"session"`
	Providers ProvidersConfig `yaml:"providers" json:"providers"`
	Audit     AuditConfig     `yaml:"audit" json:"audit"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Jobs      JobsConfig      `yaml:"jobs" json:"jobs"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Session.SetDefaults()
	c.Providers.CSAM.SetDefaults()
	c.Audit.SetDefaults()
	c.Logging.SetDefaults()
	c.Jobs.SetDefaults()
}

func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return MissingFieldError("server.listen")
	}
	if err := c.Providers.Itsme.Validate(); err != nil {
		return err
	}
	if err := c.Providers.CSAM.Validate(); err != nil {
		return err
	}
	if err := c.Audit.Validate(); err != nil {
		return err
	}
	return c.Logging.Validate()
}

// Load reads, decodes and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
