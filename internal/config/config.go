package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	yaml "github.com/goccy/go-yaml"
)

var (
	errConfigPathEmpty          = errors.New("config path is empty")
	errAddressMustBeHostPort    = errors.New("address must be host:port or :port")
	errDurationMustBePositive   = errors.New("duration must be positive")
	errMaxDeferBelowDebounce    = errors.New("commands.max_defer cannot be shorter than commands.debounce")
	errMediaTTLExceedsReset     = errors.New("events.media_ttl cannot exceed events.reset_after")
	errUnknownStorageDriver     = errors.New("unknown storage driver")
	errStoragePathEmpty         = errors.New("storage.path cannot be empty")
	errStorageSecretInvalid     = errors.New("storage.secret must be a base64 encoded 32 byte key")
	errWebhookPathInvalid       = errors.New("http.webhook_path must start with /")
	errTokenURLInvalid          = errors.New("oauth.token_url must be an absolute url")
	errCommandsPerMinuteNegative = errors.New("api.commands_per_minute cannot be negative")
)

const (
	defaultPollInterval      = 60 * time.Second
	defaultDiscoveryBackoff  = time.Second
	defaultTokenSkew         = time.Second
	defaultDebounce          = 12 * time.Second
	defaultMaxDefer          = 60 * time.Second
	defaultEventReset        = 30 * time.Second
	defaultEventMediaTTL     = 25 * time.Second
	defaultImageCacheSize    = 64
	defaultAPITimeout        = 15 * time.Second
	defaultCommandsPerMinute = 10
	defaultCommandBurst      = 3
	defaultHTTPReadTimeout   = 30 * time.Second
	defaultHTTPWriteTimeout  = 30 * time.Second
	writeTimeoutMargin       = 5 * time.Second
	defaultHTTPIdleTimeout   = 120 * time.Second
	defaultMaxHeaderBytes    = 1024 * 1024 // 1MB
	defaultMaxRequestSize    = 1024 * 1024 // 1MB
	defaultWebhookRPS        = 20
	defaultWebhookBurst      = 40
	defaultFilePerm          = 0o600
	secretKeyLength          = 32

	DefaultPath = "/etc/nestbridge/config.yaml"

	StorageDriverFile   = "file"
	StorageDriverSQLite = "sqlite"
)

// OAuthConfig defines the OAuth client used to obtain and refresh the bearer token.
type OAuthConfig struct {
	ClientID          string `json:"client_id"          yaml:"client_id"`
	ClientSecret      string `json:"-"                  yaml:"client_secret"`
	AuthorizationHost string `json:"authorization_host" yaml:"authorization_host,omitempty"`
	TokenURL          string `json:"token_url"          yaml:"token_url,omitempty"`
	RedirectURL       string `json:"redirect_url"       yaml:"redirect_url,omitempty"`
}

// APIConfig defines how the remote device API is reached.
type APIConfig struct {
	Hostname          string        `json:"hostname"            yaml:"hostname,omitempty"`
	Timeout           time.Duration `json:"timeout"             yaml:"timeout,omitempty"`
	CommandsPerMinute int           `json:"commands_per_minute" yaml:"commands_per_minute,omitempty"`
	CommandBurst      int           `json:"command_burst"       yaml:"command_burst,omitempty"`
}

// SyncConfig defines polling and credential timing.
type SyncConfig struct {
	PollInterval     time.Duration `json:"poll_interval"     yaml:"poll_interval,omitempty"`
	DiscoveryBackoff time.Duration `json:"discovery_backoff" yaml:"discovery_backoff,omitempty"`
	TokenSkew        time.Duration `json:"token_skew"        yaml:"token_skew,omitempty"`
}

// CommandsConfig defines the debounce window of local commands.
type CommandsConfig struct {
	Debounce time.Duration `json:"debounce"  yaml:"debounce,omitempty"`
	// MaxDefer bounds how long continuous submissions can postpone a flush.
	MaxDefer time.Duration `json:"max_defer" yaml:"max_defer,omitempty"`
}

// EventsConfig defines transient event windows.
type EventsConfig struct {
	ResetAfter     time.Duration `json:"reset_after"      yaml:"reset_after,omitempty"`
	MediaTTL       time.Duration `json:"media_ttl"        yaml:"media_ttl,omitempty"`
	ImageCacheSize int           `json:"image_cache_size" yaml:"image_cache_size,omitempty"`
}

// StorageConfig defines the key-value persistence backend.
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver,omitempty"`
	Path   string `json:"path"   yaml:"path,omitempty"`
	Secret string `json:"-"      yaml:"secret,omitempty"` // base64 encoded 32 byte key
}

// HTTPConfig defines HTTP admin server settings.
type HTTPConfig struct {
	Enabled        bool          `json:"enabled"          yaml:"enabled"`
	Listen         string        `json:"listen"           yaml:"listen,omitempty"`
	ReadTimeout    time.Duration `json:"read_timeout"     yaml:"read_timeout,omitempty"`
	WriteTimeout   time.Duration `json:"write_timeout"    yaml:"write_timeout,omitempty"`
	IdleTimeout    time.Duration `json:"idle_timeout"     yaml:"idle_timeout,omitempty"`
	MaxHeaderBytes int           `json:"max_header_bytes" yaml:"max_header_bytes,omitempty"`
	MaxRequestSize int64         `json:"max_request_size" yaml:"max_request_size,omitempty"`
	JWTSecret      string        `json:"-"                yaml:"jwt_secret,omitempty"`
	WebhookPath    string        `json:"webhook_path"     yaml:"webhook_path,omitempty"`
	WebhookRPS     int           `json:"webhook_rps"      yaml:"webhook_rps,omitempty"`
	WebhookBurst   int           `json:"webhook_burst"    yaml:"webhook_burst,omitempty"`
}

// LogConfig defines logging configuration.
type LogConfig struct {
	Level string `json:"level" yaml:"level,omitempty"`
}

// Config is the main application configuration.
type Config struct {
	AppName   string         `json:"app_name"   yaml:"app_name,omitempty"`
	ProjectID string         `json:"project_id" yaml:"project_id"`
	OAuth     OAuthConfig    `json:"oauth"      yaml:"oauth"`
	API       APIConfig      `json:"api"        yaml:"api,omitempty"`
	Sync      SyncConfig     `json:"sync"       yaml:"sync,omitempty"`
	Commands  CommandsConfig `json:"commands"   yaml:"commands,omitempty"`
	Events    EventsConfig   `json:"events"     yaml:"events,omitempty"`
	Storage   StorageConfig  `json:"storage"    yaml:"storage,omitempty"`
	HTTP      HTTPConfig     `json:"http"       yaml:"http,omitempty"`
	Log       LogConfig      `json:"log"        yaml:"log,omitempty"`

	Path string `json:"-" yaml:"-"`
}

// global mutex to serialize YAML writes.
var saveMu sync.Mutex //nolint:gochecknoglobals // global mutex for config writes

// AuthorizationURL returns the partner connections consent page of the project.
func (c *Config) AuthorizationURL() string {
	return fmt.Sprintf("https://%s/partnerconnections/%s/auth", c.OAuth.AuthorizationHost, c.ProjectID)
}

// APIBaseURL returns the enterprise scoped base url of the device API.
func (c *Config) APIBaseURL() string {
	return fmt.Sprintf("https://%s/v1/enterprises/%s", c.API.Hostname, c.ProjectID)
}

// SecretKey decodes the storage secret. ok is false when no secret is configured.
func (c *Config) SecretKey() (*[32]byte, bool, error) {
	if c.Storage.Secret == "" {
		return nil, false, nil
	}

	raw, err := base64.StdEncoding.DecodeString(c.Storage.Secret)
	if err != nil || len(raw) != secretKeyLength {
		return nil, false, errStorageSecretInvalid
	}

	var key [32]byte
	copy(key[:], raw)

	return &key, true, nil
}

// Problems lists user-actionable configuration gaps. They do not prevent the
// service from starting; they are reported through logs and the status api.
func (c *Config) Problems() []string {
	var out []string

	if strings.TrimSpace(c.ProjectID) == "" {
		out = append(out, "Enter a valid project ID. Setup instructions for Nest: https://www.home-assistant.io/integrations/nest/")
	}

	if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" {
		out = append(out, "Enter the Google OAuth client id and client secret.")
	}

	return out
}

// Load reads the config file at path, applies defaults and validates it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path) //nolint:gosec // config file path is validated
	if err != nil {
		return nil, err
	}

	return Parse(path, b)
}

// Parse decodes raw YAML as if it had been read from path.
func Parse(path string, b []byte) (*Config, error) {
	cfg := Config{HTTP: HTTPConfig{Enabled: true}}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	cfg.Path = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

//nolint:cyclop,funlen
func (c *Config) applyDefaults() {
	if c.AppName == "" {
		c.AppName = "nestbridge"
	}

	c.ProjectID = strings.TrimSpace(c.ProjectID)

	if c.OAuth.AuthorizationHost == "" {
		c.OAuth.AuthorizationHost = "nestservices.google.com"
	}

	if c.OAuth.TokenURL == "" {
		c.OAuth.TokenURL = "https://www.googleapis.com/oauth2/v4/token"
	}

	if c.API.Hostname == "" {
		c.API.Hostname = "smartdevicemanagement.googleapis.com"
	}

	if c.API.Timeout == 0 {
		c.API.Timeout = defaultAPITimeout
	}

	if c.API.CommandsPerMinute == 0 {
		c.API.CommandsPerMinute = defaultCommandsPerMinute
	}

	if c.API.CommandBurst <= 0 {
		c.API.CommandBurst = defaultCommandBurst
	}

	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = defaultPollInterval
	}

	if c.Sync.DiscoveryBackoff == 0 {
		c.Sync.DiscoveryBackoff = defaultDiscoveryBackoff
	}

	if c.Sync.TokenSkew == 0 {
		c.Sync.TokenSkew = defaultTokenSkew
	}

	if c.Commands.Debounce == 0 {
		c.Commands.Debounce = defaultDebounce
	}

	if c.Commands.MaxDefer == 0 {
		c.Commands.MaxDefer = max(defaultMaxDefer, c.Commands.Debounce)
	}

	if c.Events.ResetAfter == 0 {
		c.Events.ResetAfter = defaultEventReset
	}

	if c.Events.MediaTTL == 0 {
		c.Events.MediaTTL = min(defaultEventMediaTTL, c.Events.ResetAfter)
	}

	if c.Events.ImageCacheSize <= 0 {
		c.Events.ImageCacheSize = defaultImageCacheSize
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageDriverFile
	}

	if c.Storage.Path == "" {
		if c.Storage.Driver == StorageDriverSQLite {
			c.Storage.Path = "/var/lib/nestbridge/state.db"
		} else {
			c.Storage.Path = "/var/lib/nestbridge/state.yaml"
		}
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "127.0.0.1:47824"
	}

	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = defaultHTTPReadTimeout
	}

	if c.HTTP.WriteTimeout == 0 {
		// a ?wait=true command can be held for max_defer and then sent
		c.HTTP.WriteTimeout = max(defaultHTTPWriteTimeout, c.Commands.MaxDefer+c.API.Timeout+writeTimeoutMargin)
	}

	if c.HTTP.IdleTimeout == 0 {
		c.HTTP.IdleTimeout = defaultHTTPIdleTimeout
	}

	if c.HTTP.MaxHeaderBytes == 0 {
		c.HTTP.MaxHeaderBytes = defaultMaxHeaderBytes
	}

	if c.HTTP.MaxRequestSize == 0 {
		c.HTTP.MaxRequestSize = defaultMaxRequestSize
	}

	if c.HTTP.WebhookPath == "" {
		c.HTTP.WebhookPath = "/webhook"
	}

	if c.HTTP.WebhookRPS <= 0 {
		c.HTTP.WebhookRPS = defaultWebhookRPS
	}

	if c.HTTP.WebhookBurst <= 0 {
		c.HTTP.WebhookBurst = defaultWebhookBurst
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Save writes the configuration back to Path.
func (c *Config) Save() error {
	saveMu.Lock()
	defer saveMu.Unlock()

	if c.Path == "" {
		return fmt.Errorf("%w: config path is empty", errConfigPathEmpty)
	}

	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(c.Path, out, defaultFilePerm); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", c.Path, err)
	}

	return nil
}

// Validate checks structural invariants. Missing credentials are not errors,
// see Problems.
func (c *Config) Validate() error { //nolint:cyclop
	durations := map[string]time.Duration{
		"sync.poll_interval":     c.Sync.PollInterval,
		"sync.discovery_backoff": c.Sync.DiscoveryBackoff,
		"sync.token_skew":        c.Sync.TokenSkew,
		"commands.debounce":      c.Commands.Debounce,
		"commands.max_defer":     c.Commands.MaxDefer,
		"events.reset_after":     c.Events.ResetAfter,
		"events.media_ttl":       c.Events.MediaTTL,
		"api.timeout":            c.API.Timeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s: %w", name, errDurationMustBePositive)
		}
	}

	if c.Commands.MaxDefer < c.Commands.Debounce {
		return errMaxDeferBelowDebounce
	}

	if c.Events.MediaTTL > c.Events.ResetAfter {
		return errMediaTTLExceedsReset
	}

	if c.API.CommandsPerMinute < 0 {
		return errCommandsPerMinuteNegative
	}

	switch c.Storage.Driver {
	case StorageDriverFile, StorageDriverSQLite:
	default:
		return fmt.Errorf("%w: %s", errUnknownStorageDriver, c.Storage.Driver)
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return errStoragePathEmpty
	}

	if _, _, err := c.SecretKey(); err != nil {
		return err
	}

	if u, err := url.Parse(c.OAuth.TokenURL); err != nil || !u.IsAbs() {
		return errTokenURLInvalid
	}

	if err := validateAddr(c.HTTP.Listen); err != nil {
		return fmt.Errorf("invalid http.listen: %w", err)
	}

	if !strings.HasPrefix(c.HTTP.WebhookPath, "/") {
		return errWebhookPathInvalid
	}

	return nil
}

func validateAddr(addr string) error {
	if !strings.HasPrefix(addr, ":") && !strings.Contains(addr, ":") {
		return errAddressMustBeHostPort
	}

	_, _, err := net.SplitHostPort(addr)

	return err
}
