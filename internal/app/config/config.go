package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted besides the per-account overlay.
const (
	EnvConfigPath = "MCP_EMAIL_SERVER_CONFIG_PATH"
	EnvLogLevel   = "MCP_EMAIL_SERVER_LOG_LEVEL"
)

type Config struct {
	LogLevel   string           `yaml:"log_level"`  // Logging level: debug, info, warn or error.
	LogFormat  string           `yaml:"log_format"` // Log record format: text or json.
	Connection ConnectionConfig `yaml:"connection"` // Session pool and timeout settings.
	Search     SearchConfig     `yaml:"search"`     // Search paging and local filtering limits.
	Accounts   []AccountConfig  `yaml:"accounts"`   // Ordered list of mail accounts.
}

type ConnectionConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`          // Bound for TCP connect and TLS handshake.
	AuthTimeout           time.Duration `yaml:"auth_timeout"`             // Bound for greeting, capability and login exchange.
	CommandTimeout        time.Duration `yaml:"command_timeout"`          // Bound for every protocol round trip.
	IdleTimeout           time.Duration `yaml:"idle_timeout"`             // Pooled IMAP sessions unused for longer are closed.
	SweepInterval         time.Duration `yaml:"sweep_interval"`           // Interval between idle session sweeps.
	MaxSessionsPerAccount int           `yaml:"max_sessions_per_account"` // Upper bound of concurrently open IMAP sessions per account.
}

type SearchConfig struct {
	DefaultLimit      int    `yaml:"default_limit"`       // Page size used when a search omits limit.
	MaxLimit          int    `yaml:"max_limit"`           // Largest accepted page size.
	LocalFilterLimit  int    `yaml:"local_filter_limit"`  // Most candidates a search may filter locally.
	MaxAttachmentSize string `yaml:"max_attachment_size"` // Largest attachment get_attachment materializes, e.g. 25MB.
}

type AccountConfig struct {
	Name              string          `yaml:"name"`                 // Unique account identifier used by callers.
	Description       string          `yaml:"description"`          // Free text shown in account listings.
	FullName          string          `yaml:"full_name"`            // Display name used in the From header.
	EmailAddress      string          `yaml:"email_address"`        // Sender address of outgoing mail.
	DefaultFolder     string          `yaml:"default_folder"`       // Folder used when a call names none. Defaults to INBOX.
	MaxMessageSize    string          `yaml:"max_message_size"`     // Local cap on outgoing message size, e.g. 25MB.
	SendRatePerMinute int             `yaml:"send_rate_per_minute"` // Sends allowed per minute, 0 disables limiting.
	SaveSent          bool            `yaml:"save_sent"`            // Whether sent messages are appended to the Sent folder.
	SentFolder        string          `yaml:"sent_folder"`          // Sent folder override; detected via \Sent when empty.
	IMAP              *EndpointConfig `yaml:"imap"`                 // Incoming server.
	SMTP              *EndpointConfig `yaml:"smtp"`                 // Outgoing server.
}

type EndpointConfig struct {
	Host               string `yaml:"host"`                 // Server host name.
	Port               int    `yaml:"port"`                 // Server port.
	Security           string `yaml:"security"`             // tls, starttls or none.
	Username           string `yaml:"username"`             // Login name.
	Password           string `yaml:"password"`             // Login password, prefer password_keyring.
	PasswordKeyring    string `yaml:"password_keyring"`     // Keyring item holding the password.
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // Skip TLS certificate verification.
}

// LoadConfig reads the YAML file at cfgFilepath after loading envFilepath
// (when present) into the process environment, expands ${VAR} references,
// overlays the MCP_EMAIL_SERVER_* account, applies defaults and validates.
//
// A missing configuration file is accepted when the environment defines an account.
func LoadConfig(cfgFilepath, envFilepath string) (Config, error) {
	var cfg Config

	if envFilepath != "" {
		if _, err := os.Stat(envFilepath); err == nil {
			if err = godotenv.Load(envFilepath); err != nil {
				return cfg, fmt.Errorf("unable to load environment variables from file: %w", err)
			}
		}
	}

	envAccount, err := accountFromEnv(os.LookupEnv)
	if err != nil {
		return cfg, err
	}

	//nolint:gosec
	fileBytes, err := os.ReadFile(cfgFilepath)
	switch {
	case err == nil:
		if cfg, err = Parse(fileBytes); err != nil {
			return cfg, err
		}
	case errors.Is(err, os.ErrNotExist) && envAccount != nil:
	case errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("configuration file at %q doesn't exist: %w", cfgFilepath, err)
	case errors.Is(err, os.ErrPermission):
		return cfg, fmt.Errorf("permission denied for accessing configuration file: %w", err)
	default:
		return cfg, fmt.Errorf("unexpected error during reading configuration file: %w", err)
	}

	if envAccount != nil {
		cfg.overlay(*envAccount)
	}
	if level, ok := os.LookupEnv(EnvLogLevel); ok && level != "" {
		cfg.LogLevel = level
	}

	cfg.ApplyDefaults()
	if err = cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Parse decodes YAML configuration with ${VAR} references expanded.
func Parse(data []byte) (Config, error) {
	var cfg Config

	envExpanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(envExpanded), &cfg); err != nil {
		return cfg, fmt.Errorf("unable to unmarshal configuration file: %w", err)
	}

	return cfg, nil
}

// overlay replaces the account named like acct or inserts acct first.
func (c *Config) overlay(acct AccountConfig) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == acct.Name {
			c.Accounts[i] = acct
			return
		}
	}
	c.Accounts = append([]AccountConfig{acct}, c.Accounts...)
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	setDuration := func(d *time.Duration, def time.Duration) {
		if *d == 0 {
			*d = def
		}
	}
	setInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}

	setDuration(&c.Connection.ConnectTimeout, 10*time.Second)
	setDuration(&c.Connection.AuthTimeout, 15*time.Second)
	setDuration(&c.Connection.CommandTimeout, 30*time.Second)
	setDuration(&c.Connection.IdleTimeout, 5*time.Minute)
	setDuration(&c.Connection.SweepInterval, time.Minute)
	setInt(&c.Connection.MaxSessionsPerAccount, 4)

	setInt(&c.Search.DefaultLimit, 10)
	setInt(&c.Search.MaxLimit, 100)
	setInt(&c.Search.LocalFilterLimit, 500)
	if c.Search.MaxAttachmentSize == "" {
		c.Search.MaxAttachmentSize = "25MB"
	}

	for i := range c.Accounts {
		for _, e := range []*EndpointConfig{c.Accounts[i].IMAP, c.Accounts[i].SMTP} {
			if e != nil && e.Security == "" {
				e.Security = "tls"
			}
		}
	}
}
