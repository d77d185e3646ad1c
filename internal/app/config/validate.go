package config

import (
	"errors"
	"fmt"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
	"github.com/valimikayilov/mcp-email-server/internal/pkg/logger"
	"github.com/valimikayilov/mcp-email-server/internal/pkg/units"
)

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}

	conn := c.Connection
	for name, d := range map[string]int64{
		"connect_timeout": int64(conn.ConnectTimeout),
		"auth_timeout":    int64(conn.AuthTimeout),
		"command_timeout": int64(conn.CommandTimeout),
		"idle_timeout":    int64(conn.IdleTimeout),
		"sweep_interval":  int64(conn.SweepInterval),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("connection.%s must not be negative", name))
		}
	}
	if conn.MaxSessionsPerAccount < 1 {
		errs = append(errs, errors.New("connection.max_sessions_per_account must be at least 1"))
	}

	if c.Search.DefaultLimit < 0 || c.Search.MaxLimit < 1 || c.Search.DefaultLimit > c.Search.MaxLimit {
		errs = append(errs, fmt.Errorf("search limits are inconsistent: default_limit=%d max_limit=%d",
			c.Search.DefaultLimit, c.Search.MaxLimit))
	}
	if _, err := units.FromHumanSize(c.Search.MaxAttachmentSize); err != nil {
		errs = append(errs, fmt.Errorf("search.max_attachment_size: %w", err))
	}

	seen := make(map[string]struct{}, len(c.Accounts))
	for i, acct := range c.Accounts {
		if acct.Name == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: name is required", i))
			continue
		}
		if _, dup := seen[acct.Name]; dup {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate account name %q", i, acct.Name))
		}
		seen[acct.Name] = struct{}{}

		if acct.MaxMessageSize != "" {
			if _, err := units.FromHumanSize(acct.MaxMessageSize); err != nil {
				errs = append(errs, fmt.Errorf("account %q: max_message_size: %w", acct.Name, err))
			}
		}
		if acct.SendRatePerMinute < 0 {
			errs = append(errs, fmt.Errorf("account %q: send_rate_per_minute must not be negative", acct.Name))
		}

		for proto, e := range map[string]*EndpointConfig{"imap": acct.IMAP, "smtp": acct.SMTP} {
			if e == nil {
				continue
			}
			if e.Port < 0 || e.Port > 65535 {
				errs = append(errs, fmt.Errorf("account %q: %s port %d out of range", acct.Name, proto, e.Port))
			}
			if e.Security != "" && !mailer.Security(e.Security).Valid() {
				errs = append(errs, fmt.Errorf("account %q: %s security %q is not one of tls, starttls, none",
					acct.Name, proto, e.Security))
			}
			if e.Password != "" && e.PasswordKeyring != "" {
				errs = append(errs, fmt.Errorf("account %q: %s password and password_keyring are exclusive",
					acct.Name, proto))
			}
		}
	}

	return errors.Join(errs...)
}
