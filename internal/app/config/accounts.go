package config

import (
	"fmt"

	"github.com/valimikayilov/mcp-email-server/internal/app/connmgr"
	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
	"github.com/valimikayilov/mcp-email-server/internal/pkg/units"
)

// SecretGetter resolves password_keyring references.
type SecretGetter interface {
	Get(key string) (string, error)
}

// BuildAccounts converts account configuration into registry accounts,
// resolving keyring references through secrets (which may be nil when
// no account uses one).
func (c *Config) BuildAccounts(secrets SecretGetter) ([]mailer.Account, error) {
	accounts := make([]mailer.Account, 0, len(c.Accounts))

	for _, ac := range c.Accounts {
		acct := mailer.Account{
			Name:              ac.Name,
			Description:       ac.Description,
			FullName:          ac.FullName,
			EmailAddress:      ac.EmailAddress,
			DefaultFolder:     ac.DefaultFolder,
			SendRatePerMinute: ac.SendRatePerMinute,
			SaveSent:          ac.SaveSent,
			SentFolder:        ac.SentFolder,
		}

		if ac.MaxMessageSize != "" {
			size, err := units.FromHumanSize(ac.MaxMessageSize)
			if err != nil {
				return nil, fmt.Errorf("account %q: max_message_size: %w", ac.Name, err)
			}
			acct.MaxMessageSize = size
		}

		var err error
		if acct.IMAP, err = buildEndpoint(ac.IMAP, secrets); err != nil {
			return nil, fmt.Errorf("account %q: imap: %w", ac.Name, err)
		}
		if acct.SMTP, err = buildEndpoint(ac.SMTP, secrets); err != nil {
			return nil, fmt.Errorf("account %q: smtp: %w", ac.Name, err)
		}

		accounts = append(accounts, acct)
	}

	return accounts, nil
}

func buildEndpoint(ec *EndpointConfig, secrets SecretGetter) (*mailer.Endpoint, error) {
	if ec == nil || ec.Host == "" {
		return nil, nil
	}

	e := &mailer.Endpoint{
		Host:               ec.Host,
		Port:               ec.Port,
		Security:           mailer.Security(ec.Security),
		Username:           ec.Username,
		Password:           ec.Password,
		InsecureSkipVerify: ec.InsecureSkipVerify,
	}

	if ec.PasswordKeyring != "" {
		if secrets == nil {
			return nil, fmt.Errorf("password_keyring %q set but no keyring is available", ec.PasswordKeyring)
		}

		password, err := secrets.Get(ec.PasswordKeyring)
		if err != nil {
			return nil, fmt.Errorf("resolve password_keyring: %w", err)
		}
		e.Password = password
	}

	return e, nil
}

// MaxAttachmentBytes returns search.max_attachment_size in bytes.
func (c *Config) MaxAttachmentBytes() int64 {
	size, err := units.FromHumanSize(c.Search.MaxAttachmentSize)
	if err != nil {
		return 0
	}
	return size
}

// ConnSettings maps connection configuration onto pool settings.
func (c *Config) ConnSettings() connmgr.Settings {
	return connmgr.Settings{
		ConnectTimeout:        c.Connection.ConnectTimeout,
		AuthTimeout:           c.Connection.AuthTimeout,
		CommandTimeout:        c.Connection.CommandTimeout,
		IdleTimeout:           c.Connection.IdleTimeout,
		MaxSessionsPerAccount: c.Connection.MaxSessionsPerAccount,
	}
}

// FileSource reloads accounts from the configuration files on every call.
type FileSource struct {
	Path    string
	EnvPath string
	Secrets SecretGetter
}

// Accounts implements registry.Source.
func (s FileSource) Accounts() ([]mailer.Account, error) {
	cfg, err := LoadConfig(s.Path, s.EnvPath)
	if err != nil {
		return nil, err
	}
	return cfg.BuildAccounts(s.Secrets)
}
