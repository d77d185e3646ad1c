package config

import (
	"fmt"
	"strconv"
	"strings"
)

const envPrefix = "MCP_EMAIL_SERVER_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// accountFromEnv builds the single account described by MCP_EMAIL_SERVER_*
// variables. It returns nil when EMAIL_ADDRESS, PASSWORD, IMAP_HOST or
// SMTP_HOST is missing.
func accountFromEnv(lookup LookupFunc) (*AccountConfig, error) {
	get := func(key, def string) string {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			return v
		}
		return def
	}

	email := get("EMAIL_ADDRESS", "")
	password := get("PASSWORD", "")
	imapHost := get("IMAP_HOST", "")
	smtpHost := get("SMTP_HOST", "")
	if email == "" || password == "" || imapHost == "" || smtpHost == "" {
		return nil, nil
	}

	var errs []string
	port := func(key, def string) int {
		v := get(key, def)
		p, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s=%q is not a number", envPrefix, key, v))
		}
		return p
	}
	flag := func(key string, def bool) bool {
		v, ok := lookup(envPrefix + key)
		if !ok || v == "" {
			return def
		}
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			return true
		default:
			return false
		}
	}

	userName := get("USER_NAME", email)
	localPart, _, _ := strings.Cut(email, "@")

	acct := &AccountConfig{
		Name:         get("ACCOUNT_NAME", "default"),
		FullName:     get("FULL_NAME", localPart),
		EmailAddress: email,
		SaveSent:     flag("SAVE_TO_SENT", false),
		SentFolder:   get("SENT_FOLDER_NAME", ""),
		IMAP: &EndpointConfig{
			Host:     imapHost,
			Port:     port("IMAP_PORT", "993"),
			Security: securityMode(flag("IMAP_SSL", true), flag("IMAP_START_SSL", false)),
			Username: get("IMAP_USER_NAME", userName),
			Password: get("IMAP_PASSWORD", password),
		},
		SMTP: &EndpointConfig{
			Host:     smtpHost,
			Port:     port("SMTP_PORT", "465"),
			Security: securityMode(flag("SMTP_SSL", true), flag("SMTP_START_SSL", false)),
			Username: get("SMTP_USER_NAME", userName),
			Password: get("SMTP_PASSWORD", password),
		},
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment account: %s", strings.Join(errs, "; "))
	}
	return acct, nil
}

func securityMode(ssl, startTLS bool) string {
	switch {
	case ssl:
		return "tls"
	case startTLS:
		return "starttls"
	default:
		return "none"
	}
}
