package mailer

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strconv"
)

// Security is the transport security mode of an endpoint.
type Security string

const (
	SecurityTLS      Security = "tls"      // Implicit TLS from the first byte.
	SecurityStartTLS Security = "starttls" // Plain connection upgraded with STARTTLS.
	SecurityNone     Security = "none"     // No transport security.
)

// Valid reports whether s is a known security mode.
func (s Security) Valid() bool {
	switch s {
	case SecurityTLS, SecurityStartTLS, SecurityNone:
		return true
	}
	return false
}

// Endpoint describes a mail server and the credentials used for it.
type Endpoint struct {
	Host               string
	Port               int
	Security           Security
	Username           string
	Password           string
	InsecureSkipVerify bool
}

// Address returns host:port.
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Complete reports whether e names a host and port to dial.
func (e *Endpoint) Complete() bool {
	return e != nil && e.Host != "" && e.Port > 0
}

// Account is one configured mailbox. Values are treated as immutable
// once they are part of a registry snapshot.
type Account struct {
	Name              string
	Description       string
	FullName          string
	EmailAddress      string
	DefaultFolder     string
	MaxMessageSize    int64
	SendRatePerMinute int
	SaveSent          bool
	SentFolder        string
	IMAP              *Endpoint
	SMTP              *Endpoint
}

// CanReceive reports whether the account has a usable IMAP endpoint.
func (a Account) CanReceive() bool { return a.IMAP.Complete() }

// CanSend reports whether the account has a usable SMTP endpoint.
func (a Account) CanSend() bool { return a.SMTP.Complete() && a.EmailAddress != "" }

// Folder returns name or the account default folder when name is empty.
func (a Account) Folder(name string) string {
	switch {
	case name != "":
		return name
	case a.DefaultFolder != "":
		return a.DefaultFolder
	default:
		return "INBOX"
	}
}

// Fingerprint identifies the connection-relevant state of the account.
// Two accounts with equal fingerprints can share pooled sessions.
func (a Account) Fingerprint() string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}

	write(a.Name)
	for _, e := range []*Endpoint{a.IMAP, a.SMTP} {
		if e == nil {
			write("-")
			continue
		}
		write(e.Host, strconv.Itoa(e.Port), string(e.Security), e.Username, e.Password,
			strconv.FormatBool(e.InsecureSkipVerify))
	}

	return a.Name + "#" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Summary returns the caller-visible view of the account, without credentials.
func (a Account) Summary() AccountSummary {
	s := AccountSummary{
		Name:          a.Name,
		Description:   a.Description,
		FullName:      a.FullName,
		EmailAddress:  a.EmailAddress,
		DefaultFolder: a.Folder(""),
		CanReceive:    a.CanReceive(),
		CanSend:       a.CanSend(),
	}
	if a.IMAP != nil {
		s.IMAP = &EndpointSummary{Host: a.IMAP.Host, Port: a.IMAP.Port, Security: a.IMAP.Security}
	}
	if a.SMTP != nil {
		s.SMTP = &EndpointSummary{Host: a.SMTP.Host, Port: a.SMTP.Port, Security: a.SMTP.Security}
	}
	return s
}

// AccountSummary never carries usernames or passwords.
type AccountSummary struct {
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	FullName      string           `json:"full_name,omitempty"`
	EmailAddress  string           `json:"email_address,omitempty"`
	DefaultFolder string           `json:"default_folder"`
	IMAP          *EndpointSummary `json:"imap,omitempty"`
	SMTP          *EndpointSummary `json:"smtp,omitempty"`
	CanReceive    bool             `json:"can_receive"`
	CanSend       bool             `json:"can_send"`
}

type EndpointSummary struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Security Security `json:"security"`
}
