// Package smtpops builds outgoing messages and submits them over a session
// handed out by connmgr.
package smtpops

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
	"github.com/valimikayilov/mcp-email-server/internal/pkg/units"
)

const maxRecipients = 100

// ValidateRecipients checks the envelope recipients of msg and returns them
// as bare addresses in to, cc, bcc order.
func ValidateRecipients(msg mailer.OutboundMessage) ([]string, error) {
	all := msg.Recipients()
	if len(all) == 0 {
		return nil, mailer.Validationf("at least one recipient is required")
	}
	if len(all) > maxRecipients {
		return nil, mailer.Validationf("%d recipients given, at most %d are allowed", len(all), maxRecipients)
	}

	out := make([]string, 0, len(all))
	seen := make(map[string]struct{}, len(all))
	for _, raw := range all {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, mailer.Validationf("invalid recipient %q: %v", raw, err)
		}
		key := strings.ToLower(addr.Address)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr.Address)
	}
	return out, nil
}

// Compose renders msg as an RFC 5322 message from from and returns it with
// its Message-ID. Bcc recipients never appear in the headers.
func Compose(from mailer.Address, msg mailer.OutboundMessage, now time.Time) ([]byte, string, error) {
	if from.Address == "" {
		return nil, "", mailer.Validationf("sender address is required")
	}

	var h mail.Header
	h.Set("MIME-Version", "1.0")
	h.SetDate(now)
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", []*mail.Address{{Name: from.Name, Address: from.Address}})

	for _, field := range []struct {
		key   string
		value []string
	}{
		{"To", msg.To},
		{"Cc", msg.Cc},
	} {
		list, err := parseList(field.value)
		if err != nil {
			return nil, "", err
		}
		if len(list) > 0 {
			h.SetAddressList(field.key, list)
		}
	}

	if msg.ReplyTo != "" {
		replyTo, err := parseList([]string{msg.ReplyTo})
		if err != nil {
			return nil, "", err
		}
		h.SetAddressList("Reply-To", replyTo)
	}

	if msg.InReplyTo != "" {
		ids := []string{strings.Trim(strings.TrimSpace(msg.InReplyTo), "<>")}
		h.SetMsgIDList("In-Reply-To", ids)
		h.SetMsgIDList("References", ids)
	}

	id := uuid.NewString() + "@" + domainOf(from.Address)
	h.SetMessageID(id)

	var buf bytes.Buffer
	if err := writeBody(&buf, h, msg); err != nil {
		return nil, "", fmt.Errorf("compose message: %w", err)
	}
	return buf.Bytes(), "<" + id + ">", nil
}

func parseList(values []string) ([]*mail.Address, error) {
	list := make([]*mail.Address, 0, len(values))
	for _, v := range values {
		addr, err := mail.ParseAddress(v)
		if err != nil {
			return nil, mailer.Validationf("invalid address %q: %v", v, err)
		}
		list = append(list, addr)
	}
	return list, nil
}

// writeBody picks the smallest structure that carries msg: a single text
// part, multipart/alternative for text plus HTML, and multipart/mixed once
// attachments are present.
func writeBody(w io.Writer, h mail.Header, msg mailer.OutboundMessage) error {
	for i, a := range msg.Attachments {
		if a.Filename == "" {
			return mailer.Validationf("attachment %d has no filename", i)
		}
	}

	parts := textParts(msg)

	if len(msg.Attachments) == 0 {
		if len(parts) == 1 {
			h.SetContentType(parts[0].contentType, map[string]string{"charset": "utf-8"})
			h.Set("Content-Transfer-Encoding", "quoted-printable")
			pw, err := mail.CreateSingleInlineWriter(w, h)
			if err != nil {
				return err
			}
			return writeAll(pw, parts[0].body)
		}

		iw, err := mail.CreateInlineWriter(w, h)
		if err != nil {
			return err
		}
		if err := writeInline(iw, parts); err != nil {
			return err
		}
		return iw.Close()
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return err
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return err
	}
	if err := writeInline(iw, parts); err != nil {
		return err
	}
	if err := iw.Close(); err != nil {
		return err
	}

	for _, a := range msg.Attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(attachmentType(a))
		ah.SetFilename(a.Filename)

		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return err
		}
		if err := writeAll(aw, a.Content); err != nil {
			return err
		}
	}
	return mw.Close()
}

type textPart struct {
	contentType string
	body        []byte
}

func textParts(msg mailer.OutboundMessage) []textPart {
	var parts []textPart
	if msg.Text != "" || msg.HTML == "" {
		parts = append(parts, textPart{"text/plain", []byte(msg.Text)})
	}
	if msg.HTML != "" {
		parts = append(parts, textPart{"text/html", []byte(msg.HTML)})
	}
	return parts
}

func writeInline(iw *mail.InlineWriter, parts []textPart) error {
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		ph.Set("Content-Transfer-Encoding", "quoted-printable")

		pw, err := iw.CreatePart(ph)
		if err != nil {
			return err
		}
		if err := writeAll(pw, p.body); err != nil {
			return err
		}
	}
	return nil
}

func writeAll(w io.WriteCloser, data []byte) error {
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func attachmentType(a mailer.OutboundAttachment) (string, map[string]string) {
	t := a.ContentType
	if t == "" {
		t = mime.TypeByExtension(filepath.Ext(a.Filename))
	}
	if mediaType, params, err := mime.ParseMediaType(t); err == nil {
		return mediaType, params
	}
	return "application/octet-stream", nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}

// CheckSize enforces the account's local message size limit. Zero means
// no limit.
func CheckSize(raw []byte, maxSize int64) error {
	if maxSize > 0 && int64(len(raw)) > maxSize {
		return mailer.CapacityExceeded(mailer.ReasonMessageTooLarge, false,
			"message is %s, the account allows at most %s",
			units.HumanSize(float64(len(raw))), units.HumanSize(float64(maxSize)))
	}
	return nil
}
