package smtpops

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valimikayilov/mcp-email-server/internal/app/connmgr"
	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
	"github.com/valimikayilov/mcp-email-server/internal/pkg/mailtest"
)

var sender = mailer.Address{Name: "Jürgen Example", Address: mailtest.Username}

func TestValidateRecipients(t *testing.T) {
	tests := []struct {
		name    string
		msg     mailer.OutboundMessage
		want    []string
		wantErr bool
	}{
		{"none", mailer.OutboundMessage{}, nil, true},
		{"bad address", mailer.OutboundMessage{To: []string{"not an address"}}, nil, true},
		{
			"all lists in order",
			mailer.OutboundMessage{To: []string{"Bob <bob@example.org>"}, Cc: []string{"carol@example.org"}, Bcc: []string{"dave@example.org"}},
			[]string{"bob@example.org", "carol@example.org", "dave@example.org"},
			false,
		},
		{
			"duplicates once",
			mailer.OutboundMessage{To: []string{"bob@example.org"}, Cc: []string{"BOB@example.org"}},
			[]string{"bob@example.org"},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateRecipients(tt.msg)
			if tt.wantErr {
				assert.Equal(t, mailer.KindValidation, mailer.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func readMessage(t *testing.T, raw []byte) (*mail.Reader, []string) {
	t.Helper()

	r, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	var types []string
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		var ct string
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			ct, _, _ = h.ContentType()
		}
		types = append(types, ct)
	}
	return r, types
}

func TestComposeSinglePart(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	raw, id, err := Compose(sender, mailer.OutboundMessage{
		To:        []string{"bob@example.org"},
		Bcc:       []string{"secret@example.org"},
		Subject:   "Grüße",
		Text:      "hello bob",
		InReplyTo: "<parent@example.org>",
	}, now)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(id, "<") && strings.HasSuffix(id, "@example.org>"), id)
	assert.NotContains(t, string(raw), "secret@example.org")

	r, types := readMessage(t, raw)
	assert.Equal(t, []string{"text/plain"}, types)

	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Grüße", subject)

	from, err := r.Header.AddressList("From")
	require.NoError(t, err)
	assert.Equal(t, sender.Name, from[0].Name)

	date, err := r.Header.Date()
	require.NoError(t, err)
	assert.True(t, now.Equal(date))

	replyTo, err := r.Header.MsgIDList("In-Reply-To")
	require.NoError(t, err)
	assert.Equal(t, []string{"parent@example.org"}, replyTo)
}

func TestComposeAlternativeAndAttachments(t *testing.T) {
	raw, _, err := Compose(sender, mailer.OutboundMessage{
		To:      []string{"bob@example.org"},
		Subject: "report",
		Text:    "see attached",
		HTML:    "<p>see attached</p>",
		Attachments: []mailer.OutboundAttachment{
			{Filename: "report.csv", Content: []byte("a,b\n1,2\n")},
			{Filename: "blob", Content: []byte{0, 1, 2}},
		},
	}, time.Now())
	require.NoError(t, err)

	_, types := readMessage(t, raw)
	assert.Equal(t, []string{"text/plain", "text/html", "text/csv", "application/octet-stream"}, types)

	_, _, err = Compose(sender, mailer.OutboundMessage{
		To:          []string{"bob@example.org"},
		Attachments: []mailer.OutboundAttachment{{Content: []byte("x")}},
	}, time.Now())
	assert.Equal(t, mailer.KindValidation, mailer.KindOf(err))
}

func TestCheckSize(t *testing.T) {
	assert.NoError(t, CheckSize(make([]byte, 10), 0))
	assert.NoError(t, CheckSize(make([]byte, 10), 10))

	e := mailer.AsError(CheckSize(make([]byte, 11), 10))
	assert.Equal(t, mailer.KindCapacityExceeded, e.Kind)
	assert.Equal(t, mailer.ReasonMessageTooLarge, e.Reason)
}

func smtpSession(t *testing.T, srv *mailtest.SMTPServer) *connmgr.SMTPSession {
	t.Helper()

	m := connmgr.New(connmgr.Settings{
		ConnectTimeout: 2 * time.Second,
		AuthTimeout:    2 * time.Second,
		CommandTimeout: 2 * time.Second,
	}, nil)
	t.Cleanup(m.Close)

	sess, err := m.AcquireSMTP(context.Background(), mailer.Account{
		Name:         "test",
		EmailAddress: mailtest.Username,
		SMTP: &mailer.Endpoint{
			Host:     srv.Host,
			Port:     srv.Port,
			Security: mailer.SecurityNone,
			Username: mailtest.Username,
			Password: mailtest.Password,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	return sess
}

func TestSubmit(t *testing.T) {
	srv := mailtest.StartSMTP(t, mailtest.SMTPOptions{})
	sess := smtpSession(t, srv)

	raw, _, err := Compose(sender, mailer.OutboundMessage{To: []string{"bob@example.org"}, Subject: "hi", Text: "hello"}, time.Now())
	require.NoError(t, err)

	require.NoError(t, Submit(context.Background(), sess, sender.Address, []string{"bob@example.org", "carol@example.org"}, raw))

	got := srv.Received()
	require.Len(t, got, 1)
	assert.Equal(t, sender.Address, got[0].From)
	assert.Equal(t, []string{"bob@example.org", "carol@example.org"}, got[0].To)
	assert.Contains(t, string(got[0].Data), "Subject: hi")
}

func TestSubmitRejectedRecipients(t *testing.T) {
	srv := mailtest.StartSMTP(t, mailtest.SMTPOptions{Reject: map[string]*smtp.SMTPError{
		"nobody@example.org": {Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"},
		"busy@example.org":   {Code: 450, EnhancedCode: smtp.EnhancedCode{4, 2, 1}, Message: "try later"},
	}})
	sess := smtpSession(t, srv)

	err := Submit(context.Background(), sess, sender.Address,
		[]string{"bob@example.org", "nobody@example.org", "busy@example.org"}, []byte("Subject: x\r\n\r\nx\r\n"))

	e := mailer.AsError(err)
	require.Equal(t, mailer.KindRejected, e.Kind)
	require.Len(t, e.Recipients, 2)
	assert.Equal(t, "nobody@example.org", e.Recipients[0].Address)
	assert.Equal(t, 550, e.Recipients[0].Code)
	assert.Equal(t, "5.1.1", e.Recipients[0].EnhancedCode)
	assert.False(t, e.Recipients[0].Temporary)
	assert.True(t, e.Recipients[1].Temporary)
	assert.True(t, e.Retryable)
	assert.Empty(t, srv.Received(), "nothing is sent when a recipient is refused")

	// The session was reset and is still usable.
	require.NoError(t, Submit(context.Background(), sess, sender.Address, []string{"bob@example.org"}, []byte("Subject: y\r\n\r\ny\r\n")))
	assert.Len(t, srv.Received(), 1)
}

func TestSubmitServerSizeLimit(t *testing.T) {
	srv := mailtest.StartSMTP(t, mailtest.SMTPOptions{MaxMessageBytes: 64})
	sess := smtpSession(t, srv)

	err := Submit(context.Background(), sess, sender.Address, []string{"bob@example.org"}, bytes.Repeat([]byte("x"), 100))
	e := mailer.AsError(err)
	assert.Equal(t, mailer.KindCapacityExceeded, e.Kind)
	assert.Equal(t, mailer.ReasonMessageTooLarge, e.Reason)
	assert.Empty(t, srv.Received())
}

func TestSubmitConnectionLost(t *testing.T) {
	srv := mailtest.StartSMTP(t, mailtest.SMTPOptions{})
	sess := smtpSession(t, srv)
	_ = sess.Client().Close()

	err := Submit(context.Background(), sess, sender.Address, []string{"bob@example.org"}, []byte("x"))
	assert.Equal(t, mailer.KindTransportFailure, mailer.KindOf(err))
}
