package gateway

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valimikayilov/mcp-email-server/internal/app/connmgr"
	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
	"github.com/valimikayilov/mcp-email-server/internal/app/registry"
	"github.com/valimikayilov/mcp-email-server/internal/pkg/mailtest"
)

type fixture struct {
	gw    *Gateway
	imap  *mailtest.IMAPServer
	smtp  *mailtest.SMTPServer
	dials *atomic.Int32
}

func endpoint(host string, port int) *mailer.Endpoint {
	return &mailer.Endpoint{
		Host:     host,
		Port:     port,
		Security: mailer.SecurityNone,
		Username: mailtest.Username,
		Password: mailtest.Password,
	}
}

func newFixture(t *testing.T, edit func(*mailer.Account)) *fixture {
	t.Helper()

	f := &fixture{dials: &atomic.Int32{}}
	f.imap = mailtest.StartIMAP(t, mailtest.IMAPOptions{Mailboxes: []string{"Sent", "Archive"}})
	f.smtp = mailtest.StartSMTP(t, mailtest.SMTPOptions{Inbox: f.imap})

	acct := mailer.Account{
		Name:         "work",
		FullName:     "Work Person",
		EmailAddress: mailtest.Username,
		IMAP:         endpoint(f.imap.Host, f.imap.Port),
		SMTP:         endpoint(f.smtp.Host, f.smtp.Port),
	}
	if edit != nil {
		edit(&acct)
	}

	reg, err := registry.New([]mailer.Account{acct, {Name: "receive-only", IMAP: endpoint(f.imap.Host, f.imap.Port)}}, nil)
	require.NoError(t, err)

	var d net.Dialer
	m := connmgr.New(connmgr.Settings{
		ConnectTimeout:        2 * time.Second,
		AuthTimeout:           2 * time.Second,
		CommandTimeout:        5 * time.Second,
		MaxSessionsPerAccount: 2,
		Dialer: connmgr.DialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
			f.dials.Add(1)
			return d.DialContext(ctx, network, address)
		}),
	}, nil)
	t.Cleanup(m.Close)

	f.gw = New(reg, m, Settings{MaxLimit: 50, LocalFilterLimit: 100, MaxAttachmentSize: 1 << 20}, nil)
	return f
}

func TestListAccountsHasNoSecrets(t *testing.T) {
	f := newFixture(t, nil)

	accounts := f.gw.ListAccounts(context.Background())
	require.Len(t, accounts, 2)
	assert.Equal(t, "work", accounts[0].Name)
	assert.True(t, accounts[0].CanSend)
	assert.False(t, accounts[1].CanSend)
	assert.Equal(t, "INBOX", accounts[0].DefaultFolder)

	data, err := json.Marshal(accounts)
	require.NoError(t, err)
	assert.NotContains(t, string(data), mailtest.Password)
	assert.NotContains(t, string(data), "username")
	assert.Zero(t, f.dials.Load())
}

func TestUnknownAccountNeverDials(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ref := mailer.MessageRef{UID: 1}

	errs := []error{
		func() error { _, err := f.gw.ListFolders(ctx, "nope"); return err }(),
		func() error { _, err := f.gw.SearchMessages(ctx, "nope", mailer.SearchCriteria{}); return err }(),
		func() error { _, err := f.gw.GetMessage(ctx, "nope", ref); return err }(),
		func() error { _, err := f.gw.GetAttachment(ctx, "nope", ref, 0); return err }(),
		func() error {
			_, err := f.gw.SendMessage(ctx, "nope", mailer.OutboundMessage{To: []string{"a@example.org"}})
			return err
		}(),
		f.gw.UpdateFlags(ctx, "nope", ref, mailer.FlagChanges{Add: []string{"seen"}}),
		f.gw.MoveMessage(ctx, "nope", ref, "Archive"),
		f.gw.DeleteMessage(ctx, "nope", ref),
	}
	for _, err := range errs {
		assert.Equal(t, mailer.KindAccountNotFound, mailer.KindOf(err), err)
	}
	assert.Zero(t, f.dials.Load())
}

func TestValidationBeforeDialing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	yesterday := time.Now().Add(-24 * time.Hour)

	_, err := f.gw.SendMessage(ctx, "work", mailer.OutboundMessage{Subject: "no one"})
	assert.Equal(t, mailer.KindValidation, mailer.KindOf(err), "zero recipients")

	_, err = f.gw.SendMessage(ctx, "receive-only", mailer.OutboundMessage{To: []string{"a@example.org"}})
	assert.Equal(t, mailer.KindValidation, mailer.KindOf(err), "no smtp endpoint")

	for _, sc := range []mailer.SearchCriteria{
		{Offset: -1},
		{Limit: -1},
		{Since: time.Now(), Before: yesterday},
		{Order: "sideways"},
	} {
		_, err = f.gw.SearchMessages(ctx, "work", sc)
		assert.Equal(t, mailer.KindValidation, mailer.KindOf(err), sc)
	}

	_, err = f.gw.GetMessage(ctx, "work", mailer.MessageRef{})
	assert.Equal(t, mailer.KindValidation, mailer.KindOf(err))

	err = f.gw.MoveMessage(ctx, "work", mailer.MessageRef{UID: 1}, "INBOX")
	assert.Equal(t, mailer.KindValidation, mailer.KindOf(err))

	err = f.gw.UpdateFlags(ctx, "work", mailer.MessageRef{UID: 1}, mailer.FlagChanges{})
	assert.Equal(t, mailer.KindValidation, mailer.KindOf(err))

	assert.Zero(t, f.dials.Load())
}

func TestSearchNormalization(t *testing.T) {
	f := newFixture(t, func(a *mailer.Account) { a.DefaultFolder = "Archive" })
	for i := 0; i < 5; i++ {
		f.imap.Deliver(t, "Archive", []byte("Subject: archived\r\n\r\nbody\r\n"))
	}
	ctx := context.Background()

	res, err := f.gw.SearchMessages(ctx, "work", mailer.SearchCriteria{Limit: 2, Page: 3})
	require.NoError(t, err)
	assert.Equal(t, "Archive", res.Folder)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 4, res.Offset)
	assert.Len(t, res.Messages, 1)

	res, err = f.gw.SearchMessages(ctx, "work", mailer.SearchCriteria{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 50, res.Limit)
	assert.Len(t, res.Messages, 5)

	res, err = f.gw.SearchMessages(ctx, "work", mailer.SearchCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Empty(t, res.Messages)
}

func TestSendRoundTrip(t *testing.T) {
	f := newFixture(t, func(a *mailer.Account) { a.SaveSent = true })
	ctx := context.Background()

	result, err := f.gw.SendMessage(ctx, "work", mailer.OutboundMessage{
		To:      []string{mailtest.Username},
		Bcc:     []string{"hidden@example.org"},
		Subject: "round trip",
		Text:    "this goes out and comes back",
	})
	require.NoError(t, err)
	assert.Equal(t, mailer.DeliveryAccepted, result.Status)
	assert.Equal(t, mailer.RelayNote, result.Note)
	assert.Equal(t, []string{mailtest.Username, "hidden@example.org"}, result.Recipients)
	assert.Equal(t, "Sent", result.SavedTo)
	assert.Empty(t, result.SaveError)

	res, err := f.gw.SearchMessages(ctx, "work", mailer.SearchCriteria{Subject: "round trip", Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	summary := res.Messages[0]
	assert.Equal(t, result.MessageID, "<"+summary.MessageID+">")
	assert.Equal(t, "Work Person", summary.From[0].Name)

	msg, err := f.gw.GetMessage(ctx, "work", summary.Ref())
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "this goes out and comes back")
	assert.Empty(t, msg.Bcc)

	sent, err := f.gw.SearchMessages(ctx, "work", mailer.SearchCriteria{Folder: "Sent", Limit: 10})
	require.NoError(t, err)
	require.Len(t, sent.Messages, 1)
	assert.Contains(t, sent.Messages[0].Flags, "seen")
}

func TestSendRateLimited(t *testing.T) {
	f := newFixture(t, func(a *mailer.Account) { a.SendRatePerMinute = 1 })
	ctx := context.Background()
	msg := mailer.OutboundMessage{To: []string{"bob@example.org"}, Subject: "hi", Text: "x"}

	_, err := f.gw.SendMessage(ctx, "work", msg)
	require.NoError(t, err)

	_, err = f.gw.SendMessage(ctx, "work", msg)
	e := mailer.AsError(err)
	assert.Equal(t, mailer.KindCapacityExceeded, e.Kind)
	assert.Equal(t, mailer.ReasonRateLimited, e.Reason)
	assert.True(t, e.Retryable)
	assert.Len(t, f.smtp.Received(), 1)

	assert.Equal(t, 1, f.gw.Forget(map[string]struct{}{}))
	_, err = f.gw.SendMessage(ctx, "work", msg)
	assert.NoError(t, err)
}

func TestSendTooLargeBeforeDialing(t *testing.T) {
	f := newFixture(t, func(a *mailer.Account) { a.MaxMessageSize = 128 })

	_, err := f.gw.SendMessage(context.Background(), "work", mailer.OutboundMessage{
		To:   []string{"bob@example.org"},
		Text: strings.Repeat("long line ", 100),
	})
	assert.Equal(t, mailer.ReasonMessageTooLarge, mailer.AsError(err).Reason)
	assert.Zero(t, f.dials.Load())
}

func TestMessageLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	uid := f.imap.Deliver(t, "INBOX", []byte("Subject: lifecycle\r\n\r\nbody\r\n"))
	ctx := context.Background()
	ref := mailer.MessageRef{UID: uint32(uid)}

	require.NoError(t, f.gw.UpdateFlags(ctx, "work", ref, mailer.FlagChanges{Add: []string{"flagged"}}))
	require.NoError(t, f.gw.UpdateFlags(ctx, "work", ref, mailer.FlagChanges{Add: []string{"flagged"}}))

	yes := true
	res, err := f.gw.SearchMessages(ctx, "work", mailer.SearchCriteria{Flagged: &yes, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)

	require.NoError(t, f.gw.MoveMessage(ctx, "work", ref, "Archive"))
	assert.Zero(t, f.imap.Count(t, "INBOX"))

	res, err = f.gw.SearchMessages(ctx, "work", mailer.SearchCriteria{Folder: "Archive", Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)

	require.NoError(t, f.gw.DeleteMessage(ctx, "work", res.Messages[0].Ref()))
	assert.Zero(t, f.imap.Count(t, "Archive"))

	err = f.gw.DeleteMessage(ctx, "work", res.Messages[0].Ref())
	assert.Equal(t, mailer.ReasonMessageNotFound, mailer.AsError(err).Reason)
}

func TestListFoldersAndAttachment(t *testing.T) {
	f := newFixture(t, nil)
	raw := "Subject: files\r\n" +
		"Content-Type: multipart/mixed; boundary=b\r\n\r\n" +
		"--b\r\nContent-Type: text/plain\r\n\r\nsee file\r\n" +
		"--b\r\nContent-Type: text/plain\r\nContent-Disposition: attachment; filename=a.txt\r\n\r\nfile body\r\n" +
		"--b--\r\n"
	uid := f.imap.Deliver(t, "INBOX", []byte(raw), imap.FlagSeen)
	ctx := context.Background()

	folders, err := f.gw.ListFolders(ctx, "work")
	require.NoError(t, err)
	assert.Len(t, folders, 3)

	att, err := f.gw.GetAttachment(ctx, "work", mailer.MessageRef{UID: uint32(uid)}, 0)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", att.Filename)
	assert.Equal(t, "file body", strings.TrimSpace(string(att.Content)))
}
