package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valimikayilov/mcp-email-server/internal/app/connmgr"
	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "accounts", "check"}, names)

	for _, flag := range []string{"config", "env-file", "log-format"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestPrintAccounts(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printAccounts(&out, []mailer.AccountSummary{
		{
			Name:          "work",
			EmailAddress:  "me@example.org",
			DefaultFolder: "INBOX",
			IMAP:          &mailer.EndpointSummary{Host: "imap.example.org", Port: 993},
		},
	}))

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[1]), "imap.example.org:993")
	assert.Contains(t, string(lines[1]), "-")
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, checkResult{text: "ok"}, outcome(nil, "ok"))

	res := outcome(mailer.AccountNotFound("nope"), "ok")
	assert.True(t, res.failed)
	assert.Contains(t, res.String(), string(mailer.KindAccountNotFound))
	assert.Contains(t, res.String(), `"nope"`)
}

func TestCheckSkipsIncompleteEndpoints(t *testing.T) {
	dials := 0
	m := connmgr.New(connmgr.Settings{
		Dialer: connmgr.DialerFunc(func(context.Context, string, string) (net.Conn, error) {
			dials++
			return nil, errors.New("no network in this test")
		}),
	}, nil)
	defer m.Close()

	acct := mailer.Account{Name: "half", SMTP: &mailer.Endpoint{Host: "smtp.example.org"}}
	imapRes, smtpRes := checkAccount(context.Background(), m, func(string) (mailer.Account, error) {
		return acct, nil
	}, "half")

	assert.Equal(t, "-", imapRes.String())
	assert.Equal(t, "-", smtpRes.String())
	assert.Zero(t, dials)
}

func TestLoadMissingConfig(t *testing.T) {
	t.Setenv("MCP_EMAIL_SERVER_EMAIL_ADDRESS", "")
	opts := &options{configPath: t.TempDir() + "/absent.yaml"}

	_, err := opts.load()
	assert.Error(t, err)
}
