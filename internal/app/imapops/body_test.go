package imapops

import (
	"context"
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
	"github.com/valimikayilov/mcp-email-server/internal/pkg/mailtest"
)

func TestFetchNilBody(t *testing.T) {
	host, port := mailtest.StartScripted(t, map[string][]string{
		"EXAMINE":    {"* 1 EXISTS", "* OK [UIDVALIDITY 7] uids valid"},
		"UID SEARCH": {"* SEARCH 5"},
		"UID FETCH":  {`* 1 FETCH (UID 5 FLAGS (\Seen) RFC822.SIZE 120 BODY[] NIL)`},
	})
	acct := mailer.Account{
		Name: "scripted",
		IMAP: &mailer.Endpoint{
			Host:     host,
			Port:     port,
			Security: mailer.SecurityNone,
			Username: mailtest.Username,
			Password: mailtest.Password,
		},
	}

	m := newManager(t)
	ctx := context.Background()
	sess, err := m.AcquireIMAP(ctx, acct)
	require.NoError(t, err)
	defer m.Release(sess, nil)

	msg, err := FetchMessage(ctx, sess, mailer.MessageRef{Folder: "INBOX", UID: 5})
	require.NoError(t, err)

	assert.Equal(t, uint32(5), msg.UID)
	assert.Equal(t, uint32(7), msg.UIDValidity)
	assert.Equal(t, []string{"seen"}, msg.Flags)
	assert.True(t, msg.Degraded)
	assert.Contains(t, msg.DegradedReasons, "server returned no body")
	assert.Empty(t, msg.Text)
	assert.Empty(t, msg.Attachments)
}

// repeatReader yields line n times without holding the whole stream.
type repeatReader struct {
	line []byte
	left int
	off  int
}

func (r *repeatReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) && r.left > 0 {
		c := copy(p[n:], r.line[r.off:])
		n += c
		r.off += c
		if r.off == len(r.line) {
			r.off = 0
			r.left--
		}
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func bigAttachmentMessage(lines int) io.Reader {
	head := "Subject: big\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=b\r\n" +
		"\r\n" +
		"--b\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--b\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Disposition: attachment; filename=big.bin\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n"
	// 76 base64 characters decode to 57 bytes.
	body := &repeatReader{line: []byte(strings.Repeat("A", 76) + "\r\n"), left: lines}
	return io.MultiReader(strings.NewReader(head), body, strings.NewReader("--b--\r\n"))
}

func TestDecodeStreamsAttachments(t *testing.T) {
	const lines = 300_000
	msg := &mailer.Message{}
	src := bigAttachmentMessage(lines)

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	require.NoError(t, newBodyDecoder(msg).decode(src))
	runtime.ReadMemStats(&after)

	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, int64(lines*57), msg.Attachments[0].Size)
	assert.Equal(t, "big.bin", msg.Attachments[0].Filename)
	assert.Contains(t, msg.Text, "see attached")
	assert.False(t, msg.Degraded)

	// The attachment decodes to about 17MB; only streaming buffers may be allocated.
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(4<<20))
}

var errConnReset = errors.New("connection reset by peer")

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errConnReset }

func TestDecodeReportsReadErrors(t *testing.T) {
	for name, head := range map[string]string{
		"in header": "Subject: cut\r\nFrom: a@exa",
		"in body":   "Subject: cut\r\nContent-Type: text/plain\r\n\r\nhalf a sent",
	} {
		t.Run(name, func(t *testing.T) {
			err := newBodyDecoder(&mailer.Message{}).decode(io.MultiReader(strings.NewReader(head), failingReader{}))
			assert.ErrorIs(t, err, errConnReset)
		})
	}
}

func TestDecodeInvalidHeaderKeepsBody(t *testing.T) {
	msg := &mailer.Message{}
	raw := "this line is no header\r\n\r\nbody text survives\r\n"

	require.NoError(t, newBodyDecoder(msg).decode(strings.NewReader(raw)))
	assert.True(t, msg.Degraded)
	assert.Contains(t, msg.Text, "body text survives")
}

func TestPrefixBuffer(t *testing.T) {
	b := &prefixBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd", b.String())

	b.stop()
	_, _ = b.Write([]byte("gh"))
	assert.Zero(t, b.Len())
}

func TestLocalTextMatchesEveryAddress(t *testing.T) {
	env := &imap.Envelope{
		Subject: "plans",
		From:    []imap.Address{{Mailbox: "alice", Host: "example.org"}},
		Bcc:     []imap.Address{{Name: "Zoë", Mailbox: "zoe", Host: "example.org"}},
	}

	for _, field := range []string{"to", "text"} {
		preds := []predicate{{field: field, value: "zoë"}}
		ok, pending := matchHeaders(env, preds)
		if pending {
			ok = matchBody(env, "", preds)
		}
		assert.True(t, ok, field)
	}
}
