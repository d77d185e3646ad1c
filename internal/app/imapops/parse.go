package imapops

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	"jaytaylor.com/html2text"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
)

var htmlPolicy = newHTMLPolicy()

// newHTMLPolicy keeps the formatting mail clients rely on and drops scripts
// and forms.
func newHTMLPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowElements("p", "br", "hr", "span", "div", "blockquote", "pre", "code")
	p.AllowElements("b", "strong", "i", "em", "u", "s", "strike", "sub", "sup")
	p.AllowElements("h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li", "dl", "dt", "dd")

	p.AllowElements("table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption")
	p.AllowAttrs("colspan", "rowspan", "align", "valign").OnElements("td", "th")

	p.AllowAttrs("href", "title").OnElements("a")
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.AllowURLSchemes("http", "https", "mailto", "cid", "data")

	p.AllowAttrs("src", "alt", "width", "height").OnElements("img")

	return p
}

// bodyDecoder walks one MIME tree. Text parts become the message body,
// everything else is listed as an attachment. Attachment content is only
// kept for the part at index want.
type bodyDecoder struct {
	msg     *mailer.Message
	want    int
	maxSize int64

	plain, html strings.Builder
	attachment  *mailer.AttachmentContent
	index       int
}

func newBodyDecoder(msg *mailer.Message) *bodyDecoder {
	return &bodyDecoder{msg: msg, want: -1}
}

// rawPrefixLimit bounds how much of an unparseable message is kept as its
// plain text body.
const rawPrefixLimit = 1 << 20

// decode streams r through the MIME reader. Undecodable parts degrade the
// message rather than fail it; only a read error from the connection is
// returned. A nil r is a NIL body literal.
func (d *bodyDecoder) decode(r io.Reader) error {
	if r == nil {
		d.msg.Degrade("server returned no body")
		d.finish()
		return nil
	}

	src := &trackedReader{r: r}
	prefix := &prefixBuffer{limit: rawPrefixLimit}
	mr, err := mail.CreateReader(io.TeeReader(src, prefix))
	switch {
	case err == nil:
		prefix.stop()
	case mr != nil && isUnknown(err):
		prefix.stop()
		d.msg.Degrade(fmt.Sprintf("message body: %v", err))
	default:
		drain(io.TeeReader(src, prefix))
		if src.err != nil {
			return fmt.Errorf("read message body: %w", src.err)
		}
		d.msg.Degrade(fmt.Sprintf("message is not valid MIME, raw body kept: %v", err))
		d.plain.WriteString(rawBody(prefix.Bytes()))
		d.finish()
		return nil
	}
	defer func() {
		_ = mr.Close()
	}()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if src.err != nil {
			return fmt.Errorf("read message body: %w", src.err)
		}
		if err != nil {
			if isUnknown(err) {
				d.msg.Degrade(fmt.Sprintf("part skipped: %v", err))
				continue
			}
			d.msg.Degrade(fmt.Sprintf("malformed MIME structure: %v", err))
			break
		}

		if err := d.part(part); err != nil {
			return err
		}
		if src.err != nil {
			return fmt.Errorf("read message body: %w", src.err)
		}
	}

	d.finish()
	return nil
}

// trackedReader remembers the first read error other than EOF so connection
// failures are not mistaken for malformed MIME.
type trackedReader struct {
	r   io.Reader
	err error
}

func (t *trackedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}

// prefixBuffer keeps the first limit bytes written to it until stopped.
type prefixBuffer struct {
	bytes.Buffer
	limit   int
	stopped bool
}

func (b *prefixBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); !b.stopped && room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}

// stop drops what was kept and ignores further writes.
func (b *prefixBuffer) stop() {
	b.stopped = true
	b.Reset()
}

func (d *bodyDecoder) part(p *mail.Part) error {
	switch h := p.Header.(type) {
	case *mail.InlineHeader:
		mediaType, _, err := h.ContentType()
		if err != nil {
			mediaType = "text/plain"
		}

		switch mediaType {
		case "text/plain", "text/html":
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(p.Body); err != nil {
				d.msg.Degrade(fmt.Sprintf("%s part truncated: %v", mediaType, err))
			}
			target := &d.plain
			if mediaType == "text/html" {
				target = &d.html
			}
			if target.Len() > 0 {
				target.WriteString("\n")
			}
			target.Write(buf.Bytes())
			return nil
		}

		_, params, _ := h.ContentType()
		name := params["name"]
		if _, dparams, err := h.ContentDisposition(); err == nil && dparams["filename"] != "" {
			name = dparams["filename"]
		}
		return d.attach(p.Body, name, mediaType, true)

	case *mail.AttachmentHeader:
		filename, err := h.Filename()
		if err != nil {
			d.msg.Degrade(fmt.Sprintf("attachment %d filename: %v", d.index, err))
		}
		mediaType, _, err := h.ContentType()
		if err != nil {
			mediaType = "application/octet-stream"
		}
		return d.attach(p.Body, filename, mediaType, false)
	}

	return nil
}

func (d *bodyDecoder) attach(body io.Reader, filename, mediaType string, inline bool) error {
	info := mailer.AttachmentInfo{
		Index:       d.index,
		Filename:    filename,
		ContentType: mediaType,
		Inline:      inline,
	}
	d.index++

	if info.Index != d.want {
		n, err := io.Copy(io.Discard, body)
		info.Size = n
		if err != nil {
			d.msg.Degrade(fmt.Sprintf("attachment %d truncated: %v", info.Index, err))
		}
		d.msg.Attachments = append(d.msg.Attachments, info)
		return nil
	}

	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(body, d.maxSize+1))
	if err != nil {
		d.msg.Degrade(fmt.Sprintf("attachment %d truncated: %v", info.Index, err))
	}
	if n > d.maxSize {
		n += drain(body)
		return mailer.CapacityExceeded(mailer.ReasonMessageTooLarge, false,
			"attachment %d is %d bytes, the limit is %d", info.Index, n, d.maxSize)
	}

	info.Size = n
	d.msg.Attachments = append(d.msg.Attachments, info)
	d.attachment = &mailer.AttachmentContent{AttachmentInfo: info, Content: buf.Bytes()}
	return nil
}

// finish sets Text and HTML. Without a plain part the text is rendered from
// the HTML one.
func (d *bodyDecoder) finish() {
	d.msg.Text = d.plain.String()
	if d.html.Len() == 0 {
		return
	}

	raw := d.html.String()
	d.msg.HTML = htmlPolicy.Sanitize(raw)
	if d.msg.Text != "" {
		return
	}

	text, err := html2text.FromString(raw, html2text.Options{TextOnly: true})
	if err != nil {
		d.msg.Degrade(fmt.Sprintf("html to text: %v", err))
		return
	}
	d.msg.Text = text
}

func isUnknown(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func drain(r io.Reader) int64 {
	n, _ := io.Copy(io.Discard, r)
	return n
}

// rawBody returns what follows the header block of an unparseable message.
func rawBody(raw []byte) string {
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if i := bytes.Index(raw, []byte(sep)); i >= 0 {
			return string(raw[i+len(sep):])
		}
	}
	return string(raw)
}

// summaryFrom fills the header-level fields from a fetched envelope.
func summaryFrom(folder string, validity uint32, buf *fetchedMessage) mailer.MessageSummary {
	s := mailer.MessageSummary{
		UID:         uint32(buf.uid),
		Folder:      folder,
		UIDValidity: validity,
		Date:        buf.internalDate,
		Flags:       flagNames(buf.flags),
		Size:        buf.size,
	}

	if env := buf.envelope; env != nil {
		s.MessageID = env.MessageID
		s.Subject = env.Subject
		s.From = addresses(env.From)
		s.To = addresses(env.To)
		s.Cc = addresses(env.Cc)
		if !env.Date.IsZero() {
			s.Date = env.Date
		}
	}
	if s.Flags == nil {
		s.Flags = []string{}
	}
	return s
}

func addresses(list []imap.Address) []mailer.Address {
	if len(list) == 0 {
		return nil
	}

	out := make([]mailer.Address, 0, len(list))
	for i := range list {
		a := &list[i]
		if a.IsGroupStart() || a.IsGroupEnd() {
			continue
		}
		out = append(out, mailer.Address{Name: a.Name, Address: a.Addr()})
	}
	return out
}
