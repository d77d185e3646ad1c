package imapops

import (
	"context"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
)

var summaryFetchOptions = &imap.FetchOptions{
	Envelope:     true,
	Flags:        true,
	InternalDate: true,
	RFC822Size:   true,
	UID:          true,
}

type fetchedMessage struct {
	uid          imap.UID
	flags        []imap.Flag
	envelope     *imap.Envelope
	internalDate time.Time
	size         int64
}

// collect consumes the metadata items of one FETCH response. Body sections
// are handed to onBody while the literal is still readable.
func (m *fetchedMessage) collect(data *imapclient.FetchMessageData, onBody func(imap.LiteralReader) error) error {
	for {
		item := data.Next()
		if item == nil {
			return nil
		}

		switch item := item.(type) {
		case imapclient.FetchItemDataUID:
			m.uid = item.UID
		case imapclient.FetchItemDataFlags:
			m.flags = item.Flags
		case imapclient.FetchItemDataEnvelope:
			m.envelope = item.Envelope
		case imapclient.FetchItemDataInternalDate:
			m.internalDate = item.Time
		case imapclient.FetchItemDataRFC822Size:
			m.size = item.Size
		case imapclient.FetchItemDataBodySection:
			if onBody == nil {
				continue
			}
			if err := onBody(item.Literal); err != nil {
				return err
			}
		}
	}
}

// fetchSummaries fetches header-level data for uids, keyed by UID.
func fetchSummaries(ctx context.Context, sess Session, folder string, validity uint32, uids []imap.UID) (map[imap.UID]mailer.MessageSummary, error) {
	out := make(map[imap.UID]mailer.MessageSummary, len(uids))
	if len(uids) == 0 {
		return out, nil
	}

	err := sess.Do(ctx, func(c *imapclient.Client) error {
		cmd := c.Fetch(imap.UIDSetNum(uids...), summaryFetchOptions)
		defer func() {
			_ = cmd.Close()
		}()

		for {
			data := cmd.Next()
			if data == nil {
				break
			}

			var m fetchedMessage
			if err := m.collect(data, nil); err != nil {
				return err
			}
			if m.uid != 0 {
				out[m.uid] = summaryFrom(folder, validity, &m)
			}
		}
		return cmd.Close()
	})
	if err != nil {
		return nil, commandError(err, "fetch summaries from %q", folder)
	}
	return out, nil
}

// FetchMessage fetches and decodes one message. The body is read with
// BODY.PEEK so the message is not marked seen.
func FetchMessage(ctx context.Context, sess Session, ref mailer.MessageRef) (*mailer.Message, error) {
	msg, _, err := fetchBody(ctx, sess, ref, -1, 0)
	return msg, err
}

// FetchAttachment fetches the message and keeps the content of the
// attachment at index. Attachments larger than maxSize fail with
// CapacityExceeded.
func FetchAttachment(ctx context.Context, sess Session, ref mailer.MessageRef, index int, maxSize int64) (*mailer.AttachmentContent, error) {
	if index < 0 {
		return nil, mailer.Validationf("attachment index must not be negative")
	}

	msg, content, err := fetchBody(ctx, sess, ref, index, maxSize)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, mailer.Validationf("message %d has %d attachments, index %d does not exist",
			msg.UID, len(msg.Attachments), index)
	}
	return content, nil
}

func fetchBody(ctx context.Context, sess Session, ref mailer.MessageRef, want int, maxSize int64) (*mailer.Message, *mailer.AttachmentContent, error) {
	data, err := openRef(ctx, sess, ref, true)
	if err != nil {
		return nil, nil, err
	}

	msg := &mailer.Message{}
	dec := newBodyDecoder(msg)
	dec.want, dec.maxSize = want, maxSize

	var (
		fetched fetchedMessage
		found   bool
		decErr  error
	)
	err = sess.Do(ctx, func(c *imapclient.Client) error {
		cmd := c.Fetch(uidSet(ref.UID), &imap.FetchOptions{
			Envelope:     true,
			Flags:        true,
			InternalDate: true,
			RFC822Size:   true,
			UID:          true,
			BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
		})
		defer func() {
			_ = cmd.Close()
		}()

		for {
			resp := cmd.Next()
			if resp == nil {
				break
			}

			var m fetchedMessage
			err := m.collect(resp, func(r imap.LiteralReader) error {
				decErr = dec.decode(r)
				return nil
			})
			if err != nil {
				return err
			}
			if m.uid == imap.UID(ref.UID) {
				fetched, found = m, true
			}
		}
		return cmd.Close()
	})
	if err != nil {
		return nil, nil, commandError(err, "fetch message %d from %q", ref.UID, ref.Folder)
	}
	if !found {
		return nil, nil, notFound(ref.Folder, ref.UID)
	}
	if decErr != nil {
		return nil, nil, decErr
	}

	msg.MessageSummary = summaryFrom(ref.Folder, data.UIDValidity, &fetched)
	msg.BodyFetched = true
	if env := fetched.envelope; env != nil {
		msg.ReplyTo = addresses(env.ReplyTo)
		msg.Bcc = addresses(env.Bcc)
		msg.InReplyTo = env.InReplyTo
	}
	if msg.Attachments == nil {
		msg.Attachments = []mailer.AttachmentInfo{}
	}

	return msg, dec.attachment, nil
}

var flagAliases = map[string]imap.Flag{
	"seen":      imap.FlagSeen,
	"answered":  imap.FlagAnswered,
	"flagged":   imap.FlagFlagged,
	"deleted":   imap.FlagDeleted,
	"draft":     imap.FlagDraft,
	"forwarded": imap.FlagForwarded,
	"junk":      imap.FlagJunk,
}

// flagNames renders system flags by their short names and keeps keywords.
func flagNames(flags []imap.Flag) []string {
	names := make([]string, 0, len(flags))
	for _, f := range flags {
		name := string(f)
		for alias, flag := range flagAliases {
			if strings.EqualFold(string(flag), name) {
				name = alias
				break
			}
		}
		names = append(names, name)
	}
	return names
}

// parseFlag accepts a short name or a raw flag or keyword atom.
func parseFlag(name string) (imap.Flag, error) {
	name = strings.TrimSpace(name)
	if f, ok := flagAliases[strings.ToLower(name)]; ok {
		return f, nil
	}
	if name == "" || strings.ContainsAny(name, " (){%*\"]") {
		return "", mailer.Validationf("invalid flag %q", name)
	}
	if strings.HasPrefix(name, `\`) {
		for _, f := range flagAliases {
			if strings.EqualFold(string(f), name) {
				return f, nil
			}
		}
		if strings.EqualFold(name, `\Recent`) {
			return "", mailer.Validationf("flag %q cannot be changed", name)
		}
	}
	return imap.Flag(name), nil
}
