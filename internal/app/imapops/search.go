package imapops

import (
	"context"
	"errors"
	"slices"
	"strings"
	"unicode"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
)

type SearchOptions struct {
	// LocalFilterLimit caps how many candidates are filtered on this side
	// when the server cannot evaluate a predicate. Zero disables the cap.
	LocalFilterLimit int
}

// predicate is one string condition of a search.
type predicate struct {
	field string // from, to, subject, body or text
	value string
}

func (p predicate) ascii() bool { return isASCII(p.value) }

func (p predicate) onBody() bool { return p.field == "body" || p.field == "text" }

func (p predicate) criteria() imap.SearchCriteria {
	header := func(key string) imap.SearchCriteria {
		return imap.SearchCriteria{Header: []imap.SearchCriteriaHeaderField{{Key: key, Value: p.value}}}
	}

	switch p.field {
	case "from":
		return header("From")
	case "subject":
		return header("Subject")
	case "to":
		return imap.SearchCriteria{Or: [][2]imap.SearchCriteria{{
			header("To"),
			{Or: [][2]imap.SearchCriteria{{header("Cc"), header("Bcc")}}},
		}}}
	case "body":
		return imap.SearchCriteria{Body: []string{p.value}}
	default:
		return imap.SearchCriteria{Text: []string{p.value}}
	}
}

func predicates(sc mailer.SearchCriteria) []predicate {
	// Header predicates come first so local filtering can drop candidates
	// before any body is downloaded.
	var out []predicate
	for _, p := range []predicate{
		{"from", sc.From}, {"to", sc.To}, {"subject", sc.Subject},
		{"body", sc.Body}, {"text", sc.Text},
	} {
		if p.value != "" {
			out = append(out, p)
		}
	}
	return out
}

func flagCondition(c *imap.SearchCriteria, want *bool, flag imap.Flag) {
	switch {
	case want == nil:
	case *want:
		c.Flag = append(c.Flag, flag)
	default:
		c.NotFlag = append(c.NotFlag, flag)
	}
}

// buildCriteria returns the server-side criteria with the predicates keep
// accepts. It is rebuilt from scratch on every call because
// SearchCriteria.And appends into its receiver.
func buildCriteria(sc mailer.SearchCriteria, query *imap.SearchCriteria, preds []predicate, keep func(predicate) bool) *imap.SearchCriteria {
	c := &imap.SearchCriteria{Since: sc.Since, Before: sc.Before}
	flagCondition(c, sc.Seen, imap.FlagSeen)
	flagCondition(c, sc.Flagged, imap.FlagFlagged)
	flagCondition(c, sc.Answered, imap.FlagAnswered)
	flagCondition(c, sc.Deleted, imap.FlagDeleted)

	for _, p := range preds {
		if keep(p) {
			pc := p.criteria()
			c.And(&pc)
		}
	}
	if query != nil {
		c.And(query)
	}
	return c
}

// Search finds messages in sc.Folder and returns one page of summaries
// ordered by UID. Total always counts every match.
func Search(ctx context.Context, sess Session, sc mailer.SearchCriteria, opts SearchOptions) (*mailer.SearchResult, error) {
	var query *imap.SearchCriteria
	if strings.TrimSpace(sc.Query) != "" {
		var err error
		if query, err = ParseFilter(sc.Query); err != nil {
			return nil, mailer.Validationf("query: %v", err)
		}
	}

	mbox, err := selectFolder(ctx, sess, sc.Folder, true, 0)
	if err != nil {
		return nil, err
	}

	result := &mailer.SearchResult{
		Folder:   sc.Folder,
		Offset:   sc.Offset,
		Limit:    sc.Limit,
		Messages: []mailer.MessageSummary{},
	}
	if mbox.NumMessages == 0 {
		return result, nil
	}

	preds := predicates(sc)
	all := func(predicate) bool { return true }

	if sc.Limit == 0 && sess.Caps().ESearch {
		count, err := searchCount(ctx, sess, buildCriteria(sc, query, preds, all))
		if err == nil {
			result.Total = int(count)
			return result, nil
		}
		if !isBadCharset(err) {
			return nil, commandError(err, "search %q", sc.Folder)
		}
	}

	uids, err := searchUIDs(ctx, sess, buildCriteria(sc, query, preds, all))
	var local []predicate
	if isBadCharset(err) {
		if query != nil && !isASCII(sc.Query) {
			return nil, commandError(err, "search %q with a non-ASCII query", sc.Folder)
		}
		for _, p := range preds {
			if !p.ascii() {
				local = append(local, p)
			}
		}
		if len(local) == 0 {
			return nil, commandError(err, "search %q", sc.Folder)
		}
		uids, err = searchUIDs(ctx, sess, buildCriteria(sc, query, preds, predicate.ascii))
	}
	if err != nil {
		return nil, commandError(err, "search %q", sc.Folder)
	}

	if len(local) > 0 {
		if opts.LocalFilterLimit > 0 && len(uids) > opts.LocalFilterLimit {
			return nil, mailer.CapacityExceeded(mailer.ReasonTooManyMatches, false,
				"%d candidates need local filtering, the limit is %d; narrow the search",
				len(uids), opts.LocalFilterLimit)
		}
		if uids, err = filterLocally(ctx, sess, sc.Folder, uids, local); err != nil {
			return nil, err
		}
	}

	slices.Sort(uids)
	if sc.Order != mailer.OrderAsc {
		slices.Reverse(uids)
	}

	result.Total = len(uids)
	if sc.Limit == 0 || sc.Offset >= len(uids) {
		return result, nil
	}

	page := uids[sc.Offset:min(sc.Offset+sc.Limit, len(uids))]
	summaries, err := fetchSummaries(ctx, sess, sc.Folder, mbox.UIDValidity, page)
	if err != nil {
		return nil, err
	}
	for _, uid := range page {
		// A message expunged between SEARCH and FETCH is left out.
		if s, ok := summaries[uid]; ok {
			result.Messages = append(result.Messages, s)
		}
	}

	return result, nil
}

func searchUIDs(ctx context.Context, sess Session, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	var uids []imap.UID
	err := sess.Do(ctx, func(c *imapclient.Client) error {
		data, err := c.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return err
		}
		uids = data.AllUIDs()
		return nil
	})
	return uids, err
}

func searchCount(ctx context.Context, sess Session, criteria *imap.SearchCriteria) (uint32, error) {
	var count uint32
	err := sess.Do(ctx, func(c *imapclient.Client) error {
		data, err := c.UIDSearch(criteria, &imap.SearchOptions{ReturnCount: true}).Wait()
		if err != nil {
			return err
		}
		count = data.Count
		return nil
	})
	return count, err
}

// filterLocally applies preds to candidates: header predicates against the
// envelope first, body predicates against the decoded text of the survivors.
func filterLocally(ctx context.Context, sess Session, folder string, candidates []imap.UID, preds []predicate) ([]imap.UID, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	envelopes, err := fetchEnvelopes(ctx, sess, candidates)
	if err != nil {
		return nil, commandError(err, "fetch envelopes from %q", folder)
	}

	var (
		kept      []imap.UID
		needsBody []imap.UID
	)
	for _, uid := range candidates {
		env := envelopes[uid]
		if env == nil {
			continue
		}
		ok, pending := matchHeaders(env, preds)
		switch {
		case !ok:
		case pending:
			needsBody = append(needsBody, uid)
		default:
			kept = append(kept, uid)
		}
	}
	if len(needsBody) == 0 {
		return kept, nil
	}

	texts, err := fetchTexts(ctx, sess, needsBody)
	if err != nil {
		return nil, commandError(err, "fetch bodies from %q", folder)
	}
	for _, uid := range needsBody {
		if matchBody(envelopes[uid], texts[uid], preds) {
			kept = append(kept, uid)
		}
	}
	return kept, nil
}

// matchHeaders evaluates the header predicates. pending is set when a body
// predicate still has to be checked.
func matchHeaders(env *imap.Envelope, preds []predicate) (ok, pending bool) {
	for _, p := range preds {
		var fields []string
		switch p.field {
		case "from":
			fields = addressStrings(env.From)
		case "to":
			fields = addressStrings(env.To, env.Cc, env.Bcc)
		case "subject":
			fields = []string{env.Subject}
		default:
			pending = true
			continue
		}
		if !containsFold(fields, p.value) {
			return false, false
		}
	}
	return true, pending
}

func matchBody(env *imap.Envelope, text string, preds []predicate) bool {
	for _, p := range preds {
		switch p.field {
		case "body":
			if !containsFold([]string{text}, p.value) {
				return false
			}
		case "text":
			fields := append(addressStrings(env.From, env.To, env.Cc, env.Bcc), env.Subject, text)
			if !containsFold(fields, p.value) {
				return false
			}
		}
	}
	return true
}

func fetchEnvelopes(ctx context.Context, sess Session, uids []imap.UID) (map[imap.UID]*imap.Envelope, error) {
	out := make(map[imap.UID]*imap.Envelope, len(uids))
	err := sess.Do(ctx, func(c *imapclient.Client) error {
		msgs, err := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{UID: true, Envelope: true}).Collect()
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.Envelope != nil {
				out[m.UID] = m.Envelope
			}
		}
		return nil
	})
	return out, err
}

// localBodyLimit bounds the bytes of each candidate fetched for local body
// matching. Text usually precedes attachments, so the prefix carries it.
const localBodyLimit = 256 << 10

// fetchTexts returns the decoded text of each message, read from a bounded
// prefix of the full message so attachments are not transferred.
func fetchTexts(ctx context.Context, sess Session, uids []imap.UID) (map[imap.UID]string, error) {
	out := make(map[imap.UID]string, len(uids))
	err := sess.Do(ctx, func(c *imapclient.Client) error {
		cmd := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{{
				Peek:    true,
				Partial: &imap.SectionPartial{Size: localBodyLimit},
			}},
		})
		defer func() {
			_ = cmd.Close()
		}()

		for {
			resp := cmd.Next()
			if resp == nil {
				break
			}

			var (
				m   fetchedMessage
				msg mailer.Message
			)
			err := m.collect(resp, func(r imap.LiteralReader) error {
				return newBodyDecoder(&msg).decode(r)
			})
			if err != nil {
				return err
			}
			out[m.uid] = msg.Text
		}
		return cmd.Close()
	})
	return out, err
}

func addressStrings(lists ...[]imap.Address) []string {
	var out []string
	for _, list := range lists {
		for i := range list {
			out = append(out, list[i].Name, list[i].Addr())
		}
	}
	return out
}

func containsFold(fields []string, needle string) bool {
	needle = strings.ToLower(needle)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func isBadCharset(err error) bool {
	var imapErr *imap.Error
	return errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeBadCharset
}
