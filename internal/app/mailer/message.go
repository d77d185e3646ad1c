package mailer

import (
	"time"
)

type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// String formats the address the way it appears in a header.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

type Folder struct {
	Name       string `json:"name"`
	Delimiter  string `json:"delimiter,omitempty"`
	Selectable bool   `json:"selectable"`
	SpecialUse string `json:"special_use,omitempty"` // One of sent, drafts, trash, junk, archive, all, flagged.
	Total      uint32 `json:"total"`
	Unseen     uint32 `json:"unseen"`
}

// MessageRef addresses one message. UIDValidity is optional; when set it
// must match the folder's current value.
type MessageRef struct {
	Folder      string `json:"folder,omitempty"`
	UID         uint32 `json:"uid"`
	UIDValidity uint32 `json:"uid_validity,omitempty"`
}

// MessageSummary is a header-level snapshot of a message.
type MessageSummary struct {
	UID         uint32    `json:"uid"`
	Folder      string    `json:"folder"`
	UIDValidity uint32    `json:"uid_validity"`
	MessageID   string    `json:"message_id,omitempty"`
	From        []Address `json:"from,omitempty"`
	To          []Address `json:"to,omitempty"`
	Cc          []Address `json:"cc,omitempty"`
	Subject     string    `json:"subject"`
	Date        time.Time `json:"date"`
	Flags       []string  `json:"flags"`
	Size        int64     `json:"size"`
	BodyFetched bool      `json:"body_fetched"`
}

// Ref returns the reference of the summarized message.
func (s MessageSummary) Ref() MessageRef {
	return MessageRef{Folder: s.Folder, UID: s.UID, UIDValidity: s.UIDValidity}
}

type AttachmentInfo struct {
	Index       int    `json:"index"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Inline      bool   `json:"inline,omitempty"`
}

type AttachmentContent struct {
	AttachmentInfo
	Content []byte `json:"content"`
}

// Message is a fully fetched message. Degraded is set when some part could
// not be decoded cleanly; DegradedReasons describes what fell back.
type Message struct {
	MessageSummary
	ReplyTo         []Address        `json:"reply_to,omitempty"`
	Bcc             []Address        `json:"bcc,omitempty"`
	InReplyTo       []string         `json:"in_reply_to,omitempty"`
	Text            string           `json:"text"`
	HTML            string           `json:"html,omitempty"`
	Attachments     []AttachmentInfo `json:"attachments"`
	Degraded        bool             `json:"degraded"`
	DegradedReasons []string         `json:"degraded_reasons,omitempty"`
}

// Degrade records a best-effort decoding fallback.
func (m *Message) Degrade(reason string) {
	m.Degraded = true
	m.DegradedReasons = append(m.DegradedReasons, reason)
}

// Sort orders of search results, by UID.
const (
	OrderDesc = "desc"
	OrderAsc  = "asc"
)

// SearchCriteria is a conjunction of predicates plus paging.
// Limit 0 means count only.
type SearchCriteria struct {
	Folder   string    `json:"folder,omitempty"`
	Since    time.Time `json:"since,omitempty"`
	Before   time.Time `json:"before,omitempty"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	Subject  string    `json:"subject,omitempty"`
	Body     string    `json:"body,omitempty"`
	Text     string    `json:"text,omitempty"`
	Seen     *bool     `json:"seen,omitempty"`
	Flagged  *bool     `json:"flagged,omitempty"`
	Answered *bool     `json:"answered,omitempty"`
	Deleted  *bool     `json:"deleted,omitempty"`
	Query    string    `json:"query,omitempty"` // Filter expression, e.g. "UNSEEN && FROM == 'a@b.c'".
	Offset   int       `json:"offset"`
	Limit    int       `json:"limit"`
	Page     int       `json:"page,omitempty"` // 1-based; translated to Offset when Offset is zero.
	Order    string    `json:"order,omitempty"`
}

type SearchResult struct {
	Folder   string           `json:"folder"`
	Total    int              `json:"total"`
	Offset   int              `json:"offset"`
	Limit    int              `json:"limit"`
	Messages []MessageSummary `json:"messages"`
}

// FlagChanges lists flags to add and remove. Names are seen, answered,
// flagged, deleted, draft, or raw IMAP flags/keywords.
type FlagChanges struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

type OutboundAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Content     []byte `json:"content"`
}

type OutboundMessage struct {
	To          []string             `json:"to"`
	Cc          []string             `json:"cc,omitempty"`
	Bcc         []string             `json:"bcc,omitempty"`
	ReplyTo     string               `json:"reply_to,omitempty"`
	InReplyTo   string               `json:"in_reply_to,omitempty"`
	Subject     string               `json:"subject"`
	Text        string               `json:"text,omitempty"`
	HTML        string               `json:"html,omitempty"`
	Attachments []OutboundAttachment `json:"attachments,omitempty"`
}

// Recipients returns all envelope recipients in to, cc, bcc order.
func (m OutboundMessage) Recipients() []string {
	all := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	all = append(all, m.To...)
	all = append(all, m.Cc...)
	return append(all, m.Bcc...)
}

// DeliveryAccepted is the only DeliveryResult status. Rejections and
// transport failures are returned as errors.
const DeliveryAccepted = "accepted"

// RelayNote explains what an accepted delivery means.
const RelayNote = "accepted by the relay for delivery; final delivery to the recipients' mailboxes is not confirmed"

type DeliveryResult struct {
	Status     string   `json:"status"`
	MessageID  string   `json:"message_id"`
	Recipients []string `json:"recipients"`
	Size       int      `json:"size"`
	SavedTo    string   `json:"saved_to,omitempty"`
	SaveError  string   `json:"save_error,omitempty"` // Set when the sent copy could not be stored.
	Note       string   `json:"note"`
}
