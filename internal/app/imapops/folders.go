package imapops

import (
	"context"
	"sort"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
)

var specialUseAttrs = map[imap.MailboxAttr]string{
	imap.MailboxAttrSent:    "sent",
	imap.MailboxAttrDrafts:  "drafts",
	imap.MailboxAttrTrash:   "trash",
	imap.MailboxAttrJunk:    "junk",
	imap.MailboxAttrArchive: "archive",
	imap.MailboxAttrAll:     "all",
	imap.MailboxAttrFlagged: "flagged",
}

// Well-known folder names for servers without SPECIAL-USE.
var specialUseNames = map[string]string{
	"sent":          "sent",
	"sent items":    "sent",
	"sent messages": "sent",
	"sent mail":     "sent",
	"drafts":        "drafts",
	"trash":         "trash",
	"deleted items": "trash",
	"junk":          "junk",
	"spam":          "junk",
	"archive":       "archive",
}

var folderStatus = &imap.StatusOptions{NumMessages: true, NumUnseen: true}

// ListFolders lists every folder with message and unseen counts, sorted by
// name. LIST-STATUS is used when the server has it, otherwise one STATUS per
// selectable folder.
func ListFolders(ctx context.Context, sess Session) ([]mailer.Folder, error) {
	caps := sess.Caps()

	opts := &imap.ListOptions{}
	if caps.ListStatus {
		opts.ReturnStatus = folderStatus
	}
	if caps.SpecialUse {
		opts.ReturnSpecialUse = true
	}
	if opts.ReturnStatus == nil && !opts.ReturnSpecialUse {
		opts = nil
	}

	var listed []*imap.ListData
	err := sess.Do(ctx, func(c *imapclient.Client) error {
		var err error
		listed, err = c.List("", "*", opts).Collect()
		return err
	})
	if err != nil {
		return nil, commandError(err, "list folders")
	}

	folders := make([]mailer.Folder, 0, len(listed))
	for _, data := range listed {
		folder := mailer.Folder{
			Name:       data.Mailbox,
			Selectable: true,
			SpecialUse: specialUse(data),
		}
		if data.Delim != 0 {
			folder.Delimiter = string(data.Delim)
		}
		for _, attr := range data.Attrs {
			if attr == imap.MailboxAttrNoSelect || attr == imap.MailboxAttrNonExistent {
				folder.Selectable = false
			}
		}

		status := data.Status
		if folder.Selectable && status == nil {
			err := sess.Do(ctx, func(c *imapclient.Client) error {
				var err error
				status, err = c.Status(data.Mailbox, folderStatus).Wait()
				return err
			})
			if err != nil {
				return nil, folderError(err, data.Mailbox)
			}
		}
		if folder.Selectable && status != nil {
			if status.NumMessages != nil {
				folder.Total = *status.NumMessages
			}
			if status.NumUnseen != nil {
				folder.Unseen = *status.NumUnseen
			}
		}

		folders = append(folders, folder)
	}

	sort.Slice(folders, func(i, j int) bool {
		return folders[i].Name < folders[j].Name
	})
	return folders, nil
}

func specialUse(data *imap.ListData) string {
	for _, attr := range data.Attrs {
		if use, ok := specialUseAttrs[attr]; ok {
			return use
		}
	}
	return specialUseNames[strings.ToLower(data.Mailbox)]
}

// FindSpecialUse returns the folder marked with use ("sent", "trash", ...),
// or "" when there is none.
func FindSpecialUse(folders []mailer.Folder, use string) string {
	for _, f := range folders {
		if f.SpecialUse == use && f.Selectable {
			return f.Name
		}
	}
	return ""
}
